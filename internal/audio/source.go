// Package audio owns microphone acquisition, live frequency-domain analysis,
// spectrogram rendering, and assembly of the finalized recording. At most
// one capture session is active at a time; the microphone and its analysis
// state are exclusively owned by that session.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

// DefaultSampleRate is the capture rate used for voice messages.
const DefaultSampleRate = 44100

// Source produces a live stream of mono signed 16-bit PCM samples. Start
// must not leave partial state behind on failure. onErr reports a
// mid-capture stream failure; the recorder treats it as an implicit stop.
type Source interface {
	Start(onData func(pcm []int16), onErr func(error)) error
	Stop() error
	SampleRate() int
}

// MicSource captures from the default system microphone via miniaudio.
type MicSource struct {
	rate int

	mu       sync.Mutex
	actx     *malgo.AllocatedContext
	device   *malgo.Device
	stopping bool
}

// NewMicSource creates a microphone source. A zero rate selects
// DefaultSampleRate.
func NewMicSource(rate int) *MicSource {
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	return &MicSource{rate: rate}
}

// SampleRate returns the configured capture rate.
func (m *MicSource) SampleRate() int { return m.rate }

// Start acquires the microphone and begins streaming samples to onData from
// the device callback thread. Acquisition failure leaves no partial state.
func (m *MicSource) Start(onData func(pcm []int16), onErr func(error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device != nil {
		return errors.New("audio: microphone already acquired")
	}

	actx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("audio: init context: %w", err)
	}

	conf := malgo.DefaultDeviceConfig(malgo.Capture)
	conf.Capture.Format = malgo.FormatS16
	conf.Capture.Channels = 1
	conf.SampleRate = uint32(m.rate)
	conf.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, frameCount uint32) {
			onData(bytesToPCM(in, frameCount))
		},
		Stop: func() {
			m.mu.Lock()
			wasStopping := m.stopping
			m.mu.Unlock()
			if !wasStopping && onErr != nil {
				onErr(errors.New("audio: capture device stopped unexpectedly"))
			}
		},
	}

	device, err := malgo.InitDevice(actx.Context, conf, callbacks)
	if err != nil {
		actx.Uninit()
		actx.Free()
		return fmt.Errorf("audio: acquire microphone: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		actx.Uninit()
		actx.Free()
		return fmt.Errorf("audio: start capture: %w", err)
	}

	m.actx = actx
	m.device = device
	m.stopping = false
	return nil
}

// Stop halts capture and releases the microphone and device context.
func (m *MicSource) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device == nil {
		return nil
	}
	m.stopping = true
	m.device.Uninit()
	m.device = nil

	m.actx.Uninit()
	m.actx.Free()
	m.actx = nil
	return nil
}

// bytesToPCM converts an interleaved little-endian S16 frame buffer into
// samples. The capture config is mono, so frames equal samples.
func bytesToPCM(in []byte, frameCount uint32) []int16 {
	n := int(frameCount)
	if n > len(in)/2 {
		n = len(in) / 2
	}
	pcm := make([]int16, n)
	for i := 0; i < n; i++ {
		pcm[i] = int16(binary.LittleEndian.Uint16(in[2*i:]))
	}
	return pcm
}

package audio

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"sync"
	"time"

	"github.com/hallway/chat-core/internal/metrics"
)

var (
	// ErrRecorderBusy is returned when a recording session is already active.
	ErrRecorderBusy = errors.New("audio: recording already in progress")

	// ErrNoSession is returned for stop/cancel without an active session.
	ErrNoSession = errors.New("audio: no active recording")
)

// Clip is a finalized recording: the assembled WAV payload, the last
// rendered spectrogram frame, and the capture duration.
type Clip struct {
	WAV            []byte
	SpectrogramPNG []byte
	Duration       time.Duration
	SampleRate     int
}

// RecorderConfig tunes the capture pipeline.
type RecorderConfig struct {
	FrameRate  int // spectrogram columns per second
	SpecWidth  int
	SpecHeight int

	// OnFrame is invoked with each rendered frame for live display. It runs
	// on the render goroutine and must not block.
	OnFrame func(image.Image)

	// OnImplicitStop receives the best-effort clip when a mid-capture stream
	// error forces a stop.
	OnImplicitStop func(*Clip)
}

// DefaultRecorderConfig returns sensible defaults.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		FrameRate:  30,
		SpecWidth:  320,
		SpecHeight: 96,
	}
}

// Recorder drives one microphone capture session at a time: it buffers PCM
// chunks while a concurrent render loop paints the live spectrogram, and it
// finalizes both atomically at stop time.
type Recorder struct {
	conf RecorderConfig
	src  Source

	// state guards the session lifecycle.
	state   sync.Mutex
	active  bool
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}

	// data guards the sample buffer and canvas, which the device callback
	// and the render loop touch concurrently.
	data    sync.Mutex
	samples []int
	spec    *Spectrogram
}

// NewRecorder creates a recorder bound to a capture source.
func NewRecorder(src Source, conf RecorderConfig) *Recorder {
	if conf.FrameRate <= 0 {
		conf.FrameRate = 30
	}
	if conf.SpecWidth <= 0 || conf.SpecHeight <= 0 {
		def := DefaultRecorderConfig()
		conf.SpecWidth, conf.SpecHeight = def.SpecWidth, def.SpecHeight
	}
	return &Recorder{conf: conf, src: src}
}

// Start acquires the source and begins buffering samples and rendering
// frames. Starting while a session is active is rejected; acquisition
// failure leaves no partial session.
func (r *Recorder) Start(ctx context.Context) error {
	r.state.Lock()
	defer r.state.Unlock()

	if r.active {
		return ErrRecorderBusy
	}

	r.data.Lock()
	r.samples = nil
	r.spec = NewSpectrogram(r.conf.SpecWidth, r.conf.SpecHeight)
	r.data.Unlock()

	if err := r.src.Start(r.onData, r.onSourceError); err != nil {
		return fmt.Errorf("audio: start recording: %w", err)
	}

	rctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.active = true
	r.started = time.Now()

	go r.renderLoop(rctx, r.done)
	return nil
}

// Stop halts capture, cancels the render loop, captures the final
// spectrogram image, and assembles the buffered chunks into a clip. The
// microphone and analysis state are released in every path.
func (r *Recorder) Stop() (*Clip, error) {
	return r.finalize(false)
}

// Cancel performs the same teardown as Stop but discards the audio.
func (r *Recorder) Cancel() error {
	_, err := r.finalize(true)
	return err
}

// Active reports whether a session is in progress.
func (r *Recorder) Active() bool {
	r.state.Lock()
	defer r.state.Unlock()
	return r.active
}

// Elapsed returns how long the active session has been running, or zero.
func (r *Recorder) Elapsed() time.Duration {
	r.state.Lock()
	defer r.state.Unlock()
	if !r.active {
		return 0
	}
	return time.Since(r.started)
}

func (r *Recorder) finalize(discard bool) (*Clip, error) {
	r.state.Lock()
	if !r.active {
		r.state.Unlock()
		return nil, ErrNoSession
	}
	r.active = false
	cancel := r.cancel
	done := r.done
	r.cancel = nil
	r.done = nil
	r.state.Unlock()

	if err := r.src.Stop(); err != nil {
		log.Printf("[audio] source stop: %v", err)
	}
	cancel()
	<-done

	r.data.Lock()
	samples := r.samples
	spec := r.spec
	r.samples = nil
	r.spec = nil
	r.data.Unlock()

	if discard {
		return nil, nil
	}

	rate := r.src.SampleRate()
	wavData, err := encodeWAV(samples, rate)
	if err != nil {
		return nil, err
	}
	pngData, err := spec.PNG()
	if err != nil {
		return nil, fmt.Errorf("audio: snapshot spectrogram: %w", err)
	}

	duration := time.Duration(len(samples)) * time.Second / time.Duration(rate)
	metrics.RecordingDuration.Observe(duration.Seconds())

	return &Clip{
		WAV:            wavData,
		SpectrogramPNG: pngData,
		Duration:       duration,
		SampleRate:     rate,
	}, nil
}

// onData runs on the capture callback thread.
func (r *Recorder) onData(pcm []int16) {
	r.data.Lock()
	defer r.data.Unlock()
	if r.spec == nil {
		return
	}
	for _, v := range pcm {
		r.samples = append(r.samples, int(v))
	}
}

// onSourceError treats a mid-capture stream failure as an implicit stop and
// finalizes whatever was captured, best effort.
func (r *Recorder) onSourceError(err error) {
	log.Printf("[audio] capture stream error: %v", err)
	go func() {
		clip, ferr := r.Stop()
		if ferr != nil {
			if !errors.Is(ferr, ErrNoSession) {
				log.Printf("[audio] implicit stop failed: %v", ferr)
			}
			return
		}
		if r.conf.OnImplicitStop != nil {
			r.conf.OnImplicitStop(clip)
		}
	}()
}

// renderLoop samples the stream tail at the frame rate and paints one
// spectrogram column per tick until canceled.
func (r *Recorder) renderLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(time.Second / time.Duration(r.conf.FrameRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.renderFrame()
		}
	}
}

func (r *Recorder) renderFrame() {
	r.data.Lock()
	if r.spec == nil {
		r.data.Unlock()
		return
	}
	tail := make([]int16, 0, fftSize)
	start := len(r.samples) - fftSize
	if start < 0 {
		start = 0
	}
	for _, v := range r.samples[start:] {
		tail = append(tail, int16(v))
	}
	r.spec.Feed(tail)
	var frame image.Image
	if r.conf.OnFrame != nil {
		frame = r.spec.Image()
	}
	r.data.Unlock()

	if frame != nil {
		r.conf.OnFrame(frame)
	}
}

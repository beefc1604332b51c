package audio

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// fftSize is the analysis window length. At 44.1kHz one window covers about
// 23ms of signal, short enough to track speech onsets at the render rate.
const fftSize = 1024

// Spectrogram paints scrolling bar-style columns of frequency-domain energy
// onto an RGBA canvas. Each Feed call renders one column from the most
// recent samples; once the canvas is full it scrolls left.
type Spectrogram struct {
	width  int
	height int
	img    *image.RGBA
	fft    *fourier.FFT
	window []float64 // Hann coefficients, precomputed
	col    int
}

// NewSpectrogram creates an empty canvas of the given dimensions.
func NewSpectrogram(width, height int) *Spectrogram {
	s := &Spectrogram{
		width:  width,
		height: height,
		img:    image.NewRGBA(image.Rect(0, 0, width, height)),
		fft:    fourier.NewFFT(fftSize),
		window: make([]float64, fftSize),
	}
	for i := range s.window {
		s.window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(fftSize-1)))
	}
	// Start from a black canvas rather than transparent pixels.
	for i := 3; i < len(s.img.Pix); i += 4 {
		s.img.Pix[i] = 0xff
	}
	return s
}

// Feed renders one column from the tail of the live sample stream. Shorter
// inputs are zero-padded at the front.
func (s *Spectrogram) Feed(tail []int16) {
	seq := make([]float64, fftSize)
	offset := fftSize - len(tail)
	if offset < 0 {
		tail = tail[len(tail)-fftSize:]
		offset = 0
	}
	for i, v := range tail {
		seq[offset+i] = float64(v) / 32768.0 * s.window[offset+i]
	}

	coeffs := s.fft.Coefficients(nil, seq)

	x := s.col
	if x >= s.width {
		s.scrollLeft()
		x = s.width - 1
	} else {
		s.col++
	}

	// Group the lower half of the bins into one band per pixel row. Speech
	// energy lives well below Nyquist, so the upper bins are omitted.
	usable := len(coeffs) / 2
	perBand := usable / s.height
	if perBand < 1 {
		perBand = 1
	}
	for y := 0; y < s.height; y++ {
		start := y * perBand
		end := start + perBand
		if end > usable {
			end = usable
		}
		var sum float64
		for _, c := range coeffs[start:end] {
			re := real(c)
			im := imag(c)
			sum += math.Sqrt(re*re + im*im)
		}
		mag := sum / float64(end-start)
		// Low frequencies at the bottom of the canvas.
		s.img.Set(x, s.height-1-y, heat(mag))
	}
}

// Image returns a snapshot copy of the rendered canvas.
func (s *Spectrogram) Image() image.Image {
	snap := image.NewRGBA(s.img.Bounds())
	copy(snap.Pix, s.img.Pix)
	return snap
}

// PNG encodes the current canvas.
func (s *Spectrogram) PNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, s.img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// scrollLeft shifts every pixel row one column left, clearing the rightmost
// column to black.
func (s *Spectrogram) scrollLeft() {
	for y := 0; y < s.height; y++ {
		row := s.img.Pix[y*s.img.Stride : y*s.img.Stride+s.width*4]
		copy(row, row[4:])
		off := (s.width - 1) * 4
		row[off], row[off+1], row[off+2], row[off+3] = 0, 0, 0, 0xff
	}
}

// heat maps a magnitude to a black-green-yellow-red gradient.
func heat(mag float64) color.RGBA {
	// Log compression keeps quiet speech visible next to loud peaks.
	v := math.Log1p(mag*40) / math.Log1p(41)
	if v > 1 {
		v = 1
	}
	switch {
	case v < 0.33:
		return color.RGBA{0, uint8(v / 0.33 * 200), 40, 0xff}
	case v < 0.66:
		t := (v - 0.33) / 0.33
		return color.RGBA{uint8(t * 255), 200, 40, 0xff}
	default:
		t := (v - 0.66) / 0.34
		return color.RGBA{255, uint8(200 * (1 - t)), 40, 0xff}
	}
}

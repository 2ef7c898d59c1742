package dsp

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// FFTShift returns the FFT output shifted so that DC is centered.
func FFTShift[T any](data []T) []T {
	n := len(data)
	if n == 0 {
		return []T{}
	}
	half := n / 2
	out := make([]T, 0, n)
	out = append(out, data[half:]...)
	return append(out, data[:half]...)
}

// Spectrum is an averaged power spectrum with DC in the center bin.
type Spectrum struct {
	CenterFreq float64   `json:"centerFreq"`
	SampleRate float64   `json:"sampleRate"`
	Bins       []float64 `json:"bins"`
	Frames     int       `json:"frames"`
	PeakFreq   float64   `json:"peakFreq"`
	PeakDB     float64   `json:"peakDb"`
}

// FreqAt returns the absolute frequency of bin i.
func (s Spectrum) FreqAt(i int) float64 {
	n := len(s.Bins)
	if n == 0 {
		return s.CenterFreq
	}
	return s.CenterFreq + float64(i-n/2)*s.SampleRate/float64(n)
}

// Analyzer accumulates windowed FFT frames of a fixed size. Samples are
// expected at unit full scale, so a full-scale tone reads 0 dBFS.
type Analyzer struct {
	mu     sync.Mutex
	size   int
	win    Window
	coeffs []float64
	gain   float64
	fft    *fourier.CmplxFFT
	alpha  float64
	power  []float64
	frames int
}

// NewAnalyzer builds an analyzer for size-point frames. alpha is the weight
// of each new frame in the exponential average; 0 or 1 disables averaging.
func NewAnalyzer(size int, win Window, alpha float64) *Analyzer {
	a := &Analyzer{win: win, alpha: alpha}
	a.resize(size)
	return a
}

func (a *Analyzer) resize(size int) {
	a.size = size
	a.coeffs = a.win.Coefficients(size)
	a.gain = floats.Sum(a.coeffs)
	a.fft = fourier.NewCmplxFFT(max(size, 1))
	a.power = make([]float64, size)
	a.frames = 0
}

// Size returns the frame length.
func (a *Analyzer) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

// Resize changes the frame length and clears the average.
func (a *Analyzer) Resize(size int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resize(size)
}

// Reset clears the average.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.power)
	a.frames = 0
}

// Process folds every complete frame in samples into the average and
// returns how many frames were consumed. A trailing partial frame is dropped.
func (a *Analyzer) Process(samples []complex64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.size == 0 {
		return 0
	}
	n := 0
	for off := 0; off+a.size <= len(samples); off += a.size {
		a.fold(samples[off : off+a.size])
		n++
	}
	return n
}

func (a *Analyzer) fold(frame []complex64) {
	coeffs := a.fft.Coefficients(nil, ApplyWindow(frame, a.coeffs))
	w := a.alpha
	if w <= 0 || w >= 1 || a.frames == 0 {
		w = 1
	}
	for i, c := range coeffs {
		re, im := real(c)/a.gain, imag(c)/a.gain
		a.power[i] = (1-w)*a.power[i] + w*(re*re+im*im)
	}
	a.frames++
}

// Snapshot renders the current average in dBFS.
func (a *Analyzer) Snapshot(centerFreq, sampleRate float64) Spectrum {
	a.mu.Lock()
	power := FFTShift(a.power)
	frames := a.frames
	a.mu.Unlock()

	s := Spectrum{
		CenterFreq: centerFreq,
		SampleRate: sampleRate,
		Bins:       make([]float64, len(power)),
		Frames:     frames,
		PeakDB:     math.Inf(-1),
	}
	if frames == 0 {
		for i := range s.Bins {
			s.Bins[i] = math.Inf(-1)
		}
		return s
	}
	for i, p := range power {
		s.Bins[i] = PowerDB(p)
	}
	if len(s.Bins) > 0 {
		peak := floats.MaxIdx(s.Bins)
		s.PeakDB = s.Bins[peak]
		s.PeakFreq = s.FreqAt(peak)
	}
	return s
}

// PowerDB converts linear power to decibels.
func PowerDB(p float64) float64 {
	if p <= 0 {
		return math.Inf(-1)
	}
	return 10 * math.Log10(p)
}

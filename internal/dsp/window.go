package dsp

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/dsp/window"
)

// Window selects the taper applied before the FFT.
type Window int

const (
	Hann Window = iota
	Hamming
	BlackmanHarris
	Rectangular
)

func (w Window) String() string {
	switch w {
	case Hann:
		return "hann"
	case Hamming:
		return "hamming"
	case BlackmanHarris:
		return "blackman-harris"
	case Rectangular:
		return "rectangular"
	default:
		return "unknown"
	}
}

// ParseWindow accepts the names produced by Window.String.
func ParseWindow(s string) (Window, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hann", "":
		return Hann, nil
	case "hamming":
		return Hamming, nil
	case "blackman-harris", "blackmanharris":
		return BlackmanHarris, nil
	case "rectangular", "none":
		return Rectangular, nil
	default:
		return Hann, fmt.Errorf("unsupported window %q", s)
	}
}

// Coefficients returns the n-point window.
func (w Window) Coefficients(n int) []float64 {
	if n <= 0 {
		return []float64{}
	}
	seq := make([]float64, n)
	for i := range seq {
		seq[i] = 1
	}
	switch w {
	case Hann:
		return window.Hann(seq)
	case Hamming:
		return window.Hamming(seq)
	case BlackmanHarris:
		return window.BlackmanHarris(seq)
	default:
		return seq
	}
}

// ApplyWindow multiplies the input complex samples with the provided window.
// The window length must match the input length.
func ApplyWindow(samples []complex64, coeffs []float64) []complex128 {
	if len(samples) != len(coeffs) {
		return []complex128{}
	}
	out := make([]complex128, len(samples))
	for i, v := range samples {
		out[i] = complex(float64(real(v))*coeffs[i], float64(imag(v))*coeffs[i])
	}
	return out
}

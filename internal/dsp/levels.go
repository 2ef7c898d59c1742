package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Levels summarizes one block of samples.
type Levels struct {
	PowerDBFS float64    `json:"powerDbfs"`
	PeakDBFS  float64    `json:"peakDbfs"`
	DCOffset  complex128 `json:"-"`
	// Clipped counts samples with a component at or beyond full scale.
	Clipped int `json:"clipped"`
}

// MeasureLevels computes mean power, peak magnitude and DC offset.
func MeasureLevels(samples []complex64) Levels {
	if len(samples) == 0 {
		return Levels{PowerDBFS: math.Inf(-1), PeakDBFS: math.Inf(-1)}
	}
	power := make([]float64, len(samples))
	re := make([]float64, len(samples))
	im := make([]float64, len(samples))
	clipped := 0
	for i, s := range samples {
		c := complex128(s)
		re[i], im[i] = real(c), imag(c)
		power[i] = real(c)*real(c) + imag(c)*imag(c)
		if math.Abs(re[i]) >= 1 || math.Abs(im[i]) >= 1 {
			clipped++
		}
	}
	return Levels{
		PowerDBFS: PowerDB(stat.Mean(power, nil)),
		PeakDBFS:  PowerDB(floats.Max(power)),
		DCOffset:  complex(stat.Mean(re, nil), stat.Mean(im, nil)),
		Clipped:   clipped,
	}
}

// DCOffsetDB is the DC magnitude relative to full scale.
func (l Levels) DCOffsetDB() float64 {
	m := cmplx.Abs(l.DCOffset)
	return PowerDB(m * m)
}

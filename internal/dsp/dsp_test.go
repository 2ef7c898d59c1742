package dsp

import (
	"math"
	"testing"
)

func tone(n int, cycles float64, amp float64) []complex64 {
	out := make([]complex64, n)
	for i := range out {
		ph := 2 * math.Pi * cycles * float64(i) / float64(n)
		out[i] = complex64(complex(amp*math.Cos(ph), amp*math.Sin(ph)))
	}
	return out
}

func TestFFTShift(t *testing.T) {
	in := []complex128{0, 1, 2, 3}
	out := FFTShift(in)
	expected := []complex128{2, 3, 0, 1}
	for i := range expected {
		if out[i] != expected[i] {
			t.Fatalf("index %d expected %v got %v", i, expected[i], out[i])
		}
	}
	if in[0] != 0 {
		t.Fatalf("input modified")
	}
}

func TestHammingCoefficients(t *testing.T) {
	win := Hamming.Coefficients(4)
	expected := []float64{0.08, 0.77, 0.77, 0.08}
	for i := range expected {
		if math.Abs(win[i]-expected[i]) > 1e-6 {
			t.Fatalf("index %d expected %.2f got %.6f", i, expected[i], win[i])
		}
	}
	if len(Rectangular.Coefficients(0)) != 0 {
		t.Fatalf("expected empty window")
	}
}

func TestParseWindow(t *testing.T) {
	for _, w := range []Window{Hann, Hamming, BlackmanHarris, Rectangular} {
		got, err := ParseWindow(w.String())
		if err != nil || got != w {
			t.Fatalf("round trip %v: got %v, %v", w, got, err)
		}
	}
	if _, err := ParseWindow("kaiser"); err == nil {
		t.Fatalf("expected error for unknown window")
	}
}

func TestApplyWindow(t *testing.T) {
	samples := []complex64{1 + 1i, 2 + 0i}
	out := ApplyWindow(samples, []float64{0.5, 0.25})
	if real(out[0]) != 0.5 || imag(out[0]) != 0.5 {
		t.Fatalf("unexpected first value %v", out[0])
	}
	if len(ApplyWindow(samples, []float64{1})) != 0 {
		t.Fatalf("expected empty slice when lengths differ")
	}
}

func TestAnalyzerFindsTone(t *testing.T) {
	const n = 256
	a := NewAnalyzer(n, Hann, 0)
	if got := a.Process(tone(n, 32, 1)); got != 1 {
		t.Fatalf("expected one frame, got %d", got)
	}
	s := a.Snapshot(100e6, 1e6)
	want := 100e6 + 32*1e6/n
	if s.PeakFreq != want {
		t.Fatalf("peak at %v want %v", s.PeakFreq, want)
	}
	if math.Abs(s.PeakDB) > 0.01 {
		t.Fatalf("full scale tone read %v dBFS", s.PeakDB)
	}
	if s.Frames != 1 || len(s.Bins) != n {
		t.Fatalf("unexpected snapshot shape: %d frames, %d bins", s.Frames, len(s.Bins))
	}
}

func TestAnalyzerAveragesAndResets(t *testing.T) {
	const n = 64
	a := NewAnalyzer(n, Rectangular, 0.5)
	samples := append(tone(n, -8, 1), tone(n, -8, 0.5)...)
	samples = append(samples, 0, 0, 0)
	if got := a.Process(samples); got != 2 {
		t.Fatalf("expected two frames, got %d", got)
	}
	s := a.Snapshot(0, float64(n))
	// 0.5*1 + 0.5*0.25
	if math.Abs(s.PeakDB-PowerDB(0.625)) > 1e-5 {
		t.Fatalf("averaged peak %v", s.PeakDB)
	}
	if s.PeakFreq != -8 {
		t.Fatalf("peak at %v", s.PeakFreq)
	}

	a.Reset()
	s = a.Snapshot(0, 1)
	if s.Frames != 0 || !math.IsInf(s.Bins[0], -1) {
		t.Fatalf("reset did not clear average")
	}

	a.Resize(32)
	if a.Size() != 32 || a.Process(make([]complex64, 31)) != 0 {
		t.Fatalf("resize not applied")
	}
}

func TestMeasureLevels(t *testing.T) {
	samples := []complex64{1, -1, 0.5 + 0.5i, 0.5 - 0.5i}
	l := MeasureLevels(samples)
	if math.Abs(l.PowerDBFS-PowerDB(0.75)) > 1e-9 {
		t.Fatalf("power %v", l.PowerDBFS)
	}
	if l.PeakDBFS != 0 {
		t.Fatalf("peak %v", l.PeakDBFS)
	}
	if l.DCOffset != complex(0.25, 0) {
		t.Fatalf("dc %v", l.DCOffset)
	}
	if l.Clipped != 2 {
		t.Fatalf("clipped %d", l.Clipped)
	}
	if !math.IsInf(MeasureLevels(nil).PowerDBFS, -1) {
		t.Fatalf("empty block should read -Inf")
	}
}

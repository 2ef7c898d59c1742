// Package sdr holds the vocabulary shared by every radio backend: the Source
// capability set, parameter ranges, device arguments and the error taxonomy.
package sdr

import (
	"context"
	"math"
)

// ChunkSink receives fixed-size sample chunks from a vendor SDK thread.
// Implementations must return promptly; the returned status is handed back
// to the SDK (0 means continue).
type ChunkSink interface {
	Chunk(samples []complex64, dropped uint64) int
}

// Source captures the tune/gain/rate/antenna surface and the pull-based
// streaming interface every device family implements.
type Source interface {
	// Start arms SDK delivery. Starting a streaming source returns ErrAlreadyStreaming.
	Start() error
	// Stop halts SDK delivery and releases a blocked Pull. Stopping twice is a no-op.
	Stop() error
	// Pull fills dst with exactly ChunkSize samples per call. It returns 0 and
	// no error when len(dst) < ChunkSize, and ErrEndOfStream when not streaming.
	Pull(ctx context.Context, dst []complex64) (int, error)
	// ChunkSize reports the fixed minimum transfer size of the device.
	ChunkSize() int
	Close() error

	Info() DeviceInfo
	NumChannels() int

	SampleRates() MetaRange
	SetSampleRate(rate float64) (float64, error)
	SampleRate() float64

	FreqRange() Range
	SetCenterFreq(freq float64) (float64, error)
	CenterFreq() float64
	SetFreqCorr(ppm float64) (float64, error)
	FreqCorr() (float64, error)

	GainNames() []string
	GainRange(name string) (Range, error)
	SetGain(name string, db float64) (float64, error)
	Gain(name string) (float64, error)
	SetGainMode(automatic bool) (bool, error)
	GainMode() bool

	Antennas() []string
	SetAntenna(name string) (string, error)
	Antenna() string

	ClockSources() []string
	SetClockSource(name string) error
	ClockSource() (string, error)
}

// Range is an inclusive interval with an optional step (0 means continuous).
type Range struct {
	Start float64 `json:"start"`
	Stop  float64 `json:"stop"`
	Step  float64 `json:"step"`
}

// Point returns a degenerate range containing a single value.
func Point(v float64) Range { return Range{Start: v, Stop: v} }

// Contains reports whether v lies inside the range bounds.
func (r Range) Contains(v float64) bool { return v >= r.Start && v <= r.Stop }

// Clip clamps v into the range and, when stepped, snaps it to the nearest step.
func (r Range) Clip(v float64) float64 {
	if v < r.Start {
		v = r.Start
	}
	if v > r.Stop {
		v = r.Stop
	}
	if r.Step > 0 {
		n := (v - r.Start) / r.Step
		v = r.Start + math.Round(n)*r.Step
		if v > r.Stop {
			v -= r.Step
		}
	}
	return v
}

// MetaRange is an ordered union of ranges.
type MetaRange []Range

// Bounds returns the overall minimum and maximum covered by the union.
func (m MetaRange) Bounds() Range {
	if len(m) == 0 {
		return Range{}
	}
	out := Range{Start: m[0].Start, Stop: m[0].Stop}
	for _, r := range m[1:] {
		if r.Start < out.Start {
			out.Start = r.Start
		}
		if r.Stop > out.Stop {
			out.Stop = r.Stop
		}
	}
	return out
}

// Values lists the discrete values of every stepped or single-point range.
func (m MetaRange) Values() []float64 {
	var out []float64
	for _, r := range m {
		if r.Step <= 0 {
			out = append(out, r.Start)
			if r.Stop != r.Start {
				out = append(out, r.Stop)
			}
			continue
		}
		for v := r.Start; v <= r.Stop+r.Step/2; v += r.Step {
			out = append(out, v)
		}
	}
	return out
}

// Package record writes pulled IQ chunks to 2-channel 16-bit WAV files
// (I on the left channel, Q on the right).
package record

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const bitDepth = 16

// wavPCM is the WAVE_FORMAT_PCM format tag.
const wavPCM = 1

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("recorder closed")

// Recorder appends IQ samples to a WAV file. It is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	f       *os.File
	enc     *wav.Encoder
	buf     *audio.IntBuffer
	samples uint64
	clipped uint64
	closed  bool
}

// Create truncates path and writes a WAV header for the given sample rate.
func Create(path string, sampleRate float64) (*Recorder, error) {
	if sampleRate <= 0 || sampleRate > math.MaxUint32 {
		return nil, fmt.Errorf("record: invalid sample rate %g", sampleRate)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("record: %w", err)
	}
	rate := int(math.Round(sampleRate))
	return &Recorder{
		f:   f,
		enc: wav.NewEncoder(f, rate, bitDepth, 2, wavPCM),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: 2, SampleRate: rate},
			SourceBitDepth: bitDepth,
		},
	}, nil
}

// Write appends samples, saturating components outside [-1, 1].
func (r *Recorder) Write(samples []complex64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if cap(r.buf.Data) < 2*len(samples) {
		r.buf.Data = make([]int, 2*len(samples))
	}
	r.buf.Data = r.buf.Data[:2*len(samples)]
	for i, s := range samples {
		iv, ic := quantize(real(s))
		qv, qc := quantize(imag(s))
		r.buf.Data[2*i] = iv
		r.buf.Data[2*i+1] = qv
		if ic || qc {
			r.clipped++
		}
	}
	if err := r.enc.Write(r.buf); err != nil {
		return fmt.Errorf("record: write: %w", err)
	}
	r.samples += uint64(len(samples))
	return nil
}

func quantize(v float32) (int, bool) {
	x := math.Round(float64(v) * math.MaxInt16)
	switch {
	case x > math.MaxInt16:
		return math.MaxInt16, true
	case x < -math.MaxInt16:
		return -math.MaxInt16, true
	}
	return int(x), false
}

// Samples reports how many IQ pairs were written.
func (r *Recorder) Samples() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.samples
}

// Clipped reports how many samples were saturated.
func (r *Recorder) Clipped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clipped
}

// Close finalizes the header and closes the file. Closing twice is a no-op.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	encErr := r.enc.Close()
	fileErr := r.f.Close()
	return errors.Join(encErr, fileErr)
}

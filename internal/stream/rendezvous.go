// Package stream bridges an SDK-owned callback thread to a pull-based
// consumer through a single-slot rendezvous.
//
// One mutex guards both the slot and the streaming state. The consumer arms
// the slot with its destination buffer and signals ready; the callback waits
// for ready, copies exactly one chunk, clears the slot and signals done. Both
// waits re-check the streaming state on every wake-up, so a stop releases
// either side instead of leaving it parked.
package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rjboer/sdrsource/internal/sdr"
)

// State is the streaming lifecycle flag.
type State int

const (
	Stopped State = iota
	Streaming
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Streaming:
		return "streaming"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Observer receives observability events from the callback side. Calls are
// made from the SDK thread without the rendezvous lock held.
type Observer interface {
	StreamDropped(dropped uint64)
}

// Stats summarizes traffic through a rendezvous.
type Stats struct {
	Chunks         uint64 `json:"chunks"`
	Samples        uint64 `json:"samples"`
	DroppedSamples uint64 `json:"droppedSamples"`
	Discarded      uint64 `json:"discarded"`
	Timeouts       uint64 `json:"timeouts"`
	// ShortChunks counts transfers that carried fewer than ChunkSize samples.
	ShortChunks uint64 `json:"shortChunks"`
}

// Option customizes a Rendezvous.
type Option func(*Rendezvous)

// WithTimeout bounds every Pull that carries no deadline of its own.
// Zero waits until a chunk arrives or streaming stops.
func WithTimeout(d time.Duration) Option {
	return func(r *Rendezvous) { r.timeout = d }
}

// WithObserver registers the receiver of dropped-sample events.
func WithObserver(o Observer) Option {
	return func(r *Rendezvous) { r.observer = o }
}

// Rendezvous is a single-slot handoff between exactly one producer (the SDK
// callback) and exactly one consumer (Pull).
type Rendezvous struct {
	mu    sync.Mutex
	ready *sync.Cond // consumer -> callback: slot armed
	done  *sync.Cond // callback -> consumer: slot filled

	slot     []complex64
	filled   int
	handed   bool // set by Chunk once the armed slot was copied into
	state    State
	chunk    int
	timeout  time.Duration
	observer Observer
	stats    Stats
}

var _ sdr.ChunkSink = (*Rendezvous)(nil)

// New builds a stopped rendezvous moving chunks of chunkSize samples.
func New(chunkSize int, opts ...Option) (*Rendezvous, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	r := &Rendezvous{chunk: chunkSize}
	r.ready = sync.NewCond(&r.mu)
	r.done = sync.NewCond(&r.mu)
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// ChunkSize returns the fixed number of samples moved per handoff.
func (r *Rendezvous) ChunkSize() int { return r.chunk }

// State returns the current streaming state.
func (r *Rendezvous) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Stats returns a snapshot of the counters.
func (r *Rendezvous) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Pull hands dst to the callback and blocks until one chunk has been copied
// into it. It returns the number of samples copied, which is ChunkSize unless
// the SDK delivered a short transfer, (0, nil) when dst is too small, ErrEndOfStream when not streaming, and ErrTimeout when ctx or the
// default timeout expires first. A single consumer per rendezvous is assumed.
func (r *Rendezvous) Pull(ctx context.Context, dst []complex64) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Streaming {
		return 0, sdr.ErrEndOfStream
	}
	if len(dst) < r.chunk {
		return 0, nil
	}

	// Wake the wait below when ctx ends; the lock orders the broadcast
	// after the predicate check so the wake-up cannot be lost.
	stopWake := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.done.Broadcast()
		r.mu.Unlock()
	})
	defer stopWake()

	r.slot = dst[:r.chunk]
	r.filled = 0
	r.handed = false
	r.ready.Signal()

	for !r.handed && r.state == Streaming && ctx.Err() == nil {
		r.done.Wait()
	}

	if r.handed {
		r.handed = false
		return r.filled, nil
	}

	// Not handed off: disarm so a late callback never writes into dst.
	r.slot = nil
	if r.state != Streaming {
		return 0, sdr.ErrEndOfStream
	}
	r.stats.Timeouts++
	return 0, fmt.Errorf("%w: %w", sdr.ErrTimeout, context.Cause(ctx))
}

// Chunk is the callback side. It waits for an armed slot, copies one chunk
// into it and signals the consumer. When streaming stops while waiting, the
// chunk is discarded. It always returns 0 so the SDK keeps its pipeline going.
func (r *Rendezvous) Chunk(samples []complex64, dropped uint64) int {
	if dropped > 0 && r.observer != nil {
		r.observer.StreamDropped(dropped)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.DroppedSamples += dropped
	if len(samples) == 0 {
		return 0
	}

	for r.slot == nil && r.state == Streaming {
		r.ready.Wait()
	}
	if r.slot == nil {
		r.stats.Discarded++
		return 0
	}

	n := copy(r.slot, samples)
	if n < len(r.slot) {
		r.stats.ShortChunks++
	}
	r.filled = n
	r.slot = nil
	r.handed = true
	r.stats.Chunks++
	r.stats.Samples += uint64(n)
	r.done.Signal()
	return 0
}

// begin moves stopped -> streaming. It fails when the rendezvous is not stopped.
func (r *Rendezvous) begin() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case Streaming:
		return sdr.ErrAlreadyStreaming
	case Stopping:
		return fmt.Errorf("%w: stop in progress", sdr.ErrAlreadyStreaming)
	}
	r.state = Streaming
	return nil
}

// halt moves streaming -> stopping and wakes both sides. It reports false
// when there was nothing to stop.
func (r *Rendezvous) halt() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Streaming {
		return false
	}
	r.state = Stopping
	r.ready.Broadcast()
	r.done.Broadcast()
	return true
}

// settle moves to stopped and wakes any waiter.
func (r *Rendezvous) settle() {
	r.mu.Lock()
	r.state = Stopped
	r.slot = nil
	r.ready.Broadcast()
	r.done.Broadcast()
	r.mu.Unlock()
}

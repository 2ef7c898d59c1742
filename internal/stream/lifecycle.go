package stream

import (
	"errors"
	"sync"

	"github.com/rjboer/sdrsource/internal/sdr"
)

// Streamer is the SDK half of the lifecycle: it registers a sink for chunk
// delivery and halts it again. StopStreaming must not return while a sink
// invocation that started before it is still running.
type Streamer interface {
	StartStreaming(sink sdr.ChunkSink) error
	StopStreaming() error
}

// Controller drives the stopped -> streaming -> stopped transitions of a
// rendezvous together with the SDK registration.
type Controller struct {
	rv       *Rendezvous
	streamer Streamer

	// ctl serializes Start and Stop; it is never held by Pull or Chunk.
	ctl sync.Mutex
}

// NewController pairs a rendezvous with the SDK streamer feeding it.
func NewController(rv *Rendezvous, streamer Streamer) *Controller {
	return &Controller{rv: rv, streamer: streamer}
}

// Rendezvous exposes the handoff the controller arms.
func (c *Controller) Rendezvous() *Rendezvous { return c.rv }

// Start registers the rendezvous with the SDK. It is only valid from the
// stopped state; a second Start returns sdr.ErrAlreadyStreaming.
func (c *Controller) Start() error {
	c.ctl.Lock()
	defer c.ctl.Unlock()

	if err := c.rv.begin(); err != nil {
		return err
	}
	if err := c.streamer.StartStreaming(c.rv); err != nil {
		c.rv.halt()
		c.rv.settle()
		return sdr.CommandFailed("start streaming", err)
	}
	return nil
}

// Stop flips the state to stopping under the rendezvous lock, which releases
// any parked Pull or callback, then halts the SDK and settles in stopped.
// Stopping a stopped source is a no-op.
func (c *Controller) Stop() error {
	c.ctl.Lock()
	defer c.ctl.Unlock()

	if !c.rv.halt() {
		return nil
	}
	err := c.streamer.StopStreaming()
	c.rv.settle()
	if err != nil {
		return sdr.CommandFailed("stop streaming", err)
	}
	return nil
}

// Streaming reports whether the controller is in the streaming state.
func (c *Controller) Streaming() bool { return c.rv.State() == Streaming }

// IsEndOfStream reports whether err is the graceful end-of-stream signal.
func IsEndOfStream(err error) bool { return errors.Is(err, sdr.ErrEndOfStream) }

package bladerf

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Registry shares open handles between sessions. A device opened twice
// through the same registry is opened once and closed when the last session
// releases it.
type Registry struct {
	mu      sync.Mutex
	entries []*entry
}

type entry struct {
	ident  string
	serial string
	dev    Device
	refs   int
}

// Handle is one session's reference to a shared device.
type Handle struct {
	reg      *Registry
	e        *entry
	released sync.Once
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{} }

var defaultRegistry = NewRegistry()

// Acquire returns a handle to the device matching ident, opening it through
// drv when no registered device matches.
func (r *Registry) Acquire(drv Driver, ident string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.matches(ident) {
			e.refs++
			return &Handle{reg: r, e: e}, nil
		}
	}

	dev, err := drv.Open(ident)
	if err != nil {
		return nil, err
	}
	// Serial matching of later sessions depends on this read.
	serial, err := dev.Serial()
	if err != nil {
		return nil, errors.Join(fmt.Errorf("read serial: %w", err), dev.Close())
	}
	e := &entry{ident: ident, serial: serial, dev: dev, refs: 1}
	r.entries = append(r.entries, e)
	return &Handle{reg: r, e: e}, nil
}

// Open reports how many devices are currently held.
func (r *Registry) Open() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// matches follows libbladeRF devinfo matching: the wildcard identifier
// matches any device, a serial identifier matches by prefix.
func (e *entry) matches(ident string) bool {
	if ident == "" || ident == e.ident {
		return true
	}
	if sn, ok := strings.CutPrefix(ident, "*:serial="); ok && e.serial != "" {
		return strings.HasPrefix(e.serial, sn)
	}
	return false
}

// Device returns the shared handle.
func (h *Handle) Device() Device { return h.e.dev }

// Serial is the device serial read when the device was opened.
func (h *Handle) Serial() string { return h.e.serial }

// Shared reports whether another session holds the same device.
func (h *Handle) Shared() bool {
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()
	return h.e.refs > 1
}

// Release drops this reference and closes the device on the last one.
// Repeated calls are no-ops.
func (h *Handle) Release() error {
	var err error
	h.released.Do(func() {
		r := h.reg
		r.mu.Lock()
		defer r.mu.Unlock()
		h.e.refs--
		if h.e.refs > 0 {
			return
		}
		for i, e := range r.entries {
			if e == h.e {
				r.entries = append(r.entries[:i], r.entries[i+1:]...)
				break
			}
		}
		err = h.e.dev.Close()
	})
	return err
}

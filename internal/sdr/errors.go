package sdr

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceOpenFailed reports that no session could be created.
	ErrDeviceOpenFailed = errors.New("device open failed")
	// ErrDeviceCommandFailed reports that an SDK call did not apply; the
	// session keeps its previous state.
	ErrDeviceCommandFailed = errors.New("device command failed")
	// ErrUnsupportedParameter reports a gain stage or feature the device lacks.
	// Callers treat it as a warning.
	ErrUnsupportedParameter = errors.New("unsupported parameter")
	// ErrEndOfStream signals that the source is not streaming.
	ErrEndOfStream = errors.New("end of stream")
	// ErrTimeout reports that a pull expired before a chunk arrived.
	ErrTimeout = errors.New("pull timed out")
	// ErrAlreadyStreaming rejects Start on a streaming source.
	ErrAlreadyStreaming = errors.New("already streaming")
	// ErrClosed reports use of a closed session.
	ErrClosed = errors.New("session closed")
)

// OpenError describes why a device could not be opened.
type OpenError struct {
	Device string
	Err    error
}

func (e *OpenError) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("open device: %v", e.Err)
	}
	return fmt.Sprintf("open device %q: %v", e.Device, e.Err)
}

func (e *OpenError) Unwrap() []error { return []error{ErrDeviceOpenFailed, e.Err} }

// CommandError describes a failed SDK command.
type CommandError struct {
	Op  string
	Err error
}

func (e *CommandError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *CommandError) Unwrap() []error { return []error{ErrDeviceCommandFailed, e.Err} }

// CommandFailed wraps err as a CommandError for op, or returns nil.
func CommandFailed(op string, err error) error {
	if err == nil {
		return nil
	}
	return &CommandError{Op: op, Err: err}
}

// Unsupported builds an ErrUnsupportedParameter for the named parameter.
func Unsupported(kind, name string) error {
	return fmt.Errorf("%s %q: %w", kind, name, ErrUnsupportedParameter)
}

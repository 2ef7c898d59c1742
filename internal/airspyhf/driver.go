package airspyhf

import (
	"fmt"

	"github.com/rjboer/sdrsource/internal/sdr"
)

// Driver is the libairspyhf surface used to find and open receivers.
type Driver interface {
	LibVersion() string
	ListSerials() ([]uint64, error)
	Open() (Device, error)
	OpenSerial(serial uint64) (Device, error)
}

// PartIDSerial is the board identity read from the device.
type PartIDSerial struct {
	PartID uint32
	Serial uint64
}

// Device is an open libairspyhf handle. Each call maps to one SDK function
// and returns a *StatusError on failure.
type Device interface {
	Close() error
	OutputSize() int
	PartIDSerial() (PartIDSerial, error)

	SampleRates() ([]uint32, error)
	SetSampleRate(rate uint32) error
	IsLowIF() bool
	SetFreq(hz float64) error
	Calibration() (int32, error)
	SetCalibration(ppb int32) error
	SetOptimalIQCorrectionPoint(w float32) error

	SetLibDSP(enabled bool) error
	SetHFAGC(enabled bool) error
	SetHFAGCThreshold(high bool) error
	SetHFLNA(flag uint8) error
	SetHFAtt(step uint8) error

	// Start registers sink for transfer callbacks on the SDK thread.
	Start(sink sdr.ChunkSink) error
	// Stop halts delivery and returns once no callback is running.
	Stop() error
	IsStreaming() bool
}

// SDK status codes.
const (
	StatusSuccess = 0
	StatusFailure = -1
)

// StatusError carries the failing SDK call and its return code.
type StatusError struct {
	Call string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed (%d)", e.Call, e.Code)
}

func statusErr(call string, code int) error {
	if code == StatusSuccess {
		return nil
	}
	return &StatusError{Call: call, Code: code}
}

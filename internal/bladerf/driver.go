package bladerf

import (
	"fmt"

	"github.com/rjboer/sdrsource/internal/sdr"
)

// Version is a libbladeRF, firmware or FPGA version triple.
type Version struct {
	Major, Minor, Patch int
}

func (v Version) String() string { return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch) }

// AtLeast reports whether v >= major.minor.patch.
func (v Version) AtLeast(major, minor, patch int) bool {
	if v.Major != major {
		return v.Major > major
	}
	if v.Minor != minor {
		return v.Minor > minor
	}
	return v.Patch >= patch
}

// DevInfo is one entry of the SDK device list.
type DevInfo struct {
	Instance int
	Serial   string
}

// Range mirrors struct bladerf_range.
type Range struct {
	Min, Max, Step float64
}

// Rational mirrors struct bladerf_rational_rate.
type Rational struct {
	Integer, Num, Den uint64
}

// RationalRate splits rate into an integer part and a fraction over 10000.
func RationalRate(rate float64) Rational {
	r := Rational{Integer: uint64(rate), Den: 10000}
	r.Num = uint64((rate - float64(r.Integer)) * float64(r.Den))
	return r
}

// Float returns the rate in Hz.
func (r Rational) Float() float64 {
	if r.Den == 0 {
		return float64(r.Integer)
	}
	return float64(r.Integer) + float64(r.Num)/float64(r.Den)
}

// GainMode mirrors bladerf_gain_mode.
type GainMode int

const (
	GainDefault GainMode = iota
	GainMGC
	GainFastAttackAGC
	GainSlowAttackAGC
	GainHybridAGC
)

// Correction selects a calibration register.
type Correction int

const (
	CorrDCOffI Correction = iota
	CorrDCOffQ
	CorrPhase
	CorrGain
)

// TamerMode mirrors bladerf_vctcxo_tamer_mode.
type TamerMode int

const (
	TamerDisabled TamerMode = iota
	Tamer1PPS
	Tamer10MHz
)

// XB200Filter mirrors bladerf_xb200_filter.
type XB200Filter int

const (
	XB20050M XB200Filter = iota
	XB200144M
	XB200222M
	XB200Custom
	XB200Auto1dB
	XB200Auto3dB
)

// Driver is the libbladeRF surface used before a device is open.
type Driver interface {
	LibVersion() Version
	SetVerbosity(level string) error
	ListDevices() ([]DevInfo, error)
	// Open takes a device identifier such as "*:instance=0" or "*:serial=f12c".
	Open(ident string) (Device, error)
}

// Device is an open libbladeRF handle. Channel arguments are zero-based RX
// channel indices. Failures are returned as *StatusError.
type Device interface {
	Close() error

	Serial() (string, error)
	BoardName() string
	FirmwareVersion() (Version, error)
	FPGAVersion() (Version, error)
	FPGAConfigured() (bool, error)
	LoadFPGA(path string) error

	ExpansionAttached() (bool, error)
	AttachXB200() error
	SetXB200Filter(filter XB200Filter) error

	ChannelCount() int

	SampleRateRange(ch int) (Range, error)
	SetSampleRate(ch int, rate Rational) (Rational, error)
	SampleRate(ch int) (Rational, error)

	FrequencyRange(ch int) (Range, error)
	SetFrequency(ch int, hz uint64) error
	Frequency(ch int) (uint64, error)

	BandwidthRange(ch int) (Range, error)
	SetBandwidth(ch int, hz uint32) error
	Bandwidth(ch int) (uint32, error)

	GainStages(ch int) ([]string, error)
	// An empty stage addresses the overall system gain.
	GainRange(ch int, stage string) (Range, error)
	SetGain(ch int, stage string, db int) error
	Gain(ch int, stage string) (int, error)
	SetGainMode(ch int, mode GainMode) error
	GainMode(ch int) (GainMode, error)

	SetCorrection(ch int, corr Correction, value int16) error

	SetTamerMode(mode TamerMode) error
	TamerMode() (TamerMode, error)
	SetSMBFrequency(hz uint32) (uint32, error)
	SMBFrequency() (uint32, error)

	// StartRX configures the sync interface for ch and delivers each buffer
	// to sink from a reader goroutine.
	StartRX(ch int, cfg StreamConfig, sink sdr.ChunkSink) error
	// StopRX returns once the reader goroutine has exited.
	StopRX() error
}

// Status codes returned by libbladeRF.
const (
	StatusUnexpected  = -1
	StatusRange       = -2
	StatusInval       = -3
	StatusMem         = -4
	StatusIO          = -5
	StatusTimeout     = -6
	StatusNoDev       = -7
	StatusUnsupported = -8
)

// StatusError carries the failing SDK call and its status code.
type StatusError struct {
	Call string
	Code int
	Msg  string
}

func (e *StatusError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s failed: %s (%d)", e.Call, e.Msg, e.Code)
	}
	return fmt.Sprintf("%s failed (%d)", e.Call, e.Code)
}

// Unsupported reports whether the SDK rejected the call as unsupported.
func (e *StatusError) Unsupported() bool { return e.Code == StatusUnsupported }

func statusErr(call string, code int) error {
	if code >= 0 {
		return nil
	}
	return &StatusError{Call: call, Code: code}
}

package bladerf

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rjboer/sdrsource/internal/logging"
	"github.com/rjboer/sdrsource/internal/sdr"
)

const (
	DefaultBuffers       = 512
	DefaultBufferLen     = 4 * 1024
	DefaultTransfers     = 32
	DefaultStreamTimeout = 3000 * time.Millisecond

	// serialLength is the full serial without its terminator.
	serialLength = 32
)

// StreamConfig sizes the sync RX interface.
type StreamConfig struct {
	Buffers   int
	BufferLen int
	Transfers int
	Timeout   time.Duration
	Metadata  bool
}

// Config is the parsed device argument set.
type Config struct {
	Ident      string
	Verbosity  string
	FPGA       string
	FPGAReload bool
	XB200      string
	Tamer      string
	SMB        float64
	Stream     StreamConfig
}

var verbosityLevels = map[string]bool{
	"verbose":  true,
	"debug":    true,
	"info":     true,
	"warning":  true,
	"error":    true,
	"critical": true,
	"silent":   true,
}

// ParseConfig reads device arguments. Out-of-range stream sizes fall back to
// defaults with a warning; malformed numbers are errors.
func ParseConfig(args sdr.Args, lib Version, logger logging.Logger) (Config, error) {
	cfg := Config{
		Verbosity:  args.String("verbosity"),
		FPGA:       args.String("fpga"),
		FPGAReload: args.Has("fpga-reload"),
		XB200:      args.String("xb200"),
		Tamer:      args.String("tamer"),
	}
	if args.Has("xb200") && cfg.XB200 == "" {
		cfg.XB200 = "auto"
	}
	if cfg.Verbosity != "" && !verbosityLevels[cfg.Verbosity] {
		return cfg, fmt.Errorf("invalid log level: %s", cfg.Verbosity)
	}

	ident, err := deviceIdent(args.String("bladerf"), lib)
	if err != nil {
		return cfg, err
	}
	cfg.Ident = ident

	if args.Has("smb") {
		if cfg.SMB, err = args.Float("smb", 0); err != nil {
			return cfg, err
		}
	}

	sc := &cfg.Stream
	if sc.Buffers, err = args.Int("buffers", DefaultBuffers); err != nil {
		return cfg, err
	}
	if sc.BufferLen, err = args.Int("buflen", DefaultBufferLen); err != nil {
		return cfg, err
	}
	if sc.Transfers, err = args.Int("transfers", DefaultTransfers); err != nil {
		return cfg, err
	}
	timeoutKey := "stream_timeout"
	if !args.Has(timeoutKey) {
		timeoutKey = "stream_timeout_ms"
	}
	ms, err := args.Int(timeoutKey, int(DefaultStreamTimeout/time.Millisecond))
	if err != nil {
		return cfg, err
	}
	sc.Timeout = time.Duration(ms) * time.Millisecond
	sc.Metadata = args.Has("enable_metadata")

	normalizeStream(sc, logger)
	return cfg, nil
}

// normalizeStream keeps at least twice as many buffers as transfers.
func normalizeStream(sc *StreamConfig, logger logging.Logger) {
	if sc.Buffers <= 1 {
		sc.Buffers = DefaultBuffers
	}
	switch {
	case sc.BufferLen == 0:
		sc.BufferLen = DefaultBufferLen
	case sc.BufferLen < 1024 || sc.BufferLen%1024 != 0:
		logger.Warn("invalid buflen, a multiple of 1024 is required",
			logging.F("buflen", sc.BufferLen),
			logging.F("default", DefaultBufferLen),
		)
		sc.BufferLen = DefaultBufferLen
	}
	switch {
	case sc.Transfers <= 0:
		sc.Transfers = min(DefaultTransfers, sc.Buffers/2)
	case sc.Transfers >= sc.Buffers:
		sc.Transfers = min(DefaultTransfers, sc.Buffers/2)
		logger.Warn("clamping transfers, use a smaller value if timeouts occur",
			logging.F("transfers", sc.Transfers))
	}
	if sc.Timeout <= 0 {
		sc.Timeout = DefaultStreamTimeout
	}
}

// deviceIdent turns the "bladerf" argument into an SDK identifier string.
// Up to two characters select an instance number, anything longer a serial.
func deviceIdent(value string, lib Version) (string, error) {
	if value == "" {
		return "", nil
	}
	if len(value) <= 2 {
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return "", fmt.Errorf("use %q as device number: %w", value, err)
		}
		return fmt.Sprintf("*:instance=%d", n), nil
	}
	if !lib.AtLeast(1, 4, 1) && len(value) != serialLength {
		return "", fmt.Errorf("libbladeRF %s requires a full serial number", lib)
	}
	return "*:serial=" + value, nil
}

var xb200Filters = map[string]XB200Filter{
	"custom":  XB200Custom,
	"50M":     XB20050M,
	"144M":    XB200144M,
	"222M":    XB200222M,
	"auto3db": XB200Auto3dB,
	"auto":    XB200Auto1dB,
}

// xb200Filter maps a filter name to the filterbank, defaulting to auto 1 dB.
func xb200Filter(name string) XB200Filter {
	if f, ok := xb200Filters[name]; ok {
		return f
	}
	return XB200Auto1dB
}

// Package airspyhf adapts AirspyHF+ receivers to the sdr.Source interface.
package airspyhf

import (
	"context"
	"fmt"
	"math/cmplx"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rjboer/sdrsource/internal/logging"
	"github.com/rjboer/sdrsource/internal/sdr"
	"github.com/rjboer/sdrsource/internal/stream"
)

const (
	DriverName = "airspyhf"
	Label      = "AirspyHF"

	// GainATT is the default gain stage.
	GainATT = "ATT"
	GainLNA = "LNA"

	Antenna     = "RX"
	ClockSource = "internal"
	ClockRateHz = 36.864e6

	defaultCenterFreq = 14e6
	defaultSampleRate = 768e3

	maxDevices = 32
)

var (
	freqRange = sdr.Range{Start: 9e3, Stop: 260e6}
	attRange  = sdr.Range{Start: -AttMaxStep * AttStepDB, Stop: 0, Step: AttStepDB}
	lnaRange  = sdr.Range{Start: 0, Stop: LNAGainDB, Step: LNAGainDB}
)

type options struct {
	logger      logging.Logger
	pullTimeout time.Duration
	observer    stream.Observer
}

// Option customizes Open.
type Option func(*options)

// WithLogger sets the logger used by the session.
func WithLogger(l logging.Logger) Option { return func(o *options) { o.logger = l } }

// WithPullTimeout bounds a Pull that carries no deadline.
func WithPullTimeout(d time.Duration) Option { return func(o *options) { o.pullTimeout = d } }

// WithObserver forwards dropped-sample events.
func WithObserver(obs stream.Observer) Option { return func(o *options) { o.observer = obs } }

// Source owns one open AirspyHF handle. Tuning setters are single-writer:
// only the consuming goroutine may call them.
type Source struct {
	dev      Device
	info     sdr.DeviceInfo
	session  uuid.UUID
	logger   logging.Logger
	observer stream.Observer

	rv  *stream.Rendezvous
	ctl *stream.Controller

	rates      []uint32
	sampleRate float64
	centerFreq float64
	freqCorr   float64
	att        uint8
	lna        uint8
	agc        bool

	closeOnce sync.Once
	closeErr  error
}

var _ sdr.Source = (*Source)(nil)

// ListDevices enumerates attached receivers eagerly.
func ListDevices(drv Driver) ([]sdr.DeviceInfo, error) {
	serials, err := drv.ListSerials()
	if err != nil {
		return nil, fmt.Errorf("list airspyhf devices: %w", err)
	}
	if len(serials) > maxDevices {
		serials = serials[:maxDevices]
	}
	out := make([]sdr.DeviceInfo, 0, len(serials))
	for i, sn := range serials {
		out = append(out, sdr.DeviceInfo{
			Driver: DriverName,
			Index:  i,
			Serial: strconv.FormatUint(sn, 16),
			Label:  Label,
		})
	}
	return out, nil
}

// Open connects to a receiver, selected by the hex "serial" arg when present,
// and applies the power-on defaults. On any error no session exists and the
// handle is released.
func Open(drv Driver, args sdr.Args, opts ...Option) (*Source, error) {
	o := options{logger: logging.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	session := uuid.New()
	logger := o.logger.With(
		logging.F("subsystem", "source"),
		logging.F("driver", DriverName),
		logging.F("session", session.String()),
	)

	dev, err := openDevice(drv, args, logger)
	if err != nil {
		return nil, err
	}

	s := &Source{
		dev:      dev,
		session:  session,
		logger:   logger,
		observer: o.observer,
		att:      0,
		lna:      1,
		agc:      true,
	}
	if err := s.init(drv, o.pullTimeout); err != nil {
		_ = dev.Close()
		return nil, &sdr.OpenError{Device: args.String("serial"), Err: err}
	}
	return s, nil
}

func openDevice(drv Driver, args sdr.Args, logger logging.Logger) (Device, error) {
	raw := args.String("serial")
	if raw == "" {
		logger.Info("opening first available device")
		dev, err := drv.Open()
		if err != nil {
			return nil, &sdr.OpenError{Err: err}
		}
		return dev, nil
	}

	serial, err := strconv.ParseUint(raw, 16, 64)
	if err != nil {
		reason := "serial is not a hex number"
		if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
			reason = "serial value out of range"
		}
		return nil, &sdr.OpenError{Device: raw, Err: fmt.Errorf("%s: %w", reason, err)}
	}
	logger.Info("opening device by serial", logging.F("serial", raw))
	dev, err := drv.OpenSerial(serial)
	if err != nil {
		return nil, &sdr.OpenError{Device: raw, Err: err}
	}
	return dev, nil
}

func (s *Source) init(drv Driver, pullTimeout time.Duration) error {
	size := s.dev.OutputSize()
	rv, err := stream.New(size, stream.WithTimeout(pullTimeout), stream.WithObserver(s))
	if err != nil {
		return fmt.Errorf("output size: %w", err)
	}
	s.rv = rv
	s.ctl = stream.NewController(rv, sdkStreamer{s.dev})

	if s.rates, err = s.dev.SampleRates(); err != nil {
		return fmt.Errorf("read sample rates: %w", err)
	}
	id, err := s.dev.PartIDSerial()
	if err != nil {
		return fmt.Errorf("read part id and serial: %w", err)
	}
	s.info = sdr.DeviceInfo{Driver: DriverName, Serial: strconv.FormatUint(id.Serial, 16), Label: Label}
	s.logger = s.logger.With(logging.F("serial", s.info.Serial))
	s.logger.Info("device opened",
		logging.F("libairspyhf", drv.LibVersion()),
		logging.F("part_id", id.PartID),
		logging.F("output_size", size),
	)

	steps := []struct {
		op  string
		run func() error
	}{
		{"enable library dsp", func() error { return s.dev.SetLibDSP(true) }},
		{"enable hf agc", func() error { return s.dev.SetHFAGC(s.agc) }},
		{"set hf agc threshold", func() error { return s.dev.SetHFAGCThreshold(true) }},
		{"set hf lna", func() error { return s.dev.SetHFLNA(s.lna) }},
		{"set hf att", func() error { return s.dev.SetHFAtt(s.att) }},
	}
	for _, st := range steps {
		if err := st.run(); err != nil {
			return sdr.CommandFailed(st.op, err)
		}
	}

	if _, err := s.SetCenterFreq(defaultCenterFreq); err != nil {
		s.logger.Warn("default center frequency not applied", logging.F("err", err))
	}
	if _, err := s.SetSampleRate(defaultSampleRate); err != nil {
		s.logger.Warn("default sample rate not applied", logging.F("err", err))
	}
	return nil
}

type sdkStreamer struct{ dev Device }

func (s sdkStreamer) StartStreaming(sink sdr.ChunkSink) error { return s.dev.Start(sink) }
func (s sdkStreamer) StopStreaming() error                    { return s.dev.Stop() }

// StreamDropped logs SDK-side sample loss; the stream continues.
func (s *Source) StreamDropped(dropped uint64) {
	s.logger.Warn("dropped samples", logging.F("dropped_samples", dropped))
	if s.observer != nil {
		s.observer.StreamDropped(dropped)
	}
}

// Session returns the identifier attached to this session's log entries.
func (s *Source) Session() uuid.UUID { return s.session }

func (s *Source) Info() sdr.DeviceInfo { return s.info }
func (s *Source) NumChannels() int     { return 1 }
func (s *Source) ChunkSize() int       { return s.rv.ChunkSize() }

// Stats returns the rendezvous counters.
func (s *Source) Stats() stream.Stats { return s.rv.Stats() }

// Streaming reports whether chunks are being delivered.
func (s *Source) Streaming() bool { return s.ctl.Streaming() }

func (s *Source) Start() error {
	if err := s.ctl.Start(); err != nil {
		return err
	}
	s.logger.Info("start")
	return nil
}

func (s *Source) Stop() error {
	wasStreaming := s.ctl.Streaming()
	if err := s.ctl.Stop(); err != nil {
		return err
	}
	if wasStreaming {
		s.logger.Info("stop")
	}
	return nil
}

func (s *Source) Pull(ctx context.Context, dst []complex64) (int, error) {
	return s.rv.Pull(ctx, dst)
}

// Close stops streaming and releases the handle.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		if err := s.Stop(); err != nil {
			s.logger.Warn("stop on close failed", logging.F("err", err))
		}
		s.closeErr = s.dev.Close()
		s.logger.Info("device closed")
	})
	return s.closeErr
}

func (s *Source) SampleRates() sdr.MetaRange {
	out := make(sdr.MetaRange, 0, len(s.rates))
	for _, r := range s.rates {
		out = append(out, sdr.Point(float64(r)))
	}
	return out
}

// SetSampleRate applies rate and returns the rate in effect afterwards.
func (s *Source) SetSampleRate(rate float64) (float64, error) {
	if err := s.dev.SetSampleRate(uint32(rate)); err != nil {
		return s.sampleRate, sdr.CommandFailed("set sample rate", err)
	}
	s.sampleRate = rate
	s.logger.Info("sample rate set",
		logging.F("sample_rate", rate),
		logging.F("low_if", s.dev.IsLowIF()),
	)
	return s.sampleRate, nil
}

func (s *Source) SampleRate() float64 { return s.sampleRate }

func (s *Source) FreqRange() sdr.Range { return freqRange }

func (s *Source) SetCenterFreq(freq float64) (float64, error) {
	if err := s.dev.SetFreq(freq); err != nil {
		s.logger.Warn("set center frequency failed", logging.F("freq_hz", freq), logging.F("err", err))
		return s.centerFreq, sdr.CommandFailed("set center frequency", err)
	}
	s.centerFreq = freq
	return s.centerFreq, nil
}

func (s *Source) CenterFreq() float64 { return s.centerFreq }

// SetFreqCorr programs the calibration in parts per billion.
func (s *Source) SetFreqCorr(ppm float64) (float64, error) {
	ppb := int32(ppm * 1e3)
	if err := s.dev.SetCalibration(ppb); err != nil {
		s.logger.Warn("set frequency correction failed", logging.F("ppm", ppm), logging.F("err", err))
		return s.freqCorr, sdr.CommandFailed("set frequency correction", err)
	}
	s.freqCorr = ppm
	return s.freqCorr, nil
}

// FreqCorr reads the calibration from the device, which is authoritative.
func (s *Source) FreqCorr() (float64, error) {
	ppb, err := s.dev.Calibration()
	if err != nil {
		return s.freqCorr, sdr.CommandFailed("get frequency correction", err)
	}
	return float64(ppb) / 1e3, nil
}

func (s *Source) GainNames() []string { return []string{GainATT, GainLNA} }

func (s *Source) GainRange(name string) (sdr.Range, error) {
	switch name {
	case GainATT, "":
		return attRange, nil
	case GainLNA:
		return lnaRange, nil
	default:
		s.logger.Warn("unknown gain stage", logging.F("stage", name))
		return sdr.Range{}, sdr.Unsupported("gain stage", name)
	}
}

// SetGain applies db to the named stage ("" selects ATT) and returns the gain
// in effect afterwards.
func (s *Source) SetGain(name string, db float64) (float64, error) {
	switch name {
	case GainATT, "":
		step := clampStep(AttenuationStep(db))
		if step != s.att {
			if err := s.dev.SetHFAtt(step); err != nil {
				return AttenuationDB(int(s.att)), sdr.CommandFailed("set attenuation", err)
			}
			s.att = step
			s.logger.Info("attenuation set", logging.F("att_step", s.att))
		}
		return AttenuationDB(int(s.att)), nil
	case GainLNA:
		flag := PreampFlag(db)
		if flag != s.lna {
			if err := s.dev.SetHFLNA(flag); err != nil {
				return PreampDB(s.lna), sdr.CommandFailed("set lna", err)
			}
			s.lna = flag
			s.logger.Info("lna set", logging.F("lna", s.lna))
		}
		return PreampDB(s.lna), nil
	default:
		s.logger.Warn("unknown gain stage", logging.F("stage", name))
		return 0, sdr.Unsupported("gain stage", name)
	}
}

func (s *Source) Gain(name string) (float64, error) {
	switch name {
	case GainATT, "":
		return AttenuationDB(int(s.att)), nil
	case GainLNA:
		return PreampDB(s.lna), nil
	default:
		s.logger.Warn("unknown gain stage", logging.F("stage", name))
		return 0, sdr.Unsupported("gain stage", name)
	}
}

// SetGainMode toggles the HF AGC.
func (s *Source) SetGainMode(automatic bool) (bool, error) {
	if automatic != s.agc {
		if err := s.dev.SetHFAGC(automatic); err != nil {
			return s.agc, sdr.CommandFailed("set agc", err)
		}
		s.agc = automatic
		s.logger.Info("agc set", logging.F("agc", s.agc))
	}
	return s.agc, nil
}

func (s *Source) GainMode() bool { return s.agc }

// SetIQBalance moves the optimal IQ correction point to the phase of balance.
func (s *Source) SetIQBalance(balance complex128) error {
	w := float32(cmplx.Phase(balance))
	if err := s.dev.SetOptimalIQCorrectionPoint(w); err != nil {
		return sdr.CommandFailed("set iq correction point", err)
	}
	s.logger.Info("iq correction point set", logging.F("w", w))
	return nil
}

func (s *Source) Antennas() []string { return []string{Antenna} }

// SetAntenna accepts only the single RX port.
func (s *Source) SetAntenna(name string) (string, error) {
	if name != "" && name != Antenna {
		s.logger.Warn("unknown antenna", logging.F("antenna", name))
		return Antenna, sdr.Unsupported("antenna", name)
	}
	return Antenna, nil
}

func (s *Source) Antenna() string { return Antenna }

func (s *Source) ClockSources() []string { return []string{ClockSource} }

// SetClockSource accepts only the internal reference, which is not configurable.
func (s *Source) SetClockSource(name string) error {
	if name != ClockSource {
		return sdr.Unsupported("clock source", name)
	}
	return nil
}

func (s *Source) ClockSource() (string, error) { return ClockSource, nil }

// ClockRate reports the fixed reference frequency.
func (s *Source) ClockRate() float64 { return ClockRateHz }

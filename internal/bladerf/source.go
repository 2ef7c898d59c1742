// Package bladerf adapts Nuand bladeRF boards to the sdr.Source interface.
package bladerf

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rjboer/sdrsource/internal/logging"
	"github.com/rjboer/sdrsource/internal/sdr"
	"github.com/rjboer/sdrsource/internal/stream"
)

const (
	DriverName = "bladerf"

	// SystemGain names the overall gain, which is not an SDK gain stage.
	SystemGain = "system"

	// Correction register scales.
	DCOffScale = 2048
	GainScale  = 4096
	PhaseScale = 4096
)

var clockSources = []string{"internal", "external_1pps", "external"}

type options struct {
	logger      logging.Logger
	pullTimeout time.Duration
	observer    stream.Observer
	registry    *Registry
}

// Option customizes Open.
type Option func(*options)

func WithLogger(l logging.Logger) Option { return func(o *options) { o.logger = l } }

// WithPullTimeout bounds a Pull that carries no deadline.
func WithPullTimeout(d time.Duration) Option { return func(o *options) { o.pullTimeout = d } }

func WithObserver(obs stream.Observer) Option { return func(o *options) { o.observer = obs } }

// WithRegistry shares handles through reg instead of the process registry.
func WithRegistry(reg *Registry) Option { return func(o *options) { o.registry = reg } }

// Source is one RX session on a possibly shared bladeRF handle. Tuning
// setters are single-writer: only the consuming goroutine may call them.
type Source struct {
	h        *Handle
	dev      Device
	cfg      Config
	ch       int
	info     sdr.DeviceInfo
	session  uuid.UUID
	logger   logging.Logger
	observer stream.Observer

	rv  *stream.Rendezvous
	ctl *stream.Controller

	// Last values the device accepted on ch.
	sampleRate float64
	centerFreq float64
	bandwidth  float64
	gainAuto   bool
	gains      map[string]float64

	closeOnce sync.Once
	closeErr  error
}

var _ sdr.Source = (*Source)(nil)

// ListDevices enumerates attached boards.
func ListDevices(drv Driver) ([]sdr.DeviceInfo, error) {
	devs, err := drv.ListDevices()
	if err != nil {
		return nil, fmt.Errorf("list bladerf devices: %w", err)
	}
	out := make([]sdr.DeviceInfo, 0, len(devs))
	for _, d := range devs {
		out = append(out, sdr.DeviceInfo{
			Driver: DriverName,
			Index:  d.Instance,
			Serial: d.Serial,
			Label:  label(d.Serial),
		})
	}
	return out, nil
}

func label(serial string) string {
	if serial == "" {
		return "Nuand bladeRF"
	}
	return "Nuand bladeRF SN " + sdr.AbbreviateSerial(serial)
}

// Open parses args, acquires the device from the registry and prepares it
// for RX. On any error the registry reference is released.
func Open(drv Driver, args sdr.Args, opts ...Option) (*Source, error) {
	o := options{logger: logging.Default(), registry: defaultRegistry}
	for _, opt := range opts {
		opt(&o)
	}
	session := uuid.New()
	logger := o.logger.With(
		logging.F("subsystem", "source"),
		logging.F("driver", DriverName),
		logging.F("session", session.String()),
	)

	cfg, err := ParseConfig(args, drv.LibVersion(), logger)
	if err != nil {
		return nil, &sdr.OpenError{Device: args.String("bladerf"), Err: err}
	}
	if cfg.Verbosity != "" {
		if err := drv.SetVerbosity(cfg.Verbosity); err != nil {
			return nil, &sdr.OpenError{Device: cfg.Ident, Err: err}
		}
	}

	logger.Info("opening Nuand bladeRF", logging.F("ident", cfg.Ident))
	h, err := o.registry.Acquire(drv, cfg.Ident)
	if err != nil {
		return nil, &sdr.OpenError{Device: cfg.Ident, Err: err}
	}

	s := &Source{
		h:        h,
		dev:      h.Device(),
		cfg:      cfg,
		session:  session,
		logger:   logger,
		observer: o.observer,
	}
	if err := s.init(args, o.pullTimeout); err != nil {
		_ = h.Release()
		return nil, &sdr.OpenError{Device: cfg.Ident, Err: err}
	}
	return s, nil
}

func (s *Source) init(args sdr.Args, pullTimeout time.Duration) error {
	if err := s.loadFPGA(); err != nil {
		return err
	}
	if args.Has("xb200") {
		s.attachXB200()
	}

	serial := s.h.Serial()
	s.info = sdr.DeviceInfo{Driver: DriverName, Serial: serial, Label: label(serial)}
	s.logger = s.logger.With(logging.F("serial", sdr.AbbreviateSerial(serial)))
	s.logDeviceInfo()
	s.readTuning()

	if args.Has("tamer") {
		if err := s.SetClockSource(s.cfg.Tamer); err != nil {
			s.logger.Warn("tamer mode not applied", logging.F("err", err))
		} else {
			src, _ := s.ClockSource()
			s.logger.Info("tamer mode set", logging.F("clock_source", src))
		}
	}
	if args.Has("smb") {
		if got, err := s.SetSMBFrequency(s.cfg.SMB); err != nil {
			s.logger.Warn("smb frequency not applied", logging.F("err", err))
		} else {
			s.logger.Info("smb frequency set", logging.F("smb_hz", got))
		}
	}

	sc := s.cfg.Stream
	s.logger.Info("stream configured",
		logging.F("buffers", sc.Buffers),
		logging.F("samples_per_buffer", sc.BufferLen),
		logging.F("transfers", sc.Transfers),
		logging.F("timeout", sc.Timeout),
		logging.F("metadata", sc.Metadata),
	)

	rv, err := stream.New(sc.BufferLen, stream.WithTimeout(pullTimeout), stream.WithObserver(s))
	if err != nil {
		return err
	}
	s.rv = rv
	s.ctl = stream.NewController(rv, rxStreamer{s})
	return nil
}

func (s *Source) loadFPGA() error {
	if s.cfg.FPGA != "" {
		configured, _ := s.dev.FPGAConfigured()
		if configured && !s.cfg.FPGAReload {
			s.logger.Warn("FPGA is already loaded, set fpga-reload=1 to force a reload")
		} else {
			s.logger.Info("loading FPGA bitstream", logging.F("path", s.cfg.FPGA))
			if err := s.dev.LoadFPGA(s.cfg.FPGA); err != nil {
				s.logger.Warn("could not load FPGA bitstream", logging.F("err", err))
			} else {
				s.logger.Info("FPGA bitstream loaded")
			}
		}
	}
	configured, err := s.dev.FPGAConfigured()
	if err != nil {
		return sdr.CommandFailed("check fpga", err)
	}
	if !configured {
		return errors.New("the FPGA is not configured, provide fpga=/path/to/the/bitstream.rbf to load it")
	}
	return nil
}

func (s *Source) attachXB200() {
	if err := s.dev.AttachXB200(); err != nil {
		s.logger.Warn("could not attach XB-200", logging.F("err", err))
		return
	}
	if err := s.dev.SetXB200Filter(xb200Filter(s.cfg.XB200)); err != nil {
		s.logger.Warn("could not set XB-200 filter", logging.F("err", err))
	}
}

func (s *Source) logDeviceInfo() {
	board := "Unknown Device"
	switch s.dev.BoardName() {
	case "bladerf1":
		board = "Nuand bladeRF"
	case "bladerf2":
		board = "Nuand bladeRF 2.0"
	}
	fields := []logging.Field{logging.F("board", board)}
	if fw, err := s.dev.FirmwareVersion(); err == nil {
		fields = append(fields, logging.F("fw", fw.String()))
	} else {
		fields = append(fields, logging.F("fw", "unknown"))
	}
	if fpga, err := s.dev.FPGAVersion(); err == nil {
		fields = append(fields, logging.F("fpga", fpga.String()))
	} else {
		fields = append(fields, logging.F("fpga", "unknown"))
	}
	s.logger.Info("device opened", fields...)
}

// readTuning seeds the cached tuning state of the selected channel. Values
// the device cannot report keep their previous setting.
func (s *Source) readTuning() {
	s.gains = map[string]float64{}
	if r, err := s.dev.SampleRate(s.ch); err != nil {
		s.logger.Warn("get sample rate failed", logging.F("err", err))
	} else {
		s.sampleRate = r.Float()
	}
	if hz, err := s.dev.Frequency(s.ch); err != nil {
		s.logger.Warn("get center frequency failed", logging.F("err", err))
	} else {
		s.centerFreq = float64(hz)
	}
	if bw, err := s.dev.Bandwidth(s.ch); err != nil {
		s.logger.Warn("get bandwidth failed", logging.F("err", err))
	} else {
		s.bandwidth = float64(bw)
	}
	if mode, err := s.dev.GainMode(s.ch); err != nil {
		s.logger.Warn("get gain mode failed", logging.F("err", err))
		s.gainAuto = true
	} else {
		s.gainAuto = mode != GainMGC
	}
}

type rxStreamer struct{ s *Source }

func (r rxStreamer) StartStreaming(sink sdr.ChunkSink) error {
	return r.s.dev.StartRX(r.s.ch, r.s.cfg.Stream, sink)
}

func (r rxStreamer) StopStreaming() error { return r.s.dev.StopRX() }

// StreamDropped logs overruns reported through metadata.
func (s *Source) StreamDropped(dropped uint64) {
	s.logger.Warn("dropped samples", logging.F("dropped_samples", dropped))
	if s.observer != nil {
		s.observer.StreamDropped(dropped)
	}
}

func (s *Source) Session() uuid.UUID   { return s.session }
func (s *Source) Info() sdr.DeviceInfo { return s.info }
func (s *Source) NumChannels() int     { return 1 }
func (s *Source) ChunkSize() int       { return s.rv.ChunkSize() }
func (s *Source) Stats() stream.Stats  { return s.rv.Stats() }
func (s *Source) Streaming() bool      { return s.ctl.Streaming() }

// StreamConfig returns the normalized sync interface sizing.
func (s *Source) StreamConfig() StreamConfig { return s.cfg.Stream }

func (s *Source) Start() error {
	if err := s.ctl.Start(); err != nil {
		return err
	}
	s.logger.Info("start", logging.F("antenna", s.Antenna()))
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

// Close stops streaming and releases this session's device reference.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		if err := s.Stop(); err != nil {
			s.logger.Warn("stop on close failed", logging.F("err", err))
		}
		s.closeErr = s.h.Release()
		s.logger.Info("session closed")
	})
	return s.closeErr
}

// SampleRates suggests a spread of rates below the SDK maximum.
func (s *Source) SampleRates() sdr.MetaRange {
	r, err := s.dev.SampleRateRange(s.ch)
	if err != nil {
		s.logger.Warn("sample rate range unavailable", logging.F("err", err))
		return nil
	}
	return sdr.MetaRange{
		{Start: r.Min, Stop: r.Max / 4, Step: r.Max / 16},
		{Start: r.Max / 4, Stop: r.Max / 2, Step: r.Max / 8},
		{Start: r.Max / 2, Stop: r.Max, Step: r.Max / 4},
	}
}

// SetSampleRate returns the rate the SDK actually configured.
func (s *Source) SetSampleRate(rate float64) (float64, error) {
	actual, err := s.dev.SetSampleRate(s.ch, RationalRate(rate))
	if err != nil {
		return s.sampleRate, sdr.CommandFailed("set sample rate", err)
	}
	s.sampleRate = actual.Float()
	s.logger.Info("sample rate set", logging.F("requested", rate), logging.F("actual", s.sampleRate))
	return s.sampleRate, nil
}

func (s *Source) SampleRate() float64 { return s.sampleRate }

func (s *Source) FreqRange() sdr.Range {
	r, err := s.dev.FrequencyRange(s.ch)
	if err != nil {
		s.logger.Warn("frequency range unavailable", logging.F("err", err))
		return sdr.Range{}
	}
	return sdr.Range{Start: r.Min, Stop: r.Max, Step: r.Step}
}

// SetCenterFreq tunes to freq rounded to whole Hz. Out of range requests are
// logged and ignored.
func (s *Source) SetCenterFreq(freq float64) (float64, error) {
	hz := uint64(freq + 0.5)
	r, err := s.dev.FrequencyRange(s.ch)
	if err != nil {
		return s.centerFreq, sdr.CommandFailed("get frequency range", err)
	}
	if float64(hz) < r.Min || float64(hz) > r.Max {
		s.logger.Warn("frequency outside range, ignoring", logging.F("freq_hz", hz))
		return s.centerFreq, nil
	}
	if err := s.dev.SetFrequency(s.ch, hz); err != nil {
		return s.centerFreq, sdr.CommandFailed(fmt.Sprintf("set center frequency to %d Hz", hz), err)
	}
	s.centerFreq = float64(hz)
	return s.centerFreq, nil
}

func (s *Source) CenterFreq() float64 { return s.centerFreq }

// SetFreqCorr is not available on bladeRF.
func (s *Source) SetFreqCorr(ppm float64) (float64, error) {
	return 0, sdr.Unsupported("frequency correction", strconv.FormatFloat(ppm, 'g', -1, 64))
}

func (s *Source) FreqCorr() (float64, error) { return 0, nil }

func (s *Source) BandwidthRange() sdr.MetaRange {
	r, err := s.dev.BandwidthRange(s.ch)
	if err != nil {
		s.logger.Warn("bandwidth range unavailable", logging.F("err", err))
		return nil
	}
	return sdr.MetaRange{{Start: r.Min, Stop: r.Max, Step: r.Step}}
}

// SetBandwidth programs the RX filter. Zero selects 0.75 of the sample rate.
func (s *Source) SetBandwidth(bw float64) (float64, error) {
	if bw == 0 {
		bw = s.sampleRate * 0.75
	}
	hz := uint32(bw + 0.5)
	if err := s.dev.SetBandwidth(s.ch, hz); err != nil {
		return s.bandwidth, sdr.CommandFailed("set bandwidth", err)
	}
	s.bandwidth = float64(hz)
	return s.bandwidth, nil
}

func (s *Source) Bandwidth() float64 { return s.bandwidth }

func (s *Source) GainNames() []string {
	names := []string{SystemGain}
	stages, err := s.dev.GainStages(s.ch)
	if err != nil {
		s.logger.Warn("enumerate gain stages failed", logging.F("err", err))
		return names
	}
	return append(names, stages...)
}

func stage(name string) string {
	if name == SystemGain {
		return ""
	}
	return name
}

// gainErr turns an SDK status into an unsupported-parameter warning or a
// command failure.
func (s *Source) gainErr(op, name string, err error) error {
	var se *StatusError
	if errors.As(err, &se) && se.Unsupported() {
		s.logger.Warn("gain stage not supported by device", logging.F("stage", name))
		return sdr.Unsupported("gain stage", name)
	}
	return sdr.CommandFailed(fmt.Sprintf("%s for stage %q", op, name), err)
}

func (s *Source) GainRange(name string) (sdr.Range, error) {
	if name == "" {
		name = SystemGain
	}
	r, err := s.dev.GainRange(s.ch, stage(name))
	if err != nil {
		return sdr.Range{}, s.gainErr("get gain range", name, err)
	}
	return sdr.Range{Start: r.Min, Stop: r.Max, Step: r.Step}, nil
}

// SetGain applies db to the named stage and reads back the gain in effect.
// An empty name or "system" sets the overall gain. On failure the last gain
// the stage accepted is returned with the error.
func (s *Source) SetGain(name string, db float64) (float64, error) {
	if name == "" {
		name = SystemGain
	}
	if err := s.dev.SetGain(s.ch, stage(name), int(db)); err != nil {
		setErr := s.gainErr("set gain", name, err)
		prev, getErr := s.Gain(name)
		if getErr != nil && !errors.Is(getErr, sdr.ErrUnsupportedParameter) {
			return prev, errors.Join(setErr, getErr)
		}
		return prev, setErr
	}
	g, err := s.dev.Gain(s.ch, stage(name))
	if err != nil {
		// The SDK clamps silently; without a read back the request is the best guess.
		s.logger.Warn("could not read back gain", logging.F("stage", name), logging.F("err", err))
		g = int(db)
	}
	// Stages and the system gain move together.
	clear(s.gains)
	s.gains[name] = float64(g)
	return s.gains[name], nil
}

// Gain reports the stage's gain. Under manual control the last value read or
// set is returned; the AGC moves gains, so automatic mode reads the device.
func (s *Source) Gain(name string) (float64, error) {
	if name == "" {
		name = SystemGain
	}
	cached, ok := s.gains[name]
	if ok && !s.gainAuto {
		return cached, nil
	}
	g, err := s.dev.Gain(s.ch, stage(name))
	if err != nil {
		s.logger.Warn("could not get gain", logging.F("stage", name), logging.F("err", err))
		return cached, s.gainErr("get gain", name, err)
	}
	s.gains[name] = float64(g)
	return s.gains[name], nil
}

// SetGainMode selects the board's default AGC or manual gain control.
func (s *Source) SetGainMode(automatic bool) (bool, error) {
	mode := GainMGC
	if automatic {
		mode = GainDefault
	}
	if err := s.dev.SetGainMode(s.ch, mode); err != nil {
		what := "manual"
		if automatic {
			what = "automatic"
		}
		return s.gainAuto, sdr.CommandFailed("set gain mode to "+what, err)
	}
	s.gainAuto = automatic
	clear(s.gains)
	return s.gainAuto, nil
}

func (s *Source) GainMode() bool { return s.gainAuto }

func (s *Source) Antennas() []string {
	n := s.dev.ChannelCount()
	out := make([]string, n)
	for i := range out {
		out[i] = channelName(i)
	}
	return out
}

func channelName(ch int) string { return "RX" + strconv.Itoa(ch+1) }

// SetAntenna selects the RX channel feeding this session. The change applies
// to tuning immediately and to streaming on the next Start.
func (s *Source) SetAntenna(name string) (string, error) {
	if !slices.Contains(s.Antennas(), name) {
		s.logger.Warn("invalid antenna", logging.F("antenna", name))
		return s.Antenna(), sdr.Unsupported("antenna", name)
	}
	ch, _ := strconv.Atoi(strings.TrimPrefix(name, "RX"))
	if ch-1 != s.ch {
		s.ch = ch - 1
		s.readTuning()
		s.logger.Info("antenna set", logging.F("antenna", name))
	}
	return s.Antenna(), nil
}

func (s *Source) Antenna() string { return channelName(s.ch) }

func (s *Source) ClockSources() []string { return slices.Clone(clockSources) }

// SetClockSource maps internal, external_1pps and external onto the VCTCXO
// tamer modes.
func (s *Source) SetClockSource(name string) error {
	idx := slices.Index(clockSources, name)
	if idx < 0 {
		s.logger.Warn("unknown clock source", logging.F("clock_source", name))
		return sdr.Unsupported("clock source", name)
	}
	if err := s.dev.SetTamerMode(TamerMode(idx)); err != nil {
		return sdr.CommandFailed("set vctcxo tamer mode", err)
	}
	return nil
}

func (s *Source) ClockSource() (string, error) {
	mode, err := s.dev.TamerMode()
	if err != nil {
		return "", sdr.CommandFailed("get vctcxo tamer mode", err)
	}
	if int(mode) < 0 || int(mode) >= len(clockSources) {
		return "", fmt.Errorf("tamer mode %d: %w", mode, sdr.ErrUnsupportedParameter)
	}
	return clockSources[mode], nil
}

// SetSMBFrequency drives the SMB clock output. It is refused while an
// expansion board occupies the port.
func (s *Source) SetSMBFrequency(freq float64) (float64, error) {
	if err := s.smbAvailable(); err != nil {
		return 0, err
	}
	want := uint32(freq + 0.5)
	got, err := s.dev.SetSMBFrequency(want)
	if err != nil {
		return 0, sdr.CommandFailed("set smb frequency", err)
	}
	if got != want {
		s.logger.Warn("smb frequency differs from request",
			logging.F("wanted_hz", want), logging.F("actual_hz", got))
	}
	return float64(got), nil
}

func (s *Source) SMBFrequency() (float64, error) {
	if err := s.smbAvailable(); err != nil {
		return 0, err
	}
	hz, err := s.dev.SMBFrequency()
	if err != nil {
		return 0, sdr.CommandFailed("get smb frequency", err)
	}
	return float64(hz), nil
}

func (s *Source) smbAvailable() error {
	if attached, _ := s.dev.ExpansionAttached(); attached {
		s.logger.Warn("cannot use SMB port when expansion board is attached")
		return sdr.Unsupported("smb port", "expansion board attached")
	}
	return nil
}

// SetDCOffset writes the I and Q DC offset corrections.
func (s *Source) SetDCOffset(offset complex128) error {
	return s.setCorrections("set dc offset",
		CorrDCOffI, int16(real(offset)*DCOffScale),
		CorrDCOffQ, int16(imag(offset)*DCOffScale))
}

// SetIQBalance writes the gain (real part) and phase (imaginary part) corrections.
func (s *Source) SetIQBalance(balance complex128) error {
	return s.setCorrections("set iq balance",
		CorrGain, int16(real(balance)*GainScale),
		CorrPhase, int16(imag(balance)*PhaseScale))
}

func (s *Source) setCorrections(op string, c1 Correction, v1 int16, c2 Correction, v2 int16) error {
	err := errors.Join(
		s.dev.SetCorrection(s.ch, c1, v1),
		s.dev.SetCorrection(s.ch, c2, v2),
	)
	return sdr.CommandFailed(op, err)
}

package bladerf

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/rjboer/sdrsource/internal/sdr"
)

// SimConfig shapes a simulated board.
type SimConfig struct {
	Serial         string
	Board          string
	Channels       int
	FPGAConfigured bool
	Expansion      bool
	Stages         []string
	// Manual disables the reader goroutine; buffers are delivered with Emit.
	Manual bool
	// OverrunEvery reports a full buffer of dropped samples on every n-th read.
	OverrunEvery int
	ToneOffset   float64
}

// Simulator is an in-memory Driver.
type Simulator struct {
	mu        sync.Mutex
	version   Version
	verbosity string
	devices   []*SimDevice
	opens     int
}

func NewSimulator(cfgs ...SimConfig) *Simulator {
	s := &Simulator{version: Version{2, 5, 0}}
	for _, cfg := range cfgs {
		s.devices = append(s.devices, newSimDevice(cfg))
	}
	return s
}

// SetLibVersion overrides the reported libbladeRF version.
func (s *Simulator) SetLibVersion(v Version) { s.version = v }

func (s *Simulator) Device(i int) *SimDevice { return s.devices[i] }

// Opens counts successful SDK opens.
func (s *Simulator) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

func (s *Simulator) Verbosity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verbosity
}

func (s *Simulator) LibVersion() Version { return s.version }

func (s *Simulator) SetVerbosity(level string) error {
	s.mu.Lock()
	s.verbosity = level
	s.mu.Unlock()
	return nil
}

func (s *Simulator) ListDevices() ([]DevInfo, error) {
	out := make([]DevInfo, 0, len(s.devices))
	for i, d := range s.devices {
		out = append(out, DevInfo{Instance: i, Serial: d.cfg.Serial})
	}
	return out, nil
}

func (s *Simulator) Open(ident string) (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range s.devices {
		if !simMatches(ident, i, d.cfg.Serial) {
			continue
		}
		if !d.claim() {
			continue
		}
		s.opens++
		return d, nil
	}
	return nil, &StatusError{Call: "bladerf_open_with_devinfo", Code: StatusNoDev, Msg: "no devices available"}
}

func simMatches(ident string, instance int, serial string) bool {
	switch {
	case ident == "":
		return true
	case strings.HasPrefix(ident, "*:instance="):
		return ident == fmt.Sprintf("*:instance=%d", instance)
	case strings.HasPrefix(ident, "*:serial="):
		return strings.HasPrefix(serial, strings.TrimPrefix(ident, "*:serial="))
	}
	return false
}

// SimDevice models one board with per-channel tuning state. reads and phase
// belong to the reader goroutine.
type SimDevice struct {
	cfg SimConfig

	mu         sync.Mutex
	open       bool
	fpga       bool
	fpgaLoads  int
	xb200      bool
	filter     XB200Filter
	faults     map[string]error
	rates      []Rational
	freqs      []uint64
	bws        []uint32
	gains      []map[string]int
	modes      []GainMode
	corr       map[Correction]int16
	tamer      TamerMode
	smb        uint32
	rxCh       int
	rxCfg      StreamConfig
	sink       sdr.ChunkSink
	streaming  bool
	emits      sync.WaitGroup // in-flight Emit calls
	quit, done chan struct{}
	reads      int
	phase      float64
}

func newSimDevice(cfg SimConfig) *SimDevice {
	if cfg.Serial == "" {
		cfg.Serial = "f12ce1037830a1b27f3ceeba1f521413"
	}
	if cfg.Board == "" {
		cfg.Board = "bladerf2"
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 2
	}
	if cfg.Stages == nil {
		cfg.Stages = []string{"full"}
	}
	d := &SimDevice{
		cfg:    cfg,
		fpga:   cfg.FPGAConfigured,
		xb200:  cfg.Expansion,
		faults: map[string]error{},
		corr:   map[Correction]int16{},
	}
	for range cfg.Channels {
		d.rates = append(d.rates, Rational{Integer: 1e6, Den: 1})
		d.freqs = append(d.freqs, 2.4e9)
		d.bws = append(d.bws, 1.5e6)
		d.gains = append(d.gains, map[string]int{"": 30, "full": 30})
		d.modes = append(d.modes, GainDefault)
	}
	return d
}

func (d *SimDevice) claim() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return false
	}
	d.open = true
	return true
}

// Fail makes the named SDK call return err until cleared with nil.
func (d *SimDevice) Fail(call string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.faults, call)
		return
	}
	d.faults[call] = err
}

func (d *SimDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *SimDevice) FPGALoads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fpgaLoads
}

func (d *SimDevice) Correction(c Correction) int16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.corr[c]
}

func (d *SimDevice) XB200Filter() XB200Filter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.filter
}

// Streaming reports whether the reader is active and on which channel.
func (d *SimDevice) Streaming() (bool, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streaming, d.rxCh
}

// fault is called with d.mu held.
func (d *SimDevice) fault(call string) error {
	if !d.open {
		return &StatusError{Call: call, Code: StatusNoDev}
	}
	return d.faults[call]
}

func (d *SimDevice) do(call string, f func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(call); err != nil {
		return err
	}
	return f()
}

func (d *SimDevice) checkCh(call string, ch int) error {
	if ch < 0 || ch >= d.cfg.Channels {
		return &StatusError{Call: call, Code: StatusInval}
	}
	return nil
}

func (d *SimDevice) Close() error {
	_ = d.StopRX()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	return nil
}

func (d *SimDevice) Serial() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault("bladerf_get_serial"); err != nil {
		return "", err
	}
	return d.cfg.Serial, nil
}

func (d *SimDevice) BoardName() string { return d.cfg.Board }

func (d *SimDevice) FirmwareVersion() (Version, error) { return Version{2, 4, 0}, nil }

func (d *SimDevice) FPGAVersion() (Version, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.fpga {
		return Version{}, &StatusError{Call: "bladerf_fpga_version", Code: StatusUnexpected}
	}
	return Version{0, 15, 0}, nil
}

func (d *SimDevice) FPGAConfigured() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fpga, d.fault("bladerf_is_fpga_configured")
}

func (d *SimDevice) LoadFPGA(path string) error {
	return d.do("bladerf_load_fpga", func() error {
		if !strings.HasSuffix(path, ".rbf") {
			return &StatusError{Call: "bladerf_load_fpga", Code: StatusInval, Msg: "invalid bitstream"}
		}
		d.fpga = true
		d.fpgaLoads++
		return nil
	})
}

func (d *SimDevice) ExpansionAttached() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.xb200, nil
}

func (d *SimDevice) AttachXB200() error {
	return d.do("bladerf_expansion_attach", func() error {
		if d.cfg.Board != "bladerf1" {
			return &StatusError{Call: "bladerf_expansion_attach", Code: StatusUnsupported}
		}
		d.xb200 = true
		return nil
	})
}

func (d *SimDevice) SetXB200Filter(filter XB200Filter) error {
	return d.do("bladerf_xb200_set_filterbank", func() error {
		d.filter = filter
		return nil
	})
}

func (d *SimDevice) ChannelCount() int { return d.cfg.Channels }

func (d *SimDevice) SampleRateRange(ch int) (Range, error) {
	return Range{Min: 520834, Max: 61.44e6, Step: 2}, d.checkCh("bladerf_get_sample_rate_range", ch)
}

// SetSampleRate quantizes to whole Hz, as the RFIC does.
func (d *SimDevice) SetSampleRate(ch int, rate Rational) (Rational, error) {
	var actual Rational
	err := d.do("bladerf_set_rational_sample_rate", func() error {
		if err := d.checkCh("bladerf_set_rational_sample_rate", ch); err != nil {
			return err
		}
		actual = Rational{Integer: rate.Integer, Den: 1}
		d.rates[ch] = actual
		return nil
	})
	return actual, err
}

func (d *SimDevice) SampleRate(ch int) (Rational, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkCh("bladerf_get_rational_sample_rate", ch); err != nil {
		return Rational{}, err
	}
	if err := d.fault("bladerf_get_rational_sample_rate"); err != nil {
		return Rational{}, err
	}
	return d.rates[ch], nil
}

func (d *SimDevice) FrequencyRange(ch int) (Range, error) {
	return Range{Min: 70e6, Max: 6e9, Step: 1}, d.checkCh("bladerf_get_frequency_range", ch)
}

func (d *SimDevice) SetFrequency(ch int, hz uint64) error {
	return d.do("bladerf_set_frequency", func() error {
		if err := d.checkCh("bladerf_set_frequency", ch); err != nil {
			return err
		}
		d.freqs[ch] = hz
		return nil
	})
}

func (d *SimDevice) Frequency(ch int) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkCh("bladerf_get_frequency", ch); err != nil {
		return 0, err
	}
	if err := d.fault("bladerf_get_frequency"); err != nil {
		return 0, err
	}
	return d.freqs[ch], nil
}

func (d *SimDevice) BandwidthRange(ch int) (Range, error) {
	return Range{Min: 200e3, Max: 56e6, Step: 1}, d.checkCh("bladerf_get_bandwidth_range", ch)
}

func (d *SimDevice) SetBandwidth(ch int, hz uint32) error {
	return d.do("bladerf_set_bandwidth", func() error {
		if err := d.checkCh("bladerf_set_bandwidth", ch); err != nil {
			return err
		}
		d.bws[ch] = hz
		return nil
	})
}

func (d *SimDevice) Bandwidth(ch int) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkCh("bladerf_get_bandwidth", ch); err != nil {
		return 0, err
	}
	if err := d.fault("bladerf_get_bandwidth"); err != nil {
		return 0, err
	}
	return d.bws[ch], nil
}

func (d *SimDevice) GainStages(ch int) ([]string, error) {
	return append([]string(nil), d.cfg.Stages...), d.checkCh("bladerf_get_gain_stages", ch)
}

func (d *SimDevice) knownStage(stage string) bool {
	if stage == "" {
		return true
	}
	for _, s := range d.cfg.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

func (d *SimDevice) GainRange(ch int, stage string) (Range, error) {
	if !d.knownStage(stage) {
		return Range{}, &StatusError{Call: "bladerf_get_gain_stage_range", Code: StatusUnsupported}
	}
	return Range{Min: -15, Max: 60, Step: 1}, d.checkCh("bladerf_get_gain_range", ch)
}

// SetGain clamps to the advertised range like the SDK.
func (d *SimDevice) SetGain(ch int, stage string, db int) error {
	return d.do("bladerf_set_gain", func() error {
		if err := d.checkCh("bladerf_set_gain", ch); err != nil {
			return err
		}
		if !d.knownStage(stage) {
			return &StatusError{Call: "bladerf_set_gain_stage", Code: StatusUnsupported}
		}
		d.gains[ch][stage] = min(max(db, -15), 60)
		return nil
	})
}

func (d *SimDevice) Gain(ch int, stage string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkCh("bladerf_get_gain", ch); err != nil {
		return 0, err
	}
	if err := d.fault("bladerf_get_gain"); err != nil {
		return 0, err
	}
	if !d.knownStage(stage) {
		return 0, &StatusError{Call: "bladerf_get_gain_stage", Code: StatusUnsupported}
	}
	return d.gains[ch][stage], nil
}

func (d *SimDevice) SetGainMode(ch int, mode GainMode) error {
	return d.do("bladerf_set_gain_mode", func() error {
		if err := d.checkCh("bladerf_set_gain_mode", ch); err != nil {
			return err
		}
		d.modes[ch] = mode
		return nil
	})
}

func (d *SimDevice) GainMode(ch int) (GainMode, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkCh("bladerf_get_gain_mode", ch); err != nil {
		return GainDefault, err
	}
	if err := d.fault("bladerf_get_gain_mode"); err != nil {
		return GainDefault, err
	}
	return d.modes[ch], nil
}

func (d *SimDevice) SetCorrection(ch int, corr Correction, value int16) error {
	return d.do("bladerf_set_correction", func() error {
		d.corr[corr] = value
		return nil
	})
}

func (d *SimDevice) SetTamerMode(mode TamerMode) error {
	return d.do("bladerf_set_vctcxo_tamer_mode", func() error {
		d.tamer = mode
		return nil
	})
}

func (d *SimDevice) TamerMode() (TamerMode, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tamer, d.fault("bladerf_get_vctcxo_tamer_mode")
}

// SetSMBFrequency rounds to a 10 kHz synthesizer grid.
func (d *SimDevice) SetSMBFrequency(hz uint32) (uint32, error) {
	var actual uint32
	err := d.do("bladerf_set_smb_frequency", func() error {
		actual = (hz + 5000) / 10000 * 10000
		d.smb = actual
		return nil
	})
	return actual, err
}

func (d *SimDevice) SMBFrequency() (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.smb, d.fault("bladerf_get_smb_frequency")
}

func (d *SimDevice) StartRX(ch int, cfg StreamConfig, sink sdr.ChunkSink) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault("bladerf_sync_config"); err != nil {
		return err
	}
	if err := d.checkCh("bladerf_enable_module", ch); err != nil {
		return err
	}
	if d.streaming {
		return &StatusError{Call: "bladerf_enable_module", Code: StatusUnexpected, Msg: "already streaming"}
	}
	d.rxCh, d.rxCfg, d.sink, d.streaming = ch, cfg, sink, true
	if !d.cfg.Manual {
		d.quit = make(chan struct{})
		d.done = make(chan struct{})
		go d.read(ch, sink, cfg, d.quit, d.done)
	}
	return nil
}

func (d *SimDevice) StopRX() error {
	d.mu.Lock()
	if !d.streaming {
		d.mu.Unlock()
		return nil
	}
	d.streaming = false
	d.sink = nil
	quit, done := d.quit, d.done
	d.quit, d.done = nil, nil
	d.mu.Unlock()

	if quit != nil {
		close(quit)
		<-done
	}
	d.emits.Wait()
	return nil
}

// ErrNotStreaming is returned by Emit when RX is not running.
var ErrNotStreaming = errors.New("simulated board is not streaming")

// Emit delivers one buffer on the caller's goroutine. StopRX waits for it.
func (d *SimDevice) Emit(samples []complex64, dropped uint64) (int, error) {
	d.mu.Lock()
	sink := d.sink
	if sink == nil {
		d.mu.Unlock()
		return 0, ErrNotStreaming
	}
	d.emits.Add(1)
	d.mu.Unlock()
	defer d.emits.Done()
	return sink.Chunk(samples, dropped), nil
}

func (d *SimDevice) read(ch int, sink sdr.ChunkSink, cfg StreamConfig, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	buf := make([]complex64, cfg.BufferLen)
	rate, _ := d.SampleRate(ch)
	step := 2 * math.Pi * d.cfg.ToneOffset / max(rate.Float(), 1)
	for {
		select {
		case <-quit:
			return
		default:
		}
		for i := range buf {
			// SC16 Q11 quantization
			re := math.Round(math.Cos(d.phase)*2047) / 2048
			im := math.Round(math.Sin(d.phase)*2047) / 2048
			buf[i] = complex64(complex(re, im))
			d.phase = math.Mod(d.phase+step, 2*math.Pi)
		}
		d.reads++
		var dropped uint64
		if cfg.Metadata && d.cfg.OverrunEvery > 0 && d.reads%d.cfg.OverrunEvery == 0 {
			dropped = uint64(len(buf))
		}
		sink.Chunk(buf, dropped)
	}
}

package airspyhf

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rjboer/sdrsource/internal/sdr"
)

// SimConfig shapes the synthetic receiver.
type SimConfig struct {
	Serial      uint64
	PartID      uint32
	OutputSize  int
	SampleRates []uint32
	// ToneOffset is the synthesized tone relative to the center frequency.
	ToneOffset float64
	// Manual disables the producer goroutine; chunks are delivered with Emit.
	Manual bool
	// Pace delays each generated chunk; zero produces as fast as the
	// consumer pulls.
	Pace time.Duration
	// DropEvery reports OutputSize dropped samples on every n-th chunk.
	DropEvery int
}

// Simulator is an in-memory Driver for tests and for running without hardware.
type Simulator struct {
	mu      sync.Mutex
	devices []*SimDevice
	openErr error
}

// NewSimulator attaches one simulated device per config.
func NewSimulator(cfgs ...SimConfig) *Simulator {
	s := &Simulator{}
	for _, cfg := range cfgs {
		s.devices = append(s.devices, newSimDevice(cfg))
	}
	return s
}

// FailOpen makes subsequent opens fail with err.
func (s *Simulator) FailOpen(err error) {
	s.mu.Lock()
	s.openErr = err
	s.mu.Unlock()
}

// Device returns the i-th simulated device.
func (s *Simulator) Device(i int) *SimDevice { return s.devices[i] }

func (s *Simulator) LibVersion() string { return "1.6.8-sim" }

func (s *Simulator) ListSerials() ([]uint64, error) {
	out := make([]uint64, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d.cfg.Serial)
	}
	return out, nil
}

func (s *Simulator) Open() (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	for _, d := range s.devices {
		if d.claim() {
			return d, nil
		}
	}
	return nil, statusErr("airspyhf_open", StatusFailure)
}

func (s *Simulator) OpenSerial(serial uint64) (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	for _, d := range s.devices {
		if d.cfg.Serial == serial && d.claim() {
			return d, nil
		}
	}
	return nil, statusErr("airspyhf_open_sn", StatusFailure)
}

// SimDevice records every setting applied to it and can be told to fail
// individual calls.
type SimDevice struct {
	cfg SimConfig

	mu         sync.Mutex
	open       bool
	faults     map[string]error
	rate       uint32
	freq       float64
	calib      int32
	iqPoint    float32
	libDSP     bool
	agc        bool
	agcHigh    bool
	lna        uint8
	att        uint8
	calls      map[string]int
	sink       sdr.ChunkSink
	streaming  bool
	emits      sync.WaitGroup // in-flight Emit calls
	quit       chan struct{}
	done       chan struct{}
	chunkCount int
	phase      float64
}

func newSimDevice(cfg SimConfig) *SimDevice {
	if cfg.OutputSize <= 0 {
		cfg.OutputSize = 1024
	}
	if len(cfg.SampleRates) == 0 {
		cfg.SampleRates = []uint32{912e3, 768e3, 456e3, 384e3, 256e3, 192e3}
	}
	if cfg.Serial == 0 {
		cfg.Serial = 0x3652d65d2a0c4a89
	}
	return &SimDevice{cfg: cfg, faults: map[string]error{}, calls: map[string]int{}}
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

// Fail makes the named SDK call (for example "airspyhf_set_hf_att") return
// err until cleared with a nil err.
func (d *SimDevice) Fail(call string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.faults, call)
		return
	}
	d.faults[call] = err
}

// Calls returns how often the named SDK call was made.
func (d *SimDevice) Calls(call string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[call]
}

// IsOpen reports whether a session currently holds the device.
func (d *SimDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// Settings is a snapshot of the programmed state.
type Settings struct {
	SampleRate  uint32
	Freq        float64
	Calibration int32
	IQPoint     float32
	LibDSP      bool
	AGC         bool
	AGCHigh     bool
	LNA         uint8
	Att         uint8
}

func (d *SimDevice) Settings() Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Settings{
		SampleRate:  d.rate,
		Freq:        d.freq,
		Calibration: d.calib,
		IQPoint:     d.iqPoint,
		LibDSP:      d.libDSP,
		AGC:         d.agc,
		AGCHigh:     d.agcHigh,
		LNA:         d.lna,
		Att:         d.att,
	}
}

// call counts the invocation and returns the injected fault, if any. The
// caller holds d.mu.
func (d *SimDevice) call(name string) error {
	d.calls[name]++
	if !d.open {
		return statusErr(name, StatusFailure)
	}
	return d.faults[name]
}

func (d *SimDevice) apply(name string, set func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call(name); err != nil {
		return err
	}
	set()
	return nil
}

func (d *SimDevice) Close() error {
	_ = d.Stop()
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("airspyhf_close"); err != nil {
		return err
	}
	d.open = false
	return nil
}

func (d *SimDevice) OutputSize() int { return d.cfg.OutputSize }

func (d *SimDevice) PartIDSerial() (PartIDSerial, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("airspyhf_board_partid_serialno_read"); err != nil {
		return PartIDSerial{}, err
	}
	return PartIDSerial{PartID: d.cfg.PartID, Serial: d.cfg.Serial}, nil
}

func (d *SimDevice) SampleRates() ([]uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("airspyhf_get_samplerates"); err != nil {
		return nil, err
	}
	return append([]uint32(nil), d.cfg.SampleRates...), nil
}

func (d *SimDevice) SetSampleRate(rate uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("airspyhf_set_samplerate"); err != nil {
		return err
	}
	for _, r := range d.cfg.SampleRates {
		if r == rate {
			d.rate = rate
			return nil
		}
	}
	return statusErr("airspyhf_set_samplerate", StatusFailure)
}

func (d *SimDevice) IsLowIF() bool { return d.Settings().SampleRate < 700e3 }

func (d *SimDevice) SetFreq(hz float64) error {
	return d.apply("airspyhf_set_freq", func() { d.freq = hz })
}

func (d *SimDevice) Calibration() (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("airspyhf_get_calibration"); err != nil {
		return 0, err
	}
	return d.calib, nil
}

func (d *SimDevice) SetCalibration(ppb int32) error {
	return d.apply("airspyhf_set_calibration", func() { d.calib = ppb })
}

func (d *SimDevice) SetOptimalIQCorrectionPoint(w float32) error {
	return d.apply("airspyhf_set_optimal_iq_correction_point", func() { d.iqPoint = w })
}

func (d *SimDevice) SetLibDSP(enabled bool) error {
	return d.apply("airspyhf_set_lib_dsp", func() { d.libDSP = enabled })
}

func (d *SimDevice) SetHFAGC(enabled bool) error {
	return d.apply("airspyhf_set_hf_agc", func() { d.agc = enabled })
}

func (d *SimDevice) SetHFAGCThreshold(high bool) error {
	return d.apply("airspyhf_set_hf_agc_threshold", func() { d.agcHigh = high })
}

func (d *SimDevice) SetHFLNA(flag uint8) error {
	return d.apply("airspyhf_set_hf_lna", func() { d.lna = flag })
}

func (d *SimDevice) SetHFAtt(step uint8) error {
	if step > AttMaxStep {
		return statusErr("airspyhf_set_hf_att", StatusFailure)
	}
	return d.apply("airspyhf_set_hf_att", func() { d.att = step })
}

func (d *SimDevice) Start(sink sdr.ChunkSink) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("airspyhf_start"); err != nil {
		return err
	}
	if d.streaming {
		return statusErr("airspyhf_start", StatusFailure)
	}
	d.sink = sink
	d.streaming = true
	if !d.cfg.Manual {
		d.quit = make(chan struct{})
		d.done = make(chan struct{})
		go d.produce(sink, d.quit, d.done)
	}
	return nil
}

// Stop returns once the producer goroutine and any in-flight Emit have
// returned.
func (d *SimDevice) Stop() error {
	d.mu.Lock()
	if !d.streaming {
		d.mu.Unlock()
		return nil
	}
	d.calls["airspyhf_stop"]++
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

func (d *SimDevice) IsStreaming() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streaming
}

// ErrNotStreaming is returned by Emit when no sink is registered.
var ErrNotStreaming = errors.New("simulated device is not streaming")

// Emit delivers one chunk on the caller's goroutine, as the SDK thread would.
// It blocks until the sink returns.
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

func (d *SimDevice) produce(sink sdr.ChunkSink, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	var ticker *time.Ticker
	if d.cfg.Pace > 0 {
		ticker = time.NewTicker(d.cfg.Pace)
		defer ticker.Stop()
	}
	buf := make([]complex64, d.cfg.OutputSize)
	for {
		if ticker != nil {
			select {
			case <-quit:
				return
			case <-ticker.C:
			}
		} else {
			select {
			case <-quit:
				return
			default:
			}
		}
		var dropped uint64
		d.chunkCount++
		if d.cfg.DropEvery > 0 && d.chunkCount%d.cfg.DropEvery == 0 {
			dropped = uint64(d.cfg.OutputSize)
		}
		d.synthesize(buf)
		sink.Chunk(buf, dropped)
	}
}

// synthesize fills buf with a unit tone plus a little noise. Only the
// producer goroutine touches phase.
func (d *SimDevice) synthesize(buf []complex64) {
	rate := float64(d.Settings().SampleRate)
	if rate == 0 {
		rate = defaultSampleRate
	}
	step := 2 * math.Pi * d.cfg.ToneOffset / rate
	for i := range buf {
		noiseI := rand.NormFloat64() * 1e-4
		noiseQ := rand.NormFloat64() * 1e-4
		buf[i] = complex64(complex(math.Cos(d.phase)+noiseI, math.Sin(d.phase)+noiseQ))
		d.phase = math.Mod(d.phase+step, 2*math.Pi)
	}
}

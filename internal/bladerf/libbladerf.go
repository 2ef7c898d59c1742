//go:build bladerf && cgo

package bladerf

/*
#cgo pkg-config: libbladeRF
#include <stdlib.h>
#include <libbladeRF.h>

static bladerf_channel rx_channel(int ch) { return BLADERF_CHANNEL_RX(ch); }
*/
import "C"

import (
	"errors"
	"sync"
	"unsafe"

	"github.com/rjboer/sdrsource/internal/sdr"
)

const maxGainStages = 16

// Lib is the Driver backed by the installed libbladeRF.
type Lib struct{}

var _ Driver = Lib{}

func status(call string, rc C.int) error {
	if rc >= 0 {
		return nil
	}
	return &StatusError{Call: call, Code: int(rc), Msg: C.GoString(C.bladerf_strerror(rc))}
}

func goVersion(v C.struct_bladerf_version) Version {
	return Version{Major: int(v.major), Minor: int(v.minor), Patch: int(v.patch)}
}

func goRange(r *C.struct_bladerf_range) Range {
	scale := float64(r.scale)
	return Range{Min: float64(r.min) * scale, Max: float64(r.max) * scale, Step: float64(r.step) * scale}
}

func (Lib) LibVersion() Version {
	var v C.struct_bladerf_version
	C.bladerf_version(&v)
	return goVersion(v)
}

var logLevels = map[string]C.bladerf_log_level{
	"verbose":  C.BLADERF_LOG_LEVEL_VERBOSE,
	"debug":    C.BLADERF_LOG_LEVEL_DEBUG,
	"info":     C.BLADERF_LOG_LEVEL_INFO,
	"warning":  C.BLADERF_LOG_LEVEL_WARNING,
	"error":    C.BLADERF_LOG_LEVEL_ERROR,
	"critical": C.BLADERF_LOG_LEVEL_CRITICAL,
	"silent":   C.BLADERF_LOG_LEVEL_SILENT,
}

func (Lib) SetVerbosity(level string) error {
	l, ok := logLevels[level]
	if !ok {
		return sdr.Unsupported("log level", level)
	}
	C.bladerf_log_set_verbosity(l)
	return nil
}

func (Lib) ListDevices() ([]DevInfo, error) {
	var list *C.struct_bladerf_devinfo
	n := C.bladerf_get_device_list(&list)
	if n == C.BLADERF_ERR_NODEV {
		return nil, nil
	}
	if err := status("bladerf_get_device_list", n); err != nil {
		return nil, err
	}
	defer C.bladerf_free_device_list(list)
	infos := unsafe.Slice(list, int(n))
	out := make([]DevInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, DevInfo{
			Instance: int(info.instance),
			Serial:   C.GoString(&info.serial[0]),
		})
	}
	return out, nil
}

func (Lib) Open(ident string) (Device, error) {
	cident := C.CString(ident)
	defer C.free(unsafe.Pointer(cident))
	var dev *C.struct_bladerf
	if err := status("bladerf_open", C.bladerf_open(&dev, cident)); err != nil {
		return nil, err
	}
	return &libDevice{dev: dev}, nil
}

type libDevice struct {
	dev *C.struct_bladerf

	mu   sync.Mutex
	ch   int
	quit chan struct{}
	done chan struct{}
	err  error
}

func (d *libDevice) Close() error {
	_ = d.StopRX()
	C.bladerf_close(d.dev)
	return nil
}

func (d *libDevice) Serial() (string, error) {
	var buf [C.BLADERF_SERIAL_LENGTH]C.char
	if err := status("bladerf_get_serial", C.bladerf_get_serial(d.dev, &buf[0])); err != nil {
		return "", err
	}
	return C.GoString(&buf[0]), nil
}

func (d *libDevice) BoardName() string { return C.GoString(C.bladerf_get_board_name(d.dev)) }

func (d *libDevice) FirmwareVersion() (Version, error) {
	var v C.struct_bladerf_version
	if err := status("bladerf_fw_version", C.bladerf_fw_version(d.dev, &v)); err != nil {
		return Version{}, err
	}
	return goVersion(v), nil
}

func (d *libDevice) FPGAVersion() (Version, error) {
	var v C.struct_bladerf_version
	if err := status("bladerf_fpga_version", C.bladerf_fpga_version(d.dev, &v)); err != nil {
		return Version{}, err
	}
	return goVersion(v), nil
}

func (d *libDevice) FPGAConfigured() (bool, error) {
	rc := C.bladerf_is_fpga_configured(d.dev)
	if err := status("bladerf_is_fpga_configured", rc); err != nil {
		return false, err
	}
	return rc == 1, nil
}

func (d *libDevice) LoadFPGA(path string) error {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	return status("bladerf_load_fpga", C.bladerf_load_fpga(d.dev, cpath))
}

func (d *libDevice) ExpansionAttached() (bool, error) {
	var xb C.bladerf_xb
	if err := status("bladerf_expansion_get_attached", C.bladerf_expansion_get_attached(d.dev, &xb)); err != nil {
		return false, err
	}
	return xb != C.BLADERF_XB_NONE, nil
}

func (d *libDevice) AttachXB200() error {
	return status("bladerf_expansion_attach", C.bladerf_expansion_attach(d.dev, C.BLADERF_XB_200))
}

var xb200Filterbanks = map[XB200Filter]C.bladerf_xb200_filter{
	XB20050M:     C.BLADERF_XB200_50M,
	XB200144M:    C.BLADERF_XB200_144M,
	XB200222M:    C.BLADERF_XB200_222M,
	XB200Custom:  C.BLADERF_XB200_CUSTOM,
	XB200Auto1dB: C.BLADERF_XB200_AUTO_1DB,
	XB200Auto3dB: C.BLADERF_XB200_AUTO_3DB,
}

func (d *libDevice) SetXB200Filter(filter XB200Filter) error {
	return status("bladerf_xb200_set_filterbank",
		C.bladerf_xb200_set_filterbank(d.dev, C.rx_channel(0), xb200Filterbanks[filter]))
}

func (d *libDevice) ChannelCount() int { return int(C.bladerf_get_channel_count(d.dev, C.BLADERF_RX)) }

func (d *libDevice) SampleRateRange(ch int) (Range, error) {
	var r *C.struct_bladerf_range
	if err := status("bladerf_get_sample_rate_range",
		C.bladerf_get_sample_rate_range(d.dev, C.rx_channel(C.int(ch)), &r)); err != nil {
		return Range{}, err
	}
	return goRange(r), nil
}

func (d *libDevice) SetSampleRate(ch int, rate Rational) (Rational, error) {
	in := C.struct_bladerf_rational_rate{integer: C.uint64_t(rate.Integer), num: C.uint64_t(rate.Num), den: C.uint64_t(rate.Den)}
	var actual C.struct_bladerf_rational_rate
	if err := status("bladerf_set_rational_sample_rate",
		C.bladerf_set_rational_sample_rate(d.dev, C.rx_channel(C.int(ch)), &in, &actual)); err != nil {
		return Rational{}, err
	}
	return Rational{Integer: uint64(actual.integer), Num: uint64(actual.num), Den: uint64(actual.den)}, nil
}

func (d *libDevice) SampleRate(ch int) (Rational, error) {
	var r C.struct_bladerf_rational_rate
	if err := status("bladerf_get_rational_sample_rate",
		C.bladerf_get_rational_sample_rate(d.dev, C.rx_channel(C.int(ch)), &r)); err != nil {
		return Rational{}, err
	}
	return Rational{Integer: uint64(r.integer), Num: uint64(r.num), Den: uint64(r.den)}, nil
}

func (d *libDevice) FrequencyRange(ch int) (Range, error) {
	var r *C.struct_bladerf_range
	if err := status("bladerf_get_frequency_range",
		C.bladerf_get_frequency_range(d.dev, C.rx_channel(C.int(ch)), &r)); err != nil {
		return Range{}, err
	}
	return goRange(r), nil
}

func (d *libDevice) SetFrequency(ch int, hz uint64) error {
	return status("bladerf_set_frequency",
		C.bladerf_set_frequency(d.dev, C.rx_channel(C.int(ch)), C.bladerf_frequency(hz)))
}

func (d *libDevice) Frequency(ch int) (uint64, error) {
	var f C.bladerf_frequency
	if err := status("bladerf_get_frequency", C.bladerf_get_frequency(d.dev, C.rx_channel(C.int(ch)), &f)); err != nil {
		return 0, err
	}
	return uint64(f), nil
}

func (d *libDevice) BandwidthRange(ch int) (Range, error) {
	var r *C.struct_bladerf_range
	if err := status("bladerf_get_bandwidth_range",
		C.bladerf_get_bandwidth_range(d.dev, C.rx_channel(C.int(ch)), &r)); err != nil {
		return Range{}, err
	}
	return goRange(r), nil
}

func (d *libDevice) SetBandwidth(ch int, hz uint32) error {
	return status("bladerf_set_bandwidth",
		C.bladerf_set_bandwidth(d.dev, C.rx_channel(C.int(ch)), C.bladerf_bandwidth(hz), nil))
}

func (d *libDevice) Bandwidth(ch int) (uint32, error) {
	var bw C.bladerf_bandwidth
	if err := status("bladerf_get_bandwidth", C.bladerf_get_bandwidth(d.dev, C.rx_channel(C.int(ch)), &bw)); err != nil {
		return 0, err
	}
	return uint32(bw), nil
}

func (d *libDevice) GainStages(ch int) ([]string, error) {
	var names [maxGainStages]*C.char
	n := C.bladerf_get_gain_stages(d.dev, C.rx_channel(C.int(ch)), &names[0], maxGainStages)
	if err := status("bladerf_get_gain_stages", n); err != nil {
		return nil, err
	}
	out := make([]string, 0, int(n))
	for _, name := range names[:min(int(n), maxGainStages)] {
		out = append(out, C.GoString(name))
	}
	return out, nil
}

func (d *libDevice) GainRange(ch int, stage string) (Range, error) {
	var r *C.struct_bladerf_range
	if stage == "" {
		if err := status("bladerf_get_gain_range",
			C.bladerf_get_gain_range(d.dev, C.rx_channel(C.int(ch)), &r)); err != nil {
			return Range{}, err
		}
		return goRange(r), nil
	}
	cstage := C.CString(stage)
	defer C.free(unsafe.Pointer(cstage))
	if err := status("bladerf_get_gain_stage_range",
		C.bladerf_get_gain_stage_range(d.dev, C.rx_channel(C.int(ch)), cstage, &r)); err != nil {
		return Range{}, err
	}
	return goRange(r), nil
}

func (d *libDevice) SetGain(ch int, stage string, db int) error {
	if stage == "" {
		return status("bladerf_set_gain", C.bladerf_set_gain(d.dev, C.rx_channel(C.int(ch)), C.bladerf_gain(db)))
	}
	cstage := C.CString(stage)
	defer C.free(unsafe.Pointer(cstage))
	return status("bladerf_set_gain_stage",
		C.bladerf_set_gain_stage(d.dev, C.rx_channel(C.int(ch)), cstage, C.bladerf_gain(db)))
}

func (d *libDevice) Gain(ch int, stage string) (int, error) {
	var g C.bladerf_gain
	if stage == "" {
		if err := status("bladerf_get_gain", C.bladerf_get_gain(d.dev, C.rx_channel(C.int(ch)), &g)); err != nil {
			return 0, err
		}
		return int(g), nil
	}
	cstage := C.CString(stage)
	defer C.free(unsafe.Pointer(cstage))
	if err := status("bladerf_get_gain_stage",
		C.bladerf_get_gain_stage(d.dev, C.rx_channel(C.int(ch)), cstage, &g)); err != nil {
		return 0, err
	}
	return int(g), nil
}

func (d *libDevice) SetGainMode(ch int, mode GainMode) error {
	return status("bladerf_set_gain_mode",
		C.bladerf_set_gain_mode(d.dev, C.rx_channel(C.int(ch)), C.bladerf_gain_mode(mode)))
}

func (d *libDevice) GainMode(ch int) (GainMode, error) {
	var m C.bladerf_gain_mode
	if err := status("bladerf_get_gain_mode", C.bladerf_get_gain_mode(d.dev, C.rx_channel(C.int(ch)), &m)); err != nil {
		return GainDefault, err
	}
	return GainMode(m), nil
}

var corrections = map[Correction]C.bladerf_correction{
	CorrDCOffI: C.BLADERF_CORR_DCOFF_I,
	CorrDCOffQ: C.BLADERF_CORR_DCOFF_Q,
	CorrPhase:  C.BLADERF_CORR_PHASE,
	CorrGain:   C.BLADERF_CORR_GAIN,
}

func (d *libDevice) SetCorrection(ch int, corr Correction, value int16) error {
	return status("bladerf_set_correction",
		C.bladerf_set_correction(d.dev, C.rx_channel(C.int(ch)), corrections[corr], C.bladerf_correction_value(value)))
}

func (d *libDevice) SetTamerMode(mode TamerMode) error {
	return status("bladerf_set_vctcxo_tamer_mode",
		C.bladerf_set_vctcxo_tamer_mode(d.dev, C.bladerf_vctcxo_tamer_mode(mode)))
}

func (d *libDevice) TamerMode() (TamerMode, error) {
	var m C.bladerf_vctcxo_tamer_mode
	if err := status("bladerf_get_vctcxo_tamer_mode", C.bladerf_get_vctcxo_tamer_mode(d.dev, &m)); err != nil {
		return TamerDisabled, err
	}
	return TamerMode(m), nil
}

func (d *libDevice) SetSMBFrequency(hz uint32) (uint32, error) {
	var actual C.uint32_t
	if err := status("bladerf_set_smb_frequency",
		C.bladerf_set_smb_frequency(d.dev, C.uint32_t(hz), &actual)); err != nil {
		return 0, err
	}
	return uint32(actual), nil
}

func (d *libDevice) SMBFrequency() (uint32, error) {
	var hz C.uint
	if err := status("bladerf_get_smb_frequency", C.bladerf_get_smb_frequency(d.dev, &hz)); err != nil {
		return 0, err
	}
	return uint32(hz), nil
}

// StartRX configures the sync interface and starts a reader goroutine that
// converts SC16 Q11 buffers to complex64.
func (d *libDevice) StartRX(ch int, cfg StreamConfig, sink sdr.ChunkSink) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.quit != nil {
		return &StatusError{Call: "bladerf_enable_module", Code: StatusUnexpected, Msg: "already streaming"}
	}

	format := C.bladerf_format(C.BLADERF_FORMAT_SC16_Q11)
	if cfg.Metadata {
		format = C.BLADERF_FORMAT_SC16_Q11_META
	}
	timeoutMS := C.uint(cfg.Timeout.Milliseconds())
	if err := status("bladerf_sync_config", C.bladerf_sync_config(d.dev, C.BLADERF_RX_X1, format,
		C.uint(cfg.Buffers), C.uint(cfg.BufferLen), C.uint(cfg.Transfers), timeoutMS)); err != nil {
		return err
	}
	if err := status("bladerf_enable_module", C.bladerf_enable_module(d.dev, C.rx_channel(C.int(ch)), true)); err != nil {
		return err
	}

	d.ch = ch
	d.err = nil
	d.quit = make(chan struct{})
	d.done = make(chan struct{})
	go d.read(sink, cfg, timeoutMS, d.quit, d.done)
	return nil
}

func (d *libDevice) read(sink sdr.ChunkSink, cfg StreamConfig, timeoutMS C.uint, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	raw := make([]int16, 2*cfg.BufferLen)
	samples := make([]complex64, cfg.BufferLen)
	for {
		select {
		case <-quit:
			return
		default:
		}

		var meta C.struct_bladerf_metadata
		var metaPtr *C.struct_bladerf_metadata
		if cfg.Metadata {
			meta.flags = C.BLADERF_META_FLAG_RX_NOW
			metaPtr = &meta
		}
		rc := C.bladerf_sync_rx(d.dev, unsafe.Pointer(&raw[0]), C.uint(cfg.BufferLen), metaPtr, timeoutMS)
		if err := status("bladerf_sync_rx", rc); err != nil {
			var se *StatusError
			if errors.As(err, &se) && se.Code == StatusTimeout {
				continue
			}
			d.mu.Lock()
			d.err = err
			d.mu.Unlock()
			return
		}

		var dropped uint64
		if cfg.Metadata && meta.status&C.BLADERF_META_STATUS_OVERRUN != 0 {
			dropped = uint64(cfg.BufferLen) - uint64(meta.actual_count)
		}
		for i := range samples {
			samples[i] = complex(float32(raw[2*i])/2048, float32(raw[2*i+1])/2048)
		}
		sink.Chunk(samples, dropped)
	}
}

// StopRX waits for the reader, which leaves bladerf_sync_rx within one
// stream timeout, then disables the RX module.
func (d *libDevice) StopRX() error {
	d.mu.Lock()
	quit, done, ch := d.quit, d.done, d.ch
	d.quit, d.done = nil, nil
	d.mu.Unlock()
	if quit == nil {
		return nil
	}
	close(quit)
	<-done

	d.mu.Lock()
	readErr := d.err
	d.mu.Unlock()
	return errors.Join(readErr,
		status("bladerf_enable_module", C.bladerf_enable_module(d.dev, C.rx_channel(C.int(ch)), false)))
}

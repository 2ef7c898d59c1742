//go:build airspyhf && cgo

package airspyhf

/*
#cgo pkg-config: libairspyhf
#include <stdlib.h>
#include <stdint.h>
#include <libairspyhf/airspyhf.h>

int sdrsource_airspyhf_start(airspyhf_device_t *dev, void *ctx);
*/
import "C"

import (
	"fmt"
	"runtime/cgo"
	"sync"
	"unsafe"

	"github.com/rjboer/sdrsource/internal/sdr"
)

// Lib is the Driver backed by the installed libairspyhf.
type Lib struct{}

var _ Driver = Lib{}

func (Lib) LibVersion() string {
	var v C.airspyhf_lib_version_t
	C.airspyhf_lib_version(&v)
	return fmt.Sprintf("%d.%d.%d", v.major_version, v.minor_version, v.revision)
}

func (Lib) ListSerials() ([]uint64, error) {
	n := int(C.airspyhf_list_devices(nil, 0))
	if n < 0 {
		return nil, statusErr("airspyhf_list_devices", n)
	}
	if n == 0 {
		return nil, nil
	}
	serials := make([]C.uint64_t, n)
	got := int(C.airspyhf_list_devices(&serials[0], C.int(n)))
	if got < 0 {
		return nil, statusErr("airspyhf_list_devices", got)
	}
	out := make([]uint64, 0, got)
	for _, sn := range serials[:min(got, n)] {
		out = append(out, uint64(sn))
	}
	return out, nil
}

func (Lib) Open() (Device, error) {
	var dev *C.airspyhf_device_t
	if err := statusErr("airspyhf_open", int(C.airspyhf_open(&dev))); err != nil {
		return nil, err
	}
	return &libDevice{dev: dev}, nil
}

func (Lib) OpenSerial(serial uint64) (Device, error) {
	var dev *C.airspyhf_device_t
	if err := statusErr("airspyhf_open_sn", int(C.airspyhf_open_sn(&dev, C.uint64_t(serial)))); err != nil {
		return nil, err
	}
	return &libDevice{dev: dev}, nil
}

type libDevice struct {
	dev *C.airspyhf_device_t

	mu     sync.Mutex
	handle cgo.Handle
	ctx    unsafe.Pointer
}

func (d *libDevice) Close() error {
	_ = d.Stop()
	return statusErr("airspyhf_close", int(C.airspyhf_close(d.dev)))
}

func (d *libDevice) OutputSize() int { return int(C.airspyhf_get_output_size(d.dev)) }

func (d *libDevice) PartIDSerial() (PartIDSerial, error) {
	var id C.airspyhf_read_partid_serialno_t
	if err := statusErr("airspyhf_board_partid_serialno_read",
		int(C.airspyhf_board_partid_serialno_read(d.dev, &id))); err != nil {
		return PartIDSerial{}, err
	}
	return PartIDSerial{
		PartID: uint32(id.part_id),
		Serial: uint64(id.serial_no[0])<<32 | uint64(id.serial_no[1]),
	}, nil
}

func (d *libDevice) SampleRates() ([]uint32, error) {
	var n C.uint32_t
	if err := statusErr("airspyhf_get_samplerates", int(C.airspyhf_get_samplerates(d.dev, &n, 0))); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	rates := make([]C.uint32_t, n)
	if err := statusErr("airspyhf_get_samplerates", int(C.airspyhf_get_samplerates(d.dev, &rates[0], n))); err != nil {
		return nil, err
	}
	out := make([]uint32, len(rates))
	for i, r := range rates {
		out[i] = uint32(r)
	}
	return out, nil
}

func (d *libDevice) SetSampleRate(rate uint32) error {
	return statusErr("airspyhf_set_samplerate", int(C.airspyhf_set_samplerate(d.dev, C.uint32_t(rate))))
}

func (d *libDevice) IsLowIF() bool { return C.airspyhf_is_low_if(d.dev) != 0 }

func (d *libDevice) SetFreq(hz float64) error {
	return statusErr("airspyhf_set_freq", int(C.airspyhf_set_freq(d.dev, C.uint32_t(hz))))
}

func (d *libDevice) Calibration() (int32, error) {
	var ppb C.int32_t
	if err := statusErr("airspyhf_get_calibration", int(C.airspyhf_get_calibration(d.dev, &ppb))); err != nil {
		return 0, err
	}
	return int32(ppb), nil
}

func (d *libDevice) SetCalibration(ppb int32) error {
	return statusErr("airspyhf_set_calibration", int(C.airspyhf_set_calibration(d.dev, C.int32_t(ppb))))
}

func (d *libDevice) SetOptimalIQCorrectionPoint(w float32) error {
	return statusErr("airspyhf_set_optimal_iq_correction_point",
		int(C.airspyhf_set_optimal_iq_correction_point(d.dev, C.float(w))))
}

func (d *libDevice) SetLibDSP(enabled bool) error {
	return statusErr("airspyhf_set_lib_dsp", int(C.airspyhf_set_lib_dsp(d.dev, flag(enabled))))
}

func (d *libDevice) SetHFAGC(enabled bool) error {
	return statusErr("airspyhf_set_hf_agc", int(C.airspyhf_set_hf_agc(d.dev, flag(enabled))))
}

func (d *libDevice) SetHFAGCThreshold(high bool) error {
	return statusErr("airspyhf_set_hf_agc_threshold", int(C.airspyhf_set_hf_agc_threshold(d.dev, flag(high))))
}

func (d *libDevice) SetHFLNA(f uint8) error {
	return statusErr("airspyhf_set_hf_lna", int(C.airspyhf_set_hf_lna(d.dev, C.uint8_t(f))))
}

func (d *libDevice) SetHFAtt(step uint8) error {
	return statusErr("airspyhf_set_hf_att", int(C.airspyhf_set_hf_att(d.dev, C.uint8_t(step))))
}

// Start hands the SDK a C-allocated cell holding a cgo.Handle to sink; Go
// pointers never cross into C.
func (d *libDevice) Start(sink sdr.ChunkSink) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx != nil {
		return statusErr("airspyhf_start", StatusFailure)
	}
	h := cgo.NewHandle(sink)
	ctx := C.malloc(C.size_t(unsafe.Sizeof(C.uintptr_t(0))))
	*(*C.uintptr_t)(ctx) = C.uintptr_t(h)

	if err := statusErr("airspyhf_start", int(C.sdrsource_airspyhf_start(d.dev, ctx))); err != nil {
		C.free(ctx)
		h.Delete()
		return err
	}
	d.handle, d.ctx = h, ctx
	return nil
}

// Stop joins the SDK transfer thread before the handle is released.
func (d *libDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil {
		return nil
	}
	err := statusErr("airspyhf_stop", int(C.airspyhf_stop(d.dev)))
	C.free(d.ctx)
	d.handle.Delete()
	d.ctx = nil
	return err
}

func (d *libDevice) IsStreaming() bool { return C.airspyhf_is_streaming(d.dev) != 0 }

func flag(b bool) C.uint8_t {
	if b {
		return 1
	}
	return 0
}

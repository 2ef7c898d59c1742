//go:build airspyhf && cgo

package airspyhf

/*
#include <stdint.h>
#include <libairspyhf/airspyhf.h>
*/
import "C"

import (
	"runtime/cgo"
	"unsafe"

	"github.com/rjboer/sdrsource/internal/sdr"
)

//export sdrsourceAirspyhfTransfer
func sdrsourceAirspyhfTransfer(t *C.airspyhf_transfer_t) C.int {
	h := cgo.Handle(*(*C.uintptr_t)(t.ctx))
	sink := h.Value().(sdr.ChunkSink)
	samples := unsafe.Slice((*complex64)(unsafe.Pointer(t.samples)), int(t.sample_count))
	return C.int(sink.Chunk(samples, uint64(t.dropped_samples)))
}

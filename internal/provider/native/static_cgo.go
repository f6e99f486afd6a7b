//go:build enginebind_static && cgo

package native

// Link directives for the statically-linked engine. The archive directory is supplied
// through CGO_LDFLAGS; `enginectl cgo-flags` prints the value for a resolved artifact.

/*
#cgo LDFLAGS: -lenginebind
#cgo linux LDFLAGS: -lstdc++ -lm -ldl -lpthread
#cgo darwin LDFLAGS: -lc++ -framework Foundation
#include <stdint.h>
#include <stdlib.h>

uint32_t    enginebind_api_version(void);
int32_t     enginebind_create_tensor(int32_t dtype, const int64_t *shape, uint64_t rank,
                                     const void *data, uint64_t nbytes, void **out);
int32_t     enginebind_tensor_info(void *t, int32_t *dtype, int64_t *shape,
                                   uint64_t capacity, uint64_t *rank);
int32_t     enginebind_tensor_data(void *t, void **data, uint64_t *nbytes);
void        enginebind_release_tensor(void *t);
int32_t     enginebind_create_session(const char *path, int32_t threads, void **out);
void        enginebind_release_session(void *s);
int32_t     enginebind_run(void *s, const char *in_names, void *const *ins, uint64_t n_in,
                           const char *out_names, uint64_t n_out, void **outs);
const char *enginebind_last_error(void);

#pragma weak enginebind_set_seed
#pragma weak enginebind_train_step
int32_t enginebind_set_seed(int64_t seed);
int32_t enginebind_train_step(void *s, const char *in_names, void *const *ins,
                              uint64_t n_in, float *loss);

static int enginebind_has_set_seed(void)   { return enginebind_set_seed != 0; }
static int enginebind_has_train_step(void) { return enginebind_train_step != 0; }
*/
import "C"

import (
	"unsafe"

	"github.com/SyedDaiam9101/enginebind/internal/engine"
)

const staticBuilt = true

func compiledAPI() *rawAPI {
	api := &rawAPI{
		apiVersion: func() uint32 { return uint32(C.enginebind_api_version()) },
		createTensor: func(dtype int32, shape *int64, rank uint64, data unsafe.Pointer, nbytes uint64, out *uintptr) int32 {
			return int32(C.enginebind_create_tensor(C.int32_t(dtype), (*C.int64_t)(unsafe.Pointer(shape)),
				C.uint64_t(rank), data, C.uint64_t(nbytes), (*unsafe.Pointer)(unsafe.Pointer(out))))
		},
		tensorInfo: func(t uintptr, dtype *int32, shape *int64, capacity uint64, rank *uint64) int32 {
			return int32(C.enginebind_tensor_info(unsafe.Pointer(t), (*C.int32_t)(unsafe.Pointer(dtype)),
				(*C.int64_t)(unsafe.Pointer(shape)), C.uint64_t(capacity), (*C.uint64_t)(unsafe.Pointer(rank))))
		},
		tensorData: func(t uintptr, data *unsafe.Pointer, nbytes *uint64) int32 {
			return int32(C.enginebind_tensor_data(unsafe.Pointer(t), data, (*C.uint64_t)(unsafe.Pointer(nbytes))))
		},
		releaseTensor: func(t uintptr) { C.enginebind_release_tensor(unsafe.Pointer(t)) },
		createSession: func(path string, threads int32, out *uintptr) int32 {
			cpath := C.CString(path)
			defer C.free(unsafe.Pointer(cpath))
			return int32(C.enginebind_create_session(cpath, C.int32_t(threads), (*unsafe.Pointer)(unsafe.Pointer(out))))
		},
		releaseSession: func(s uintptr) { C.enginebind_release_session(unsafe.Pointer(s)) },
		run: func(s uintptr, inNames *byte, ins *uintptr, nIn uint64, outNames *byte, nOut uint64, outs *uintptr) int32 {
			return int32(C.enginebind_run(unsafe.Pointer(s),
				(*C.char)(unsafe.Pointer(inNames)), (*unsafe.Pointer)(unsafe.Pointer(ins)), C.uint64_t(nIn),
				(*C.char)(unsafe.Pointer(outNames)), C.uint64_t(nOut), (*unsafe.Pointer)(unsafe.Pointer(outs))))
		},
		lastError: func() string { return C.GoString(C.enginebind_last_error()) },
	}
	if C.enginebind_has_set_seed() != 0 {
		api.setSeed = func(seed int64) int32 { return int32(C.enginebind_set_seed(C.int64_t(seed))) }
	}
	if C.enginebind_has_train_step() != 0 {
		api.trainStep = func(s uintptr, inNames *byte, ins *uintptr, nIn uint64, loss *float32) int32 {
			return int32(C.enginebind_train_step(unsafe.Pointer(s),
				(*C.char)(unsafe.Pointer(inNames)), (*unsafe.Pointer)(unsafe.Pointer(ins)), C.uint64_t(nIn),
				(*C.float)(unsafe.Pointer(loss))))
		}
	}
	return api
}

func compiledTable() (*engine.FunctionTable, error) {
	return newTable(compiledAPI(), engine.BackendInfo{Name: Name, Variant: engine.VariantStatic})
}

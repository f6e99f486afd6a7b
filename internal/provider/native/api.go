// Package native adapts engines that export the enginebind C ABI, whether linked into
// the binary at build time or loaded from a shared library at startup. Both variants
// fill the same rawAPI and share one adapter to engine.FunctionTable.
package native

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/SyedDaiam9101/enginebind/internal/engine"
)

// rawAPI mirrors the C ABI one function per symbol. setSeed and trainStep are nil when
// the library does not export them.
type rawAPI struct {
	apiVersion     func() uint32
	createTensor   func(dtype int32, shape *int64, rank uint64, data unsafe.Pointer, nbytes uint64, out *uintptr) int32
	tensorInfo     func(t uintptr, dtype *int32, shape *int64, capacity uint64, rank *uint64) int32
	tensorData     func(t uintptr, data *unsafe.Pointer, nbytes *uint64) int32
	releaseTensor  func(t uintptr)
	createSession  func(path string, threads int32, out *uintptr) int32
	releaseSession func(s uintptr)
	run            func(s uintptr, inNames *byte, ins *uintptr, nIn uint64, outNames *byte, nOut uint64, outs *uintptr) int32
	lastError      func() string
	setSeed        func(seed int64) int32
	trainStep      func(s uintptr, inNames *byte, ins *uintptr, nIn uint64, loss *float32) int32
}

func (a *rawAPI) fail(c engine.Capability, rc int32) error {
	msg := a.lastError()
	if msg == "" {
		msg = "engine returned an error without a message"
	}
	return &engine.EngineError{Capability: c, Code: rc, Message: msg}
}

// checkVersion rejects a library built against another ABI.
func checkVersion(api *rawAPI, path string) (uint32, error) {
	v := api.apiVersion()
	if v != engine.ABIVersion {
		return v, &engine.LoadError{
			Path: path,
			Err:  fmt.Errorf("engine reports ABI version %d, this binary speaks %d", v, engine.ABIVersion),
		}
	}
	return v, nil
}

// newTable adapts api to a function table. The returned table passes Validate.
func newTable(api *rawAPI, info engine.BackendInfo) (*engine.FunctionTable, error) {
	v, err := checkVersion(api, info.Path)
	if err != nil {
		return nil, err
	}
	info.Version = fmt.Sprintf("abi-%d", v)

	t := &engine.FunctionTable{
		Backend:    info,
		APIVersion: api.apiVersion,
		CreateTensor: func(dtype engine.DataType, shape engine.Shape, data []byte) (engine.Tensor, error) {
			if len(shape) == 0 || len(data) == 0 {
				return 0, &engine.InvalidArgumentError{Capability: engine.CapCreateTensor, Reason: "empty tensor"}
			}
			var out uintptr
			rc := api.createTensor(int32(dtype), &shape[0], uint64(len(shape)),
				unsafe.Pointer(&data[0]), uint64(len(data)), &out)
			runtime.KeepAlive(shape)
			runtime.KeepAlive(data)
			if rc != 0 {
				return 0, api.fail(engine.CapCreateTensor, rc)
			}
			return engine.Tensor(out), nil
		},
		TensorInfo: func(t engine.Tensor) (engine.DataType, engine.Shape, error) {
			var (
				dtype int32
				rank  uint64
			)
			shape := make([]int64, engine.MaxRank)
			if rc := api.tensorInfo(uintptr(t), &dtype, &shape[0], engine.MaxRank, &rank); rc != 0 {
				return 0, nil, api.fail(engine.CapTensorInfo, rc)
			}
			if rank > engine.MaxRank {
				return 0, nil, &engine.EngineError{
					Capability: engine.CapTensorInfo,
					Message:    fmt.Sprintf("rank %d exceeds %d", rank, engine.MaxRank),
				}
			}
			return engine.DataType(dtype), engine.Shape(shape[:rank]), nil
		},
		TensorData: func(t engine.Tensor) ([]byte, error) {
			var (
				p unsafe.Pointer
				n uint64
			)
			if rc := api.tensorData(uintptr(t), &p, &n); rc != 0 {
				return nil, api.fail(engine.CapTensorData, rc)
			}
			if n == 0 || p == nil {
				return []byte{}, nil
			}
			// engine-owned memory; copy before the tensor can be released
			return append([]byte(nil), unsafe.Slice((*byte)(p), n)...), nil
		},
		ReleaseTensor: func(t engine.Tensor) error {
			if t != 0 {
				api.releaseTensor(uintptr(t))
			}
			return nil
		},
		CreateSession: func(modelPath string, opts engine.SessionOptions) (engine.Session, error) {
			var out uintptr
			if rc := api.createSession(modelPath, int32(opts.Threads), &out); rc != 0 {
				return 0, api.fail(engine.CapCreateSession, rc)
			}
			return engine.Session(out), nil
		},
		ReleaseSession: func(s engine.Session) error {
			if s != 0 {
				api.releaseSession(uintptr(s))
			}
			return nil
		},
		Run: func(s engine.Session, inputs []engine.NamedTensor, outputNames []string) ([]engine.Tensor, error) {
			inNames, ins := splitInputs(inputs)
			outNames := engine.PackNames(outputNames)
			outs := make([]uintptr, len(outputNames)+1)
			rc := api.run(uintptr(s), &inNames[0], &ins[0], uint64(len(inputs)),
				&outNames[0], uint64(len(outputNames)), &outs[0])
			runtime.KeepAlive(inNames)
			runtime.KeepAlive(ins)
			runtime.KeepAlive(outNames)
			if rc != 0 {
				return nil, api.fail(engine.CapRun, rc)
			}
			tensors := make([]engine.Tensor, len(outputNames))
			for i := range tensors {
				tensors[i] = engine.Tensor(outs[i])
			}
			return tensors, nil
		},
	}

	if api.setSeed != nil {
		t.SetSeed = func(seed int64) error {
			if rc := api.setSeed(seed); rc != 0 {
				return api.fail(engine.CapSetSeed, rc)
			}
			return nil
		}
	}
	if api.trainStep != nil {
		t.TrainStep = func(s engine.Session, inputs []engine.NamedTensor) (float32, error) {
			inNames, ins := splitInputs(inputs)
			var loss float32
			rc := api.trainStep(uintptr(s), &inNames[0], &ins[0], uint64(len(inputs)), &loss)
			runtime.KeepAlive(inNames)
			runtime.KeepAlive(ins)
			if rc != 0 {
				return 0, api.fail(engine.CapTrainStep, rc)
			}
			return loss, nil
		}
	}
	t.StubUnsupported()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// splitInputs packs input names and handles for the ABI. Both slices are non-empty so
// their first element can always be addressed.
func splitInputs(inputs []engine.NamedTensor) ([]byte, []uintptr) {
	names := make([]string, len(inputs))
	handles := make([]uintptr, len(inputs)+1)
	for i, in := range inputs {
		names[i] = in.Name
		handles[i] = uintptr(in.Tensor)
	}
	return engine.PackNames(names), handles
}

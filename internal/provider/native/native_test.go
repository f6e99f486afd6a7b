package native

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"unsafe"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/SyedDaiam9101/enginebind/internal/engine"
	"github.com/SyedDaiam9101/enginebind/internal/loader"
)

type fakeTensor struct {
	dtype int32
	shape []int64
	data  []byte
}

// fakeEngine implements the C ABI in Go: Run copies its first input to every output.
type fakeEngine struct {
	version uint32
	next    uintptr
	tensors map[uintptr]*fakeTensor
	lastErr string
	seed    int64
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{version: engine.ABIVersion, next: 1, tensors: make(map[uintptr]*fakeTensor)}
}

func (f *fakeEngine) api(withTraining bool) *rawAPI {
	api := &rawAPI{
		apiVersion: func() uint32 { return f.version },
		createTensor: func(dtype int32, shape *int64, rank uint64, data unsafe.Pointer, nbytes uint64, out *uintptr) int32 {
			if dtype == int32(engine.Bool) {
				f.lastErr = "bool tensors not supported"
				return 3
			}
			t := &fakeTensor{
				dtype: dtype,
				shape: append([]int64(nil), unsafe.Slice(shape, rank)...),
				data:  append([]byte(nil), unsafe.Slice((*byte)(data), nbytes)...),
			}
			f.tensors[f.next] = t
			*out = f.next
			f.next++
			return 0
		},
		tensorInfo: func(h uintptr, dtype *int32, shape *int64, capacity uint64, rank *uint64) int32 {
			t, ok := f.tensors[h]
			if !ok {
				f.lastErr = "unknown tensor"
				return 1
			}
			*dtype = t.dtype
			copy(unsafe.Slice(shape, capacity), t.shape)
			*rank = uint64(len(t.shape))
			return 0
		},
		tensorData: func(h uintptr, data *unsafe.Pointer, nbytes *uint64) int32 {
			t, ok := f.tensors[h]
			if !ok {
				f.lastErr = "unknown tensor"
				return 1
			}
			*data = unsafe.Pointer(&t.data[0])
			*nbytes = uint64(len(t.data))
			return 0
		},
		releaseTensor: func(h uintptr) { delete(f.tensors, h) },
		createSession: func(path string, threads int32, out *uintptr) int32 {
			if path == "missing.onnx" {
				f.lastErr = "cannot open " + path
				return 2
			}
			*out = 0xbeef
			return 0
		},
		releaseSession: func(uintptr) {},
		run: func(s uintptr, inNames *byte, ins *uintptr, nIn uint64, outNames *byte, nOut uint64, outs *uintptr) int32 {
			if nIn == 0 {
				f.lastErr = "no inputs"
				return 4
			}
			src := f.tensors[unsafe.Slice(ins, nIn)[0]]
			dst := unsafe.Slice(outs, nOut)
			for i := range dst {
				c := *src
				c.data = append([]byte(nil), src.data...)
				f.tensors[f.next] = &c
				dst[i] = f.next
				f.next++
			}
			return 0
		},
		lastError: func() string { return f.lastErr },
	}
	if withTraining {
		api.setSeed = func(seed int64) int32 { f.seed = seed; return 0 }
		api.trainStep = func(s uintptr, inNames *byte, ins *uintptr, nIn uint64, loss *float32) int32 {
			*loss = 0.25
			return 0
		}
	}
	return api
}

func float32Bytes(vals ...float32) []byte {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

func TestNewTable_RoundTrip(t *testing.T) {
	f := newFakeEngine()
	tbl, err := newTable(f.api(false), engine.BackendInfo{Name: Name, Variant: engine.VariantDynamic})
	if err != nil {
		t.Fatalf("newTable: %v", err)
	}
	if err := tbl.Validate(); err != nil {
		t.Fatalf("table incomplete: %v", err)
	}

	in, err := tbl.CreateTensor(engine.Float32, engine.Shape{1, 3}, float32Bytes(1, 2, 3))
	if err != nil {
		t.Fatalf("CreateTensor: %v", err)
	}
	s, err := tbl.CreateSession("model.onnx", engine.SessionOptions{Threads: 1})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	outs, err := tbl.Run(s, []engine.NamedTensor{{Name: "x", Tensor: in}}, []string{"y", "z"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(outs) != 2 {
		t.Fatalf("got %d outputs", len(outs))
	}
	dtype, shape, err := tbl.TensorInfo(outs[0])
	if err != nil || dtype != engine.Float32 || shape.String() != "[1,3]" {
		t.Errorf("TensorInfo = %s %s %v", dtype, shape, err)
	}
	data, err := tbl.TensorData(outs[1])
	if err != nil || string(data) != string(float32Bytes(1, 2, 3)) {
		t.Errorf("TensorData = %v, %v", data, err)
	}
	for _, h := range append(outs, in) {
		if err := tbl.ReleaseTensor(h); err != nil {
			t.Errorf("ReleaseTensor: %v", err)
		}
	}
	if len(f.tensors) != 0 {
		t.Errorf("%d tensors leaked", len(f.tensors))
	}
	if err := tbl.ReleaseSession(s); err != nil {
		t.Errorf("ReleaseSession: %v", err)
	}
}

func TestNewTable_EngineErrorsCarryLastError(t *testing.T) {
	tbl, err := newTable(newFakeEngine().api(false), engine.BackendInfo{Name: Name})
	if err != nil {
		t.Fatal(err)
	}
	_, err = tbl.CreateSession("missing.onnx", engine.SessionOptions{})
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		t.Fatalf("expected EngineError, got %v", err)
	}
	if ee.Code != 2 || ee.Message != "cannot open missing.onnx" || ee.Capability != engine.CapCreateSession {
		t.Errorf("got %+v", ee)
	}
}

func TestNewTable_VersionMismatch(t *testing.T) {
	f := newFakeEngine()
	f.version = engine.ABIVersion + 1
	_, err := newTable(f.api(false), engine.BackendInfo{Name: Name, Path: "/opt/libenginebind.so"})
	var le *engine.LoadError
	if !errors.As(err, &le) {
		t.Fatalf("expected LoadError, got %v", err)
	}
	if le.Path != "/opt/libenginebind.so" {
		t.Errorf("path = %s", le.Path)
	}
}

func TestNewTable_OptionalTraining(t *testing.T) {
	tbl, err := newTable(newFakeEngine().api(false), engine.BackendInfo{Name: Name})
	if err != nil {
		t.Fatal(err)
	}
	if err := tbl.SetSeed(7); !engine.IsUnsupported(err) {
		t.Errorf("SetSeed without symbol: %v", err)
	}
	if len(tbl.Backend.Unsupported) != 2 {
		t.Errorf("unsupported = %v", tbl.Backend.UnsupportedNames())
	}

	f := newFakeEngine()
	tbl, err = newTable(f.api(true), engine.BackendInfo{Name: Name})
	if err != nil {
		t.Fatal(err)
	}
	if err := tbl.SetSeed(7); err != nil || f.seed != 7 {
		t.Errorf("SetSeed: %v (seed %d)", err, f.seed)
	}
	in, _ := tbl.CreateTensor(engine.Float32, engine.Shape{1}, float32Bytes(1))
	loss, err := tbl.TrainStep(1, []engine.NamedTensor{{Name: "x", Tensor: in}})
	if err != nil || loss != 0.25 {
		t.Errorf("TrainStep = %v, %v", loss, err)
	}
	if len(tbl.Backend.Unsupported) != 0 {
		t.Errorf("unsupported = %v", tbl.Backend.UnsupportedNames())
	}
}

func TestStatic_NotBuilt(t *testing.T) {
	if StaticBuilt() {
		t.Skip("binary links the engine statically")
	}
	if Compiled() != nil {
		t.Error("Compiled() returned a table without a static build")
	}
	_, err := NewStatic("/build/Release/libenginebind.a").Table(context.Background())
	var nb *engine.StaticNotBuiltError
	if !errors.As(err, &nb) {
		t.Fatalf("expected StaticNotBuiltError, got %v", err)
	}
	if nb.Archive != "/build/Release/libenginebind.a" {
		t.Errorf("archive = %s", nb.Archive)
	}
}

func TestDynamic_ReportsEveryMissingSymbol(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/opt/libenginebind.so", []byte("elf"), 0o755); err != nil {
		t.Fatal(err)
	}
	// exports everything except run and last_error
	opener := loader.OpenerFunc(func(string) (loader.Library, error) {
		return fakeLib{missing: map[string]bool{engine.SymRun: true, engine.SymLastError: true}}, nil
	})
	l := loader.New(loader.WithOpener(opener), loader.WithFs(fs))

	_, err := NewDynamic("/opt/libenginebind.so", l, zerolog.Nop()).Table(context.Background())
	names, ok := engine.MissingSymbols(err)
	if !ok {
		t.Fatalf("expected SymbolMissingError, got %v", err)
	}
	if len(names) != 2 || names[0] != engine.SymRun || names[1] != engine.SymLastError {
		t.Errorf("missing = %v", names)
	}
}

func TestDynamic_NotFound(t *testing.T) {
	l := loader.New(loader.WithFs(afero.NewMemMapFs()))
	_, err := NewDynamic("/opt/nothing.so", l, zerolog.Nop()).Table(context.Background())
	var nf *engine.LibraryNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected LibraryNotFoundError, got %v", err)
	}
}

func TestDynamic_CloseWithoutTable(t *testing.T) {
	d := NewDynamic("/opt/nothing.so", loader.New(loader.WithFs(afero.NewMemMapFs())), zerolog.Nop())
	if err := d.Close(context.Background()); err != nil {
		t.Errorf("Close before Table: %v", err)
	}
	if _, err := d.Table(context.Background()); err == nil {
		t.Fatal("expected load error")
	}
	if err := d.Close(context.Background()); err != nil {
		t.Errorf("Close after failed Table: %v", err)
	}
}

type fakeLib struct {
	missing map[string]bool
}

func (f fakeLib) Lookup(name string) (uintptr, error) {
	if f.missing[name] {
		return 0, errors.New("undefined symbol")
	}
	return 0x1000, nil
}

func (fakeLib) Close() error { return nil }

// Package wasm hosts an engine compiled to WebAssembly with wazero. The guest exports
// the enginebind ABI in wasm32 form: pointers, sizes and handles are i32, ranks are i32
// and shapes are arrays of little-endian i64. Model bytes are read by the host and
// copied into guest memory, so the guest needs no filesystem access.
//
//	enginebind_alloc(size) -> ptr
//	enginebind_free(ptr, size)
//	enginebind_create_session(model_ptr, model_len, threads, out_ptr) -> status
//	enginebind_last_error() -> ptr to a NUL-terminated string
//
// The remaining exports follow the native signatures with the substitutions above.
package wasm

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/SyedDaiam9101/enginebind/internal/engine"
	"github.com/SyedDaiam9101/enginebind/internal/metrics"
)

// Name is reported in BackendInfo.
const Name = "wasm"

const (
	exportMemory = "memory"
	symAlloc     = "enginebind_alloc"
	symFree      = "enginebind_free"

	maxErrorLen = 4096
)

// RequiredExports lists the exports a guest must provide, memory included.
func RequiredExports() []string {
	return append(engine.RequiredSymbols(), symAlloc, symFree, exportMemory)
}

// Engine runs one guest instance. Calls into the guest are serialized.
type Engine struct {
	path        string
	fs          afero.Fs
	log         zerolog.Logger
	memoryPages uint32

	mu  sync.Mutex
	ctx context.Context
	rt  wazero.Runtime
	mod api.Module
	mem api.Memory
}

// Option configures an Engine.
type Option func(*Engine)

// WithFs sets the filesystem the module and models are read from.
func WithFs(fs afero.Fs) Option { return func(e *Engine) { e.fs = fs } }

// WithLogger installs a structured logger.
func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithMemoryLimitPages caps guest memory in 64KiB pages.
func WithMemoryLimitPages(n uint32) Option { return func(e *Engine) { e.memoryPages = n } }

// New creates a provider for the module at path. Nothing is compiled until Table.
func New(path string, opts ...Option) *Engine {
	e := &Engine{path: path, fs: afero.NewOsFs(), log: zerolog.Nop()}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Name() string { return Name }

func (e *Engine) Variant() engine.Variant { return engine.VariantAlternative }

// Close tears the guest down. Tables produced by this engine are unusable afterwards.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rt == nil {
		return nil
	}
	err := e.rt.Close(ctx)
	e.rt, e.mod, e.mem = nil, nil, nil
	return err
}

// Table compiles and instantiates the guest and returns its function table.
func (e *Engine) Table(ctx context.Context) (*engine.FunctionTable, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mod != nil {
		return nil, fmt.Errorf("wasm engine %s already instantiated", e.path)
	}

	start := time.Now()
	err := e.instantiate(ctx)
	metrics.RecordLibraryLoad(time.Since(start).Seconds(), err)
	if err != nil {
		return nil, err
	}

	v, err := e.apiVersion()
	if err == nil && v != engine.ABIVersion {
		err = fmt.Errorf("guest reports ABI version %d, this binary speaks %d", v, engine.ABIVersion)
	}
	if err != nil {
		e.rt.Close(ctx)
		e.rt, e.mod, e.mem = nil, nil, nil
		return nil, &engine.LoadError{Path: e.path, Err: err}
	}

	t := &engine.FunctionTable{
		Backend: engine.BackendInfo{
			Name:    Name,
			Variant: engine.VariantAlternative,
			Path:    e.path,
			Version: fmt.Sprintf("abi-%d", v),
		},
		APIVersion:     func() uint32 { return v },
		CreateTensor:   e.createTensor,
		TensorInfo:     e.tensorInfo,
		TensorData:     e.tensorData,
		ReleaseTensor:  e.releaseTensor,
		CreateSession:  e.createSession,
		ReleaseSession: e.releaseSession,
		Run:            e.run,
	}
	if e.mod.ExportedFunction(engine.SymSetSeed) != nil {
		t.SetSeed = e.setSeed
	}
	t.StubUnsupported()
	if err := t.Validate(); err != nil {
		e.rt.Close(ctx)
		e.rt, e.mod, e.mem = nil, nil, nil
		return nil, err
	}
	e.log.Info().Str("path", e.path).Dur("took", time.Since(start)).Msg("wasm engine instantiated")
	return t, nil
}

func (e *Engine) instantiate(ctx context.Context) error {
	b, err := afero.ReadFile(e.fs, e.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &engine.LibraryNotFoundError{Path: e.path}
	}
	if err != nil {
		return &engine.LoadError{Path: e.path, Err: err}
	}

	cfg := wazero.NewRuntimeConfig()
	if e.memoryPages > 0 {
		cfg = cfg.WithMemoryLimitPages(e.memoryPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	fail := func(err error) error {
		rt.Close(ctx)
		return err
	}

	compiled, err := rt.CompileModule(ctx, b)
	if err != nil {
		return fail(&engine.LoadError{Path: e.path, Err: err})
	}
	if missing := missingExports(compiled); len(missing) > 0 {
		return fail(&engine.SymbolMissingError{Path: e.path, Names: missing})
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return fail(&engine.LoadError{Path: e.path, Err: err})
	}
	mod, err := rt.InstantiateModule(ctx, compiled,
		wazero.NewModuleConfig().WithName("enginebind").WithStartFunctions("_initialize"))
	if err != nil {
		return fail(&engine.LoadError{Path: e.path, Err: err})
	}

	e.ctx = context.Background()
	e.rt, e.mod, e.mem = rt, mod, mod.Memory()
	return nil
}

// missingExports checks every required export before anything is instantiated.
func missingExports(m wazero.CompiledModule) []string {
	funcs := m.ExportedFunctions()
	var missing []string
	for _, name := range RequiredExports() {
		if name == exportMemory {
			if _, ok := m.ExportedMemories()[name]; !ok {
				missing = append(missing, name)
			}
			continue
		}
		if _, ok := funcs[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

func (e *Engine) call(name string, args ...uint64) ([]uint64, error) {
	if e.mod == nil {
		return nil, fmt.Errorf("wasm engine %s is closed", e.path)
	}
	fn := e.mod.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("export %s not found", name)
	}
	return fn.Call(e.ctx, args...)
}

// status calls a status-returning export and turns a non-zero status into an error.
func (e *Engine) status(c engine.Capability, name string, args ...uint64) error {
	res, err := e.call(name, args...)
	if err != nil {
		return &engine.EngineError{Capability: c, Message: err.Error()}
	}
	if len(res) == 1 && int32(res[0]) != 0 {
		return &engine.EngineError{Capability: c, Code: int32(res[0]), Message: e.lastError()}
	}
	return nil
}

func (e *Engine) lastError() string {
	res, err := e.call(engine.SymLastError)
	if err != nil || len(res) == 0 || res[0] == 0 {
		return "guest returned an error without a message"
	}
	ptr := uint32(res[0])
	n := maxErrorLen
	if size := e.mem.Size(); ptr >= size {
		return "guest error pointer out of range"
	} else if rem := int(size - ptr); rem < n {
		n = rem
	}
	b, _ := e.mem.Read(ptr, uint32(n))
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func (e *Engine) apiVersion() (uint32, error) {
	res, err := e.call(engine.SymAPIVersion)
	if err != nil {
		return 0, err
	}
	if len(res) != 1 {
		return 0, fmt.Errorf("%s returned %d values", engine.SymAPIVersion, len(res))
	}
	return uint32(res[0]), nil
}

// scratch tracks guest allocations made for one call.
type scratch struct {
	e      *Engine
	allocs [][2]uint32
}

func (s *scratch) alloc(n uint32) (uint32, error) {
	if n == 0 {
		n = 1
	}
	res, err := s.e.call(symAlloc, uint64(n))
	if err != nil {
		return 0, err
	}
	if len(res) != 1 || res[0] == 0 {
		return 0, fmt.Errorf("guest allocation of %d bytes failed", n)
	}
	ptr := uint32(res[0])
	s.allocs = append(s.allocs, [2]uint32{ptr, n})
	return ptr, nil
}

func (s *scratch) put(b []byte) (uint32, error) {
	ptr, err := s.alloc(uint32(len(b)))
	if err != nil {
		return 0, err
	}
	if len(b) > 0 && !s.e.mem.Write(ptr, b) {
		return 0, fmt.Errorf("write of %d bytes at %#x out of range", len(b), ptr)
	}
	return ptr, nil
}

func (s *scratch) u32(ptr uint32) (uint32, error) {
	v, ok := s.e.mem.ReadUint32Le(ptr)
	if !ok {
		return 0, fmt.Errorf("read at %#x out of range", ptr)
	}
	return v, nil
}

func (s *scratch) release() {
	for _, a := range s.allocs {
		s.e.call(symFree, uint64(a[0]), uint64(a[1]))
	}
	s.allocs = nil
}

func (e *Engine) newScratch() *scratch { return &scratch{e: e} }

func marshalFail(c engine.Capability, err error) error {
	return &engine.EngineError{Capability: c, Message: err.Error()}
}

func (e *Engine) createTensor(dtype engine.DataType, shape engine.Shape, data []byte) (engine.Tensor, error) {
	const c = engine.CapCreateTensor
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.newScratch()
	defer s.release()

	shapeBuf := make([]byte, 8*len(shape))
	for i, d := range shape {
		binary.LittleEndian.PutUint64(shapeBuf[i*8:], uint64(d))
	}
	sp, err := s.put(shapeBuf)
	if err != nil {
		return 0, marshalFail(c, err)
	}
	dp, err := s.put(data)
	if err != nil {
		return 0, marshalFail(c, err)
	}
	op, err := s.alloc(4)
	if err != nil {
		return 0, marshalFail(c, err)
	}
	if err := e.status(c, engine.SymCreateTensor,
		uint64(uint32(dtype)), uint64(sp), uint64(len(shape)), uint64(dp), uint64(len(data)), uint64(op)); err != nil {
		return 0, err
	}
	h, err := s.u32(op)
	if err != nil {
		return 0, marshalFail(c, err)
	}
	return engine.Tensor(h), nil
}

func (e *Engine) tensorInfo(t engine.Tensor) (engine.DataType, engine.Shape, error) {
	const c = engine.CapTensorInfo
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.newScratch()
	defer s.release()

	dp, err := s.alloc(4)
	if err != nil {
		return 0, nil, marshalFail(c, err)
	}
	sp, err := s.alloc(8 * engine.MaxRank)
	if err != nil {
		return 0, nil, marshalFail(c, err)
	}
	rp, err := s.alloc(4)
	if err != nil {
		return 0, nil, marshalFail(c, err)
	}
	if err := e.status(c, engine.SymTensorInfo,
		uint64(t), uint64(dp), uint64(sp), engine.MaxRank, uint64(rp)); err != nil {
		return 0, nil, err
	}
	dtype, err := s.u32(dp)
	if err != nil {
		return 0, nil, marshalFail(c, err)
	}
	rank, err := s.u32(rp)
	if err != nil {
		return 0, nil, marshalFail(c, err)
	}
	if rank > engine.MaxRank {
		return 0, nil, marshalFail(c, fmt.Errorf("rank %d exceeds %d", rank, engine.MaxRank))
	}
	raw, ok := e.mem.Read(sp, 8*rank)
	if !ok {
		return 0, nil, marshalFail(c, fmt.Errorf("shape read out of range"))
	}
	shape := make(engine.Shape, rank)
	for i := range shape {
		shape[i] = int64(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return engine.DataType(int32(dtype)), shape, nil
}

func (e *Engine) tensorData(t engine.Tensor) ([]byte, error) {
	const c = engine.CapTensorData
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.newScratch()
	defer s.release()

	pp, err := s.alloc(4)
	if err != nil {
		return nil, marshalFail(c, err)
	}
	np, err := s.alloc(4)
	if err != nil {
		return nil, marshalFail(c, err)
	}
	if err := e.status(c, engine.SymTensorData, uint64(t), uint64(pp), uint64(np)); err != nil {
		return nil, err
	}
	ptr, err := s.u32(pp)
	if err != nil {
		return nil, marshalFail(c, err)
	}
	n, err := s.u32(np)
	if err != nil {
		return nil, marshalFail(c, err)
	}
	b, ok := e.mem.Read(ptr, n)
	if !ok {
		return nil, marshalFail(c, fmt.Errorf("tensor data out of range"))
	}
	// Read returns a view into guest memory
	return append([]byte(nil), b...), nil
}

func (e *Engine) releaseTensor(t engine.Tensor) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.call(engine.SymReleaseTensor, uint64(t)); err != nil {
		return marshalFail(engine.CapReleaseTensor, err)
	}
	return nil
}

func (e *Engine) createSession(path string, opts engine.SessionOptions) (engine.Session, error) {
	const c = engine.CapCreateSession
	model, err := afero.ReadFile(e.fs, path)
	if err != nil {
		return 0, &engine.EngineError{Capability: c, Message: err.Error()}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.newScratch()
	defer s.release()

	mp, err := s.put(model)
	if err != nil {
		return 0, marshalFail(c, err)
	}
	op, err := s.alloc(4)
	if err != nil {
		return 0, marshalFail(c, err)
	}
	if err := e.status(c, engine.SymCreateSession,
		uint64(mp), uint64(len(model)), uint64(uint32(opts.Threads)), uint64(op)); err != nil {
		return 0, err
	}
	h, err := s.u32(op)
	if err != nil {
		return 0, marshalFail(c, err)
	}
	return engine.Session(h), nil
}

func (e *Engine) releaseSession(sess engine.Session) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.call(engine.SymReleaseSession, uint64(sess)); err != nil {
		return marshalFail(engine.CapReleaseSession, err)
	}
	return nil
}

func (e *Engine) run(sess engine.Session, inputs []engine.NamedTensor, outputNames []string) ([]engine.Tensor, error) {
	const c = engine.CapRun
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.newScratch()
	defer s.release()

	names := make([]string, len(inputs))
	handles := make([]byte, 4*len(inputs))
	for i, in := range inputs {
		names[i] = in.Name
		binary.LittleEndian.PutUint32(handles[i*4:], uint32(in.Tensor))
	}
	inNames, err := s.put(engine.PackNames(names))
	if err != nil {
		return nil, marshalFail(c, err)
	}
	ins, err := s.put(handles)
	if err != nil {
		return nil, marshalFail(c, err)
	}
	outNames, err := s.put(engine.PackNames(outputNames))
	if err != nil {
		return nil, marshalFail(c, err)
	}
	outs, err := s.alloc(uint32(4 * len(outputNames)))
	if err != nil {
		return nil, marshalFail(c, err)
	}
	if err := e.status(c, engine.SymRun, uint64(sess), uint64(inNames), uint64(ins), uint64(len(inputs)),
		uint64(outNames), uint64(len(outputNames)), uint64(outs)); err != nil {
		return nil, err
	}
	result := make([]engine.Tensor, len(outputNames))
	for i := range result {
		h, err := s.u32(outs + uint32(4*i))
		if err != nil {
			return nil, marshalFail(c, err)
		}
		result[i] = engine.Tensor(h)
	}
	return result, nil
}

func (e *Engine) setSeed(seed int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status(engine.CapSetSeed, engine.SymSetSeed, uint64(seed))
}

// Package onnx binds ONNX Runtime, loaded from a shared library at startup, behind the
// engine function table. Float32 and int64 tensors are supported; training is not.
package onnx

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/SyedDaiam9101/enginebind/internal/engine"
	"github.com/SyedDaiam9101/enginebind/internal/loader"
)

// Name is reported in BackendInfo.
const Name = "onnxruntime"

// LibName is the library base name the resolver searches for.
const LibName = "onnxruntime"

// SymGetAPIBase is the entry point every ONNX Runtime build exports.
const SymGetAPIBase = "OrtGetApiBase"

// Execution providers a session can be registered with. CPU is always available and
// needs no registration.
const (
	ProviderCPU      = "cpu"
	ProviderCUDA     = "cuda"
	ProviderTensorRT = "tensorrt"
	ProviderCoreML   = "coreml"
	ProviderDirectML = "directml"
	ProviderOpenVINO = "openvino"
)

// ONNX Runtime keeps one environment per process, bound to the library it was
// initialized from.
var env struct {
	mu   sync.Mutex
	path string
}

// Provider loads ONNX Runtime from path.
type Provider struct {
	path      string
	loader    *loader.Loader
	log       zerolog.Logger
	providers []string

	owns bool
}

// New creates the provider. Relative paths resolve against the executable's directory.
// providers are the execution providers every session registers, in order.
func New(path string, l *loader.Loader, log zerolog.Logger, providers ...string) *Provider {
	if l == nil {
		l = loader.New(loader.WithLogger(log))
	}
	return &Provider{path: path, loader: l, log: log, providers: providers}
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Variant() engine.Variant { return engine.VariantDynamic }

// Table checks the library through the loader, then hands it to onnxruntime_go.
func (p *Provider) Table(ctx context.Context) (*engine.FunctionTable, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkProviders(p.providers); err != nil {
		return nil, err
	}
	set, err := p.loader.Load(p.path, []string{SymGetAPIBase}, nil)
	if err != nil {
		return nil, err
	}
	path := set.Path
	// onnxruntime_go opens the library itself
	set.Close()

	if err := p.initEnvironment(path); err != nil {
		return nil, err
	}

	r := &runtime{
		providers: p.providers,
		next:      1,
		tensors:   make(map[engine.Tensor]*tensor),
		sessions:  make(map[engine.Session]*session),
	}
	t := &engine.FunctionTable{
		Backend: engine.BackendInfo{
			Name:    Name,
			Variant: engine.VariantDynamic,
			Path:    path,
		},
		APIVersion:     func() uint32 { return engine.ABIVersion },
		CreateTensor:   r.createTensor,
		TensorInfo:     r.tensorInfo,
		TensorData:     r.tensorData,
		ReleaseTensor:  r.releaseTensor,
		CreateSession:  r.createSession,
		ReleaseSession: r.releaseSession,
		Run:            r.run,
	}
	t.StubUnsupported()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	p.log.Info().Str("path", path).Msg("onnxruntime initialized")
	return t, nil
}

func (p *Provider) initEnvironment(path string) error {
	env.mu.Lock()
	defer env.mu.Unlock()
	if ort.IsInitialized() {
		return sameLibrary(env.path, path)
	}
	ort.SetSharedLibraryPath(path)
	if err := ort.InitializeEnvironment(); err != nil {
		return &engine.LoadError{Path: path, Err: fmt.Errorf("initialize ONNX environment: %w", err)}
	}
	env.path = path
	p.owns = true
	return nil
}

// sameLibrary fails unless the live environment was initialized from path.
func sameLibrary(current, path string) error {
	if current == "" {
		return &engine.LoadError{Path: path, Err: fmt.Errorf("ONNX Runtime was already initialized from another library")}
	}
	if filepath.Clean(current) != filepath.Clean(path) {
		return &engine.LoadError{Path: path, Err: fmt.Errorf("ONNX Runtime is already initialized from %s", current)}
	}
	return nil
}

// Close destroys the environment this provider initialized. Tables it produced are
// unusable afterwards.
func (p *Provider) Close(context.Context) error {
	if !p.owns {
		return nil
	}
	env.mu.Lock()
	defer env.mu.Unlock()
	p.owns = false
	env.path = ""
	return ort.DestroyEnvironment()
}

func checkProviders(names []string) error {
	for _, n := range names {
		switch n {
		case ProviderCPU, ProviderCUDA, ProviderTensorRT, ProviderCoreML, ProviderDirectML, ProviderOpenVINO:
		default:
			return fmt.Errorf("unknown execution provider %q", n)
		}
	}
	return nil
}

// appendProviders registers names with so, in order.
func appendProviders(so *ort.SessionOptions, names []string) error {
	for _, n := range names {
		var err error
		switch n {
		case ProviderCPU:
		case ProviderCUDA:
			var o *ort.CUDAProviderOptions
			if o, err = ort.NewCUDAProviderOptions(); err == nil {
				err = so.AppendExecutionProviderCUDA(o)
				o.Destroy()
			}
		case ProviderTensorRT:
			var o *ort.TensorRTProviderOptions
			if o, err = ort.NewTensorRTProviderOptions(); err == nil {
				err = so.AppendExecutionProviderTensorRT(o)
				o.Destroy()
			}
		case ProviderCoreML:
			err = so.AppendExecutionProviderCoreML(0)
		case ProviderDirectML:
			err = so.AppendExecutionProviderDirectML(0)
		case ProviderOpenVINO:
			err = so.AppendExecutionProviderOpenVINO(nil)
		default:
			err = fmt.Errorf("unknown execution provider")
		}
		if err != nil {
			return fmt.Errorf("execution provider %s: %w", n, err)
		}
	}
	return nil
}

type tensor struct {
	dtype engine.DataType
	shape engine.Shape
	value ort.ArbitraryTensor
	bytes func() []byte
}

type session struct {
	s            *ort.DynamicAdvancedSession
	inputNames   []string
	outputNames  []string
	outputShapes []engine.Shape
}

type runtime struct {
	providers []string

	mu       sync.Mutex
	next     uintptr
	tensors  map[engine.Tensor]*tensor
	sessions map[engine.Session]*session
}

func (r *runtime) handle() uintptr {
	h := r.next
	r.next++
	return h
}

func newTensor(dtype engine.DataType, shape engine.Shape, data []byte) (*tensor, error) {
	s := ort.NewShape(shape...)
	switch dtype {
	case engine.Float32:
		vals := make([]float32, len(data)/4)
		for i := range vals {
			vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
		t, err := ort.NewTensor(s, vals)
		if err != nil {
			return nil, err
		}
		return &tensor{dtype: dtype, shape: shape, value: t, bytes: func() []byte { return float32Bytes(t.GetData()) }}, nil
	case engine.Int64:
		vals := make([]int64, len(data)/8)
		for i := range vals {
			vals[i] = int64(binary.LittleEndian.Uint64(data[i*8:]))
		}
		t, err := ort.NewTensor(s, vals)
		if err != nil {
			return nil, err
		}
		return &tensor{dtype: dtype, shape: shape, value: t, bytes: func() []byte { return int64Bytes(t.GetData()) }}, nil
	default:
		return nil, fmt.Errorf("data type %s not supported by onnxruntime backend", dtype)
	}
}

func (r *runtime) createTensor(dtype engine.DataType, shape engine.Shape, data []byte) (engine.Tensor, error) {
	if err := engine.CheckBuffer(dtype, shape, data); err != nil {
		return 0, &engine.InvalidArgumentError{Capability: engine.CapCreateTensor, Reason: err.Error()}
	}
	t, err := newTensor(dtype, append(engine.Shape(nil), shape...), data)
	if err != nil {
		return 0, &engine.EngineError{Capability: engine.CapCreateTensor, Message: err.Error()}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h := engine.Tensor(r.handle())
	r.tensors[h] = t
	return h, nil
}

func (r *runtime) lookup(c engine.Capability, h engine.Tensor) (*tensor, error) {
	t, ok := r.tensors[h]
	if !ok {
		return nil, &engine.EngineError{Capability: c, Message: fmt.Sprintf("unknown tensor %d", h)}
	}
	return t, nil
}

func (r *runtime) tensorInfo(h engine.Tensor) (engine.DataType, engine.Shape, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.lookup(engine.CapTensorInfo, h)
	if err != nil {
		return 0, nil, err
	}
	return t.dtype, append(engine.Shape(nil), t.shape...), nil
}

func (r *runtime) tensorData(h engine.Tensor) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.lookup(engine.CapTensorData, h)
	if err != nil {
		return nil, err
	}
	return t.bytes(), nil
}

func (r *runtime) releaseTensor(h engine.Tensor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.lookup(engine.CapReleaseTensor, h)
	if err != nil {
		return err
	}
	delete(r.tensors, h)
	if err := t.value.Destroy(); err != nil {
		return &engine.EngineError{Capability: engine.CapReleaseTensor, Message: err.Error()}
	}
	return nil
}

func (r *runtime) createSession(path string, opts engine.SessionOptions) (engine.Session, error) {
	fail := func(format string, args ...any) (engine.Session, error) {
		return 0, &engine.EngineError{Capability: engine.CapCreateSession, Message: fmt.Sprintf(format, args...)}
	}
	if len(opts.InputNames) == 0 || len(opts.OutputNames) == 0 {
		return fail("input and output names are required")
	}
	if len(opts.OutputShapes) != len(opts.OutputNames) {
		return fail("%d output shapes for %d outputs", len(opts.OutputShapes), len(opts.OutputNames))
	}

	providers := r.providers
	if len(opts.Providers) > 0 {
		providers = opts.Providers
	}
	if err := checkProviders(providers); err != nil {
		return fail("%v", err)
	}
	var so *ort.SessionOptions
	if opts.Threads > 0 || len(providers) > 0 {
		var err error
		so, err = ort.NewSessionOptions()
		if err != nil {
			return fail("session options: %v", err)
		}
		defer so.Destroy()
	}
	if opts.Threads > 0 {
		if err := so.SetIntraOpNumThreads(opts.Threads); err != nil {
			return fail("set threads: %v", err)
		}
	}
	if err := appendProviders(so, providers); err != nil {
		return fail("%v", err)
	}
	s, err := ort.NewDynamicAdvancedSession(path, opts.InputNames, opts.OutputNames, so)
	if err != nil {
		return fail("create ONNX session: %v", err)
	}

	sess := &session{
		s:            s,
		inputNames:   append([]string(nil), opts.InputNames...),
		outputNames:  append([]string(nil), opts.OutputNames...),
		outputShapes: append([]engine.Shape(nil), opts.OutputShapes...),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h := engine.Session(r.handle())
	r.sessions[h] = sess
	return h, nil
}

func (r *runtime) releaseSession(h engine.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[h]
	if !ok {
		return &engine.EngineError{Capability: engine.CapReleaseSession, Message: fmt.Sprintf("unknown session %d", h)}
	}
	delete(r.sessions, h)
	if err := sess.s.Destroy(); err != nil {
		return &engine.EngineError{Capability: engine.CapReleaseSession, Message: err.Error()}
	}
	return nil
}

func (r *runtime) run(h engine.Session, inputs []engine.NamedTensor, outputNames []string) ([]engine.Tensor, error) {
	fail := func(format string, args ...any) ([]engine.Tensor, error) {
		return nil, &engine.EngineError{Capability: engine.CapRun, Message: fmt.Sprintf(format, args...)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[h]
	if !ok {
		return fail("unknown session %d", h)
	}

	// order inputs as the session declared them
	byName := make(map[string]*tensor, len(inputs))
	for _, in := range inputs {
		t, err := r.lookup(engine.CapRun, in.Tensor)
		if err != nil {
			return nil, err
		}
		byName[in.Name] = t
	}
	ins := make([]ort.ArbitraryTensor, len(sess.inputNames))
	var batch int64 = 1
	for i, name := range sess.inputNames {
		t, ok := byName[name]
		if !ok {
			return fail("missing input %q", name)
		}
		if i == 0 {
			batch = t.shape[0]
		}
		ins[i] = t.value
	}

	// ONNX Runtime fills every declared output
	outs := make([]*tensor, len(sess.outputNames))
	destroy := func() {
		for _, o := range outs {
			if o != nil {
				o.value.Destroy()
			}
		}
	}
	values := make([]ort.ArbitraryTensor, len(outs))
	for i, shape := range sess.outputShapes {
		concrete := make(engine.Shape, len(shape))
		for j, d := range shape {
			if d < 0 {
				d = batch
			}
			concrete[j] = d
		}
		t, err := newTensor(engine.Float32, concrete, make([]byte, 4*concrete.Elements()))
		if err != nil {
			destroy()
			return fail("allocate output %q: %v", sess.outputNames[i], err)
		}
		outs[i] = t
		values[i] = t.value
	}
	if err := sess.s.Run(ins, values); err != nil {
		destroy()
		return fail("inference failed: %v", err)
	}

	index := make(map[string]int, len(sess.outputNames))
	for i, n := range sess.outputNames {
		index[n] = i
	}
	handles := make([]engine.Tensor, len(outputNames))
	kept := make(map[int]bool, len(outputNames))
	for i, name := range outputNames {
		j, ok := index[name]
		if !ok || kept[j] {
			destroy()
			for _, hh := range handles[:i] {
				delete(r.tensors, hh)
			}
			return fail("unknown or repeated output %q", name)
		}
		kept[j] = true
		hh := engine.Tensor(r.handle())
		r.tensors[hh] = outs[j]
		handles[i] = hh
	}
	for j, o := range outs {
		if !kept[j] {
			o.value.Destroy()
		}
	}
	return handles, nil
}

func float32Bytes(vals []float32) []byte {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

func int64Bytes(vals []int64) []byte {
	b := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(b[i*8:], uint64(v))
	}
	return b
}

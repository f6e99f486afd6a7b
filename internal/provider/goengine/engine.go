// Package goengine is an alternative backend written in Go. It shares nothing with the
// native engine except the function table: tensors live in Go memory and models are
// small op pipelines described in YAML or JSON. Training is not implemented.
package goengine

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/SyedDaiam9101/enginebind/internal/engine"
)

// Name is reported in BackendInfo.
const Name = "goengine"

// Version of the engine.
const Version = "0.3.0"

type tensor struct {
	dtype engine.DataType
	shape engine.Shape
	data  []byte
}

// Engine holds tensors and sessions behind integer handles. It is safe for concurrent
// use.
type Engine struct {
	mu       sync.Mutex
	next     uintptr
	tensors  map[engine.Tensor]*tensor
	sessions map[engine.Session]*Model

	fs  afero.Fs
	log zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithFs sets the filesystem models are read from.
func WithFs(fs afero.Fs) Option { return func(e *Engine) { e.fs = fs } }

// WithLogger installs a structured logger.
func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.log = l } }

// New creates an empty engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		next:     1,
		tensors:  make(map[engine.Tensor]*tensor),
		sessions: make(map[engine.Session]*Model),
		fs:       afero.NewOsFs(),
		log:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Name() string { return Name }

func (e *Engine) Variant() engine.Variant { return engine.VariantAlternative }

// Table returns the engine's function table.
func (e *Engine) Table(context.Context) (*engine.FunctionTable, error) {
	t := &engine.FunctionTable{
		Backend: engine.BackendInfo{
			Name:    Name,
			Variant: engine.VariantAlternative,
			Version: Version,
		},
		APIVersion:     func() uint32 { return engine.ABIVersion },
		CreateTensor:   e.createTensor,
		TensorInfo:     e.tensorInfo,
		TensorData:     e.tensorData,
		ReleaseTensor:  e.releaseTensor,
		CreateSession:  e.createSession,
		ReleaseSession: e.releaseSession,
		Run:            e.run,
	}
	t.StubUnsupported()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Live returns the number of tensors and sessions not yet released.
func (e *Engine) Live() (tensors, sessions int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tensors), len(e.sessions)
}

func (e *Engine) handle() uintptr {
	h := e.next
	e.next++
	return h
}

func (e *Engine) createTensor(dtype engine.DataType, shape engine.Shape, data []byte) (engine.Tensor, error) {
	if err := engine.CheckBuffer(dtype, shape, data); err != nil {
		return 0, &engine.InvalidArgumentError{Capability: engine.CapCreateTensor, Reason: err.Error()}
	}
	t := &tensor{
		dtype: dtype,
		shape: append(engine.Shape(nil), shape...),
		data:  append([]byte(nil), data...),
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	h := engine.Tensor(e.handle())
	e.tensors[h] = t
	return h, nil
}

func (e *Engine) lookup(c engine.Capability, h engine.Tensor) (*tensor, error) {
	t, ok := e.tensors[h]
	if !ok {
		return nil, &engine.EngineError{Capability: c, Message: fmt.Sprintf("unknown tensor %d", h)}
	}
	return t, nil
}

func (e *Engine) tensorInfo(h engine.Tensor) (engine.DataType, engine.Shape, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.lookup(engine.CapTensorInfo, h)
	if err != nil {
		return 0, nil, err
	}
	return t.dtype, append(engine.Shape(nil), t.shape...), nil
}

func (e *Engine) tensorData(h engine.Tensor) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.lookup(engine.CapTensorData, h)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), t.data...), nil
}

func (e *Engine) releaseTensor(h engine.Tensor) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.lookup(engine.CapReleaseTensor, h); err != nil {
		return err
	}
	delete(e.tensors, h)
	return nil
}

func (e *Engine) createSession(path string, _ engine.SessionOptions) (engine.Session, error) {
	b, err := afero.ReadFile(e.fs, path)
	if err != nil {
		return 0, &engine.EngineError{Capability: engine.CapCreateSession, Message: err.Error()}
	}
	m, err := ParseModel(b)
	if err != nil {
		return 0, &engine.EngineError{Capability: engine.CapCreateSession, Message: fmt.Sprintf("%s: %v", path, err)}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	h := engine.Session(e.handle())
	e.sessions[h] = m
	e.log.Debug().Str("model", path).Str("name", m.Name).Int("ops", len(m.Ops)).Msg("session created")
	return h, nil
}

func (e *Engine) releaseSession(s engine.Session) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sessions[s]; !ok {
		return &engine.EngineError{Capability: engine.CapReleaseSession, Message: fmt.Sprintf("unknown session %d", s)}
	}
	delete(e.sessions, s)
	return nil
}

func (e *Engine) run(s engine.Session, inputs []engine.NamedTensor, outputNames []string) ([]engine.Tensor, error) {
	fail := func(format string, args ...any) error {
		return &engine.EngineError{Capability: engine.CapRun, Message: fmt.Sprintf(format, args...)}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.sessions[s]
	if !ok {
		return nil, fail("unknown session %d", s)
	}
	if len(inputs) == 0 {
		return nil, fail("no inputs")
	}
	in := inputs[0]
	if len(m.Inputs) > 0 {
		found := false
		for _, nt := range inputs {
			if nt.Name == m.Inputs[0] {
				in, found = nt, true
				break
			}
		}
		if !found {
			return nil, fail("missing input %q", m.Inputs[0])
		}
	}
	src, err := e.lookup(engine.CapRun, in.Tensor)
	if err != nil {
		return nil, err
	}
	if src.dtype != engine.Float32 {
		return nil, fail("input %q is %s, want float32", in.Name, src.dtype)
	}
	for _, name := range outputNames {
		if !m.hasOutput(name) {
			return nil, fail("unknown output %q", name)
		}
	}

	x := decodeFloat32(src.data)
	m.apply(x, int(src.shape[len(src.shape)-1]))
	out := encodeFloat32(x)

	handles := make([]engine.Tensor, len(outputNames))
	for i := range outputNames {
		h := engine.Tensor(e.handle())
		e.tensors[h] = &tensor{
			dtype: engine.Float32,
			shape: append(engine.Shape(nil), src.shape...),
			data:  append([]byte(nil), out...),
		}
		handles[i] = h
	}
	return handles, nil
}

func decodeFloat32(b []byte) []float32 {
	x := make([]float32, len(b)/4)
	for i := range x {
		x[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return x
}

func encodeFloat32(x []float32) []byte {
	b := make([]byte, len(x)*4)
	for i, v := range x {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

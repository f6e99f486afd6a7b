// internal/inference/inference.go
package inference

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"github.com/SyedDaiam9101/enginebind/internal/engine"
)

// Dispatcher is the slice of the backend registry that inference needs.
type Dispatcher interface {
	CreateTensor(dtype engine.DataType, shape engine.Shape, data []byte) (engine.Tensor, error)
	TensorData(h engine.Tensor) ([]byte, error)
	ReleaseTensor(h engine.Tensor) error
	CreateSession(modelPath string, opts engine.SessionOptions) (engine.Session, error)
	ReleaseSession(s engine.Session) error
	Run(s engine.Session, inputs []engine.NamedTensor, outputNames []string) ([]engine.Tensor, error)
}

// Options name the model's input and output and size its action.
type Options struct {
	InputName  string
	OutputName string
	ActionDim  int64
	Threads    int
	Logger     zerolog.Logger
}

// Inference runs a model session on whichever backend the registry committed.
// It implements the InferenceEngine interface.
type Inference struct {
	mu      sync.Mutex
	d       Dispatcher
	session engine.Session
	opts    Options
}

// ErrClosed is returned by Predict after Close.
var ErrClosed = errors.New("inference session is closed")

// New opens modelPath on the committed backend. It fails with
// engine.ErrNotInitialized when no backend has been committed.
func New(d Dispatcher, modelPath string, opts Options) (*Inference, error) {
	if opts.InputName == "" {
		opts.InputName = "obs"
	}
	if opts.OutputName == "" {
		opts.OutputName = "action"
	}
	if opts.ActionDim <= 0 {
		opts.ActionDim = 2
	}

	session, err := d.CreateSession(modelPath, engine.SessionOptions{
		Threads:      opts.Threads,
		InputNames:   []string{opts.InputName},
		OutputNames:  []string{opts.OutputName},
		OutputShapes: []engine.Shape{{-1, opts.ActionDim}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	opts.Logger.Info().Str("model", modelPath).Uint64("session", uint64(session)).Msg("inference session created")

	return &Inference{d: d, session: session, opts: opts}, nil
}

// Predict runs batch inference on observations.
// obsBatch: slice of flattened observations, each of length C*H*W
// c, h, w: channel, height, width dimensions
// Returns the flattened output, batch rows of equal length.
func (inf *Inference) Predict(obsBatch [][]float32, c, h, w int64) ([]float32, error) {
	inf.mu.Lock()
	defer inf.mu.Unlock()

	if inf.session == 0 {
		return nil, ErrClosed
	}

	batch := int64(len(obsBatch))
	if batch == 0 {
		return nil, fmt.Errorf("empty observation batch")
	}

	obsSize := c * h * w
	buf := make([]byte, 0, batch*obsSize*4)
	for i, obs := range obsBatch {
		if int64(len(obs)) != obsSize {
			return nil, fmt.Errorf("observation %d has wrong size: got %d, expected %d", i, len(obs), obsSize)
		}
		for _, v := range obs {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}

	input, err := inf.d.CreateTensor(engine.Float32, engine.Shape{batch, c, h, w}, buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inf.release(input)

	outs, err := inf.d.Run(inf.session, []engine.NamedTensor{{Name: inf.opts.InputName, Tensor: input}}, []string{inf.opts.OutputName})
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	if len(outs) == 0 {
		return nil, fmt.Errorf("inference failed: backend returned no outputs")
	}
	for _, o := range outs[1:] {
		inf.release(o)
	}
	defer inf.release(outs[0])

	data, err := inf.d.TensorData(outs[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read output tensor: %w", err)
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("output tensor is not float32: %d bytes", len(data))
	}
	actions := make([]float32, len(data)/4)
	for i := range actions {
		actions[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return actions, nil
}

func (inf *Inference) release(t engine.Tensor) {
	if err := inf.d.ReleaseTensor(t); err != nil {
		inf.opts.Logger.Warn().Err(err).Uint64("tensor", uint64(t)).Msg("release tensor")
	}
}

// Close releases the session. Further Predict calls fail with ErrClosed.
func (inf *Inference) Close() error {
	inf.mu.Lock()
	defer inf.mu.Unlock()

	if inf.session == 0 {
		return nil
	}
	err := inf.d.ReleaseSession(inf.session)
	inf.session = 0
	if err != nil {
		return fmt.Errorf("failed to release session: %w", err)
	}
	return nil
}

// Ensure Inference implements InferenceEngine at compile time
var _ InferenceEngine = (*Inference)(nil)

package registry

import (
	"github.com/SyedDaiam9101/enginebind/internal/engine"
)

// Typed dispatch helpers, one per capability.

func (r *Registry) APIVersion() (uint32, error) {
	var v uint32
	err := r.Dispatch(engine.CapAPIVersion, func(t *engine.FunctionTable) error {
		v = t.APIVersion()
		return nil
	})
	return v, err
}

func (r *Registry) CreateTensor(dtype engine.DataType, shape engine.Shape, data []byte) (engine.Tensor, error) {
	var out engine.Tensor
	err := r.Dispatch(engine.CapCreateTensor, func(t *engine.FunctionTable) error {
		if err := engine.CheckBuffer(dtype, shape, data); err != nil {
			return &engine.InvalidArgumentError{Capability: engine.CapCreateTensor, Reason: err.Error()}
		}
		var err error
		out, err = t.CreateTensor(dtype, shape, data)
		return err
	})
	return out, err
}

func (r *Registry) TensorInfo(h engine.Tensor) (engine.DataType, engine.Shape, error) {
	var (
		dtype engine.DataType
		shape engine.Shape
	)
	err := r.Dispatch(engine.CapTensorInfo, func(t *engine.FunctionTable) error {
		var err error
		dtype, shape, err = t.TensorInfo(h)
		return err
	})
	return dtype, shape, err
}

func (r *Registry) TensorData(h engine.Tensor) ([]byte, error) {
	var data []byte
	err := r.Dispatch(engine.CapTensorData, func(t *engine.FunctionTable) error {
		var err error
		data, err = t.TensorData(h)
		return err
	})
	return data, err
}

func (r *Registry) ReleaseTensor(h engine.Tensor) error {
	return r.Dispatch(engine.CapReleaseTensor, func(t *engine.FunctionTable) error {
		return t.ReleaseTensor(h)
	})
}

func (r *Registry) CreateSession(modelPath string, opts engine.SessionOptions) (engine.Session, error) {
	var s engine.Session
	err := r.Dispatch(engine.CapCreateSession, func(t *engine.FunctionTable) error {
		if modelPath == "" {
			return &engine.InvalidArgumentError{Capability: engine.CapCreateSession, Reason: "model path is empty"}
		}
		var err error
		s, err = t.CreateSession(modelPath, opts)
		return err
	})
	return s, err
}

func (r *Registry) ReleaseSession(s engine.Session) error {
	return r.Dispatch(engine.CapReleaseSession, func(t *engine.FunctionTable) error {
		return t.ReleaseSession(s)
	})
}

func (r *Registry) Run(s engine.Session, inputs []engine.NamedTensor, outputNames []string) ([]engine.Tensor, error) {
	var outs []engine.Tensor
	err := r.Dispatch(engine.CapRun, func(t *engine.FunctionTable) error {
		if len(outputNames) == 0 {
			return &engine.InvalidArgumentError{Capability: engine.CapRun, Reason: "no outputs requested"}
		}
		var err error
		outs, err = t.Run(s, inputs, outputNames)
		return err
	})
	return outs, err
}

func (r *Registry) SetSeed(seed int64) error {
	return r.Dispatch(engine.CapSetSeed, func(t *engine.FunctionTable) error {
		return t.SetSeed(seed)
	})
}

func (r *Registry) TrainStep(s engine.Session, inputs []engine.NamedTensor) (float32, error) {
	var loss float32
	err := r.Dispatch(engine.CapTrainStep, func(t *engine.FunctionTable) error {
		var err error
		loss, err = t.TrainStep(s, inputs)
		return err
	})
	return loss, err
}

package engine

// Stub constructors for capabilities a backend deliberately does not implement.
// Each stub fails with *UnsupportedError on every call.

func UnsupportedSetSeed(backend string) func(int64) error {
	return func(int64) error {
		return &UnsupportedError{Capability: CapSetSeed, Backend: backend}
	}
}

func UnsupportedTrainStep(backend string) func(Session, []NamedTensor) (float32, error) {
	return func(Session, []NamedTensor) (float32, error) {
		return 0, &UnsupportedError{Capability: CapTrainStep, Backend: backend}
	}
}

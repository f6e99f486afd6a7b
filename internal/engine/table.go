package engine

// BackendInfo describes the backend behind a table. It is informational only.
type BackendInfo struct {
	Name        string       `json:"name"`
	Variant     Variant      `json:"variant"`
	Path        string       `json:"path,omitempty"`
	Version     string       `json:"version,omitempty"`
	Unsupported []Capability `json:"-"`
}

// UnsupportedNames returns the stubbed capabilities by name.
func (b BackendInfo) UnsupportedNames() []string {
	names := make([]string, len(b.Unsupported))
	for i, c := range b.Unsupported {
		names[i] = c.String()
	}
	return names
}

// FunctionTable is the fixed set of entry points a backend must provide.
// A table is only usable once Validate succeeds; a backend that cannot implement a
// capability installs a stub built by the Unsupported helpers instead of leaving nil.
type FunctionTable struct {
	Backend BackendInfo

	APIVersion     func() uint32
	CreateTensor   func(dtype DataType, shape Shape, data []byte) (Tensor, error)
	TensorInfo     func(t Tensor) (DataType, Shape, error)
	TensorData     func(t Tensor) ([]byte, error)
	ReleaseTensor  func(t Tensor) error
	CreateSession  func(modelPath string, opts SessionOptions) (Session, error)
	ReleaseSession func(s Session) error
	// Run returns one freshly created tensor per requested output name. The caller
	// releases them.
	Run       func(s Session, inputs []NamedTensor, outputNames []string) ([]Tensor, error)
	SetSeed   func(seed int64) error
	TrainStep func(s Session, inputs []NamedTensor) (float32, error)
}

func (t *FunctionTable) has(c Capability) bool {
	switch c {
	case CapAPIVersion:
		return t.APIVersion != nil
	case CapCreateTensor:
		return t.CreateTensor != nil
	case CapTensorInfo:
		return t.TensorInfo != nil
	case CapTensorData:
		return t.TensorData != nil
	case CapReleaseTensor:
		return t.ReleaseTensor != nil
	case CapCreateSession:
		return t.CreateSession != nil
	case CapReleaseSession:
		return t.ReleaseSession != nil
	case CapRun:
		return t.Run != nil
	case CapSetSeed:
		return t.SetSeed != nil
	case CapTrainStep:
		return t.TrainStep != nil
	}
	return false
}

// Missing lists the capabilities whose slot is empty.
func (t *FunctionTable) Missing() []Capability {
	var missing []Capability
	for _, c := range Capabilities() {
		if !t.has(c) {
			missing = append(missing, c)
		}
	}
	return missing
}

// Validate fails with *IncompleteTableError when any slot is empty.
func (t *FunctionTable) Validate() error {
	if t == nil {
		return &IncompleteTableError{Missing: Capabilities()}
	}
	if missing := t.Missing(); len(missing) > 0 {
		return &IncompleteTableError{Backend: t.Backend.Name, Missing: missing}
	}
	return nil
}

// Clone returns a shallow copy. Entries are funcs and never mutated, so the copy is
// as good as a deep one for dispatch.
func (t *FunctionTable) Clone() *FunctionTable {
	c := *t
	c.Backend.Unsupported = append([]Capability(nil), t.Backend.Unsupported...)
	return &c
}

// StubUnsupported fills every empty optional slot with an Unsupported stub and records
// it in Backend.Unsupported. Required slots are left alone so Validate still rejects
// them.
func (t *FunctionTable) StubUnsupported() {
	name := t.Backend.Name
	if t.SetSeed == nil {
		t.SetSeed = UnsupportedSetSeed(name)
		t.Backend.Unsupported = append(t.Backend.Unsupported, CapSetSeed)
	}
	if t.TrainStep == nil {
		t.TrainStep = UnsupportedTrainStep(name)
		t.Backend.Unsupported = append(t.Backend.Unsupported, CapTrainStep)
	}
}

package goengine

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Model is an op pipeline applied to the first float32 input. JSON documents parse as
// well since they are valid YAML.
//
//	name: policy
//	inputs: [obs]
//	outputs: [action]
//	ops:
//	  - op: scale
//	    value: 0.5
//	  - op: softmax
type Model struct {
	Name    string   `yaml:"name"`
	Inputs  []string `yaml:"inputs"`
	Outputs []string `yaml:"outputs"`
	Ops     []Op     `yaml:"ops"`
}

// Op is one pipeline step.
type Op struct {
	Op    string  `yaml:"op"`
	Value float32 `yaml:"value"`
}

// ParseModel decodes and validates a model document.
func ParseModel(b []byte) (*Model, error) {
	var m Model
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	for i, op := range m.Ops {
		if _, ok := Catalog[op.Op]; !ok {
			return nil, fmt.Errorf("op %d: unknown op %q", i, op.Op)
		}
	}
	return &m, nil
}

func (m *Model) hasOutput(name string) bool {
	if len(m.Outputs) == 0 {
		return true
	}
	for _, o := range m.Outputs {
		if o == name {
			return true
		}
	}
	return false
}

// apply runs the pipeline over x in place.
func (m *Model) apply(x []float32, row int) {
	for _, op := range m.Ops {
		Catalog[op.Op](x, row, op.Value)
	}
}

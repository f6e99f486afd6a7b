// Package provider defines the backend variants that can produce a function table.
// Call sites depend on Provider only; the registry never sees a concrete variant.
package provider

import (
	"context"

	"github.com/SyedDaiam9101/enginebind/internal/engine"
)

// Provider produces a complete function table for one backend. Table either returns a
// table that passes Validate or an error; it never returns a sparse table.
type Provider interface {
	Name() string
	Variant() engine.Variant
	Table(ctx context.Context) (*engine.FunctionTable, error)
}

// Closer is implemented by providers that hold a library or runtime for the tables
// they produce. Close is only called for a table that was never committed.
type Closer interface {
	Close(ctx context.Context) error
}

// FromTable wraps a table built elsewhere, for the backend-swap entry point.
func FromTable(t *engine.FunctionTable) Provider {
	return tableProvider{t: t}
}

type tableProvider struct {
	t *engine.FunctionTable
}

func (p tableProvider) Name() string {
	if p.t == nil {
		return ""
	}
	return p.t.Backend.Name
}

func (p tableProvider) Variant() engine.Variant {
	if p.t == nil || p.t.Backend.Variant == "" {
		return engine.VariantAlternative
	}
	return p.t.Backend.Variant
}

func (p tableProvider) Table(context.Context) (*engine.FunctionTable, error) {
	if err := p.t.Validate(); err != nil {
		return nil, err
	}
	return p.t, nil
}

package native

import (
	"context"
	"errors"
	"sync"

	"github.com/SyedDaiam9101/enginebind/internal/engine"
)

// StaticBuilt reports whether this binary links the engine statically.
func StaticBuilt() bool { return staticBuilt }

var compiled struct {
	once  sync.Once
	table *engine.FunctionTable
	err   error
}

func compiledOnce() (*engine.FunctionTable, error) {
	compiled.once.Do(func() {
		compiled.table, compiled.err = compiledTable()
	})
	return compiled.table, compiled.err
}

// Compiled returns the compiled-in table, or nil when the binary was built without
// one. It is the compiled default handed to registry.WithCompiledDefault.
func Compiled() *engine.FunctionTable {
	t, err := compiledOnce()
	if err != nil {
		return nil
	}
	return t
}

// Static provides the statically-linked engine.
type Static struct {
	archive string
}

// NewStatic creates the provider. archive is the resolved static archive, if any; it
// only enriches errors and BackendInfo.
func NewStatic(archive string) *Static { return &Static{archive: archive} }

func (s *Static) Name() string { return Name }

func (s *Static) Variant() engine.Variant { return engine.VariantStatic }

func (s *Static) Table(ctx context.Context) (*engine.FunctionTable, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := compiledOnce()
	if err != nil {
		var nb *engine.StaticNotBuiltError
		if errors.As(err, &nb) {
			return nil, &engine.StaticNotBuiltError{Archive: s.archive}
		}
		return nil, err
	}
	t = t.Clone()
	t.Backend.Path = s.archive
	return t, nil
}

// Package registry holds the one active capability table of an application and
// guards the Uninitialized -> Committed transition.
//
// A Registry is owned by the composition root and passed to every component that
// dispatches. Commit runs once, on the startup path, before any dispatching object is
// built; afterwards the table is immutable and dispatch is lock-free.
package registry

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/SyedDaiam9101/enginebind/internal/engine"
	"github.com/SyedDaiam9101/enginebind/internal/metrics"
)

// State of the initialization guard.
type State int

const (
	Uninitialized State = iota
	Committed
)

func (s State) String() string {
	if s == Committed {
		return "committed"
	}
	return "uninitialized"
}

// Registry is a write-once slot for a FunctionTable.
type Registry struct {
	table    atomic.Pointer[engine.FunctionTable]
	fallback func() *engine.FunctionTable
	log      zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger installs a structured logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithCompiledDefault installs the table of a statically-linked engine that was the
// compile-time default. It is the only case in which dispatch on an uncommitted
// registry succeeds: the first dispatch commits it. A nil fn is ignored.
func WithCompiledDefault(fn func() *engine.FunctionTable) Option {
	return func(r *Registry) { r.fallback = fn }
}

// New creates an uncommitted registry.
func New(opts ...Option) *Registry {
	r := &Registry{log: zerolog.Nop()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Commit validates t and makes it the active table. It fails with
// engine.ErrAlreadyInitialized if a table is already active; the first table is kept.
// A failed commit leaves the registry uninitialized.
func (r *Registry) Commit(t *engine.FunctionTable) error {
	if err := t.Validate(); err != nil {
		return err
	}
	owned := t.Clone()
	if !r.table.CompareAndSwap(nil, owned) {
		r.log.Warn().Str("backend", t.Backend.Name).Msg("commit rejected: backend already initialized")
		return engine.ErrAlreadyInitialized
	}
	metrics.SetBackend(owned.Backend.Name, string(owned.Backend.Variant))
	r.log.Info().
		Str("backend", owned.Backend.Name).
		Str("variant", string(owned.Backend.Variant)).
		Str("path", owned.Backend.Path).
		Strs("unsupported", owned.Backend.UnsupportedNames()).
		Msg("backend committed")
	return nil
}

// State reports the guard state.
func (r *Registry) State() State {
	if r.table.Load() != nil {
		return Committed
	}
	return Uninitialized
}

// Backend returns information about the committed backend.
func (r *Registry) Backend() (engine.BackendInfo, error) {
	t, err := r.active()
	if err != nil {
		return engine.BackendInfo{}, err
	}
	info := t.Backend
	info.Unsupported = append([]engine.Capability(nil), t.Backend.Unsupported...)
	return info, nil
}

func (r *Registry) active() (*engine.FunctionTable, error) {
	if t := r.table.Load(); t != nil {
		return t, nil
	}
	if r.fallback == nil {
		return nil, engine.ErrNotInitialized
	}
	def := r.fallback()
	if def == nil {
		return nil, engine.ErrNotInitialized
	}
	if err := r.Commit(def); err != nil && !engine.IsAlreadyInitialized(err) {
		return nil, err
	}
	r.log.Debug().Msg("compiled-in default backend committed on first use")
	return r.table.Load(), nil
}

// Dispatch runs fn against the active table on behalf of capability c. It fails with
// engine.ErrNotInitialized before commit, without calling fn.
func (r *Registry) Dispatch(c engine.Capability, fn func(*engine.FunctionTable) error) error {
	t, err := r.active()
	if err != nil {
		metrics.RecordDispatch(c.String(), err)
		return err
	}
	err = fn(t)
	metrics.RecordDispatch(c.String(), err)
	return err
}

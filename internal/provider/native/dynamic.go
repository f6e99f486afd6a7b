package native

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/SyedDaiam9101/enginebind/internal/engine"
	"github.com/SyedDaiam9101/enginebind/internal/loader"
)

// Name is reported in BackendInfo for both native variants.
const Name = "enginebind-native"

// Dynamic loads a native engine from a shared library when Table is called.
type Dynamic struct {
	path   string
	loader *loader.Loader
	log    zerolog.Logger

	set *loader.SymbolSet
}

// NewDynamic creates a provider for the library at path. Relative paths are resolved
// by the loader against the executable's directory.
func NewDynamic(path string, l *loader.Loader, log zerolog.Logger) *Dynamic {
	if l == nil {
		l = loader.New(loader.WithLogger(log))
	}
	return &Dynamic{path: path, loader: l, log: log}
}

func (d *Dynamic) Name() string { return Name }

func (d *Dynamic) Variant() engine.Variant { return engine.VariantDynamic }

// Table loads the library and binds every entry point. The library stays loaded for
// the life of the process when the table is committed.
func (d *Dynamic) Table(ctx context.Context) (*engine.FunctionTable, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	set, err := d.loader.Load(d.path, engine.RequiredSymbols(), engine.OptionalSymbols())
	if err != nil {
		return nil, err
	}
	api, err := bindSymbols(set)
	if err != nil {
		set.Close()
		return nil, err
	}
	t, err := newTable(api, engine.BackendInfo{
		Name:    Name,
		Variant: engine.VariantDynamic,
		Path:    set.Path,
	})
	if err != nil {
		set.Close()
		return nil, err
	}
	d.set = set
	d.log.Debug().
		Str("path", set.Path).
		Strs("unsupported", t.Backend.UnsupportedNames()).
		Msg("native engine bound")
	return t, nil
}

// Close unloads the library bound by Table. Tables it produced are unusable afterwards.
func (d *Dynamic) Close(context.Context) error {
	if d.set == nil {
		return nil
	}
	err := d.set.Close()
	d.set = nil
	return err
}

// Package bootstrap is the programmatic entry point for choosing and committing a
// backend. A host application builds its registry, runs one Commit on its startup
// path, and only then constructs anything that dispatches:
//
//	reg := bootstrap.NewRegistry()
//	info, err := bootstrap.Init(reg).WithDylibPath("lib/libenginebind.so").Commit(ctx)
//
// Every resolution and loading error surfaces from Commit. Once Commit succeeds,
// dispatch can only fail with errors from the backend itself.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/SyedDaiam9101/enginebind/internal/config"
	"github.com/SyedDaiam9101/enginebind/internal/engine"
	"github.com/SyedDaiam9101/enginebind/internal/loader"
	"github.com/SyedDaiam9101/enginebind/internal/metrics"
	"github.com/SyedDaiam9101/enginebind/internal/provider"
	"github.com/SyedDaiam9101/enginebind/internal/provider/goengine"
	"github.com/SyedDaiam9101/enginebind/internal/provider/native"
	"github.com/SyedDaiam9101/enginebind/internal/provider/onnx"
	"github.com/SyedDaiam9101/enginebind/internal/provider/wasm"
	"github.com/SyedDaiam9101/enginebind/internal/registry"
	"github.com/SyedDaiam9101/enginebind/internal/resolver"
)

const tracerName = "github.com/SyedDaiam9101/enginebind/internal/bootstrap"

// NewRegistry creates a registry whose compiled default is the statically-linked
// engine, when this binary has one.
func NewRegistry(opts ...registry.Option) *registry.Registry {
	return registry.New(append([]registry.Option{registry.WithCompiledDefault(native.Compiled)}, opts...)...)
}

// Builder collects the backend choice for one commit.
type Builder struct {
	reg *registry.Registry

	dylibPath string
	table     *engine.FunctionTable
	cfg       config.BackendConfig
	env       *resolver.Env
	prebuilt  resolver.Prebuilt
	platform  *resolver.Platform

	loader *loader.Loader
	fs     afero.Fs
	log    zerolog.Logger
}

// Init starts a commit against reg.
func Init(reg *registry.Registry) *Builder {
	return &Builder{reg: reg, fs: afero.NewOsFs(), log: zerolog.Nop()}
}

// WithDylibPath forces the dynamic library at path. It outranks every other source,
// ENGINEBIND_DYLIB_PATH included. Relative paths resolve against the executable's
// directory.
func (b *Builder) WithDylibPath(path string) *Builder {
	b.dylibPath = path
	return b
}

// WithBackend commits t as is. The resolver is not consulted.
func (b *Builder) WithBackend(t *engine.FunctionTable) *Builder {
	b.table = t
	return b
}

// WithConfig sets the backend configuration. Non-empty fields are programmatic
// overrides.
func (b *Builder) WithConfig(cfg config.BackendConfig) *Builder {
	b.cfg = cfg
	return b
}

// WithEnv replaces the process environment snapshot taken at commit.
func (b *Builder) WithEnv(env resolver.Env) *Builder {
	b.env = &env
	return b
}

// WithPrebuilt installs the packaging collaborator consulted when no library location
// is configured.
func (b *Builder) WithPrebuilt(p resolver.Prebuilt) *Builder {
	b.prebuilt = p
	return b
}

// WithPlatform overrides the naming conventions of the running OS.
func (b *Builder) WithPlatform(p resolver.Platform) *Builder {
	b.platform = &p
	return b
}

// WithLoader replaces the dynamic loader.
func (b *Builder) WithLoader(l *loader.Loader) *Builder {
	b.loader = l
	return b
}

// WithFs replaces the filesystem used for resolution, loading and model files.
func (b *Builder) WithFs(fs afero.Fs) *Builder {
	b.fs = fs
	return b
}

// WithLogger installs a structured logger.
func (b *Builder) WithLogger(l zerolog.Logger) *Builder {
	b.log = l
	return b
}

// Commit selects exactly one provider, produces its table and commits it. On any
// error the registry is left as it was.
func (b *Builder) Commit(ctx context.Context) (engine.BackendInfo, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "bootstrap.Commit")
	defer span.End()

	variant := "unknown"
	fail := func(err error) (engine.BackendInfo, error) {
		metrics.RecordCommit(variant, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.log.Error().Err(err).Str("variant", variant).Msg("backend commit failed")
		return engine.BackendInfo{}, err
	}

	if b.reg == nil {
		return fail(errors.New("bootstrap: nil registry"))
	}
	// nothing is loaded when the outcome is already decided
	if b.reg.State() == registry.Committed {
		return fail(engine.ErrAlreadyInitialized)
	}

	p, err := b.Select()
	if err != nil {
		return fail(err)
	}
	variant = string(p.Variant())
	span.SetAttributes(
		attribute.String("enginebind.provider", p.Name()),
		attribute.String("enginebind.variant", variant),
	)

	if err := b.install(ctx, p); err != nil {
		return fail(err)
	}
	metrics.RecordCommit(variant, nil)

	info, err := b.reg.Backend()
	if err != nil {
		return fail(err)
	}
	span.SetAttributes(attribute.String("enginebind.path", info.Path))
	return info, nil
}

// install produces p's table and commits it. A table that loses the commit to a
// concurrent one is released, so its library or runtime does not outlive the attempt.
func (b *Builder) install(ctx context.Context, p provider.Provider) error {
	t, err := b.produce(ctx, p)
	if err != nil {
		return err
	}
	if err := b.reg.Commit(t); err != nil {
		if c, ok := p.(provider.Closer); ok {
			if cerr := c.Close(ctx); cerr != nil {
				b.log.Warn().Err(cerr).Str("provider", p.Name()).Msg("release after failed commit")
			}
		}
		return err
	}
	return nil
}

func (b *Builder) produce(ctx context.Context, p provider.Provider) (*engine.FunctionTable, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "provider.Table",
		trace.WithAttributes(attribute.String("enginebind.provider", p.Name())))
	defer span.End()
	t, err := p.Table(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return t, nil
}

func (b *Builder) backendConfig() (config.BackendConfig, error) {
	cfg := b.cfg
	if cfg.Variant == "" {
		cfg.Variant = config.VariantAuto
	}
	if cfg.ABI == "" {
		cfg.ABI = config.ABIEnginebind
	}
	if cfg.Engine == "" {
		cfg.Engine = config.EngineGo
	}
	if b.dylibPath != "" {
		cfg.DylibPath = b.dylibPath
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("backend config: %w", err)
	}
	return cfg, nil
}

func (b *Builder) snapshotEnv() resolver.Env {
	if b.env != nil {
		return *b.env
	}
	return resolver.EnvFromOS()
}

func (b *Builder) newLoader() *loader.Loader {
	if b.loader != nil {
		return b.loader
	}
	return loader.New(loader.WithFs(b.fs), loader.WithLogger(b.log))
}

func (b *Builder) newResolver() *resolver.Resolver {
	opts := []resolver.Option{resolver.WithFs(b.fs), resolver.WithLogger(b.log)}
	if b.platform != nil {
		opts = append(opts, resolver.WithPlatform(*b.platform))
	}
	return resolver.New(opts...)
}

// Select turns the builder's inputs into exactly one provider without producing a
// table. Resolution errors surface here.
func (b *Builder) Select() (provider.Provider, error) {
	if b.table != nil {
		return provider.FromTable(b.table), nil
	}
	cfg, err := b.backendConfig()
	if err != nil {
		return nil, err
	}

	switch cfg.Variant {
	case config.VariantAlternative:
		return b.alternative(cfg), nil
	case config.VariantStatic:
		if native.StaticBuilt() {
			return native.NewStatic(""), nil
		}
		// dylib overrides name dynamic libraries; the archive comes from the location
		env := b.snapshotEnv()
		env.DylibPath = ""
		cfg.DylibPath = ""
		loc, err := b.resolveWith(cfg, resolver.LinkStatic, env)
		if err != nil {
			return nil, err
		}
		return native.NewStatic(loc.Path), nil
	case config.VariantDynamic:
		loc, err := b.resolve(cfg, resolver.LinkDynamic)
		if err != nil {
			return nil, err
		}
		return b.dynamic(cfg, loc.Path), nil
	}

	// auto
	env := b.snapshotEnv()
	explicit := cfg.DylibPath != "" || env.DylibPath != ""
	located := cfg.LibLocation != "" || env.LibLocation != "" || b.prebuilt != nil
	if !explicit && !located && cfg.ABI == config.ABIEnginebind && native.StaticBuilt() {
		return native.NewStatic(""), nil
	}
	link, err := resolver.ParseLink(cfg.Link)
	if err != nil {
		return nil, err
	}
	if cfg.ABI == config.ABIOnnxRuntime {
		// ONNX Runtime is only ever loaded at run time; an archive next to it is not ours
		link = resolver.LinkDynamic
	}
	loc, err := b.resolveWith(cfg, link, env)
	if err != nil {
		return nil, err
	}
	if loc.Kind == resolver.KindStaticArchive {
		return native.NewStatic(loc.Path), nil
	}
	return b.dynamic(cfg, loc.Path), nil
}

func (b *Builder) alternative(cfg config.BackendConfig) provider.Provider {
	if cfg.Engine == config.EngineWasm {
		return wasm.New(cfg.WasmPath, wasm.WithFs(b.fs), wasm.WithLogger(b.log))
	}
	return goengine.New(goengine.WithFs(b.fs), goengine.WithLogger(b.log))
}

func (b *Builder) dynamic(cfg config.BackendConfig, path string) provider.Provider {
	if cfg.ABI == config.ABIOnnxRuntime {
		return onnx.New(path, b.newLoader(), b.log, cfg.ExecutionProviders...)
	}
	return native.NewDynamic(path, b.newLoader(), b.log)
}

func (b *Builder) resolve(cfg config.BackendConfig, link resolver.Link) (resolver.ArtifactLocation, error) {
	return b.resolveWith(cfg, link, b.snapshotEnv())
}

func (b *Builder) resolveWith(cfg config.BackendConfig, link resolver.Link, env resolver.Env) (resolver.ArtifactLocation, error) {
	req := resolver.Request{
		DylibPath: cfg.DylibPath,
		Location:  cfg.LibLocation,
		Link:      link,
		Name:      cfg.LibName,
		Env:       env,
		Prebuilt:  b.prebuilt,
	}
	if cfg.Profile != "" {
		req.Profile = resolver.ParseProfile(cfg.Profile)
	}
	if req.Name == "" && cfg.ABI == config.ABIOnnxRuntime {
		req.Name = onnx.LibName
	}
	return b.newResolver().Resolve(req)
}

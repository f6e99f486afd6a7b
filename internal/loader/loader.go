// Package loader binds engine entry points out of a shared library at a path.
//
// All platform mechanics sit behind Opener. Relative paths are resolved against the
// directory of the running executable, not the working directory, so binaries placed in
// different output directories find libraries shipped next to them.
package loader

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/SyedDaiam9101/enginebind/internal/engine"
	"github.com/SyedDaiam9101/enginebind/internal/metrics"
)

// Library is an opened shared object.
type Library interface {
	// Lookup returns the address of an exported symbol.
	Lookup(name string) (uintptr, error)
	Close() error
}

// Opener opens shared objects.
type Opener interface {
	Open(path string) (Library, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(path string) (Library, error)

func (f OpenerFunc) Open(path string) (Library, error) { return f(path) }

// SymbolSet is the result of a successful Load. Every required symbol is bound;
// optional symbols are present only when the library exports them.
type SymbolSet struct {
	Path     string
	Symbols  map[string]uintptr
	Optional map[string]uintptr
	Complete bool

	lib Library
}

// Addr returns the address of a bound symbol, required or optional.
func (s *SymbolSet) Addr(name string) (uintptr, bool) {
	if a, ok := s.Symbols[name]; ok {
		return a, true
	}
	a, ok := s.Optional[name]
	return a, ok
}

// Has reports whether name was bound.
func (s *SymbolSet) Has(name string) bool {
	_, ok := s.Addr(name)
	return ok
}

// Names returns every bound symbol, sorted.
func (s *SymbolSet) Names() []string {
	names := make([]string, 0, len(s.Symbols)+len(s.Optional))
	for n := range s.Symbols {
		names = append(names, n)
	}
	for n := range s.Optional {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close unloads the library. Bound addresses are invalid afterwards.
func (s *SymbolSet) Close() error {
	if s.lib == nil {
		return nil
	}
	err := s.lib.Close()
	s.lib = nil
	return err
}

// Loader loads libraries through an Opener.
type Loader struct {
	mu     sync.Mutex
	opener Opener
	exeDir func() (string, error)
	fs     afero.Fs
	log    zerolog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithOpener replaces the platform opener.
func WithOpener(o Opener) Option { return func(l *Loader) { l.opener = o } }

// WithExecutableDir replaces the lookup of the running executable's directory.
func WithExecutableDir(fn func() (string, error)) Option {
	return func(l *Loader) { l.exeDir = fn }
}

// WithFs replaces the filesystem used to check that a library exists.
func WithFs(fs afero.Fs) Option { return func(l *Loader) { l.fs = fs } }

// WithLogger installs a structured logger.
func WithLogger(log zerolog.Logger) Option { return func(l *Loader) { l.log = log } }

// New creates a loader backed by the platform opener.
func New(opts ...Option) *Loader {
	l := &Loader{
		opener: platformOpener(),
		exeDir: ExecutableDir,
		fs:     afero.NewOsFs(),
		log:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// ExecutableDir returns the directory holding the running binary, symlinks evaluated.
func ExecutableDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe), nil
}

// ResolvePath makes path absolute. Relative paths are joined to the executable's
// directory.
func (l *Loader) ResolvePath(path string) (string, error) {
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	dir, err := l.exeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, path), nil
}

// Load opens the library at path and binds every required symbol. Lookups are not
// short-circuited: a library missing several symbols fails with one
// *engine.SymbolMissingError naming all of them. Optional symbols are bound when
// exported and ignored otherwise.
func (l *Loader) Load(path string, required, optional []string) (*SymbolSet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := time.Now()
	set, err := l.load(path, required, optional)
	metrics.RecordLibraryLoad(time.Since(start).Seconds(), err)
	if err != nil {
		l.log.Warn().Err(err).Str("path", path).Msg("library load failed")
		return nil, err
	}
	l.log.Info().
		Str("path", set.Path).
		Int("symbols", len(set.Symbols)).
		Int("optional", len(set.Optional)).
		Dur("took", time.Since(start)).
		Msg("library loaded")
	return set, nil
}

func (l *Loader) load(path string, required, optional []string) (*SymbolSet, error) {
	if path == "" {
		return nil, &engine.LibraryNotFoundError{Path: path}
	}
	resolved, err := l.ResolvePath(path)
	if err != nil {
		return nil, &engine.LoadError{Path: path, Err: err}
	}

	searched := []string{resolved}
	if resolved != path {
		searched = []string{path, resolved}
	}
	fi, err := l.fs.Stat(resolved)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, &engine.LibraryNotFoundError{Path: resolved, Searched: searched}
	case err != nil:
		return nil, &engine.LoadError{Path: resolved, Err: err}
	case fi.IsDir():
		return nil, &engine.LoadError{Path: resolved, Err: errors.New("is a directory")}
	}

	lib, err := l.opener.Open(resolved)
	if err != nil {
		return nil, &engine.LoadError{Path: resolved, Err: err}
	}

	set := &SymbolSet{
		Path:     resolved,
		Symbols:  make(map[string]uintptr, len(required)),
		Optional: make(map[string]uintptr),
		lib:      lib,
	}
	var missing []string
	for _, name := range required {
		addr, err := lib.Lookup(name)
		if err != nil || addr == 0 {
			missing = append(missing, name)
			continue
		}
		set.Symbols[name] = addr
	}
	if len(missing) > 0 {
		if cerr := lib.Close(); cerr != nil {
			l.log.Debug().Err(cerr).Str("path", resolved).Msg("close after missing symbols")
		}
		return nil, &engine.SymbolMissingError{Path: resolved, Names: missing}
	}
	for _, name := range optional {
		if addr, err := lib.Lookup(name); err == nil && addr != 0 {
			set.Optional[name] = addr
		}
	}
	set.Complete = true
	return set, nil
}

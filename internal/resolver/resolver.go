// Package resolver turns explicit overrides, environment variables, build profiles and
// platform naming conventions into the one engine artifact to bind.
//
// Precedence, evaluated once per Resolve:
//
//  1. programmatic dynamic-library path, used verbatim;
//  2. ENGINEBIND_DYLIB_PATH, used verbatim;
//  3. library location: programmatic, then ENGINEBIND_LIB_LOCATION, then the prebuilt
//     collaborator; otherwise LibraryLocationUnsetError;
//  4. profile: programmatic, then ENGINEBIND_LIB_PROFILE, otherwise the first of
//     Release, RelWithDebInfo, MinSizeRel, Debug that holds an artifact;
//  5. with both artifact kinds in the chosen directory, the static archive wins unless
//     the link preference says otherwise.
package resolver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/SyedDaiam9101/enginebind/internal/engine"
)

// DefaultLibName is the library base name searched when none is given.
const DefaultLibName = "enginebind"

// Prebuilt is the packaging collaborator that knows where a default prebuilt engine
// was installed for a platform.
type Prebuilt interface {
	DefaultLocation(p Platform) (string, bool)
}

// PrebuiltFunc adapts a function to Prebuilt.
type PrebuiltFunc func(Platform) (string, bool)

func (f PrebuiltFunc) DefaultLocation(p Platform) (string, bool) { return f(p) }

// Request carries the caller's overrides. Zero values mean "not set".
type Request struct {
	DylibPath string
	Location  string
	Profile   Profile
	Link      Link
	Name      string
	Env       Env
	Prebuilt  Prebuilt
}

// ArtifactLocation is the resolved artifact.
type ArtifactLocation struct {
	Kind     Kind
	Path     string
	Dir      string
	Name     string
	Profile  Profile
	Source   Source
	Searched []string
}

// Resolver applies the precedence rules against a filesystem.
type Resolver struct {
	fs       afero.Fs
	platform Platform
	log      zerolog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithFs replaces the OS filesystem.
func WithFs(fs afero.Fs) Option { return func(r *Resolver) { r.fs = fs } }

// WithPlatform overrides the naming conventions of the running OS.
func WithPlatform(p Platform) Option { return func(r *Resolver) { r.platform = p } }

// WithLogger installs a structured logger.
func WithLogger(l zerolog.Logger) Option { return func(r *Resolver) { r.log = l } }

// New creates a resolver for the running platform and OS filesystem.
func New(opts ...Option) *Resolver {
	r := &Resolver{fs: afero.NewOsFs(), platform: CurrentPlatform(), log: zerolog.Nop()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Platform returns the naming conventions in use.
func (r *Resolver) Platform() Platform { return r.platform }

// Resolve picks the artifact for req.
func (r *Resolver) Resolve(req Request) (ArtifactLocation, error) {
	name := req.Name
	if name == "" {
		name = DefaultLibName
	}
	link := req.Link
	if link == "" {
		link = LinkAuto
	}

	if p := strings.TrimSpace(req.DylibPath); p != "" {
		loc := explicitDylib(p, name, SourceProgrammatic)
		r.log.Debug().Str("path", p).Msg("using programmatic dynamic library path")
		return loc, nil
	}
	if p := req.Env.DylibPath; p != "" {
		loc := explicitDylib(p, name, SourceEnv)
		r.log.Debug().Str("path", p).Str("env", EnvDylibPath).Msg("using dynamic library path from environment")
		return loc, nil
	}

	location, source, err := r.location(req)
	if err != nil {
		return ArtifactLocation{}, err
	}

	profiles := SearchOrder
	if p := req.Profile; p != "" {
		profiles = []Profile{p}
	} else if p := req.Env.LibProfile; p != "" {
		profiles = []Profile{ParseProfile(p)}
	}

	var searched []string
	tried := make([]string, 0, len(profiles))
	for _, p := range profiles {
		tried = append(tried, string(p))
		dir := filepath.Join(location, string(p))
		kind, path, paths := r.searchDir(dir, name, link)
		searched = append(searched, paths...)
		if path == "" {
			continue
		}
		loc := ArtifactLocation{
			Kind: kind, Path: path, Dir: dir, Name: name,
			Profile: p, Source: source, Searched: searched,
		}
		r.log.Debug().
			Str("path", path).
			Str("kind", string(kind)).
			Str("profile", string(p)).
			Str("source", string(source)).
			Msg("engine artifact resolved")
		return loc, nil
	}
	return ArtifactLocation{}, &engine.NoProfileFoundError{Location: location, Tried: tried, Searched: searched}
}

func explicitDylib(path, name string, source Source) ArtifactLocation {
	return ArtifactLocation{
		Kind:     KindDynamicLibrary,
		Path:     path,
		Dir:      filepath.Dir(path),
		Name:     name,
		Source:   source,
		Searched: []string{path},
	}
}

func (r *Resolver) location(req Request) (string, Source, error) {
	raw, source := req.Location, SourceProgrammatic
	if raw == "" {
		raw, source = req.Env.LibLocation, SourceEnv
	}
	if raw == "" && req.Prebuilt != nil {
		if p, ok := req.Prebuilt.DefaultLocation(r.platform); ok && p != "" {
			raw, source = p, SourcePrebuilt
		}
	}
	if raw == "" {
		return "", "", &engine.LibraryLocationUnsetError{EnvVar: EnvLibLocation}
	}
	loc, err := expandHome(raw)
	if err != nil {
		return "", "", fmt.Errorf("library location %q: %w", raw, err)
	}
	return loc, source, nil
}

// searchDir returns the preferred artifact in dir, or an empty path.
func (r *Resolver) searchDir(dir, name string, link Link) (Kind, string, []string) {
	static := filepath.Join(dir, r.platform.StaticName(name))
	dynamic := filepath.Join(dir, r.platform.DynamicName(name))
	var searched []string
	if link != LinkDynamic {
		searched = append(searched, static)
		if r.isFile(static) {
			return KindStaticArchive, static, searched
		}
	}
	if link != LinkStatic {
		searched = append(searched, dynamic)
		if r.isFile(dynamic) {
			return KindDynamicLibrary, dynamic, searched
		}
	}
	return "", "", searched
}

func (r *Resolver) isFile(path string) bool {
	fi, err := r.fs.Stat(path)
	return err == nil && !fi.IsDir()
}

// expandHome expands a leading '~' to the user's home directory.
func expandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAlreadyInitialized is returned by a second commit. The first backend stays active.
	ErrAlreadyInitialized = errors.New("backend already initialized")
	// ErrNotInitialized is returned by dispatch before any backend was committed.
	ErrNotInitialized = errors.New("backend not initialized: commit a backend before using the engine API")
)

// LibraryLocationUnsetError means a static archive was requested without saying where
// the build output lives.
type LibraryLocationUnsetError struct {
	EnvVar string
}

func (e *LibraryLocationUnsetError) Error() string {
	return fmt.Sprintf("library location unset: set %s or pass a location explicitly", e.EnvVar)
}

// NoProfileFoundError lists every profile and path searched under a location.
type NoProfileFoundError struct {
	Location string
	Tried    []string
	Searched []string
}

func (e *NoProfileFoundError) Error() string {
	return fmt.Sprintf("no build profile found under %s (tried %s; searched %s)",
		e.Location, strings.Join(e.Tried, ", "), strings.Join(e.Searched, ", "))
}

// LibraryNotFoundError means the artifact does not exist at the resolved path.
type LibraryNotFoundError struct {
	Path     string
	Searched []string
}

func (e *LibraryNotFoundError) Error() string {
	if len(e.Searched) > 1 {
		return fmt.Sprintf("library not found: %s (checked: %s)", e.Path, strings.Join(e.Searched, ", "))
	}
	return "library not found: " + e.Path
}

// LoadError is a platform loader failure: permissions, wrong architecture, bad ABI.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string { return fmt.Sprintf("failed to load %s: %v", e.Path, e.Err) }

func (e *LoadError) Unwrap() error { return e.Err }

// SymbolMissingError lists every required symbol the artifact does not export.
type SymbolMissingError struct {
	Path  string
	Names []string
}

func (e *SymbolMissingError) Error() string {
	return fmt.Sprintf("%s is missing required symbols: %s", e.Path, strings.Join(e.Names, ", "))
}

// UnsupportedError is returned by a stub slot.
type UnsupportedError struct {
	Capability Capability
	Backend    string
}

func (e *UnsupportedError) Error() string {
	if e.Backend == "" {
		return fmt.Sprintf("capability %s is not supported by the active backend", e.Capability)
	}
	return fmt.Sprintf("capability %s is not supported by backend %s", e.Capability, e.Backend)
}

// IncompleteTableError rejects a table with empty slots.
type IncompleteTableError struct {
	Backend string
	Missing []Capability
}

func (e *IncompleteTableError) Error() string {
	names := make([]string, len(e.Missing))
	for i, c := range e.Missing {
		names[i] = c.String()
	}
	return fmt.Sprintf("backend %q produced an incomplete function table: missing %s", e.Backend, strings.Join(names, ", "))
}

// StaticNotBuiltError means the statically-linked engine was requested from a binary
// compiled without it.
type StaticNotBuiltError struct {
	Archive string
}

func (e *StaticNotBuiltError) Error() string {
	msg := "statically-linked engine not built (missing 'enginebind_static' build tag or cgo disabled)"
	if e.Archive != "" {
		msg += "; resolved archive " + e.Archive + " must be linked at build time, see `enginectl cgo-flags`"
	}
	return msg
}

// EngineError wraps a failure reported by the backend itself.
type EngineError struct {
	Capability Capability
	Code       int32
	Message    string
}

func (e *EngineError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s failed (status %d): %s", e.Capability, e.Code, e.Message)
	}
	return fmt.Sprintf("%s failed: %s", e.Capability, e.Message)
}

// InvalidArgumentError is raised before a call reaches the backend.
type InvalidArgumentError struct {
	Capability Capability
	Reason     string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("%s: invalid argument: %s", e.Capability, e.Reason)
}

// IsAlreadyInitialized reports whether err is ErrAlreadyInitialized.
func IsAlreadyInitialized(err error) bool { return errors.Is(err, ErrAlreadyInitialized) }

// IsNotInitialized reports whether err is ErrNotInitialized.
func IsNotInitialized(err error) bool { return errors.Is(err, ErrNotInitialized) }

// IsUnsupported reports whether err came from a stub slot.
func IsUnsupported(err error) bool {
	var e *UnsupportedError
	return errors.As(err, &e)
}

// IsInvalidArgument reports whether err was raised for bad caller input.
func IsInvalidArgument(err error) bool {
	var e *InvalidArgumentError
	return errors.As(err, &e)
}

// MissingSymbols returns the symbol list of a *SymbolMissingError in err's chain.
func MissingSymbols(err error) ([]string, bool) {
	var e *SymbolMissingError
	if errors.As(err, &e) {
		return e.Names, true
	}
	return nil, false
}

// IsResolutionError reports whether err is any resolution or loading failure, i.e.
// something an operator fixes in the deployment rather than in the calling code.
func IsResolutionError(err error) bool {
	var (
		unset    *LibraryLocationUnsetError
		profile  *NoProfileFoundError
		notFound *LibraryNotFoundError
		load     *LoadError
		symbols  *SymbolMissingError
		static   *StaticNotBuiltError
	)
	return errors.As(err, &unset) || errors.As(err, &profile) || errors.As(err, &notFound) ||
		errors.As(err, &load) || errors.As(err, &symbols) || errors.As(err, &static)
}

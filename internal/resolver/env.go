package resolver

import (
	"os"
	"strings"
)

// Environment variables read by the resolver.
const (
	EnvLibLocation = "ENGINEBIND_LIB_LOCATION"
	EnvLibProfile  = "ENGINEBIND_LIB_PROFILE"
	EnvDylibPath   = "ENGINEBIND_DYLIB_PATH"
)

// Env is a snapshot of the environment surface. It is captured once, when a backend
// is resolved, and never re-read.
type Env struct {
	LibLocation string
	LibProfile  string
	DylibPath   string
}

// EnvFromOS snapshots the process environment.
func EnvFromOS() Env { return EnvFrom(os.LookupEnv) }

// EnvFrom snapshots an environment through lookup.
func EnvFrom(lookup func(string) (string, bool)) Env {
	get := func(k string) string {
		v, _ := lookup(k)
		return strings.TrimSpace(v)
	}
	return Env{
		LibLocation: get(EnvLibLocation),
		LibProfile:  get(EnvLibProfile),
		DylibPath:   get(EnvDylibPath),
	}
}

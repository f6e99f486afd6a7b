package resolver

import (
	"runtime"
)

// Platform holds the artifact naming conventions of one operating system.
type Platform struct {
	GOOS          string
	StaticPrefix  string
	StaticSuffix  string
	DynamicPrefix string
	DynamicSuffix string
	// StaticDeps are the system libraries a statically linked engine pulls in.
	StaticDeps []string
}

// PlatformFor returns the conventions for goos.
func PlatformFor(goos string) Platform {
	switch goos {
	case "windows":
		return Platform{GOOS: goos, StaticSuffix: ".lib", DynamicSuffix: ".dll"}
	case "darwin", "ios":
		return Platform{
			GOOS: goos, StaticPrefix: "lib", StaticSuffix: ".a",
			DynamicPrefix: "lib", DynamicSuffix: ".dylib",
			StaticDeps: []string{"-lc++", "-framework Foundation"},
		}
	default:
		return Platform{
			GOOS: goos, StaticPrefix: "lib", StaticSuffix: ".a",
			DynamicPrefix: "lib", DynamicSuffix: ".so",
			StaticDeps: []string{"-lstdc++", "-lm", "-ldl", "-lpthread"},
		}
	}
}

// CurrentPlatform returns the conventions of the running OS.
func CurrentPlatform() Platform { return PlatformFor(runtime.GOOS) }

// StaticName is the static archive file name for library name.
func (p Platform) StaticName(name string) string { return p.StaticPrefix + name + p.StaticSuffix }

// DynamicName is the shared library file name for library name.
func (p Platform) DynamicName(name string) string { return p.DynamicPrefix + name + p.DynamicSuffix }

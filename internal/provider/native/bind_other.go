//go:build !darwin && !freebsd && !linux && !windows

package native

import (
	"fmt"
	"runtime"

	"github.com/SyedDaiam9101/enginebind/internal/engine"
	"github.com/SyedDaiam9101/enginebind/internal/loader"
)

func bindSymbols(set *loader.SymbolSet) (*rawAPI, error) {
	return nil, &engine.LoadError{
		Path: set.Path,
		Err:  fmt.Errorf("calling native functions is not supported on %s", runtime.GOOS),
	}
}

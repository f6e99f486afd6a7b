//go:build !darwin && !freebsd && !linux && !windows

package loader

import (
	"fmt"
	"runtime"
)

func platformOpener() Opener {
	return OpenerFunc(func(path string) (Library, error) {
		return nil, fmt.Errorf("dynamic loading is not supported on %s/%s", runtime.GOOS, runtime.GOARCH)
	})
}

//go:build darwin || freebsd || linux

package loader

import (
	"github.com/ebitengine/purego"
)

type dlLibrary struct {
	handle uintptr
}

func (d *dlLibrary) Lookup(name string) (uintptr, error) {
	return purego.Dlsym(d.handle, name)
}

func (d *dlLibrary) Close() error {
	return purego.Dlclose(d.handle)
}

func platformOpener() Opener {
	return OpenerFunc(func(path string) (Library, error) {
		// symbols stay private to the library
		h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
		if err != nil {
			return nil, err
		}
		return &dlLibrary{handle: h}, nil
	})
}

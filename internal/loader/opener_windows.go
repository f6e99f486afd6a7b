//go:build windows

package loader

import (
	"golang.org/x/sys/windows"
)

type dllLibrary struct {
	dll *windows.DLL
}

func (d *dllLibrary) Lookup(name string) (uintptr, error) {
	p, err := d.dll.FindProc(name)
	if err != nil {
		return 0, err
	}
	return p.Addr(), nil
}

func (d *dllLibrary) Close() error {
	return d.dll.Release()
}

func platformOpener() Opener {
	return OpenerFunc(func(path string) (Library, error) {
		dll, err := windows.LoadDLL(path)
		if err != nil {
			return nil, err
		}
		return &dllLibrary{dll: dll}, nil
	})
}

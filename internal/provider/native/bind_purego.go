//go:build darwin || freebsd || linux || windows

package native

import (
	"github.com/ebitengine/purego"

	"github.com/SyedDaiam9101/enginebind/internal/engine"
	"github.com/SyedDaiam9101/enginebind/internal/loader"
)

// bindSymbols registers a Go function for every symbol in set.
func bindSymbols(set *loader.SymbolSet) (*rawAPI, error) {
	api := &rawAPI{}
	bind := func(fptr any, name string) {
		if addr, ok := set.Addr(name); ok {
			purego.RegisterFunc(fptr, addr)
		}
	}
	bind(&api.apiVersion, engine.SymAPIVersion)
	bind(&api.createTensor, engine.SymCreateTensor)
	bind(&api.tensorInfo, engine.SymTensorInfo)
	bind(&api.tensorData, engine.SymTensorData)
	bind(&api.releaseTensor, engine.SymReleaseTensor)
	bind(&api.createSession, engine.SymCreateSession)
	bind(&api.releaseSession, engine.SymReleaseSession)
	bind(&api.run, engine.SymRun)
	bind(&api.lastError, engine.SymLastError)
	bind(&api.setSeed, engine.SymSetSeed)
	bind(&api.trainStep, engine.SymTrainStep)
	return api, nil
}

//go:build !(enginebind_static && cgo)

package native

// Builds without the enginebind_static tag (or without cgo) carry no compiled-in
// engine. Requests for it fail at commit with a StaticNotBuiltError.

import (
	"github.com/SyedDaiam9101/enginebind/internal/engine"
)

const staticBuilt = false

func compiledTable() (*engine.FunctionTable, error) {
	return nil, &engine.StaticNotBuiltError{}
}

package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/SyedDaiam9101/enginebind/internal/engine"
	"github.com/SyedDaiam9101/enginebind/internal/provider/goengine"
)

// mockModelPath is where the built-in model lives on the in-memory filesystem.
const mockModelPath = "/mock/policy.yaml"

// mockModel squashes every observation into (-1, 1).
const mockModel = `
name: mock
inputs: [obs]
outputs: [action]
ops:
  - op: tanh
`

// mockBackend builds the pure-Go engine over an in-memory filesystem holding
// mockModel, so the server runs without a model file or native library.
func mockBackend(ctx context.Context, log zerolog.Logger) (*engine.FunctionTable, error) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, mockModelPath, []byte(mockModel), 0o644); err != nil {
		return nil, fmt.Errorf("write mock model: %w", err)
	}
	return goengine.New(goengine.WithFs(fs), goengine.WithLogger(log)).Table(ctx)
}

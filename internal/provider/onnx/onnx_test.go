package onnx

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/SyedDaiam9101/enginebind/internal/engine"
	"github.com/SyedDaiam9101/enginebind/internal/loader"
)

type noSymbols struct{}

func (noSymbols) Lookup(string) (uintptr, error) { return 0, errors.New("undefined symbol") }
func (noSymbols) Close() error { return nil }

func TestTable_NotOnnxRuntime(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/opt/libonnxruntime.so", []byte("elf"), 0o755)
	l := loader.New(
		loader.WithFs(fs),
		loader.WithOpener(loader.OpenerFunc(func(string) (loader.Library, error) { return noSymbols{}, nil })),
	)

	_, err := New("/opt/libonnxruntime.so", l, zerolog.Nop()).Table(context.Background())
	names, ok := engine.MissingSymbols(err)
	if !ok {
		t.Fatalf("expected SymbolMissingError, got %v", err)
	}
	if len(names) != 1 || names[0] != SymGetAPIBase {
		t.Errorf("missing = %v", names)
	}
}

func TestTable_LibraryNotFound(t *testing.T) {
	l := loader.New(loader.WithFs(afero.NewMemMapFs()))
	_, err := New("/opt/libonnxruntime.so", l, zerolog.Nop()).Table(context.Background())
	var nf *engine.LibraryNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected LibraryNotFoundError, got %v", err)
	}
}

func TestRealRuntime_WithModel(t *testing.T) {
	lib := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")
	modelPath := "testdata/dummy.onnx"
	if lib == "" {
		t.Skip("Skipping real runtime test: ONNXRUNTIME_SHARED_LIBRARY_PATH not set")
	}
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		t.Skip("Skipping real runtime test: testdata/dummy.onnx not found")
	}

	tbl, err := New(lib, nil, zerolog.Nop()).Table(context.Background())
	if err != nil {
		t.Skipf("Skipping real runtime test: %v", err)
	}
	if err := tbl.SetSeed(1); !engine.IsUnsupported(err) {
		t.Errorf("SetSeed: %v", err)
	}

	s, err := tbl.CreateSession(modelPath, engine.SessionOptions{
		InputNames:   []string{"obs"},
		OutputNames:  []string{"action"},
		OutputShapes: []engine.Shape{{-1, 2}},
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer tbl.ReleaseSession(s)

	in, err := tbl.CreateTensor(engine.Float32, engine.Shape{1, 1, 2, 2}, make([]byte, 16))
	if err != nil {
		t.Fatalf("CreateTensor: %v", err)
	}
	defer tbl.ReleaseTensor(in)

	outs, err := tbl.Run(s, []engine.NamedTensor{{Name: "obs", Tensor: in}}, []string{"action"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	data, err := tbl.TensorData(outs[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 8 {
		t.Errorf("output has %d bytes, want 8", len(data))
	}
	tbl.ReleaseTensor(outs[0])

	// a second library cannot replace the live environment
	other := filepath.Join(t.TempDir(), filepath.Base(lib))
	if b, err := os.ReadFile(lib); err == nil && os.WriteFile(other, b, 0o755) == nil {
		_, err := New(other, nil, zerolog.Nop()).Table(context.Background())
		var le *engine.LoadError
		if !errors.As(err, &le) {
			t.Errorf("second library: expected LoadError, got %v", err)
		}
	}
}

func TestTable_UnknownExecutionProvider(t *testing.T) {
	l := loader.New(loader.WithFs(afero.NewMemMapFs()))
	_, err := New("/opt/libonnxruntime.so", l, zerolog.Nop(), ProviderCUDA, "tpu").Table(context.Background())
	if err == nil || !strings.Contains(err.Error(), `"tpu"`) {
		t.Fatalf("expected unknown provider error, got %v", err)
	}
}

func TestSameLibrary(t *testing.T) {
	tests := []struct {
		current, path string
		wantErr       bool
	}{
		{"/opt/ort/libonnxruntime.so", "/opt/ort/libonnxruntime.so", false},
		{"/opt/ort/./libonnxruntime.so", "/opt/ort/libonnxruntime.so", false},
		{"/opt/ort/libonnxruntime.so", "/usr/lib/libonnxruntime.so", true},
		{"", "/opt/ort/libonnxruntime.so", true},
	}
	for _, tt := range tests {
		err := sameLibrary(tt.current, tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("sameLibrary(%q, %q) = %v, wantErr %v", tt.current, tt.path, err, tt.wantErr)
		}
		var le *engine.LoadError
		if err != nil && (!errors.As(err, &le) || le.Path != tt.path) {
			t.Errorf("expected LoadError for %s, got %v", tt.path, err)
		}
	}
}

func TestClose_WithoutEnvironment(t *testing.T) {
	if err := New("/opt/libonnxruntime.so", nil, zerolog.Nop()).Close(context.Background()); err != nil {
		t.Errorf("Close: %v", err)
	}
}

// internal/handler/handler_test.go
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"

	"github.com/SyedDaiam9101/enginebind/internal/engine"
	"github.com/SyedDaiam9101/enginebind/internal/inference"
	"github.com/SyedDaiam9101/enginebind/internal/middleware"
	"github.com/SyedDaiam9101/enginebind/internal/provider/goengine"
	"github.com/SyedDaiam9101/enginebind/internal/registry"
)

// stubEngine returns a fixed action per observation and counts calls.
type stubEngine struct {
	mu     sync.Mutex
	action []float32
	err    error
	calls  int
}

func newStub() *stubEngine { return &stubEngine{action: []float32{0.1, 0.2, 0.3}} }

func (s *stubEngine) Predict(obsBatch [][]float32, c, h, w int64) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([]float32, 0, len(obsBatch)*len(s.action))
	for range obsBatch {
		out = append(out, s.action...)
	}
	return out, nil
}

func (s *stubEngine) Close() error { return nil }

func (s *stubEngine) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func obs(data ...float32) Observation {
	return Observation{Channels: 1, Height: 2, Width: 2, Data: data}
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("error body is not JSON: %q", rec.Body.String())
	}
	return e
}

func TestPredictWithNilInference(t *testing.T) {
	h := New(nil, nil, nil, Options{}).Routes()

	rec := do(t, h, http.MethodPost, "/v1/predict", PredictRequest{Observations: []Observation{obs(0.1, 0.2, 0.3, 0.4)}})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
}

func TestPredictWithStubEngine(t *testing.T) {
	stub := newStub()
	h := New(stub, nil, nil, Options{}).Routes()

	rec := do(t, h, http.MethodPost, "/v1/predict", PredictRequest{Observations: []Observation{
		obs(0.1, 0.2, 0.3, 0.4),
		obs(0.5, 0.6, 0.7, 0.8),
	}})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp PredictResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Predictions) != 2 {
		t.Fatalf("Expected 2 predictions, got %d", len(resp.Predictions))
	}
	for i, p := range resp.Predictions {
		if len(p.Action) != 3 || p.Action[0] != 0.1 || !p.Safe {
			t.Errorf("prediction %d = %+v", i, p)
		}
	}
	if resp.Backend != "none" || resp.Cached {
		t.Errorf("backend=%q cached=%v", resp.Backend, resp.Cached)
	}
	if stub.Calls() != 1 {
		t.Errorf("Expected 1 call, got %d", stub.Calls())
	}
}

func TestPredictValidation(t *testing.T) {
	tests := []struct {
		name    string
		obs     []Observation
		wantMsg string
	}{
		{"empty", nil, "cannot be empty"},
		{"bad dims", []Observation{{Channels: 0, Height: 2, Width: 2}}, "invalid observation dimensions"},
		{"mismatched dims", []Observation{obs(1, 2, 3, 4), {Channels: 1, Height: 1, Width: 4, Data: []float32{1, 2, 3, 4}}}, "mismatched dimensions"},
		{"data length", []Observation{obs(1, 2, 3)}, "wrong data length"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := newStub()
			h := New(stub, nil, nil, Options{}).Routes()
			rec := do(t, h, http.MethodPost, "/v1/predict", PredictRequest{Observations: tt.obs})
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("Expected 400, got %d", rec.Code)
			}
			if e := decodeError(t, rec); !strings.Contains(e.Error, tt.wantMsg) || e.Code != http.StatusBadRequest {
				t.Errorf("error = %+v, want containing %q", e, tt.wantMsg)
			}
			if stub.Calls() != 0 {
				t.Error("inference ran on an invalid batch")
			}
		})
	}
}

func TestPredictRejectsNonJSON(t *testing.T) {
	h := New(newStub(), nil, nil, Options{}).Routes()

	req := httptest.NewRequest(http.MethodPost, "/v1/predict", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("Expected 415, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/predict", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed JSON, got %d", rec.Code)
	}
}

func TestPredictWithRequestID(t *testing.T) {
	stub := newStub()
	stub.err = errors.New("boom")
	h := New(stub, nil, nil, Options{}).Routes()

	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(PredictRequest{Observations: []Observation{obs(1, 2, 3, 4)}})
	req := httptest.NewRequest(http.MethodPost, "/v1/predict", &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", rec.Code)
	}
	if got := rec.Header().Get(middleware.RequestIDHeader); got != "req-42" {
		t.Errorf("response request id = %q", got)
	}
	if e := decodeError(t, rec); e.RequestID != "req-42" || e.Error != "boom" {
		t.Errorf("error = %+v", e)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{engine.ErrNotInitialized, http.StatusServiceUnavailable},
		{fmt.Errorf("wrapped: %w", engine.ErrNotInitialized), http.StatusServiceUnavailable},
		{inference.ErrClosed, http.StatusServiceUnavailable},
		{&engine.LibraryNotFoundError{Path: "/x"}, http.StatusServiceUnavailable},
		{&engine.UnsupportedError{Capability: engine.CapTrainStep}, http.StatusNotImplemented},
		{&engine.InvalidArgumentError{Capability: engine.CapCreateTensor, Reason: "bad"}, http.StatusBadRequest},
		{badRequest("x"), http.StatusBadRequest},
		{&engine.EngineError{Capability: engine.CapRun, Message: "oom"}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := httpStatus(tt.err); got != tt.want {
			t.Errorf("httpStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestSplitMismatch(t *testing.T) {
	if _, err := split([]float32{1, 2, 3}, 2, "x"); err == nil {
		t.Error("expected mismatch error")
	}
	if _, err := split(nil, 1, "x"); err == nil {
		t.Error("expected error for empty output")
	}
}

const policyModel = `
name: policy
inputs: [obs]
outputs: [action]
ops:
  - op: relu
`

// committed returns a registry running the pure-Go engine with policyModel loaded.
func committed(t *testing.T) (*registry.Registry, *inference.Inference) {
	t.Helper()
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/policy.yaml", []byte(policyModel), 0o644); err != nil {
		t.Fatal(err)
	}
	tbl, err := goengine.New(goengine.WithFs(fs)).Table(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	reg := registry.New()
	if err := reg.Commit(tbl); err != nil {
		t.Fatal(err)
	}
	infer, err := inference.New(reg, "/policy.yaml", inference.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { infer.Close() })
	return reg, infer
}

func TestPredictThroughRegistry(t *testing.T) {
	reg, infer := committed(t)
	h := New(infer, nil, reg, Options{Model: "/policy.yaml"}).Routes()

	rec := do(t, h, http.MethodPost, "/v1/predict", PredictRequest{Observations: []Observation{obs(-1, 2, -3, 4)}})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp PredictResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	want := []float32{0, 2, 0, 4}
	if resp.Backend != goengine.Name || len(resp.Predictions) != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	for i, v := range want {
		if resp.Predictions[0].Action[i] != v {
			t.Errorf("action[%d] = %f, want %f", i, resp.Predictions[0].Action[i], v)
		}
	}
}

func TestBackendEndpoint(t *testing.T) {
	reg, infer := committed(t)
	h := New(infer, nil, reg, Options{}).Routes()

	rec := do(t, h, http.MethodGet, "/v1/backend", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp BackendResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Name != goengine.Name || resp.Variant != engine.VariantAlternative || resp.APIVersion != engine.ABIVersion {
		t.Errorf("backend = %+v", resp)
	}
	if resp.State != "committed" || len(resp.Unsupported) != 2 {
		t.Errorf("unsupported = %v", resp.Unsupported)
	}
}

func TestBackendEndpoint_BeforeCommit(t *testing.T) {
	h := New(newStub(), nil, registry.New(), Options{}).Routes()

	rec := do(t, h, http.MethodGet, "/v1/backend", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz: expected 503, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz: expected 200, got %d", rec.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	h := New(newStub(), nil, nil, Options{}).Routes()
	do(t, h, http.MethodGet, "/healthz", nil)

	rec := do(t, h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "http_request_duration_seconds") {
		t.Errorf("metrics: %d %.200s", rec.Code, rec.Body.String())
	}
}

func TestReadyz(t *testing.T) {
	reg, infer := committed(t)
	h := New(infer, nil, reg, Options{}).Routes()
	if rec := do(t, h, http.MethodGet, "/readyz", nil); rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}

// internal/handler/handler.go
package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/SyedDaiam9101/enginebind/internal/cache"
	"github.com/SyedDaiam9101/enginebind/internal/engine"
	"github.com/SyedDaiam9101/enginebind/internal/inference"
	"github.com/SyedDaiam9101/enginebind/internal/metrics"
	"github.com/SyedDaiam9101/enginebind/internal/middleware"
)

const maxBodyBytes = 4 << 20

// BackendSource reports the committed backend.
type BackendSource interface {
	Backend() (engine.BackendInfo, error)
	APIVersion() (uint32, error)
}

// Observation is one flattened C*H*W input.
type Observation struct {
	Channels int64     `json:"channels"`
	Height   int64     `json:"height"`
	Width    int64     `json:"width"`
	Data     []float32 `json:"data"`
}

// PredictRequest is the body of POST /v1/predict.
type PredictRequest struct {
	Observations []Observation `json:"observations"`
}

// Prediction is the output for one observation.
type Prediction struct {
	Action []float32 `json:"action"`
	Safe   bool      `json:"safe"`
}

// PredictResponse is returned by POST /v1/predict.
type PredictResponse struct {
	Predictions []Prediction `json:"predictions"`
	Backend     string       `json:"backend"`
	Cached      bool         `json:"cached"`
}

// BackendResponse is returned by GET /v1/backend.
type BackendResponse struct {
	State string `json:"state"`
	engine.BackendInfo
	APIVersion  uint32   `json:"api_version"`
	Unsupported []string `json:"unsupported"`
}

// Options configure a Handler.
type Options struct {
	// Model keys cache entries together with the backend name.
	Model    string
	CacheTTL time.Duration
	Logger   zerolog.Logger
}

// Handler serves predictions over HTTP.
// It uses the InferenceEngine interface for flexibility and testability.
type Handler struct {
	infer   inference.InferenceEngine
	cache   *cache.Cache
	backend BackendSource
	opts    Options
}

// New creates a new Handler. cache may be nil.
func New(infer inference.InferenceEngine, c *cache.Cache, backend BackendSource, opts Options) *Handler {
	return &Handler{
		infer:   infer,
		cache:   c,
		backend: backend,
		opts:    opts,
	}
}

// Routes returns the HTTP API.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Metrics)
	r.Use(middleware.Logger(h.opts.Logger))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/backend", h.getBackend)
		r.Post("/predict", h.predict)
	})
	return r
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if h.infer == nil {
		writeJSONError(w, r, http.StatusServiceUnavailable, "inference engine not initialized")
		return
	}
	if h.backend != nil {
		if _, err := h.backend.Backend(); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if err := h.cache.Ping(r.Context()); err != nil {
		writeJSONError(w, r, http.StatusServiceUnavailable, "cache unavailable: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) getBackend(w http.ResponseWriter, r *http.Request) {
	if h.backend == nil {
		writeError(w, r, engine.ErrNotInitialized)
		return
	}
	info, err := h.backend.Backend()
	if err != nil {
		writeError(w, r, err)
		return
	}
	version, err := h.backend.APIVersion()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BackendResponse{
		State:       "committed",
		BackendInfo: info,
		APIVersion:  version,
		Unsupported: info.UnsupportedNames(),
	})
}

func (h *Handler) backendName() string {
	if h.backend == nil {
		return "none"
	}
	info, err := h.backend.Backend()
	if err != nil {
		return "unknown"
	}
	return info.Name
}

func (h *Handler) predict(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := middleware.GetRequestID(r.Context())
	log := h.opts.Logger.With().Str("request_id", requestID).Logger()

	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, r, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req PredictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if h.infer == nil {
		writeJSONError(w, r, http.StatusServiceUnavailable, "inference engine not initialized")
		return
	}

	obsBatch, c, height, width, err := validateBatch(req.Observations)
	if err != nil {
		writeError(w, r, err)
		return
	}
	batchSize := len(obsBatch)
	metrics.RecordInferenceBatch(batchSize)

	backend := h.backendName()
	key := cache.Key(backend, h.opts.Model, c, height, width, obsBatch)
	if actions, ok, err := h.cache.GetActions(r.Context(), key); err != nil {
		log.Warn().Err(err).Msg("cache lookup failed")
	} else if ok {
		if resp, err := split(actions, batchSize, backend); err == nil {
			resp.Cached = true
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}

	inferStart := time.Now()
	actions, err := h.infer.Predict(obsBatch, c, height, width)
	inferDuration := time.Since(inferStart)
	metrics.RecordInferenceLatency(inferDuration.Seconds())
	if err != nil {
		log.Error().Err(err).Msg("inference error")
		writeError(w, r, err)
		return
	}

	resp, err := split(actions, batchSize, backend)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.cache.SetActions(r.Context(), key, actions, h.opts.CacheTTL); err != nil {
		log.Warn().Err(err).Msg("cache store failed")
	}

	log.Info().
		Int("batch_size", batchSize).
		Str("backend", backend).
		Dur("inference", inferDuration).
		Dur("total", time.Since(start)).
		Msg("predict")
	writeJSON(w, http.StatusOK, resp)
}

// validateBatch checks that every observation has the first one's positive
// dimensions and a matching data length.
func validateBatch(observations []Observation) (obsBatch [][]float32, c, h, w int64, err error) {
	if len(observations) == 0 {
		return nil, 0, 0, 0, badRequest("observations cannot be empty")
	}
	for i, obs := range observations {
		if i == 0 {
			c, h, w = obs.Channels, obs.Height, obs.Width
			if c <= 0 || h <= 0 || w <= 0 {
				return nil, 0, 0, 0, badRequest("invalid observation dimensions: channels=%d, height=%d, width=%d", c, h, w)
			}
		} else if obs.Channels != c || obs.Height != h || obs.Width != w {
			return nil, 0, 0, 0, badRequest(
				"observation %d has mismatched dimensions: got (%d,%d,%d), expected (%d,%d,%d)",
				i, obs.Channels, obs.Height, obs.Width, c, h, w)
		}
		if int64(len(obs.Data)) != c*h*w {
			return nil, 0, 0, 0, badRequest(
				"observation %d has wrong data length: got %d, expected %d", i, len(obs.Data), c*h*w)
		}
		obsBatch = append(obsBatch, obs.Data)
	}
	return obsBatch, c, h, w, nil
}

// split cuts the flattened output into one prediction per observation.
func split(actions []float32, batchSize int, backend string) (PredictResponse, error) {
	actionDim := len(actions) / batchSize
	if actionDim == 0 || actionDim*batchSize != len(actions) {
		return PredictResponse{}, internalError("action output size mismatch: got %d actions for batch %d", len(actions), batchSize)
	}
	resp := PredictResponse{Predictions: make([]Prediction, batchSize), Backend: backend}
	for i := range resp.Predictions {
		resp.Predictions[i] = Prediction{
			Action: actions[i*actionDim : (i+1)*actionDim],
			Safe:   true, // Placeholder for future confidence logic
		}
	}
	return resp, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

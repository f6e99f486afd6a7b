package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GRPCServerHandlingSeconds is a histogram for gRPC server request latencies
	GRPCServerHandlingSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grpc_server_handling_seconds",
			Help:    "Histogram of response latency (seconds) of gRPC that had been application-level handled by the server.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "code"},
	)

	// HTTPRequestSeconds is a histogram for HTTP request latencies
	HTTPRequestSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latency (seconds).",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)

	// InferenceBatchSize is a histogram for tracking inference batch sizes
	InferenceBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inference_batch_size",
			Help:    "Histogram of batch sizes for inference requests.",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		},
	)

	// InferenceLatencySeconds is a histogram for inference-only latency
	InferenceLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inference_latency_seconds",
			Help:    "Histogram of inference latency (seconds) excluding transport overhead.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// BackendCommitsTotal counts commit attempts by provider variant and outcome
	BackendCommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enginebind_backend_commits_total",
			Help: "Backend commit attempts by variant and result.",
		},
		[]string{"variant", "result"},
	)

	// BackendInfo is 1 for the committed backend
	BackendInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "enginebind_backend_info",
			Help: "Committed backend (always 1), labelled by name and variant.",
		},
		[]string{"name", "variant"},
	)

	// DispatchTotal counts calls through the capability table
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enginebind_dispatch_total",
			Help: "Capability dispatches by capability and result.",
		},
		[]string{"capability", "result"},
	)

	// LibraryLoadSeconds measures native/wasm artifact load time
	LibraryLoadSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "enginebind_library_load_seconds",
			Help:    "Time spent opening an engine artifact and binding its symbols.",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"result"},
	)

	// HealthStatus is a gauge indicating the health status of the service
	HealthStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "health_status",
			Help: "Health status of the service (1 = healthy, 0 = unhealthy).",
		},
	)
)

// RecordGRPCLatency records the latency of a gRPC method call
func RecordGRPCLatency(method, code string, seconds float64) {
	GRPCServerHandlingSeconds.WithLabelValues(method, code).Observe(seconds)
}

// RecordHTTPLatency records the latency of an HTTP request
func RecordHTTPLatency(path, method, status string, seconds float64) {
	HTTPRequestSeconds.WithLabelValues(path, method, status).Observe(seconds)
}

// RecordInferenceBatch records the batch size for an inference request
func RecordInferenceBatch(size int) {
	InferenceBatchSize.Observe(float64(size))
}

// RecordInferenceLatency records the latency of an inference call
func RecordInferenceLatency(seconds float64) {
	InferenceLatencySeconds.Observe(seconds)
}

// RecordCommit records a commit attempt
func RecordCommit(variant string, err error) {
	BackendCommitsTotal.WithLabelValues(variant, result(err)).Inc()
}

// SetBackend marks the committed backend
func SetBackend(name, variant string) {
	BackendInfo.WithLabelValues(name, variant).Set(1)
}

// RecordDispatch records one capability dispatch
func RecordDispatch(capability string, err error) {
	DispatchTotal.WithLabelValues(capability, result(err)).Inc()
}

// RecordLibraryLoad records the duration of one artifact load
func RecordLibraryLoad(seconds float64, err error) {
	LibraryLoadSeconds.WithLabelValues(result(err)).Observe(seconds)
}

// SetHealthy sets the health status to healthy
func SetHealthy() {
	HealthStatus.Set(1)
}

// SetUnhealthy sets the health status to unhealthy
func SetUnhealthy() {
	HealthStatus.Set(0)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

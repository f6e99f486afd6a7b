// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/SyedDaiam9101/enginebind/internal/bootstrap"
	"github.com/SyedDaiam9101/enginebind/internal/cache"
	"github.com/SyedDaiam9101/enginebind/internal/config"
	"github.com/SyedDaiam9101/enginebind/internal/handler"
	"github.com/SyedDaiam9101/enginebind/internal/inference"
	"github.com/SyedDaiam9101/enginebind/internal/logging"
	"github.com/SyedDaiam9101/enginebind/internal/metrics"
	"github.com/SyedDaiam9101/enginebind/internal/middleware"
	"github.com/SyedDaiam9101/enginebind/internal/registry"
	"github.com/SyedDaiam9101/enginebind/internal/tracing"
)

const serviceName = "enginebind-server"

var version = "dev"

func main() {
	port := flag.Int("port", 0, "gRPC server port (default: 50051)")
	httpPort := flag.Int("http", 0, "HTTP API port (default: 8080)")
	metricsPort := flag.Int("metrics", 0, "Prometheus metrics port (default: 9100)")
	modelPath := flag.String("model", "", "Path to the model file (default: policy.yaml)")
	redisAddr := flag.String("redis", "", "Redis address for the prediction cache (disabled when empty)")
	configFile := flag.String("config", "", "Path to config file (optional)")
	variant := flag.String("variant", "", "Backend variant: auto, static, dynamic or alternative")
	dylibPath := flag.String("dylib", "", "Dynamic library to load, overriding every other source")
	useMock := flag.Bool("mock", false, "Serve a built-in model on the pure-Go engine (for testing)")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: .env: %v\n", err)
	}

	v := config.NewViper()
	if err := config.Read(v, *configFile); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	// Override with flags if provided
	setIf(v, "port", *port, *port > 0)
	setIf(v, "http_port", *httpPort, *httpPort > 0)
	setIf(v, "metrics_port", *metricsPort, *metricsPort > 0)
	setIf(v, "model", *modelPath, *modelPath != "")
	setIf(v, "redis", *redisAddr, *redisAddr != "")
	setIf(v, "backend.variant", *variant, *variant != "")
	setIf(v, "backend.dylib_path", *dylibPath, *dylibPath != "")
	setIf(v, "use_mock_inference", true, *useMock)

	cfg, err := config.FromViper(v)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr).With().Str("service", serviceName).Logger()
	log.Info().
		Int("port", cfg.Port).
		Int("http_port", cfg.HTTPPort).
		Int("metrics_port", cfg.MetricsPort).
		Str("model", cfg.Model).
		Str("redis", cfg.Redis).
		Bool("otel", cfg.OTELEnabled).
		Str("config", v.ConfigFileUsed()).
		Msgf("starting %s %s", serviceName, version)

	var tracerShutdown func(context.Context) error
	if cfg.OTELEnabled {
		tracerShutdown, err = tracing.Init(serviceName, version, cfg.OTELEndpoint, nil, log)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize tracer")
		} else {
			log.Info().Str("endpoint", cfg.OTELEndpoint).Msg("OpenTelemetry tracing enabled")
		}
	}

	ctx := context.Background()
	reg := bootstrap.NewRegistry(registry.WithLogger(log))

	b := bootstrap.Init(reg).WithConfig(cfg.Backend).WithLogger(log)
	model := cfg.Model
	if cfg.UseMockInference {
		log.Info().Msg("using the pure-Go engine with the built-in mock model")
		tbl, err := mockBackend(ctx, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to build mock backend")
		}
		b.WithBackend(tbl)
		model = mockModelPath
	}
	// the backend is committed before anything dispatches
	info, err := b.Commit(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to commit backend")
	}
	log.Info().Str("backend", info.Name).Str("variant", string(info.Variant)).Str("path", info.Path).Msg("backend ready")

	infer, err := inference.New(reg, model, inference.Options{
		InputName:  cfg.InputName,
		OutputName: cfg.OutputName,
		ActionDim:  cfg.ActionDim,
		Threads:    cfg.Backend.Threads,
		Logger:     log,
	})
	if err != nil {
		log.Fatal().Err(err).Str("model", model).Msg("failed to load model")
	}
	defer infer.Close()

	// Initialize Redis cache (optional)
	var cacheClient *cache.Cache
	if cfg.Redis != "" {
		cacheClient, err = cache.New(ctx, cfg.Redis)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to Redis, continuing without cache")
		} else {
			defer cacheClient.Close()
			log.Info().Str("redis", cfg.Redis).Msg("redis connected")
		}
	}

	healthServer := health.NewServer()
	metricsServer := startMetricsServer(cfg.MetricsPort, healthServer, log)

	h := handler.New(infer, cacheClient, reg, handler.Options{
		Model:    model,
		CacheTTL: cfg.CacheTTL,
		Logger:   log,
	})
	apiServer := serve(fmt.Sprintf(":%d", cfg.HTTPPort), h.Routes(), "HTTP API", log)

	interceptors := []grpc.UnaryServerInterceptor{
		middleware.UnaryRequestIDInterceptor(),
		middleware.UnaryLoggingInterceptor(log),
		middleware.UnaryMetricsInterceptor(),
	}
	if cfg.OTELEnabled {
		interceptors = append(interceptors, otelgrpc.UnaryServerInterceptor())
	}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(interceptors...))
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	addr := fmt.Sprintf(":%d", cfg.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", addr).Msg("failed to listen")
	}

	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING) // Overall health
	metrics.SetHealthy()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

		healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		metrics.SetUnhealthy()

		// Give time for load balancers to detect unhealthy status
		time.Sleep(5 * time.Second)

		grpcServer.GracefulStop()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, s := range []*http.Server{apiServer, metricsServer} {
			if err := s.Shutdown(ctx); err != nil {
				log.Warn().Err(err).Str("addr", s.Addr).Msg("http shutdown")
			}
		}
		if tracerShutdown != nil {
			if err := tracerShutdown(ctx); err != nil {
				log.Warn().Err(err).Msg("tracer shutdown")
			}
		}
	}()

	log.Info().Str("addr", addr).Msgf("%s is ready to accept requests", serviceName)
	if err := grpcServer.Serve(lis); err != nil {
		log.Fatal().Err(err).Msg("failed to serve")
	}
	log.Info().Msg("server shutdown complete")
}

func setIf(v *viper.Viper, key string, value any, ok bool) {
	if ok {
		v.Set(key, value)
	}
}

func startMetricsServer(port int, healthServer *health.Server, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	check := func(okBody, failBody string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			resp, err := healthServer.Check(r.Context(), &healthpb.HealthCheckRequest{})
			if err != nil || resp.Status != healthpb.HealthCheckResponse_SERVING {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(failBody))
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(okBody))
		}
	}
	mux.HandleFunc("/healthz", check("OK", "Service Unavailable"))
	mux.HandleFunc("/readyz", check("Ready", "Not Ready"))

	return serve(fmt.Sprintf(":%d", port), mux, "metrics", log)
}

func serve(addr string, h http.Handler, what string, log zerolog.Logger) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", addr).Msgf("%s server listening", what)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msgf("%s server error", what)
		}
	}()
	return server
}

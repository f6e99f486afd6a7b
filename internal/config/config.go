// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/SyedDaiam9101/enginebind/internal/resolver"
)

// Backend variants accepted in BackendConfig.Variant.
const (
	VariantAuto        = "auto"
	VariantStatic      = "static"
	VariantDynamic     = "dynamic"
	VariantAlternative = "alternative"
)

// ABIs a dynamically loaded library can speak.
const (
	ABIEnginebind  = "enginebind"
	ABIOnnxRuntime = "onnxruntime"
)

// Alternative engines.
const (
	EngineGo   = "go"
	EngineWasm = "wasm"
)

// BackendConfig selects the backend provider and its parameters. It is read once,
// right before the backend is committed.
//
// The resolver's own environment variables (ENGINEBIND_DYLIB_PATH,
// ENGINEBIND_LIB_LOCATION, ENGINEBIND_LIB_PROFILE) are deliberately not bound here:
// values in this struct are programmatic overrides and always win over them.
type BackendConfig struct {
	Variant     string `mapstructure:"variant"`
	ABI         string `mapstructure:"abi"`
	Engine      string `mapstructure:"engine"`
	DylibPath   string `mapstructure:"dylib_path"`
	LibLocation string `mapstructure:"lib_location"`
	Profile     string `mapstructure:"profile"`
	Link        string `mapstructure:"link"`
	LibName     string `mapstructure:"lib_name"`
	WasmPath    string `mapstructure:"wasm_path"`
	Threads     int    `mapstructure:"threads"`

	// ExecutionProviders are tried by ONNX Runtime in order for every session, e.g.
	// [cuda, cpu]. Registration failures fail the session.
	ExecutionProviders []string `mapstructure:"execution_providers"`
}

// Config holds all configuration for the service
type Config struct {
	// Server configuration
	Port        int    `mapstructure:"port"`
	HTTPPort    int    `mapstructure:"http_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	Model       string `mapstructure:"model"`
	Redis       string `mapstructure:"redis"`

	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	// Model signature
	InputName  string `mapstructure:"input_name"`
	OutputName string `mapstructure:"output_name"`
	ActionDim  int64  `mapstructure:"action_dim"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// OpenTelemetry configuration
	OTELEnabled  bool   `mapstructure:"otel_enabled"`
	OTELEndpoint string `mapstructure:"otel_endpoint"`

	// Feature flags
	UseMockInference bool `mapstructure:"use_mock_inference"`

	Backend BackendConfig `mapstructure:"backend"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 50051)
	v.SetDefault("http_port", 8080)
	v.SetDefault("metrics_port", 9100)
	v.SetDefault("model", "policy.yaml")
	v.SetDefault("redis", "")
	v.SetDefault("cache_ttl", time.Minute)
	v.SetDefault("input_name", "obs")
	v.SetDefault("output_name", "action")
	v.SetDefault("action_dim", 2)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("otel_enabled", false)
	v.SetDefault("otel_endpoint", "")
	v.SetDefault("use_mock_inference", false)

	v.SetDefault("backend.variant", VariantAuto)
	v.SetDefault("backend.abi", ABIEnginebind)
	v.SetDefault("backend.engine", EngineGo)
	v.SetDefault("backend.dylib_path", "")
	v.SetDefault("backend.lib_location", "")
	v.SetDefault("backend.profile", "")
	v.SetDefault("backend.link", string(resolver.LinkAuto))
	v.SetDefault("backend.lib_name", "")
	v.SetDefault("backend.wasm_path", "")
	v.SetDefault("backend.threads", 0)
	v.SetDefault("backend.execution_providers", []string{})
}

// NewViper returns a viper instance with defaults and environment binding in place:
// ENGINEBIND_PORT, ENGINEBIND_BACKEND_VARIANT and so on. Callers may bind flags before
// handing it to FromViper.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ENGINEBIND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Also read OTEL standard env vars
	v.BindEnv("otel_endpoint", "ENGINEBIND_OTEL_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
	return v
}

// FromViper unmarshals v into a Config.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.OTELEndpoint != "" {
		cfg.OTELEnabled = true
	}
	return &cfg, nil
}

// Read reads configFile into v. With no file named, config.yaml is looked up in the
// working directory, /etc/enginebind and ~/.enginebind, and a missing file is fine.
func Read(v *viper.Viper, configFile string) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/enginebind/")
		v.AddConfigPath("$HOME/.enginebind")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}
	return nil
}

// Load loads configuration from environment variables and an optional config file.
// Priority (highest to lowest): env vars > config file > defaults. Servers that add
// flags on top use NewViper, Read and FromViper directly.
func Load(configFile string) (*Config, error) {
	v := NewViper()
	if err := Read(v, configFile); err != nil {
		return nil, err
	}
	return FromViper(v)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	for name, p := range map[string]int{"port": c.Port, "http_port": c.HTTPPort, "metrics_port": c.MetricsPort} {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("invalid %s: %d", name, p)
		}
	}
	if c.Port == c.MetricsPort || c.Port == c.HTTPPort || c.HTTPPort == c.MetricsPort {
		return fmt.Errorf("port, http_port and metrics_port must be different")
	}
	if c.Model == "" && !c.UseMockInference {
		return fmt.Errorf("model path is required when not using mock inference")
	}
	if c.ActionDim <= 0 {
		return fmt.Errorf("invalid action_dim: %d", c.ActionDim)
	}
	if c.UseMockInference {
		return nil
	}
	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	return nil
}

// Validate checks that the fields name exactly one provider.
func (b *BackendConfig) Validate() error {
	switch b.Variant {
	case VariantAuto, VariantStatic, VariantDynamic, VariantAlternative:
	default:
		return fmt.Errorf("unknown variant %q (want auto, static, dynamic or alternative)", b.Variant)
	}
	switch b.ABI {
	case ABIEnginebind, ABIOnnxRuntime:
	default:
		return fmt.Errorf("unknown abi %q (want enginebind or onnxruntime)", b.ABI)
	}
	if b.ABI == ABIOnnxRuntime && (b.Variant == VariantStatic || b.Link == string(resolver.LinkStatic)) {
		return fmt.Errorf("onnxruntime cannot be linked statically")
	}
	if len(b.ExecutionProviders) > 0 && b.ABI != ABIOnnxRuntime {
		return fmt.Errorf("execution_providers need abi %s", ABIOnnxRuntime)
	}
	if b.Variant == VariantAlternative {
		switch b.Engine {
		case EngineGo:
		case EngineWasm:
			if b.WasmPath == "" {
				return fmt.Errorf("wasm_path is required for the wasm engine")
			}
		default:
			return fmt.Errorf("unknown engine %q (want go or wasm)", b.Engine)
		}
	}
	if _, err := resolver.ParseLink(b.Link); err != nil {
		return err
	}
	if b.Threads < 0 {
		return fmt.Errorf("invalid threads: %d", b.Threads)
	}
	return nil
}

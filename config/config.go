// Package config loads the hostcore server configuration from YAML files,
// .env files and HOSTCORE_ environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/searchktools/hostcore/core"
	"github.com/searchktools/hostcore/core/http2"
	"github.com/searchktools/hostcore/core/pools"
)

// Backends
const (
	BackendEventLoop = "eventloop"
	BackendHTTP2     = "http2"
)

// ErrUnknownBackend is returned by Validate
var ErrUnknownBackend = errors.New("config: unknown backend")

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig      `config:"server"`
	Engine  core.EngineConfig `config:"engine"`
	HTTP2   http2.Config      `config:"http2"`
	GC      pools.GCConfig    `config:"gc"`
	Logging LoggingConfig     `config:"logging"`
	Metrics MetricsConfig     `config:"metrics"`
	OTel    OTelConfig        `config:"otel"`
}

// ServerConfig configures the pump
type ServerConfig struct {
	// Backend is "eventloop" or "http2"
	Backend           string   `config:"backend"`
	URLs              []string `config:"urls"`
	PreferHostingURLs bool     `config:"prefer_hosting_urls"`

	MaxAcceptors       int   `config:"max_acceptors"`
	Workers            int   `config:"workers"`
	MaxConcurrent      int   `config:"max_concurrent_requests"`
	MaxPooledContexts  int   `config:"max_pooled_contexts"`
	MaxRequestBodySize int64 `config:"max_request_body_size"`

	ShutdownTimeout time.Duration `config:"shutdown_timeout"`

	TLS TLSConfig `config:"tls"`
}

// TLSConfig names the certificate used for https URLs
type TLSConfig struct {
	CertFile string `config:"cert_file"`
	KeyFile  string `config:"key_file"`
}

// LoggingConfig configures slog
type LoggingConfig struct {
	Level slog.Level `config:"level"`
	// Format is "text" or "json"
	Format string `config:"format"`
}

// MetricsConfig configures the prometheus endpoint
type MetricsConfig struct {
	// Address serves /metrics when set, e.g. ":9090"
	Address string `config:"address"`
}

// OTelConfig configures tracing
type OTelConfig struct {
	// Stdout exports spans to stdout
	Stdout      bool   `config:"stdout"`
	ServiceName string `config:"service_name"`
}

// Default returns the configuration used for keys no source sets
func Default() Config {
	return Config{
		Server: ServerConfig{
			Backend:         BackendEventLoop,
			ShutdownTimeout: 30 * time.Second,
		},
		Engine:  core.DefaultEngineConfig(),
		GC:      pools.DefaultGCConfig(),
		Logging: LoggingConfig{Level: slog.LevelInfo, Format: "text"},
		OTel:    OTelConfig{ServiceName: "hostcore"},
	}
}

// Load reads srcs over Default and validates the result
func Load(srcs ...Source) (Config, error) {
	cfg := Default()

	m, err := Read(srcs...)
	if err != nil {
		return cfg, err
	}
	if err := m.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate reports settings that cannot be served
func (cfg Config) Validate() error {
	var errs []error
	switch cfg.Server.Backend {
	case BackendEventLoop, BackendHTTP2:
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Server.Backend))
	}
	if (cfg.Server.TLS.CertFile == "") != (cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("config: tls needs both cert_file and key_file"))
	}
	if cfg.Server.TLS.CertFile != "" && cfg.Server.Backend != BackendHTTP2 {
		errs = append(errs, errors.New("config: tls is served by the http2 backend only"))
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("config: unknown logging format %q", cfg.Logging.Format))
	}
	return errors.Join(errs...)
}

// ReadError occurs when a Source fails to apply
type ReadError struct {
	Source string
	Cause  error
}

// Error implements the error interface.
func (e *ReadError) Error() string {
	return fmt.Sprintf("failed to read config from %s: %s", e.Source, e.Cause)
}

// Unwrap implements the implicit interface for usage with errors.Is and errors.As.
func (e *ReadError) Unwrap() error {
	return e.Cause
}

// InvalidYamlError occurs if a YAML source is malformed
type InvalidYamlError struct {
	Cause error
}

// Error implements the error interface.
func (e *InvalidYamlError) Error() string {
	return fmt.Sprintf("invalid yaml: %s", e.Cause)
}

// Unwrap implements the implicit interface for usage with errors.Is and errors.As.
func (e *InvalidYamlError) Unwrap() error {
	return e.Cause
}

// CoercionError occurs when a value cannot be converted to its field type
type CoercionError struct {
	Value any
	Type  reflect.Type
	Cause error
}

// Error implements the error interface.
func (e *CoercionError) Error() string {
	return fmt.Sprintf("failed to coerce %v to %s: %s", e.Value, e.Type, e.Cause)
}

// Unwrap implements the implicit interface for usage with errors.Is and errors.As.
func (e *CoercionError) Unwrap() error {
	return e.Cause
}

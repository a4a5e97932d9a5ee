package telemetry

import (
	"fmt"
	"io"
	"time"
)

// Config contains the telemetry configuration for the automation engine.
type Config struct {
	// ServiceName is the name of the service for telemetry identification.
	ServiceName string `yaml:"service_name"`

	// ServiceVersion is the version of the service.
	ServiceVersion string `yaml:"service_version"`

	// Environment specifies the deployment environment (dev, staging, prod).
	Environment string `yaml:"environment"`

	// Logging contains logging configuration.
	Logging LoggingConfig `yaml:"logging"`

	// Tracing contains distributed tracing configuration.
	Tracing TracingConfig `yaml:"tracing"`

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig `yaml:"metrics"`

	// Events contains event publishing configuration.
	Events EventsConfig `yaml:"events"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is the minimum zerolog level name (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format specifies the log format (console, json).
	Format string `yaml:"format"`

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string `yaml:"output"`

	// Writer overrides Output when set.
	Writer io.Writer `yaml:"-"`

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool `yaml:"enable_caller"`
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	// Enabled controls whether tracing is active.
	Enabled bool `yaml:"enabled"`

	// Exporter specifies the trace exporter (otlp, stdout, none).
	Exporter string `yaml:"exporter"`

	// Endpoint is the OTLP collector endpoint.
	Endpoint string `yaml:"endpoint"`

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64 `yaml:"sampling_rate"`

	// MaxExportBatchSize is the maximum batch size for export.
	MaxExportBatchSize int `yaml:"max_export_batch_size"`

	// ExportTimeout is the timeout for trace export.
	ExportTimeout time.Duration `yaml:"export_timeout"`

	// Headers are additional headers for OTLP exporter.
	Headers map[string]string `yaml:"headers"`

	// Insecure disables TLS for the exporter connection.
	Insecure bool `yaml:"insecure"`
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	Enabled bool `yaml:"enabled"`

	// ListenAddress is the address for the metrics HTTP endpoint.
	ListenAddress string `yaml:"listen_address"`

	// Path is the HTTP path for metrics (default: /metrics).
	Path string `yaml:"path"`

	// Namespace is the metrics namespace prefix.
	Namespace string `yaml:"namespace"`

	// DefaultHistogramBuckets are the latency buckets in seconds.
	DefaultHistogramBuckets []float64 `yaml:"histogram_buckets"`
}

// EventsConfig configures the invocation event publisher.
type EventsConfig struct {
	// Enabled controls whether event publishing is active.
	Enabled bool `yaml:"enabled"`

	// BufferSize is the size of the event buffer.
	BufferSize int `yaml:"buffer_size"`

	// MaxBatchSize is the maximum number of events delivered in one batch.
	MaxBatchSize int `yaml:"max_batch_size"`

	// EnableAsync enables asynchronous event publishing.
	EnableAsync bool `yaml:"enable_async"`
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "opsautomator",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Enabled:            false,
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9108",
			Path:          "/metrics",
			Namespace:     "opsautomator",
			DefaultHistogramBuckets: []float64{
				0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600,
			},
		},
		Events: EventsConfig{
			Enabled:      true,
			BufferSize:   1000,
			MaxBatchSize: 100,
			EnableAsync:  true,
		},
	}
}

// TestConfig returns a configuration for tests: no exporters, no metrics
// server, synchronous events.
func TestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "test"
	cfg.Logging.Level = "error"
	cfg.Metrics.ListenAddress = ""
	cfg.Events.EnableAsync = false
	return cfg
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	validExporters := map[string]bool{"otlp": true, "stdout": true, "none": true}
	if c.Tracing.Enabled && !validExporters[c.Tracing.Exporter] {
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}

	return nil
}

package config

import (
	"fmt"
	"os"
)

// OpenTelemetryConfig contains OpenTelemetry configuration
type OpenTelemetryConfig struct {
	Enabled            bool              `yaml:"enabled" env:"OTEL_ENABLED" env-default:"false"`
	ServiceName        string            `yaml:"serviceName" env:"OTEL_SERVICE_NAME" env-default:"switchbot"`
	ServiceVersion     string            `yaml:"serviceVersion" env:"OTEL_SERVICE_VERSION" env-default:"1.0.0"`
	Environment        string            `yaml:"environment" env:"OTEL_ENVIRONMENT" env-default:"production"`
	Endpoint           string            `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Headers            map[string]string `yaml:"headers"`
	Traces             OTelTracesConfig  `yaml:"traces"`
	Metrics            OTelMetricsConfig `yaml:"metrics"`
	ResourceAttributes map[string]string `yaml:"resourceAttributes"`
}

// OTelTracesConfig contains OpenTelemetry traces configuration
type OTelTracesConfig struct {
	Enabled       bool              `yaml:"enabled" env:"OTEL_TRACES_ENABLED"`
	Endpoint      string            `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"`
	Headers       map[string]string `yaml:"headers"`
	SamplingRatio float64           `yaml:"samplingRatio" env:"OTEL_TRACES_SAMPLING_RATIO" env-default:"1.0"`
	Batch         OTelBatchConfig   `yaml:"batch"`
}

// OTelMetricsConfig contains OpenTelemetry metrics configuration
type OTelMetricsConfig struct {
	Enabled              bool              `yaml:"enabled" env:"OTEL_METRICS_ENABLED"`
	Endpoint             string            `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"`
	Headers              map[string]string `yaml:"headers"`
	IntervalMillis       int               `yaml:"intervalMillis" env:"OTEL_METRICS_INTERVAL" env-default:"30000"`
	EnableRuntimeMetrics bool              `yaml:"enableRuntimeMetrics" env:"OTEL_ENABLE_RUNTIME_METRICS"`
}

// OTelBatchConfig contains batch processor configuration for traces
type OTelBatchConfig struct {
	ScheduleDelayMillis int `yaml:"scheduleDelayMillis" env:"OTEL_BSP_SCHEDULE_DELAY" env-default:"5000"`
	MaxQueueSize        int `yaml:"maxQueueSize" env:"OTEL_BSP_MAX_QUEUE_SIZE" env-default:"2048"`
	MaxExportBatchSize  int `yaml:"maxExportBatchSize" env:"OTEL_BSP_MAX_EXPORT_BATCH_SIZE" env-default:"512"`
}

// TracesEndpoint returns the traces endpoint, falling back to the shared
// endpoint and the standard OTLP environment variables
func (c *OpenTelemetryConfig) TracesEndpoint() string {
	return firstNonEmpty(
		c.Traces.Endpoint,
		os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"),
		c.Endpoint,
		os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	)
}

// MetricsEndpoint returns the metrics endpoint, falling back to the shared
// endpoint and the standard OTLP environment variables
func (c *OpenTelemetryConfig) MetricsEndpoint() string {
	return firstNonEmpty(
		c.Metrics.Endpoint,
		os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"),
		c.Endpoint,
		os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	)
}

// ValidateOpenTelemetry validates OpenTelemetry configuration if enabled
func ValidateOpenTelemetry(cfg *OpenTelemetryConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if cfg.ServiceName == "" {
		return fmt.Errorf("opentelemetry service name is required when OpenTelemetry is enabled")
	}

	if cfg.Traces.Enabled {
		if cfg.TracesEndpoint() == "" {
			return fmt.Errorf("opentelemetry traces endpoint is required when traces are enabled")
		}

		if cfg.Traces.SamplingRatio < 0 || cfg.Traces.SamplingRatio > 1 {
			return fmt.Errorf("opentelemetry traces sampling ratio must be between 0 and 1, got: %f", cfg.Traces.SamplingRatio)
		}

		if cfg.Traces.Batch.ScheduleDelayMillis < 0 {
			return fmt.Errorf("opentelemetry traces batch schedule delay must be >= 0")
		}
		if cfg.Traces.Batch.MaxQueueSize < 1 {
			return fmt.Errorf("opentelemetry traces batch max queue size must be >= 1")
		}
		if cfg.Traces.Batch.MaxExportBatchSize < 1 {
			return fmt.Errorf("opentelemetry traces batch max export batch size must be >= 1")
		}
	}

	if cfg.Metrics.Enabled {
		if cfg.MetricsEndpoint() == "" {
			return fmt.Errorf("opentelemetry metrics endpoint is required when metrics are enabled")
		}

		if cfg.Metrics.IntervalMillis < 1000 {
			return fmt.Errorf("opentelemetry metrics interval must be at least 1000ms (1 second)")
		}
	}

	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

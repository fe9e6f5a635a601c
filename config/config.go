package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"
)

// SensorServiceUUID is the 16-bit service UUID SwitchBot thermometers
// advertise their readings under
var SensorServiceUUID = bluetooth.New16BitUUID(0x0D00)

// Config represents the agent configuration
type Config struct {
	Bluez         BluezConfig         `yaml:"bluez"`
	Statsd        StatsdConfig        `yaml:"statsd"`
	RemoteWrite   RemoteWriteConfig   `yaml:"remoteWrite"`
	Output        OutputConfig        `yaml:"output"`
	Health        HealthConfig        `yaml:"health"`
	Logging       LoggingConfig       `yaml:"logging"`
	OpenTelemetry OpenTelemetryConfig `yaml:"opentelemetry"`
	Profiling     ProfilingConfig     `yaml:"profiling"`
}

// BluezConfig contains the BlueZ bus and discovery configuration
type BluezConfig struct {
	Adapter                string        `yaml:"adapter" env:"BLUEZ_ADAPTER" env-default:"hci0"`
	PathNamespace          string        `yaml:"pathNamespace" env:"BLUEZ_PATH_NAMESPACE" env-default:"/org/bluez"`
	DeviceInterface        string        `yaml:"deviceInterface" env:"BLUEZ_DEVICE_INTERFACE" env-default:"org.bluez.Device1"`
	ServiceUUID            string        `yaml:"serviceUUID" env:"SENSOR_SERVICE_UUID" env-default:"00000d00-0000-1000-8000-00805f9b34fb"`
	DiscoveryCheckInterval time.Duration `yaml:"discoveryCheckInterval" env:"DISCOVERY_CHECK_INTERVAL" env-default:"30s"`
	Transport              string        `yaml:"transport" env:"DISCOVERY_TRANSPORT" env-default:"le"`
	DuplicateData          bool          `yaml:"duplicateData" env:"DISCOVERY_DUPLICATE_DATA"`
	SignalBufferSize       int           `yaml:"signalBufferSize" env:"SIGNAL_BUFFER_SIZE" env-default:"64"`
}

// StatsdConfig contains the statsd gauge sink configuration
type StatsdConfig struct {
	Enabled bool   `yaml:"enabled" env:"STATSD_ENABLED"`
	Address string `yaml:"address" env:"STATSD_ADDRESS" env-default:"127.0.0.1:8125"`
	Prefix  string `yaml:"prefix" env:"STATSD_PREFIX" env-default:"switchbot"`
}

// RemoteWriteConfig contains the optional Prometheus remote_write sink configuration
type RemoteWriteConfig struct {
	Enabled             bool   `yaml:"enabled" env:"REMOTE_WRITE_ENABLED" env-default:"false"`
	URL                 string `yaml:"prometheusUrl" env:"PROMETHEUS_URL"`
	Username            string `yaml:"prometheusUsername" env:"PROMETHEUS_USERNAME"`
	Password            string `yaml:"prometheusPassword" env:"PROMETHEUS_PASSWORD"`
	PushIntervalSeconds int    `yaml:"pushIntervalSeconds" env:"PUSH_INTERVAL_SECONDS" env-default:"15"`
	BatchSize           int    `yaml:"batchSize" env:"BATCH_SIZE" env-default:"500"`
	BufferSize          int    `yaml:"bufferSize" env:"BUFFER_SIZE" env-default:"1000"`
}

// OutputConfig controls the per-reading console line
type OutputConfig struct {
	PrintReadings bool `yaml:"printReadings" env:"PRINT_READINGS"`
}

// HealthConfig contains the health endpoint configuration. Port 0 disables it.
type HealthConfig struct {
	Port int `yaml:"port" env:"HEALTH_CHECK_PORT" env-default:"0"`
}

// Load reads configuration from a YAML file with environment variable
// overrides. An empty path builds the configuration from the environment only.
func Load(configPath string) (*Config, error) {
	cfg := newConfig()

	if configPath == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read config from environment: %w", err)
		}
	} else if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from %s: %w", configPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// newConfig seeds the boolean settings that default to on. They carry no
// env-default tag because cleanenv applies defaults to every zero value,
// which would overwrite an explicit false from the file.
func newConfig() Config {
	var cfg Config
	cfg.Bluez.DuplicateData = true
	cfg.Statsd.Enabled = true
	cfg.Output.PrintReadings = true
	cfg.OpenTelemetry.Traces.Enabled = true
	cfg.OpenTelemetry.Metrics.Enabled = true
	cfg.OpenTelemetry.Metrics.EnableRuntimeMetrics = true
	cfg.Profiling.CPUProfile = true
	cfg.Profiling.AllocSpaceProfile = true
	cfg.Profiling.InuseSpaceProfile = true
	cfg.Profiling.GoroutineProfile = true
	return cfg
}

// Validate validates the configuration and normalizes the sensor service UUID
func (c *Config) Validate() error {
	if err := c.Bluez.validate(); err != nil {
		return err
	}

	if c.Statsd.Enabled && strings.TrimSpace(c.Statsd.Address) == "" {
		return fmt.Errorf("statsd address is required when statsd is enabled")
	}

	if c.RemoteWrite.Enabled {
		if _, err := url.ParseRequestURI(c.RemoteWrite.URL); err != nil {
			return fmt.Errorf("invalid prometheusUrl: %w", err)
		}
		if c.RemoteWrite.Username == "" {
			return fmt.Errorf("prometheus username is required when remote write is enabled")
		}
		if c.RemoteWrite.PushIntervalSeconds < 1 {
			return fmt.Errorf("push interval must be at least 1 second")
		}
		if c.RemoteWrite.BatchSize < 1 {
			return fmt.Errorf("batch size must be at least 1")
		}
		if c.RemoteWrite.BufferSize < 1 {
			return fmt.Errorf("buffer size must be at least 1")
		}
	}

	if c.Health.Port < 0 || c.Health.Port > 65535 {
		return fmt.Errorf("health check port must be between 0 and 65535, got %d", c.Health.Port)
	}

	if err := ValidateLogging(&c.Logging); err != nil {
		return fmt.Errorf("logging validation failed: %w", err)
	}

	if err := ValidateOpenTelemetry(&c.OpenTelemetry); err != nil {
		return fmt.Errorf("opentelemetry validation failed: %w", err)
	}

	if err := ValidateProfiling(&c.Profiling); err != nil {
		return fmt.Errorf("profiling validation failed: %w", err)
	}

	return nil
}

func (b *BluezConfig) validate() error {
	if b.Adapter == "" {
		return fmt.Errorf("bluez adapter is required")
	}

	if !strings.HasPrefix(b.PathNamespace, "/") || (len(b.PathNamespace) > 1 && strings.HasSuffix(b.PathNamespace, "/")) {
		return fmt.Errorf("bluez path namespace must be an absolute object path, got '%s'", b.PathNamespace)
	}

	if b.DeviceInterface == "" {
		return fmt.Errorf("bluez device interface is required")
	}

	uuid, err := bluetooth.ParseUUID(b.ServiceUUID)
	if err != nil {
		return fmt.Errorf("invalid sensor service UUID '%s': %w", b.ServiceUUID, err)
	}
	b.ServiceUUID = strings.ToLower(uuid.String())

	if b.DiscoveryCheckInterval < time.Second {
		return fmt.Errorf("discovery check interval must be at least 1s, got %s", b.DiscoveryCheckInterval)
	}

	b.Transport = strings.ToLower(b.Transport)
	switch b.Transport {
	case "auto", "le", "bredr":
	default:
		return fmt.Errorf("discovery transport must be 'auto', 'le', or 'bredr', got '%s'", b.Transport)
	}

	if b.SignalBufferSize < 1 {
		return fmt.Errorf("signal buffer size must be at least 1")
	}

	return nil
}

// PrintConfig logs the effective configuration with secrets masked
func (c *Config) PrintConfig(logger *zap.Logger) {
	logger.Info("configuration loaded",
		zap.String("adapter", c.Bluez.Adapter),
		zap.String("path_namespace", c.Bluez.PathNamespace),
		zap.String("device_interface", c.Bluez.DeviceInterface),
		zap.String("service_uuid", c.Bluez.ServiceUUID),
		zap.Duration("discovery_check_interval", c.Bluez.DiscoveryCheckInterval),
		zap.String("discovery_transport", c.Bluez.Transport),
		zap.Bool("discovery_duplicate_data", c.Bluez.DuplicateData),
		zap.Bool("statsd_enabled", c.Statsd.Enabled),
		zap.String("statsd_address", c.Statsd.Address),
		zap.String("statsd_prefix", c.Statsd.Prefix),
		zap.Bool("remote_write_enabled", c.RemoteWrite.Enabled),
		zap.String("prometheus_url", redactURL(c.RemoteWrite.URL)),
		zap.String("prometheus_username", c.RemoteWrite.Username),
		zap.Bool("prometheus_password_set", c.RemoteWrite.Password != ""),
		zap.Int("push_interval_seconds", c.RemoteWrite.PushIntervalSeconds),
		zap.Bool("print_readings", c.Output.PrintReadings),
		zap.Int("health_check_port", c.Health.Port),
		zap.String("log_format", c.Logging.Format),
		zap.String("log_level", c.Logging.Level),
		zap.Bool("otel_enabled", c.OpenTelemetry.Enabled),
		zap.Bool("profiling_enabled", c.Profiling.Enabled),
	)
}

// redactURL strips userinfo from a URL
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	return u.String()
}

// NewLogger creates a zap logger based on the configuration
func (c *Config) NewLogger() (*zap.Logger, error) {
	return NewLogger(&c.Logging)
}

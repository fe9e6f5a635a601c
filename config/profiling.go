package config

import "fmt"

// ProfilingConfig contains Pyroscope profiling configuration
type ProfilingConfig struct {
	Enabled           bool              `yaml:"enabled" env:"PYROSCOPE_ENABLED" env-default:"false"`
	ApplicationName   string            `yaml:"applicationName" env:"PYROSCOPE_APPLICATION_NAME" env-default:"switchbot"`
	ServerAddress     string            `yaml:"serverAddress" env:"PYROSCOPE_SERVER_ADDRESS"`
	BasicAuthUser     string            `yaml:"basicAuthUser" env:"PYROSCOPE_BASIC_AUTH_USER"`
	BasicAuthPassword string            `yaml:"basicAuthPassword" env:"PYROSCOPE_BASIC_AUTH_PASSWORD"`
	TenantID          string            `yaml:"tenantID" env:"PYROSCOPE_TENANT_ID"`
	Tags              map[string]string `yaml:"tags"`

	CPUProfile        bool `yaml:"cpuProfile" env:"PYROSCOPE_CPU_PROFILE"`
	AllocSpaceProfile bool `yaml:"allocSpaceProfile" env:"PYROSCOPE_ALLOC_SPACE_PROFILE"`
	InuseSpaceProfile bool `yaml:"inuseSpaceProfile" env:"PYROSCOPE_INUSE_SPACE_PROFILE"`
	GoroutineProfile  bool `yaml:"goroutineProfile" env:"PYROSCOPE_GOROUTINE_PROFILE"`
	MutexProfile      bool `yaml:"mutexProfile" env:"PYROSCOPE_MUTEX_PROFILE" env-default:"false"`
	MutexProfileRate  int  `yaml:"mutexProfileRate" env:"PYROSCOPE_MUTEX_PROFILE_RATE" env-default:"5"`
	DisableGCRuns     bool `yaml:"disableGCRuns" env:"PYROSCOPE_DISABLE_GC_RUNS" env-default:"false"`
}

// ValidateProfiling validates profiling configuration if enabled
func ValidateProfiling(cfg *ProfilingConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if cfg.ApplicationName == "" {
		return fmt.Errorf("profiling application name is required when profiling is enabled")
	}

	if cfg.ServerAddress == "" {
		return fmt.Errorf("profiling server address is required when profiling is enabled")
	}

	if cfg.MutexProfile && cfg.MutexProfileRate < 0 {
		return fmt.Errorf("profiling mutex profile rate must be >= 0")
	}

	if !cfg.CPUProfile && !cfg.AllocSpaceProfile && !cfg.InuseSpaceProfile &&
		!cfg.GoroutineProfile && !cfg.MutexProfile {
		return fmt.Errorf("at least one profile type must be enabled")
	}

	return nil
}

package profiling

import (
	"fmt"
	"runtime"

	"github.com/grafana/pyroscope-go"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/switchbot/config"
)

// Profiler wraps the Pyroscope profiler
type Profiler struct {
	profiler *pyroscope.Profiler
	logger   *zap.Logger
}

// ProfileTypes returns the Pyroscope profile types enabled in cfg
func ProfileTypes(cfg *config.ProfilingConfig) []pyroscope.ProfileType {
	var types []pyroscope.ProfileType
	if cfg.CPUProfile {
		types = append(types, pyroscope.ProfileCPU)
	}
	if cfg.AllocSpaceProfile {
		types = append(types, pyroscope.ProfileAllocSpace)
	}
	if cfg.InuseSpaceProfile {
		types = append(types, pyroscope.ProfileInuseSpace)
	}
	if cfg.GoroutineProfile {
		types = append(types, pyroscope.ProfileGoroutines)
	}
	if cfg.MutexProfile {
		types = append(types, pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration)
	}
	return types
}

// Start starts the Pyroscope profiler in push mode. It returns a nil
// profiler when profiling is disabled.
func Start(cfg *config.ProfilingConfig, logger *zap.Logger) (*Profiler, error) {
	if !cfg.Enabled {
		logger.Info("profiling is disabled")
		return nil, nil
	}

	types := ProfileTypes(cfg)
	if cfg.MutexProfile {
		runtime.SetMutexProfileFraction(cfg.MutexProfileRate)
	}

	tags := map[string]string{"agent": "switchbot"}
	for k, v := range cfg.Tags {
		tags[k] = v
	}

	pyroConfig := pyroscope.Config{
		ApplicationName:   cfg.ApplicationName,
		ServerAddress:     cfg.ServerAddress,
		BasicAuthUser:     cfg.BasicAuthUser,
		BasicAuthPassword: cfg.BasicAuthPassword,
		TenantID:          cfg.TenantID,
		Tags:              tags,
		ProfileTypes:      types,
		DisableGCRuns:     cfg.DisableGCRuns,
	}

	profiler, err := pyroscope.Start(pyroConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to start Pyroscope profiler: %w", err)
	}

	logger.Info("Pyroscope profiler started",
		zap.String("server_address", cfg.ServerAddress),
		zap.String("application_name", cfg.ApplicationName),
		zap.Int("profile_types_count", len(types)),
	)

	return &Profiler{profiler: profiler, logger: logger}, nil
}

// Stop flushes and stops the profiler. Safe on nil.
func (p *Profiler) Stop() error {
	if p == nil || p.profiler == nil {
		return nil
	}

	if err := p.profiler.Stop(); err != nil {
		p.logger.Error("failed to stop profiler", zap.Error(err))
		return fmt.Errorf("profiler stop: %w", err)
	}

	p.logger.Info("Pyroscope profiler stopped")
	return nil
}

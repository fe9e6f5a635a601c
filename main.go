package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/switchbot/advertisement"
	"github.com/mjasion/balena-home/switchbot/bluez"
	"github.com/mjasion/balena-home/switchbot/config"
	"github.com/mjasion/balena-home/switchbot/discovery"
	"github.com/mjasion/balena-home/switchbot/health"
	"github.com/mjasion/balena-home/switchbot/pipeline"
	"github.com/mjasion/balena-home/switchbot/profiling"
	"github.com/mjasion/balena-home/switchbot/reporter"
	"github.com/mjasion/balena-home/switchbot/telemetry"
	"github.com/mjasion/balena-home/switchbot/types"
)

func main() {
	configPath := flag.String("c", "", "Path to configuration file (environment only when empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting SwitchBot thermometer agent")
	cfg.PrintConfig(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("agent failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	profiler, err := profiling.Start(&cfg.Profiling, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize profiler: %w", err)
	}
	defer func() {
		if err := profiler.Stop(); err != nil {
			logger.Error("failed to shutdown profiler", zap.Error(err))
		}
	}()

	otelProviders, err := telemetry.InitProviders(context.Background(), &cfg.OpenTelemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry providers: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := otelProviders.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown OpenTelemetry providers", zap.Error(err))
		}
	}()

	instruments, err := telemetry.NewGlobalInstruments()
	if err != nil {
		return fmt.Errorf("failed to create instruments: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx, mainSpan := otel.Tracer("main").Start(ctx, "main.run")
	defer mainSpan.End()

	conn, err := bluez.Connect()
	if err != nil {
		return err
	}
	defer conn.Close()
	logger.Info("connected to system bus")

	notifications, err := bluez.NewListener(conn, cfg.Bluez.PathNamespace, cfg.Bluez.SignalBufferSize, logger).Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to BlueZ signals: %w", err)
	}

	tracker := health.NewTracker()

	reporters, closeReporters, remoteWrite, err := buildReporters(cfg, logger)
	if err != nil {
		return err
	}
	defer closeReporters()

	var wg sync.WaitGroup

	adapterPath := bluez.AdapterPath(cfg.Bluez.PathNamespace, cfg.Bluez.Adapter)
	supervisor := discovery.NewSupervisor(
		bluez.NewAdapter(conn, adapterPath),
		bluez.DiscoveryFilter{Transport: cfg.Bluez.Transport, DuplicateData: cfg.Bluez.DuplicateData},
		cfg.Bluez.DiscoveryCheckInterval,
		instruments,
		logger.With(zap.String("adapter", string(adapterPath))),
		tracker.ObserveDiscovery,
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := supervisor.Run(ctx); err != nil {
			logger.Error("discovery supervisor failed", zap.Error(err))
		}
	}()

	if remoteWrite != nil {
		tracker.WatchPushes(remoteWrite, 3*time.Duration(cfg.RemoteWrite.PushIntervalSeconds)*time.Second)
		wg.Add(1)
		go func() {
			defer wg.Done()
			remoteWrite.Run(ctx)
		}()
	}

	var healthServer *health.Server
	if cfg.Health.Port > 0 {
		healthServer = health.NewServer(tracker, cfg.Bluez.DiscoveryCheckInterval, cfg.Health.Port, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Start(); err != nil {
				logger.Error("health check server failed", zap.Error(err))
			}
		}()
	}

	handler := pipeline.NewReportHandler(reporters, instruments, logger, tracker.ObserveReading)
	filter := advertisement.NewFilter(cfg.Bluez.DeviceInterface, cfg.Bluez.ServiceUUID)
	runErr := pipeline.New(filter, handler, instruments, logger).Run(ctx, notifications)
	if runErr != nil {
		logger.Error("pipeline stopped", zap.Error(runErr))
	} else {
		logger.Info("received shutdown signal")
	}

	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if healthServer != nil {
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown health check server", zap.Error(err))
		}
	}

	wg.Wait()

	if remoteWrite != nil {
		logger.Info("performing final remote write push", zap.Int("buffered", remoteWrite.Buffered()))
		if err := remoteWrite.Flush(shutdownCtx); err != nil {
			logger.Error("final remote write push failed", zap.Error(err))
		}
	}

	logger.Info("shutdown complete")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// buildReporters assembles the configured sinks. The returned close function
// releases sockets; the remote write reporter is returned separately so its
// pusher can be started and flushed.
func buildReporters(cfg *config.Config, logger *zap.Logger) (reporter.Multi, func(), *reporter.RemoteWriteReporter, error) {
	var (
		reporters reporter.Multi
		closers   []func() error
		remote    *reporter.RemoteWriteReporter
	)

	if cfg.Statsd.Enabled {
		sender, err := reporter.NewStatsdSender(cfg.Statsd.Address, cfg.Statsd.Prefix)
		if err != nil {
			return nil, nil, nil, err
		}
		closers = append(closers, sender.Close)
		reporters = append(reporters, reporter.Named("statsd", reporter.NewStatsdReporter(sender)))
		logger.Info("statsd reporter initialized",
			zap.String("address", cfg.Statsd.Address),
			zap.String("prefix", cfg.Statsd.Prefix),
		)
	}

	if cfg.Output.PrintReadings {
		reporters = append(reporters, reporter.Named("stdout", reporter.NewLineReporter(os.Stdout)))
	}

	if cfg.RemoteWrite.Enabled {
		remote = reporter.NewRemoteWriteReporter(reporter.RemoteWriteConfig{
			URL:          cfg.RemoteWrite.URL,
			Username:     cfg.RemoteWrite.Username,
			Password:     cfg.RemoteWrite.Password,
			PushInterval: time.Duration(cfg.RemoteWrite.PushIntervalSeconds) * time.Second,
			BatchSize:    cfg.RemoteWrite.BatchSize,
			BufferSize:   cfg.RemoteWrite.BufferSize,
		}, logger)
		reporters = append(reporters, reporter.Named("remote_write", remote))
		logger.Info("remote write reporter initialized", zap.Int("buffer_capacity", cfg.RemoteWrite.BufferSize))
	}

	if len(reporters) == 0 {
		logger.Warn("no reporters enabled, readings are decoded but not published")
		reporters = append(reporters, reporter.ReporterFunc(func(context.Context, types.SensorReading) error { return nil }))
	}

	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn("failed to close reporter", zap.Error(err))
			}
		}
	}

	return reporters, closeAll, remote, nil
}

// Package discovery keeps the Bluetooth adapter powered and scanning.
package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/switchbot/bluez"
	"github.com/mjasion/balena-home/switchbot/telemetry"
)

// RadioController is the adapter surface the supervisor drives
type RadioController interface {
	Powered(ctx context.Context) (bool, error)
	SetPowered(ctx context.Context, powered bool) error
	Discovering(ctx context.Context) (bool, error)
	StartDiscovery(ctx context.Context) error
	SetDiscoveryFilter(ctx context.Context, filter bluez.DiscoveryFilter) error
}

// CheckResult describes one discovery health check
type CheckResult struct {
	At          time.Time
	Discovering bool
	Err         error
}

// Supervisor periodically asserts that the adapter is powered and discovering
type Supervisor struct {
	radio       RadioController
	filter      bluez.DiscoveryFilter
	interval    time.Duration
	instruments *telemetry.Instruments
	logger      *zap.Logger
	observers   []func(CheckResult)

	mu            sync.Mutex
	filterApplied bool
}

// NewSupervisor creates a supervisor checking radio every interval. The
// discovery filter is applied before the first StartDiscovery. Observers are
// called after every check.
func NewSupervisor(radio RadioController, filter bluez.DiscoveryFilter, interval time.Duration, instruments *telemetry.Instruments, logger *zap.Logger, observers ...func(CheckResult)) *Supervisor {
	return &Supervisor{
		radio:       radio,
		filter:      filter,
		interval:    interval,
		instruments: instruments,
		logger:      logger,
		observers:   observers,
	}
}

// EnsureDiscovering powers the adapter on if needed and starts discovery if
// it is not running. It is idempotent.
func (s *Supervisor) EnsureDiscovering(ctx context.Context) error {
	ctx, span := otel.Tracer("discovery").Start(ctx, "discovery.EnsureDiscovering")
	defer span.End()

	discovering, err := s.ensure(ctx)
	span.SetAttributes(attribute.Bool("discovery.discovering", discovering))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "discovery check failed")
		s.instruments.DiscoveryCheckFailure(ctx)
	} else {
		span.SetStatus(codes.Ok, "discovering")
	}

	result := CheckResult{At: time.Now(), Discovering: discovering, Err: err}
	for _, observe := range s.observers {
		observe(result)
	}

	return err
}

func (s *Supervisor) ensure(ctx context.Context) (bool, error) {
	powered, err := s.radio.Powered(ctx)
	if err != nil {
		return false, err
	}
	if !powered {
		s.logger.Info("adapter is powered off, powering on")
		if err := s.radio.SetPowered(ctx, true); err != nil {
			return false, err
		}
		s.instruments.DiscoveryRestart(ctx, "power_on")
	}

	discovering, err := s.radio.Discovering(ctx)
	if err != nil {
		return false, err
	}
	if discovering {
		return true, nil
	}

	s.applyFilter(ctx)

	s.logger.Info("adapter is not discovering, starting discovery")
	if err := s.radio.StartDiscovery(ctx); err != nil {
		return false, err
	}
	s.instruments.DiscoveryRestart(ctx, "start_discovery")

	return true, nil
}

// applyFilter sets the discovery filter until it succeeds once. Failures
// are logged and do not block starting discovery.
func (s *Supervisor) applyFilter(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.filterApplied {
		return
	}

	if err := s.radio.SetDiscoveryFilter(ctx, s.filter); err != nil {
		telemetry.WithTraceContext(ctx, s.logger).Warn("failed to set discovery filter",
			zap.String("transport", s.filter.Transport),
			zap.Bool("duplicate_data", s.filter.DuplicateData),
			zap.Error(err),
		)
		return
	}

	s.filterApplied = true
	s.logger.Info("discovery filter applied",
		zap.String("transport", s.filter.Transport),
		zap.Bool("duplicate_data", s.filter.DuplicateData),
	)
}

// check runs one bounded health check and logs failures. The next scheduled
// check retries unconditionally.
func (s *Supervisor) check(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	if err := s.EnsureDiscovering(checkCtx); err != nil {
		s.logger.Error("failed to ensure adapter is discovering", zap.Error(err))
	}
}

// Run checks once immediately and then on a fixed schedule until ctx is done
func (s *Supervisor) Run(ctx context.Context) error {
	s.check(ctx)

	c := cron.New(
		cron.WithLogger(cronLogger{logger: s.logger}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger: s.logger})),
	)
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() { s.check(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule discovery check: %w", err)
	}

	s.logger.Info("discovery supervisor started", zap.Duration("interval", s.interval))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("discovery supervisor stopped")

	return nil
}

// cronLogger routes cron's own logging to zap
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}

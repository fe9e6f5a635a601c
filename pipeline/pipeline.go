// Package pipeline turns bus notifications into sensor readings.
package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/balena-home/switchbot/advertisement"
	"github.com/mjasion/balena-home/switchbot/bluez"
	"github.com/mjasion/balena-home/switchbot/decoder"
	"github.com/mjasion/balena-home/switchbot/device"
	"github.com/mjasion/balena-home/switchbot/telemetry"
	"github.com/mjasion/balena-home/switchbot/types"
)

// ErrStreamClosed is returned by Run when the notification channel closes
// while the context is still live
var ErrStreamClosed = errors.New("notification stream closed")

// Handler receives every accepted reading, in notification order
type Handler interface {
	HandleReading(ctx context.Context, reading types.SensorReading)
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, reading types.SensorReading)

// HandleReading calls f
func (f HandlerFunc) HandleReading(ctx context.Context, reading types.SensorReading) {
	f(ctx, reading)
}

// Pipeline filters notifications, derives the device identity and decodes
// the sensor payload
type Pipeline struct {
	filter      *advertisement.Filter
	handler     Handler
	instruments *telemetry.Instruments
	logger      *zap.Logger
	now         func() time.Time
}

// New creates a pipeline delivering readings to handler. instruments may be nil.
func New(filter *advertisement.Filter, handler Handler, instruments *telemetry.Instruments, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		filter:      filter,
		handler:     handler,
		instruments: instruments,
		logger:      logger,
		now:         time.Now,
	}
}

// Process converts one notification into a reading. It returns false for
// notifications that are filtered out or fail identity or decoding; failures
// are logged and never stop the pipeline.
func (p *Pipeline) Process(ctx context.Context, n bluez.Notification) (types.SensorReading, bool) {
	candidate, outcome := p.filter.Admit(n)
	p.instruments.Notification(ctx, outcome.String())
	if outcome != advertisement.Admitted {
		if ce := p.logger.Check(zap.DebugLevel, "notification filtered"); ce != nil {
			ce.Write(
				zap.String("outcome", outcome.String()),
				zap.String("object_path", string(n.Path)),
				zap.String("member", n.Member),
			)
		}
		return types.SensorReading{}, false
	}

	deviceID, err := device.FromObjectPath(string(candidate.Path))
	if err != nil {
		p.instruments.IdentityFailure(ctx)
		p.logger.Warn("dropping advertisement with malformed device path",
			zap.String("object_path", string(candidate.Path)),
			zap.Error(err),
		)
		return types.SensorReading{}, false
	}

	reading, err := decoder.DecodeReading(deviceID, candidate.ServiceData, p.now())
	if err != nil {
		p.instruments.DecodeFailure(ctx)
		p.logger.Warn("dropping undecodable advertisement",
			zap.String("device_id", deviceID),
			zap.Binary("service_data", candidate.ServiceData),
			zap.Error(err),
		)
		return types.SensorReading{}, false
	}

	p.instruments.Reading(ctx)
	return reading, true
}

// Run consumes notifications in arrival order and calls the handler
// synchronously for every accepted reading. It returns nil when ctx is done
// and ErrStreamClosed if the channel closes first.
func (p *Pipeline) Run(ctx context.Context, notifications <-chan bluez.Notification) error {
	p.logger.Info("pipeline started")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopping")
			return nil
		case n, ok := <-notifications:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrStreamClosed
			}

			if reading, ok := p.Process(ctx, n); ok {
				p.handler.HandleReading(ctx, reading)
			}
		}
	}
}

package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/mjasion/balena-home/switchbot/reporter"
	"github.com/mjasion/balena-home/switchbot/telemetry"
	"github.com/mjasion/balena-home/switchbot/types"
)

// ReportHandler forwards readings to a reporter. Reporting errors are logged
// and counted, never propagated.
type ReportHandler struct {
	reporter    reporter.Reporter
	instruments *telemetry.Instruments
	logger      *zap.Logger
	observers   []func(types.SensorReading)
}

// NewReportHandler creates a handler reporting through r. Observers are
// called after every reading regardless of the reporting outcome.
func NewReportHandler(r reporter.Reporter, instruments *telemetry.Instruments, logger *zap.Logger, observers ...func(types.SensorReading)) *ReportHandler {
	return &ReportHandler{
		reporter:    r,
		instruments: instruments,
		logger:      logger,
		observers:   observers,
	}
}

// HandleReading reports the reading
func (h *ReportHandler) HandleReading(ctx context.Context, reading types.SensorReading) {
	h.logger.Debug("sensor_reading",
		zap.String("device_id", reading.DeviceID),
		zap.Float32("temperature_celsius", reading.TemperatureCelsius),
		zap.Bool("unit_is_fahrenheit", reading.UnitIsFahrenheit),
		zap.Uint8("humidity_percent", reading.HumidityPercent),
		zap.Uint8("battery_percent", reading.BatteryPercent),
	)

	if err := h.reporter.Report(ctx, reading); err != nil {
		for _, sink := range reporter.FailedSinks(err) {
			h.instruments.ReportFailure(ctx, sink)
		}
		telemetry.WithTraceContext(ctx, h.logger).Warn("failed to report reading",
			zap.String("device_id", reading.DeviceID),
			zap.Error(err),
		)
	}

	for _, observe := range h.observers {
		observe(reading)
	}
}

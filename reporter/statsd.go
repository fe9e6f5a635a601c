package reporter

import (
	"context"
	"fmt"

	"github.com/cactus/go-statsd-client/v5/statsd"
	"go.uber.org/multierr"

	"github.com/mjasion/balena-home/switchbot/device"
	"github.com/mjasion/balena-home/switchbot/types"
)

// GaugeSender emits a single named gauge sample
type GaugeSender interface {
	Gauge(name string, value int64) error
}

// StatsdSender sends gauges over UDP with the statsd line protocol
type StatsdSender struct {
	client statsd.Statter
}

// NewStatsdSender creates a sender for address. Every metric name is
// prefixed with prefix and a dot.
func NewStatsdSender(address, prefix string) (*StatsdSender, error) {
	client, err := statsd.NewClientWithConfig(&statsd.ClientConfig{
		Address: address,
		Prefix:  prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create statsd client for %s: %w", address, err)
	}
	return &StatsdSender{client: client}, nil
}

// Gauge sends name:value|g. A negative value is sent as a reset to zero
// followed by a signed delta, since a leading '-' on a gauge means decrement.
func (s *StatsdSender) Gauge(name string, value int64) error {
	if value >= 0 {
		return s.client.Gauge(name, value, 1.0)
	}
	if err := s.client.Gauge(name, 0, 1.0); err != nil {
		return err
	}
	return s.client.GaugeDelta(name, value, 1.0)
}

// Close releases the underlying socket
func (s *StatsdSender) Close() error {
	return s.client.Close()
}

// StatsdReporter emits temperature.<id>, humidity.<id> and battery.<id>
// gauges for every reading
type StatsdReporter struct {
	sender GaugeSender
}

// NewStatsdReporter creates a reporter writing through sender
func NewStatsdReporter(sender GaugeSender) *StatsdReporter {
	return &StatsdReporter{sender: sender}
}

// Report sends all three samples. Each is attempted even if an earlier one
// failed.
func (r *StatsdReporter) Report(_ context.Context, reading types.SensorReading) error {
	id := device.MetricID(reading.DeviceID)

	samples := []struct {
		name  string
		value int64
	}{
		{"temperature." + id, CentiDegrees(reading.TemperatureCelsius)},
		{"humidity." + id, int64(reading.HumidityPercent)},
		{"battery." + id, int64(reading.BatteryPercent)},
	}

	var err error
	for _, s := range samples {
		if sendErr := r.sender.Gauge(s.name, s.value); sendErr != nil {
			err = multierr.Append(err, fmt.Errorf("gauge %s: %w", s.name, sendErr))
		}
	}
	return err
}

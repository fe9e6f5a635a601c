package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of the agent counters
const MeterName = "github.com/mjasion/balena-home/switchbot"

// Instruments holds the agent's self-metrics. A nil *Instruments is valid and
// records nothing.
type Instruments struct {
	notifications          metric.Int64Counter
	readings               metric.Int64Counter
	decodeFailures         metric.Int64Counter
	identityFailures       metric.Int64Counter
	reportFailures         metric.Int64Counter
	discoveryRestarts      metric.Int64Counter
	discoveryCheckFailures metric.Int64Counter
}

// NewInstruments creates the counters on meter
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	var (
		i   Instruments
		err error
	)

	counters := []struct {
		target      *metric.Int64Counter
		name        string
		description string
		unit        string
	}{
		{&i.notifications, "switchbot.notifications", "Bus notifications seen by the advertisement filter", "{notification}"},
		{&i.readings, "switchbot.readings", "Sensor readings decoded", "{reading}"},
		{&i.decodeFailures, "switchbot.decode_failures", "Admitted advertisements with undecodable service data", "{advertisement}"},
		{&i.identityFailures, "switchbot.identity_failures", "Admitted advertisements with a malformed device object path", "{advertisement}"},
		{&i.reportFailures, "switchbot.report_failures", "Readings whose reporting failed", "{reading}"},
		{&i.discoveryRestarts, "switchbot.discovery_restarts", "Times the adapter was powered on or discovery restarted", "{restart}"},
		{&i.discoveryCheckFailures, "switchbot.discovery_check_failures", "Discovery health checks that failed", "{check}"},
	}

	for _, c := range counters {
		*c.target, err = meter.Int64Counter(c.name,
			metric.WithDescription(c.description),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create counter %s: %w", c.name, err)
		}
	}

	return &i, nil
}

// NewGlobalInstruments creates the counters on the global meter provider,
// which is a no-op unless OpenTelemetry metrics are enabled
func NewGlobalInstruments() (*Instruments, error) {
	return NewInstruments(otel.Meter(MeterName))
}

// Notification counts a filtered notification by outcome
func (i *Instruments) Notification(ctx context.Context, outcome string) {
	if i == nil {
		return
	}
	i.notifications.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Reading counts a decoded reading
func (i *Instruments) Reading(ctx context.Context) {
	if i == nil {
		return
	}
	i.readings.Add(ctx, 1)
}

// DecodeFailure counts undecodable service data
func (i *Instruments) DecodeFailure(ctx context.Context) {
	if i == nil {
		return
	}
	i.decodeFailures.Add(ctx, 1)
}

// IdentityFailure counts malformed device object paths
func (i *Instruments) IdentityFailure(ctx context.Context) {
	if i == nil {
		return
	}
	i.identityFailures.Add(ctx, 1)
}

// ReportFailure counts a reading that could not be fully reported
func (i *Instruments) ReportFailure(ctx context.Context, reporter string) {
	if i == nil {
		return
	}
	i.reportFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reporter", reporter)))
}

// DiscoveryRestart counts a corrective action taken by the discovery supervisor
func (i *Instruments) DiscoveryRestart(ctx context.Context, action string) {
	if i == nil {
		return
	}
	i.discoveryRestarts.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// DiscoveryCheckFailure counts a failed discovery health check
func (i *Instruments) DiscoveryCheckFailure(ctx context.Context) {
	if i == nil {
		return
	}
	i.discoveryCheckFailures.Add(ctx, 1)
}

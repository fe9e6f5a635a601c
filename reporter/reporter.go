// Package reporter publishes sensor readings to metric sinks.
package reporter

import (
	"context"
	"errors"
	"math"

	"go.uber.org/multierr"

	"github.com/mjasion/balena-home/switchbot/types"
)

// Reporter accepts a reading and publishes it. Errors are observable but
// never fatal to the caller.
type Reporter interface {
	Report(ctx context.Context, reading types.SensorReading) error
}

// ReporterFunc adapts a function to the Reporter interface
type ReporterFunc func(ctx context.Context, reading types.SensorReading) error

// Report calls f
func (f ReporterFunc) Report(ctx context.Context, reading types.SensorReading) error {
	return f(ctx, reading)
}

// Multi forwards every reading to all reporters, best-effort. A failure in
// one reporter does not stop the others; all errors are combined.
type Multi []Reporter

// Report forwards reading to every reporter
func (m Multi) Report(ctx context.Context, reading types.SensorReading) error {
	var err error
	for _, r := range m {
		err = multierr.Append(err, r.Report(ctx, reading))
	}
	return err
}

// SinkError attributes a reporting failure to the sink that produced it
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string {
	return e.Sink + ": " + e.Err.Error()
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// Named wraps r so its errors are reported as a *SinkError for name
func Named(name string, r Reporter) Reporter {
	return ReporterFunc(func(ctx context.Context, reading types.SensorReading) error {
		if err := r.Report(ctx, reading); err != nil {
			return &SinkError{Sink: name, Err: err}
		}
		return nil
	})
}

// FailedSinks lists the sink behind each error combined in err. Errors not
// produced by a Named reporter are listed as "unknown".
func FailedSinks(err error) []string {
	var sinks []string
	for _, e := range multierr.Errors(err) {
		var sinkErr *SinkError
		if errors.As(e, &sinkErr) {
			sinks = append(sinks, sinkErr.Sink)
		} else {
			sinks = append(sinks, "unknown")
		}
	}
	return sinks
}

// CentiDegrees converts a Celsius temperature to signed hundredths of a degree
func CentiDegrees(celsius float32) int64 {
	return int64(math.Round(float64(celsius) * 100))
}

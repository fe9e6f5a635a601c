package reporter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/switchbot/buffer"
	"github.com/mjasion/balena-home/switchbot/types"
)

const (
	pushAttempts = 3

	temperatureSeries = "switchbot_temperature_celsius"
	humiditySeries    = "switchbot_humidity_percent"
	batterySeries     = "switchbot_battery_percent"
)

// RemoteWriteConfig contains configuration for the remote_write sink
type RemoteWriteConfig struct {
	URL          string
	Username     string
	Password     string
	PushInterval time.Duration
	BatchSize    int
	BufferSize   int
}

// RemoteWriteReporter buffers readings and periodically pushes them to a
// Prometheus remote_write endpoint
type RemoteWriteReporter struct {
	url          string
	username     string
	password     string
	client       *http.Client
	logger       *zap.Logger
	buffer       *buffer.RingBuffer[types.SensorReading]
	pushInterval time.Duration
	batchSize    int
	retryDelay   time.Duration

	mu       sync.Mutex
	lastPush time.Time
}

// NewRemoteWriteReporter creates a remote_write reporter with an
// OpenTelemetry-instrumented HTTP client
func NewRemoteWriteReporter(cfg RemoteWriteConfig, logger *zap.Logger) *RemoteWriteReporter {
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: otelhttp.NewTransport(
			http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(string, *http.Request) string {
				return "prometheus.remote_write"
			}),
		),
	}

	batchSize := cfg.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}

	return &RemoteWriteReporter{
		url:          cfg.URL,
		username:     cfg.Username,
		password:     cfg.Password,
		client:       httpClient,
		logger:       logger,
		buffer:       buffer.New[types.SensorReading](cfg.BufferSize),
		pushInterval: cfg.PushInterval,
		batchSize:    batchSize,
		retryDelay:   time.Second,
	}
}

// Report enqueues the reading for the next push
func (r *RemoteWriteReporter) Report(_ context.Context, reading types.SensorReading) error {
	if r.buffer.Add(reading) {
		r.logger.Warn("remote write buffer full, overwriting oldest reading",
			zap.Int("capacity", r.buffer.Cap()),
			zap.Uint64("dropped_total", r.buffer.Dropped()),
		)
	}
	return nil
}

// Run pushes buffered readings every push interval until ctx is done
func (r *RemoteWriteReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.pushInterval)
	defer ticker.Stop()

	r.logger.Info("remote write pusher started",
		zap.Duration("push_interval", r.pushInterval),
		zap.Int("batch_size", r.batchSize),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("remote write pusher stopping")
			return
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				r.logger.Error("remote write flush failed", zap.Error(err))
			}
		}
	}
}

// Flush pushes everything currently buffered in batches. On failure the
// failed batch and all later ones are put back into the buffer.
func (r *RemoteWriteReporter) Flush(ctx context.Context) error {
	readings := r.buffer.Drain(0)
	if len(readings) == 0 {
		r.logger.Debug("no readings to push")
		return nil
	}

	// Re-queued batches land behind readings that arrived during the failed push
	sortByObservedAt(readings)

	for start := 0; start < len(readings); start += r.batchSize {
		end := start + r.batchSize
		if end > len(readings) {
			end = len(readings)
		}

		if err := r.Push(ctx, readings[start:end]); err != nil {
			for _, reading := range readings[start:] {
				r.buffer.Add(reading)
			}
			return fmt.Errorf("batch starting at %d of %d: %w", start, len(readings), err)
		}
	}

	return nil
}

// Push sends readings with up to three attempts and exponential backoff
func (r *RemoteWriteReporter) Push(ctx context.Context, readings []types.SensorReading) error {
	ctx, span := otel.Tracer("reporter").Start(ctx, "reporter.RemoteWrite.Push",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("readings.count", len(readings))),
	)
	defer span.End()

	if len(readings) == 0 {
		return nil
	}

	writeReq := &prompb.WriteRequest{Timeseries: BuildTimeSeries(readings)}

	var lastErr error
	for attempt := 1; attempt <= pushAttempts; attempt++ {
		lastErr = r.pushOnce(ctx, writeReq)
		if lastErr == nil {
			r.mu.Lock()
			r.lastPush = time.Now()
			r.mu.Unlock()

			r.logger.Info("successfully pushed readings",
				zap.Int("readings", len(readings)),
				zap.Int("time_series", len(writeReq.Timeseries)),
				zap.Int("attempt", attempt),
			)
			span.SetStatus(codes.Ok, "pushed")
			return nil
		}

		r.logger.Warn("failed to push readings, will retry",
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		span.AddEvent("push attempt failed", trace.WithAttributes(attribute.Int("attempt", attempt)))

		if attempt < pushAttempts {
			select {
			case <-ctx.Done():
				span.RecordError(ctx.Err())
				span.SetStatus(codes.Error, "context cancelled")
				return ctx.Err()
			case <-time.After(r.retryDelay << (attempt - 1)):
			}
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "push failed")
	return fmt.Errorf("failed to push readings after %d attempts: %w", pushAttempts, lastErr)
}

func (r *RemoteWriteReporter) pushOnce(ctx context.Context, writeReq *prompb.WriteRequest) error {
	data, err := proto.Marshal(writeReq)
	if err != nil {
		return fmt.Errorf("failed to marshal protobuf: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(snappy.Encode(nil, data)))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if r.username != "" && r.password != "" {
		req.SetBasicAuth(r.username, r.password)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("received non-2xx status code: %d, body: %s", resp.StatusCode, string(body))
	}

	return nil
}

// LastPushTime returns the time of the last successful push
func (r *RemoteWriteReporter) LastPushTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastPush
}

// Buffered returns the number of readings waiting to be pushed
func (r *RemoteWriteReporter) Buffered() int {
	return r.buffer.Len()
}

// BuildTimeSeries groups readings per device into temperature, humidity and
// battery series labelled with device_id. Devices are ordered by id and
// samples by observation time.
func BuildTimeSeries(readings []types.SensorReading) []prompb.TimeSeries {
	byDevice := make(map[string][]types.SensorReading)
	for _, reading := range sortedByObservedAt(readings) {
		byDevice[reading.DeviceID] = append(byDevice[reading.DeviceID], reading)
	}

	ids := make([]string, 0, len(byDevice))
	for id := range byDevice {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	series := make([]prompb.TimeSeries, 0, len(ids)*3)
	for _, id := range ids {
		deviceReadings := byDevice[id]
		series = append(series,
			newSeries(temperatureSeries, id, deviceReadings, func(r types.SensorReading) float64 {
				return float64(CentiDegrees(r.TemperatureCelsius)) / 100
			}),
			newSeries(humiditySeries, id, deviceReadings, func(r types.SensorReading) float64 {
				return float64(r.HumidityPercent)
			}),
			newSeries(batterySeries, id, deviceReadings, func(r types.SensorReading) float64 {
				return float64(r.BatteryPercent)
			}),
		)
	}

	return series
}

func sortByObservedAt(readings []types.SensorReading) {
	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].ObservedAt.Before(readings[j].ObservedAt)
	})
}

func sortedByObservedAt(readings []types.SensorReading) []types.SensorReading {
	sorted := make([]types.SensorReading, len(readings))
	copy(sorted, readings)
	sortByObservedAt(sorted)
	return sorted
}

func newSeries(name, deviceID string, readings []types.SensorReading, value func(types.SensorReading) float64) prompb.TimeSeries {
	samples := make([]prompb.Sample, 0, len(readings))
	for _, r := range readings {
		samples = append(samples, prompb.Sample{
			Value:     value(r),
			Timestamp: r.ObservedAt.UnixMilli(),
		})
	}

	return prompb.TimeSeries{
		Labels: []prompb.Label{
			{Name: "__name__", Value: name},
			{Name: "device_id", Value: deviceID},
		},
		Samples: samples,
	}
}

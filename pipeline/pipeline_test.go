package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mjasion/balena-home/switchbot/advertisement"
	"github.com/mjasion/balena-home/switchbot/bluez"
	"github.com/mjasion/balena-home/switchbot/reporter"
	"github.com/mjasion/balena-home/switchbot/telemetry"
	"github.com/mjasion/balena-home/switchbot/types"
)

const (
	deviceInterface = "org.bluez.Device1"
	sensorUUID      = "00000d00-0000-1000-8000-00805f9b34fb"
	devicePath      = "/org/bluez/hci0/dev_F0_73_23_10_C7_3E"
)

var observedAt = time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

func advertisementSignal(path string, payload []byte) bluez.Notification {
	serviceData := map[string]dbus.Variant{sensorUUID: dbus.MakeVariant(payload)}
	return bluez.FromSignal(&dbus.Signal{
		Path: dbus.ObjectPath(path),
		Name: bluez.PropertiesInterface + "." + bluez.PropertiesChangedMember,
		Body: []interface{}{
			deviceInterface,
			map[string]dbus.Variant{bluez.ServiceDataProperty: dbus.MakeVariant(serviceData)},
			[]string{},
		},
	})
}

func rssiSignal(path string) bluez.Notification {
	return bluez.FromSignal(&dbus.Signal{
		Path: dbus.ObjectPath(path),
		Name: bluez.PropertiesInterface + "." + bluez.PropertiesChangedMember,
		Body: []interface{}{
			deviceInterface,
			map[string]dbus.Variant{"RSSI": dbus.MakeVariant(int16(-60))},
			[]string{},
		},
	})
}

type recordingHandler struct {
	readings []types.SensorReading
}

func (h *recordingHandler) HandleReading(_ context.Context, reading types.SensorReading) {
	h.readings = append(h.readings, reading)
}

func newPipeline(handler Handler, logger *zap.Logger) *Pipeline {
	p := New(advertisement.NewFilter(deviceInterface, sensorUUID), handler, nil, logger)
	p.now = func() time.Time { return observedAt }
	return p
}

func TestProcess_ValidAdvertisement(t *testing.T) {
	p := newPipeline(&recordingHandler{}, zap.NewNop())

	reading, ok := p.Process(context.Background(), advertisementSignal(devicePath, []byte{0x00, 0x00, 0x32, 0x01, 0x85, 0x28}))
	if !ok {
		t.Fatal("Expected reading to be accepted")
	}

	expected := types.SensorReading{
		ObservedAt:         observedAt,
		DeviceID:           "F0:73:23:10:C7:3E",
		TemperatureCelsius: 5.1,
		HumidityPercent:    40,
		BatteryPercent:     50,
	}
	if reading != expected {
		t.Errorf("Expected %+v, got %+v", expected, reading)
	}
}

func TestProcess_FilteredNotification(t *testing.T) {
	p := newPipeline(&recordingHandler{}, zap.NewNop())

	if _, ok := p.Process(context.Background(), rssiSignal(devicePath)); ok {
		t.Error("Expected RSSI-only change to be filtered")
	}

	other := bluez.Notification{Kind: bluez.KindMethodCall, Interface: "org.bluez.Adapter1", Member: "StartDiscovery"}
	if _, ok := p.Process(context.Background(), other); ok {
		t.Error("Expected method call to be filtered")
	}
}

func TestProcess_TruncatedPayloadWarns(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	p := newPipeline(&recordingHandler{}, zap.New(core))

	if _, ok := p.Process(context.Background(), advertisementSignal(devicePath, []byte{0x00, 0x00, 0x32})); ok {
		t.Fatal("Expected truncated payload to be dropped")
	}

	entries := logs.FilterMessage("dropping undecodable advertisement").All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 warning, got %d", len(entries))
	}
	if entries[0].ContextMap()["device_id"] != "F0:73:23:10:C7:3E" {
		t.Errorf("Expected device_id field, got %v", entries[0].ContextMap())
	}
}

func TestProcess_MalformedPathWarns(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	p := newPipeline(&recordingHandler{}, zap.New(core))

	if _, ok := p.Process(context.Background(), advertisementSignal("/org/bluez/hci0/dev_F0_73", []byte{0x00, 0x00, 0x32, 0x01, 0x85, 0x28})); ok {
		t.Fatal("Expected malformed path to be dropped")
	}

	if logs.FilterMessage("dropping advertisement with malformed device path").Len() != 1 {
		t.Errorf("Expected malformed path warning, got %v", logs.All())
	}
}

func TestRun_EndToEnd(t *testing.T) {
	sender := &countingSender{}
	handler := NewReportHandler(reporter.NewStatsdReporter(sender), nil, zap.NewNop())
	p := newPipeline(handler, zap.NewNop())

	notifications := make(chan bluez.Notification, 4)
	notifications <- rssiSignal(devicePath)
	notifications <- advertisementSignal(devicePath, []byte{0x00, 0x00, 0x32, 0x01, 0x85, 0x28})
	notifications <- advertisementSignal(devicePath, []byte{0x00})
	close(notifications)

	err := p.Run(context.Background(), notifications)
	if !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Expected ErrStreamClosed, got %v", err)
	}

	if len(sender.names) != 3 {
		t.Fatalf("Expected exactly 3 gauges, got %d: %v", len(sender.names), sender.names)
	}
	if sender.values["temperature.f0732310c73e"] != 510 {
		t.Errorf("Expected temperature 510, got %d", sender.values["temperature.f0732310c73e"])
	}
	if sender.values["humidity.f0732310c73e"] != 40 {
		t.Errorf("Expected humidity 40, got %d", sender.values["humidity.f0732310c73e"])
	}
	if sender.values["battery.f0732310c73e"] != 50 {
		t.Errorf("Expected battery 50, got %d", sender.values["battery.f0732310c73e"])
	}
}

func TestRun_PreservesOrder(t *testing.T) {
	handler := &recordingHandler{}
	p := newPipeline(handler, zap.NewNop())

	notifications := make(chan bluez.Notification, 3)
	notifications <- advertisementSignal("/org/bluez/hci0/dev_AA_AA_AA_AA_AA_01", []byte{0, 0, 1, 0, 0x81, 1})
	notifications <- advertisementSignal("/org/bluez/hci0/dev_AA_AA_AA_AA_AA_02", []byte{0, 0, 2, 0, 0x82, 2})
	notifications <- advertisementSignal("/org/bluez/hci0/dev_AA_AA_AA_AA_AA_03", []byte{0, 0, 3, 0, 0x83, 3})
	close(notifications)

	_ = p.Run(context.Background(), notifications)

	if len(handler.readings) != 3 {
		t.Fatalf("Expected 3 readings, got %d", len(handler.readings))
	}
	for i, reading := range handler.readings {
		if int(reading.BatteryPercent) != i+1 {
			t.Errorf("Expected reading %d in arrival order, got battery %d", i+1, reading.BatteryPercent)
		}
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	p := newPipeline(&recordingHandler{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx, make(chan bluez.Notification))
	}()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil on cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestReportHandler_ErrorsDoNotStopPipeline(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	calls := 0
	failing := reporter.ReporterFunc(func(context.Context, types.SensorReading) error {
		calls++
		return errors.New("socket send failed")
	})

	var observed []types.SensorReading
	handler := NewReportHandler(failing, nil, zap.New(core), func(r types.SensorReading) {
		observed = append(observed, r)
	})
	p := newPipeline(handler, zap.New(core))

	notifications := make(chan bluez.Notification, 2)
	notifications <- advertisementSignal(devicePath, []byte{0x00, 0x00, 0x32, 0x01, 0x85, 0x28})
	notifications <- advertisementSignal(devicePath, []byte{0x00, 0x00, 0x32, 0x01, 0x85, 0x28})
	close(notifications)

	_ = p.Run(context.Background(), notifications)

	if calls != 2 {
		t.Errorf("Expected reporter called twice, got %d", calls)
	}
	if len(observed) != 2 {
		t.Errorf("Expected observer called twice, got %d", len(observed))
	}
	if logs.FilterMessage("failed to report reading").Len() != 2 {
		t.Errorf("Expected 2 report warnings, got %d", logs.FilterMessage("failed to report reading").Len())
	}
}

func TestReportHandler_CountsFailuresPerSink(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	instruments, err := telemetry.NewInstruments(provider.Meter(telemetry.MeterName))
	if err != nil {
		t.Fatalf("Failed to create instruments: %v", err)
	}

	sinks := reporter.Multi{
		reporter.Named("statsd", reporter.ReporterFunc(func(context.Context, types.SensorReading) error {
			return errors.New("connection refused")
		})),
		reporter.Named("stdout", reporter.ReporterFunc(func(context.Context, types.SensorReading) error {
			return nil
		})),
	}
	handler := NewReportHandler(sinks, instruments, zap.NewNop())

	ctx := context.Background()
	handler.HandleReading(ctx, types.SensorReading{DeviceID: "F0:73:23:10:C7:3E"})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Failed to collect metrics: %v", err)
	}

	failures := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "switchbot.report_failures" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				name, _ := dp.Attributes.Value("reporter")
				failures[name.AsString()] += dp.Value
			}
		}
	}

	if failures["statsd"] != 1 {
		t.Errorf("Expected 1 statsd failure, got %d", failures["statsd"])
	}
	if len(failures) != 1 {
		t.Errorf("Expected failures attributed to statsd only, got %v", failures)
	}
}

type countingSender struct {
	names  []string
	values map[string]int64
}

func (s *countingSender) Gauge(name string, value int64) error {
	if s.values == nil {
		s.values = make(map[string]int64)
	}
	s.names = append(s.names, name)
	s.values[name] = value
	return nil
}

package decoder

import (
	"errors"
	"fmt"
	"time"

	"github.com/mjasion/balena-home/switchbot/types"
)

// MinPayloadLength is the number of service data bytes the decoder reads (indices 0-5)
const MinPayloadLength = 6

// ErrTruncated is returned when the service data is shorter than MinPayloadLength
var ErrTruncated = errors.New("switchbot payload truncated")

// Payload holds the measurements carried by a SwitchBot thermometer service data block
type Payload struct {
	TemperatureCelsius float32
	UnitIsFahrenheit   bool
	HumidityPercent    uint8
	BatteryPercent     uint8
}

// Decode decodes the SwitchBot Meter service data format
// Format (6 bytes read):
// - Bytes 0-1: device type and flags (ignored)
// - Byte 2: bits 0-6 battery percentage
// - Byte 3: temperature magnitude, tenths of a degree (added as-is)
// - Byte 4: bit 7 sign (1 = positive), bits 0-6 whole degrees
// - Byte 5: bit 7 Fahrenheit display flag, bits 0-6 humidity percentage
//
// Battery and humidity are masked to 7 bits and otherwise passed through
// unvalidated, so values between 101 and 127 are possible.
func Decode(data []byte) (Payload, error) {
	if len(data) < MinPayloadLength {
		return Payload{}, fmt.Errorf("%w: expected at least %d bytes, got %d", ErrTruncated, MinPayloadLength, len(data))
	}

	sign := int32(-1)
	if data[4]&0x80 != 0 {
		sign = 1
	}
	tenths := sign * (int32(data[4]&0x7F)*10 + int32(data[3]))

	return Payload{
		TemperatureCelsius: float32(tenths) / 10,
		UnitIsFahrenheit:   data[5]&0x80 != 0,
		HumidityPercent:    data[5] & 0x7F,
		BatteryPercent:     data[2] & 0x7F,
	}, nil
}

// DecodeReading decodes service data and attaches the device identity
func DecodeReading(deviceID string, data []byte, observedAt time.Time) (types.SensorReading, error) {
	payload, err := Decode(data)
	if err != nil {
		return types.SensorReading{}, err
	}

	return types.SensorReading{
		ObservedAt:         observedAt,
		DeviceID:           deviceID,
		TemperatureCelsius: payload.TemperatureCelsius,
		UnitIsFahrenheit:   payload.UnitIsFahrenheit,
		HumidityPercent:    payload.HumidityPercent,
		BatteryPercent:     payload.BatteryPercent,
	}, nil
}

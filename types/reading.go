package types

import (
	"fmt"
	"time"
)

// SensorReading is a single decoded advertisement from a SwitchBot
// thermometer. Values are never mutated after construction.
type SensorReading struct {
	ObservedAt         time.Time
	DeviceID           string // uppercase colon-separated address, e.g. F0:73:23:10:C7:3E
	TemperatureCelsius float32
	UnitIsFahrenheit   bool // display preference only, TemperatureCelsius is always Celsius
	HumidityPercent    uint8
	BatteryPercent     uint8
}

// Fahrenheit returns the temperature converted to degrees Fahrenheit
func (r SensorReading) Fahrenheit() float32 {
	return r.TemperatureCelsius*9/5 + 32
}

// CelsiusFromFahrenheit converts degrees Fahrenheit to degrees Celsius
func CelsiusFromFahrenheit(f float32) float32 {
	return (f - 32) * 5 / 9
}

// DisplayTemperature returns the temperature in the unit the sensor is set to
// show, together with the unit symbol.
func (r SensorReading) DisplayTemperature() (float32, string) {
	if r.UnitIsFahrenheit {
		return r.Fahrenheit(), "F"
	}
	return r.TemperatureCelsius, "C"
}

// String renders the reading as "<device_id> <temperature> <humidity> <battery>"
func (r SensorReading) String() string {
	temperature, _ := r.DisplayTemperature()
	return fmt.Sprintf("%s %.1f %d %d", r.DeviceID, temperature, r.HumidityPercent, r.BatteryPercent)
}

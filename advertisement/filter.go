package advertisement

import (
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/mjasion/balena-home/switchbot/bluez"
)

// Outcome classifies a notification after filtering
type Outcome int

const (
	// Admitted notifications carry sensor service data
	Admitted Outcome = iota
	// NotApplicable notifications are not Device1 property changes
	NotApplicable
	// NoSensorPayload notifications are Device1 property changes without sensor service data
	NoSensorPayload
)

func (o Outcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case NotApplicable:
		return "not_applicable"
	case NoSensorPayload:
		return "no_sensor_payload"
	default:
		return "unknown"
	}
}

// Candidate is an admitted advertisement: the device object path and the raw
// service data stored under the sensor UUID
type Candidate struct {
	Path        dbus.ObjectPath
	ServiceData []byte
}

// Filter admits PropertiesChanged signals on the device interface whose
// ServiceData contains the sensor service UUID
type Filter struct {
	deviceInterface string
	serviceUUID     string
}

// NewFilter creates a filter. serviceUUID is matched case-insensitively.
func NewFilter(deviceInterface, serviceUUID string) *Filter {
	return &Filter{
		deviceInterface: deviceInterface,
		serviceUUID:     strings.ToLower(serviceUUID),
	}
}

// Admit applies the admission predicate. Only Admitted outcomes return a
// non-empty candidate.
func (f *Filter) Admit(n bluez.Notification) (Candidate, Outcome) {
	if !n.IsPropertiesChanged() {
		return Candidate{}, NotApplicable
	}

	pc, err := n.PropertiesChanged()
	if err != nil || pc.Interface != f.deviceInterface {
		return Candidate{}, NotApplicable
	}

	variant, ok := pc.ChangedProperties[bluez.ServiceDataProperty]
	if !ok {
		return Candidate{}, NoSensorPayload
	}

	data, ok := f.lookup(variant.Value())
	if !ok {
		return Candidate{}, NoSensorPayload
	}

	return Candidate{Path: n.Path, ServiceData: data}, Admitted
}

// lookup finds the sensor UUID in a ServiceData value. BlueZ sends a{sv}
// with byte array variants; a{say} is accepted as well.
func (f *Filter) lookup(serviceData interface{}) ([]byte, bool) {
	switch m := serviceData.(type) {
	case map[string]dbus.Variant:
		for uuid, v := range m {
			if strings.ToLower(uuid) != f.serviceUUID {
				continue
			}
			data, ok := v.Value().([]byte)
			return data, ok
		}
	case map[string][]byte:
		for uuid, data := range m {
			if strings.ToLower(uuid) == f.serviceUUID {
				return data, true
			}
		}
	}
	return nil, false
}

// Package bluez talks to the BlueZ daemon over the system D-Bus: it
// subscribes to device property-change signals and drives the adapter's
// discovery state.
//
// Interface documentation:
// https://git.kernel.org/pub/scm/bluetooth/bluez.git/tree/doc
package bluez

import (
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	// Service is the well-known bus name of the BlueZ daemon
	Service = "org.bluez"

	// PropertiesInterface carries property-change notifications for every bus object
	PropertiesInterface = "org.freedesktop.DBus.Properties"

	// PropertiesChangedMember is the signal emitted when properties change
	PropertiesChangedMember = "PropertiesChanged"

	// AdapterInterface is the BlueZ adapter (radio) interface
	AdapterInterface = "org.bluez.Adapter1"

	// ServiceDataProperty is the Device1 property holding advertised service data
	ServiceDataProperty = "ServiceData"
)

// ErrUnexpectedBody is returned when a PropertiesChanged body does not have
// the (s, a{sv}, as) shape
var ErrUnexpectedBody = errors.New("unexpected PropertiesChanged body")

// Connect opens a private connection to the system bus. Signals are handed
// to subscribers in the order they arrive on the connection.
func Connect() (*dbus.Conn, error) {
	conn, err := dbus.ConnectSystemBus(dbus.WithSignalHandler(newSignalHandler()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return conn, nil
}

// newSignalHandler queues per subscriber instead of spawning a goroutine per
// signal when a subscriber channel is full
func newSignalHandler() dbus.SignalHandler {
	return dbus.NewSequentialSignalHandler()
}

// AdapterPath returns the object path of the named adapter, e.g. /org/bluez/hci0
func AdapterPath(namespace, adapter string) dbus.ObjectPath {
	return dbus.ObjectPath(strings.TrimSuffix(namespace, "/") + "/" + adapter)
}

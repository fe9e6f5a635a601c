package bluez

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// DiscoveryFilter mirrors the subset of Adapter1.SetDiscoveryFilter options the agent uses
type DiscoveryFilter struct {
	Transport     string
	DuplicateData bool
}

// Adapter is a proxy for an org.bluez.Adapter1 object
type Adapter struct {
	obj  dbus.BusObject
	path dbus.ObjectPath
}

// NewAdapter returns a proxy for the adapter at path
func NewAdapter(conn *dbus.Conn, path dbus.ObjectPath) *Adapter {
	return &Adapter{
		obj:  conn.Object(Service, path),
		path: path,
	}
}

// Powered reads the Powered property
func (a *Adapter) Powered(ctx context.Context) (bool, error) {
	return a.boolProperty(ctx, "Powered")
}

// SetPowered writes the Powered property
func (a *Adapter) SetPowered(ctx context.Context, powered bool) error {
	err := a.obj.CallWithContext(ctx, PropertiesInterface+".Set", 0,
		AdapterInterface, "Powered", dbus.MakeVariant(powered)).Err
	if err != nil {
		return fmt.Errorf("failed to set %s Powered=%t: %w", a.path, powered, err)
	}
	return nil
}

// Discovering reads the Discovering property
func (a *Adapter) Discovering(ctx context.Context) (bool, error) {
	return a.boolProperty(ctx, "Discovering")
}

// StartDiscovery calls Adapter1.StartDiscovery
func (a *Adapter) StartDiscovery(ctx context.Context) error {
	if err := a.obj.CallWithContext(ctx, AdapterInterface+".StartDiscovery", 0).Err; err != nil {
		return fmt.Errorf("failed to start discovery on %s: %w", a.path, err)
	}
	return nil
}

// SetDiscoveryFilter calls Adapter1.SetDiscoveryFilter
func (a *Adapter) SetDiscoveryFilter(ctx context.Context, filter DiscoveryFilter) error {
	options := map[string]dbus.Variant{
		"DuplicateData": dbus.MakeVariant(filter.DuplicateData),
	}
	if filter.Transport != "" {
		options["Transport"] = dbus.MakeVariant(filter.Transport)
	}

	if err := a.obj.CallWithContext(ctx, AdapterInterface+".SetDiscoveryFilter", 0, options).Err; err != nil {
		return fmt.Errorf("failed to set discovery filter on %s: %w", a.path, err)
	}
	return nil
}

func (a *Adapter) boolProperty(ctx context.Context, name string) (bool, error) {
	var value dbus.Variant
	err := a.obj.CallWithContext(ctx, PropertiesInterface+".Get", 0, AdapterInterface, name).Store(&value)
	if err != nil {
		return false, fmt.Errorf("failed to read %s %s: %w", a.path, name, err)
	}

	b, ok := value.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property %s.%s has unexpected type %T", AdapterInterface, name, value.Value())
	}
	return b, nil
}

package bluez

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

// MessageKind is the D-Bus message type of a notification
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindMethodCall
	KindMethodReturn
	KindError
	KindSignal
)

func (k MessageKind) String() string {
	switch k {
	case KindMethodCall:
		return "method_call"
	case KindMethodReturn:
		return "method_return"
	case KindError:
		return "error"
	case KindSignal:
		return "signal"
	default:
		return "unknown"
	}
}

// Notification is a raw bus message reduced to the header fields and body
// the advertisement filter looks at
type Notification struct {
	Kind      MessageKind
	Interface string
	Member    string
	Path      dbus.ObjectPath
	Body      []interface{}
}

// PropertiesChanged is the decoded body of an
// org.freedesktop.DBus.Properties.PropertiesChanged signal
type PropertiesChanged struct {
	Interface             string
	ChangedProperties     map[string]dbus.Variant
	InvalidatedProperties []string
}

// FromSignal converts a signal delivered by dbus.Conn.Signal
func FromSignal(sig *dbus.Signal) Notification {
	iface, member := splitSignalName(sig.Name)
	return Notification{
		Kind:      KindSignal,
		Interface: iface,
		Member:    member,
		Path:      sig.Path,
		Body:      sig.Body,
	}
}

// FromMessage converts any bus message, keeping its type
func FromMessage(msg *dbus.Message) Notification {
	n := Notification{
		Kind: kindOf(msg.Type),
		Body: msg.Body,
	}
	if v, ok := msg.Headers[dbus.FieldInterface]; ok {
		n.Interface, _ = v.Value().(string)
	}
	if v, ok := msg.Headers[dbus.FieldMember]; ok {
		n.Member, _ = v.Value().(string)
	}
	if v, ok := msg.Headers[dbus.FieldPath]; ok {
		n.Path, _ = v.Value().(dbus.ObjectPath)
	}
	return n
}

// IsPropertiesChanged reports whether the header describes a
// Properties.PropertiesChanged signal
func (n Notification) IsPropertiesChanged() bool {
	return n.Kind == KindSignal &&
		n.Interface == PropertiesInterface &&
		n.Member == PropertiesChangedMember
}

// PropertiesChanged decodes the body as (s, a{sv}, as). The invalidated
// list is optional.
func (n Notification) PropertiesChanged() (PropertiesChanged, error) {
	if len(n.Body) < 2 {
		return PropertiesChanged{}, fmt.Errorf("%w: expected at least 2 fields, got %d", ErrUnexpectedBody, len(n.Body))
	}

	iface, ok := n.Body[0].(string)
	if !ok {
		return PropertiesChanged{}, fmt.Errorf("%w: interface field is %T", ErrUnexpectedBody, n.Body[0])
	}

	changed, ok := n.Body[1].(map[string]dbus.Variant)
	if !ok {
		return PropertiesChanged{}, fmt.Errorf("%w: changed properties field is %T", ErrUnexpectedBody, n.Body[1])
	}

	pc := PropertiesChanged{
		Interface:         iface,
		ChangedProperties: changed,
	}
	if len(n.Body) > 2 {
		pc.InvalidatedProperties, _ = n.Body[2].([]string)
	}
	return pc, nil
}

func splitSignalName(name string) (string, string) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}

func kindOf(t dbus.Type) MessageKind {
	switch t {
	case dbus.TypeMethodCall:
		return KindMethodCall
	case dbus.TypeMethodReply:
		return KindMethodReturn
	case dbus.TypeError:
		return KindError
	case dbus.TypeSignal:
		return KindSignal
	default:
		return KindUnknown
	}
}

package device

import (
	"errors"
	"fmt"
	"strings"
)

const (
	segmentPrefix = "dev"
	addressBytes  = 6
)

// ErrMalformedPath is returned when an object path does not end in a
// dev_XX_XX_XX_XX_XX_XX segment
var ErrMalformedPath = errors.New("malformed device object path")

// FromObjectPath derives the hardware address from a BlueZ device object path
// such as /org/bluez/hci0/dev_F0_73_23_10_C7_3E, returning F0:73:23:10:C7:3E
func FromObjectPath(path string) (string, error) {
	segment := path[strings.LastIndex(path, "/")+1:]

	tokens := strings.Split(segment, "_")
	if tokens[0] != segmentPrefix {
		return "", fmt.Errorf("%w: %q: last segment does not start with %q", ErrMalformedPath, path, segmentPrefix+"_")
	}

	octets := tokens[1:]
	if len(octets) != addressBytes {
		return "", fmt.Errorf("%w: %q: expected %d address tokens, got %d", ErrMalformedPath, path, addressBytes, len(octets))
	}

	for _, octet := range octets {
		if !isHexByte(octet) {
			return "", fmt.Errorf("%w: %q: invalid address token %q", ErrMalformedPath, path, octet)
		}
	}

	return strings.ToUpper(strings.Join(octets, ":")), nil
}

// MetricID converts a device address into a metric-name-safe identifier:
// separators stripped, lower case (F0:73:23:10:C7:3E -> f0732310c73e)
func MetricID(deviceID string) string {
	return strings.ToLower(strings.ReplaceAll(deviceID, ":", ""))
}

func isHexByte(s string) bool {
	if len(s) != 2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

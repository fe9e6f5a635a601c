package reporter

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/mjasion/balena-home/switchbot/types"
)

// LineReporter writes one "<device_id> <temperature> <humidity> <battery>"
// line per reading
type LineReporter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLineReporter creates a reporter writing to w
func NewLineReporter(w io.Writer) *LineReporter {
	return &LineReporter{w: w}
}

// Report writes the reading line
func (l *LineReporter) Report(_ context.Context, reading types.SensorReading) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := fmt.Fprintln(l.w, reading.String()); err != nil {
		return fmt.Errorf("failed to write reading line: %w", err)
	}
	return nil
}

package bluez

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

// SignalBus is the subset of *dbus.Conn the listener needs
type SignalBus interface {
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
}

// Listener subscribes to PropertiesChanged signals below a path namespace
type Listener struct {
	bus           SignalBus
	pathNamespace string
	bufferSize    int
	logger        *zap.Logger
}

// NewListener creates a listener for signals emitted below pathNamespace (usually /org/bluez)
func NewListener(bus SignalBus, pathNamespace string, bufferSize int, logger *zap.Logger) *Listener {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Listener{
		bus:           bus,
		pathNamespace: pathNamespace,
		bufferSize:    bufferSize,
		logger:        logger,
	}
}

func (l *Listener) matchOptions() []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchInterface(PropertiesInterface),
		dbus.WithMatchMember(PropertiesChangedMember),
		dbus.WithMatchOption("path_namespace", l.pathNamespace),
	}
}

// Subscribe registers the match rule and returns a channel of notifications
// in bus arrival order. The channel is closed when ctx is cancelled or the
// connection stops delivering signals; the match rule is removed on exit.
func (l *Listener) Subscribe(ctx context.Context) (<-chan Notification, error) {
	opts := l.matchOptions()
	if err := l.bus.AddMatchSignal(opts...); err != nil {
		return nil, fmt.Errorf("failed to add match rule: %w", err)
	}

	signals := make(chan *dbus.Signal, l.bufferSize)
	l.bus.Signal(signals)

	l.logger.Info("subscribed to property changes",
		zap.String("path_namespace", l.pathNamespace),
		zap.Int("buffer_size", l.bufferSize),
	)

	out := make(chan Notification)
	go func() {
		defer close(out)
		defer l.unsubscribe(signals, opts)

		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-signals:
				if !ok {
					l.logger.Warn("signal channel closed by bus connection")
					return
				}
				if sig == nil {
					continue
				}
				select {
				case out <- FromSignal(sig):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (l *Listener) unsubscribe(signals chan *dbus.Signal, opts []dbus.MatchOption) {
	l.bus.RemoveSignal(signals)
	if err := l.bus.RemoveMatchSignal(opts...); err != nil {
		l.logger.Warn("failed to remove match rule", zap.Error(err))
		return
	}
	l.logger.Info("unsubscribed from property changes")
}

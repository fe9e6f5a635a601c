// Package health exposes the agent's liveness over HTTP.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/switchbot/discovery"
	"github.com/mjasion/balena-home/switchbot/types"
)

// Status is the /health response body
type Status struct {
	Status             string    `json:"status"`
	LastReadingTime    time.Time `json:"lastReadingTime"`
	Readings           uint64    `json:"readings"`
	LastDiscoveryCheck time.Time `json:"lastDiscoveryCheck"`
	Discovering        bool      `json:"discovering"`

	RemoteWrite *RemoteWriteStatus `json:"remoteWrite,omitempty"`
}

// RemoteWriteStatus reports remote write progress when that sink is enabled
type RemoteWriteStatus struct {
	LastPushTime    time.Time `json:"lastPushTime"`
	BufferedSamples int       `json:"bufferedSamples"`
}

// PushSource is the remote write reporter as seen by the health check
type PushSource interface {
	LastPushTime() time.Time
	Buffered() int
}

// Tracker records pipeline and discovery progress
type Tracker struct {
	mu                 sync.RWMutex
	startedAt          time.Time
	lastReading        time.Time
	readings           uint64
	lastDiscoveryCheck time.Time
	discovering        bool
	pushes             PushSource
	pushMaxAge         time.Duration
}

// NewTracker creates a tracker. Staleness is measured from now until the
// first successful discovery check.
func NewTracker() *Tracker {
	return &Tracker{startedAt: time.Now()}
}

// WatchPushes includes remote write progress in snapshots. The agent is
// unhealthy when the last successful push is older than maxAge.
func (t *Tracker) WatchPushes(src PushSource, maxAge time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pushes = src
	t.pushMaxAge = maxAge
}

// ObserveReading records an accepted reading
func (t *Tracker) ObserveReading(reading types.SensorReading) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readings++
	t.lastReading = reading.ObservedAt
}

// ObserveDiscovery records a discovery check. Only successful checks move
// the last check time forward.
func (t *Tracker) ObserveDiscovery(result discovery.CheckResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discovering = result.Discovering
	if result.Err == nil {
		t.lastDiscoveryCheck = result.At
	}
}

// Snapshot returns the current status, unhealthy when the last successful
// discovery check is older than maxAge
func (t *Tracker) Snapshot(now time.Time, maxAge time.Duration) Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	status := Status{
		Status:             "healthy",
		LastReadingTime:    t.lastReading,
		Readings:           t.readings,
		LastDiscoveryCheck: t.lastDiscoveryCheck,
		Discovering:        t.discovering,
	}

	reference := t.lastDiscoveryCheck
	if reference.IsZero() {
		reference = t.startedAt
	}
	if now.Sub(reference) > maxAge {
		status.Status = "unhealthy"
	}

	if t.pushes != nil {
		lastPush := t.pushes.LastPushTime()
		status.RemoteWrite = &RemoteWriteStatus{
			LastPushTime:    lastPush,
			BufferedSamples: t.pushes.Buffered(),
		}
		if !lastPush.IsZero() && now.Sub(lastPush) > t.pushMaxAge {
			status.Status = "unhealthy"
		}
	}

	return status
}

// Server serves GET /health
type Server struct {
	tracker *Tracker
	maxAge  time.Duration
	server  *http.Server
	logger  *zap.Logger
}

// NewServer creates a health server on port. The agent is reported
// unhealthy when no discovery check succeeded within three check intervals.
func NewServer(tracker *Tracker, checkInterval time.Duration, port int, logger *zap.Logger) *Server {
	s := &Server{
		tracker: tracker,
		maxAge:  3 * checkInterval,
		logger:  logger,
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)

	s.server = &http.Server{
		Addr: fmt.Sprintf(":%d", port),
		Handler: handlers.RecoveryHandler(
			handlers.RecoveryLogger(zap.NewStdLog(logger)),
		)(gziphandler.GzipHandler(router)),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("starting health check server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health check server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := s.tracker.Snapshot(time.Now(), s.maxAge)

	w.Header().Set("Content-Type", "application/json")
	if status.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Debug("failed to write health response", zap.Error(err))
	}
}

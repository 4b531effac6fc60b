// Package server exposes the consumer's health and Prometheus endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/webtrail/webtrail-stack/common/httputil"
	"github.com/webtrail/webtrail-stack/common/logging"
	"github.com/webtrail/webtrail-stack/common/middleware"
)

// Pinger checks a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Counter reports entry outcomes since start.
type Counter interface {
	Counts() (applied, deadLettered, pending int64)
}

// PendingReporter reports the last observed size of the group's pending list.
type PendingReporter interface {
	PendingCount() int64
}

// Identity names the consumer in health responses.
type Identity struct {
	Consumer string
	Group    string
	Stream   string
}

// Status is the /healthz response body.
type Status struct {
	Status         string  `json:"status"`
	Consumer       string  `json:"consumer"`
	Group          string  `json:"group"`
	Stream         string  `json:"stream"`
	Applied        int64   `json:"applied"`
	DeadLettered   int64   `json:"dead_lettered"`
	LeftPending    int64   `json:"left_pending"`
	PendingEntries int64   `json:"pending_entries"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

// Server serves /healthz, /readyz and /metrics.
type Server struct {
	identity Identity
	redis    Pinger
	counter  Counter
	pending  PendingReporter
	logger   *logging.Logger
	started  time.Time
}

// New creates a Server. pending may be nil when no sweeper runs.
func New(identity Identity, redis Pinger, counter Counter, pending PendingReporter, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{
		identity: identity,
		redis:    redis,
		counter:  counter,
		pending:  pending,
		logger:   logger,
		started:  time.Now(),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httputil.MethodGuard(s.health, http.MethodGet, http.MethodHead))
	mux.HandleFunc("/readyz", httputil.MethodGuard(s.ready, http.MethodGet, http.MethodHead))
	mux.Handle("/metrics", promhttp.Handler())
	return middleware.RequestID(middleware.AccessLog(s.logger)(mux))
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	status := Status{
		Status:         "ok",
		Consumer:       s.identity.Consumer,
		Group:          s.identity.Group,
		Stream:         s.identity.Stream,
		PendingEntries: -1,
		UptimeSeconds:  time.Since(s.started).Seconds(),
	}
	if s.counter != nil {
		status.Applied, status.DeadLettered, status.LeftPending = s.counter.Counts()
	}
	if s.pending != nil {
		status.PendingEntries = s.pending.PendingCount()
	}
	httputil.WriteJSON(w, http.StatusOK, status)
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.redis.Ping(ctx); err != nil {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": "redis unavailable"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// ListenAndServe serves on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("metrics server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	return nil
}

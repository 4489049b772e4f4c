// Package server exposes a running audit logger over HTTP so processes
// that are not written in Go can log through the same signed chains.
//
// Routes:
//
//	POST /v1/events  -> sign and append one event (202 with the record)
//	GET  /feed       -> WebSocket live feed of appended records
//	GET  /metrics    -> Prometheus metrics
//	GET  /health     -> liveness and chain heads
//	POST /shutdown   -> graceful shutdown trigger (loopback only)
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skylog/skylog/internal/audit"
	"github.com/skylog/skylog/internal/feed"
	"github.com/skylog/skylog/internal/metrics"
)

// maxEventBody bounds an ingestion request. Audit events are small.
const maxEventBody = 1 << 20

// Options holds the dependencies injected into the server.
type Options struct {
	Logger *audit.Logger
	// Hub serves /feed. Optional.
	Hub *feed.Hub
	// Metrics counts ingestion requests. Optional.
	Metrics *metrics.Metrics
	// Gatherer serves /metrics. Optional; defaults to the global registry.
	Gatherer prometheus.Gatherer
	Version  string
}

// Server is the HTTP front of an audit logger.
type Server struct {
	logger     *audit.Logger
	hub        *feed.Hub
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	version    string
	shutdownCh chan struct{}
}

// New creates a Server with the given dependencies.
func New(opts Options) *Server {
	g := opts.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return &Server{
		logger:     opts.Logger,
		hub:        opts.Hub,
		metrics:    opts.Metrics,
		gatherer:   g,
		version:    opts.Version,
		shutdownCh: make(chan struct{}, 1),
	}
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/events", s.handleEvent)
	if s.hub != nil {
		mux.Handle("/feed", s.hub)
	}
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/shutdown", s.handleShutdown)
	return mux
}

// ShutdownRequested is signalled when POST /shutdown is accepted.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdownCh
}

// Run listens on addr and blocks until ctx is cancelled, a shutdown is
// requested over HTTP, or the listener fails. In-flight requests get ten
// seconds to drain.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run over an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("audit server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down audit server", "reason", "signal")
	case <-s.shutdownCh:
		slog.Info("shutting down audit server", "reason", "shutdown request")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// eventRequest is the body of POST /v1/events.
type eventRequest struct {
	// Channel is the logger name; see audit.Resolver.
	Channel string         `json:"channel"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	outcome := metrics.OutcomeRejected
	defer func() {
		if s.metrics != nil {
			s.metrics.ObserveIngest(outcome, time.Since(start))
		}
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody+1))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if len(body) > maxEventBody {
		http.Error(w, "event too large", http.StatusRequestEntityTooLarge)
		return
	}

	var req eventRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, fmt.Sprintf("invalid event: %v", err), http.StatusBadRequest)
		return
	}
	if req.Level == "" {
		req.Level = audit.LevelInfo.String()
	}
	lvl, err := audit.ParseLevel(req.Level)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Channel == "" {
		req.Channel = string(audit.DefaultChannel)
	}

	rec, err := s.logger.Emit(audit.Event{
		Channel: req.Channel,
		Level:   lvl,
		Message: req.Message,
		Fields:  req.Fields,
	})
	switch {
	case errors.Is(err, audit.ErrFiltered):
		outcome = metrics.OutcomeFiltered
		w.WriteHeader(http.StatusNoContent)
		return
	case errors.Is(err, audit.ErrRecordTooLarge):
		http.Error(w, "event too large", http.StatusRequestEntityTooLarge)
		return
	case errors.Is(err, audit.ErrClosed):
		outcome = metrics.OutcomeFailed
		http.Error(w, "logger closed", http.StatusServiceUnavailable)
		return
	case err != nil:
		outcome = metrics.OutcomeFailed
		slog.Error("audit ingest failed", "name", req.Channel, "error", err)
		http.Error(w, "failed to append record", http.StatusInternalServerError)
		return
	}

	outcome = metrics.OutcomeAccepted
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"chains":  s.logger.State().Snapshot(),
	})
}

// handleShutdown accepts POST from loopback addresses only, so a remote
// client cannot stop the logger.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	if !isLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting_down"})
	select {
	case s.shutdownCh <- struct{}{}:
	default:
		// Already shutting down.
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writing response", "error", err)
	}
}

// isLoopback reports whether a remote address ("ip:port") is a loopback
// address.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

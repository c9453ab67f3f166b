// Package api implements the HTTP and WebSocket API over the session host.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/react-agent/internal/buildinfo"
	"github.com/nugget/react-agent/internal/events"
	"github.com/nugget/react-agent/internal/health"
	"github.com/nugget/react-agent/internal/session"
	"github.com/nugget/react-agent/internal/tools"
	"github.com/nugget/react-agent/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// ToolLister is the part of the tool registry the API exposes.
type ToolLister interface {
	List() []tools.Definition
}

// UsageReporter is the read side of the usage ledger.
type UsageReporter interface {
	Summary(ctx context.Context, since time.Time) (*usage.Summary, error)
	SummaryBySession(ctx context.Context, since time.Time) (map[string]*usage.Summary, error)
	SummaryByModel(ctx context.Context, since time.Time) (map[string]*usage.Summary, error)
}

// HealthReporter is the read side of the provider health monitor.
type HealthReporter interface {
	Status() []health.Status
	Ready() bool
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	host    *session.Host
	tools   ToolLister
	usage   UsageReporter
	health  HealthReporter
	bus     *events.Bus
	logger  *slog.Logger
	server  *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithEventBus enables the /v1/events WebSocket feed.
func WithEventBus(bus *events.Bus) Option {
	return func(s *Server) { s.bus = bus }
}

// WithUsage enables the /v1/usage endpoint.
func WithUsage(u UsageReporter) Option {
	return func(s *Server) { s.usage = u }
}

// WithHealth reports provider reachability on /health.
func WithHealth(h HealthReporter) Option {
	return func(s *Server) { s.health = h }
}

// NewServer creates a new API server.
func NewServer(address string, port int, host *session.Host, tl ToolLister, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		address: address,
		port:    port,
		host:    host,
		tools:   tl,
		logger:  logger.With("component", "api"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed handler with request logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Sessions
	mux.HandleFunc("POST /v1/sessions", s.handleSessionCreate)
	mux.HandleFunc("GET /v1/sessions", s.handleSessionList)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleSessionDelete)
	mux.HandleFunc("POST /v1/sessions/{id}/turns", s.handleTurn)
	mux.HandleFunc("PATCH /v1/sessions/{id}/side-channel", s.handleSideChannel)

	// WebSocket
	mux.HandleFunc("GET /v1/sessions/{id}/ws", s.handleTurnSocket)
	mux.HandleFunc("GET /v1/events", s.handleEventSocket)

	// Introspection
	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: a turn runs as long as the loop needs and
		// WebSocket connections are long-lived.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the logging middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errorType(code),
			"code":    code,
		},
	}, s.logger)
}

func errorType(code int) string {
	switch {
	case code == http.StatusNotFound:
		return "not_found"
	case code == http.StatusConflict:
		return "conflict"
	case code >= 500:
		return "server_error"
	}
	return "invalid_request_error"
}

// sessionError maps host errors onto HTTP responses.
func (s *Server) sessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		s.errorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrSessionExists):
		s.errorResponse(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrEmptyMessage), errors.Is(err, session.ErrInvalidID):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.errorResponse(w, http.StatusServiceUnavailable, "request cancelled: "+err.Error())
	default:
		s.logger.Error("session operation failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "react-agent",
		"version": buildinfo.Info().Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleHealth always answers 200 while the server is up. The status is
// "degraded" when a watched provider is unreachable.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "healthy"}
	if s.health != nil {
		if !s.health.Ready() {
			resp["status"] = "degraded"
		}
		resp["providers"] = s.health.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	var defs []tools.Definition
	if s.tools != nil {
		defs = s.tools.List()
	}
	if defs == nil {
		defs = []tools.Definition{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"tools": defs}, s.logger)
}

// handleUsage reports the usage ledger. The optional since parameter is
// an RFC 3339 timestamp or a Go duration counted back from now.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage ledger not enabled")
		return
	}

	since, err := parseSince(r.URL.Query().Get("since"), time.Now())
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	total, err := s.usage.Summary(ctx, since)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}
	bySession, err := s.usage.SummaryBySession(ctx, since)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}
	byModel, err := s.usage.SummaryByModel(ctx, since)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"since":      since.UTC().Format(time.RFC3339),
		"total":      total,
		"by_session": bySession,
		"by_model":   byModel,
	}, s.logger)
}

func parseSince(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return time.Time{}, fmt.Errorf("since must be an RFC 3339 time or a positive duration, got %q", v)
	}
	return now.Add(-d), nil
}

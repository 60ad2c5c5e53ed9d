// Package server exposes the agent's HTTP API to the browser frontend:
// helper health, fingerprint enrollment, the local capture journal, and a
// WebSocket event stream.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/pulsogym/huellad/internal/config"
	"github.com/pulsogym/huellad/internal/enroll"
	"github.com/pulsogym/huellad/internal/events"
	"github.com/pulsogym/huellad/internal/helper"
	"github.com/pulsogym/huellad/internal/journal"
	"github.com/pulsogym/huellad/internal/observability"
)

// CaptureRunner drives one helper invocation per call. Narrowed to an
// interface so handlers are testable with a spy runner.
type CaptureRunner interface {
	Run(ctx context.Context, args []string, timeout time.Duration) helper.Outcome
}

// AttemptJournal is the subset of the capture journal the server uses.
type AttemptJournal interface {
	Record(ctx context.Context, a journal.Attempt) error
	Recent(ctx context.Context, limit int) ([]journal.Attempt, error)
}

// Server is the agent's HTTP endpoint layer.
type Server struct {
	cfg     config.Config
	runner  CaptureRunner
	bridge  *enroll.Bridge // nil when remote persistence is not configured
	journal AttemptJournal // nil when no journal path is configured
	hub     *events.Hub

	captures     *observability.Counter
	healthChecks *observability.Counter
	exporter     *observability.Exporter

	httpServer *http.Server
}

// New assembles the server. bridge and jnl may be nil.
func New(cfg config.Config, runner CaptureRunner, bridge *enroll.Bridge, jnl AttemptJournal) *Server {
	s := &Server{
		cfg:          cfg,
		runner:       runner,
		bridge:       bridge,
		journal:      jnl,
		captures:     observability.NewCounter(),
		healthChecks: observability.NewCounter(),
	}
	s.hub = events.NewHub(s.originAllowed)
	s.exporter = observability.NewExporter()
	s.exporter.Register("huellad_captures_total",
		"Capture attempts grouped by helper outcome.", "outcome", s.captures)
	s.exporter.Register("huellad_health_checks_total",
		"Helper liveness checks grouped by helper outcome.", "outcome", s.healthChecks)
	return s
}

// Handler builds the route table wrapped with the CORS policy.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/enroll", s.handleEnroll)
	mux.HandleFunc("/captures/recent", s.handleCapturesRecent)
	mux.HandleFunc("/events", s.hub.HandleWebSocket)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return s.wrapWithCORS(mux)
}

// Start serves on the loopback interface until Shutdown. The agent brokers a
// local device and is never exposed beyond the workstation.
func (s *Server) Start() error {
	s.hub.Run()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(s.cfg.Port))
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// wrapWithCORS adds headers for allowed browser origins and answers
// preflight requests.
func (s *Server) wrapWithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		if r.Method == http.MethodOptions {
			w.Header().Set("Allow", "GET,POST,OPTIONS")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

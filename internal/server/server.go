// Package server provides the client's local operations endpoint: liveness,
// readiness, Prometheus metrics and a JSON status snapshot.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/HerbHall/chatwire/pkg/chat"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Transport is the part of the chat client the endpoint reports on.
type Transport interface {
	Strategy() chat.Strategy
	State() chat.ConnectionState
}

// ReadinessChecker returns nil when the client can serve sends, an error
// describing why not otherwise.
type ReadinessChecker func(ctx context.Context) error

// StatusFunc returns the JSON-encodable status snapshot for GET /status.
type StatusFunc func(ctx context.Context) any

// Options configures a Server. Every field but Addr is optional.
type Options struct {
	Addr      string
	Transport Transport
	// Ready overrides the default readiness rule, which is that Transport
	// is connected.
	Ready  ReadinessChecker
	Status StatusFunc
	// StatusRate caps GET /status in requests per second. Zero or less is
	// unlimited.
	StatusRate  float64
	StatusBurst int
	Logger      *zap.Logger
}

// Server is the operations HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	mux        *http.ServeMux
	ready      ReadinessChecker
	status     StatusFunc
	limiter    *rate.Limiter
}

// New creates a Server for opts.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		logger: logger,
		mux:    http.NewServeMux(),
		ready:  opts.Ready,
		status: opts.Status,
	}
	if s.ready == nil && opts.Transport != nil {
		t := opts.Transport
		s.ready = func(context.Context) error {
			if st := t.State(); st != chat.StateConnected {
				return fmt.Errorf("%s channel is %s", t.Strategy().Name(), st)
			}
			return nil
		}
	}
	if opts.StatusRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.StatusRate), max(opts.StatusBurst, 1))
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           instrument(opts.Transport, logger)(s.mux),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.HandleFunc("GET /status", throttle(s.limiter, s.handleStatus))
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting operations server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("operations server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down operations server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		problem(w, http.StatusNotFound, "status is not available", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, s.status(r.Context()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

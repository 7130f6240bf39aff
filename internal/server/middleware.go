package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/HerbHall/chatwire/internal/version"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	opsRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwire_ops_requests_total",
			Help: "Requests to the operations endpoint by route, status code and connection state at the time.",
		},
		[]string{"route", "code", "connection_state"},
	)
	opsRequestSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatwire_ops_request_duration_seconds",
			Help:    "Operations endpoint request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(opsRequestsTotal, opsRequestSeconds)
}

// Response headers describing the client that served the request.
const (
	HeaderRequestID  = "X-Request-ID"
	HeaderVersion    = "X-Chatwire-Version"
	HeaderStrategy   = "X-Chatwire-Strategy"
	HeaderConnection = "X-Chatwire-Connection"
)

type requestIDKey struct{}

// RequestID returns the request ID from the context.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// instrument stamps every response with the request ID and the transport's
// strategy and connection state, recovers panics, and records one log line
// and one metric sample per request. Probe routes log at debug only.
func instrument(t Transport, logger *zap.Logger) func(http.Handler) http.Handler {
	quiet := map[string]bool{"/healthz": true, "/readyz": true, "/metrics": true}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := r.Header.Get(HeaderRequestID)
			if id == "" {
				id = uuid.NewString()
			}
			strategy, state := describe(t)

			h := w.Header()
			h.Set(HeaderRequestID, id)
			h.Set(HeaderVersion, version.Short())
			h.Set(HeaderStrategy, strategy)
			h.Set(HeaderConnection, state)

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in operations handler",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
						zap.String("request_id", id),
					)
					if !sw.wrote {
						problem(sw, http.StatusInternalServerError, "an unexpected error occurred", r.URL.Path)
					}
				}

				route := r.Pattern
				if route == "" {
					route = "unmatched"
				}
				elapsed := time.Since(start)
				opsRequestsTotal.WithLabelValues(route, strconv.Itoa(sw.status), state).Inc()
				opsRequestSeconds.WithLabelValues(route).Observe(elapsed.Seconds())

				log := logger.Info
				if quiet[r.URL.Path] {
					log = logger.Debug
				}
				log("operations request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", sw.status),
					zap.Duration("duration", elapsed),
					zap.String("strategy", strategy),
					zap.String("connection_state", state),
					zap.String("request_id", id),
				)
			}()

			next.ServeHTTP(sw, r)
		})
	}
}

// describe returns the strategy name and connection state of t, or "none"
// for both when no transport is attached.
func describe(t Transport) (strategy, state string) {
	if t == nil {
		return "none", "none"
	}
	return t.Strategy().Name(), string(t.State())
}

// throttle limits h to the rate allowed by l. /status reads the credit
// ledger on every call.
func throttle(l *rate.Limiter, h http.HandlerFunc) http.HandlerFunc {
	if l == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow() {
			w.Header().Set("Retry-After", "1")
			problem(w, http.StatusTooManyRequests, "status is rate limited", r.URL.Path)
			return
		}
		h(w, r)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wrote {
		w.status = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

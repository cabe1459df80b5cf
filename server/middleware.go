package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"microlend/observability/logging"
)

// RateLimit bounds the sustained and burst request rate on mutating routes.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

// rateLimiter rejects requests beyond the configured budget with 429. A zero
// PerSecond disables limiting entirely.
func rateLimiter(limit RateLimit) func(http.Handler) http.Handler {
	if limit.PerSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	burst := limit.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(limit.PerSecond), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		elapsed := time.Since(start)

		// The metric label must be the route pattern, not the raw path:
		// per-loan identifiers would mint an unbounded label set.
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		s.metrics.ObserveRequest(route, recorder.status, elapsed)

		// DIDs are stable identities; only the masked form reaches the logs.
		path := r.URL.Path
		if did := chi.URLParam(r, "did"); did != "" {
			path = strings.Replace(path, did, logging.MaskDID(did), 1)
		}
		s.logger.Info("request",
			"method", r.Method,
			"route", route,
			"path", path,
			"status", recorder.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

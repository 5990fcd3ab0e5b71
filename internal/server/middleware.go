package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// traceIDKey is an unexported type for context keys in this package.
type traceIDKey struct{}

// TraceIDContextKey is the context key used to store the trace id.
var TraceIDContextKey = traceIDKey{}

// GetTraceID extracts the trace id from the context or returns "".
func GetTraceID(ctx context.Context) string {
	if v := ctx.Value(TraceIDContextKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// TraceID middleware propagates X-Trace-Id (generating one if absent)
// and echoes X-Idempotency-Key. The idempotency key is observability
// only: deduplication of the underlying effect is the state machine's
// responsibility.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		trace := r.Header.Get("X-Trace-Id")
		if trace == "" {
			trace = uuid.NewString()
		}
		w.Header().Set("X-Trace-Id", trace)
		if key := r.Header.Get("X-Idempotency-Key"); key != "" {
			w.Header().Set("X-Idempotency-Key", key)
		}

		ctx := context.WithValue(r.Context(), TraceIDContextKey, trace)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Logger middleware logs request method, path, duration, and response
// status. Timestamps use UTC.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now().UTC()

		rw := &statusCapturingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(rw, r)

		status := rw.status
		if status == 0 {
			status = http.StatusOK
		}

		log.Printf("%s method=%q path=%q status=%d trace=%q duration=%s",
			start.Format(time.RFC3339), r.Method, r.URL.Path, status,
			GetTraceID(r.Context()), time.Since(start))
	})
}

// statusCapturingResponseWriter wraps http.ResponseWriter to capture the
// status code.
type statusCapturingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingResponseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusCapturingResponseWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// CORS sets permissive CORS headers for development and handles
// preflight OPTIONS.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Trace-Id, X-Idempotency-Key, X-Actor-Id")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireKey enforces an X-API-Key header when key is configured. With
// an empty key the check is a no-op, which keeps local tests simple.
func (s *Server) requireKey(key string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if key == "" || r.Method == http.MethodOptions {
			next(w, r)
			return
		}
		got := r.Header.Get("X-API-Key")
		if got == "" {
			writeError(w, http.StatusUnauthorized, "missing api key", "")
			return
		}
		if got != key {
			writeError(w, http.StatusForbidden, "invalid api key", "")
			return
		}
		next(w, r)
	}
}

// requireCron enforces the CRON_SECRET bearer token. The endpoint is
// disabled entirely when no secret is configured.
func (s *Server) requireCron(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.CronSecret == "" {
			writeError(w, http.StatusNotFound, "not found", "")
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.cfg.CronSecret {
			writeError(w, http.StatusUnauthorized, "invalid cron token", "")
			return
		}
		next(w, r)
	}
}

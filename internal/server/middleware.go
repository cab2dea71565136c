package server

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jsarkisian/PTBudgetBuster/internal/auth"
	"github.com/jsarkisian/PTBudgetBuster/internal/observability"
)

// loggingMiddleware stamps a request ID onto the context, logs each
// request, and feeds duration and status into the metric set.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := uuid.NewString()[:8]
		ctx := observability.AddRequestID(r.Context(), requestID)

		var span trace.Span
		if s.tracer != nil {
			ctx, span = s.tracer.TraceHTTPRequest(ctx, r.Method, metricPath(r.URL.Path))
		}

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r.WithContext(ctx))

		duration := time.Since(start)
		if span != nil {
			span.SetAttributes(attribute.Int("http.status_code", wrapped.status))
			span.End()
		}
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, metricPath(r.URL.Path), strconv.Itoa(wrapped.status), duration.Seconds())
		}
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", duration,
			"remote_addr", r.RemoteAddr,
			"request_id", requestID,
		)
	})
}

// publicPaths are reachable without a token even when auth is enabled.
var publicPaths = map[string]bool{
	"/":               true,
	"/health":         true,
	"/metrics":        true,
	"/api/auth/login": true,
}

// authMiddleware enforces JWT authentication when the auth service is
// configured. Credentials are accepted as a Bearer header or, for
// websocket clients that cannot set headers, a ?token= query parameter.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil || !s.auth.Enabled() || publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			token := strings.TrimSpace(authHeader[7:])
			user, err := s.auth.Validate(token)
			if err == nil {
				ctx := auth.WithUser(r.Context(), user)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			s.logger.Warn("jwt validation failed", "error", err)
		}

		if tokenParam := r.URL.Query().Get("token"); tokenParam != "" {
			user, err := s.auth.Validate(tokenParam)
			if err == nil {
				ctx := auth.WithUser(r.Context(), user)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Hijack forwards to the underlying writer so websocket upgrades work
// through the middleware chain.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
	}
	return hj.Hijack()
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// metricPath collapses identifier segments so metric labels stay bounded.
var metricPrefixes = []struct{ prefix, label string }{
	{"/ws/task/", "/ws/task/:id"},
	{"/ws/", "/ws/:session_id"},
	{"/task/", "/task/:id"},
	{"/files/", "/files/:path"},
	{"/tools/definitions/", "/tools/definitions/:name"},
	{"/api/sessions/", "/api/sessions/:id"},
	{"/api/schedules/", "/api/schedules/:id"},
	{"/api/clients/", "/api/clients/:id"},
	{"/api/users/", "/api/users/:username"},
}

func metricPath(path string) string {
	for _, p := range metricPrefixes {
		if strings.HasPrefix(path, p.prefix) && len(path) > len(p.prefix) {
			return p.label
		}
	}
	return path
}

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/teststand-core/internal/audit"
)

const (
	// headerRequestID carries the correlation ID in both directions.
	headerRequestID = "X-Request-ID"

	// maxRequestIDLen caps client-supplied IDs before they reach the audit table.
	maxRequestIDLen = 64

	// maxCommandBodySize bounds request bodies. Command payloads are a
	// single setpoint, so anything larger is a client bug.
	maxCommandBodySize = 64 << 10
)

// requestIDMiddleware tags each request with a correlation ID.
// A client-supplied X-Request-ID is honoured when it is short enough;
// otherwise a fresh one is generated. The ID is echoed in the response
// and stored in the context so audit entries match access log lines.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerRequestID))
		if id == "" || len(id) > maxRequestIDLen {
			id = "req-" + uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(audit.WithRequestID(r.Context(), id)))
	})
}

// loggingMiddleware writes one access log line per request. Polling
// endpoints log at debug so a dashboard refreshing every second does not
// drown the operator log; server-side failures log at warn.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes", rec.written,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", audit.RequestIDFrom(r.Context()),
		}
		switch {
		case rec.status >= http.StatusInternalServerError:
			s.logger.Warn("http request", attrs...)
		case r.Method == http.MethodGet && s.isPollingPath(r.URL.Path):
			s.logger.Debug("http request", attrs...)
		default:
			s.logger.Info("http request", attrs...)
		}
	})
}

// isPollingPath reports whether path is one dashboards hit on a timer.
func (s *Server) isPollingPath(path string) bool {
	switch path {
	case "/api/v1/health", "/api/v1/telemetry", "/api/v1/rf", s.metricsAt:
		return true
	}
	return false
}

// recoveryMiddleware turns a handler panic into a 500 so one bad request
// cannot take the stand controller down.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rv := recover(); rv != nil {
				s.logger.Error("handler panic",
					"panic", rv,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", audit.RequestIDFrom(r.Context()),
				)
				writeInternalError(w, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware lets a browser dashboard on another origin drive the API.
// Preflight requests are answered here and never reach a handler.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, "+headerRequestID)
			h.Set("Access-Control-Expose-Headers", headerRequestID)
			h.Set("Access-Control-Max-Age", "86400")
			h.Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originAllowed checks origin against api.cors.allowed_origins.
// An empty list allows every origin, which suits a bench network.
func (s *Server) originAllowed(origin string) bool {
	allowed := s.cfg.CORS.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// limitBodyMiddleware caps request bodies at maxCommandBodySize.
func (s *Server) limitBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxCommandBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// requireSupply answers 503 on HVPS routes when no supply is installed.
func (s *Server) requireSupply(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.supply == nil {
			writeUnavailable(w, "hvps not configured")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// responseRecorder captures the status code and body size for the access log.
type responseRecorder struct {
	http.ResponseWriter
	status  int
	written int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	n, err := r.ResponseWriter.Write(p)
	r.written += n
	return n, err
}

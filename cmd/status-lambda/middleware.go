package main

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/shipment-bundler/internal/metrics"
)

// withOriginVerify rejects requests lacking the x-origin-verify header the
// CDN injects. Health checks and webhook calls carry their own checks.
func (s *server) withOriginVerify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.originSecret == "" || r.URL.Path == "/api/health" || r.URL.Path == "/webhook" {
			next.ServeHTTP(w, r)
			return
		}
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("x-origin-verify")), []byte(s.originSecret)) != 1 {
			log.Warn().Str("path", r.URL.Path).Msg("Blocked request: missing or invalid x-origin-verify header")
			httpError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// withMetrics emits per-request EMF metrics.
func withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(sr, r)

		metrics.New("API").
			Dimension("Endpoint", normalizeEndpoint(r.URL.Path)).
			Since("RequestLatencyMs", start).
			Count("RequestCount", 1).
			Property("method", r.Method).
			Property("statusCode", sr.statusCode).
			Flush()
	})
}

// normalizeEndpoint collapses job ids so the Endpoint dimension stays low
// cardinality: /api/jobs/abc/packages -> /api/jobs/*/packages.
func normalizeEndpoint(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 3 && parts[0] == "api" && (parts[1] == "jobs" || parts[1] == "cleanup") {
		parts[2] = "*"
	}
	return "/" + strings.Join(parts, "/")
}

package metrics

import (
	"net/http"
	"strconv"
	"time"
)

// HTTPMetricsMiddleware creates middleware that records HTTP request metrics.
// The routeName parameter should be the route pattern (e.g. "/api/v1/transfers"),
// not the raw request URL, so label cardinality stays bounded.
// If m is nil the middleware is a pass-through.
func HTTPMetricsMiddleware(m *Metrics, routeName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap ResponseWriter to capture the status code
			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			if m != nil {
				m.RecordHTTPRequest(r.Method, routeName, strconv.Itoa(wrapped.statusCode), time.Since(start))
			}
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code and calls the underlying WriteHeader.
func (w *responseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

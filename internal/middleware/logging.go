package middleware

import (
	"net/http"
	"time"

	"github.com/kenneth/native-sign-gateway/internal/metrics"
	"github.com/sirupsen/logrus"
)

// LoggingMiddleware logs every request and, when m is non-nil, records it
// in the HTTP metrics.
func LoggingMiddleware(logger *logrus.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start)
			if m != nil {
				m.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, rw.statusCode, duration, rw.bytesWritten)
			}

			entry := logger.WithFields(logrus.Fields{
				"request_id":  RequestID(r.Context()),
				"method":      r.Method,
				"path":        r.URL.Path,
				"remote_addr": r.RemoteAddr,
				"status":      rw.statusCode,
				"duration_ms": duration.Milliseconds(),
				"bytes":       rw.bytesWritten,
			})
			if rw.statusCode >= http.StatusInternalServerError {
				entry.Warn("HTTP request failed")
				return
			}
			entry.Info("HTTP request")
		})
	}
}

// responseWriter captures the status code and body size.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
	wroteHeader  bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

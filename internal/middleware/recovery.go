package middleware

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// RecoveryMiddleware turns handler panics into a JSON 500 response.
func RecoveryMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					logger.WithFields(logrus.Fields{
						"error":      err,
						"request_id": RequestID(r.Context()),
						"method":     r.Method,
						"path":       r.URL.Path,
						"stack":      string(debug.Stack()),
					}).Error("Panic recovered")

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					json.NewEncoder(w).Encode(map[string]string{
						"error":      "internal server error",
						"request_id": RequestID(r.Context()),
					})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

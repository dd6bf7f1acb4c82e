package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// HealthStatus represents the health status of the service.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

var (
	startTime = time.Now()
	version   = "dev"
)

// SetVersion sets the application version.
func SetVersion(v string) {
	version = v
}

func writeStatus(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// HealthHandler returns a handler for health check endpoints. details, if
// set, is called per request and its result included in the response.
func HealthHandler(details func() map[string]interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := HealthStatus{
			Status:    "healthy",
			Timestamp: time.Now(),
			Version:   version,
			Uptime:    time.Since(startTime).Round(time.Second).String(),
		}
		if details != nil {
			status.Details = details()
		}
		writeStatus(w, http.StatusOK, status)
	}
}

// ReadinessHandler returns a handler for readiness checks. The service is
// ready when check is nil or returns nil.
func ReadinessHandler(check func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := HealthStatus{
			Status:    "ready",
			Timestamp: time.Now(),
			Version:   version,
		}

		if check != nil {
			if err := check(r.Context()); err != nil {
				status.Status = "not_ready"
				status.Error = err.Error()
				writeStatus(w, http.StatusServiceUnavailable, status)
				return
			}
		}

		writeStatus(w, http.StatusOK, status)
	}
}

// LivenessHandler returns a handler for liveness checks.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, HealthStatus{
			Status:    "alive",
			Timestamp: time.Now(),
			Version:   version,
		})
	}
}

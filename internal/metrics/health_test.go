package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	handler := HealthHandler(func() map[string]interface{} {
		return map[string]interface{}{"pool_size": 4}
	})
	handler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, float64(4), status.Details["pool_size"])
}

func TestReadinessHandler(t *testing.T) {
	t.Run("without health check", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/ready", nil)
		w := httptest.NewRecorder()

		ReadinessHandler(nil)(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("with successful health check", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/ready", nil)
		w := httptest.NewRecorder()

		ReadinessHandler(func(ctx context.Context) error { return nil })(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("with failed health check", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/ready", nil)
		w := httptest.NewRecorder()

		ReadinessHandler(func(ctx context.Context) error {
			return fmt.Errorf("no engines loaded")
		})(w, req)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		var status HealthStatus
		require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
		assert.Equal(t, "not_ready", status.Status)
		assert.Equal(t, "no engines loaded", status.Error)
	})
}

func TestLivenessHandler(t *testing.T) {
	req := httptest.NewRequest("GET", "/live", nil)
	w := httptest.NewRecorder()

	LivenessHandler()(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	t.Run("generates", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
		_, err := uuid.Parse(seen)
		assert.NoError(t, err)
		assert.Equal(t, seen, w.Header().Get(RequestIDHeader))
	})

	t.Run("reuses valid", func(t *testing.T) {
		id := uuid.NewString()
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set(RequestIDHeader, id)
		handler.ServeHTTP(httptest.NewRecorder(), req)
		assert.Equal(t, id, seen)
	})

	t.Run("replaces garbage", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set(RequestIDHeader, "<script>")
		handler.ServeHTTP(httptest.NewRecorder(), req)
		assert.NotEqual(t, "<script>", seen)
		_, err := uuid.Parse(seen)
		assert.NoError(t, err)
	})
}

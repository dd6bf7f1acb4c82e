package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kenneth/native-sign-gateway/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockWriter is a thread-safe mock writer.
type mockWriter struct {
	mu     sync.Mutex
	events []*AuditEvent
	fail   atomic.Int32
}

func (w *mockWriter) WriteEvent(event *AuditEvent) error {
	return w.WriteBatch([]*AuditEvent{event})
}

func (w *mockWriter) WriteBatch(events []*AuditEvent) error {
	if w.fail.Load() > 0 {
		w.fail.Add(-1)
		return errors.New("sink unavailable")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, events...)
	return nil
}

func (w *mockWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

func TestBatchSink(t *testing.T) {
	mock := &mockWriter{}
	sink := NewBatchSink(mock, 5, 100*time.Millisecond, 0, 0)
	defer sink.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, sink.WriteEvent(&AuditEvent{Operation: fmt.Sprintf("op-%d", i)}))
	}
	assert.Equal(t, 0, mock.count())

	// Flushed by the ticker.
	assert.Eventually(t, func() bool { return mock.count() == 3 }, time.Second, 10*time.Millisecond)

	// Flushed because the buffer filled.
	for i := 0; i < 5; i++ {
		require.NoError(t, sink.WriteEvent(&AuditEvent{Operation: fmt.Sprintf("op-batch-%d", i)}))
	}
	assert.Eventually(t, func() bool { return mock.count() == 8 }, 90*time.Millisecond, 5*time.Millisecond)
}

func TestBatchSink_CloseFlushes(t *testing.T) {
	mock := &mockWriter{}
	sink := NewBatchSink(mock, 100, time.Hour, 0, 0)
	require.NoError(t, sink.WriteEvent(&AuditEvent{Operation: "pending"}))
	require.NoError(t, sink.Close())
	assert.Equal(t, 1, mock.count())
	assert.NoError(t, sink.Close())
}

func TestBatchSink_Retries(t *testing.T) {
	mock := &mockWriter{}
	mock.fail.Store(2)
	sink := NewBatchSink(mock, 100, time.Hour, 2, time.Millisecond)
	require.NoError(t, sink.WriteEvent(&AuditEvent{Operation: "retried"}))
	require.NoError(t, sink.Close())
	assert.Equal(t, 1, mock.count())
}

func TestHTTPSink(t *testing.T) {
	var captured []*AuditEvent
	var header string
	var mu sync.Mutex

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		header = r.Header.Get("X-Test")
		var events []*AuditEvent
		if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		captured = append(captured, events...)
	}))
	defer ts.Close()

	sink := NewHTTPSink(ts.URL, map[string]string{"X-Test": "true"})
	require.NoError(t, sink.WriteEvent(&AuditEvent{Operation: "sign_headers", EventType: EventTypeSign}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, captured, 1)
	assert.Equal(t, "sign_headers", captured[0].Operation)
	assert.Equal(t, EventTypeSign, captured[0].EventType)
	assert.Equal(t, "true", header)
}

func TestHTTPSink_ErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	err := NewHTTPSink(ts.URL, nil).WriteEvent(&AuditEvent{})
	assert.ErrorContains(t, err, "503")
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink := NewFileSink(path)
	require.NoError(t, sink.WriteEvent(&AuditEvent{Operation: "first"}))
	require.NoError(t, sink.WriteEvent(&AuditEvent{Operation: "second"}))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.Len(t, lines, 2)

	var loaded AuditEvent
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &loaded))
	assert.Equal(t, "second", loaded.Operation)
}

func TestNewLoggerFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		sink    config.SinkConfig
		wantErr bool
	}{
		{"stdout", config.SinkConfig{Type: "stdout"}, false},
		{"default", config.SinkConfig{}, false},
		{"http batched", config.SinkConfig{Type: "http", Endpoint: "http://localhost:1234", BatchSize: 10}, false},
		{"file", config.SinkConfig{Type: "file", FilePath: filepath.Join(t.TempDir(), "a.jsonl")}, false},
		{"http without endpoint", config.SinkConfig{Type: "http"}, true},
		{"file without path", config.SinkConfig{Type: "file"}, true},
		{"unknown", config.SinkConfig{Type: "kafka"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLoggerFromConfig(config.AuditConfig{Enabled: true, Sink: tt.sink}, nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, logger)
			assert.NoError(t, logger.Close())
		})
	}
}

// Package audit records an event for every signing, key and decrypt
// operation the gateway performs on behalf of a caller.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kenneth/native-sign-gateway/internal/config"
	"github.com/sirupsen/logrus"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeSign is a request signature.
	EventTypeSign EventType = "sign"
	// EventTypeKeyFetch is a register key lookup or refresh.
	EventTypeKeyFetch EventType = "key_fetch"
	// EventTypeDecrypt is a content decrypt.
	EventTypeDecrypt EventType = "decrypt"
	// EventTypeCacheClear is a register key cache clear.
	EventTypeCacheClear EventType = "cache_clear"
)

// AuditEvent represents a single audit log event.
type AuditEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  EventType              `json:"event_type"`
	Operation  string                 `json:"operation"`
	RequestID  string                 `json:"request_id,omitempty"`
	URL        string                 `json:"url,omitempty"`
	KeyVersion *int64                 `json:"key_version,omitempty"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	DurationMS int64                  `json:"duration_ms"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	Log(event *AuditEvent) error

	// LogSign logs a signature request for url.
	LogSign(requestID, url string, err error, duration time.Duration, metadata map[string]interface{})

	// LogKeyFetch logs a register key lookup. version is the requested
	// version, nil for the current key.
	LogKeyFetch(requestID, operation string, version *int64, err error, duration time.Duration)

	// LogDecrypt logs a content decrypt.
	LogDecrypt(requestID string, version *int64, err error, duration time.Duration, metadata map[string]interface{})

	// LogCacheClear logs a register key cache clear.
	LogCacheClear(requestID string, err error)

	// GetEvents returns the retained events, oldest first.
	GetEvents() []*AuditEvent

	Close() error
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

type auditLogger struct {
	mu         sync.Mutex
	events     []*AuditEvent
	maxEvents  int
	writer     EventWriter
	redactKeys []string
	logger     *logrus.Logger
	clock      func() time.Time
}

// NewLogger creates a new audit logger.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	return NewLoggerWithRedaction(maxEvents, writer, nil)
}

// NewLoggerWithRedaction creates a new audit logger that replaces the
// listed metadata keys with "[REDACTED]".
func NewLoggerWithRedaction(maxEvents int, writer EventWriter, redactKeys []string) Logger {
	if writer == nil {
		writer = &StdoutSink{}
	}
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &auditLogger{
		events:     make([]*AuditEvent, 0, maxEvents),
		maxEvents:  maxEvents,
		writer:     writer,
		redactKeys: redactKeys,
		logger:     logrus.StandardLogger(),
		clock:      time.Now,
	}
}

// NewLoggerFromConfig creates a new audit logger from configuration. Sink
// write failures are reported through logger.
func NewLoggerFromConfig(cfg config.AuditConfig, logger *logrus.Logger) (Logger, error) {
	var writer EventWriter
	switch cfg.Sink.Type {
	case "http":
		if cfg.Sink.Endpoint == "" {
			return nil, fmt.Errorf("audit http sink requires an endpoint")
		}
		writer = NewHTTPSink(cfg.Sink.Endpoint, cfg.Sink.Headers)
	case "file":
		if cfg.Sink.FilePath == "" {
			return nil, fmt.Errorf("audit file sink requires a file path")
		}
		writer = NewFileSink(cfg.Sink.FilePath)
	case "stdout", "":
		writer = &StdoutSink{}
	default:
		return nil, fmt.Errorf("unknown sink type: %s", cfg.Sink.Type)
	}

	if cfg.Sink.BatchSize > 0 || cfg.Sink.FlushInterval > 0 {
		bs := NewBatchSink(writer, cfg.Sink.BatchSize, cfg.Sink.FlushInterval, cfg.Sink.RetryCount, cfg.Sink.RetryBackoff)
		if logger != nil {
			bs.logger = logger
		}
		writer = bs
	}

	l := NewLoggerWithRedaction(cfg.MaxEvents, writer, cfg.RedactMetadataKeys).(*auditLogger)
	if logger != nil {
		l.logger = logger
	}
	return l, nil
}

// Log logs an audit event. A sink failure is logged and otherwise ignored so
// that auditing never fails the audited operation.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writer.WriteEvent(event); err != nil {
		l.logger.WithError(err).WithField("event_type", event.EventType).Warn("Failed to write audit event")
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
	return nil
}

// Close closes the underlying writer.
func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// redactMetadata returns metadata with the configured keys masked. The
// caller's map is never modified.
func (l *auditLogger) redactMetadata(metadata map[string]interface{}) map[string]interface{} {
	if len(l.redactKeys) == 0 || len(metadata) == 0 {
		return metadata
	}

	needsRedaction := false
	for _, k := range l.redactKeys {
		if _, ok := metadata[k]; ok {
			needsRedaction = true
			break
		}
	}
	if !needsRedaction {
		return metadata
	}

	clone := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		clone[k] = v
	}
	for _, key := range l.redactKeys {
		if _, ok := clone[key]; ok {
			clone[key] = "[REDACTED]"
		}
	}
	return clone
}

func (l *auditLogger) newEvent(t EventType, op, requestID string, err error, duration time.Duration) *AuditEvent {
	event := &AuditEvent{
		Timestamp:  l.clock(),
		EventType:  t,
		Operation:  op,
		RequestID:  requestID,
		Success:    err == nil,
		DurationMS: duration.Milliseconds(),
	}
	if err != nil {
		event.Error = err.Error()
	}
	return event
}

func (l *auditLogger) LogSign(requestID, url string, err error, duration time.Duration, metadata map[string]interface{}) {
	event := l.newEvent(EventTypeSign, "sign_headers", requestID, err, duration)
	event.URL = url
	event.Metadata = l.redactMetadata(metadata)
	l.Log(event)
}

func (l *auditLogger) LogKeyFetch(requestID, operation string, version *int64, err error, duration time.Duration) {
	event := l.newEvent(EventTypeKeyFetch, operation, requestID, err, duration)
	event.KeyVersion = copyVersion(version)
	l.Log(event)
}

func (l *auditLogger) LogDecrypt(requestID string, version *int64, err error, duration time.Duration, metadata map[string]interface{}) {
	event := l.newEvent(EventTypeDecrypt, "decrypt_content", requestID, err, duration)
	event.KeyVersion = copyVersion(version)
	event.Metadata = l.redactMetadata(metadata)
	l.Log(event)
}

func (l *auditLogger) LogCacheClear(requestID string, err error) {
	l.Log(l.newEvent(EventTypeCacheClear, "clear_keys", requestID, err, 0))
}

func (l *auditLogger) GetEvents() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

func copyVersion(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// StdoutSink writes events to stdout as JSON lines.
type StdoutSink struct{}

// WriteEvent writes a single event.
func (s *StdoutSink) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = fmt.Fprintln(os.Stdout, string(data))
	return err
}

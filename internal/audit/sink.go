package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Sink is an audit event writer that holds resources.
type Sink interface {
	EventWriter
	Close() error
}

// BatchWriter is implemented by sinks that can write many events at once.
type BatchWriter interface {
	WriteBatch(events []*AuditEvent) error
}

// BatchSink buffers events and flushes them to the wrapped writer when the
// buffer fills or the flush interval elapses.
type BatchSink struct {
	wrapped       EventWriter
	buffer        []*AuditEvent
	bufferSize    int
	flushInterval time.Duration
	retryCount    int
	retryBackoff  time.Duration
	logger        *logrus.Logger

	mu        sync.Mutex
	closeOnce sync.Once
	closeChan chan struct{}
	wg        sync.WaitGroup
}

var _ Sink = (*BatchSink)(nil)

// NewBatchSink creates a new batched sink.
func NewBatchSink(wrapped EventWriter, size int, interval time.Duration, retryCount int, retryBackoff time.Duration) *BatchSink {
	if size <= 0 {
		size = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if retryBackoff <= 0 {
		retryBackoff = 100 * time.Millisecond
	}

	s := &BatchSink{
		wrapped:       wrapped,
		buffer:        make([]*AuditEvent, 0, size),
		bufferSize:    size,
		flushInterval: interval,
		retryCount:    retryCount,
		retryBackoff:  retryBackoff,
		logger:        logrus.StandardLogger(),
		closeChan:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()
	return s
}

// WriteEvent adds an event to the batch.
func (s *BatchSink) WriteEvent(event *AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = append(s.buffer, event)
	if len(s.buffer) >= s.bufferSize {
		events := s.drainBufferLocked()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.writeWithRetry(events)
		}()
	}
	return nil
}

// Close stops the flush loop and flushes remaining events.
func (s *BatchSink) Close() error {
	s.closeOnce.Do(func() { close(s.closeChan) })
	s.wg.Wait()
	if closer, ok := s.wrapped.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (s *BatchSink) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.closeChan:
			s.flush()
			return
		}
	}
}

func (s *BatchSink) flush() {
	s.mu.Lock()
	events := s.drainBufferLocked()
	s.mu.Unlock()
	s.writeWithRetry(events)
}

// drainBufferLocked returns the buffered events and empties the buffer.
// Caller must hold the lock.
func (s *BatchSink) drainBufferLocked() []*AuditEvent {
	if len(s.buffer) == 0 {
		return nil
	}
	events := make([]*AuditEvent, len(s.buffer))
	copy(events, s.buffer)
	s.buffer = s.buffer[:0]
	return events
}

func (s *BatchSink) writeWithRetry(events []*AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	op := func() error {
		if bw, ok := s.wrapped.(BatchWriter); ok {
			return bw.WriteBatch(events)
		}
		var err error
		for _, event := range events {
			if e := s.wrapped.WriteEvent(event); e != nil {
				err = e
			}
		}
		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.retryBackoff
	eb.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithMaxRetries(eb, uint64(s.retryCount)))
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"events":  len(events),
			"retries": s.retryCount,
		}).Error("Failed to flush audit events")
	}
	return err
}

// HTTPSink posts events as a JSON array to an HTTP endpoint.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	headers  map[string]string
}

// NewHTTPSink creates a new HTTP sink.
func NewHTTPSink(endpoint string, headers map[string]string) *HTTPSink {
	return &HTTPSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		headers:  headers,
	}
}

// WriteEvent writes a single event.
func (s *HTTPSink) WriteEvent(event *AuditEvent) error {
	return s.WriteBatch([]*AuditEvent{event})
}

// WriteBatch writes a batch of events.
func (s *HTTPSink) WriteBatch(events []*AuditEvent) error {
	data, err := json.Marshal(events)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, s.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("http sink returned status: %s", resp.Status)
	}
	return nil
}

// FileSink appends events to a file as JSON lines.
type FileSink struct {
	path string
	mu   sync.Mutex
}

// NewFileSink creates a new file sink.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// WriteEvent writes a single event.
func (s *FileSink) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Package signer computes request signatures by running the vendor signing
// module inside a virtual execution environment.
package signer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/kenneth/native-sign-gateway/internal/emulator"
	"github.com/kenneth/native-sign-gateway/internal/shim"
	"github.com/kenneth/native-sign-gateway/internal/vm"
	"github.com/ryanuber/go-glob"
	"github.com/sirupsen/logrus"
)

// DiagnosticHeader is emitted by the module for its own bookkeeping and is
// never returned to callers.
const DiagnosticHeader = "X-Neptune"

var (
	// ErrEmptyURL is returned when Sign is called without a URL.
	ErrEmptyURL = errors.New("url must not be empty")
	// ErrSignatureGeneration is returned when the module produced no usable result.
	ErrSignatureGeneration = errors.New("signature generation failed")
)

// Options configures an Engine.
type Options struct {
	ID            int
	VM            vm.Options
	Shim          shim.Options
	StripHeaders  []string
	ExpectHeaders []string
	Logger        *logrus.Logger
}

// Engine is one signing module instance. It runs one call at a time.
type Engine struct {
	id     int
	env    *vm.Environment
	shim   *shim.Shim
	strip  []string
	expect []string
	logger *logrus.Logger

	mu sync.Mutex
}

// New loads the signing module on backend.
func New(ctx context.Context, backend emulator.Backend, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.Shim.Logger == nil {
		opts.Shim.Logger = logger
	}
	if opts.VM.Logger == nil {
		opts.VM.Logger = logger
	}
	if opts.Shim.Clock == nil {
		opts.Shim.Clock = opts.VM.Clock
	}

	s := shim.New(opts.Shim)
	env, err := vm.New(ctx, backend, s, opts.VM)
	if err != nil {
		return nil, err
	}

	strip := append([]string{DiagnosticHeader}, opts.StripHeaders...)
	return &Engine{
		id:     opts.ID,
		env:    env,
		shim:   s,
		strip:  strip,
		expect: opts.ExpectHeaders,
		logger: logger,
	}, nil
}

// ID identifies the engine within its pool.
func (e *Engine) ID() int { return e.id }

// Sign runs the signing routine for url and headers and returns the
// produced headers with diagnostic headers removed.
func (e *Engine) Sign(ctx context.Context, url string, headers []HeaderPair) (*HeaderMap, error) {
	if url == "" {
		return nil, ErrEmptyURL
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.shim.Reset()

	raw, err := e.env.Invoke(ctx, url, SerializeHeaders(headers))
	if err != nil {
		return nil, fmt.Errorf("engine %d: native signing call failed: %w", e.id, err)
	}
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("engine %d: %w: empty native result", e.id, ErrSignatureGeneration)
	}

	result := ParseSignature(raw)
	if result.Len() == 0 {
		return nil, fmt.Errorf("engine %d: %w: no headers in native result", e.id, ErrSignatureGeneration)
	}
	// A result holding only diagnostic headers is a valid, empty signature.
	e.stripHeaders(result)

	for _, name := range e.expect {
		if _, ok := result.Get(name); !ok {
			e.logger.WithFields(logrus.Fields{
				"engine": e.id,
				"header": name,
				"url":    url,
			}).Warn("Signature is missing an expected header")
		}
	}
	return result, nil
}

func (e *Engine) stripHeaders(h *HeaderMap) {
	for _, name := range h.Keys() {
		if e.stripped(name) {
			h.Delete(name)
		}
	}
}

func (e *Engine) stripped(name string) bool {
	for _, pattern := range e.strip {
		if strings.EqualFold(pattern, name) {
			return true
		}
		if strings.Contains(pattern, glob.GLOB) && glob.Glob(pattern, name) {
			return true
		}
	}
	return false
}

// Close unloads the module.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.env.Close(ctx)
}

package pool

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kenneth/native-sign-gateway/internal/metrics"
	"github.com/kenneth/native-sign-gateway/internal/shim"
	"github.com/kenneth/native-sign-gateway/internal/signer"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/kenneth/native-sign-gateway/internal/pool"

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	BorrowTimeout time.Duration
	MaxRetries    int
	// InitialInterval and MaxInterval bound the wait between borrow attempts.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Metrics         *metrics.Metrics
	Logger          *logrus.Logger
}

// Dispatcher signs requests on engines borrowed from a pool. A borrow that
// times out is retried a bounded number of times with exponential backoff.
type Dispatcher struct {
	pool Pool
	opts DispatcherOptions
}

// NewDispatcher creates a dispatcher over p.
func NewDispatcher(p Pool, opts DispatcherOptions) *Dispatcher {
	if opts.BorrowTimeout <= 0 {
		opts.BorrowTimeout = 2 * time.Second
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 50 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Dispatcher{pool: p, opts: opts}
}

// Pool returns the underlying pool.
func (d *Dispatcher) Pool() Pool { return d.pool }

// SignHeaders signs url and headers on a pooled engine.
func (d *Dispatcher) SignHeaders(ctx context.Context, url string, headers []signer.HeaderPair) (*signer.HeaderMap, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pool.SignHeaders")
	defer span.End()
	span.SetAttributes(attribute.String("pool.mode", d.pool.Mode()))

	e, err := d.borrow(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "borrow failed")
		d.recordError(ctx, err)
		return nil, err
	}
	defer d.release(e)
	span.SetAttributes(attribute.Int("engine.id", e.ID()))

	start := time.Now()
	result, err := e.Sign(ctx, url, headers)
	if d.opts.Metrics != nil {
		d.opts.Metrics.RecordSign(ctx, e.ID(), time.Since(start), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sign failed")
		d.recordError(ctx, err)
		d.opts.Logger.WithError(err).WithFields(logrus.Fields{
			"engine": e.ID(),
			"url":    url,
		}).Error("Signing call failed")
		return nil, err
	}
	return result, nil
}

func (d *Dispatcher) borrow(ctx context.Context) (Engine, error) {
	var (
		e       Engine
		attempt int
	)
	op := func() error {
		attempt++
		start := time.Now()
		got, err := d.pool.Borrow(ctx, d.opts.BorrowTimeout)
		timedOut := errors.Is(err, ErrBorrowTimeout)
		if d.opts.Metrics != nil {
			d.opts.Metrics.RecordBorrow(ctx, d.pool.Mode(), time.Since(start), timedOut)
		}
		if err != nil {
			if timedOut {
				d.opts.Logger.WithFields(logrus.Fields{
					"attempt": attempt,
					"mode":    d.pool.Mode(),
				}).Warn("Timed out waiting for a signing engine")
				return err
			}
			return backoff.Permanent(err)
		}
		e = got
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.opts.InitialInterval
	eb.MaxInterval = d.opts.MaxInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(d.opts.MaxRetries)), ctx)

	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	d.publishUsage()
	return e, nil
}

func (d *Dispatcher) release(e Engine) {
	d.pool.Release(e)
	d.publishUsage()
}

func (d *Dispatcher) publishUsage() {
	if d.opts.Metrics != nil {
		d.opts.Metrics.SetPoolUsage(d.pool.Mode(), d.pool.InUse(), d.pool.Size())
	}
}

func (d *Dispatcher) recordError(ctx context.Context, err error) {
	if d.opts.Metrics != nil {
		d.opts.Metrics.RecordSignError(ctx, ErrorKind(err))
	}
}

// ErrorKind classifies a signing error for metrics and audit.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBorrowTimeout):
		return "borrow_timeout"
	case errors.Is(err, shim.ErrUnsupportedOperation):
		return "unsupported_operation"
	case errors.Is(err, signer.ErrSignatureGeneration):
		return "signature_generation"
	case errors.Is(err, signer.ErrEmptyURL):
		return "invalid_request"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "native"
	}
}

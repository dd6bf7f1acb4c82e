// Package pool shares signing engines between concurrent callers, either as
// a fixed set of independent engines or as one engine behind a lock.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kenneth/native-sign-gateway/internal/config"
	"github.com/kenneth/native-sign-gateway/internal/signer"
)

var (
	// ErrBorrowTimeout is returned when no engine became free in time.
	ErrBorrowTimeout = errors.New("timed out waiting for a signing engine")
	// ErrClosed is returned by Borrow after Close.
	ErrClosed = errors.New("pool closed")
)

// Engine is what the pool hands out.
type Engine interface {
	ID() int
	Sign(ctx context.Context, url string, headers []signer.HeaderPair) (*signer.HeaderMap, error)
	Close(ctx context.Context) error
}

// Factory builds engine id.
type Factory func(ctx context.Context, id int) (Engine, error)

// Pool lends engines to one caller at a time.
type Pool interface {
	// Borrow waits up to timeout for a free engine.
	Borrow(ctx context.Context, timeout time.Duration) (Engine, error)
	// Release returns e to the pool. It must be called exactly once per
	// successful Borrow, whether or not the borrowed call succeeded. A
	// release that does not match an outstanding borrow is ignored.
	Release(e Engine)
	Mode() string
	Size() int
	InUse() int
	Close(ctx context.Context) error
}

// Size returns the number of engines a pool should hold: the configured
// size, raised to the host's parallelism.
func Size(configured int) int {
	if n := runtime.NumCPU(); n > configured {
		return n
	}
	return configured
}

// New builds the pool selected by cfg.Mode.
func New(ctx context.Context, cfg config.PoolConfig, factory Factory) (Pool, error) {
	switch cfg.Mode {
	case config.PoolModeLocked:
		return NewLockedPool(ctx, factory)
	case config.PoolModePool, "":
		return NewFixedPool(ctx, Size(cfg.Size), factory)
	default:
		return nil, fmt.Errorf("unknown pool mode %q", cfg.Mode)
	}
}

// FixedPool holds a fixed set of independent engines.
type FixedPool struct {
	idle    chan Engine
	engines []Engine
	inUse   atomic.Int64

	mu   sync.Mutex
	lent map[int]bool

	closeOnce sync.Once
	done      chan struct{}
}

var _ Pool = (*FixedPool)(nil)

// NewFixedPool builds size engines. If any engine fails to build, the ones
// already built are closed and the error returned.
func NewFixedPool(ctx context.Context, size int, factory Factory) (*FixedPool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be at least 1, got %d", size)
	}
	p := &FixedPool{
		idle: make(chan Engine, size),
		lent: make(map[int]bool, size),
		done: make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		e, err := factory(ctx, i)
		if err != nil {
			_ = p.Close(ctx)
			return nil, fmt.Errorf("failed to create engine %d: %w", i, err)
		}
		p.engines = append(p.engines, e)
		p.idle <- e
	}
	return p, nil
}

// Borrow implements Pool.
func (p *FixedPool) Borrow(ctx context.Context, timeout time.Duration) (Engine, error) {
	select {
	case <-p.done:
		return nil, ErrClosed
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e := <-p.idle:
		p.mu.Lock()
		p.lent[e.ID()] = true
		p.mu.Unlock()
		p.inUse.Add(1)
		return e, nil
	case <-timer.C:
		return nil, ErrBorrowTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrClosed
	}
}

// Release implements Pool.
func (p *FixedPool) Release(e Engine) {
	if e == nil {
		return
	}
	p.mu.Lock()
	if !p.lent[e.ID()] {
		p.mu.Unlock()
		return
	}
	delete(p.lent, e.ID())
	p.mu.Unlock()
	p.inUse.Add(-1)
	// Only lent engines come back, so idle always has room.
	p.idle <- e
}

// Mode implements Pool.
func (p *FixedPool) Mode() string { return config.PoolModePool }

// Size implements Pool.
func (p *FixedPool) Size() int { return len(p.engines) }

// InUse implements Pool.
func (p *FixedPool) InUse() int { return int(p.inUse.Load()) }

// Close implements Pool.
func (p *FixedPool) Close(ctx context.Context) error {
	var errs []error
	p.closeOnce.Do(func() {
		close(p.done)
		for _, e := range p.engines {
			errs = append(errs, e.Close(ctx))
		}
	})
	return errors.Join(errs...)
}

// LockedPool serializes all callers on one engine.
type LockedPool struct {
	engine Engine
	sem    chan struct{}

	mu     sync.Mutex
	holder *lease

	closeOnce sync.Once
	done      chan struct{}
}

var _ Pool = (*LockedPool)(nil)

// NewLockedPool builds the single shared engine.
func NewLockedPool(ctx context.Context, factory Factory) (*LockedPool, error) {
	e, err := factory(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	return &LockedPool{
		engine: e,
		sem:    make(chan struct{}, 1),
		done:   make(chan struct{}),
	}, nil
}

// Borrow implements Pool.
func (p *LockedPool) Borrow(ctx context.Context, timeout time.Duration) (Engine, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil, ErrClosed
	case p.sem <- struct{}{}:
		l := &lease{Engine: p.engine}
		p.mu.Lock()
		p.holder = l
		p.mu.Unlock()
		return l, nil
	case <-timer.C:
		return nil, ErrBorrowTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release implements Pool.
func (p *LockedPool) Release(e Engine) {
	l, ok := e.(*lease)
	if !ok {
		return
	}
	p.mu.Lock()
	if l != p.holder {
		p.mu.Unlock()
		return
	}
	p.holder = nil
	p.mu.Unlock()
	<-p.sem
}

// lease is the shared engine as handed to one borrower. Release only
// accepts the current holder's lease.
type lease struct {
	Engine
}

// Mode implements Pool.
func (p *LockedPool) Mode() string { return config.PoolModeLocked }

// Size implements Pool.
func (p *LockedPool) Size() int { return 1 }

// InUse implements Pool.
func (p *LockedPool) InUse() int { return len(p.sem) }

// Close implements Pool.
func (p *LockedPool) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.engine.Close(ctx)
	})
	return err
}

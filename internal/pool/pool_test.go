package pool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kenneth/native-sign-gateway/internal/config"
	"github.com/kenneth/native-sign-gateway/internal/emulator"
	"github.com/kenneth/native-sign-gateway/internal/emulator/emulatortest"
	"github.com/kenneth/native-sign-gateway/internal/metrics"
	"github.com/kenneth/native-sign-gateway/internal/shim"
	"github.com/kenneth/native-sign-gateway/internal/signer"
	"github.com/kenneth/native-sign-gateway/internal/vm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine signs by running fn.
type fakeEngine struct {
	id     int
	fn     func(ctx context.Context) (*signer.HeaderMap, error)
	closed atomic.Bool
}

func (f *fakeEngine) ID() int { return f.id }

func (f *fakeEngine) Sign(ctx context.Context, url string, headers []signer.HeaderPair) (*signer.HeaderMap, error) {
	return f.fn(ctx)
}

func (f *fakeEngine) Close(ctx context.Context) error {
	f.closed.Store(true)
	return nil
}

func okResult(ctx context.Context) (*signer.HeaderMap, error) {
	h := signer.NewHeaderMap()
	h.Set("X-Argus", "ok")
	return h, nil
}

func fakeFactory(fn func(ctx context.Context) (*signer.HeaderMap, error), built *[]*fakeEngine) Factory {
	var mu sync.Mutex
	return func(ctx context.Context, id int) (Engine, error) {
		e := &fakeEngine{id: id, fn: fn}
		mu.Lock()
		*built = append(*built, e)
		mu.Unlock()
		return e, nil
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func TestSize(t *testing.T) {
	assert.Equal(t, runtime.NumCPU(), Size(0))
	assert.Equal(t, runtime.NumCPU()+7, Size(runtime.NumCPU()+7))
}

func TestFixedPool_BorrowRelease(t *testing.T) {
	ctx := context.Background()
	var built []*fakeEngine
	p, err := NewFixedPool(ctx, 2, fakeFactory(okResult, &built))
	require.NoError(t, err)
	defer p.Close(ctx)

	a, err := p.Borrow(ctx, time.Second)
	require.NoError(t, err)
	b, err := p.Borrow(ctx, time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, 2, p.InUse())

	_, err = p.Borrow(ctx, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrBorrowTimeout)

	p.Release(a)
	c, err := p.Borrow(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, a.ID(), c.ID())
}

func TestFixedPool_FactoryFailureClosesBuilt(t *testing.T) {
	var built []*fakeEngine
	good := fakeFactory(okResult, &built)
	factory := func(ctx context.Context, id int) (Engine, error) {
		if id == 2 {
			return nil, errors.New("no memory")
		}
		return good(ctx, id)
	}

	_, err := NewFixedPool(context.Background(), 3, factory)
	require.Error(t, err)
	require.Len(t, built, 2)
	for _, e := range built {
		assert.True(t, e.closed.Load())
	}
}

func TestFixedPool_Close(t *testing.T) {
	ctx := context.Background()
	var built []*fakeEngine
	p, err := NewFixedPool(ctx, 2, fakeFactory(okResult, &built))
	require.NoError(t, err)

	require.NoError(t, p.Close(ctx))
	require.NoError(t, p.Close(ctx))
	for _, e := range built {
		assert.True(t, e.closed.Load())
	}
	_, err = p.Borrow(ctx, time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLockedPool(t *testing.T) {
	ctx := context.Background()
	var built []*fakeEngine
	p, err := NewLockedPool(ctx, fakeFactory(okResult, &built))
	require.NoError(t, err)
	defer p.Close(ctx)

	e, err := p.Borrow(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, p.InUse())

	_, err = p.Borrow(ctx, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrBorrowTimeout)

	p.Release(e)
	assert.Equal(t, 0, p.InUse())
	_, err = p.Borrow(ctx, time.Second)
	require.NoError(t, err)
}

func TestFixedPool_UnmatchedReleaseIgnored(t *testing.T) {
	ctx := context.Background()
	var built []*fakeEngine
	p, err := NewFixedPool(ctx, 2, fakeFactory(okResult, &built))
	require.NoError(t, err)
	defer p.Close(ctx)

	a, err := p.Borrow(ctx, time.Second)
	require.NoError(t, err)
	p.Release(a)
	p.Release(a)
	assert.Equal(t, 0, p.InUse())

	p.Release(built[1])
	assert.Equal(t, 0, p.InUse())

	x, err := p.Borrow(ctx, time.Second)
	require.NoError(t, err)
	y, err := p.Borrow(ctx, time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, x.ID(), y.ID())
	assert.Equal(t, 2, p.InUse())

	_, err = p.Borrow(ctx, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrBorrowTimeout)
}

func TestLockedPool_StrayReleaseKeepsLock(t *testing.T) {
	ctx := context.Background()
	var built []*fakeEngine
	p, err := NewLockedPool(ctx, fakeFactory(okResult, &built))
	require.NoError(t, err)
	defer p.Close(ctx)

	first, err := p.Borrow(ctx, time.Second)
	require.NoError(t, err)
	p.Release(first)

	held, err := p.Borrow(ctx, time.Second)
	require.NoError(t, err)

	p.Release(first)
	p.Release(built[0])
	assert.Equal(t, 1, p.InUse())
	_, err = p.Borrow(ctx, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrBorrowTimeout)

	p.Release(held)
	assert.Equal(t, 0, p.InUse())
}

func TestNew_SelectsMode(t *testing.T) {
	ctx := context.Background()
	var built []*fakeEngine

	p, err := New(ctx, config.PoolConfig{Mode: config.PoolModeLocked}, fakeFactory(okResult, &built))
	require.NoError(t, err)
	assert.Equal(t, config.PoolModeLocked, p.Mode())
	assert.Equal(t, 1, p.Size())
	p.Close(ctx)

	p, err = New(ctx, config.PoolConfig{Mode: config.PoolModePool, Size: 1}, fakeFactory(okResult, &built))
	require.NoError(t, err)
	assert.Equal(t, config.PoolModePool, p.Mode())
	assert.Equal(t, Size(1), p.Size())
	p.Close(ctx)

	_, err = New(ctx, config.PoolConfig{Mode: "shared"}, fakeFactory(okResult, &built))
	assert.Error(t, err)
}

func TestDispatcher_ReleasesAfterFailure(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("native crash")
	var calls atomic.Int32
	fn := func(ctx context.Context) (*signer.HeaderMap, error) {
		if calls.Add(1) == 1 {
			return nil, boom
		}
		return okResult(ctx)
	}

	for _, mode := range []string{config.PoolModePool, config.PoolModeLocked} {
		t.Run(mode, func(t *testing.T) {
			calls.Store(0)
			var built []*fakeEngine
			var p Pool
			var err error
			if mode == config.PoolModeLocked {
				p, err = NewLockedPool(ctx, fakeFactory(fn, &built))
			} else {
				p, err = NewFixedPool(ctx, 1, fakeFactory(fn, &built))
			}
			require.NoError(t, err)
			defer p.Close(ctx)

			d := NewDispatcher(p, DispatcherOptions{BorrowTimeout: 50 * time.Millisecond, Logger: quietLogger()})
			_, err = d.SignHeaders(ctx, "https://example.com", nil)
			assert.ErrorIs(t, err, boom)
			assert.Equal(t, 0, p.InUse())

			h, err := d.SignHeaders(ctx, "https://example.com", nil)
			require.NoError(t, err)
			v, _ := h.Get("X-Argus")
			assert.Equal(t, "ok", v)
		})
	}
}

func TestDispatcher_BoundedBorrowRetries(t *testing.T) {
	ctx := context.Background()
	var built []*fakeEngine
	p, err := NewFixedPool(ctx, 1, fakeFactory(okResult, &built))
	require.NoError(t, err)
	defer p.Close(ctx)

	held, err := p.Borrow(ctx, time.Second)
	require.NoError(t, err)
	defer p.Release(held)

	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	d := NewDispatcher(p, DispatcherOptions{
		BorrowTimeout:   10 * time.Millisecond,
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Metrics:         m,
		Logger:          quietLogger(),
	})

	_, err = d.SignHeaders(ctx, "https://example.com", nil)
	assert.ErrorIs(t, err, ErrBorrowTimeout)

	// One initial attempt plus two retries.
	count, err := testutil.GatherAndCount(reg, "pool_borrow_timeouts_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "pool_borrow_timeouts_total" {
			assert.Equal(t, 3.0, mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
}

func TestDispatcher_RetryGetsEngineReleasedMeanwhile(t *testing.T) {
	ctx := context.Background()
	var built []*fakeEngine
	p, err := NewFixedPool(ctx, 1, fakeFactory(okResult, &built))
	require.NoError(t, err)
	defer p.Close(ctx)

	held, err := p.Borrow(ctx, time.Second)
	require.NoError(t, err)
	go func() {
		time.Sleep(30 * time.Millisecond)
		p.Release(held)
	}()

	d := NewDispatcher(p, DispatcherOptions{
		BorrowTimeout:   10 * time.Millisecond,
		MaxRetries:      20,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
		Logger:          quietLogger(),
	})
	_, err = d.SignHeaders(ctx, "https://example.com", nil)
	require.NoError(t, err)
}

func TestDispatcher_ContextCanceled(t *testing.T) {
	var built []*fakeEngine
	p, err := NewFixedPool(context.Background(), 1, fakeFactory(okResult, &built))
	require.NoError(t, err)
	defer p.Close(context.Background())
	held, _ := p.Borrow(context.Background(), time.Second)
	defer p.Release(held)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := NewDispatcher(p, DispatcherOptions{BorrowTimeout: time.Second, MaxRetries: 5, Logger: quietLogger()})
	_, err = d.SignHeaders(ctx, "https://example.com", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDispatcher_ConcurrentSigningOnRealEngines(t *testing.T) {
	ctx := context.Background()
	backend := &emulatortest.Backend{Script: emulatortest.Fixed("X-Argus\na\nX-Neptune\nb\n")}
	factory := func(ctx context.Context, id int) (Engine, error) {
		return signer.New(ctx, backend, signer.Options{
			ID: id,
			VM: vm.Options{
				ModuleName:  "libsign.so",
				ModuleBytes: []byte("module"),
				Entry:       emulator.EntryPoint{Symbol: "sign"},
			},
			Logger: quietLogger(),
		})
	}
	p, err := NewFixedPool(ctx, 3, factory)
	require.NoError(t, err)
	defer p.Close(ctx)

	d := NewDispatcher(p, DispatcherOptions{BorrowTimeout: time.Second, MaxRetries: 3, Logger: quietLogger()})

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := d.SignHeaders(ctx, "https://example.com", nil)
			if err != nil {
				failures.Add(1)
				return
			}
			if _, ok := h.Get("X-Neptune"); ok {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, failures.Load())
	assert.Equal(t, 3, backend.Loads())
	assert.Equal(t, 0, p.InUse())
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrBorrowTimeout, "borrow_timeout"},
		{&shim.UnsupportedOperationError{Signature: "x"}, "unsupported_operation"},
		{signer.ErrSignatureGeneration, "signature_generation"},
		{signer.ErrEmptyURL, "invalid_request"},
		{context.DeadlineExceeded, "canceled"},
		{errors.New("segv"), "native"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorKind(tt.err))
	}
}

package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

// Config controls label cardinality.
type Config struct {
	// EnableEngineLabel records sign metrics per engine instead of under "*".
	EnableEngineLabel bool
}

// Metrics holds all application metrics.
type Metrics struct {
	cfg      Config
	gatherer prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec

	signOperationsTotal *prometheus.CounterVec
	signDuration        *prometheus.HistogramVec
	signErrors          *prometheus.CounterVec

	poolBorrowWait     *prometheus.HistogramVec
	poolBorrowTimeouts *prometheus.CounterVec
	poolInUse          *prometheus.GaugeVec
	poolSize           *prometheus.GaugeVec

	keyFetchesTotal  *prometheus.CounterVec
	keyFetchDuration prometheus.Histogram
	keyCacheHits     prometheus.Counter
	keyCacheMisses   prometheus.Counter
	keyCacheSize     prometheus.Gauge

	decryptOperationsTotal *prometheus.CounterVec
	decryptDuration        prometheus.Histogram
	decryptBytes           prometheus.Counter
}

// NewMetrics creates metrics on the default registry.
func NewMetrics() *Metrics {
	return newMetricsWithRegistry(prometheus.DefaultRegisterer, Config{})
}

// NewMetricsWithRegistry creates metrics on reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg, Config{})
}

// NewMetricsWithConfig creates metrics on reg with cfg.
func NewMetricsWithConfig(reg prometheus.Registerer, cfg Config) *Metrics {
	return newMetricsWithRegistry(reg, cfg)
}

func newMetricsWithRegistry(reg prometheus.Registerer, cfg Config) *Metrics {
	f := promauto.With(reg)
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	return &Metrics{
		cfg:      cfg,
		gatherer: gatherer,
		httpRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_request_bytes_total",
				Help: "Total bytes transferred in HTTP requests",
			},
			[]string{"method", "path"},
		),
		signOperationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sign_operations_total",
				Help: "Total number of signing calls",
			},
			[]string{"engine", "outcome"},
		),
		signDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sign_duration_seconds",
				Help:    "Duration of native signing calls in seconds",
				Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"engine"},
		),
		signErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sign_errors_total",
				Help: "Total number of failed signing calls by kind",
			},
			[]string{"kind"},
		),
		poolBorrowWait: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pool_borrow_wait_seconds",
				Help:    "Time spent waiting to borrow a signing engine",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
		poolBorrowTimeouts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pool_borrow_timeouts_total",
				Help: "Total number of borrow attempts that timed out",
			},
			[]string{"mode"},
		),
		poolInUse: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pool_engines_in_use",
				Help: "Number of signing engines currently borrowed",
			},
			[]string{"mode"},
		),
		poolSize: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pool_engines",
				Help: "Number of signing engines in the pool",
			},
			[]string{"mode"},
		),
		keyFetchesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "key_fetches_total",
				Help: "Total number of register key fetches",
			},
			[]string{"outcome"},
		),
		keyFetchDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "key_fetch_duration_seconds",
				Help:    "Register key fetch duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		keyCacheHits: f.NewCounter(
			prometheus.CounterOpts{
				Name: "key_cache_hits_total",
				Help: "Total number of key lookups served from cache",
			},
		),
		keyCacheMisses: f.NewCounter(
			prometheus.CounterOpts{
				Name: "key_cache_misses_total",
				Help: "Total number of key lookups that required a fetch",
			},
		),
		keyCacheSize: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "key_cache_versions",
				Help: "Number of key versions currently cached",
			},
		),
		decryptOperationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decrypt_operations_total",
				Help: "Total number of content decrypt operations",
			},
			[]string{"outcome", "compressed"},
		),
		decryptDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "decrypt_duration_seconds",
				Help:    "Content decrypt duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		decryptBytes: f.NewCounter(
			prometheus.CounterOpts{
				Name: "decrypt_plaintext_bytes_total",
				Help: "Total plaintext bytes produced by content decryption",
			},
		),
	}
}

// getExemplar returns trace labels for the span in ctx, or nil.
func getExemplar(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}

func inc(ctx context.Context, c prometheus.Counter) {
	if ex := getExemplar(ctx); ex != nil {
		if adder, ok := c.(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, ex)
			return
		}
	}
	c.Inc()
}

func observe(ctx context.Context, o prometheus.Observer, v float64) {
	if ex := getExemplar(ctx); ex != nil {
		if eo, ok := o.(prometheus.ExemplarObserver); ok {
			eo.ObserveWithExemplar(v, ex)
			return
		}
	}
	o.Observe(v)
}

// sanitizePathLabel collapses variable path segments so per-version key
// lookups do not create a series each.
func sanitizePathLabel(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) == 1 && segs[0] == "" {
		return "/"
	}
	for i, s := range segs {
		if _, err := strconv.ParseInt(s, 10, 64); err == nil {
			segs[i] = "*"
		}
	}
	if len(segs) > 4 {
		segs = append(segs[:4], "*")
	}
	return "/" + strings.Join(segs, "/")
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration, bytes int64) {
	path = sanitizePathLabel(path)
	statusText := http.StatusText(status)
	inc(ctx, m.httpRequestsTotal.WithLabelValues(method, path, statusText))
	observe(ctx, m.httpRequestDuration.WithLabelValues(method, path, statusText), duration.Seconds())
	m.httpRequestBytes.WithLabelValues(method, path).Add(float64(bytes))
}

func (m *Metrics) engineLabel(engine int) string {
	if !m.cfg.EnableEngineLabel {
		return "*"
	}
	return strconv.Itoa(engine)
}

// RecordSign records a completed signing call.
func (m *Metrics) RecordSign(ctx context.Context, engine int, duration time.Duration, err error) {
	label := m.engineLabel(engine)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	inc(ctx, m.signOperationsTotal.WithLabelValues(label, outcome))
	observe(ctx, m.signDuration.WithLabelValues(label), duration.Seconds())
}

// RecordSignError records a failed signing call by error kind.
func (m *Metrics) RecordSignError(ctx context.Context, kind string) {
	inc(ctx, m.signErrors.WithLabelValues(kind))
}

// RecordBorrow records the wait for one borrow attempt.
func (m *Metrics) RecordBorrow(ctx context.Context, mode string, wait time.Duration, timedOut bool) {
	observe(ctx, m.poolBorrowWait.WithLabelValues(mode), wait.Seconds())
	if timedOut {
		inc(ctx, m.poolBorrowTimeouts.WithLabelValues(mode))
	}
}

// SetPoolUsage publishes pool occupancy.
func (m *Metrics) SetPoolUsage(mode string, inUse, size int) {
	m.poolInUse.WithLabelValues(mode).Set(float64(inUse))
	m.poolSize.WithLabelValues(mode).Set(float64(size))
}

// RecordKeyFetch records a register key fetch.
func (m *Metrics) RecordKeyFetch(ctx context.Context, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	inc(ctx, m.keyFetchesTotal.WithLabelValues(outcome))
	observe(ctx, m.keyFetchDuration, duration.Seconds())
}

// RecordKeyLookup records whether a key lookup hit the cache.
func (m *Metrics) RecordKeyLookup(ctx context.Context, hit bool) {
	if hit {
		inc(ctx, m.keyCacheHits)
		return
	}
	inc(ctx, m.keyCacheMisses)
}

// SetKeyCacheSize publishes the number of cached key versions.
func (m *Metrics) SetKeyCacheSize(n int) {
	m.keyCacheSize.Set(float64(n))
}

// RecordDecrypt records a content decrypt operation.
func (m *Metrics) RecordDecrypt(ctx context.Context, duration time.Duration, plaintextBytes int, compressed bool, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	inc(ctx, m.decryptOperationsTotal.WithLabelValues(outcome, strconv.FormatBool(compressed)))
	observe(ctx, m.decryptDuration, duration.Seconds())
	if err == nil {
		m.decryptBytes.Add(float64(plaintextBytes))
	}
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// =============================================================================
// METRICS - PROMETHEUS INSTRUMENTATION FOR THE DELAY STORE
// =============================================================================
//
// WHAT IS THIS?
// A private Prometheus registry plus one struct of collectors per subsystem.
// Components receive their subsystem struct (e.g. *StorageMetrics) and call
// its Record* methods. Every recorder is nil-safe, so tests and tools can pass
// nil and skip instrumentation entirely.
//
// METRIC LAYOUT:
//
//   {namespace}_storage_*     schedule/dispatch log appends, segments, flushes
//   {namespace}_wheel_*       timing wheel size, fired and retried entries
//   {namespace}_dispatch_*    publish outcomes and latency
//   {namespace}_checkpoint_*  checkpoint saves and loads
//
// WHY A PRIVATE REGISTRY?
// prometheus.DefaultRegisterer is global. Tests that build several registries
// in one process would panic on duplicate registration.
//
// =============================================================================

package metrics

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector of the process.
type Registry struct {
	promRegistry *prometheus.Registry
	config       Config
	logger       *slog.Logger
	enabled      bool

	Storage    *StorageMetrics
	Wheel      *WheelMetrics
	Dispatch   *DispatchMetrics
	Checkpoint *CheckpointMetrics
}

// Config controls what gets registered.
type Config struct {
	// Enabled turns metrics collection on/off.
	// When disabled, all metric operations are no-ops.
	Enabled bool

	// Namespace is the prefix for all metrics (default: "delaystore").
	Namespace string

	// IncludeGoCollector adds Go runtime metrics (goroutines, GC, memory).
	IncludeGoCollector bool

	// IncludeProcessCollector adds process metrics (CPU, fds).
	IncludeProcessCollector bool

	// HistogramBuckets for latency measurements (in seconds).
	HistogramBuckets []float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:                 true,
		Namespace:               "delaystore",
		IncludeGoCollector:      true,
		IncludeProcessCollector: true,
		HistogramBuckets: []float64{
			0.0001, // 100µs - page cache append
			0.0005,
			0.001,
			0.005,
			0.01,
			0.025,
			0.05, // fsync on a busy disk
			0.1,
			0.25,
			0.5,
			1,
			5,
		},
	}
}

// =============================================================================
// GLOBAL REGISTRY
// =============================================================================

var (
	globalRegistry *Registry
	globalOnce     sync.Once
)

// Init creates the process-wide registry once.
func Init(config Config) *Registry {
	globalOnce.Do(func() {
		globalRegistry = NewRegistry(config)
	})
	return globalRegistry
}

// Get returns the process-wide registry, nil before Init.
func Get() *Registry {
	return globalRegistry
}

// =============================================================================
// REGISTRY
// =============================================================================

// NewRegistry builds a registry and all subsystem collectors.
func NewRegistry(config Config) *Registry {
	logger := slog.Default().With("component", "metrics")

	r := &Registry{
		promRegistry: prometheus.NewRegistry(),
		config:       config,
		logger:       logger,
		enabled:      config.Enabled,
	}

	if !config.Enabled {
		logger.Info("metrics collection disabled")
		return r
	}

	if config.IncludeGoCollector {
		r.promRegistry.MustRegister(collectors.NewGoCollector())
	}
	if config.IncludeProcessCollector {
		r.promRegistry.MustRegister(collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		))
	}

	r.Storage = newStorageMetrics(r)
	r.Wheel = newWheelMetrics(r)
	r.Dispatch = newDispatchMetrics(r)
	r.Checkpoint = newCheckpointMetrics(r)

	logger.Info("metrics registry initialized", "namespace", config.Namespace)
	return r
}

// StorageMetrics returns the storage collectors, nil for a nil registry.
func (r *Registry) StorageMetrics() *StorageMetrics {
	if r == nil {
		return nil
	}
	return r.Storage
}

// WheelMetrics returns the wheel collectors, nil for a nil registry.
func (r *Registry) WheelMetrics() *WheelMetrics {
	if r == nil {
		return nil
	}
	return r.Wheel
}

// DispatchMetrics returns the dispatch collectors, nil for a nil registry.
func (r *Registry) DispatchMetrics() *DispatchMetrics {
	if r == nil {
		return nil
	}
	return r.Dispatch
}

// CheckpointMetrics returns the checkpoint collectors, nil for a nil registry.
func (r *Registry) CheckpointMetrics() *CheckpointMetrics {
	if r == nil {
		return nil
	}
	return r.Checkpoint
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil || !r.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("# Metrics disabled\n"))
		})
	}

	return promhttp.HandlerFor(r.promRegistry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorLog:          &promLogger{logger: r.logger},
		Registry:          r.promRegistry,
	})
}

// promLogger adapts slog to promhttp's Println logger.
type promLogger struct {
	logger *slog.Logger
}

func (l *promLogger) Println(v ...interface{}) {
	l.logger.Error("prometheus handler error", "error", v)
}

// Enabled reports whether collectors are registered.
func (r *Registry) Enabled() bool {
	return r != nil && r.enabled
}

// PrometheusRegistry exposes the underlying registry for tests and gatherers.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.promRegistry
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func (r *Registry) newCounterVec(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec {
	opts.Namespace = r.config.Namespace
	counterVec := prometheus.NewCounterVec(opts, labelNames)
	r.promRegistry.MustRegister(counterVec)
	return counterVec
}

func (r *Registry) newCounter(opts prometheus.CounterOpts) prometheus.Counter {
	opts.Namespace = r.config.Namespace
	counter := prometheus.NewCounter(opts)
	r.promRegistry.MustRegister(counter)
	return counter
}

func (r *Registry) newGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	opts.Namespace = r.config.Namespace
	gauge := prometheus.NewGauge(opts)
	r.promRegistry.MustRegister(gauge)
	return gauge
}

func (r *Registry) newGaugeVec(opts prometheus.GaugeOpts, labelNames []string) *prometheus.GaugeVec {
	opts.Namespace = r.config.Namespace
	gaugeVec := prometheus.NewGaugeVec(opts, labelNames)
	r.promRegistry.MustRegister(gaugeVec)
	return gaugeVec
}

func (r *Registry) newHistogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	opts.Namespace = r.config.Namespace
	if opts.Buckets == nil {
		opts.Buckets = r.config.HistogramBuckets
	}
	histogram := prometheus.NewHistogram(opts)
	r.promRegistry.MustRegister(histogram)
	return histogram
}

func (r *Registry) newHistogramVec(opts prometheus.HistogramOpts, labelNames []string) *prometheus.HistogramVec {
	opts.Namespace = r.config.Namespace
	if opts.Buckets == nil {
		opts.Buckets = r.config.HistogramBuckets
	}
	histogramVec := prometheus.NewHistogramVec(opts, labelNames)
	r.promRegistry.MustRegister(histogramVec)
	return histogramVec
}

// Timer measures one operation into an observer.
type Timer struct {
	start    time.Time
	observer prometheus.Observer
}

// NewTimer starts a timer. observer may be nil.
func NewTimer(observer prometheus.Observer) *Timer {
	return &Timer{start: time.Now(), observer: observer}
}

// ObserveDuration records the elapsed time and returns it.
func (t *Timer) ObserveDuration() time.Duration {
	elapsed := time.Since(t.start)
	if t.observer != nil {
		t.observer.Observe(elapsed.Seconds())
	}
	return elapsed
}

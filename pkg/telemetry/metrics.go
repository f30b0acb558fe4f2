package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for graph evaluation and the frame cache.
// Every Record/Set method is safe on a nil receiver and on a disabled instance.
type Metrics struct {
	config MetricsConfig

	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	nodeApplies       *prometheus.CounterVec
	nodeApplyDuration *prometheus.HistogramVec

	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registeredObjects prometheus.Gauge

	residentFrames   prometheus.Gauge
	evictions        prometheus.Counter
	dumps            *prometheus.CounterVec
	dumpBytes        prometheus.Counter
	hydrations       prometheus.Counter
	cacheCorruptions prometheus.Counter
	diskStalls       prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector on a private registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	ns := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "runs_total",
			Help: "Total number of graph runs by final status",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "run_duration_seconds",
			Help: "Duration of graph runs in seconds", Buckets: buckets,
		}, []string{"status"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "active_runs",
			Help: "Number of runs currently evaluating",
		}),

		nodeApplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "node_applies_total",
			Help: "Total number of node body invocations",
		}, []string{"class", "status"}),
		nodeApplyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "node_apply_duration_seconds",
			Help: "Duration of node body invocations in seconds", Buckets: buckets,
		}, []string{"class"}),

		errorsByClass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "errors_by_class_total",
			Help: "Total number of engine errors by class",
		}, []string{"class"}),
		errorsByCode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "errors_by_code_total",
			Help: "Total number of engine errors by code",
		}, []string{"code"}),

		registeredObjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "registered_objects",
			Help: "Objects registered by the last run",
		}),

		residentFrames: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "cache", Name: "resident_frames",
			Help: "Frames whose objects are held in memory",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "cache", Name: "evictions_total",
			Help: "Frames evicted from memory",
		}),
		dumps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "cache", Name: "dumps_total",
			Help: "Frame dumps to disk by mode",
		}, []string{"mode"}),
		dumpBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "cache", Name: "dump_bytes_total",
			Help: "Bytes written to cache files",
		}),
		hydrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "cache", Name: "hydrations_total",
			Help: "Frames reloaded from disk",
		}),
		cacheCorruptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "cache", Name: "corruptions_total",
			Help: "Cache files rejected as corrupt",
		}),
		diskStalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "cache", Name: "disk_stalls_total",
			Help: "Poll iterations spent waiting for free disk space",
		}),
	}

	registry.MustRegister(
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.nodeApplies,
		m.nodeApplyDuration,
		m.errorsByClass,
		m.errorsByCode,
		m.registeredObjects,
		m.residentFrames,
		m.evictions,
		m.dumps,
		m.dumpBytes,
		m.hydrations,
		m.cacheCorruptions,
		m.diskStalls,
	)

	return m, nil
}

// Registry exposes the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) enabled() bool { return m != nil && m.registry != nil }

// Runs

// RecordRunStarted marks a run as active.
func (m *Metrics) RecordRunStarted() {
	if !m.enabled() {
		return
	}
	m.activeRuns.Inc()
}

// RecordRunCompleted records a finished run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Nodes

// RecordNodeApply records one node body invocation.
func (m *Metrics) RecordNodeApply(class, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.nodeApplies.WithLabelValues(class, status).Inc()
	m.nodeApplyDuration.WithLabelValues(class).Observe(duration.Seconds())
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// SetRegisteredObjects sets the object count of the last run.
func (m *Metrics) SetRegisteredObjects(n int) {
	if !m.enabled() {
		return
	}
	m.registeredObjects.Set(float64(n))
}

// Frame cache

func (m *Metrics) SetResidentFrames(n int) {
	if !m.enabled() {
		return
	}
	m.residentFrames.Set(float64(n))
}

func (m *Metrics) RecordEviction() {
	if !m.enabled() {
		return
	}
	m.evictions.Inc()
}

// RecordDump records a dump in "objects" or "index" mode.
func (m *Metrics) RecordDump(mode string, bytes int) {
	if !m.enabled() {
		return
	}
	m.dumps.WithLabelValues(mode).Inc()
	m.dumpBytes.Add(float64(bytes))
}

func (m *Metrics) RecordHydration() {
	if !m.enabled() {
		return
	}
	m.hydrations.Inc()
}

func (m *Metrics) RecordCacheCorruption() {
	if !m.enabled() {
		return
	}
	m.cacheCorruptions.Inc()
}

func (m *Metrics) RecordDiskStall() {
	if !m.enabled() {
		return
	}
	m.diskStalls.Inc()
}

// Timer measures the duration of an operation.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, logger zerolog.Logger) error {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("metrics server stopped")
		}
	}()

	return nil
}

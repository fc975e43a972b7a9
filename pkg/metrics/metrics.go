package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transform outcomes
	TransformsRunTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_transforms_run_total",
			Help: "Total number of transforms executed (not fetched or skipped)",
		},
	)

	TransformsFetchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_transforms_fetched_total",
			Help: "Total number of transforms whose outputs were fetched from cache",
		},
	)

	TransformsSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_transforms_skipped_total",
			Help: "Total number of transforms skipped because no dependent needed their output",
		},
	)

	TransformsStoredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_transforms_stored_total",
			Help: "Total number of transforms whose outputs were stored to at least one cache",
		},
	)

	TransformsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_transforms_failed_total",
			Help: "Total number of transforms that aborted the workflow, by error category",
		},
		[]string{"category"},
	)

	TransformRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_transform_run_duration_seconds",
			Help:    "Wall time to run a single transform's invocations",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Cache metrics
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_cache_hits_total",
			Help: "Total number of cache fetch hits, by cache name",
		},
		[]string{"cache"},
	)

	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_cache_misses_total",
			Help: "Total number of cache fetch misses, by cache name",
		},
		[]string{"cache"},
	)

	CacheStoreDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_cache_store_duration_seconds",
			Help:    "Time taken to store an item into a cache",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cache"},
	)

	CacheFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_cache_fetch_duration_seconds",
			Help:    "Time taken to fetch an item from a cache",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cache"},
	)

	DeterminismViolationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_determinism_violations_total",
			Help: "Total number of determinism-mode content hash mismatches detected",
		},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_scheduling_latency_seconds",
			Help:    "Time taken for a single scheduler workflow run",
			Buckets: prometheus.DefBuckets,
		},
	)

	NodesScheduledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_nodes_scheduled_total",
			Help: "Total number of transform nodes dispatched by the scheduler",
		},
	)

	// Sandbox/executor metrics
	InvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_invocations_total",
			Help: "Total number of sandbox invocations by exit status",
		},
		[]string{"status"},
	)

	InvocationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_invocation_duration_seconds",
			Help:    "Time taken for a single sandbox invocation to complete",
			Buckets: prometheus.DefBuckets,
		},
	)

	BindConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_bind_conflicts_total",
			Help: "Total number of rejected sandbox bind admissions",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TransformsRunTotal,
		TransformsFetchedTotal,
		TransformsSkippedTotal,
		TransformsStoredTotal,
		TransformsFailedTotal,
		TransformRunDuration,
		CacheHitsTotal,
		CacheMissesTotal,
		CacheStoreDuration,
		CacheFetchDuration,
		DeterminismViolationsTotal,
		SchedulingLatency,
		NodesScheduledTotal,
		InvocationsTotal,
		InvocationDuration,
		BindConflictsTotal,
	)
}

// Handler returns the Prometheus HTTP handler for a /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// newStateGauge registers and returns a single gauge, used by collector.go
// for the scheduler-state gauges polled from a running workflow.
func newStateGauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	prometheus.MustRegister(g)
	return g
}

// Timer is a helper for timing operations: start it, run the operation,
// then observe the elapsed duration into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with
// labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

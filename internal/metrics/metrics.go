// Package metrics declares the engine's Prometheus instrumentation,
// adapted from cuemby-warren's pkg/metrics: package-level collectors
// registered once in init(), a Timer helper for histogram observations,
// and an http.Handler for scraping — re-keyed from that project's
// cluster/raft/deployment domain to jobs, targets, and quarantines.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "forker_jobs_total",
			Help: "Current number of jobs by state",
		},
		[]string{"state"},
	)

	TargetsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "forker_targets_total",
			Help: "Current number of target outcomes by state",
		},
		[]string{"state"},
	)

	QuarantineActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forker_quarantine_active",
			Help: "Number of active quarantine entries awaiting operator review",
		},
	)

	ConcurrencyLimit = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forker_concurrency_limit",
			Help: "Current adaptive admission limit for copy/verify work",
		},
	)

	CopyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forker_copy_duration_seconds",
			Help:    "Time taken to stream one (job, target) copy",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	VerifyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forker_verify_duration_seconds",
			Help:    "Time taken to re-hash one finalized target",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forker_retries_total",
			Help: "Total retry attempts by error kind",
		},
		[]string{"kind"},
	)

	IntegrityFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forker_integrity_failures_total",
			Help: "Total digest mismatches detected at copy or verification time",
		},
	)

	DiscoveryPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forker_discovery_pending",
			Help: "Candidates awaiting stability before admission",
		},
	)
)

func init() {
	prometheus.MustRegister(
		JobsTotal,
		TargetsTotal,
		QuarantineActive,
		ConcurrencyLimit,
		CopyDuration,
		VerifyDuration,
		RetriesTotal,
		IntegrityFailuresTotal,
		DiscoveryPending,
	)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall time for a histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram, in seconds.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

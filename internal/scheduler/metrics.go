package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the scheduler's execution counters. A nil *Metrics is
// valid and records nothing, so tests and library callers can opt out.
type Metrics struct {
	jobsTotal    *prometheus.CounterVec
	retriesTotal prometheus.Counter
	runningJobs  prometheus.Gauge
	runDuration  prometheus.Histogram
}

// NewMetrics registers the scheduler metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		jobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conveyor",
			Name:      "jobs_total",
			Help:      "Jobs finished, by terminal status.",
		}, []string{"status"}),
		retriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "conveyor",
			Name:      "job_retries_total",
			Help:      "Job attempts beyond the first.",
		}),
		runningJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "conveyor",
			Name:      "running_jobs",
			Help:      "Jobs currently executing.",
		}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "conveyor",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of completed pipeline runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

func (m *Metrics) jobFinished(status string) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) jobRetried() {
	if m == nil {
		return
	}
	m.retriesTotal.Inc()
}

func (m *Metrics) jobStarted() {
	if m == nil {
		return
	}
	m.runningJobs.Inc()
}

func (m *Metrics) jobStopped() {
	if m == nil {
		return
	}
	m.runningJobs.Dec()
}

func (m *Metrics) runFinished(d time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.Observe(d.Seconds())
}

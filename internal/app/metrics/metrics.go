// Package metrics exposes the application's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "videoforge",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Current number of task IDs waiting in the scheduler queue.",
		},
	)

	tasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "videoforge",
			Subsystem: "scheduler",
			Name:      "inflight_tasks",
			Help:      "Current number of claimed tasks executing against the provider.",
		},
	)

	taskOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "videoforge",
			Subsystem: "scheduler",
			Name:      "task_outcomes_total",
			Help:      "Total number of finished task executions by outcome.",
		},
		[]string{"outcome"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "videoforge",
			Subsystem: "scheduler",
			Name:      "task_duration_seconds",
			Help:      "Wall-clock duration of task executions.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
		},
		[]string{"outcome"},
	)

	refunds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "videoforge",
			Subsystem: "ledger",
			Name:      "refunds_total",
			Help:      "Total number of refund transactions written.",
		},
	)

	reconcilerCorrections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "videoforge",
			Subsystem: "reconciler",
			Name:      "corrections_total",
			Help:      "Total number of corrective task writes by rule.",
		},
		[]string{"rule"},
	)
)

func init() {
	Registry.MustRegister(
		queueDepth,
		tasksInFlight,
		taskOutcomes,
		taskDuration,
		refunds,
		reconcilerCorrections,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetQueueDepth records the scheduler queue length.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// TaskStarted marks one execution unit entering flight.
func TaskStarted() {
	tasksInFlight.Inc()
}

// TaskFinished records an execution outcome and its duration.
func TaskFinished(outcome string, duration time.Duration) {
	tasksInFlight.Dec()
	if duration <= 0 {
		duration = time.Millisecond
	}
	taskOutcomes.WithLabelValues(outcome).Inc()
	taskDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordRefund counts a written refund transaction.
func RecordRefund() {
	refunds.Inc()
}

// RecordCorrection counts a reconciler corrective write.
func RecordCorrection(rule string) {
	reconcilerCorrections.WithLabelValues(rule).Inc()
}

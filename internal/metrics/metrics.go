// Package metrics provides Prometheus metrics for sitewatch.
package metrics

import (
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sitewatch"

var (
	// EvaluationsTotal counts evaluation cycles by verdict.
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Total number of job evaluations",
		},
		[]string{"verdict"},
	)

	// ProbeDuration measures probe latency.
	ProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "Duration of probes in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"class"},
	)

	// TransitionsTotal counts persisted state transitions by incident change.
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Total number of persisted availability transitions",
		},
		[]string{"incident"},
	)

	// NotificationsTotal counts notification send attempts.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total number of notification send attempts",
		},
		[]string{"kind", "status"},
	)

	// SkippedTotal counts triggers dropped because the job was already being evaluated.
	SkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_skipped_total",
			Help:      "Evaluations skipped because one was already in flight",
		},
	)

	// ErrorsTotal counts errors by operation.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors",
		},
		[]string{"operation"},
	)
)

// NewJobsDownGauge reports the number of jobs currently down. count is
// called on every scrape, so the value follows the store across restarts
// and deletions. A failed count is exported as NaN.
func NewJobsDownGauge(count func() (int, error)) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_down",
			Help:      "Number of jobs currently down",
		},
		func() float64 {
			n, err := count()
			if err != nil {
				RecordError("count_down")
				return math.NaN()
			}
			return float64(n)
		},
	)
}

// RecordProbe records one probe. class is empty for probes that got a response.
func RecordProbe(class string, seconds float64) {
	if class == "" {
		class = "none"
	}
	ProbeDuration.WithLabelValues(class).Observe(seconds)
}

// RecordEvaluation records the verdict of one evaluation.
func RecordEvaluation(verdict string) {
	EvaluationsTotal.WithLabelValues(verdict).Inc()
}

// RecordTransition records a persisted transition.
func RecordTransition(incident string) {
	TransitionsTotal.WithLabelValues(incident).Inc()
}

// RecordNotification records one send attempt.
func RecordNotification(kind string, ok bool) {
	status := "success"
	if !ok {
		status = "error"
	}
	NotificationsTotal.WithLabelValues(kind, status).Inc()
}

// RecordSkipped records a dropped trigger.
func RecordSkipped() {
	SkippedTotal.Inc()
}

// RecordError records an error.
func RecordError(operation string) {
	ErrorsTotal.WithLabelValues(operation).Inc()
}

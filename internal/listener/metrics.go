package listener

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "thumbnailer"

// Metrics holds the job completion metrics recorded by the Listener.
type Metrics struct {
	completions  *prometheus.CounterVec
	duplicates   prometheus.Counter
	stale        prometheus.Counter
	uncorrelated prometheus.Counter
	latency      *prometheus.HistogramVec
	attempts     prometheus.Histogram
}

// NewMetrics creates the listener metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		completions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Jobs that reached a terminal state, by status.",
		}, []string{"status"}),
		duplicates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_events_duplicate_total",
			Help:      "Completion events ignored because they were already handled.",
		}),
		stale: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_events_stale_total",
			Help:      "Completion events whose status no longer matches the job.",
		}),
		uncorrelated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_events_uncorrelated_total",
			Help:      "Completion events with no matching job.",
		}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from job creation to its terminal state.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"status"}),
		attempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_attempts",
			Help:      "Processing attempts used per completed job.",
			Buckets:   []float64{1, 2, 3, 4, 5, 10},
		}),
	}
}

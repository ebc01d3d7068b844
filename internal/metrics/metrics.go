// Package metrics defines Prometheus metrics for the rewire server.
//
// All metrics are registered with the default registry and served on
// GET /metrics.
//
// Metric naming follows Prometheus conventions:
//   - rewire_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ObservationsTotal counts appended observations by kind.
	ObservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewire_observations_total",
			Help: "Total observations appended, by kind.",
		},
		[]string{"kind"},
	)

	// ViolationsOpenedTotal counts violations opened by code.
	ViolationsOpenedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewire_violations_opened_total",
			Help: "Total violations opened, by code.",
		},
		[]string{"code"},
	)

	// ViolationsClosedTotal counts violation rows closed.
	ViolationsClosedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rewire_violations_closed_total",
			Help: "Total violation rows closed.",
		},
	)

	// TrialsTotal counts trial lifecycle events (issued, acked, expired).
	TrialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewire_trials_total",
			Help: "Total alert-trial lifecycle events.",
		},
		[]string{"event"},
	)

	// NotifyFailuresTotal counts failed notification deliveries.
	NotifyFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rewire_notify_failures_total",
			Help: "Total failed notification deliveries.",
		},
	)

	// CheckDurationSeconds is a histogram of full checker tick duration.
	CheckDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rewire_check_duration_seconds",
			Help:    "Duration of one checker tick across all expectations.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
		},
	)
)

// ObserveCheckDuration records one checker tick duration.
func ObserveCheckDuration(start time.Time) {
	CheckDurationSeconds.Observe(time.Since(start).Seconds())
}

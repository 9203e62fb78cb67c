// Package metrics provides Prometheus instrumentation for propagation and
// manual overrides.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// Question outcomes by status
	Outcomes *prometheus.CounterVec

	// Proposals by action
	Proposals *prometheus.CounterVec

	// Manual overrides by target kind
	Overrides *prometheus.CounterVec

	// Duration of one entity batch
	PropagateLatency prometheus.Histogram
}

// New creates a Metrics instance with its collectors registered on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "compass_propagation_outcomes_total",
			Help: "Total propagated questions by outcome status",
		}, []string{"status"}), // applied, no_change, blocked, skipped, error

		Proposals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "compass_proposals_total",
			Help: "Total field proposals by action",
		}, []string{"action"}),

		Overrides: f.NewCounterVec(prometheus.CounterOpts{
			Name: "compass_overrides_total",
			Help: "Total manual overrides applied by target kind",
		}, []string{"target"}), // canonical, custom

		PropagateLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "compass_propagate_duration_seconds",
			Help:    "Duration of propagating one entity batch",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}
}

// IncrementOutcome records one question outcome.
func (m *Metrics) IncrementOutcome(status string) {
	if m != nil {
		m.Outcomes.WithLabelValues(status).Inc()
	}
}

// IncrementProposal records one evaluated proposal.
func (m *Metrics) IncrementProposal(action string) {
	if m != nil {
		m.Proposals.WithLabelValues(action).Inc()
	}
}

// IncrementOverride records one applied manual override.
func (m *Metrics) IncrementOverride(target string) {
	if m != nil {
		m.Overrides.WithLabelValues(target).Inc()
	}
}

// ObservePropagateLatency records the duration of one entity batch.
func (m *Metrics) ObservePropagateLatency(d time.Duration) {
	if m != nil {
		m.PropagateLatency.Observe(d.Seconds())
	}
}

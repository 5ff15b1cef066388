package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EvaluationMetrics tracks proposal evaluation.
//
// Metrics:
//   - <ns>_proposal_evaluations_total{outcome}: aggregate evaluations by passed/declined/error
//   - <ns>_policy_decisions_total{content_type,decision}: individual evaluator decisions
//   - <ns>_proposal_evaluation_duration_seconds: time spent evaluating one proposal
type EvaluationMetrics struct {
	evaluationsTotal *prometheus.CounterVec
	decisionsTotal   *prometheus.CounterVec
	duration         prometheus.Histogram
}

func NewEvaluationMetrics(namespace string, registry *prometheus.Registry) *EvaluationMetrics {
	m := &EvaluationMetrics{
		evaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proposal_evaluations_total",
				Help:      "Total number of proposal evaluations by outcome",
			},
			[]string{"outcome"},
		),
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_decisions_total",
				Help:      "Total number of policy evaluator decisions",
			},
			[]string{"content_type", "decision"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "proposal_evaluation_duration_seconds",
				Help:      "Duration of proposal evaluation in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
		),
	}
	registry.MustRegister(m.evaluationsTotal, m.decisionsTotal, m.duration)
	return m
}

// RecordDecision counts one evaluator result.
func (m *EvaluationMetrics) RecordDecision(contentType, decision string) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(contentType, decision).Inc()
}

// RecordEvaluation counts one aggregate evaluation. outcome is passed,
// declined or error.
func (m *EvaluationMetrics) RecordEvaluation(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.evaluationsTotal.WithLabelValues(outcome).Inc()
	m.duration.Observe(d.Seconds())
}

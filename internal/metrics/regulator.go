package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RegulatorMetrics tracks regulator cycles.
//
// Metrics:
//   - <ns>_regulator_cycles_total{status}: cycles by completed/failed
//   - <ns>_regulator_cycle_duration_seconds: cycle wall time
//   - <ns>_regulator_boundaries_total{status}: boundary passes by completed/failed
//   - <ns>_regulator_variable_updates_total / _policy_updates_total / _skipped_variables_total
//   - <ns>_regulator_actions_total{outcome}: direct, proposal, declined, failed
type RegulatorMetrics struct {
	cyclesTotal      *prometheus.CounterVec
	cycleDuration    prometheus.Histogram
	boundariesTotal  *prometheus.CounterVec
	variableUpdates  prometheus.Counter
	policyUpdates    prometheus.Counter
	skippedVariables prometheus.Counter
	actionsTotal     *prometheus.CounterVec
}

const (
	ActionOutcomeDirect   = "direct"
	ActionOutcomeProposal = "proposal"
	ActionOutcomeDeclined = "declined"
	ActionOutcomeFailed   = "failed"
)

func NewRegulatorMetrics(namespace string, registry *prometheus.Registry) *RegulatorMetrics {
	m := &RegulatorMetrics{
		cyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "regulator",
				Name:      "cycles_total",
				Help:      "Total number of regulator cycles by status",
			},
			[]string{"status"},
		),
		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "regulator",
				Name:      "cycle_duration_seconds",
				Help:      "Duration of regulator cycles in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		boundariesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "regulator",
				Name:      "boundaries_total",
				Help:      "Total number of boundary passes by status",
			},
			[]string{"status"},
		),
		variableUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "regulator",
			Name:      "variable_updates_total",
			Help:      "Total number of variable states appended",
		}),
		policyUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "regulator",
			Name:      "policy_updates_total",
			Help:      "Total number of response policy snapshots appended",
		}),
		skippedVariables: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "regulator",
			Name:      "skipped_variables_total",
			Help:      "Total number of managed variables skipped",
		}),
		actionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "regulator",
				Name:      "actions_total",
				Help:      "Total number of action outcomes",
			},
			[]string{"outcome"},
		),
	}
	registry.MustRegister(
		m.cyclesTotal,
		m.cycleDuration,
		m.boundariesTotal,
		m.variableUpdates,
		m.policyUpdates,
		m.skippedVariables,
		m.actionsTotal,
	)
	return m
}

func (m *RegulatorMetrics) RecordCycle(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.cyclesTotal.WithLabelValues(status).Inc()
	m.cycleDuration.Observe(d.Seconds())
}

// BoundaryCounts mirrors the regulator's per-boundary counters.
type BoundaryCounts struct {
	VariableUpdates         int
	ResponsePolicyUpdates   int
	SkippedManagedVariables int
	DirectActionExecutions  int
	ProposalActionsOpened   int
	DeclinedActions         int
	FailedActions           int
}

func (m *RegulatorMetrics) RecordBoundary(status string, c BoundaryCounts) {
	if m == nil {
		return
	}
	m.boundariesTotal.WithLabelValues(status).Inc()
	m.variableUpdates.Add(float64(c.VariableUpdates))
	m.policyUpdates.Add(float64(c.ResponsePolicyUpdates))
	m.skippedVariables.Add(float64(c.SkippedManagedVariables))
	m.actionsTotal.WithLabelValues(ActionOutcomeDirect).Add(float64(c.DirectActionExecutions))
	m.actionsTotal.WithLabelValues(ActionOutcomeProposal).Add(float64(c.ProposalActionsOpened))
	m.actionsTotal.WithLabelValues(ActionOutcomeDeclined).Add(float64(c.DeclinedActions))
	m.actionsTotal.WithLabelValues(ActionOutcomeFailed).Add(float64(c.FailedActions))
}

package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the governance engine. All methods are
// nil-safe so services can run without metrics in tests.
type Metrics struct {
	// Policy decisions by effect
	DecisionOutcome *prometheus.CounterVec

	// Full evaluation latency including policy loading
	EvaluateLatency prometheus.Histogram

	// Grant state machine transitions
	GrantTransitions *prometheus.CounterVec

	// Access rules rejected by the sensitivity ceiling, by tier
	CeilingRejections *prometheus.CounterVec

	// Audit events dropped because the buffer was full
	AuditDropped prometheus.Counter

	// Grants expired by the scheduler
	GrantsExpired prometheus.Counter

	// Scheduler sweep duration
	SweepLatency prometheus.Histogram
}

// New creates a new Metrics instance with all governance metrics registered.
func New() *Metrics {
	return &Metrics{
		DecisionOutcome: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "governance_policy_decisions_total",
			Help: "Total policy evaluation decisions by effect",
		}, []string{"effect"}),

		EvaluateLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "governance_policy_evaluate_duration_seconds",
			Help:    "Duration of full policy evaluation including policy loading",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		GrantTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "governance_grant_transitions_total",
			Help: "Total JIT grant state transitions by source and destination state",
		}, []string{"from", "to"}),

		CeilingRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "governance_ceiling_rejections_total",
			Help: "Total access rules rejected by the sensitivity ceiling by tier",
		}, []string{"sensitivity"}),

		AuditDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "governance_audit_events_dropped_total",
			Help: "Total audit events dropped because the buffer was full",
		}),

		GrantsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "governance_grants_expired_total",
			Help: "Total grants transitioned to expired by the scheduler",
		}),

		SweepLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "governance_expiry_sweep_duration_seconds",
			Help:    "Duration of expiry scheduler sweeps",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}
}

// IncrementDecision records a policy evaluation outcome.
func (m *Metrics) IncrementDecision(effect string) {
	if m != nil {
		m.DecisionOutcome.WithLabelValues(effect).Inc()
	}
}

// ObserveEvaluateLatency records the total evaluation duration.
func (m *Metrics) ObserveEvaluateLatency(d time.Duration) {
	if m != nil {
		m.EvaluateLatency.Observe(d.Seconds())
	}
}

// IncrementTransition records a grant state transition.
func (m *Metrics) IncrementTransition(from, to string) {
	if m != nil {
		m.GrantTransitions.WithLabelValues(from, to).Inc()
	}
}

// IncrementCeilingRejection records an access rule rejected by the ceiling.
func (m *Metrics) IncrementCeilingRejection(sensitivity string) {
	if m != nil {
		m.CeilingRejections.WithLabelValues(sensitivity).Inc()
	}
}

// IncrementAuditDropped records a dropped audit event.
func (m *Metrics) IncrementAuditDropped() {
	if m != nil {
		m.AuditDropped.Inc()
	}
}

// AddGrantsExpired records grants expired in a sweep.
func (m *Metrics) AddGrantsExpired(n int) {
	if m != nil {
		m.GrantsExpired.Add(float64(n))
	}
}

// ObserveSweepLatency records the duration of one scheduler sweep.
func (m *Metrics) ObserveSweepLatency(d time.Duration) {
	if m != nil {
		m.SweepLatency.Observe(d.Seconds())
	}
}

// Package metrics holds the Prometheus collectors for Kestrel.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for policy evaluation and transfer admission.
// All methods are safe on a nil receiver.
type Metrics struct {
	// Decisions by outcome: "flagged" or "clean"
	DecisionOutcome *prometheus.CounterVec

	// Violations by rule name
	RuleViolations *prometheus.CounterVec

	// Snapshot resolution failures by party: "sender" or "receiver"
	LookupFailures *prometheus.CounterVec

	// Overall evaluation latency
	EvaluateLatency prometheus.Histogram

	// Time spent waiting for a sender gate
	GateWait prometheus.Histogram

	// Gate acquisitions abandoned on timeout or cancellation
	GateTimeouts prometheus.Counter

	// Committed transfers by outcome
	TransfersCommitted *prometheus.CounterVec

	// Notices that could not be published
	NotifyFailures prometheus.Counter
}

// New creates a Metrics instance registered with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered with reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DecisionOutcome: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_policy_decisions_total",
			Help: "Total policy decisions by outcome",
		}, []string{"outcome"}),

		RuleViolations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_policy_rule_violations_total",
			Help: "Total rule violations by rule",
		}, []string{"rule"}),

		LookupFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_policy_lookup_failures_total",
			Help: "Account snapshot resolution failures by party",
		}, []string{"party"}),

		EvaluateLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kestrel_policy_evaluate_duration_seconds",
			Help:    "Duration of policy evaluation including snapshot resolution",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		GateWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kestrel_gate_wait_duration_seconds",
			Help:    "Time spent waiting to acquire a sender gate",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
		}),

		GateTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_gate_timeouts_total",
			Help: "Sender gate acquisitions that timed out or were cancelled",
		}),

		TransfersCommitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_transfers_committed_total",
			Help: "Committed transfers by outcome",
		}, []string{"outcome"}),

		NotifyFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_notify_failures_total",
			Help: "Violation notices that could not be published",
		}),
	}
}

// Outcome returns the label for a decision flag.
func Outcome(flagged bool) string {
	if flagged {
		return "flagged"
	}
	return "clean"
}

// IncrementOutcome records a policy decision.
func (m *Metrics) IncrementOutcome(flagged bool) {
	if m != nil {
		m.DecisionOutcome.WithLabelValues(Outcome(flagged)).Inc()
	}
}

// IncrementViolation records one violated rule.
func (m *Metrics) IncrementViolation(rule string) {
	if m != nil {
		m.RuleViolations.WithLabelValues(rule).Inc()
	}
}

// IncrementLookupFailure records a snapshot that could not be resolved.
func (m *Metrics) IncrementLookupFailure(party string) {
	if m != nil {
		m.LookupFailures.WithLabelValues(party).Inc()
	}
}

// ObserveEvaluateLatency records the total evaluation duration.
func (m *Metrics) ObserveEvaluateLatency(d time.Duration) {
	if m != nil {
		m.EvaluateLatency.Observe(d.Seconds())
	}
}

// ObserveGateWait records how long an acquisition waited.
func (m *Metrics) ObserveGateWait(d time.Duration) {
	if m != nil {
		m.GateWait.Observe(d.Seconds())
	}
}

// IncrementGateTimeout records an abandoned acquisition.
func (m *Metrics) IncrementGateTimeout() {
	if m != nil {
		m.GateTimeouts.Inc()
	}
}

// IncrementCommitted records a committed transfer.
func (m *Metrics) IncrementCommitted(flagged bool) {
	if m != nil {
		m.TransfersCommitted.WithLabelValues(Outcome(flagged)).Inc()
	}
}

// IncrementNotifyFailure records a notice that was not published.
func (m *Metrics) IncrementNotifyFailure() {
	if m != nil {
		m.NotifyFailures.Inc()
	}
}

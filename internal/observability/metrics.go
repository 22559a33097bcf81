package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the counters exported by the escrow engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	gatewayAttempts   *prometheus.CounterVec
	gatewayLatency    *prometheus.HistogramVec
	ledgerTransitions *prometheus.CounterVec
	reconcileOutcomes *prometheus.CounterVec
	redemptions       *prometheus.CounterVec
	escrowOperations  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		gatewayAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "monartisan",
			Subsystem: "payments",
			Name:      "gateway_attempts_total",
			Help:      "Gateway calls segmented by provider, operation and outcome code.",
		}, []string{"provider", "operation", "outcome"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "monartisan",
			Subsystem: "payments",
			Name:      "gateway_call_duration_seconds",
			Help:      "Latency distribution of individual gateway calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "operation"}),
		ledgerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "monartisan",
			Subsystem: "ledger",
			Name:      "entries_total",
			Help:      "Ledger rows appended, by entry type and status.",
		}, []string{"type", "status"}),
		reconcileOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "monartisan",
			Subsystem: "reconciliation",
			Name:      "records_total",
			Help:      "Pending ledger records examined by reconciliation, by outcome.",
		}, []string{"outcome"}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "monartisan",
			Subsystem: "jeton",
			Name:      "redemptions_total",
			Help:      "Token redemption attempts, by outcome.",
		}, []string{"outcome"}),
		escrowOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "monartisan",
			Subsystem: "escrow",
			Name:      "operations_total",
			Help:      "Escrow operations, by operation and outcome.",
		}, []string{"operation", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.gatewayAttempts,
			m.gatewayLatency,
			m.ledgerTransitions,
			m.reconcileOutcomes,
			m.redemptions,
			m.escrowOperations,
		)
	}
	return m
}

// ObserveGatewayCall records one gateway attempt. outcome is "ok" or an error code.
func (m *Metrics) ObserveGatewayCall(provider, operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.gatewayAttempts.WithLabelValues(provider, operation, outcome).Inc()
	m.gatewayLatency.WithLabelValues(provider, operation).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordLedgerEntry(entryType, status string) {
	if m == nil {
		return
	}
	m.ledgerTransitions.WithLabelValues(entryType, status).Inc()
}

func (m *Metrics) RecordReconcileOutcome(outcome string) {
	if m == nil {
		return
	}
	m.reconcileOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordRedemption(outcome string) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordEscrowOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.escrowOperations.WithLabelValues(operation, outcome).Inc()
}

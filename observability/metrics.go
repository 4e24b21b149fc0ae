package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CoordinatorMetrics groups the collectors exported by the escrow coordinator.
type CoordinatorMetrics struct {
	dispatches       *prometheus.CounterVec
	dispatchLatency  *prometheus.HistogramVec
	sequenceFallback *prometheus.CounterVec
	reconciles       *prometheus.CounterVec
	disagreements    *prometheus.CounterVec
	fundingLatency   prometheus.Histogram
	fundingOutcomes  *prometheus.CounterVec
	settlements      *prometheus.CounterVec
	compensations    prometheus.Counter
	notifications    *prometheus.CounterVec
	queueDepth       prometheus.Gauge
}

// LedgerMetrics groups the collectors exported by the development ledger.
type LedgerMetrics struct {
	transactions *prometheus.CounterVec
	events       *prometheus.CounterVec
}

var (
	coordinatorMetricsOnce sync.Once
	coordinatorRegistry    *CoordinatorMetrics

	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics
)

// Coordinator returns the lazily-initialised coordinator metrics registry.
func Coordinator() *CoordinatorMetrics {
	coordinatorMetricsOnce.Do(func() {
		coordinatorRegistry = &CoordinatorMetrics{
			dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dealescrow",
				Subsystem: "coordinator",
				Name:      "dispatches_total",
				Help:      "Signed contract messages dispatched, segmented by action and outcome.",
			}, []string{"action", "outcome"}),
			dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "dealescrow",
				Subsystem: "coordinator",
				Name:      "dispatch_duration_seconds",
				Help:      "Time from enqueue to ledger receipt for dispatched messages.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"action"}),
			sequenceFallback: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dealescrow",
				Subsystem: "coordinator",
				Name:      "sequence_fallbacks_total",
				Help:      "Sequence lookups that failed and fell back to the local estimate.",
			}, []string{"source"}),
			reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dealescrow",
				Subsystem: "coordinator",
				Name:      "reconciliations_total",
				Help:      "Reconciliation passes segmented by outcome.",
			}, []string{"outcome"}),
			disagreements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dealescrow",
				Subsystem: "coordinator",
				Name:      "mirror_disagreements_total",
				Help:      "Mirror entries overwritten because ledger truth differed.",
			}, []string{"from", "to"}),
			fundingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "dealescrow",
				Subsystem: "coordinator",
				Name:      "funding_confirmation_seconds",
				Help:      "Time between deployment and funding confirmation.",
				Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			}),
			fundingOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dealescrow",
				Subsystem: "coordinator",
				Name:      "funding_outcomes_total",
				Help:      "Funding confirmation results (confirmed, timeout, cancelled).",
			}, []string{"outcome"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dealescrow",
				Subsystem: "settlement",
				Name:      "applied_total",
				Help:      "Off-ledger settlements applied, segmented by kind.",
			}, []string{"kind"}),
			compensations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "dealescrow",
				Subsystem: "settlement",
				Name:      "compensations_total",
				Help:      "Compensating entries recorded after failed payouts.",
			}),
			notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dealescrow",
				Subsystem: "notify",
				Name:      "deliveries_total",
				Help:      "Notification deliveries segmented by event and outcome.",
			}, []string{"event", "outcome"}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "dealescrow",
				Subsystem: "coordinator",
				Name:      "dispatch_queue_depth",
				Help:      "Messages waiting for the dispatcher.",
			}),
		}
		prometheus.MustRegister(
			coordinatorRegistry.dispatches,
			coordinatorRegistry.dispatchLatency,
			coordinatorRegistry.sequenceFallback,
			coordinatorRegistry.reconciles,
			coordinatorRegistry.disagreements,
			coordinatorRegistry.fundingLatency,
			coordinatorRegistry.fundingOutcomes,
			coordinatorRegistry.settlements,
			coordinatorRegistry.compensations,
			coordinatorRegistry.notifications,
			coordinatorRegistry.queueDepth,
		)
	})
	return coordinatorRegistry
}

// RecordDispatch records the outcome of one dispatched message.
func (m *CoordinatorMetrics) RecordDispatch(action, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(action, outcome).Inc()
	if elapsed > 0 {
		m.dispatchLatency.WithLabelValues(action).Observe(elapsed.Seconds())
	}
}

// RecordSequenceFallback counts a sequence lookup that fell back to the local
// estimate.
func (m *CoordinatorMetrics) RecordSequenceFallback(source string) {
	if m == nil {
		return
	}
	m.sequenceFallback.WithLabelValues(source).Inc()
}

func (m *CoordinatorMetrics) RecordReconcile(outcome string) {
	if m == nil {
		return
	}
	m.reconciles.WithLabelValues(outcome).Inc()
}

func (m *CoordinatorMetrics) RecordDisagreement(from, to string) {
	if m == nil {
		return
	}
	m.disagreements.WithLabelValues(from, to).Inc()
}

// RecordFunding records a funding confirmation result. Latency is only
// observed for confirmed deals.
func (m *CoordinatorMetrics) RecordFunding(outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.fundingOutcomes.WithLabelValues(outcome).Inc()
	if outcome == "confirmed" && latency > 0 {
		m.fundingLatency.Observe(latency.Seconds())
	}
}

func (m *CoordinatorMetrics) RecordSettlement(kind string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(kind).Inc()
}

func (m *CoordinatorMetrics) RecordCompensation() {
	if m == nil {
		return
	}
	m.compensations.Inc()
}

func (m *CoordinatorMetrics) RecordNotification(event, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(event, outcome).Inc()
}

func (m *CoordinatorMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// Ledger returns the lazily-initialised ledger metrics registry.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dealescrow",
				Subsystem: "ledger",
				Name:      "transactions_total",
				Help:      "Transactions applied by the ledger, segmented by kind and exit code.",
			}, []string{"kind", "exit"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dealescrow",
				Subsystem: "ledger",
				Name:      "contract_events_total",
				Help:      "Contract events committed, segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(ledgerRegistry.transactions, ledgerRegistry.events)
	})
	return ledgerRegistry
}

func (m *LedgerMetrics) RecordTransaction(kind, exit string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(kind, exit).Inc()
}

func (m *LedgerMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

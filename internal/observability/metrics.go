package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the vault engine.
type Metrics struct {
	// --- Core processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreSequence       prometheus.Gauge

	// --- Liquidation ---
	LiquidationCalls   *prometheus.CounterVec
	LiquidationSteps   prometheus.Histogram
	DebtConsumedTotal  prometheus.Counter
	CollateralOutTotal prometheus.Counter
	DebtAbsorbedTotal  prometheus.Counter
	CollateralAbsorbed prometheus.Counter
	ActiveBranches     prometheus.Gauge
	TopTick            prometheus.Gauge

	// --- Ingestion & backpressure ---
	IdempotencyDuplicates *prometheus.CounterVec
	EventChannelSize      prometheus.Gauge
	PublishErrors         prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistSnapshots     prometheus.Counter
	PersistErrors        *prometheus.CounterVec
	PersistBatchDur      prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		CoreEventsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_core_events_applied_total",
			Help: "Events successfully applied by the core",
		}, []string{"event_type"}),

		CoreEventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_core_events_rejected_total",
			Help: "Events rejected (dedup, bad request, invariant)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event in the core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_core_sequence",
			Help: "Current global sequence number",
		}),

		LiquidationCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_liquidation_calls_total",
			Help: "Liquidation calls by outcome",
		}, []string{"outcome"}),

		LiquidationSteps: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_liquidation_steps",
			Help:    "Market-loop iterations per liquidation call",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512},
		}),

		DebtConsumedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_debt_consumed_total",
			Help: "Debt units consumed by market liquidation",
		}),

		CollateralOutTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_collateral_consumed_total",
			Help: "Collateral units handed to liquidators",
		}),

		DebtAbsorbedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_debt_absorbed_total",
			Help: "Debt units force-absorbed above the safety tick",
		}),

		CollateralAbsorbed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_collateral_absorbed_total",
			Help: "Collateral units force-absorbed above the safety tick",
		}),

		ActiveBranches: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_active_branches",
			Help: "Live branch lineage nodes in the ledger",
		}),

		TopTick: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_top_tick",
			Help: "Topmost active tick, or the cold sentinel when empty",
		}),

		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_idempotency_duplicates_total",
			Help: "Duplicate requests caught before the core",
		}, []string{"event_type"}),

		EventChannelSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_event_channel_size",
			Help: "Current items queued for the core loop",
		}),

		PublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_publish_errors_total",
			Help: "Outbound result publishes that failed",
		}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_events_written_total",
			Help: "Event rows written to Postgres",
		}),

		PersistSnapshots: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_snapshots_total",
			Help: "State snapshots written to Postgres",
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_persist_errors_total",
			Help: "Postgres write failures by kind",
		}, []string{"kind"}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
	}
}

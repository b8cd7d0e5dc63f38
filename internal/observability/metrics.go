package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the wagering engine.
// Every consumer treats a nil *Metrics as "metrics disabled".
type Metrics struct {
	// --- Round engine ---
	RoundsCompleted    prometheus.Counter
	RoundPhase         prometheus.Gauge
	CrashPoint         prometheus.Histogram
	SupervisorRestarts prometheus.Counter
	BetsPlaced         *prometheus.CounterVec
	BetsRejected       *prometheus.CounterVec
	CashOuts           *prometheus.CounterVec
	GraceCashOuts      prometheus.Counter
	OpenExposure       prometheus.Gauge

	// --- Outcome ---
	OutcomeAdjustments *prometheus.CounterVec

	// --- Ledger ---
	LedgerEntries         *prometheus.CounterVec
	LedgerReplays         prometheus.Counter
	LedgerCASRetries      prometheus.Counter
	LedgerInconsistencies prometheus.Counter
	DedupLRUSize          prometheus.Gauge

	// --- Transactions ---
	TxnDemotions *prometheus.CounterVec
	TxnRollbacks prometheus.Counter
	TxnDuration  prometheus.Histogram

	// --- Pools ---
	PoolLiquidity      *prometheus.GaugeVec
	CommissionRate     prometheus.Gauge
	ActiveUsers        prometheus.Gauge
	FlowWindowPayout   prometheus.Gauge
	FlowControlBlocked prometheus.Counter
	VaultLocks         prometheus.Counter
	ReferralCredits    *prometheus.CounterVec

	// --- Archive ---
	ArchiveRoundsWritten prometheus.Counter
	ArchiveErrors        *prometheus.CounterVec
	ArchiveBatchDur      prometheus.Histogram

	// --- Channel / API ---
	IngestCommands *prometheus.CounterVec
	PublishDrops   prometheus.Counter
	QueryRequests  *prometheus.CounterVec
	QueryErrors    *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics on reg. Tests pass a fresh
// prometheus.NewRegistry() to avoid duplicate registration panics.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
	}

	return &Metrics{
		RoundsCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_rounds_completed_total",
			Help: "Rounds that reached CRASHED",
		}),
		RoundPhase: f.NewGauge(prometheus.GaugeOpts{
			Name: "crash_round_phase",
			Help: "Current round phase (0=waiting, 1=flying, 2=crashed)",
		}),
		CrashPoint: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "crash_round_crash_point",
			Help:    "Committed crash multipliers",
			Buckets: []float64{1, 1.1, 1.25, 1.5, 2, 3, 5, 10, 20, 50, 100, 1000},
		}),
		SupervisorRestarts: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_supervisor_restarts_total",
			Help: "Round loop recoveries after a failed phase",
		}),
		BetsPlaced: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crash_bets_placed_total",
			Help: "Accepted wagers",
		}, []string{"game"}),
		BetsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crash_bets_rejected_total",
			Help: "Rejected wagers by error code",
		}, []string{"game", "reason"}),
		CashOuts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crash_cash_outs_total",
			Help: "Cash-out attempts by result",
		}, []string{"result"}),
		GraceCashOuts: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_cash_outs_grace_total",
			Help: "Cash-outs honored after the crash under the latency grace rule",
		}),
		OpenExposure: f.NewGauge(prometheus.GaugeOpts{
			Name: "crash_round_open_exposure",
			Help: "Sum of open stakes in the current round",
		}),

		OutcomeAdjustments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crash_outcome_adjustments_total",
			Help: "Outcome adjustments applied on top of the fair draw",
		}, []string{"kind"}),

		LedgerEntries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crash_ledger_entries_total",
			Help: "Ledger entries written",
		}, []string{"type"}),
		LedgerReplays: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_ledger_idempotent_replays_total",
			Help: "Ledger requests answered from a recorded entry",
		}),
		LedgerCASRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_ledger_cas_retries_total",
			Help: "Balance compare-and-swap conflicts retried",
		}),
		LedgerInconsistencies: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_ledger_inconsistencies_total",
			Help: "Accounts whose balance disagrees with their entry history",
		}),
		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "crash_ledger_dedup_lru_size",
			Help: "Idempotency keys held in memory",
		}),

		TxnDemotions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crash_txn_demotions_total",
			Help: "Atomic scopes demoted to sequential execution",
		}, []string{"reason"}),
		TxnRollbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_txn_rollbacks_total",
			Help: "Atomic scopes rolled back",
		}),
		TxnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "crash_txn_duration_seconds",
			Help:    "Time spent inside an atomic scope",
			Buckets: latencyBuckets,
		}),

		PoolLiquidity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crash_pool_liquidity",
			Help: "Pool reservoir balances",
		}, []string{"pool"}),
		CommissionRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "crash_commission_rate",
			Help: "Commission tier rate last applied",
		}),
		ActiveUsers: f.NewGauge(prometheus.GaugeOpts{
			Name: "crash_active_users",
			Help: "Concurrent active users",
		}),
		FlowWindowPayout: f.NewGauge(prometheus.GaugeOpts{
			Name: "crash_flow_window_payout",
			Help: "Payouts in the trailing flow-control window",
		}),
		FlowControlBlocked: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_flow_control_blocked_total",
			Help: "Payouts zeroed by the flow-control cap",
		}),
		VaultLocks: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_vault_locks_total",
			Help: "Wins split into spendable and locked parts",
		}),
		ReferralCredits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crash_referral_credits_total",
			Help: "Referral commission credits by upline level",
		}, []string{"level"}),

		ArchiveRoundsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_archive_rounds_written_total",
			Help: "Rounds written to the archive table",
		}),
		ArchiveErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crash_archive_errors_total",
			Help: "Archive write failures by stage",
		}, []string{"stage"}),
		ArchiveBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "crash_archive_batch_duration_seconds",
			Help:    "Time to write one archive batch",
			Buckets: latencyBuckets,
		}),

		IngestCommands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crash_ingest_commands_total",
			Help: "Real-time channel commands by type and result",
		}, []string{"command", "result"}),
		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_publish_drops_total",
			Help: "Outbound messages dropped because the publish queue was full",
		}),
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crash_query_requests_total",
			Help: "HTTP query requests",
		}, []string{"route"}),
		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crash_query_errors_total",
			Help: "HTTP query errors",
		}, []string{"route"}),
	}
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for TradeGuard.
type Metrics struct {
	// --- Idempotency Guard ---
	GuardAdmitted    prometheus.Counter
	GuardReplayed    prometheus.Counter
	GuardConflicts   prometheus.Counter
	GuardRejected    *prometheus.CounterVec
	GuardFailClosed  prometheus.Counter
	GuardRecordWrite *prometheus.CounterVec

	// --- Risk Validator ---
	RiskApproved      prometheus.Counter
	RiskRejected      *prometheus.CounterVec
	RiskCacheHits     prometheus.Counter
	RiskCacheMisses   prometheus.Counter
	RiskLimitsLoadDur prometheus.Histogram
	RiskPurged        prometheus.Counter

	// --- Kill Switch ---
	KillSwitchActivations   *prometheus.CounterVec
	KillSwitchDeactivations prometheus.Counter
	KillSwitchActive        prometheus.Gauge
	KillSwitchHaltRejects   prometheus.Counter

	// --- Dependency Health Monitor ---
	WatchdogChecks     *prometheus.CounterVec
	WatchdogTriggered  prometheus.Counter
	WatchdogCheckDur   prometheus.Histogram
	WatchdogEpisodeLen prometheus.Histogram

	// --- Event Outbox ---
	OutboxCreated   *prometheus.CounterVec
	OutboxProcessed prometheus.Counter
	OutboxPending   prometheus.Gauge
	OutboxDrainDur  prometheus.Histogram
	OutboxDrainErrs *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	cacheBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
	}

	dbBuckets := []float64{
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	}

	return &Metrics{
		// Idempotency Guard
		GuardAdmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tg_guard_admitted_total",
			Help: "Requests admitted to the downstream handler",
		}),

		GuardReplayed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tg_guard_replayed_total",
			Help: "Requests answered by replaying a stored response",
		}),

		GuardConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tg_guard_conflicts_total",
			Help: "Duplicate requests rejected while the first is in progress",
		}),

		GuardRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tg_guard_rejected_total",
			Help: "Requests rejected before the handler (missing key, bad key, no principal)",
		}, []string{"reason"}),

		GuardFailClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tg_guard_fail_closed_total",
			Help: "Requests refused because the approval cache was unavailable",
		}),

		GuardRecordWrite: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tg_guard_record_writes_total",
			Help: "Post-completion record overwrites by outcome",
		}, []string{"outcome"}),

		// Risk Validator
		RiskApproved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tg_risk_approved_total",
			Help: "Trades approved by the validator",
		}),

		RiskRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tg_risk_rejected_total",
			Help: "Trades rejected by the validator",
		}, []string{"reason"}),

		RiskCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tg_risk_cache_hits_total",
			Help: "Validations served from the approval cache",
		}),

		RiskCacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tg_risk_cache_misses_total",
			Help: "Validations recomputed from the limits store",
		}),

		RiskLimitsLoadDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tg_risk_limits_load_duration_seconds",
			Help:    "Limits store load duration",
			Buckets: dbBuckets,
		}),

		RiskPurged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tg_risk_approvals_purged_total",
			Help: "Cached approvals removed by administrative purge",
		}),

		// Kill Switch
		KillSwitchActivations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tg_killswitch_activations_total",
			Help: "Kill switch activations by actor kind",
		}, []string{"actor"}),

		KillSwitchDeactivations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tg_killswitch_deactivations_total",
			Help: "Kill switch deactivations",
		}),

		KillSwitchActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tg_killswitch_active",
			Help: "1 when trading is halted, 0 otherwise",
		}),

		KillSwitchHaltRejects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tg_killswitch_halt_rejects_total",
			Help: "Trade paths refused because the kill switch was active",
		}),

		// Dependency Health Monitor
		WatchdogChecks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tg_watchdog_checks_total",
			Help: "Health check observations by result",
		}, []string{"result"}),

		WatchdogTriggered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tg_watchdog_triggered_total",
			Help: "Automatic kill switch activations by the watchdog",
		}),

		WatchdogCheckDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tg_watchdog_check_duration_seconds",
			Help:    "Injected health check call duration",
			Buckets: cacheBuckets,
		}),

		WatchdogEpisodeLen: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tg_watchdog_episode_seconds",
			Help:    "Length of closed downtime episodes",
			Buckets: []float64{5, 10, 15, 30, 60, 120, 300, 600},
		}),

		// Event Outbox
		OutboxCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tg_outbox_created_total",
			Help: "Outbox rows written by event type",
		}, []string{"event_type"}),

		OutboxProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tg_outbox_processed_total",
			Help: "Outbox rows marked processed",
		}),

		OutboxPending: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tg_outbox_pending",
			Help: "Unprocessed outbox rows at last drain poll",
		}),

		OutboxDrainDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tg_outbox_drain_duration_seconds",
			Help:    "Single drain poll duration",
			Buckets: dbBuckets,
		}),

		OutboxDrainErrs: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tg_outbox_drain_errors_total",
			Help: "Drain loop failures by stage",
		}, []string{"stage"}),
	}
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for BeliefLedger.
type Metrics struct {
	// --- Pool mirror ---
	SyncTotal        *prometheus.CounterVec // result: ok | stale_epoch | fetch_error | store_error
	SyncDuration     prometheus.Histogram
	SyncRetries      prometheus.Counter
	RecoveryOutcomes *prometheus.CounterVec // outcome: recovered | already_recorded | vault_uninitialized | error

	// --- Resync queue ---
	ResyncPublished    prometheus.Counter
	ResyncPublishDrops prometheus.Counter
	ResyncProcessed    *prometheus.CounterVec // result: ok | error
	ResyncQueueLag     prometheus.Gauge

	// --- Stake ledger ---
	SkimComputed       *prometheus.CounterVec // trade_type: buy | sell
	SkimCollected      prometheus.Counter     // count of skims > 0
	SkimMicroTotal     prometheus.Counter     // sum of skim amounts, micro-USD
	ExcessiveSkimWarns *prometheus.CounterVec // cause: undercollateralized | new_position
	UnderwaterDetected prometheus.Counter

	// --- Settlement relay ---
	RelayOutcomes *prometheus.CounterVec // kind: settlement | withdrawal; status
	RelayDuration *prometheus.HistogramVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	ioBuckets := []float64{
		0.001, 0.0025, 0.005, 0.01, 0.025, 0.05,
		0.1, 0.25, 0.5, 1, 2.5, 5, 10,
	}

	return &Metrics{
		SyncTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "belief_mirror_sync_total",
			Help: "Pool sync attempts by result",
		}, []string{"result"}),

		SyncDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "belief_mirror_sync_duration_seconds",
			Help:    "Time to fetch and upsert one pool snapshot",
			Buckets: ioBuckets,
		}),

		SyncRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "belief_mirror_sync_retries_total",
			Help: "Retry attempts during blocking post-deployment sync",
		}),

		RecoveryOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "belief_mirror_recovery_total",
			Help: "Orphaned pool recovery attempts by outcome",
		}, []string{"outcome"}),

		ResyncPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "belief_resync_published_total",
			Help: "Resync jobs published to the queue",
		}),

		ResyncPublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "belief_resync_publish_drops_total",
			Help: "Resync jobs dropped because publish failed",
		}),

		ResyncProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "belief_resync_processed_total",
			Help: "Resync jobs processed by the worker",
		}, []string{"result"}),

		ResyncQueueLag: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "belief_resync_queue_lag",
			Help: "Pending resync jobs on the durable consumer",
		}),

		SkimComputed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "belief_skim_computed_total",
			Help: "Skim computations by trade type",
		}, []string{"trade_type"}),

		SkimCollected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "belief_skim_collected_total",
			Help: "Skim computations that produced a positive skim",
		}),

		SkimMicroTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "belief_skim_micro_usd_total",
			Help: "Total skim collected, micro-USD",
		}),

		ExcessiveSkimWarns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "belief_skim_excessive_warnings_total",
			Help: "Skims flagged as excessive (>20% of notional) by cause",
		}, []string{"cause"}),

		UnderwaterDetected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "belief_underwater_accounts_detected_total",
			Help: "Underwater account checks that found locks > stake",
		}),

		RelayOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "belief_relay_outcomes_total",
			Help: "Settlement relay requests by kind and terminal status",
		}, []string{"kind", "status"}),

		RelayDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "belief_relay_duration_seconds",
			Help:    "End-to-end relay request duration",
			Buckets: ioBuckets,
		}, []string{"kind"}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "belief_query_requests_total",
			Help: "Read API requests",
		}, []string{"endpoint"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "belief_query_duration_seconds",
			Help:    "Read API request duration",
			Buckets: ioBuckets,
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "belief_query_errors_total",
			Help: "Read API errors",
		}, []string{"endpoint"}),
	}
}

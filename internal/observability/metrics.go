package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PerpEngine.
type Metrics struct {
	// --- Action processing ---
	ActionsExecuted  *prometheus.CounterVec
	ActionsCancelled *prometheus.CounterVec
	ActionsRejected  *prometheus.CounterVec
	ActionDuration   *prometheus.HistogramVec
	StateHashDur     prometheus.Histogram
	EngineSequence   prometheus.Gauge
	SwapPathLength   prometheus.Histogram

	// --- Oracle ---
	BundlesAccepted prometheus.Counter
	BundlesRejected *prometheus.CounterVec
	OracleTickDur   prometheus.Histogram

	// --- Market state ---
	PoolTokenAmount *prometheus.GaugeVec
	OpenInterestUsd *prometheus.GaugeVec
	AdlEnabled      *prometheus.GaugeVec

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ReportDrops         prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	DedupLRUSize  prometheus.Gauge
	SequenceGaps  *prometheus.CounterVec
	SequenceStale *prometheus.CounterVec

	// --- Persistence ---
	PersistRecordsWritten prometheus.Counter
	PersistFeedsWritten   prometheus.Counter
	PersistBatchSize      prometheus.Histogram
	PersistBatchDur       prometheus.Histogram
	PersistErrors         *prometheus.CounterVec
	PersistRetry          prometheus.Counter
	PersistLastSequence   prometheus.Gauge

	// --- Snapshots ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- Oracle feed client ---
	FeedMessages   *prometheus.CounterVec
	FeedReconnects prometheus.Counter
}

// NewMetrics creates metrics on the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates and registers all metrics on the given registerer.
// Tests pass an isolated registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Action processing
		ActionsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_actions_executed_total",
			Help: "Actions committed successfully",
		}, []string{"kind"}),

		ActionsCancelled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_actions_cancelled_total",
			Help: "Actions cancelled, by failure kind",
		}, []string{"kind", "reason"}),

		ActionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_actions_rejected_total",
			Help: "Actions rejected before execution (dedup, gap)",
		}, []string{"kind", "reason"}),

		ActionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_action_duration_seconds",
			Help:    "Time from overlay open to commit or discard",
			Buckets: latencyBuckets,
		}, []string{"kind"}),

		StateHashDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_state_hash_duration_seconds",
			Help:    "Time to digest state and extend the hash chain",
			Buckets: latencyBuckets,
		}),

		EngineSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "perp_engine_sequence",
			Help: "Current engine sequence number",
		}),

		SwapPathLength: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_swap_path_length",
			Help:    "Hops per executed swap",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		}),

		// Oracle
		BundlesAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "perp_oracle_bundles_accepted_total",
			Help: "Price bundles that passed validation",
		}),

		BundlesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_oracle_bundles_rejected_total",
			Help: "Price bundles rejected, by failure kind",
		}, []string{"reason"}),

		OracleTickDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_oracle_tick_duration_seconds",
			Help:    "Time to run state updates across markets on a bundle",
			Buckets: latencyBuckets,
		}),

		// Market state
		PoolTokenAmount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_pool_token_amount",
			Help: "Collateral pool amount in token units",
		}, []string{"market", "side"}),

		OpenInterestUsd: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_open_interest_usd",
			Help: "Open interest in USD",
		}, []string{"market", "side"}),

		AdlEnabled: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_adl_enabled",
			Help: "1 when auto-deleveraging is armed for a side",
		}, []string{"market", "side"}),

		// Channel & backpressure
		ChannelSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ReportDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "perp_report_drops_total",
			Help: "Execution reports dropped due to full report channel",
		}),

		PersistBackpressure: factory.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		// Idempotency & ordering
		DedupLRUSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "perp_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		SequenceGaps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_sequence_gap_total",
			Help: "Action sequence gaps, by partition",
		}, []string{"partition"}),

		SequenceStale: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_sequence_stale_total",
			Help: "Stale sequence redeliveries skipped, by partition",
		}, []string{"partition"}),

		// Persistence
		PersistRecordsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_records_written_total",
			Help: "Action records written to Postgres",
		}),

		PersistFeedsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_feeds_written_total",
			Help: "Price feed entries written to Postgres",
		}),

		PersistBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_size",
			Help:    "Records per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: factory.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "perp_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshots
		SnapshotTaken: factory.NewCounter(prometheus.CounterOpts{
			Name: "perp_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "perp_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: factory.NewGauge(prometheus.GaugeOpts{
			Name: "perp_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		// Oracle feed client
		FeedMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_feed_messages_total",
			Help: "Oracle feed messages received, by provider",
		}, []string{"provider"}),

		FeedReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "perp_feed_reconnects_total",
			Help: "Oracle feed websocket reconnects",
		}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}

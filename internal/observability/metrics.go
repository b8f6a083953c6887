package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PerpVault.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreStateHashDur   prometheus.Histogram
	CoreSequence       prometheus.Gauge

	// --- Vault ---
	VaultOperations *prometheus.CounterVec
	PoolAmount      *prometheus.GaugeVec
	ReservedAmount  *prometheus.GaugeVec
	FeeReserve      *prometheus.GaugeVec
	UsdgAmount      *prometheus.GaugeVec
	AumUsd          *prometheus.GaugeVec
	OpenPositions   prometheus.Gauge

	// --- Liquidation ---
	LiquidationCandidates *prometheus.CounterVec
	LiquidationExecuted   *prometheus.CounterVec
	KeeperFlagged         prometheus.Gauge

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec
	StalePrices           *prometheus.CounterVec

	// --- Ingestion ---
	IngestReceived  *prometheus.CounterVec
	IngestRateLimit prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter

	// --- Projection ---
	ProjectionUpdateDur *prometheus.HistogramVec
	ProjectionWatermark prometheus.Gauge

	// --- Query API ---
	QueryRequests    *prometheus.CounterVec
	QueryDuration    *prometheus.HistogramVec
	QueryErrors      *prometheus.CounterVec
	QueryCacheResult *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Tests pass a fresh
// prometheus.NewRegistry(); the service passes prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_core_events_applied_total",
			Help: "Events sequenced by core, including vault rejections",
		}, []string{"event_type"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_core_events_rejected_total",
			Help: "Events rejected (dedup, gap, stale, vault)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_core_sequence",
			Help: "Next global sequence to assign",
		}),

		// Vault
		VaultOperations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_vault_operations_total",
			Help: "Vault operations by outcome",
		}, []string{"op", "result"}),

		PoolAmount: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_vault_pool_amount",
			Help: "Pool amount per token in whole tokens",
		}, []string{"token"}),

		ReservedAmount: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_vault_reserved_amount",
			Help: "Reserved amount per token in whole tokens",
		}, []string{"token"}),

		FeeReserve: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_vault_fee_reserve",
			Help: "Fee reserve per token in whole tokens",
		}, []string{"token"}),

		UsdgAmount: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_vault_usdg_amount",
			Help: "USDG debt attributed to each token",
		}, []string{"token"}),

		AumUsd: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_vault_aum_usd",
			Help: "Assets under management in USD",
		}, []string{"side"}),

		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_vault_open_positions",
			Help: "Open positions in the book",
		}),

		// Liquidation
		LiquidationCandidates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_liquidation_candidates_total",
			Help: "Positions newly flagged by the keeper",
		}, []string{"state"}),

		LiquidationExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_liquidation_executed_total",
			Help: "Liquidations committed",
		}, []string{"state"}),

		KeeperFlagged: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_keeper_flagged_positions",
			Help: "Positions currently flagged by the keeper",
		}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_size",
			Help: "Current items in channel",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_capacity",
			Help: "Channel capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_utilization",
			Help: "Channel fill ratio",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full",
		}, []string{"channel"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_publish_drops_total",
			Help: "Outbound events dropped after retries",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_backpressure_total",
			Help: "Times the core blocked on a full persist channel",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_idempotency_duplicates_total",
			Help: "Duplicate events dropped",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}),

		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_event_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		EventOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_event_out_of_order_total",
			Help: "Out-of-order source sequences",
		}, []string{"partition"}),

		StalePrices: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_stale_prices_total",
			Help: "Price updates ignored because a newer price was applied",
		}, []string{"token"}),

		// Ingestion
		IngestReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_ingest_received_total",
			Help: "Commands received by source",
		}, []string{"source", "event_type"}),

		IngestRateLimit: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_ingest_rate_limited_total",
			Help: "gRPC commands refused by the rate limiter",
		}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_events_written_total",
			Help: "Events written to the event log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_journals_written_total",
			Help: "Journals written",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_size",
			Help:    "Events per flush",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_duration_seconds",
			Help:    "Time to flush one batch",
			Buckets: prometheus.DefBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_persist_errors_total",
			Help: "Persistence errors by kind",
		}, []string{"kind"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_retry_total",
			Help: "Flush retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_persist_last_sequence",
			Help: "Last persisted global sequence",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_snapshot_duration_seconds",
			Help:    "Time to write a snapshot",
			Buckets: prometheus.DefBuckets,
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_replay_events_total",
			Help: "Events replayed on startup",
		}),

		// Projection
		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_projection_update_duration_seconds",
			Help:    "Time to update a projection",
			Buckets: prometheus.DefBuckets,
		}, []string{"projection"}),

		ProjectionWatermark: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_projection_watermark",
			Help: "Last sequence applied to projections",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_query_requests_total",
			Help: "Query requests",
		}, []string{"method"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_query_duration_seconds",
			Help:    "Query latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_query_errors_total",
			Help: "Query errors",
		}, []string{"method"}),

		QueryCacheResult: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_query_cache_total",
			Help: "Read-through cache lookups by result",
		}, []string{"kind", "result"}),
	}
}

// SetChannelMetrics records a channel's depth and fill ratio.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}

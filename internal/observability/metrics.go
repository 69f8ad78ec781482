package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PerpClearing.
type Metrics struct {
	// --- Clearing house ---
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	MarketSequence    *prometheus.GaugeVec
	StaleTimestamps   *prometheus.CounterVec

	// --- Funding & prices ---
	CumFundingRate *prometheus.GaugeVec
	Twap           *prometheus.GaugeVec
	FundingPaid    *prometheus.CounterVec

	// --- Liquidation ---
	Liquidations         *prometheus.CounterVec
	LiquidatableAccounts *prometheus.GaugeVec
	BadDebt              *prometheus.CounterVec
	InsuranceFundBalance prometheus.Gauge

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	FanoutDrops         *prometheus.CounterVec
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  *prometheus.GaugeVec

	// --- Snapshot ---
	SnapshotTaken     *prometheus.CounterVec
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge

	// --- Ingestion & publishing ---
	IngestMessages *prometheus.CounterVec
	Published      *prometheus.CounterVec
	CacheWrites    *prometheus.CounterVec
	StreamClients  prometheus.Gauge

	// --- API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in the service and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Clearing house
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_operations_total",
			Help: "Clearing house operations by result",
		}, []string{"market_id", "operation", "result"}),

		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_operation_duration_seconds",
			Help:    "Time to apply one operation under the market lock",
			Buckets: latencyBuckets,
		}, []string{"operation"}),

		MarketSequence: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_market_sequence",
			Help: "Last envelope sequence per market",
		}, []string{"market_id"}),

		StaleTimestamps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_stale_timestamps_total",
			Help: "Operations rejected for a timestamp behind the market clock",
		}, []string{"market_id"}),

		// Funding & prices
		CumFundingRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_cum_funding_rate",
			Help: "Cumulative funding rate",
		}, []string{"market_id"}),

		Twap: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_twap",
			Help: "Time-weighted average price",
		}, []string{"market_id", "source"}),

		FundingPaid: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_funding_settlements_total",
			Help: "Funding settlements by direction",
		}, []string{"market_id", "direction"}),

		// Liquidation
		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_liquidations_total",
			Help: "Liquidations by outcome",
		}, []string{"market_id", "outcome"}),

		LiquidatableAccounts: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_liquidatable_accounts",
			Help: "Accounts flagged liquidatable by the last margin sweep",
		}, []string{"market_id"}),

		BadDebt: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_bad_debt_total",
			Help: "Bad debt covered by the insurance fund",
		}, []string{"market_id"}),

		InsuranceFundBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_insurance_fund_balance",
			Help: "Current insurance fund balance",
		}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		FanoutDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_fanout_drops_total",
			Help: "Envelopes dropped due to a full consumer channel",
		}, []string{"consumer"}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_backpressure_total",
			Help: "Times a market blocked on the persist channel",
		}),

		// Idempotency
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_idempotency_duplicates_total",
			Help: "Duplicate commands caught (lru/postgres)",
		}, []string{"tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_events_written_total",
			Help: "Envelopes written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_size",
			Help:    "Envelopes per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_persist_last_sequence",
			Help: "Last persisted sequence per market",
		}, []string{"market_id"}),

		// Snapshot
		SnapshotTaken: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_snapshot_taken_total",
			Help: "Snapshots created by destination",
		}, []string{"destination"}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		// Ingestion & publishing
		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_ingest_messages_total",
			Help: "NATS messages consumed by result",
		}, []string{"subject", "result"}),

		Published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_published_total",
			Help: "Envelopes published to NATS by result",
		}, []string{"result"}),

		CacheWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_cache_writes_total",
			Help: "Redis summary writes by result",
		}, []string{"result"}),

		StreamClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_stream_clients",
			Help: "Connected websocket clients",
		}),

		// API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_http_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_http_request_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"route"}),
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

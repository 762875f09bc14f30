package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for StreamPay. Every metric lives on
// the metrics' own registry so tests can build as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	// --- Core processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreLedgerLogs     *prometheus.CounterVec
	CoreSequence       prometheus.Gauge

	// --- Ledger ---
	LedgerPayContracts  prometheus.Gauge
	LedgerActiveStreams *prometheus.GaugeVec
	LedgerDeposited     *prometheus.CounterVec
	LedgerPaidOut       *prometheus.CounterVec

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Ingestion ---
	IngestReceived *prometheus.CounterVec
	IngestInvalid  *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistLogsWritten   prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- Projections ---
	ProjectionUpdateDur *prometheus.HistogramVec
	ProjectionLastSeq   prometheus.Gauge
	ProjectionGaps      prometheus.Counter

	// --- Snapshot & replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics on a fresh registry that also carries the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		Registry: reg,

		// Core processing
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streampay_core_events_applied_total",
			Help: "Commands applied by core, by outcome",
		}, []string{"event_type", "outcome"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streampay_core_events_rejected_total",
			Help: "Commands dropped before dispatch (dedup, gap, out of order)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streampay_core_event_apply_duration_seconds",
			Help:    "Time to apply a single command in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreLedgerLogs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streampay_core_ledger_logs_total",
			Help: "Ledger logs emitted",
		}, []string{"kind"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "streampay_core_sequence",
			Help: "Next global sequence number",
		}),

		// Ledger
		LedgerPayContracts: f.NewGauge(prometheus.GaugeOpts{
			Name: "streampay_ledger_pay_contracts",
			Help: "Ledgers deployed by the registry",
		}),

		LedgerActiveStreams: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streampay_ledger_active_streams",
			Help: "Active streams per token",
		}, []string{"token"}),

		LedgerDeposited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streampay_ledger_deposited_tokens_total",
			Help: "Whole tokens deposited by payers",
		}, []string{"token"}),

		LedgerPaidOut: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streampay_ledger_paid_out_tokens_total",
			Help: "Whole tokens moved out of ledgers",
		}, []string{"token", "kind"}),

		// Channel & backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streampay_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streampay_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streampay_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "streampay_publish_drops_total",
			Help: "Outputs dropped due to full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "streampay_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		// Idempotency & ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streampay_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "streampay_dedup_lru_size",
			Help: "Idempotency keys held in memory",
		}),

		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streampay_event_sequence_gap_total",
			Help: "Source sequence gaps detected",
		}, []string{"partition"}),

		EventOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streampay_event_out_of_order_total",
			Help: "Out-of-order commands detected",
		}, []string{"partition"}),

		// Ingestion
		IngestReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streampay_ingest_received_total",
			Help: "Commands received, by surface",
		}, []string{"surface", "event_type"}),

		IngestInvalid: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streampay_ingest_invalid_total",
			Help: "Commands that failed to parse, by surface",
		}, []string{"surface"}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "streampay_persist_events_written_total",
			Help: "Commands written to the event log",
		}),

		PersistLogsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "streampay_persist_ledger_logs_written_total",
			Help: "Ledger logs written",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "streampay_persist_batch_size",
			Help:    "Outputs per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "streampay_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streampay_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"stage"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "streampay_persist_retry_total",
			Help: "Persistence batch retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "streampay_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Projections
		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streampay_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		ProjectionLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "streampay_projection_last_sequence",
			Help: "Last sequence applied to projections",
		}),

		ProjectionGaps: f.NewCounter(prometheus.CounterOpts{
			Name: "streampay_projection_missed_outputs_total",
			Help: "Core outputs missing from the projection tables",
		}),

		// Snapshot & replay
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "streampay_snapshot_taken_total",
			Help: "Snapshots taken",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "streampay_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "streampay_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "streampay_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "streampay_replay_events_total",
			Help: "Commands replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "streampay_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streampay_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streampay_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates channel fill metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
}

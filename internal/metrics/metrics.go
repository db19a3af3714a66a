package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector Metrics
var (
	BlocksProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snapshotter_blocks_processed_total",
		Help: "The total number of blocks fully processed",
	})

	BlocksFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snapshotter_blocks_failed_total",
		Help: "The total number of blocks that failed after retries",
	})

	LastProcessedBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "snapshotter_last_processed_block",
		Help: "The last successfully processed block number",
	})

	BlockProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "snapshotter_block_processing_duration_seconds",
		Help:    "Time spent processing a single block including retries",
		Buckets: prometheus.DefBuckets,
	})
)

// Processor Metrics
var (
	BalanceEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapshotter_balance_events_total",
		Help: "The total number of recognised balance events by method",
	}, []string{"method"})

	SnapshotsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snapshotter_snapshots_created_total",
		Help: "The total number of account snapshots created",
	})

	SnapshotsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snapshotter_snapshots_skipped_total",
		Help: "The total number of snapshots skipped because they already existed",
	})

	StateQueryErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snapshotter_state_query_errors_total",
		Help: "The total number of failed account state queries",
	})
)

// Publisher Metrics
var PublishErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "snapshotter_publish_errors_total",
	Help: "The total number of snapshots that failed to publish",
})

// Errors 经错误处理器记录的错误，按类型和组件
var Errors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "snapshotter_errors_total",
	Help: "The total number of handled errors by type and component",
}, []string{"type", "component"})

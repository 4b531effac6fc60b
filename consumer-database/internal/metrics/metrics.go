package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Entry sources.
const (
	SourceRead  = "read"
	SourceClaim = "claim"
)

var (
	// Entry outcomes, by how the entry reached this consumer
	EntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webtrail_consumer_entries_total",
			Help: "Total number of stream entries processed, by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	DeadLetteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webtrail_consumer_dead_lettered_total",
			Help: "Total number of entries acknowledged without being stored",
		},
		[]string{"reason"},
	)

	DLQWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webtrail_consumer_dlq_write_errors_total",
			Help: "Total number of dead-letters the DLQ sink failed to record",
		},
	)

	// Batch and store latency
	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webtrail_consumer_batch_duration_seconds",
			Help:    "Duration of processing one read or claimed batch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	StoreDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webtrail_consumer_store_duration_seconds",
			Help:    "Duration of store apply operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Group state
	PendingEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webtrail_consumer_pending_entries",
			Help: "Entries delivered to the group but not yet acknowledged",
		},
	)

	ClaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webtrail_consumer_claimed_total",
			Help: "Total number of idle pending entries reclaimed by the sweeper",
		},
	)

	ConnectionRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webtrail_consumer_connection_retries_total",
			Help: "Total number of backoff retries after connection failures",
		},
		[]string{"component"},
	)
)

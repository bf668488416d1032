// Package metrics defines every Prometheus collector exported by the
// hybrid store. Metric names are part of the public contract and must stay
// stable for scraping; adding a collector is fine, renaming one is not.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HotHits counts reads answered by the hot tier.
	HotHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hot_hits_total",
		Help: "Number of reads answered by the hot tier.",
	})

	// HotMisses counts reads the hot tier could not answer.
	HotMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hot_misses_total",
		Help: "Number of reads not answered by the hot tier.",
	})

	// ColdFallbacks counts hot misses served from the cold tier.
	ColdFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cold_fallbacks_total",
		Help: "Number of hot-tier misses served from the cold tier.",
	})

	// BreakerOpen counts transitions of the cold-tier breaker to open.
	BreakerOpen = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "breaker_open_total",
		Help: "Number of circuit breaker transitions to the open state.",
	})

	// BreakerClose counts transitions of the cold-tier breaker to closed.
	BreakerClose = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "breaker_close_total",
		Help: "Number of circuit breaker transitions to the closed state.",
	})

	// BreakerHalfOpen counts transitions of the cold-tier breaker to
	// half-open.
	BreakerHalfOpen = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "breaker_halfopen_total",
		Help: "Number of circuit breaker transitions to the half-open state.",
	})

	// ReconcilerLatency observes the time to apply one outbox entry to the
	// cold tier.
	ReconcilerLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "reconciler_latency_seconds",
		Help:    "Latency of applying one outbox entry to the cold tier.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	})

	// ReconcilerFailures counts failed reconciliation attempts.
	ReconcilerFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_failures_total",
		Help: "Number of failed attempts to apply an outbox entry.",
	})

	// OperationLatency observes engine operation latency by operation
	// name (get, set, delete, touch, exists).
	OperationLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "operation_latency_seconds",
		Help:    "Latency of hybrid engine operations.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"op"})

	// QueuePublishes counts successful outbox enqueues.
	QueuePublishes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queue_publishes_total",
		Help: "Number of outbox entries enqueued.",
	})

	// QueueFailures counts failed outbox enqueues.
	QueueFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queue_failures_total",
		Help: "Number of outbox enqueue failures.",
	})

	// DirectWrites counts synchronous cold-tier writes, both the
	// write-through mode and the overflow backpressure path.
	DirectWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "direct_writes_total",
		Help: "Number of synchronous cold-tier writes.",
	})

	// OutboxDeadLetters counts entries abandoned after exhausting their
	// attempts.
	OutboxDeadLetters = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_dead_letters_total",
		Help: "Number of outbox entries dead-lettered after max attempts.",
	})

	// OutboxDepth tracks the number of outstanding outbox entries.
	OutboxDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_depth",
		Help: "Current number of outstanding outbox entries.",
	})
)

func init() {
	prometheus.MustRegister(
		HotHits,
		HotMisses,
		ColdFallbacks,
		BreakerOpen,
		BreakerClose,
		BreakerHalfOpen,
		ReconcilerLatency,
		ReconcilerFailures,
		OperationLatency,
		QueuePublishes,
		QueueFailures,
		DirectWrites,
		OutboxDeadLetters,
		OutboxDepth,
	)
}

// Package metrics provides Prometheus metrics for Tributary: graph
// compilation, ingestion throughput and connector lifecycle.
//
// # Basic Usage
//
//	timer := metrics.NewTimer()
//	d, err := app.IntoDag(ctx)
//	metrics.ObserveCompilation(timer.Stop(), err)
//
//	metrics.MessagesIngested.WithLabelValues("pg_main", "operation").Inc()
//
// All metrics are registered with the default registry on package init.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tributary"

var (
	// CompilationsTotal counts App compilations by status
	CompilationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compilations_total",
			Help:      "Total number of App to Dag compilations",
		},
		[]string{"status"},
	)

	// CompileDuration tracks how long compilation takes
	CompileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compile_duration_seconds",
			Help:      "Duration of App to Dag compilation",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
	)

	// DagSize reports the size of the last compiled graph
	DagSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dag_size",
			Help:      "Number of nodes by kind and edges in the last compiled graph",
		},
		[]string{"element"},
	)

	// MessagesIngested counts messages accepted by the ingestor
	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingestion_messages_total",
			Help:      "Messages accepted by the ingestor",
		},
		[]string{"connector", "kind"},
	)

	// MessagesRejected counts messages the ingestor refused
	MessagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingestion_rejected_total",
			Help:      "Messages rejected by the ingestor",
		},
		[]string{"connector", "reason"},
	)

	// RowsFiltered counts rows a table filter kept from reaching the ingestor
	RowsFiltered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connector_rows_filtered_total",
			Help:      "Rows rejected by a table filter before ingestion",
		},
		[]string{"connector", "table"},
	)

	// MessagesConsumed counts messages read off the ingestor
	MessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingestion_consumed_total",
			Help:      "Messages handed to the graph by the consumer",
		},
		[]string{"connector"},
	)

	// QueueDepth is the number of buffered messages in the ingestor
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingestion_queue_depth",
			Help:      "Messages buffered in the ingestor",
		},
	)

	// PushLatency tracks how long producers wait to enqueue
	PushLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingestion_push_seconds",
			Help:      "Time a connector waited to hand a message to the ingestor",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
		[]string{"connector"},
	)

	// ConnectorRunning is 1 while a connector is started
	ConnectorRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connector_running",
			Help:      "Whether a connector is running",
		},
		[]string{"connector", "type"},
	)

	// ConnectorErrors counts connector operation failures
	ConnectorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connector_errors_total",
			Help:      "Connector operation failures",
		},
		[]string{"connector", "operation"},
	)

	// Throughput reports messages per second per connector
	Throughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingestion_throughput_messages_per_second",
			Help:      "Consumed messages per second",
		},
		[]string{"connector"},
	)
)

// ObserveCompilation records the outcome and duration of one compilation.
func ObserveCompilation(d time.Duration, err error) {
	CompileDuration.Observe(d.Seconds())
	CompilationsTotal.WithLabelValues(status(err)).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Timer measures elapsed time from creation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed duration since creation. It can be called repeatedly.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ThroughputTracker tracks messages per second over time windows.
// Safe for concurrent use.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64
	lastReset time.Time
	connector string
}

// NewThroughputTracker creates a new throughput tracker for a connector.
func NewThroughputTracker(connector string) *ThroughputTracker {
	return &ThroughputTracker{
		lastReset: time.Now(),
		connector: connector,
	}
}

// Increment adds n to the message count.
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// GetAndReset computes messages per second since the last reset, publishes
// it to the Throughput gauge, and resets the window.
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(t.count) / elapsed
	}
	Throughput.WithLabelValues(t.connector).Set(rate)

	t.count = 0
	t.lastReset = time.Now()
	return rate
}

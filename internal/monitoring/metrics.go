package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the replication engine. Scraped from the ops
// server's /metrics endpoint.
var (
	// Pipeline metrics
	EventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cm_events_received_total",
		Help: "Source events received from the listener by type",
	}, []string{"type"})

	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cm_events_dropped_total",
		Help: "Source events dropped before dispatch by reason",
	}, []string{"reason"})

	FilterDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cm_filter_drops_total",
		Help: "Messages dropped by the filter engine by reason",
	}, []string{"reason"})

	MessagesCopied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cm_messages_copied_total",
		Help: "Messages successfully replicated to a destination",
	})

	EditsSynced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cm_edits_synced_total",
		Help: "Destination copies rewritten after a source edit",
	})

	DeletesSynced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cm_deletes_synced_total",
		Help: "Destination copies erased after a source delete",
	})

	// Dispatcher metrics
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cm_queue_depth",
		Help: "Tasks waiting in the dispatch queue by priority",
	}, []string{"priority"})

	QueueCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cm_queue_capacity",
		Help: "Maximum capacity of the dispatch queue",
	})

	TasksCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cm_tasks_completed_total",
		Help: "Dispatch tasks reaching a terminal state by outcome",
	}, []string{"outcome"})

	TaskRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cm_task_retries_total",
		Help: "Task re-enqueues after a transient failure",
	})

	CircuitOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cm_circuit_open",
		Help: "Dispatch circuit breaker state (1=open, 0=closed)",
	})

	// Sender metrics
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cm_send_latency_seconds",
		Help:    "Latency of platform send RPCs",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	SendersEligible = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cm_senders_eligible",
		Help: "Senders currently eligible for selection",
	})

	RateLimitHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cm_rate_limit_hits_total",
		Help: "Rate-limit signals received from the platform",
	})

	// Image guard metrics
	ImagesBlocked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cm_images_blocked_total",
		Help: "Images dropped by perceptual-hash blocking",
	})

	ImagesWatermarked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cm_images_watermarked_total",
		Help: "Images watermarked before dispatch",
	})

	// Store metrics
	StoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cm_store_errors_total",
		Help: "Persistence failures by operation",
	}, []string{"op"})

	// System metrics
	CPUUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cm_cpu_usage_percent",
		Help: "Current process CPU usage percentage",
	})

	MemoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cm_memory_bytes",
		Help: "Current process memory usage in bytes",
	})

	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cm_goroutines_active",
		Help: "Current number of active goroutines",
	})
)

func init() {
	prometheus.MustRegister(
		EventsReceived,
		EventsDropped,
		FilterDrops,
		MessagesCopied,
		EditsSynced,
		DeletesSynced,
		QueueDepth,
		QueueCapacity,
		TasksCompleted,
		TaskRetries,
		CircuitOpen,
		SendLatency,
		SendersEligible,
		RateLimitHits,
		ImagesBlocked,
		ImagesWatermarked,
		StoreErrors,
		CPUUsagePercent,
		MemoryUsageBytes,
		GoroutinesActive,
	)
}

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors
// plus the service-specific collectors passed as arguments (see FlashSale and
// IMRouter).
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}

// HTTPRequestDuration records request latency, labeled by method/route/status.
// Registered in both services so internal/httpserver's Metrics middleware has
// somewhere to record to regardless of which binary is running.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "flashio",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"method", "route", "status"},
)

// Core A — Flash-Sale metrics.

var AdmissionGrantedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "flashio",
		Subsystem: "admission",
		Name:      "granted_total",
		Help:      "Total number of admission gate grants, by sku.",
	},
	[]string{"sku_id"},
)

var AdmissionQueuedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "flashio",
		Subsystem: "admission",
		Name:      "queued_total",
		Help:      "Total number of admission gate queue responses, by sku and reason.",
	},
	[]string{"sku_id", "reason"},
)

var AdmissionSoldOutTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "flashio",
		Subsystem: "admission",
		Name:      "sold_out_total",
		Help:      "Total number of admission gate sold-out responses, by sku.",
	},
	[]string{"sku_id"},
)

var InventoryDeductTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "flashio",
		Subsystem: "inventory",
		Name:      "deduct_total",
		Help:      "Total number of inventory deduct attempts, by sku and outcome.",
	},
	[]string{"sku_id", "outcome"},
)

var InventoryRollbackTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "flashio",
		Subsystem: "inventory",
		Name:      "rollback_total",
		Help:      "Total number of inventory rollbacks, by sku.",
	},
	[]string{"sku_id"},
)

var MaterializerBatchSize = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "flashio",
		Subsystem: "materializer",
		Name:      "batch_size",
		Help:      "Number of order-bus messages committed per materializer batch.",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
	},
)

var SweeperTimeoutsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "flashio",
		Subsystem: "sweeper",
		Name:      "timeouts_total",
		Help:      "Total number of orders transitioned to Timeout by the sweeper.",
	},
)

var ReconcilerDiscrepanciesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "flashio",
		Subsystem: "reconciler",
		Name:      "discrepancies_total",
		Help:      "Total number of discrepancies detected by the reconciler, by kind.",
	},
	[]string{"sku_id", "kind"},
)

// Core B — IM Routing metrics.

var RouterDeliveredTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "flashio",
		Subsystem: "router",
		Name:      "delivered_total",
		Help:      "Total number of messages delivered, by path (fast/offline).",
	},
	[]string{"path"},
)

var RouterDedupSuppressedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "flashio",
		Subsystem: "router",
		Name:      "dedup_suppressed_total",
		Help:      "Total number of duplicate message deliveries suppressed.",
	},
)

var RouterFilterBlockedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "flashio",
		Subsystem: "router",
		Name:      "filter_blocked_total",
		Help:      "Total number of messages blocked by the content filter.",
	},
)

var SequencerIncrementsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "flashio",
		Subsystem: "sequencer",
		Name:      "increments_total",
		Help:      "Total number of sequence numbers issued.",
	},
)

var PresenceLeasesActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "flashio",
		Subsystem: "presence",
		Name:      "leases_active",
		Help:      "Current number of presence leases believed active by this instance.",
	},
)

var OfflineWriterBatchSize = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "flashio",
		Subsystem: "offline",
		Name:      "writer_batch_size",
		Help:      "Number of offline-bus messages committed per writer batch.",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
	},
)

var OfflineSweeperDeletedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "flashio",
		Subsystem: "offline",
		Name:      "ttl_swept_total",
		Help:      "Total number of expired offline messages deleted.",
	},
)

// FlashSale returns the metrics registered by cmd/flashsale.
func FlashSale() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		AdmissionGrantedTotal,
		AdmissionQueuedTotal,
		AdmissionSoldOutTotal,
		InventoryDeductTotal,
		InventoryRollbackTotal,
		MaterializerBatchSize,
		SweeperTimeoutsTotal,
		ReconcilerDiscrepanciesTotal,
	}
}

// IMRouter returns the metrics registered by cmd/imrouter.
func IMRouter() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		RouterDeliveredTotal,
		RouterDedupSuppressedTotal,
		RouterFilterBlockedTotal,
		SequencerIncrementsTotal,
		PresenceLeasesActive,
		OfflineWriterBatchSize,
		OfflineSweeperDeletedTotal,
	}
}

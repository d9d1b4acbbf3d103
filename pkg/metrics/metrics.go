// Package metrics provides Prometheus metrics for itemscan.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for itemscan.
type Metrics struct {
	ItemsSubmitted  prometheus.Counter
	ItemsNew        prometheus.Counter
	ItemsDuplicate  prometheus.Counter
	ItemsCollisions prometheus.Counter
	ItemsFiltered   prometheus.Counter
	ItemsDropped    prometheus.Counter
	CachedItems     prometheus.Gauge
	QueueDepth      prometheus.Gauge

	ObjectsEvaluated  prometheus.Counter
	ObjectsIncomplete prometheus.Counter
	MemoryRatio       prometheus.Gauge

	ReportWrites      prometheus.Counter
	ReportWriteErrors prometheus.Counter

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		ItemsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "itemscan_items_submitted_total",
			Help: "Total number of items handed to the item cache.",
		}),
		ItemsNew: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "itemscan_items_new_total",
			Help: "Total number of items that became canonical and received an identity.",
		}),
		ItemsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "itemscan_items_duplicate_total",
			Help: "Total number of items replaced by an already cached canonical item.",
		}),
		ItemsCollisions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "itemscan_items_collisions_total",
			Help: "Total number of distinct items that shared a content key with a cached item.",
		}),
		ItemsFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "itemscan_items_filtered_total",
			Help: "Total number of items rejected by object filters.",
		}),
		ItemsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "itemscan_items_dropped_total",
			Help: "Total number of items dropped by count or memory limits.",
		}),
		CachedItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "itemscan_cached_items",
			Help: "Current number of canonical items held by open caches.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "itemscan_queue_depth",
			Help: "Requests waiting in the item cache queue when last sampled by the worker.",
		}),
		ObjectsEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "itemscan_objects_evaluated_total",
			Help: "Total number of objects evaluated.",
		}),
		ObjectsIncomplete: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "itemscan_objects_incomplete_total",
			Help: "Total number of collected objects flagged incomplete by resource limits.",
		}),
		MemoryRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "itemscan_memory_ratio",
			Help: "Last observed ratio of resident memory to total system memory.",
		}),
		ReportWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "itemscan_report_writes_total",
			Help: "Total number of successful report writes.",
		}),
		ReportWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "itemscan_report_write_errors_total",
			Help: "Total number of failed report writes.",
		}),
		registry: registry,
	}

	registry.MustRegister(
		m.ItemsSubmitted,
		m.ItemsNew,
		m.ItemsDuplicate,
		m.ItemsCollisions,
		m.ItemsFiltered,
		m.ItemsDropped,
		m.CachedItems,
		m.QueueDepth,
		m.ObjectsEvaluated,
		m.ObjectsIncomplete,
		m.MemoryRatio,
		m.ReportWrites,
		m.ReportWriteErrors,
	)

	// Register default process metrics (CPU, memory, etc.)
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	registry.MustRegister(prometheus.NewGoCollector())

	return m
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry for custom handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

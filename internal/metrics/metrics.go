// Package metrics exports per-request coprocessor statistics in Prometheus
// format. The collector is a passive sink: the execution driver reports one
// merged snapshot per completed task and never reads back.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kvasir-db/copnode/internal/coprocessor"
)

type Collector struct {
	RequestsTotal *prometheus.CounterVec // tag, status=ok|error|outdated
	OutdatedTotal *prometheus.CounterVec // tag

	HandleSeconds *prometheus.HistogramVec // tag
	WaitSeconds   *prometheus.HistogramVec // tag

	RowsScanned    *prometheus.CounterVec // tag
	BytesScanned   *prometheus.CounterVec // tag
	ChunksProduced *prometheus.CounterVec // tag
}

// NewCollector builds and registers the collectors on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copnode_requests_total",
				Help: "Completed coprocessor requests by tag and status",
			},
			[]string{"tag", "status"},
		),
		OutdatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copnode_outdated_total",
				Help: "Requests rejected because their deadline passed",
			},
			[]string{"tag"},
		),
		HandleSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "copnode_handle_duration_seconds",
				Help:    "Time spent executing on a worker",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16), // 0.5ms .. ~16s
			},
			[]string{"tag"},
		),
		WaitSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "copnode_wait_duration_seconds",
				Help:    "Time spent queued before a worker picked the task up",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"tag"},
		),
		RowsScanned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copnode_rows_scanned_total",
				Help: "Key-value pairs read from storage",
			},
			[]string{"tag"},
		),
		BytesScanned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copnode_bytes_scanned_total",
				Help: "Bytes read from storage",
			},
			[]string{"tag"},
		),
		ChunksProduced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copnode_chunks_produced_total",
				Help: "Response payloads produced (1 per unary request)",
			},
			[]string{"tag"},
		),
	}

	reg.MustRegister(
		c.RequestsTotal,
		c.OutdatedTotal,
		c.HandleSeconds,
		c.WaitSeconds,
		c.RowsScanned,
		c.BytesScanned,
		c.ChunksProduced,
	)

	return c
}

// ReportRequest implements coprocessor.MetricsSink.
func (c *Collector) ReportRequest(tag, status string, m *coprocessor.ExecutorMetrics) {
	c.RequestsTotal.WithLabelValues(tag, status).Inc()
	if status == "outdated" {
		c.OutdatedTotal.WithLabelValues(tag).Inc()
	}

	c.HandleSeconds.WithLabelValues(tag).Observe(m.HandleDuration.Seconds())
	c.WaitSeconds.WithLabelValues(tag).Observe(m.WaitDuration.Seconds())

	c.RowsScanned.WithLabelValues(tag).Add(float64(m.RowsScanned))
	c.BytesScanned.WithLabelValues(tag).Add(float64(m.BytesScanned))
	c.ChunksProduced.WithLabelValues(tag).Add(float64(m.ChunksProduced))
}

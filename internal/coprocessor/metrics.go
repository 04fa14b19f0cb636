package coprocessor

import (
	"time"
)

// ExecutorMetrics accumulates per-request execution statistics. Handlers
// merge their private counters into a driver-owned accumulator once the task
// reaches a terminal state; the driver then reports the merged snapshot to
// the sink.
type ExecutorMetrics struct {
	RowsScanned    uint64
	BytesScanned   uint64
	ChunksProduced uint64

	// WaitDuration is time spent queued before a worker picked the task up
	WaitDuration time.Duration

	// HandleDuration is time spent executing on the worker
	HandleDuration time.Duration
}

// Merge adds other into m. Not idempotent: merging the same source twice
// double-counts.
func (m *ExecutorMetrics) Merge(other *ExecutorMetrics) {
	m.RowsScanned += other.RowsScanned
	m.BytesScanned += other.BytesScanned
	m.ChunksProduced += other.ChunksProduced
	m.WaitDuration += other.WaitDuration
	m.HandleDuration += other.HandleDuration
}

// MetricsSink receives one merged snapshot per completed task, keyed by the
// request tag. Implementations must tolerate concurrent reports from
// independent tasks.
type MetricsSink interface {
	ReportRequest(tag string, status string, m *ExecutorMetrics)
}

// NopSink discards every report.
type NopSink struct{}

func (NopSink) ReportRequest(string, string, *ExecutorMetrics) {}

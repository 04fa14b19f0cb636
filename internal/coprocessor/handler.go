package coprocessor

// Tags identify the request kind in deadlines, errors, logs and metrics.
const (
	TagDAG      = "dag"
	TagAnalyze  = "analyze"
	TagChecksum = "checksum"
)

// Response is one unit of data produced by a handler: the whole result for a
// unary request, one chunk for a streaming request.
type Response struct {
	Data []byte

	// Compressed marks Data as a zstd frame
	Compressed bool
}

// Handler is the execution unit behind one request. A concrete handler owns
// its engine state (scan cursor, accumulators, checksum state); the driver
// only sees this surface.
//
// Which of the two execution modes a handler supports is a static property
// of its variant. Invoking an unsupported mode is a defect in the dispatch
// table, not a runtime condition, and panics. Embed UnarySupport or
// StreamSupport to get the panicking default for the missing mode.
type Handler interface {
	// HandleRequest produces exactly one final response or fails.
	HandleRequest() (*Response, error)

	// HandleStreamRequest produces the next chunk. A nil response or a false
	// hasMore flag terminates the stream. The handler's cursor persists
	// between calls; each call checks the deadline before producing.
	HandleStreamRequest() (resp *Response, hasMore bool, err error)

	// CollectMetricsInto merges the handler's private counters into m.
	// The driver calls it exactly once, after the terminal state; calling it
	// twice double-counts.
	CollectMetricsInto(m *ExecutorMetrics)
}

// UnarySupport is embedded by unary-only handlers.
type UnarySupport struct{}

func (UnarySupport) HandleStreamRequest() (*Response, bool, error) {
	panic("streaming request is not supported for this handler")
}

// StreamSupport is embedded by streaming-only handlers.
type StreamSupport struct{}

func (StreamSupport) HandleRequest() (*Response, error) {
	panic("unary request is not supported for this handler")
}

// NoMetrics is embedded by handlers that track no execution statistics.
type NoMetrics struct{}

func (NoMetrics) CollectMetricsInto(*ExecutorMetrics) {}

// Package dag interprets pre-compiled query fragments: a scan over the
// request's key ranges piped through optional selection, limit and
// aggregation stages. The handler supports both unary and streaming
// execution; chunk boundaries never split the executor chain's output order.
package dag

import (
	"github.com/kvasir-db/copnode/internal/coprocessor"
	"github.com/kvasir-db/copnode/internal/storage"
	"github.com/kvasir-db/copnode/internal/types"
)

// Options carries the server-side execution defaults.
type Options struct {
	ChunkRows         int // Default rows per streamed chunk
	DeadlineCheckRows int // Scanned rows between mid-step deadline checks
}

// Handler drives one DAG request. It owns the executor chain and its cursor
// position between streaming steps.
type Handler struct {
	ctx       *coprocessor.ReqContext
	exec      Executor
	chunkRows int
	compress  bool
	metrics   coprocessor.ExecutorMetrics
	done      bool
}

// NewHandler builds the executor chain for plan over ranges. The full range
// list lives here; ctx keeps only the diagnostic first-range view.
func NewHandler(
	ctx *coprocessor.ReqContext,
	plan *Plan,
	ranges []types.KeyRange,
	eng storage.Engine,
	opts Options,
) (*Handler, error) {
	h := &Handler{
		ctx:       ctx,
		chunkRows: opts.ChunkRows,
		compress:  plan.Compress,
	}
	if plan.ChunkRows > 0 {
		h.chunkRows = plan.ChunkRows
	}
	if h.chunkRows <= 0 {
		h.chunkRows = 1024
	}

	exec, err := buildChain(plan, ranges, eng, &h.metrics,
		ctx.Deadline.CheckIfExceeded, opts.DeadlineCheckRows)
	if err != nil {
		return nil, err
	}
	h.exec = exec
	return h, nil
}

// HandleRequest drains the chain into a single response.
func (h *Handler) HandleRequest() (*coprocessor.Response, error) {
	if err := h.ctx.Deadline.CheckIfExceeded(); err != nil {
		return nil, err
	}
	defer h.exec.Close()

	var rows []*Row
	for {
		row, err := h.exec.Next()
		if err != nil {
			return nil, err
		}
		if row == nil {
			break
		}
		rows = append(rows, row)
	}

	return h.buildResponse(rows)
}

// HandleStreamRequest produces the next chunk. A deadline failure discards
// the partially built chunk for this step; chunks already delivered stand.
func (h *Handler) HandleStreamRequest() (*coprocessor.Response, bool, error) {
	if h.done {
		return nil, false, nil
	}
	if err := h.ctx.Deadline.CheckIfExceeded(); err != nil {
		h.exec.Close()
		return nil, false, err
	}

	rows := make([]*Row, 0, h.chunkRows)
	exhausted := false
	for len(rows) < h.chunkRows {
		row, err := h.exec.Next()
		if err != nil {
			h.exec.Close()
			return nil, false, err
		}
		if row == nil {
			exhausted = true
			break
		}
		rows = append(rows, row)
	}

	if exhausted {
		h.done = true
		h.exec.Close()
	}
	if len(rows) == 0 {
		return nil, false, nil
	}

	resp, err := h.buildResponse(rows)
	if err != nil {
		return nil, false, err
	}
	return resp, !exhausted, nil
}

func (h *Handler) buildResponse(rows []*Row) (*coprocessor.Response, error) {
	data, err := encodeChunk(rows)
	if err != nil {
		return nil, err
	}

	resp := &coprocessor.Response{Data: data}
	if h.compress {
		resp.Data = CompressChunk(data)
		resp.Compressed = true
	}
	h.metrics.ChunksProduced++
	return resp, nil
}

// CollectMetricsInto merges the handler's counters. Called once by the
// driver after the terminal state.
func (h *Handler) CollectMetricsInto(m *coprocessor.ExecutorMetrics) {
	m.Merge(&h.metrics)
}

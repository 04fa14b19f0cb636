// Package analyze collects column statistics over the request's key ranges.
// Always unary: the result is a fixed-size summary per column.
package analyze

import (
	"encoding/json"
	"fmt"

	"github.com/kvasir-db/copnode/internal/coprocessor"
	"github.com/kvasir-db/copnode/internal/errors"
	"github.com/kvasir-db/copnode/internal/storage"
	"github.com/kvasir-db/copnode/internal/types"
)

const defaultMaxDistinct = 8192

// request is the type-specific payload. Empty Columns means "all columns of
// the first row".
type request struct {
	Columns []int `json:"columns,omitempty"`

	// MaxDistinct bounds the per-column distinct tracking set
	MaxDistinct int `json:"max_distinct,omitempty"`
}

// ColumnStats summarizes one column.
type ColumnStats struct {
	Col       int    `json:"col"`
	NullCount uint64 `json:"null_count"`
	Distinct  uint64 `json:"distinct"`
	// DistinctIsLowerBound is set when the tracking set overflowed
	DistinctIsLowerBound bool        `json:"distinct_is_lower_bound,omitempty"`
	Min                  interface{} `json:"min"`
	Max                  interface{} `json:"max"`
}

// Summary is the unary response payload.
type Summary struct {
	Rows    uint64        `json:"rows"`
	Columns []ColumnStats `json:"columns"`
}

type columnAcc struct {
	col       int
	nulls     uint64
	distinct  map[interface{}]struct{}
	overflow  bool
	min, max  interface{}
	seenValue bool
}

// Handler is unary-only.
type Handler struct {
	coprocessor.UnarySupport

	ctx         *coprocessor.ReqContext
	ranges      []types.KeyRange
	eng         storage.Engine
	columns     []int
	maxDistinct int
	checkRows   int
	metrics     coprocessor.ExecutorMetrics
}

func NewHandler(
	ctx *coprocessor.ReqContext,
	payload []byte,
	ranges []types.KeyRange,
	eng storage.Engine,
	checkRows int,
) (*Handler, error) {
	var req request
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrInvalidPlan, err)
		}
	}
	for _, c := range req.Columns {
		if c < 0 {
			return nil, fmt.Errorf("%w: negative column index", errors.ErrInvalidPlan)
		}
	}
	if req.MaxDistinct <= 0 {
		req.MaxDistinct = defaultMaxDistinct
	}
	if checkRows <= 0 {
		checkRows = 4096
	}
	return &Handler{
		ctx:         ctx,
		ranges:      ranges,
		eng:         eng,
		columns:     req.Columns,
		maxDistinct: req.MaxDistinct,
		checkRows:   checkRows,
	}, nil
}

func (h *Handler) HandleRequest() (*coprocessor.Response, error) {
	if err := h.ctx.Deadline.CheckIfExceeded(); err != nil {
		return nil, err
	}

	var accs []*columnAcc
	var rows uint64

	for _, r := range h.ranges {
		sc, err := h.eng.Scan(r, false)
		if err != nil {
			return nil, err
		}
		for {
			key, value, err := sc.Next()
			if err != nil {
				sc.Close()
				return nil, err
			}
			if key == nil {
				break
			}

			h.metrics.RowsScanned++
			h.metrics.BytesScanned += uint64(len(key) + len(value))

			var cols []interface{}
			if err := json.Unmarshal(value, &cols); err != nil {
				sc.Close()
				return nil, fmt.Errorf("%w: key %q: %v", errors.ErrMalformedRow, key, err)
			}

			if accs == nil {
				accs = h.initAccs(len(cols))
			}
			for _, acc := range accs {
				if acc.col >= len(cols) {
					acc.nulls++
					continue
				}
				acc.observe(cols[acc.col], h.maxDistinct)
			}

			rows++
			if rows%uint64(h.checkRows) == 0 {
				if err := h.ctx.Deadline.CheckIfExceeded(); err != nil {
					sc.Close()
					return nil, err
				}
			}
		}
		if err := sc.Close(); err != nil {
			return nil, err
		}
	}

	summary := Summary{Rows: rows, Columns: make([]ColumnStats, 0, len(accs))}
	for _, acc := range accs {
		summary.Columns = append(summary.Columns, ColumnStats{
			Col:                  acc.col,
			NullCount:            acc.nulls,
			Distinct:             uint64(len(acc.distinct)),
			DistinctIsLowerBound: acc.overflow,
			Min:                  acc.min,
			Max:                  acc.max,
		})
	}

	data, err := json.Marshal(&summary)
	if err != nil {
		return nil, err
	}
	h.metrics.ChunksProduced++
	return &coprocessor.Response{Data: data}, nil
}

func (h *Handler) initAccs(width int) []*columnAcc {
	cols := h.columns
	if len(cols) == 0 {
		cols = make([]int, width)
		for i := range cols {
			cols[i] = i
		}
	}
	accs := make([]*columnAcc, len(cols))
	for i, c := range cols {
		accs[i] = &columnAcc{col: c, distinct: make(map[interface{}]struct{})}
	}
	return accs
}

func (a *columnAcc) observe(v interface{}, maxDistinct int) {
	if v == nil {
		a.nulls++
		return
	}

	// bools and nested values are tracked for distinctness but not ordered
	if len(a.distinct) < maxDistinct {
		if key, ok := distinctKey(v); ok {
			a.distinct[key] = struct{}{}
		}
	} else {
		a.overflow = true
	}

	switch v.(type) {
	case float64, string:
	default:
		return
	}
	if !a.seenValue {
		a.min, a.max = v, v
		a.seenValue = true
		return
	}
	if cmp, ok := tryCompare(v, a.min); ok && cmp < 0 {
		a.min = v
	}
	if cmp, ok := tryCompare(v, a.max); ok && cmp > 0 {
		a.max = v
	}
}

func distinctKey(v interface{}) (interface{}, bool) {
	switch v.(type) {
	case float64, string, bool:
		return v, true
	}
	// non-scalar JSON values are not hashable; skip them
	return nil, false
}

func tryCompare(a, b interface{}) (int, bool) {
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1, true
			case av > bv:
				return 1, true
			}
			return 0, true
		}
	case string:
		if bv, ok := b.(string); ok {
			switch {
			case av < bv:
				return -1, true
			case av > bv:
				return 1, true
			}
			return 0, true
		}
	}
	return 0, false
}

func (h *Handler) CollectMetricsInto(m *coprocessor.ExecutorMetrics) {
	m.Merge(&h.metrics)
}

package dag

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kvasir-db/copnode/internal/coprocessor"
	"github.com/kvasir-db/copnode/internal/errors"
	"github.com/kvasir-db/copnode/internal/storage"
	"github.com/kvasir-db/copnode/internal/types"
)

// singleGroupKey labels the synthetic row produced by an aggregation without
// grouping columns.
var singleGroupKey = []byte("SingleGroup")

// Row is one decoded key-value pair flowing through the executor chain.
// Cols holds JSON scalars: float64, string, bool or nil.
type Row struct {
	Key  []byte
	Cols []interface{}
}

// Executor is one stage of the chain. Next returns nil once exhausted.
type Executor interface {
	Next() (*Row, error)
	Close() error
}

// buildChain assembles the executor chain for a validated plan. The scan
// stage calls tick every checkRows rows so the deadline is enforced even
// inside a blocking aggregation drain, and counts scanned rows/bytes into m.
func buildChain(
	plan *Plan,
	ranges []types.KeyRange,
	eng storage.Engine,
	m *coprocessor.ExecutorMetrics,
	tick func() error,
	checkRows int,
) (Executor, error) {
	var exec Executor = newScanExecutor(eng, ranges, plan.Desc, m, tick, checkRows)

	for _, spec := range plan.Executors[1:] {
		switch spec.Type {
		case ExecSelection:
			exec = &selectionExecutor{
				child: exec,
				col:   spec.Col,
				op:    spec.Op,
				value: spec.Value,
			}
		case ExecLimit:
			exec = &limitExecutor{child: exec, remaining: spec.Limit}
		case ExecAggregation:
			exec = &aggregationExecutor{
				child: exec,
				fn:    spec.Func,
				col:   spec.Col,
			}
		}
	}
	return exec, nil
}

type scanExecutor struct {
	eng       storage.Engine
	ranges    []types.KeyRange
	desc      bool
	idx       int
	cur       storage.Scanner
	metrics   *coprocessor.ExecutorMetrics
	tick      func() error
	checkRows int
	sinceTick int
}

func newScanExecutor(
	eng storage.Engine,
	ranges []types.KeyRange,
	desc bool,
	m *coprocessor.ExecutorMetrics,
	tick func() error,
	checkRows int,
) *scanExecutor {
	idx := 0
	if desc {
		idx = len(ranges) - 1
	}
	if checkRows <= 0 {
		checkRows = 4096
	}
	return &scanExecutor{
		eng:       eng,
		ranges:    ranges,
		desc:      desc,
		idx:       idx,
		metrics:   m,
		tick:      tick,
		checkRows: checkRows,
	}
}

func (s *scanExecutor) Next() (*Row, error) {
	for {
		if s.cur == nil {
			if s.idx < 0 || s.idx >= len(s.ranges) {
				return nil, nil
			}
			cur, err := s.eng.Scan(s.ranges[s.idx], s.desc)
			if err != nil {
				return nil, err
			}
			s.cur = cur
		}

		key, value, err := s.cur.Next()
		if err != nil {
			return nil, err
		}
		if key == nil {
			s.cur.Close()
			s.cur = nil
			if s.desc {
				s.idx--
			} else {
				s.idx++
			}
			continue
		}

		s.metrics.RowsScanned++
		s.metrics.BytesScanned += uint64(len(key) + len(value))

		s.sinceTick++
		if s.tick != nil && s.sinceTick >= s.checkRows {
			s.sinceTick = 0
			if err := s.tick(); err != nil {
				return nil, err
			}
		}

		var cols []interface{}
		if err := json.Unmarshal(value, &cols); err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", errors.ErrMalformedRow, key, err)
		}
		return &Row{Key: key, Cols: cols}, nil
	}
}

func (s *scanExecutor) Close() error {
	if s.cur != nil {
		err := s.cur.Close()
		s.cur = nil
		return err
	}
	return nil
}

type selectionExecutor struct {
	child Executor
	col   int
	op    string
	value interface{}
}

func (e *selectionExecutor) Next() (*Row, error) {
	for {
		row, err := e.child.Next()
		if err != nil || row == nil {
			return nil, err
		}
		if e.col >= len(row.Cols) {
			return nil, fmt.Errorf("%w: column %d out of range", errors.ErrMalformedRow, e.col)
		}
		col := row.Cols[e.col]
		if col == nil {
			// NULL never matches a comparison
			continue
		}
		cmp, err := compareValues(col, e.value)
		if err != nil {
			return nil, err
		}
		if opMatches(e.op, cmp) {
			return row, nil
		}
	}
}

func (e *selectionExecutor) Close() error { return e.child.Close() }

func opMatches(op string, cmp int) bool {
	switch op {
	case OpEQ:
		return cmp == 0
	case OpNE:
		return cmp != 0
	case OpLT:
		return cmp < 0
	case OpLE:
		return cmp <= 0
	case OpGT:
		return cmp > 0
	case OpGE:
		return cmp >= 0
	}
	return false
}

func compareValues(a, b interface{}) (int, error) {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, errors.ErrTypeMismatch
		}
		switch {
		case av < bv:
			return -1, nil
		case av > bv:
			return 1, nil
		}
		return 0, nil
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, errors.ErrTypeMismatch
		}
		return strings.Compare(av, bv), nil
	}
	return 0, errors.ErrTypeMismatch
}

type limitExecutor struct {
	child     Executor
	remaining uint64
}

func (e *limitExecutor) Next() (*Row, error) {
	if e.remaining == 0 {
		return nil, nil
	}
	row, err := e.child.Next()
	if err != nil || row == nil {
		return nil, err
	}
	e.remaining--
	return row, nil
}

func (e *limitExecutor) Close() error { return e.child.Close() }

// aggregationExecutor folds its entire input into one row over a single
// implicit group. Count ignores NULLs in the target column only for
// sum/min/max; count counts rows.
type aggregationExecutor struct {
	child Executor
	fn    string
	col   int
	done  bool
}

func (e *aggregationExecutor) Next() (*Row, error) {
	if e.done {
		return nil, nil
	}
	e.done = true

	var (
		count uint64
		sum   float64
		min   interface{}
		max   interface{}
		seen  bool
	)

	for {
		row, err := e.child.Next()
		if err != nil {
			return nil, err
		}
		if row == nil {
			break
		}
		count++

		if e.fn == AggCount {
			continue
		}
		if e.col >= len(row.Cols) {
			return nil, fmt.Errorf("%w: column %d out of range", errors.ErrMalformedRow, e.col)
		}
		col := row.Cols[e.col]
		if col == nil {
			continue
		}

		switch e.fn {
		case AggSum:
			v, ok := col.(float64)
			if !ok {
				return nil, errors.ErrTypeMismatch
			}
			sum += v
		case AggMin:
			if !seen {
				min = col
			} else if cmp, err := compareValues(col, min); err != nil {
				return nil, err
			} else if cmp < 0 {
				min = col
			}
		case AggMax:
			if !seen {
				max = col
			} else if cmp, err := compareValues(col, max); err != nil {
				return nil, err
			} else if cmp > 0 {
				max = col
			}
		}
		seen = true
	}

	var result interface{}
	switch e.fn {
	case AggCount:
		result = float64(count)
	case AggSum:
		result = sum
	case AggMin:
		result = min
	case AggMax:
		result = max
	}

	return &Row{Key: singleGroupKey, Cols: []interface{}{result}}, nil
}

func (e *aggregationExecutor) Close() error { return e.child.Close() }

package dag

import (
	"encoding/json"
	"fmt"

	"github.com/kvasir-db/copnode/internal/errors"
)

// Executor type names accepted in a plan.
const (
	ExecScan        = "scan"
	ExecSelection   = "selection"
	ExecLimit       = "limit"
	ExecAggregation = "aggregation"
)

// Comparison operators accepted by a selection executor.
const (
	OpEQ = "eq"
	OpNE = "ne"
	OpLT = "lt"
	OpLE = "le"
	OpGT = "gt"
	OpGE = "ge"
)

// Aggregate functions accepted by an aggregation executor.
const (
	AggCount = "count"
	AggSum   = "sum"
	AggMin   = "min"
	AggMax   = "max"
)

// Plan is a compiled query fragment: a linear executor chain rooted at a
// table scan over the request's key ranges.
type Plan struct {
	Executors []ExecutorSpec `json:"executors"`

	// Desc scans ranges in descending key order
	Desc bool `json:"desc,omitempty"`

	// ChunkRows overrides the server's default rows-per-chunk when > 0
	ChunkRows int `json:"chunk_rows,omitempty"`

	// Compress requests zstd compression of chunk payloads
	Compress bool `json:"compress,omitempty"`
}

type ExecutorSpec struct {
	Type string `json:"type"`

	// Selection / aggregation column index
	Col int `json:"col,omitempty"`

	// Selection operator and literal
	Op    string      `json:"op,omitempty"`
	Value interface{} `json:"value,omitempty"`

	// Limit row count
	Limit uint64 `json:"limit,omitempty"`

	// Aggregate function name
	Func string `json:"func,omitempty"`
}

// ParsePlan decodes and validates a plan payload.
func ParsePlan(data []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidPlan, err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Plan) validate() error {
	if len(p.Executors) == 0 {
		return fmt.Errorf("%w: empty executor chain", errors.ErrInvalidPlan)
	}
	if p.Executors[0].Type != ExecScan {
		return fmt.Errorf("%w: chain must be rooted at a scan", errors.ErrInvalidPlan)
	}

	for i, spec := range p.Executors[1:] {
		switch spec.Type {
		case ExecScan:
			return fmt.Errorf("%w: scan only allowed at chain root", errors.ErrInvalidPlan)
		case ExecSelection:
			switch spec.Op {
			case OpEQ, OpNE, OpLT, OpLE, OpGT, OpGE:
			default:
				return fmt.Errorf("%w: unknown operator %q", errors.ErrInvalidPlan, spec.Op)
			}
			switch spec.Value.(type) {
			case float64, string:
			default:
				return fmt.Errorf("%w: selection literal must be a number or string", errors.ErrInvalidPlan)
			}
			if spec.Col < 0 {
				return fmt.Errorf("%w: negative column index", errors.ErrInvalidPlan)
			}
		case ExecLimit:
		case ExecAggregation:
			if i+1 != len(p.Executors)-1 {
				return fmt.Errorf("%w: aggregation must terminate the chain", errors.ErrInvalidPlan)
			}
			switch spec.Func {
			case AggCount, AggSum, AggMin, AggMax:
			default:
				return fmt.Errorf("%w: unknown aggregate %q", errors.ErrInvalidPlan, spec.Func)
			}
			if spec.Col < 0 {
				return fmt.Errorf("%w: negative column index", errors.ErrInvalidPlan)
			}
		default:
			return fmt.Errorf("%w: unknown executor %q", errors.ErrInvalidPlan, spec.Type)
		}
	}
	return nil
}

// IsUnaryShaped reports whether the plan collapses to a single row regardless
// of input size (an aggregation-terminated chain).
func (p *Plan) IsUnaryShaped() bool {
	return len(p.Executors) > 0 && p.Executors[len(p.Executors)-1].Type == ExecAggregation
}

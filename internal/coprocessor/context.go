package coprocessor

import (
	"time"

	"github.com/kvasir-db/copnode/internal/types"
)

// ReqContext carries the per-request metadata a handler and the driver need
// for execution and diagnostics. It is owned by exactly one handler instance
// and is not mutated once the handler starts stepping, except for the single
// SetMaxHandleDuration call made before the first step.
type ReqContext struct {
	// Tag identifies the request kind ("dag", "analyze", "checksum")
	Tag string

	// RPCContext is the opaque metadata forwarded by the compute layer
	RPCContext types.RPCContext

	// FirstRange keeps the first key range by value for diagnostics.
	// Handlers receive the full range list separately at construction.
	FirstRange *types.KeyRange

	// RangesLen is the total number of ranges in the request
	RangesLen int

	Deadline Deadline

	// Peer is the origin address, empty when unknown
	Peer string

	// IsDescScan is set only for scan-shaped (DAG) requests
	IsDescScan *bool

	// TxnStartTS is the transaction start timestamp, 0 for non-transactional
	TxnStartTS uint64
}

// NewReqContext builds a context with a zero-duration placeholder deadline.
// The real budget is installed later via SetMaxHandleDuration, once queueing
// delay is known.
func NewReqContext(
	tag string,
	rpcCtx types.RPCContext,
	ranges []types.KeyRange,
	peer string,
	isDescScan *bool,
	txnStartTS uint64,
) *ReqContext {
	rc := &ReqContext{
		Tag:        tag,
		RPCContext: rpcCtx,
		RangesLen:  len(ranges),
		Deadline:   DeadlineFromNow(tag, 0),
		Peer:       peer,
		IsDescScan: isDescScan,
		TxnStartTS: txnStartTS,
	}
	if len(ranges) > 0 {
		first := types.KeyRange{
			Start: append([]byte(nil), ranges[0].Start...),
			End:   append([]byte(nil), ranges[0].End...),
		}
		rc.FirstRange = &first
	}
	return rc
}

// SetMaxHandleDuration resets the deadline relative to the original start
// time, so elapsed queue wait counts against the total budget.
func (rc *ReqContext) SetMaxHandleDuration(d time.Duration) {
	rc.Deadline.Reset(d)
}

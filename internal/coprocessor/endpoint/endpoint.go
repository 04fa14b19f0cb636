// Package endpoint schedules coprocessor requests onto a bounded worker pool
// and drives handlers to completion: one invocation for unary requests, a
// step loop for streaming ones. All ordinary failures cross this boundary as
// error values; the single exception is a capability mismatch between the
// dispatch table and the handler variant, which is a defect and stays fatal.
package endpoint

import (
	goerrors "errors"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/zeebo/blake3"

	"github.com/kvasir-db/copnode/internal/config"
	"github.com/kvasir-db/copnode/internal/coprocessor"
	"github.com/kvasir-db/copnode/internal/coprocessor/analyze"
	"github.com/kvasir-db/copnode/internal/coprocessor/checksum"
	"github.com/kvasir-db/copnode/internal/coprocessor/dag"
	"github.com/kvasir-db/copnode/internal/errors"
	"github.com/kvasir-db/copnode/internal/logger"
	"github.com/kvasir-db/copnode/internal/storage"
	"github.com/kvasir-db/copnode/internal/types"
)

// Request is one parsed inbound coprocessor request, transport-independent.
type Request struct {
	Type       int64
	RPCContext types.RPCContext
	Ranges     []types.KeyRange
	Peer       string
	TxnStartTS uint64

	// Data is the type-specific payload (serialized plan, algorithm
	// selector, statistics request)
	Data []byte
}

// StreamResult is one item delivered on a streaming request's channel:
// either a chunk or the terminal error. The channel closes after the last
// item, so a caller never sees a silently truncated stream.
type StreamResult struct {
	Resp *coprocessor.Response
	Err  error
}

// Endpoint is the execution driver (host) for coprocessor tasks.
type Endpoint struct {
	cfg       *config.Config
	eng       storage.Engine
	pool      *ants.Pool
	planCache *lru.Cache[string, *dag.Plan]
	sink      coprocessor.MetricsSink
	log       *logger.Logger
	stopped   atomic.Bool
}

func New(cfg *config.Config, eng storage.Engine, sink coprocessor.MetricsSink, log *logger.Logger) (*Endpoint, error) {
	e := &Endpoint{
		cfg:  cfg,
		eng:  eng,
		sink: sink,
		log:  log,
	}
	if sink == nil {
		e.sink = coprocessor.NopSink{}
	}

	pool, err := ants.NewPool(cfg.Pool.Workers,
		ants.WithNonblocking(false),
		ants.WithMaxBlockingTasks(cfg.Pool.MaxQueuedTasks),
		ants.WithPanicHandler(func(v any) {
			// A handler panic means the dispatch table built a handler
			// whose capability set does not match the invoked mode.
			// That is a defect, not a request failure: log and re-raise.
			log.Error("fatal coprocessor task panic: %v", v)
			panic(v)
		}),
	)
	if err != nil {
		return nil, err
	}
	e.pool = pool

	cacheSize := cfg.Request.PlanCacheSize
	if cacheSize > 0 {
		cache, err := lru.New[string, *dag.Plan](cacheSize)
		if err != nil {
			return nil, err
		}
		e.planCache = cache
	}

	return e, nil
}

// Close stops accepting requests and releases the worker pool.
func (e *Endpoint) Close() {
	if e.stopped.Swap(true) {
		return
	}
	e.pool.Release()
}

// Stats reports scheduling state for the stats command.
func (e *Endpoint) Stats() (running, capacity int) {
	return e.pool.Running(), e.pool.Cap()
}

type unaryResult struct {
	resp *coprocessor.Response
	err  error
}

// Handle executes a unary request: one worker invocation, one response.
// It blocks until the task completes or is rejected at admission.
func (e *Endpoint) Handle(req *Request) (*coprocessor.Response, error) {
	if e.stopped.Load() {
		return nil, errors.ErrServerStopped
	}

	h, rc, err := e.buildHandler(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan unaryResult, 1)
	enqueued := time.Now()
	submitErr := e.pool.Submit(func() {
		var m coprocessor.ExecutorMetrics
		m.WaitDuration = time.Since(enqueued)

		// The real budget is installed only now so that queue wait has
		// already eaten into it.
		rc.SetMaxHandleDuration(e.cfg.Request.MaxHandleDuration)

		started := time.Now()
		resp, err := e.runUnary(h, rc)
		m.HandleDuration = time.Since(started)

		h.CollectMetricsInto(&m)
		e.sink.ReportRequest(rc.Tag, statusLabel(err), &m)
		ch <- unaryResult{resp: resp, err: err}
	})
	if submitErr != nil {
		return nil, mapSubmitError(submitErr)
	}

	r := <-ch
	return r.resp, r.err
}

func (e *Endpoint) runUnary(h coprocessor.Handler, rc *coprocessor.ReqContext) (*coprocessor.Response, error) {
	if err := rc.Deadline.CheckIfExceeded(); err != nil {
		return nil, err
	}
	return h.HandleRequest()
}

// HandleStream executes a streaming request. Chunks are delivered on the
// returned channel in production order; a terminal error, if any, is the
// last item before the channel closes. The immediate error return covers
// admission failures only (busy, stopped, bad request).
func (e *Endpoint) HandleStream(req *Request) (<-chan StreamResult, error) {
	if e.stopped.Load() {
		return nil, errors.ErrServerStopped
	}

	h, rc, err := e.buildHandler(req)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamResult, e.cfg.Request.StreamChannelDepth)
	enqueued := time.Now()
	submitErr := e.pool.Submit(func() {
		defer close(out)

		var m coprocessor.ExecutorMetrics
		m.WaitDuration = time.Since(enqueued)
		rc.SetMaxHandleDuration(e.cfg.Request.MaxHandleDuration)

		started := time.Now()
		finalErr := e.runStream(h, rc, out)
		m.HandleDuration = time.Since(started)

		h.CollectMetricsInto(&m)
		e.sink.ReportRequest(rc.Tag, statusLabel(finalErr), &m)
		if finalErr != nil {
			out <- StreamResult{Err: finalErr}
		}
	})
	if submitErr != nil {
		return nil, mapSubmitError(submitErr)
	}

	return out, nil
}

// runStream drives the step loop. Delivery order matches production order:
// chunks are forwarded one at a time on a bounded channel, which is also the
// suspension point that lets other tasks run between chunks.
func (e *Endpoint) runStream(h coprocessor.Handler, rc *coprocessor.ReqContext, out chan<- StreamResult) error {
	for {
		if err := rc.Deadline.CheckIfExceeded(); err != nil {
			return err
		}

		resp, hasMore, err := h.HandleStreamRequest()
		if err != nil {
			return err
		}
		if resp != nil {
			out <- StreamResult{Resp: resp}
		}
		if resp == nil || !hasMore {
			return nil
		}
	}
}

// buildHandler is the dispatch table: a closed switch over the request type
// code. The capability set of each variant is fixed here, at construction.
func (e *Endpoint) buildHandler(req *Request) (coprocessor.Handler, *coprocessor.ReqContext, error) {
	checkRows := e.cfg.Request.DeadlineCheckRows

	switch req.Type {
	case types.ReqTypeDAG:
		plan, err := e.parsePlan(req.Data)
		if err != nil {
			return nil, nil, err
		}
		desc := plan.Desc
		rc := coprocessor.NewReqContext(coprocessor.TagDAG, req.RPCContext,
			req.Ranges, req.Peer, &desc, req.TxnStartTS)
		h, err := dag.NewHandler(rc, plan, req.Ranges, e.eng, dag.Options{
			ChunkRows:         e.cfg.Request.StreamChunkRows,
			DeadlineCheckRows: checkRows,
		})
		if err != nil {
			return nil, nil, err
		}
		return h, rc, nil

	case types.ReqTypeAnalyze:
		rc := coprocessor.NewReqContext(coprocessor.TagAnalyze, req.RPCContext,
			req.Ranges, req.Peer, nil, req.TxnStartTS)
		h, err := analyze.NewHandler(rc, req.Data, req.Ranges, e.eng, checkRows)
		if err != nil {
			return nil, nil, err
		}
		return h, rc, nil

	case types.ReqTypeChecksum:
		rc := coprocessor.NewReqContext(coprocessor.TagChecksum, req.RPCContext,
			req.Ranges, req.Peer, nil, req.TxnStartTS)
		h, err := checksum.NewHandler(rc, req.Data, req.Ranges, e.eng, checkRows)
		if err != nil {
			return nil, nil, err
		}
		return h, rc, nil
	}

	return nil, nil, errors.ErrUnknownRequestType
}

// parsePlan decodes a DAG plan, consulting the digest-keyed cache first.
// Cached plans are read-only after validation, so sharing them is safe.
func (e *Endpoint) parsePlan(data []byte) (*dag.Plan, error) {
	if e.planCache == nil {
		return dag.ParsePlan(data)
	}

	digest := blake3.Sum256(data)
	key := string(digest[:])
	if plan, ok := e.planCache.Get(key); ok {
		return plan, nil
	}

	plan, err := dag.ParsePlan(data)
	if err != nil {
		return nil, err
	}
	e.planCache.Add(key, plan)
	return plan, nil
}

func mapSubmitError(err error) error {
	if goerrors.Is(err, ants.ErrPoolOverload) {
		return errors.ErrServerBusy
	}
	if goerrors.Is(err, ants.ErrPoolClosed) {
		return errors.ErrServerStopped
	}
	return err
}

func statusLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case coprocessor.IsOutdated(err):
		return "outdated"
	default:
		return "error"
	}
}

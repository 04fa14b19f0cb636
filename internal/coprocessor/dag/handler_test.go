package dag

import (
	"bytes"
	goerrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/kvasir-db/copnode/internal/coprocessor"
	"github.com/kvasir-db/copnode/internal/errors"
	"github.com/kvasir-db/copnode/internal/storage"
	"github.com/kvasir-db/copnode/internal/types"
)

// newTestEngine seeds n rows keyed row:00 .. row:NN, each with cols
// [i, "name-i", even?].
func newTestEngine(t *testing.T, n int) storage.Engine {
	t.Helper()
	eng, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	for i := 0; i < n; i++ {
		value, err := EncodeRowValue(float64(i), fmt.Sprintf("name-%02d", i), i%2 == 0)
		if err != nil {
			t.Fatal(err)
		}
		key := []byte(fmt.Sprintf("row:%02d", i))
		if err := eng.Put(key, value); err != nil {
			t.Fatalf("failed to seed row %d: %v", i, err)
		}
	}
	return eng
}

func newTestCtx(desc bool) *coprocessor.ReqContext {
	rc := coprocessor.NewReqContext(coprocessor.TagDAG, types.RPCContext{}, nil, "", &desc, 0)
	rc.SetMaxHandleDuration(time.Minute)
	return rc
}

func fullRange() []types.KeyRange {
	return []types.KeyRange{{Start: []byte("row:"), End: []byte("row:\xff")}}
}

func mustPlan(t *testing.T, raw string) *Plan {
	t.Helper()
	p, err := ParsePlan([]byte(raw))
	if err != nil {
		t.Fatalf("bad plan: %v", err)
	}
	return p
}

func collectUnary(t *testing.T, h *Handler) *Chunk {
	t.Helper()
	resp, err := h.HandleRequest()
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	data := resp.Data
	if resp.Compressed {
		var derr error
		data, derr = DecompressChunk(data)
		if derr != nil {
			t.Fatalf("decompress: %v", derr)
		}
	}
	chunk, err := DecodeChunk(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return chunk
}

func TestScanUnary(t *testing.T) {
	eng := newTestEngine(t, 5)
	plan := mustPlan(t, `{"executors":[{"type":"scan"}]}`)
	h, err := NewHandler(newTestCtx(false), plan, fullRange(), eng, Options{ChunkRows: 100})
	if err != nil {
		t.Fatal(err)
	}

	chunk := collectUnary(t, h)
	if len(chunk.Rows) != 5 {
		t.Fatalf("got %d rows, want 5", len(chunk.Rows))
	}
	if !bytes.Equal(chunk.Rows[0].Key, []byte("row:00")) {
		t.Errorf("first key = %q, want row:00", chunk.Rows[0].Key)
	}
	if got := chunk.Rows[2].Cols[1]; got != "name-02" {
		t.Errorf("row 2 col 1 = %v, want name-02", got)
	}
}

func TestScanDescendingOrder(t *testing.T) {
	eng := newTestEngine(t, 4)
	plan := mustPlan(t, `{"executors":[{"type":"scan"}],"desc":true}`)
	h, err := NewHandler(newTestCtx(true), plan, fullRange(), eng, Options{ChunkRows: 100})
	if err != nil {
		t.Fatal(err)
	}

	chunk := collectUnary(t, h)
	if len(chunk.Rows) != 4 {
		t.Fatalf("got %d rows, want 4", len(chunk.Rows))
	}
	if !bytes.Equal(chunk.Rows[0].Key, []byte("row:03")) {
		t.Errorf("first key = %q, want row:03", chunk.Rows[0].Key)
	}
	if !bytes.Equal(chunk.Rows[3].Key, []byte("row:00")) {
		t.Errorf("last key = %q, want row:00", chunk.Rows[3].Key)
	}
}

func TestScanMultipleRangesDescending(t *testing.T) {
	eng := newTestEngine(t, 6)
	ranges := []types.KeyRange{
		{Start: []byte("row:00"), End: []byte("row:02")},
		{Start: []byte("row:04"), End: []byte("row:06")},
	}
	plan := mustPlan(t, `{"executors":[{"type":"scan"}],"desc":true}`)
	h, err := NewHandler(newTestCtx(true), plan, ranges, eng, Options{ChunkRows: 100})
	if err != nil {
		t.Fatal(err)
	}

	chunk := collectUnary(t, h)
	want := []string{"row:05", "row:04", "row:01", "row:00"}
	if len(chunk.Rows) != len(want) {
		t.Fatalf("got %d rows, want %d", len(chunk.Rows), len(want))
	}
	for i, k := range want {
		if string(chunk.Rows[i].Key) != k {
			t.Errorf("row %d key = %q, want %q", i, chunk.Rows[i].Key, k)
		}
	}
}

func TestSelectionAndLimit(t *testing.T) {
	eng := newTestEngine(t, 10)
	plan := mustPlan(t, `{"executors":[
		{"type":"scan"},
		{"type":"selection","col":0,"op":"ge","value":4},
		{"type":"limit","limit":3}]}`)
	h, err := NewHandler(newTestCtx(false), plan, fullRange(), eng, Options{ChunkRows: 100})
	if err != nil {
		t.Fatal(err)
	}

	chunk := collectUnary(t, h)
	if len(chunk.Rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(chunk.Rows))
	}
	if chunk.Rows[0].Cols[0] != float64(4) {
		t.Errorf("first matching row = %v, want col0 4", chunk.Rows[0].Cols)
	}
}

func TestSelectionTypeMismatch(t *testing.T) {
	eng := newTestEngine(t, 3)
	plan := mustPlan(t, `{"executors":[
		{"type":"scan"},
		{"type":"selection","col":0,"op":"eq","value":"zero"}]}`)
	h, err := NewHandler(newTestCtx(false), plan, fullRange(), eng, Options{ChunkRows: 100})
	if err != nil {
		t.Fatal(err)
	}

	_, err = h.HandleRequest()
	if !goerrors.Is(err, errors.ErrTypeMismatch) {
		t.Errorf("expected ErrTypeMismatch, got %v", err)
	}
}

func TestAggregations(t *testing.T) {
	eng := newTestEngine(t, 5) // col0: 0,1,2,3,4

	cases := []struct {
		plan string
		want interface{}
	}{
		{`{"executors":[{"type":"scan"},{"type":"aggregation","func":"count"}]}`, float64(5)},
		{`{"executors":[{"type":"scan"},{"type":"aggregation","func":"sum","col":0}]}`, float64(10)},
		{`{"executors":[{"type":"scan"},{"type":"aggregation","func":"min","col":0}]}`, float64(0)},
		{`{"executors":[{"type":"scan"},{"type":"aggregation","func":"max","col":0}]}`, float64(4)},
		{`{"executors":[{"type":"scan"},{"type":"aggregation","func":"min","col":1}]}`, "name-00"},
		{`{"executors":[{"type":"scan"},{"type":"aggregation","func":"max","col":1}]}`, "name-04"},
	}

	for _, tc := range cases {
		h, err := NewHandler(newTestCtx(false), mustPlan(t, tc.plan), fullRange(), eng, Options{ChunkRows: 100})
		if err != nil {
			t.Fatal(err)
		}
		chunk := collectUnary(t, h)
		if len(chunk.Rows) != 1 {
			t.Fatalf("aggregation should produce one row, got %d", len(chunk.Rows))
		}
		if !bytes.Equal(chunk.Rows[0].Key, singleGroupKey) {
			t.Errorf("aggregation row key = %q, want %q", chunk.Rows[0].Key, singleGroupKey)
		}
		if got := chunk.Rows[0].Cols[0]; got != tc.want {
			t.Errorf("plan %s = %v, want %v", tc.plan, got, tc.want)
		}
	}
}

func TestAggregationEmptyRange(t *testing.T) {
	eng := newTestEngine(t, 0)
	plan := mustPlan(t, `{"executors":[{"type":"scan"},{"type":"aggregation","func":"count"}]}`)
	h, err := NewHandler(newTestCtx(false), plan, fullRange(), eng, Options{ChunkRows: 100})
	if err != nil {
		t.Fatal(err)
	}

	chunk := collectUnary(t, h)
	if len(chunk.Rows) != 1 || chunk.Rows[0].Cols[0] != float64(0) {
		t.Errorf("count over empty range = %+v, want single row with 0", chunk.Rows)
	}
}

func TestStreamChunking(t *testing.T) {
	eng := newTestEngine(t, 7)
	plan := mustPlan(t, `{"executors":[{"type":"scan"}]}`)
	h, err := NewHandler(newTestCtx(false), plan, fullRange(), eng, Options{ChunkRows: 3})
	if err != nil {
		t.Fatal(err)
	}

	var sizes []int
	for {
		resp, hasMore, err := h.HandleStreamRequest()
		if err != nil {
			t.Fatalf("stream step: %v", err)
		}
		if resp == nil {
			break
		}
		chunk, err := DecodeChunk(resp.Data)
		if err != nil {
			t.Fatal(err)
		}
		sizes = append(sizes, len(chunk.Rows))
		if !hasMore {
			break
		}
	}

	want := []int{3, 3, 1}
	if len(sizes) != len(want) {
		t.Fatalf("chunk sizes = %v, want %v", sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("chunk sizes = %v, want %v", sizes, want)
		}
	}

	// The stream is done: further steps yield nothing.
	resp, hasMore, err := h.HandleStreamRequest()
	if resp != nil || hasMore || err != nil {
		t.Errorf("exhausted stream step = %v, %v, %v", resp, hasMore, err)
	}
}

func TestStreamConcatenationMatchesUnary(t *testing.T) {
	eng := newTestEngine(t, 10)
	raw := `{"executors":[{"type":"scan"},{"type":"selection","col":0,"op":"ge","value":2}]}`

	unary, err := NewHandler(newTestCtx(false), mustPlan(t, raw), fullRange(), eng, Options{ChunkRows: 100})
	if err != nil {
		t.Fatal(err)
	}
	whole := collectUnary(t, unary)

	stream, err := NewHandler(newTestCtx(false), mustPlan(t, raw), fullRange(), eng, Options{ChunkRows: 3})
	if err != nil {
		t.Fatal(err)
	}
	var joined []RowData
	for {
		resp, hasMore, err := stream.HandleStreamRequest()
		if err != nil {
			t.Fatal(err)
		}
		if resp == nil {
			break
		}
		chunk, err := DecodeChunk(resp.Data)
		if err != nil {
			t.Fatal(err)
		}
		joined = append(joined, chunk.Rows...)
		if !hasMore {
			break
		}
	}

	if len(joined) != len(whole.Rows) {
		t.Fatalf("stream produced %d rows, unary %d", len(joined), len(whole.Rows))
	}
	for i := range joined {
		if !bytes.Equal(joined[i].Key, whole.Rows[i].Key) {
			t.Errorf("row %d key mismatch: %q vs %q", i, joined[i].Key, whole.Rows[i].Key)
		}
	}
}

func TestStreamDeadlineExceededDiscardsStep(t *testing.T) {
	eng := newTestEngine(t, 5)
	plan := mustPlan(t, `{"executors":[{"type":"scan"}]}`)

	desc := false
	rc := coprocessor.NewReqContext(coprocessor.TagDAG, types.RPCContext{}, nil, "", &desc, 0)
	// Placeholder zero budget: the first step must fail outdated.
	h, err := NewHandler(rc, plan, fullRange(), eng, Options{ChunkRows: 2})
	if err != nil {
		t.Fatal(err)
	}

	resp, hasMore, err := h.HandleStreamRequest()
	if resp != nil || hasMore {
		t.Errorf("over-budget step should not deliver a chunk: %v, %v", resp, hasMore)
	}
	if !coprocessor.IsOutdated(err) {
		t.Errorf("expected an outdated error, got %v", err)
	}
}

func TestCompressedResponseRoundTrip(t *testing.T) {
	eng := newTestEngine(t, 4)
	plan := mustPlan(t, `{"executors":[{"type":"scan"}],"compress":true}`)
	h, err := NewHandler(newTestCtx(false), plan, fullRange(), eng, Options{ChunkRows: 100})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := h.HandleRequest()
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Compressed {
		t.Fatal("response should be marked compressed")
	}
	data, err := DecompressChunk(resp.Data)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	chunk, err := DecodeChunk(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunk.Rows) != 4 {
		t.Errorf("got %d rows, want 4", len(chunk.Rows))
	}
}

func TestPlanChunkRowsOverride(t *testing.T) {
	eng := newTestEngine(t, 6)
	plan := mustPlan(t, `{"executors":[{"type":"scan"}],"chunk_rows":2}`)
	h, err := NewHandler(newTestCtx(false), plan, fullRange(), eng, Options{ChunkRows: 100})
	if err != nil {
		t.Fatal(err)
	}

	resp, hasMore, err := h.HandleStreamRequest()
	if err != nil {
		t.Fatal(err)
	}
	if !hasMore {
		t.Fatal("expected more chunks")
	}
	chunk, err := DecodeChunk(resp.Data)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunk.Rows) != 2 {
		t.Errorf("chunk has %d rows, want plan override of 2", len(chunk.Rows))
	}
}

func TestMalformedRowValue(t *testing.T) {
	eng := newTestEngine(t, 2)
	if err := eng.Put([]byte("row:aa"), []byte("{broken")); err != nil {
		t.Fatal(err)
	}
	plan := mustPlan(t, `{"executors":[{"type":"scan"}]}`)
	h, err := NewHandler(newTestCtx(false), plan, fullRange(), eng, Options{ChunkRows: 100})
	if err != nil {
		t.Fatal(err)
	}

	_, err = h.HandleRequest()
	if !goerrors.Is(err, errors.ErrMalformedRow) {
		t.Errorf("expected ErrMalformedRow, got %v", err)
	}
}

func TestCollectMetrics(t *testing.T) {
	eng := newTestEngine(t, 5)
	plan := mustPlan(t, `{"executors":[{"type":"scan"}]}`)
	h, err := NewHandler(newTestCtx(false), plan, fullRange(), eng, Options{ChunkRows: 100})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.HandleRequest(); err != nil {
		t.Fatal(err)
	}

	var m coprocessor.ExecutorMetrics
	h.CollectMetricsInto(&m)
	if m.RowsScanned != 5 {
		t.Errorf("RowsScanned = %d, want 5", m.RowsScanned)
	}
	if m.BytesScanned == 0 {
		t.Error("BytesScanned should be non-zero")
	}
	if m.ChunksProduced != 1 {
		t.Errorf("ChunksProduced = %d, want 1", m.ChunksProduced)
	}
}

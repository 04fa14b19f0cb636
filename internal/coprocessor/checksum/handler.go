// Package checksum computes an aggregate digest over the request's key
// ranges. Always unary: the whole result is one small summary.
package checksum

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"hash/crc64"

	"github.com/zeebo/blake3"

	"github.com/kvasir-db/copnode/internal/coprocessor"
	"github.com/kvasir-db/copnode/internal/errors"
	"github.com/kvasir-db/copnode/internal/storage"
	"github.com/kvasir-db/copnode/internal/types"
)

const (
	AlgoBlake3 = "blake3"
	AlgoCRC64  = "crc64"
)

// request is the type-specific payload. An empty payload selects blake3.
type request struct {
	Algorithm string `json:"algorithm,omitempty"`
}

// Summary is the unary response payload.
type Summary struct {
	Algorithm  string `json:"algorithm"`
	Checksum   string `json:"checksum"`
	TotalKVs   uint64 `json:"total_kvs"`
	TotalBytes uint64 `json:"total_bytes"`
}

// Handler is unary-only; a streaming invocation is a dispatch defect and
// panics via the embedded support marker.
type Handler struct {
	coprocessor.UnarySupport

	ctx       *coprocessor.ReqContext
	ranges    []types.KeyRange
	eng       storage.Engine
	algorithm string
	checkRows int
	metrics   coprocessor.ExecutorMetrics
}

func NewHandler(
	ctx *coprocessor.ReqContext,
	payload []byte,
	ranges []types.KeyRange,
	eng storage.Engine,
	checkRows int,
) (*Handler, error) {
	algo := AlgoBlake3
	if len(payload) > 0 {
		var req request
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrInvalidPlan, err)
		}
		if req.Algorithm != "" {
			algo = req.Algorithm
		}
	}
	switch algo {
	case AlgoBlake3, AlgoCRC64:
	default:
		return nil, fmt.Errorf("%w: unknown checksum algorithm %q", errors.ErrInvalidPlan, algo)
	}
	if checkRows <= 0 {
		checkRows = 4096
	}
	return &Handler{
		ctx:       ctx,
		ranges:    ranges,
		eng:       eng,
		algorithm: algo,
		checkRows: checkRows,
	}, nil
}

func (h *Handler) HandleRequest() (*coprocessor.Response, error) {
	if err := h.ctx.Deadline.CheckIfExceeded(); err != nil {
		return nil, err
	}

	var hasher hash.Hash
	switch h.algorithm {
	case AlgoBlake3:
		hasher = blake3.New()
	case AlgoCRC64:
		hasher = crc64.New(crc64.MakeTable(crc64.ECMA))
	}

	var kvs, totalBytes uint64
	var lenBuf [4]byte

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

			// Length-prefix both parts so (k="ab", v="c") and
			// (k="a", v="bc") digest differently.
			putUint32(lenBuf[:], uint32(len(key)))
			hasher.Write(lenBuf[:])
			hasher.Write(key)
			putUint32(lenBuf[:], uint32(len(value)))
			hasher.Write(lenBuf[:])
			hasher.Write(value)

			kvs++
			totalBytes += uint64(len(key) + len(value))
			h.metrics.RowsScanned++
			h.metrics.BytesScanned += uint64(len(key) + len(value))

			if kvs%uint64(h.checkRows) == 0 {
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

	data, err := json.Marshal(&Summary{
		Algorithm:  h.algorithm,
		Checksum:   hex.EncodeToString(hasher.Sum(nil)),
		TotalKVs:   kvs,
		TotalBytes: totalBytes,
	})
	if err != nil {
		return nil, err
	}
	h.metrics.ChunksProduced++
	return &coprocessor.Response{Data: data}, nil
}

func (h *Handler) CollectMetricsInto(m *coprocessor.ExecutorMetrics) {
	m.Merge(&h.metrics)
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

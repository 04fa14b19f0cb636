package dag

import (
	"encoding/json"

	"github.com/klauspost/compress/zstd"
)

// RowData is the wire form of one result row. Key marshals as base64.
type RowData struct {
	Key  []byte        `json:"key"`
	Cols []interface{} `json:"cols"`
}

// Chunk is the wire form of one response payload.
type Chunk struct {
	Rows []RowData `json:"rows"`
}

func encodeChunk(rows []*Row) ([]byte, error) {
	c := Chunk{Rows: make([]RowData, len(rows))}
	for i, r := range rows {
		c.Rows[i] = RowData{Key: r.Key, Cols: r.Cols}
	}
	return json.Marshal(&c)
}

// DecodeChunk parses a (previously decompressed) chunk payload.
func DecodeChunk(data []byte) (*Chunk, error) {
	var c Chunk
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// EncodeRowValue builds the stored value for a row: a JSON array of scalars.
func EncodeRowValue(cols ...interface{}) ([]byte, error) {
	return json.Marshal(cols)
}

var chunkEncoder, _ = zstd.NewWriter(nil)

// A shared reader that caches decompressors; nil source since DecodeAll
// operates on whole buffers.
var chunkDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))

// CompressChunk zstd-compresses a chunk payload.
func CompressChunk(src []byte) []byte {
	return chunkEncoder.EncodeAll(src, make([]byte, 0, len(src)))
}

// DecompressChunk reverses CompressChunk.
func DecompressChunk(src []byte) ([]byte, error) {
	return chunkDecoder.DecodeAll(src, nil)
}

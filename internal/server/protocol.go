package server

import (
	"encoding/binary"
	"io"

	"github.com/kvasir-db/copnode/internal/errors"
	"github.com/kvasir-db/copnode/internal/types"
)

// Commands accepted on a connection. Cop requests carry the coprocessor
// request type code separately; Put/Get/Delete are admin commands for data
// loading and debugging.
const (
	CmdCopUnary  = 1
	CmdCopStream = 2
	CmdPut       = 3
	CmdDelete    = 4
	CmdGet       = 5
	CmdStats     = 6
)

// Response flag bits.
const (
	flagHasMore    = 1 << 0
	flagCompressed = 1 << 1
)

const (
	requestIDSize = 8
	u64Size       = 8
	u32Size       = 4

	MaxFrameSize = 16 * 1024 * 1024
)

// RequestFrame is one decoded request. For Put the first range start is the
// key and Payload the value; Get/Delete use only the first range start.
type RequestFrame struct {
	RequestID   uint64
	Command     uint8
	ReqType     int64
	RegionID    uint64
	RegionEpoch uint64
	TxnStartTS  uint64
	Ranges      []types.KeyRange
	Payload     []byte
}

// ResponseFrame is one encoded response. Streaming requests produce a frame
// sequence: chunks with HasMore set, then a terminal frame without it.
type ResponseFrame struct {
	RequestID  uint64
	Status     types.Status
	HasMore    bool
	Compressed bool
	ErrMsg     string
	Data       []byte
}

func EncodeRequest(frame *RequestFrame) ([]byte, error) {
	size := requestIDSize + 1 + 4*u64Size + u32Size
	for _, r := range frame.Ranges {
		size += 2*u32Size + len(r.Start) + len(r.End)
	}
	size += u32Size + len(frame.Payload)

	if size > MaxFrameSize {
		return nil, errors.ErrFrameTooLarge
	}

	buf := make([]byte, size)
	offset := 0

	binary.LittleEndian.PutUint64(buf[offset:], frame.RequestID)
	offset += requestIDSize

	buf[offset] = frame.Command
	offset++

	binary.LittleEndian.PutUint64(buf[offset:], uint64(frame.ReqType))
	offset += u64Size
	binary.LittleEndian.PutUint64(buf[offset:], frame.RegionID)
	offset += u64Size
	binary.LittleEndian.PutUint64(buf[offset:], frame.RegionEpoch)
	offset += u64Size
	binary.LittleEndian.PutUint64(buf[offset:], frame.TxnStartTS)
	offset += u64Size

	binary.LittleEndian.PutUint32(buf[offset:], uint32(len(frame.Ranges)))
	offset += u32Size
	for _, r := range frame.Ranges {
		offset += putBytes(buf[offset:], r.Start)
		offset += putBytes(buf[offset:], r.End)
	}

	offset += putBytes(buf[offset:], frame.Payload)

	return buf, nil
}

func DecodeRequest(data []byte) (*RequestFrame, error) {
	const fixed = requestIDSize + 1 + 4*u64Size + u32Size
	if len(data) < fixed {
		return nil, errors.ErrInvalidFrame
	}

	frame := &RequestFrame{}
	offset := 0

	frame.RequestID = binary.LittleEndian.Uint64(data[offset:])
	offset += requestIDSize

	frame.Command = data[offset]
	offset++

	frame.ReqType = int64(binary.LittleEndian.Uint64(data[offset:]))
	offset += u64Size
	frame.RegionID = binary.LittleEndian.Uint64(data[offset:])
	offset += u64Size
	frame.RegionEpoch = binary.LittleEndian.Uint64(data[offset:])
	offset += u64Size
	frame.TxnStartTS = binary.LittleEndian.Uint64(data[offset:])
	offset += u64Size

	rangeCount := binary.LittleEndian.Uint32(data[offset:])
	offset += u32Size
	// Each range needs at least its two length prefixes, so anything beyond
	// this bound cannot fit in the frame.
	if rangeCount > uint32(len(data)/(2*u32Size)) {
		return nil, errors.ErrInvalidFrame
	}

	frame.Ranges = make([]types.KeyRange, rangeCount)
	for i := range frame.Ranges {
		start, n, err := getBytes(data[offset:])
		if err != nil {
			return nil, err
		}
		offset += n
		end, n, err := getBytes(data[offset:])
		if err != nil {
			return nil, err
		}
		offset += n
		frame.Ranges[i] = types.KeyRange{Start: start, End: end}
	}

	payload, n, err := getBytes(data[offset:])
	if err != nil {
		return nil, err
	}
	offset += n
	frame.Payload = payload

	if offset != len(data) {
		return nil, errors.ErrInvalidFrame
	}
	return frame, nil
}

func EncodeResponse(frame *ResponseFrame) ([]byte, error) {
	size := requestIDSize + 2 + u32Size + len(frame.ErrMsg) + u32Size + len(frame.Data)
	if size > MaxFrameSize {
		return nil, errors.ErrFrameTooLarge
	}

	buf := make([]byte, size)
	offset := 0

	binary.LittleEndian.PutUint64(buf[offset:], frame.RequestID)
	offset += requestIDSize

	buf[offset] = byte(frame.Status)
	offset++

	var flags byte
	if frame.HasMore {
		flags |= flagHasMore
	}
	if frame.Compressed {
		flags |= flagCompressed
	}
	buf[offset] = flags
	offset++

	offset += putBytes(buf[offset:], []byte(frame.ErrMsg))
	offset += putBytes(buf[offset:], frame.Data)

	return buf, nil
}

func DecodeResponse(data []byte) (*ResponseFrame, error) {
	if len(data) < requestIDSize+2+2*u32Size {
		return nil, errors.ErrInvalidFrame
	}

	frame := &ResponseFrame{}
	offset := 0

	frame.RequestID = binary.LittleEndian.Uint64(data[offset:])
	offset += requestIDSize

	frame.Status = types.Status(data[offset])
	offset++

	flags := data[offset]
	offset++
	frame.HasMore = flags&flagHasMore != 0
	frame.Compressed = flags&flagCompressed != 0

	errMsg, n, err := getBytes(data[offset:])
	if err != nil {
		return nil, err
	}
	offset += n
	frame.ErrMsg = string(errMsg)

	payload, n, err := getBytes(data[offset:])
	if err != nil {
		return nil, err
	}
	offset += n
	frame.Data = payload

	if offset != len(data) {
		return nil, errors.ErrInvalidFrame
	}
	return frame, nil
}

func putBytes(buf, b []byte) int {
	binary.LittleEndian.PutUint32(buf, uint32(len(b)))
	copy(buf[u32Size:], b)
	return u32Size + len(b)
}

func getBytes(data []byte) ([]byte, int, error) {
	if len(data) < u32Size {
		return nil, 0, errors.ErrInvalidFrame
	}
	n := binary.LittleEndian.Uint32(data)
	if int(n) > len(data)-u32Size {
		return nil, 0, errors.ErrInvalidFrame
	}
	if n == 0 {
		return nil, u32Size, nil
	}
	b := make([]byte, n)
	copy(b, data[u32Size:u32Size+int(n)])
	return b, u32Size + int(n), nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(conn io.Reader) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(lenBuf)
	if length > MaxFrameSize {
		return nil, errors.ErrFrameTooLarge
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(conn io.Writer, data []byte) error {
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(data)))

	if _, err := conn.Write(lenBuf); err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		return err
	}
	return nil
}

// Package client speaks the copnode frame protocol. One client drives one
// connection; calls are serialized, matching the server's per-connection
// request/response ordering.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/kvasir-db/copnode/internal/coprocessor/dag"
	"github.com/kvasir-db/copnode/internal/server"
	"github.com/kvasir-db/copnode/internal/types"
)

var (
	ErrConnectionFailed = errors.New("failed to connect to server")
	ErrRemote           = errors.New("server returned an error")
)

// RemoteError carries the server-side status and message of a failed request.
type RemoteError struct {
	Status types.Status
	Msg    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (status %d): %s", e.Status, e.Msg)
}

func (e *RemoteError) Is(target error) bool { return target == ErrRemote }

type Client struct {
	network   string // "unix" or "tcp"
	addr      string
	conn      net.Conn
	mu        sync.Mutex
	requestID uint64
}

func New(network, addr string) *Client {
	return &Client{
		network:   network,
		addr:      addr,
		requestID: 1,
	}
}

func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}
	conn, err := net.Dial(c.network, c.addr)
	if err != nil {
		return ErrConnectionFailed
	}
	c.conn = conn
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// CopRequest describes one coprocessor call.
type CopRequest struct {
	Type        int64
	Ranges      []types.KeyRange
	Payload     []byte
	RegionID    uint64
	RegionEpoch uint64
	TxnStartTS  uint64
}

// CopUnary executes a unary coprocessor request and returns the response
// payload (decompressed if the server compressed it).
func (c *Client) CopUnary(req *CopRequest) ([]byte, error) {
	resp, err := c.roundTrip(c.frame(server.CmdCopUnary, req))
	if err != nil {
		return nil, err
	}
	return maybeDecompress(resp)
}

func maybeDecompress(resp *server.ResponseFrame) ([]byte, error) {
	if !resp.Compressed {
		return resp.Data, nil
	}
	return dag.DecompressChunk(resp.Data)
}

// CopStream executes a streaming request, invoking fn once per chunk in
// delivery order. It returns after the end-of-stream frame or a terminal
// error; chunks already delivered to fn stand either way.
func (c *Client) CopStream(req *CopRequest, fn func(chunk []byte) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrConnectionFailed
	}

	frame := c.frameLocked(server.CmdCopStream, req)
	if err := c.sendLocked(frame); err != nil {
		return err
	}

	for {
		resp, err := c.recvLocked()
		if err != nil {
			return err
		}
		if resp.Status != types.StatusOK {
			return &RemoteError{Status: resp.Status, Msg: resp.ErrMsg}
		}
		if !resp.HasMore {
			return nil
		}
		chunk, err := maybeDecompress(resp)
		if err != nil {
			return err
		}
		if err := fn(chunk); err != nil {
			return err
		}
	}
}

// Put stores a key-value pair through the admin command.
func (c *Client) Put(key, value []byte) error {
	req := &CopRequest{Ranges: []types.KeyRange{{Start: key}}, Payload: value}
	_, err := c.roundTrip(c.frame(server.CmdPut, req))
	return err
}

// Delete removes a key.
func (c *Client) Delete(key []byte) error {
	req := &CopRequest{Ranges: []types.KeyRange{{Start: key}}}
	_, err := c.roundTrip(c.frame(server.CmdDelete, req))
	return err
}

// Get fetches a single value.
func (c *Client) Get(key []byte) ([]byte, error) {
	req := &CopRequest{Ranges: []types.KeyRange{{Start: key}}}
	resp, err := c.roundTrip(c.frame(server.CmdGet, req))
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Stats fetches the server's stats snapshot.
func (c *Client) Stats() (*types.Stats, error) {
	resp, err := c.roundTrip(c.frame(server.CmdStats, &CopRequest{}))
	if err != nil {
		return nil, err
	}
	var stats types.Stats
	if err := json.Unmarshal(resp.Data, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *Client) frame(cmd uint8, req *CopRequest) *server.RequestFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frameLocked(cmd, req)
}

func (c *Client) frameLocked(cmd uint8, req *CopRequest) *server.RequestFrame {
	id := c.requestID
	c.requestID++
	return &server.RequestFrame{
		RequestID:   id,
		Command:     cmd,
		ReqType:     req.Type,
		RegionID:    req.RegionID,
		RegionEpoch: req.RegionEpoch,
		TxnStartTS:  req.TxnStartTS,
		Ranges:      req.Ranges,
		Payload:     req.Payload,
	}
}

func (c *Client) roundTrip(frame *server.RequestFrame) (*server.ResponseFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, ErrConnectionFailed
	}
	if err := c.sendLocked(frame); err != nil {
		return nil, err
	}
	resp, err := c.recvLocked()
	if err != nil {
		return nil, err
	}
	if resp.Status != types.StatusOK {
		return nil, &RemoteError{Status: resp.Status, Msg: resp.ErrMsg}
	}
	return resp, nil
}

func (c *Client) sendLocked(frame *server.RequestFrame) error {
	data, err := server.EncodeRequest(frame)
	if err != nil {
		return err
	}
	return server.WriteFrame(c.conn, data)
}

func (c *Client) recvLocked() (*server.ResponseFrame, error) {
	data, err := server.ReadFrame(c.conn)
	if err != nil {
		return nil, err
	}
	return server.DecodeResponse(data)
}

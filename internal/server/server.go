// Package server exposes the coprocessor over length-prefixed binary frames
// on a unix socket and optionally TCP. Streaming responses are written as a
// frame sequence terminated by an explicit end-of-stream frame, so the
// client always sees complete data, partial data plus a terminal error, or
// an immediate error.
package server

import (
	goerrors "errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/kvasir-db/copnode/internal/config"
	"github.com/kvasir-db/copnode/internal/coprocessor"
	"github.com/kvasir-db/copnode/internal/coprocessor/endpoint"
	"github.com/kvasir-db/copnode/internal/errors"
	"github.com/kvasir-db/copnode/internal/logger"
	"github.com/kvasir-db/copnode/internal/storage"
	"github.com/kvasir-db/copnode/internal/types"
)

type Server struct {
	cfg      *config.Config
	log      *logger.Logger
	eng      storage.Engine
	endpoint *endpoint.Endpoint

	listeners   []net.Listener
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
	connections map[net.Conn]bool
	connMu      sync.Mutex
	connPool    *ants.Pool // Optional: bounds concurrent connection handlers (nil = unlimited)
}

func New(cfg *config.Config, eng storage.Engine, ep *endpoint.Endpoint, log *logger.Logger) *Server {
	return &Server{
		cfg:         cfg,
		log:         log,
		eng:         eng,
		endpoint:    ep,
		connections: make(map[net.Conn]bool),
	}
}

func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	if s.cfg.Server.SocketPath != "" {
		if err := os.RemoveAll(s.cfg.Server.SocketPath); err != nil {
			s.log.Warn("Failed to remove old socket: %v", err)
		}
		ln, err := net.Listen("unix", s.cfg.Server.SocketPath)
		if err != nil {
			return err
		}
		s.listeners = append(s.listeners, ln)
		s.log.Info("Listening on unix socket %s", s.cfg.Server.SocketPath)
	}

	if s.cfg.Server.EnableTCP {
		ln, err := net.Listen("tcp", s.cfg.Server.TCPAddr)
		if err != nil {
			for _, l := range s.listeners {
				l.Close()
			}
			s.listeners = nil
			return err
		}
		s.listeners = append(s.listeners, ln)
		s.log.Info("Listening on tcp %s", ln.Addr())
	}

	if len(s.listeners) == 0 {
		return errors.ErrServerStopped
	}

	if s.cfg.Server.MaxConnections > 0 {
		connPool, err := ants.NewPool(s.cfg.Server.MaxConnections, ants.WithPanicHandler(func(v any) {
			s.log.Error("Connection handler panic: %v", v)
		}))
		if err == nil {
			s.connPool = connPool
		}
	}

	s.running = true
	for _, ln := range s.listeners {
		s.wg.Add(1)
		go s.acceptLoop(ln)
	}
	return nil
}

func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.mu.Unlock()

	// Close active connections to unblock pending reads
	s.connMu.Lock()
	for conn := range s.connections {
		conn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()

	if s.connPool != nil {
		_ = s.connPool.ReleaseTimeout(3 * time.Second)
		s.connPool = nil
	}

	s.log.Info("Server stopped")
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()
			if !running {
				return
			}
			s.log.Error("Accept error: %v", err)
			continue
		}

		s.connMu.Lock()
		s.connections[conn] = true
		s.connMu.Unlock()

		s.wg.Add(1)
		if s.connPool != nil {
			conn := conn
			if err := s.connPool.Submit(func() {
				defer s.wg.Done()
				s.handleConnection(conn)
			}); err != nil {
				s.wg.Done()
				conn.Close()
				s.connMu.Lock()
				delete(s.connections, conn)
				s.connMu.Unlock()
				s.log.Error("Failed to submit connection handler: %v", err)
			}
		} else {
			go func() {
				defer s.wg.Done()
				s.handleConnection(conn)
			}()
		}
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		conn.Close()
		s.connMu.Lock()
		delete(s.connections, conn)
		s.connMu.Unlock()
	}()

	traceID := ""
	if s.cfg.Server.DebugMode {
		traceID = uuid.NewString()
		s.log.Debug("conn %s: accepted from %s", traceID, conn.RemoteAddr())
	}

	for {
		data, err := ReadFrame(conn)
		if err != nil {
			if !goerrors.Is(err, net.ErrClosed) {
				s.log.Debug("Connection closed: %v", err)
			}
			return
		}

		frame, err := DecodeRequest(data)
		if err != nil {
			s.log.Error("Failed to decode request: %v", err)
			return
		}

		if s.cfg.Server.DebugMode {
			s.log.Debug("conn %s: req=%d cmd=%d type=%d ranges=%d",
				traceID, frame.RequestID, frame.Command, frame.ReqType, len(frame.Ranges))
		}

		if err := s.dispatch(conn, frame); err != nil {
			s.log.Error("Failed to write response: %v", err)
			return
		}
	}
}

// dispatch executes one request frame and writes its response frame(s).
// The returned error is a transport failure; request-level errors travel
// inside the response.
func (s *Server) dispatch(conn net.Conn, frame *RequestFrame) error {
	switch frame.Command {
	case CmdCopUnary:
		resp, err := s.endpoint.Handle(s.copRequest(conn, frame))
		return s.writeResponse(conn, unaryFrame(frame.RequestID, resp, err))

	case CmdCopStream:
		return s.dispatchStream(conn, frame)

	case CmdPut:
		if len(frame.Ranges) == 0 {
			return s.writeResponse(conn, errorFrame(frame.RequestID, errors.ErrInvalidFrame))
		}
		err := s.eng.Put(frame.Ranges[0].Start, frame.Payload)
		return s.writeResponse(conn, unaryFrame(frame.RequestID, nil, err))

	case CmdDelete:
		if len(frame.Ranges) == 0 {
			return s.writeResponse(conn, errorFrame(frame.RequestID, errors.ErrInvalidFrame))
		}
		err := s.eng.Delete(frame.Ranges[0].Start)
		return s.writeResponse(conn, unaryFrame(frame.RequestID, nil, err))

	case CmdGet:
		if len(frame.Ranges) == 0 {
			return s.writeResponse(conn, errorFrame(frame.RequestID, errors.ErrInvalidFrame))
		}
		value, err := s.eng.Get(frame.Ranges[0].Start)
		if err != nil {
			return s.writeResponse(conn, errorFrame(frame.RequestID, err))
		}
		return s.writeResponse(conn, &ResponseFrame{
			RequestID: frame.RequestID,
			Status:    types.StatusOK,
			Data:      value,
		})

	case CmdStats:
		return s.dispatchStats(conn, frame)
	}

	return s.writeResponse(conn, errorFrame(frame.RequestID, errors.ErrUnknownCommand))
}

func (s *Server) dispatchStream(conn net.Conn, frame *RequestFrame) error {
	ch, err := s.endpoint.HandleStream(s.copRequest(conn, frame))
	if err != nil {
		return s.writeResponse(conn, errorFrame(frame.RequestID, err))
	}

	for item := range ch {
		if item.Err != nil {
			return s.writeResponse(conn, errorFrame(frame.RequestID, item.Err))
		}
		out := &ResponseFrame{
			RequestID:  frame.RequestID,
			Status:     types.StatusOK,
			HasMore:    true,
			Compressed: item.Resp.Compressed,
			Data:       item.Resp.Data,
		}
		if err := s.writeResponse(conn, out); err != nil {
			// Transport broke mid-stream; drain so the task finishes.
			for range ch {
			}
			return err
		}
	}

	// Explicit end-of-stream signal.
	return s.writeResponse(conn, &ResponseFrame{
		RequestID: frame.RequestID,
		Status:    types.StatusOK,
	})
}

func (s *Server) dispatchStats(conn net.Conn, frame *RequestFrame) error {
	keys, err := s.eng.Count()
	if err != nil {
		return s.writeResponse(conn, errorFrame(frame.RequestID, err))
	}
	running, capacity := s.endpoint.Stats()
	stats := types.Stats{
		Keys:           keys,
		RunningTasks:   running,
		WorkerCapacity: capacity,
		DataPath:       s.cfg.DataDir,
	}
	data, err := encodeStats(&stats)
	if err != nil {
		return s.writeResponse(conn, errorFrame(frame.RequestID, err))
	}
	return s.writeResponse(conn, &ResponseFrame{
		RequestID: frame.RequestID,
		Status:    types.StatusOK,
		Data:      data,
	})
}

func (s *Server) copRequest(conn net.Conn, frame *RequestFrame) *endpoint.Request {
	peer := ""
	if addr := conn.RemoteAddr(); addr != nil {
		peer = addr.String()
	}
	return &endpoint.Request{
		Type: frame.ReqType,
		RPCContext: types.RPCContext{
			RegionID:    frame.RegionID,
			RegionEpoch: frame.RegionEpoch,
		},
		Ranges:     frame.Ranges,
		Peer:       peer,
		TxnStartTS: frame.TxnStartTS,
		Data:       frame.Payload,
	}
}

func (s *Server) writeResponse(conn net.Conn, frame *ResponseFrame) error {
	data, err := EncodeResponse(frame)
	if err != nil {
		return err
	}
	return WriteFrame(conn, data)
}

func unaryFrame(reqID uint64, resp *coprocessor.Response, err error) *ResponseFrame {
	if err != nil {
		return errorFrame(reqID, err)
	}
	out := &ResponseFrame{RequestID: reqID, Status: types.StatusOK}
	if resp != nil {
		out.Data = resp.Data
		out.Compressed = resp.Compressed
	}
	return out
}

func errorFrame(reqID uint64, err error) *ResponseFrame {
	frame := &ResponseFrame{
		RequestID: reqID,
		Status:    statusForError(err),
		ErrMsg:    err.Error(),
	}
	return frame
}

func statusForError(err error) types.Status {
	switch {
	case coprocessor.IsOutdated(err):
		return types.StatusOutdated
	case err == errors.ErrServerBusy:
		return types.StatusBusy
	case err == errors.ErrKeyNotFound:
		return types.StatusNotFound
	default:
		return types.StatusError
	}
}

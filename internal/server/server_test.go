package server_test

import (
	"bytes"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kvasir-db/copnode/internal/config"
	"github.com/kvasir-db/copnode/internal/coprocessor/dag"
	"github.com/kvasir-db/copnode/internal/coprocessor/endpoint"
	"github.com/kvasir-db/copnode/internal/logger"
	"github.com/kvasir-db/copnode/internal/server"
	"github.com/kvasir-db/copnode/internal/storage"
	"github.com/kvasir-db/copnode/internal/types"
	"github.com/kvasir-db/copnode/pkg/client"
)

func startTestServer(t *testing.T) (*client.Client, storage.Engine) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Server.SocketPath = filepath.Join(t.TempDir(), "copnode.sock")
	cfg.Server.EnableTCP = false
	cfg.Pool.Workers = 2
	cfg.Request.MaxHandleDuration = time.Minute
	cfg.Request.StreamChunkRows = 3

	eng, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { eng.Close() })

	ep, err := endpoint.New(cfg, eng, nil, logger.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ep.Close)

	srv := server.New(cfg, eng, ep, logger.Default())
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	c := client.New("unix", cfg.Server.SocketPath)
	if err := c.Connect(); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	return c, eng
}

func seedRows(t *testing.T, c *client.Client, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		value, err := dag.EncodeRowValue(float64(i), fmt.Sprintf("name-%02d", i))
		if err != nil {
			t.Fatal(err)
		}
		if err := c.Put([]byte(fmt.Sprintf("row:%02d", i)), value); err != nil {
			t.Fatalf("put row %d: %v", i, err)
		}
	}
}

func fullRange() []types.KeyRange {
	return []types.KeyRange{{Start: []byte("row:"), End: []byte("row:\xff")}}
}

func TestAdminCommands(t *testing.T) {
	c, _ := startTestServer(t)

	if err := c.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	value, err := c.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(value) != "v" {
		t.Errorf("value = %q, want v", value)
	}

	if err := c.Delete([]byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err = c.Get([]byte("k"))
	if !goerrors.Is(err, client.ErrRemote) {
		t.Fatalf("expected a remote error for missing key, got %v", err)
	}
	var remote *client.RemoteError
	if !goerrors.As(err, &remote) || remote.Status != types.StatusNotFound {
		t.Errorf("missing key should map to StatusNotFound, got %v", err)
	}
}

func TestCopUnaryOverSocket(t *testing.T) {
	c, _ := startTestServer(t)
	seedRows(t, c, 5)

	plan := `{"executors":[{"type":"scan"},{"type":"aggregation","func":"sum","col":0}]}`
	data, err := c.CopUnary(&client.CopRequest{
		Type:    types.ReqTypeDAG,
		Ranges:  fullRange(),
		Payload: []byte(plan),
	})
	if err != nil {
		t.Fatalf("CopUnary: %v", err)
	}

	chunk, err := dag.DecodeChunk(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunk.Rows) != 1 || chunk.Rows[0].Cols[0] != float64(10) {
		t.Errorf("sum = %+v, want single row with 10", chunk.Rows)
	}
}

func TestCopStreamOverSocket(t *testing.T) {
	c, _ := startTestServer(t)
	seedRows(t, c, 7)

	var keys []string
	chunks := 0
	err := c.CopStream(&client.CopRequest{
		Type:    types.ReqTypeDAG,
		Ranges:  fullRange(),
		Payload: []byte(`{"executors":[{"type":"scan"}]}`),
	}, func(chunkData []byte) error {
		chunks++
		chunk, err := dag.DecodeChunk(chunkData)
		if err != nil {
			return err
		}
		for _, row := range chunk.Rows {
			keys = append(keys, string(row.Key))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("CopStream: %v", err)
	}

	if chunks != 3 {
		t.Errorf("chunks = %d, want 3 with chunk size 3 over 7 rows", chunks)
	}
	if len(keys) != 7 {
		t.Fatalf("rows = %d, want 7", len(keys))
	}
	for i, k := range keys {
		want := fmt.Sprintf("row:%02d", i)
		if k != want {
			t.Errorf("row %d key = %q, want %q", i, k, want)
		}
	}
}

func TestCopStreamCompressedChunks(t *testing.T) {
	c, _ := startTestServer(t)
	seedRows(t, c, 5)

	rows := 0
	err := c.CopStream(&client.CopRequest{
		Type:    types.ReqTypeDAG,
		Ranges:  fullRange(),
		Payload: []byte(`{"executors":[{"type":"scan"}],"compress":true}`),
	}, func(chunkData []byte) error {
		chunk, err := dag.DecodeChunk(chunkData)
		if err != nil {
			return err
		}
		rows += len(chunk.Rows)
		return nil
	})
	if err != nil {
		t.Fatalf("CopStream: %v", err)
	}
	if rows != 5 {
		t.Errorf("rows = %d, want 5", rows)
	}
}

func TestChecksumAndAnalyzeOverSocket(t *testing.T) {
	c, _ := startTestServer(t)
	seedRows(t, c, 4)

	data, err := c.CopUnary(&client.CopRequest{
		Type:   types.ReqTypeChecksum,
		Ranges: fullRange(),
	})
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	var cs struct {
		TotalKVs uint64 `json:"total_kvs"`
	}
	if err := json.Unmarshal(data, &cs); err != nil {
		t.Fatal(err)
	}
	if cs.TotalKVs != 4 {
		t.Errorf("TotalKVs = %d, want 4", cs.TotalKVs)
	}

	data, err = c.CopUnary(&client.CopRequest{
		Type:   types.ReqTypeAnalyze,
		Ranges: fullRange(),
	})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	var an struct {
		Rows uint64 `json:"rows"`
	}
	if err := json.Unmarshal(data, &an); err != nil {
		t.Fatal(err)
	}
	if an.Rows != 4 {
		t.Errorf("Rows = %d, want 4", an.Rows)
	}
}

func TestUnknownRequestTypeOverSocket(t *testing.T) {
	c, _ := startTestServer(t)

	_, err := c.CopUnary(&client.CopRequest{Type: 999, Ranges: fullRange()})
	var remote *client.RemoteError
	if !goerrors.As(err, &remote) {
		t.Fatalf("expected a remote error, got %v", err)
	}
	if remote.Status != types.StatusError {
		t.Errorf("status = %d, want StatusError", remote.Status)
	}
}

func TestStatsOverSocket(t *testing.T) {
	c, _ := startTestServer(t)
	seedRows(t, c, 3)

	stats, err := c.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Keys != 3 {
		t.Errorf("Keys = %d, want 3", stats.Keys)
	}
	if stats.WorkerCapacity != 2 {
		t.Errorf("WorkerCapacity = %d, want 2", stats.WorkerCapacity)
	}
}

func TestShutdownClosesConnectionsQuietly(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.SocketPath = filepath.Join(t.TempDir(), "copnode.sock")
	cfg.Server.EnableTCP = false
	cfg.Pool.Workers = 1

	eng, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	var buf bytes.Buffer
	log := logger.New(&buf, logger.LevelDebug, "[copnode]")

	ep, err := endpoint.New(cfg, eng, nil, log)
	if err != nil {
		t.Fatal(err)
	}
	defer ep.Close()

	srv := server.New(cfg, eng, ep, log)
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}

	c := client.New("unix", cfg.Server.SocketPath)
	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}

	// Stop closes the idle connection server-side; that is routine teardown,
	// not a connection error worth a log line.
	if err := srv.Stop(); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(buf.String(), "Connection closed") {
		t.Errorf("shutdown close was logged as a connection error:\n%s", buf.String())
	}
}

func TestMultipleRequestsOneConnection(t *testing.T) {
	c, _ := startTestServer(t)
	seedRows(t, c, 3)

	for i := 0; i < 5; i++ {
		data, err := c.CopUnary(&client.CopRequest{
			Type:    types.ReqTypeDAG,
			Ranges:  fullRange(),
			Payload: []byte(`{"executors":[{"type":"scan"},{"type":"aggregation","func":"count"}]}`),
		})
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		chunk, err := dag.DecodeChunk(data)
		if err != nil {
			t.Fatal(err)
		}
		if chunk.Rows[0].Cols[0] != float64(3) {
			t.Errorf("request %d count = %v, want 3", i, chunk.Rows[0].Cols[0])
		}
	}
}

// copsh is an interactive shell for a running copnode server. It speaks the
// frame protocol through the client package and builds coprocessor plans from
// simple commands, which makes it useful for loading data and poking at query
// behavior without writing a program.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/kvasir-db/copnode/internal/coprocessor/dag"
	"github.com/kvasir-db/copnode/internal/types"
	"github.com/kvasir-db/copnode/pkg/client"
)

const helpText = `Commands:
  put <key> <json-array>          store a row, e.g. put user:1 [1,"alice",true]
  get <key>                       fetch a raw row
  del <key>                       delete a row
  scan <start> <end> [desc]       stream rows in [start, end); "-" = unbounded end
  count <start> <end>             row count over the range
  sum|min|max <col> <start> <end> aggregate column <col> over the range
  checksum <start> <end> [algo]   range digest (blake3 or crc64)
  analyze <start> <end>           per-column statistics over the range
  stats                           server snapshot
  help                            this text
  exit                            quit`

func main() {
	socketPath := flag.String("socket", "/tmp/copnode.sock", "Unix socket path")
	tcpAddr := flag.String("tcp-addr", "", "Connect over TCP instead of the unix socket")
	flag.Parse()

	network, addr := "unix", *socketPath
	if *tcpAddr != "" {
		network, addr = "tcp", *tcpAddr
	}

	c := client.New(network, addr)
	if err := c.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to %s: %v\n", addr, err)
		os.Exit(1)
	}
	defer c.Close()

	fmt.Printf("copsh connected to %s\nType 'help' for commands.\n", addr)

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	historyPath := filepath.Join(os.TempDir(), ".copsh_history")
	if f, err := os.Open(historyPath); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyPath); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	for {
		input, err := line.Prompt("> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println()
				return
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
			return
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if input == "exit" || input == "quit" {
			return
		}
		if err := execute(c, input); err != nil {
			fmt.Printf("ERROR: %v\n", err)
		}
	}
}

func execute(c *client.Client, input string) error {
	fields := strings.Fields(input)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help":
		fmt.Println(helpText)
		return nil

	case "put":
		if len(args) < 2 {
			return fmt.Errorf("usage: put <key> <json-array>")
		}
		value := strings.TrimSpace(strings.TrimPrefix(input, "put "+args[0]))
		var cols []interface{}
		if err := json.Unmarshal([]byte(value), &cols); err != nil {
			return fmt.Errorf("value must be a JSON array: %v", err)
		}
		if err := c.Put([]byte(args[0]), []byte(value)); err != nil {
			return err
		}
		fmt.Println("OK")
		return nil

	case "get":
		if len(args) != 1 {
			return fmt.Errorf("usage: get <key>")
		}
		value, err := c.Get([]byte(args[0]))
		if err != nil {
			return err
		}
		fmt.Println(string(value))
		return nil

	case "del":
		if len(args) != 1 {
			return fmt.Errorf("usage: del <key>")
		}
		if err := c.Delete([]byte(args[0])); err != nil {
			return err
		}
		fmt.Println("OK")
		return nil

	case "scan":
		if len(args) < 2 {
			return fmt.Errorf("usage: scan <start> <end> [desc]")
		}
		desc := len(args) > 2 && args[2] == "desc"
		return runScan(c, args[0], args[1], desc)

	case "count":
		if len(args) != 2 {
			return fmt.Errorf("usage: count <start> <end>")
		}
		return runAggregate(c, dag.AggCount, 0, args[0], args[1])

	case "sum", "min", "max":
		if len(args) != 3 {
			return fmt.Errorf("usage: %s <col> <start> <end>", cmd)
		}
		col, err := strconv.Atoi(args[0])
		if err != nil || col < 0 {
			return fmt.Errorf("column index must be a non-negative integer")
		}
		return runAggregate(c, cmd, col, args[1], args[2])

	case "checksum":
		if len(args) < 2 {
			return fmt.Errorf("usage: checksum <start> <end> [algo]")
		}
		payload := []byte(nil)
		if len(args) > 2 {
			payload, _ = json.Marshal(map[string]string{"algorithm": args[2]})
		}
		return runUnary(c, types.ReqTypeChecksum, args[0], args[1], payload)

	case "analyze":
		if len(args) != 2 {
			return fmt.Errorf("usage: analyze <start> <end>")
		}
		return runUnary(c, types.ReqTypeAnalyze, args[0], args[1], nil)

	case "stats":
		stats, err := c.Stats()
		if err != nil {
			return err
		}
		fmt.Printf("keys: %d\nrunning tasks: %d\nworker capacity: %d\ndata path: %s\n",
			stats.Keys, stats.RunningTasks, stats.WorkerCapacity, stats.DataPath)
		return nil
	}

	return fmt.Errorf("unknown command %q, try 'help'", cmd)
}

func makeRange(start, end string) types.KeyRange {
	r := types.KeyRange{Start: []byte(start)}
	if end != "-" {
		r.End = []byte(end)
	}
	return r
}

func runScan(c *client.Client, start, end string, desc bool) error {
	plan, _ := json.Marshal(&dag.Plan{
		Executors: []dag.ExecutorSpec{{Type: dag.ExecScan}},
		Desc:      desc,
	})
	req := &client.CopRequest{
		Type:    types.ReqTypeDAG,
		Ranges:  []types.KeyRange{makeRange(start, end)},
		Payload: plan,
	}

	rows := 0
	err := c.CopStream(req, func(chunk []byte) error {
		decoded, err := dag.DecodeChunk(chunk)
		if err != nil {
			return err
		}
		for _, row := range decoded.Rows {
			cols, _ := json.Marshal(row.Cols)
			fmt.Printf("%s\t%s\n", row.Key, cols)
			rows++
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("(%d rows)\n", rows)
	return nil
}

func runAggregate(c *client.Client, fn string, col int, start, end string) error {
	plan, _ := json.Marshal(&dag.Plan{
		Executors: []dag.ExecutorSpec{
			{Type: dag.ExecScan},
			{Type: dag.ExecAggregation, Func: fn, Col: col},
		},
	})
	req := &client.CopRequest{
		Type:    types.ReqTypeDAG,
		Ranges:  []types.KeyRange{makeRange(start, end)},
		Payload: plan,
	}
	data, err := c.CopUnary(req)
	if err != nil {
		return err
	}
	chunk, err := dag.DecodeChunk(data)
	if err != nil {
		return err
	}
	if len(chunk.Rows) == 0 || len(chunk.Rows[0].Cols) == 0 {
		fmt.Println("(no result)")
		return nil
	}
	out, _ := json.Marshal(chunk.Rows[0].Cols[0])
	fmt.Println(string(out))
	return nil
}

func runUnary(c *client.Client, reqType int64, start, end string, payload []byte) error {
	req := &client.CopRequest{
		Type:    reqType,
		Ranges:  []types.KeyRange{makeRange(start, end)},
		Payload: payload,
	}
	data, err := c.CopUnary(req)
	if err != nil {
		return err
	}

	// Summaries are JSON; pretty-print them.
	var pretty map[string]interface{}
	if err := json.Unmarshal(data, &pretty); err != nil {
		fmt.Println(string(data))
		return nil
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
	return nil
}

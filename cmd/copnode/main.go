package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kvasir-db/copnode/internal/config"
	"github.com/kvasir-db/copnode/internal/coprocessor"
	"github.com/kvasir-db/copnode/internal/coprocessor/endpoint"
	"github.com/kvasir-db/copnode/internal/logger"
	"github.com/kvasir-db/copnode/internal/metrics"
	"github.com/kvasir-db/copnode/internal/server"
	"github.com/kvasir-db/copnode/internal/storage"
)

func main() {
	dataDir := flag.String("data-dir", "", "Directory for database files")
	socketPath := flag.String("socket", "", "Unix socket path")
	enableTCP := flag.Bool("tcp", false, "Also listen on TCP")
	tcpAddr := flag.String("tcp-addr", "", "TCP listen address")
	workers := flag.Int("workers", 0, "Coprocessor worker count (0 = NumCPU)")
	debugMode := flag.Bool("debug", false, "Enable request flow logging with trace IDs")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus listen address (enables metrics)")
	flag.Parse()

	logr := logger.Default()

	cfg := config.DefaultConfig()
	if err := config.LoadEnv(cfg); err != nil {
		logr.Fatal("Failed to load config from environment: %v", err)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *socketPath != "" {
		cfg.Server.SocketPath = *socketPath
	}
	if *enableTCP {
		cfg.Server.EnableTCP = true
	}
	if *tcpAddr != "" {
		cfg.Server.TCPAddr = *tcpAddr
	}
	if *workers > 0 {
		cfg.Pool.Workers = *workers
	}
	if *debugMode {
		cfg.Server.DebugMode = true
		logr.SetLevel(logger.LevelDebug)
	}
	if *metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = *metricsAddr
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logr.Fatal("Failed to create data directory: %v", err)
	}

	eng, err := storage.Open(filepath.Join(cfg.DataDir, "copnode.db"))
	if err != nil {
		logr.Fatal("Failed to open storage engine: %v", err)
	}

	var sink coprocessor.MetricsSink
	if cfg.Metrics.Enabled {
		sink = metrics.NewCollector(prometheus.DefaultRegisterer)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logr.Info("Metrics listening on %s", cfg.Metrics.Addr)
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				logr.Error("Metrics listener failed: %v", err)
			}
		}()
	}

	ep, err := endpoint.New(cfg, eng, sink, logr)
	if err != nil {
		logr.Fatal("Failed to create endpoint: %v", err)
	}

	srv := server.New(cfg, eng, ep, logr)
	if err := srv.Start(); err != nil {
		logr.Fatal("Failed to start server: %v", err)
	}

	logr.Info("copnode started, data dir %s", cfg.DataDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logr.Info("Received signal %v, shutting down", sig)

	srv.Stop()
	ep.Close()
	if err := eng.Close(); err != nil {
		logr.Error("Failed to close engine: %v", err)
	}
	logr.Info("Shutdown complete")
}

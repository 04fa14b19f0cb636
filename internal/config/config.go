package config

import (
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	DataDir string

	Server  ServerConfig
	Pool    PoolConfig
	Request RequestConfig
	Metrics MetricsConfig
}

type ServerConfig struct {
	SocketPath     string // Unix socket path (empty = disabled)
	EnableTCP      bool
	TCPAddr        string
	MaxConnections int  // Max concurrent connection handlers (0 = unlimited)
	DebugMode      bool // Log per-request flow with a connection trace ID
}

type PoolConfig struct {
	Workers        int // Number of coprocessor workers (0 = NumCPU)
	MaxQueuedTasks int // Tasks allowed to wait for a worker before busy rejection
}

type RequestConfig struct {
	// MaxHandleDuration is the total budget per request, counted from the
	// moment the request context is created. Queue wait eats into it.
	MaxHandleDuration time.Duration

	StreamChunkRows    int // Rows per streamed chunk
	StreamChannelDepth int // Chunks buffered between driver and transport
	PlanCacheSize      int // Parsed DAG plans kept in the LRU cache
	DeadlineCheckRows  int // Rows scanned between mid-chunk deadline checks
}

type MetricsConfig struct {
	Enabled bool
	Addr    string // Listen address for the Prometheus endpoint
}

func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data",
		Server: ServerConfig{
			SocketPath:     "/tmp/copnode.sock",
			EnableTCP:      false,
			TCPAddr:        "127.0.0.1:20180",
			MaxConnections: 0,
			DebugMode:      false,
		},
		Pool: PoolConfig{
			Workers:        runtime.NumCPU(),
			MaxQueuedTasks: 1024,
		},
		Request: RequestConfig{
			MaxHandleDuration:  60 * time.Second,
			StreamChunkRows:    1024,
			StreamChannelDepth: 4,
			PlanCacheSize:      256,
			DeadlineCheckRows:  4096,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:20181",
		},
	}
}

// LoadEnv overlays COPNODE_* environment variables onto cfg.
// COPNODE_POOL_WORKERS=8 maps to pool.workers, and so on.
func LoadEnv(cfg *Config) error {
	return loadEnvPrefix(cfg, "COPNODE_")
}

func loadEnvPrefix(cfg *Config, prefix string) error {
	v := viper.New()

	for _, envStr := range os.Environ() {
		pair := strings.SplitN(envStr, "=", 2)
		key, value := pair[0], pair[1]

		if !strings.HasPrefix(key, prefix) {
			continue
		}

		propKey := strings.TrimPrefix(key, prefix)
		propKey = strings.ToLower(strings.ReplaceAll(propKey, "_", "."))
		propKey = strings.TrimPrefix(propKey, ".")
		v.Set(propKey, value)
	}

	return v.Unmarshal(cfg)
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds all configuration for a vinz-dynamo node.
type Config struct {
	// Node identity
	NodeID  string `json:"node_id"`
	Address string `json:"address"`
	Port    int    `json:"port"`

	// Cluster bootstrap
	Join string `json:"join,omitempty"` // address of an existing member to gossip-join through

	// Storage configuration
	DataDir    string `json:"data_dir"`
	Persistent bool   `json:"persistent"` // not consulted: storage is always Bitcask-backed
	SyncWrites bool   `json:"sync_writes"`

	// Ring configuration
	NumPartitions     int  `json:"num_partitions"`
	ReplicationFactor int  `json:"replication_factor"` // N
	ReadQuorum        int  `json:"read_quorum"`        // R
	WriteQuorum       int  `json:"write_quorum"`       // W
	Claim             *int `json:"claim,omitempty"`    // desired partition count; nil = even share

	// Concurrency
	WorkerPoolSize int `json:"worker_pool_size"`

	// Gossip protocol
	GossipInterval time.Duration `json:"gossip_interval"`

	// Handoff
	HandoffChunkBytes  int           `json:"handoff_chunk_bytes"`
	HandoffSweepPeriod time.Duration `json:"handoff_sweep_period"`

	// Timeouts
	RequestTimeout time.Duration `json:"request_timeout"`

	// Rate limiting on /store/*
	RateLimitPerSecond float64 `json:"rate_limit_per_second"`
	RateLimitBurst     int     `json:"rate_limit_burst"`

	// Observability
	LogFile    string `json:"log_file,omitempty"`
	LogLevel   string `json:"log_level"`
	MetricsBindAddress string `json:"metrics_bind_address,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults, matching
// the upstream design's defaults (N=3, 1024 partitions, a 10-worker pool,
// 30 second gossip interval).
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		NodeID:             hostname,
		Address:            "127.0.0.1",
		Port:               8080,
		DataDir:            "./data",
		Persistent:         true,
		SyncWrites:         false,
		NumPartitions:      1024,
		ReplicationFactor:  3,
		ReadQuorum:         2,
		WriteQuorum:        2,
		WorkerPoolSize:     10,
		GossipInterval:     30 * time.Second,
		HandoffChunkBytes:  1 << 20, // 1 MiB
		HandoffSweepPeriod: 30 * time.Second,
		RequestTimeout:     5 * time.Second,
		RateLimitPerSecond: 500,
		RateLimitBurst:     1000,
		LogLevel:           "info",
	}
}

// Validate checks if the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.NumPartitions < 1 {
		return fmt.Errorf("num_partitions must be at least 1")
	}
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("replication_factor must be at least 1")
	}
	if c.ReadQuorum < 1 || c.ReadQuorum > c.ReplicationFactor {
		return fmt.Errorf("read_quorum must be between 1 and replication_factor")
	}
	if c.WriteQuorum < 1 || c.WriteQuorum > c.ReplicationFactor {
		return fmt.Errorf("write_quorum must be between 1 and replication_factor")
	}
	if c.WriteQuorum+c.ReadQuorum <= c.ReplicationFactor {
		fmt.Fprintf(os.Stderr, "warning: W(%d) + R(%d) <= N(%d), eventual consistency mode\n",
			c.WriteQuorum, c.ReadQuorum, c.ReplicationFactor)
	}
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("worker_pool_size must be at least 1")
	}
	return nil
}

// LoadFromFile loads configuration from a JSON file, overlaying it on
// DefaultConfig so omitted fields keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// SaveToFile saves the configuration to a JSON file.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// FullAddress returns the complete HTTP bind address.
func (c *Config) FullAddress() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

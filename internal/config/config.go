// Package config loads the master's YAML configuration file, following the
// teacher's internal/cli.Config nested-struct-with-yaml-tags pattern,
// generalized from job-queue fields (worker_count, wal.dir, snapshot.*) to
// this system's HTTP transport, journal, worker liveness, and metrics
// fields.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete master configuration, loaded from a single YAML
// file named by the CLI's --config flag.
type Config struct {
	HTTP struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"http"`

	Journal struct {
		Dir string `yaml:"dir"`
	} `yaml:"journal"`

	Worker struct {
		HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
		ReapInterval     time.Duration `yaml:"reap_interval"`
		MaxAttempts      int           `yaml:"max_attempts"`
		RPCTimeout       time.Duration `yaml:"rpc_timeout"`
	} `yaml:"worker"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// Default returns the configuration used when no file is supplied,
// matching the values spec.md fixes for worker liveness (30s heartbeat
// timeout, 30s reap interval) and error handling (3 retry attempts).
func Default() *Config {
	var cfg Config
	cfg.HTTP.ListenAddr = ":8080"
	cfg.Journal.Dir = "data/jobs"
	cfg.Worker.HeartbeatTimeout = 30 * time.Second
	cfg.Worker.ReapInterval = 30 * time.Second
	cfg.Worker.MaxAttempts = 3
	cfg.Worker.RPCTimeout = 5 * time.Second
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090
	return &cfg
}

// Load reads and parses a YAML config file at path, starting from
// Default() so a config file only needs to specify what it overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

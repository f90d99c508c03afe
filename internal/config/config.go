// Package config loads the YAML-driven runtime configuration
// described in spec §4.7, grounded on the teacher's
// pkg/plugin/config.go LoadConfig (os.ReadFile + yaml.Unmarshal) and
// patterns/multicast_registry/config.go's slot-config/DefaultConfig
// shape.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ShardConfig describes one storage shard backend.
type ShardConfig struct {
	Type               string `yaml:"type"` // memstore, postgres, redis, sqlite
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Database           string `yaml:"database"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	ConnectionPoolSize int    `yaml:"connection_pool_size"`
	Enabled            bool   `yaml:"enabled"`
}

// RegistryConfig names the logical registry and its idle-eviction TTL.
type RegistryConfig struct {
	ID      string        `yaml:"id"`
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

// ArchivalConfig configures the archival worker pool.
type ArchivalConfig struct {
	Workers       int           `yaml:"workers"`
	QueueCapacity int           `yaml:"queue_capacity"`
	MaxRetries    int           `yaml:"max_retries"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
}

// RetentionConfig configures the history-store cleanup horizon.
type RetentionConfig struct {
	Days int `yaml:"days"`
}

// RehydrateConfig configures rehydration timeouts.
type RehydrateConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// TimerConfig configures the TimerWheel tick period.
type TimerConfig struct {
	TickPeriod time.Duration `yaml:"tick_period"`
}

// Config is the top-level runtime configuration.
type Config struct {
	Shards    []ShardConfig   `yaml:"shards"`
	Registry  RegistryConfig  `yaml:"registry"`
	Archival  ArchivalConfig  `yaml:"archival"`
	Retention RetentionConfig `yaml:"retention"`
	Rehydrate RehydrateConfig `yaml:"rehydrate"`
	Timer     TimerConfig     `yaml:"timer"`
}

// Default returns a Config suitable for the in-memory demo harness and
// tests, mirroring the teacher's DefaultConfig helper.
func Default() *Config {
	return &Config{
		Shards: []ShardConfig{{Type: "memstore", Enabled: true}},
		Registry: RegistryConfig{
			ID:      "default",
			IdleTTL: 0,
		},
		Archival: ArchivalConfig{
			Workers:       4,
			QueueCapacity: 1000,
			MaxRetries:    5,
			BackoffBase:   time.Second,
		},
		Retention: RetentionConfig{Days: 30},
		Rehydrate: RehydrateConfig{Timeout: 5 * time.Second},
		Timer:     TimerConfig{TickPeriod: time.Second},
	}
}

// Load reads and parses a YAML configuration file. Fields absent from
// the file keep Default()'s values. Retention days below 1 are raised
// to 1, and non-positive archival workers or tick period are reset to
// 4 and 1s; other zero values written in the file are kept.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.Retention.Days < 1 {
		cfg.Retention.Days = 1
	}
	if cfg.Archival.Workers <= 0 {
		cfg.Archival.Workers = 4
	}
	if cfg.Timer.TickPeriod <= 0 {
		cfg.Timer.TickPeriod = time.Second
	}

	return cfg, nil
}

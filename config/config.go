// Package config loads the chronoqd server configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Duration wraps time.Duration so YAML values can use duration strings
// ("30s", "5m") instead of raw nanosecond counts.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Backend names accepted by store and transport configuration.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// RedisConfig describes a Redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig describes a PostgreSQL connection.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend  string         `yaml:"backend"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// TransportConfig selects and configures the job handoff transport.
type TransportConfig struct {
	Backend           string      `yaml:"backend"`
	Redis             RedisConfig `yaml:"redis"`
	VisibilityTimeout Duration    `yaml:"visibility_timeout"`
}

// SchedulerConfig tunes the engine's timing knobs.
type SchedulerConfig struct {
	Concurrency       int      `yaml:"concurrency"`
	LeaseTTL          Duration `yaml:"lease_ttl"`
	QueuedTTL         Duration `yaml:"queued_ttl"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	PollInterval      Duration `yaml:"poll_interval"`
	BucketWidth       Duration `yaml:"bucket_width"`
	Lookback          Duration `yaml:"lookback"`
	JanitorInterval   Duration `yaml:"janitor_interval"`
	TaskTimeout       Duration `yaml:"task_timeout"`
	EnqueueRate       float64  `yaml:"enqueue_rate"`
	EnqueueBurst      int      `yaml:"enqueue_burst"`
}

// Config is the root chronoqd configuration.
type Config struct {
	Listen    string          `yaml:"listen"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"`
	Store     StoreConfig     `yaml:"store"`
	Transport TransportConfig `yaml:"transport"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// Default returns the configuration used when no file is given: a
// single-node, in-memory deployment suitable for development.
func Default() *Config {
	return &Config{
		Listen:    ":8080",
		LogLevel:  "info",
		LogFormat: "text",
		Store:     StoreConfig{Backend: BackendMemory},
		Transport: TransportConfig{Backend: BackendMemory},
		Scheduler: SchedulerConfig{
			Concurrency:       4,
			LeaseTTL:          Duration(30 * time.Second),
			QueuedTTL:         Duration(time.Minute),
			HeartbeatInterval: Duration(10 * time.Second),
			PollInterval:      Duration(time.Second),
			BucketWidth:       Duration(time.Hour),
			Lookback:          Duration(time.Hour),
			JanitorInterval:   Duration(10 * time.Second),
			TaskTimeout:       Duration(30 * time.Second),
		},
	}
}

// Load reads and validates a YAML configuration file. Fields absent from
// the file keep their defaults; unknown fields are an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := unmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func unmarshalStrict(data []byte, out *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		// An empty document keeps the defaults.
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

// Validate checks backend selections and their required settings.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr required for the redis backend")
		}
	case BackendPostgres:
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	switch c.Transport.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Transport.Redis.Addr == "" {
			return fmt.Errorf("transport.redis.addr required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown transport backend %q", c.Transport.Backend)
	}

	if c.Scheduler.Concurrency < 1 {
		return fmt.Errorf("scheduler.concurrency must be at least 1")
	}
	if c.Scheduler.BucketWidth <= 0 {
		return fmt.Errorf("scheduler.bucket_width must be positive")
	}
	return nil
}

// Package config loads cipherq settings from a YAML file with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Channel drivers.
const (
	ChannelMemory = "memory"
	ChannelRedis  = "redis"
)

// Config holds process configuration.
type Config struct {
	Database string         `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Channel  ChannelConfig  `yaml:"channel"`
	// Definitions is a directory of .cue computation definitions. Empty
	// means the built-in set.
	Definitions string `yaml:"definitions,omitempty"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" | "json"
}

// DispatchConfig controls how computations are dispatched.
type DispatchConfig struct {
	RequiredSigners     int  `yaml:"required_signers"`
	RecordSerialization bool `yaml:"record_serialization"`
}

// ChannelConfig selects the executor transport.
type ChannelConfig struct {
	Driver   string         `yaml:"driver"`
	Redis    RedisConfig    `yaml:"redis"`
	Throttle ThrottleConfig `yaml:"throttle"`
}

// RedisConfig locates the Redis lists used as executor queues.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password,omitempty"`
	DB           int           `yaml:"db"`
	OutboundKey  string        `yaml:"outbound_key"`
	InboundKey   string        `yaml:"inbound_key"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ThrottleConfig rate-limits submissions. PerSecond <= 0 disables it.
type ThrottleConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Database: "cipherq.db",
		Log:      LogConfig{Level: "info", Format: "text"},
		Dispatch: DispatchConfig{RequiredSigners: 1, RecordSerialization: true},
		Channel: ChannelConfig{
			Driver: ChannelMemory,
			Redis: RedisConfig{
				Addr:         "localhost:6379",
				OutboundKey:  "cipherq:outbound",
				InboundKey:   "cipherq:inbound",
				PollInterval: time.Second,
			},
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("CIPHERQ_DB"); ok {
		c.Database = v
	}
	if v, ok := lookup("CIPHERQ_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := lookup("CIPHERQ_CHANNEL"); ok {
		c.Channel.Driver = v
	}
	if v, ok := lookup("CIPHERQ_REDIS_ADDR"); ok {
		c.Channel.Redis.Addr = v
	}
	if v, ok := lookup("CIPHERQ_REQUIRED_SIGNERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CIPHERQ_REQUIRED_SIGNERS: %w", err)
		}
		c.Dispatch.RequiredSigners = n
	}
	return nil
}

// Validate rejects settings no component accepts.
func (c Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database path is required")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.Dispatch.RequiredSigners < 1 {
		return fmt.Errorf("dispatch.required_signers must be at least 1, got %d", c.Dispatch.RequiredSigners)
	}
	switch c.Channel.Driver {
	case ChannelMemory:
	case ChannelRedis:
		if c.Channel.Redis.Addr == "" {
			return fmt.Errorf("channel.redis.addr is required for the redis driver")
		}
		if c.Channel.Redis.OutboundKey == "" || c.Channel.Redis.InboundKey == "" {
			return fmt.Errorf("channel.redis needs both outbound_key and inbound_key")
		}
	default:
		return fmt.Errorf("unknown channel driver %q", c.Channel.Driver)
	}
	if c.Channel.Throttle.PerSecond > 0 && c.Channel.Throttle.Burst < 1 {
		return fmt.Errorf("channel.throttle.burst must be at least 1 when throttling")
	}
	return nil
}

package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the optional YAML configuration for serve.
// Flags set on the command line override it.
type FileConfig struct {
	Addr   string `yaml:"addr"`
	Secret string `yaml:"secret"`

	// Store is "memory" or "redis".
	Store string `yaml:"store"`

	Redis RedisConfig `yaml:"redis"`

	QueueSize    int           `yaml:"queue_size"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

// RedisConfig configures the quote store and the invalidation feed.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// FeedChannel is the Pub/Sub channel external producers publish
	// invalidations on. Empty disables the feed.
	FeedChannel string `yaml:"feed_channel"`
}

// DefaultFileConfig returns the serve defaults.
func DefaultFileConfig() FileConfig {
	return FileConfig{
		Addr:         ":8080",
		Store:        "memory",
		QueueSize:    64,
		PingInterval: 30 * time.Second,
	}
}

// LoadFileConfig reads path over the defaults. An empty path returns the defaults.
func LoadFileConfig(path string) (FileConfig, error) {
	cfg := DefaultFileConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate validates the configuration.
func (c FileConfig) Validate() error {
	switch c.Store {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("store redis requires redis.addr")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.Redis.FeedChannel != "" && c.Redis.Addr == "" {
		return fmt.Errorf("redis.feed_channel requires redis.addr")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive")
	}
	return nil
}

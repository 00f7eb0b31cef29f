// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package config loads the configuration of the titandelay binaries.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hemant/titandelay/internal/base"
	"github.com/hemant/titandelay/internal/errors"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendRedis  = "redis"
	BackendPebble = "pebble"
)

// EnvPrefix prefixes every environment variable read by FromEnv.
const EnvPrefix = "TITANDELAY_"

// Config represents the application configuration
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Bucket  BucketConfig  `yaml:"bucket"`
	Server  ServerConfig  `yaml:"server"`
	HTTP    HTTPConfig    `yaml:"http"`
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig holds storage settings
type StorageConfig struct {
	Backend  string `yaml:"backend"` // redis or pebble
	RedisURI string `yaml:"redis_uri"`
	DataDir  string `yaml:"data_dir"`
}

// BucketConfig holds sharding settings
type BucketConfig struct {
	Prefix   string `yaml:"prefix"`
	Count    int    `yaml:"count"`
	Instance string `yaml:"instance"`
}

// ServerConfig holds dispatch settings
type ServerConfig struct {
	PollInterval        time.Duration `yaml:"poll_interval"`
	DispatchRate        float64       `yaml:"dispatch_rate"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	JanitorInterval     time.Duration `yaml:"janitor_interval"`
}

// HTTPConfig holds the inspection endpoint settings
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:  BackendRedis,
			RedisURI: "redis://localhost:6379/0",
			DataDir:  "./data",
		},
		Bucket: BucketConfig{
			Prefix: base.DefaultBucketPrefix,
			Count:  4,
		},
		Server: ServerConfig{
			PollInterval:        1 * time.Second,
			ShutdownTimeout:     8 * time.Second,
			HealthCheckInterval: 15 * time.Second,
			JanitorInterval:     8 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Use defaults if file doesn't exist
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads config from file or returns default
func LoadOrDefault(path string) *Config {
	if path == "" {
		return Default()
	}

	cfg, err := Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config: %v, using defaults\n", err)
		return Default()
	}

	return cfg
}

// FromEnv overlays TITANDELAY_* environment variables onto c.
// Unset variables leave the corresponding field untouched.
func FromEnv(c *Config) error {
	const op errors.Op = "config.FromEnv"
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	str("BACKEND", &c.Storage.Backend)
	str("REDIS_URI", &c.Storage.RedisURI)
	str("DATA_DIR", &c.Storage.DataDir)
	str("BUCKET_PREFIX", &c.Bucket.Prefix)
	str("INSTANCE", &c.Bucket.Instance)
	str("HTTP_ADDR", &c.HTTP.Addr)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)

	if v, ok := os.LookupEnv(EnvPrefix + "BUCKET_COUNT"); ok {
		n, err := cast.ToIntE(strings.TrimSpace(v))
		if err != nil {
			return errors.E(op, errors.InvalidArgument, fmt.Sprintf("%sBUCKET_COUNT: %v", EnvPrefix, err))
		}
		c.Bucket.Count = n
	}
	if v, ok := os.LookupEnv(EnvPrefix + "DISPATCH_RATE"); ok {
		r, err := cast.ToFloat64E(strings.TrimSpace(v))
		if err != nil {
			return errors.E(op, errors.InvalidArgument, fmt.Sprintf("%sDISPATCH_RATE: %v", EnvPrefix, err))
		}
		c.Server.DispatchRate = r
	}
	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"POLL_INTERVAL", &c.Server.PollInterval},
		{"SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout},
		{"HEALTH_CHECK_INTERVAL", &c.Server.HealthCheckInterval},
		{"JANITOR_INTERVAL", &c.Server.JanitorInterval},
	}
	for _, d := range durations {
		v, ok := os.LookupEnv(EnvPrefix + d.name)
		if !ok {
			continue
		}
		dur, err := cast.ToDurationE(strings.TrimSpace(v))
		if err != nil {
			return errors.E(op, errors.InvalidArgument, fmt.Sprintf("%s%s: %v", EnvPrefix, d.name, err))
		}
		*d.dst = dur
	}
	return nil
}

// Validate checks that c describes a usable deployment.
func (c *Config) Validate() error {
	const op errors.Op = "config.Validate"
	if err := base.ValidateBucketCount(c.Bucket.Count); err != nil {
		return errors.E(op, errors.InvalidArgument, err)
	}
	switch c.Storage.Backend {
	case BackendRedis:
		if c.Storage.RedisURI == "" {
			return errors.E(op, errors.InvalidArgument, "redis_uri is required for the redis backend")
		}
	case BackendPebble:
		if c.Storage.DataDir == "" {
			return errors.E(op, errors.InvalidArgument, "data_dir is required for the pebble backend")
		}
	default:
		return errors.E(op, errors.InvalidArgument, fmt.Sprintf("unknown storage backend %q", c.Storage.Backend))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error", "fatal":
	default:
		return errors.E(op, errors.InvalidArgument, fmt.Sprintf("unknown log level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return errors.E(op, errors.InvalidArgument, fmt.Sprintf("unknown log format %q", c.Logging.Format))
	}
	if c.Server.DispatchRate < 0 {
		return errors.E(op, errors.InvalidArgument, "dispatch_rate cannot be negative")
	}
	return nil
}

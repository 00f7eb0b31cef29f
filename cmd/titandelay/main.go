// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Command titandelay adds, inspects and dispatches delayed jobs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hemant/titandelay"
	"github.com/hemant/titandelay/internal/config"
	"github.com/hemant/titandelay/internal/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	timeout    time.Duration

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "titandelay",
	Short: "Delay bucket storage for a distributed delay queue",
	Long: `titandelay stores delayed jobs in sharded buckets ordered by due time,
and dispatches them once they are due.

Configuration is read from --config, then overridden by TITANDELAY_*
environment variables.`,
	PersistentPreRunE: loadConfig,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("TITANDELAY_CONFIG"), "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug|info|warn|error (overrides config)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "Timeout for store operations")

	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(pollCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(bucketsCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load(configPath)
	if err != nil && configPath != "" {
		return err
	}
	if c == nil {
		c = config.Default()
	}
	if err := config.FromEnv(c); err != nil {
		return err
	}
	if logLevel != "" {
		c.Logging.Level = logLevel
	}
	if err := c.Validate(); err != nil {
		return err
	}
	cfg = c
	return nil
}

func newLogBase() log.Base {
	if cfg.Logging.Format == "json" {
		return log.NewJSONBase(os.Stderr)
	}
	return log.NewConsoleBase(os.Stderr)
}

// openBucket opens the DelayBucket described by the loaded configuration.
func openBucket() (*titandelay.DelayBucket, error) {
	var level titandelay.LogLevel
	if err := level.Set(cfg.Logging.Level); err != nil {
		return nil, err
	}
	bcfg := titandelay.BucketConfig{
		Prefix:   cfg.Bucket.Prefix,
		Count:    cfg.Bucket.Count,
		Instance: cfg.Bucket.Instance,
		Logger:   newLogBase(),
		LogLevel: level,
	}
	switch cfg.Storage.Backend {
	case config.BackendPebble:
		return titandelay.OpenEmbeddedDelayBucket(cfg.Storage.DataDir, bcfg)
	default:
		opt, err := titandelay.ParseRedisURI(cfg.Storage.RedisURI)
		if err != nil {
			return nil, err
		}
		return titandelay.NewDelayBucket(opt, bcfg)
	}
}

func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

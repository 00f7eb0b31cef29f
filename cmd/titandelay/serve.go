// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/hemant/titandelay"
	"github.com/hemant/titandelay/ui"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Dispatch due jobs and serve the inspection API",
	Long: `Poll every bucket and write each due job to stdout as one JSON line,
removing it afterwards. The inspection API and prometheus metrics are
served on the configured HTTP address.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBucket()
		if err != nil {
			return err
		}
		defer b.Close()

		var level titandelay.LogLevel
		if err := level.Set(cfg.Logging.Level); err != nil {
			return err
		}
		logger := newLogBase()
		srv, err := titandelay.NewServer(b, titandelay.Config{
			PollInterval:        cfg.Server.PollInterval,
			DispatchRate:        cfg.Server.DispatchRate,
			ShutdownTimeout:     cfg.Server.ShutdownTimeout,
			HealthCheckInterval: cfg.Server.HealthCheckInterval,
			JanitorInterval:     cfg.Server.JanitorInterval,
			Logger:              logger,
			LogLevel:            level,
			HealthCheckFunc: func(err error) {
				if err != nil {
					logger.Warn("store health check failed: ", err)
				}
			},
		})
		if err != nil {
			return err
		}

		httpSrv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           ui.NewHandler(b),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("inspection API listening on ", cfg.HTTP.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server: ", err)
			}
		}()

		if err := srv.Run(newStdoutDispatcher()); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(ctx)
	},
}

type dispatchedJob struct {
	ID      string    `json:"id"`
	Topic   string    `json:"topic"`
	DueAt   time.Time `json:"due_at"`
	Retried int       `json:"retried"`
	Payload string    `json:"payload"`
}

// newStdoutDispatcher returns a Handler writing each job as one JSON line.
func newStdoutDispatcher() titandelay.Handler {
	var mu sync.Mutex
	enc := json.NewEncoder(os.Stdout)
	return titandelay.HandlerFunc(func(ctx context.Context, job *titandelay.Job) error {
		mu.Lock()
		defer mu.Unlock()
		return enc.Encode(dispatchedJob{
			ID:      job.ID(),
			Topic:   job.Topic(),
			DueAt:   job.DueAt(),
			Retried: job.Retried(),
			Payload: string(job.Payload()),
		})
	})
}

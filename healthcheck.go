// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titandelay

import (
	"context"
	"sync"
	"time"

	"github.com/hemant/titandelay/internal/log"
)

// healthchecker is responsible for periodically checking the health of the
// backing store and invoking a user provided callback with the result.
type healthchecker struct {
	logger *log.Logger
	bucket *DelayBucket

	// channel to communicate back to the long running "healthchecker" goroutine.
	done chan struct{}

	// interval between healthchecks.
	interval time.Duration

	// user provided callback to invoke with the ping result.
	healthcheckFunc func(error)
}

type healthcheckerParams struct {
	logger          *log.Logger
	bucket          *DelayBucket
	interval        time.Duration
	healthcheckFunc func(error)
}

func newHealthChecker(params healthcheckerParams) *healthchecker {
	return &healthchecker{
		logger:          params.logger,
		bucket:          params.bucket,
		done:            make(chan struct{}),
		interval:        params.interval,
		healthcheckFunc: params.healthcheckFunc,
	}
}

func (hc *healthchecker) shutdown() {
	if hc.healthcheckFunc == nil {
		return
	}

	hc.logger.Debug("Healthchecker shutting down...")
	// Signal the healthchecker goroutine to stop.
	hc.done <- struct{}{}
}

func (hc *healthchecker) start(wg *sync.WaitGroup) {
	if hc.healthcheckFunc == nil {
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(hc.interval)
		for {
			select {
			case <-hc.done:
				hc.logger.Debug("Healthchecker done")
				timer.Stop()
				return
			case <-timer.C:
				hc.exec()
				timer.Reset(hc.interval)
			}
		}
	}()
}

func (hc *healthchecker) exec() {
	ctx, cancel := context.WithTimeout(context.Background(), hc.interval)
	defer cancel()
	hc.healthcheckFunc(hc.bucket.Ping(ctx))
}

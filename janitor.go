// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titandelay

import (
	"context"
	"sync"
	"time"

	"github.com/hemant/titandelay/internal/base"
	"github.com/hemant/titandelay/internal/errors"
	"github.com/hemant/titandelay/internal/log"
	"github.com/hemant/titandelay/internal/metrics"
)

// janitor is responsible for periodically moving undecodable bucket heads
// aside, so that a malformed member does not hold up the jobs behind it.
type janitor struct {
	logger *log.Logger
	bucket *DelayBucket

	// channel to communicate back to the long running "janitor" goroutine.
	done chan struct{}

	// interval between cleanup runs.
	interval time.Duration

	// maximum number of members to quarantine per bucket in a single run.
	batchSize int
}

type janitorParams struct {
	logger    *log.Logger
	bucket    *DelayBucket
	interval  time.Duration
	batchSize int
}

func newJanitor(params janitorParams) *janitor {
	return &janitor{
		logger:    params.logger,
		bucket:    params.bucket,
		done:      make(chan struct{}),
		interval:  params.interval,
		batchSize: params.batchSize,
	}
}

func (j *janitor) shutdown() {
	j.logger.Debug("Janitor shutting down...")
	// Signal the janitor goroutine to stop.
	j.done <- struct{}{}
}

func (j *janitor) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(j.interval)
		for {
			select {
			case <-j.done:
				j.logger.Debug("Janitor done")
				timer.Stop()
				return
			case <-timer.C:
				j.exec()
				timer.Reset(j.interval)
			}
		}
	}()
}

func (j *janitor) exec() {
	ctx, cancel := context.WithTimeout(context.Background(), j.interval)
	defer cancel()
	for _, i := range j.bucket.Indices() {
		for n := 0; n < j.batchSize; n++ {
			moved, err := j.bucket.quarantineHead(ctx, i)
			if err != nil {
				j.logger.Errorf("Failed to quarantine malformed head of bucket %d: %v", i, err)
				break
			}
			if !moved {
				break
			}
		}
	}
}

// quarantineHead moves the head of bucket i to its quarantine set if it
// cannot be decoded. It reports whether a member was moved.
func (b *DelayBucket) quarantineHead(ctx context.Context, i int) (bool, error) {
	var op errors.Op = "titandelay.quarantineHead"
	name, err := b.bucketAt(op, b.router.snapshot(), i)
	if err != nil {
		return false, err
	}
	zs, err := b.store.ZRangeWithScores(ctx, name, 0, 0)
	if err != nil {
		return false, b.storeError(op, err)
	}
	if len(zs) == 0 {
		return false, nil
	}
	if _, err := base.Decode(zs[0].Member, zs[0].Score); err == nil {
		return false, nil
	}
	qname := base.QuarantineKey(name)
	if err := b.store.ZMove(ctx, name, qname, zs[0]); err != nil {
		return false, b.storeError(op, err)
	}
	metrics.QuarantinedTotal.WithLabelValues(name).Inc()
	b.logger.Warnf("Moved malformed member of %s to %s", name, qname)
	return true, nil
}

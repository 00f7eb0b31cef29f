// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titandelay

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hemant/titandelay/internal/base"
	"github.com/hemant/titandelay/internal/log"
	"github.com/hemant/titandelay/internal/metrics"
	"github.com/hemant/titandelay/internal/timeutil"
	"golang.org/x/time/rate"
)

// poller runs one goroutine per bucket index, each dispatching the due
// heads of its bucket to the handler.
type poller struct {
	logger *log.Logger
	bucket *DelayBucket
	clock  timeutil.Clock

	handler Handler

	// limiter bounds the dispatch rate across all buckets.
	limiter *rate.Limiter

	// interval between polls of a bucket that is empty or not yet due.
	interval time.Duration

	baseCtxFn      func() context.Context
	retryDelayFunc RetryDelayFunc
	isFailureFunc  func(error) bool
	errHandler     ErrorHandler

	// time to wait for running handlers on shutdown.
	shutdownTimeout time.Duration

	// stopCtx is canceled to make pollers stop picking up jobs.
	stopCtx  context.Context
	stopFunc context.CancelFunc

	// abortCtx is canceled once shutdownTimeout elapses, aborting running
	// handlers and store calls.
	abortCtx  context.Context
	abortFunc context.CancelFunc

	// closed when every bucket goroutine has returned.
	done chan struct{}
}

type pollerParams struct {
	logger          *log.Logger
	bucket          *DelayBucket
	clock           timeutil.Clock
	limiter         *rate.Limiter
	interval        time.Duration
	baseCtxFn       func() context.Context
	retryDelayFunc  RetryDelayFunc
	isFailureFunc   func(error) bool
	errHandler      ErrorHandler
	shutdownTimeout time.Duration
}

func newPoller(params pollerParams) *poller {
	stopCtx, stopFunc := context.WithCancel(context.Background())
	abortCtx, abortFunc := context.WithCancel(context.Background())
	return &poller{
		logger:          params.logger,
		bucket:          params.bucket,
		clock:           params.clock,
		limiter:         params.limiter,
		interval:        params.interval,
		baseCtxFn:       params.baseCtxFn,
		retryDelayFunc:  params.retryDelayFunc,
		isFailureFunc:   params.isFailureFunc,
		errHandler:      params.errHandler,
		shutdownTimeout: params.shutdownTimeout,
		stopCtx:         stopCtx,
		stopFunc:        stopFunc,
		abortCtx:        abortCtx,
		abortFunc:       abortFunc,
		done:            make(chan struct{}),
	}
}

// stop makes the pollers stop picking up new jobs.
func (p *poller) stop() {
	p.stopFunc()
}

// shutdown stops the pollers and waits for running handlers, aborting them
// if they outlive the shutdown timeout.
func (p *poller) shutdown() {
	p.logger.Debug("Poller shutting down...")
	p.stop()
	select {
	case <-p.done:
	case <-time.After(p.shutdownTimeout):
		p.logger.Warn("Shutdown timeout reached, aborting running handlers")
		p.abortFunc()
		<-p.done
	}
	p.abortFunc()
}

func (p *poller) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		var inner sync.WaitGroup
		for _, i := range p.bucket.Indices() {
			inner.Add(1)
			go func(i int) {
				defer inner.Done()
				p.loop(i)
			}(i)
		}
		inner.Wait()
		p.logger.Debug("Poller done")
		close(p.done)
	}()
}

func (p *poller) loop(i int) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-p.stopCtx.Done():
			return
		case <-timer.C:
			if p.exec(i) {
				timer.Reset(0)
			} else {
				timer.Reset(p.interval)
			}
		}
	}
}

// exec dispatches the head of bucket i if it is due.
// It reports whether a job was dispatched.
func (p *poller) exec(i int) bool {
	job, err := p.bucket.Poll(p.abortCtx, i)
	if err != nil {
		if IsStorageUnavailable(err) {
			p.logger.Warnf("Could not poll bucket %d: %v", i, err)
		} else {
			p.logger.Errorf("Could not poll bucket %d: %v", i, err)
		}
		return false
	}
	if job == nil || !job.IsDue(p.clock.Now()) {
		return false
	}
	if err := p.limiter.Wait(p.stopCtx); err != nil {
		return false
	}

	resErr := p.perform(job)
	now := p.clock.Now()
	isFailure := resErr != nil && p.isFailureFunc(resErr)
	switch {
	case resErr == nil:
		p.remove(i, job)
		metrics.JobsDispatchedTotal.WithLabelValues(job.Topic(), metrics.DispatchSuccess).Inc()
	case isFailure && job.Retried() >= job.Retry():
		p.logger.Warnf("Retry exhausted for job id=%s", job.ID())
		if p.errHandler != nil {
			p.errHandler.HandleError(p.baseCtxFn(), job, resErr)
		}
		p.remove(i, job)
		metrics.JobsDispatchedTotal.WithLabelValues(job.Topic(), metrics.DispatchDropped).Inc()
	default:
		d := p.retryDelayFunc(job.Retried(), resErr, job)
		next := job.reschedule(now.Add(d))
		if isFailure {
			next = job.Redelay(now.Add(d))
		}
		p.requeue(i, job, next)
		metrics.JobsDispatchedTotal.WithLabelValues(job.Topic(), metrics.DispatchRetry).Inc()
	}
	return true
}

// perform calls the handler with the job, converting a panic into an error.
func (p *poller) perform(job *Job) (err error) {
	defer func() {
		if x := recover(); x != nil {
			p.logger.Errorf("recovering from panic. See the stack trace below for details:\n%s", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", x)
		}
	}()
	ctx, cancel := context.WithCancel(p.baseCtxFn())
	defer cancel()
	stop := context.AfterFunc(p.abortCtx, cancel)
	defer stop()
	if ttr := job.TTR(); ttr > 0 {
		var cancelTTR context.CancelFunc
		ctx, cancelTTR = context.WithTimeout(ctx, ttr)
		defer cancelTTR()
	}
	return p.handler.ProcessJob(ctx, job)
}

// requeue writes next back into bucket i, then deletes the dispatched copy.
// If the write fails the dispatched copy is kept so it is handed out again.
func (p *poller) requeue(i int, job, next *Job) {
	if err := p.bucket.addAt(p.abortCtx, i, next); err != nil {
		p.logger.Errorf("Could not requeue job id=%s: %v", job.ID(), err)
		return
	}
	// A compact job rescheduled without a retry increment encodes to the same
	// member, so the write above already moved it.
	if sameMember(job, next) {
		return
	}
	p.remove(i, job)
}

func (p *poller) remove(i int, job *Job) {
	if err := p.bucket.Remove(p.abortCtx, i, job); err != nil {
		p.logger.Errorf("Could not remove job id=%s from bucket %d: %v", job.ID(), i, err)
	}
}

func sameMember(a, b *Job) bool {
	ma, err := base.RemovalMember(a.msg)
	if err != nil {
		return false
	}
	mb, err := base.RemovalMember(b.msg)
	if err != nil {
		return false
	}
	return ma == mb
}

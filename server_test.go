// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titandelay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hemant/titandelay/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, b *DelayBucket, cfg Config) (*Server, *timeutil.SimulatedClock) {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.LogLevel == level_unspecified {
		cfg.LogLevel = ErrorLevel
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = time.Second
	}
	srv, err := NewServer(b, cfg)
	require.NoError(t, err)
	clock := timeutil.NewSimulatedClock(time.Now())
	srv.poller.clock = clock
	return srv, clock
}

type recorder struct {
	mu   sync.Mutex
	jobs []*Job
}

func (r *recorder) add(j *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, j)
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, j := range r.jobs {
		ids = append(ids, j.ID())
	}
	return ids
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func TestServerDispatchesOnlyDueJobs(t *testing.T) {
	b, _ := setup(t, BucketConfig{Count: 2})
	ctx := context.Background()
	srv, clock := newTestServer(t, b, Config{})
	now := clock.Now()

	due := mustJob(t, "due", now.Add(-time.Second), JobID("due"))
	later := mustJob(t, "later", now.Add(time.Hour), JobID("later"))
	require.NoError(t, b.Add(ctx, due))
	require.NoError(t, b.Add(ctx, later))

	var rec recorder
	require.NoError(t, srv.Start(HandlerFunc(func(ctx context.Context, job *Job) error {
		rec.add(job)
		return nil
	})))
	defer srv.Shutdown()

	assert.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"due"}, rec.ids())

	clock.AdvanceTime(2 * time.Hour)
	assert.Eventually(t, func() bool { return rec.len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"due", "later"}, rec.ids())
	assert.Eventually(t, func() bool {
		return depth(t, b, 0)+depth(t, b, 1) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestServerRetriesThenGivesUp(t *testing.T) {
	b, _ := setup(t, BucketConfig{Count: 1})
	ctx := context.Background()

	var (
		mu      sync.Mutex
		dropped []*Job
		lastErr error
	)
	srv, clock := newTestServer(t, b, Config{
		RetryDelayFunc: func(n int, e error, j *Job) time.Duration { return 0 },
		ErrorHandler: ErrorHandlerFunc(func(ctx context.Context, job *Job, err error) {
			mu.Lock()
			defer mu.Unlock()
			dropped = append(dropped, job)
			lastErr = err
		}),
	})
	require.NoError(t, b.Add(ctx, mustJob(t, "flaky", clock.Now(), JobID("flaky"), MaxRetry(2))))

	var rec recorder
	boom := errors.New("boom")
	require.NoError(t, srv.Start(HandlerFunc(func(ctx context.Context, job *Job) error {
		rec.add(job)
		return boom
	})))
	defer srv.Shutdown()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dropped) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, 3, rec.len())
	for i, j := range rec.jobs {
		assert.Equal(t, i, j.Retried())
	}
	mu.Lock()
	assert.Equal(t, 2, dropped[0].Retried())
	assert.Equal(t, boom, lastErr)
	mu.Unlock()
	assert.Eventually(t, func() bool { return depth(t, b, 0) == 0 }, time.Second, 5*time.Millisecond)
}

func TestServerNonFailureDoesNotCountRetry(t *testing.T) {
	b, _ := setup(t, BucketConfig{Count: 1})
	ctx := context.Background()
	errBusy := errors.New("busy")

	srv, clock := newTestServer(t, b, Config{
		RetryDelayFunc: func(n int, e error, j *Job) time.Duration { return 0 },
		IsFailure:      func(err error) bool { return !errors.Is(err, errBusy) },
	})
	require.NoError(t, b.Add(ctx, mustJob(t, "t", clock.Now(), JobID("busy-job"))))

	var rec recorder
	require.NoError(t, srv.Start(HandlerFunc(func(ctx context.Context, job *Job) error {
		rec.add(job)
		if rec.len() < 3 {
			return errBusy
		}
		return nil
	})))
	defer srv.Shutdown()

	assert.Eventually(t, func() bool { return rec.len() == 3 }, 2*time.Second, 5*time.Millisecond)
	for _, j := range rec.jobs {
		assert.Equal(t, 0, j.Retried())
	}
	assert.Eventually(t, func() bool { return depth(t, b, 0) == 0 }, time.Second, 5*time.Millisecond)
}

func TestServerRecoversFromPanic(t *testing.T) {
	b, _ := setup(t, BucketConfig{Count: 1})
	ctx := context.Background()

	gotErr := make(chan error, 1)
	srv, clock := newTestServer(t, b, Config{
		ErrorHandler: ErrorHandlerFunc(func(ctx context.Context, job *Job, err error) {
			gotErr <- err
		}),
	})
	require.NoError(t, b.Add(ctx, mustJob(t, "t", clock.Now())))

	require.NoError(t, srv.Start(HandlerFunc(func(ctx context.Context, job *Job) error {
		panic("handler exploded")
	})))
	defer srv.Shutdown()

	select {
	case err := <-gotErr:
		assert.Contains(t, err.Error(), "handler exploded")
	case <-time.After(2 * time.Second):
		t.Fatal("error handler was not called")
	}
}

func TestServerAppliesTTRDeadline(t *testing.T) {
	b, _ := setup(t, BucketConfig{Count: 1})
	srv, clock := newTestServer(t, b, Config{})
	require.NoError(t, b.Add(context.Background(), mustJob(t, "t", clock.Now(), TTR(30*time.Second))))

	deadlines := make(chan time.Time, 1)
	require.NoError(t, srv.Start(HandlerFunc(func(ctx context.Context, job *Job) error {
		d, ok := ctx.Deadline()
		if ok {
			deadlines <- d
		}
		return nil
	})))
	defer srv.Shutdown()

	select {
	case d := <-deadlines:
		assert.WithinDuration(t, time.Now().Add(30*time.Second), d, 5*time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not receive a deadline")
	}
}

func TestServerLifecycle(t *testing.T) {
	b, _ := setup(t, BucketConfig{Count: 1})
	srv, _ := newTestServer(t, b, Config{})
	h := HandlerFunc(func(ctx context.Context, job *Job) error { return nil })

	assert.Error(t, srv.Start(nil))
	require.NoError(t, srv.Start(h))
	assert.Error(t, srv.Start(h), "starting twice should fail")
	require.NoError(t, srv.Ping(context.Background()))

	srv.Stop()
	assert.Error(t, srv.Start(h), "starting a stopped server should fail")

	srv.Shutdown()
	assert.Equal(t, ErrServerClosed, srv.Start(h))
	srv.Shutdown()
}

func TestNewServerRequiresBucket(t *testing.T) {
	_, err := NewServer(nil, Config{})
	assert.True(t, IsConfigurationError(err))
}

func TestServerShutdownAbortsSlowHandler(t *testing.T) {
	b, _ := setup(t, BucketConfig{Count: 1})
	srv, clock := newTestServer(t, b, Config{ShutdownTimeout: 50 * time.Millisecond})
	require.NoError(t, b.Add(context.Background(), mustJob(t, "slow", clock.Now())))

	started := make(chan struct{})
	require.NoError(t, srv.Start(HandlerFunc(func(ctx context.Context, job *Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})))
	<-started

	done := make(chan struct{})
	go func() {
		srv.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not abort the running handler")
	}
}

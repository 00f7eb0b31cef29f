// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titandelay

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hemant/titandelay/internal/base"
	"github.com/hemant/titandelay/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, cfg BucketConfig) (*DelayBucket, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	if cfg.LogLevel == level_unspecified {
		cfg.LogLevel = ErrorLevel
	}
	b, err := NewDelayBucketFromRedisClient(client, cfg)
	require.NoError(t, err)
	return b, mr
}

func mustJob(t *testing.T, topic string, due time.Time, opts ...Option) *Job {
	t.Helper()
	job, err := NewJob(topic, []byte("payload of "+topic), append(opts, ProcessAt(due))...)
	require.NoError(t, err)
	return job
}

func depth(t *testing.T, b *DelayBucket, i int) int64 {
	t.Helper()
	name, err := b.BucketName(i)
	require.NoError(t, err)
	n, err := b.store.ZCard(context.Background(), name)
	require.NoError(t, err)
	return n
}

func TestNewDelayBucketRejectsBadCount(t *testing.T) {
	for _, n := range []int{0, -2} {
		_, err := newDelayBucket(nil, BucketConfig{Count: n})
		require.Error(t, err)
		assert.True(t, IsConfigurationError(err))
	}
}

func TestPollReturnsJobsInDueOrder(t *testing.T) {
	b, _ := setup(t, BucketConfig{Count: 1})
	ctx := context.Background()
	start := time.UnixMilli(1_700_000_000_000)

	for _, offset := range []int{5, 1, 3} {
		job := mustJob(t, fmt.Sprintf("t%d", offset), start.Add(time.Duration(offset)*time.Second))
		require.NoError(t, b.Add(ctx, job))
	}

	var got []string
	for i := 0; i < 3; i++ {
		job, err := b.Poll(ctx, 0)
		require.NoError(t, err)
		require.NotNil(t, job)
		got = append(got, job.Topic())
		require.NoError(t, b.Remove(ctx, 0, job))
	}
	assert.Equal(t, []string{"t1", "t3", "t5"}, got)

	job, err := b.Poll(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestPollDoesNotFilterByDueTime(t *testing.T) {
	b, _ := setup(t, BucketConfig{Count: 1})
	ctx := context.Background()
	future := time.Now().Add(time.Hour)
	require.NoError(t, b.Add(ctx, mustJob(t, "later", future)))

	job, err := b.Poll(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.False(t, job.IsDue(time.Now()))
	assert.Equal(t, future.UnixMilli(), job.Score())

	again, err := b.Poll(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, job.ID(), again.ID(), "Poll must not remove the head")
}

func TestPollRoundTripsJobFields(t *testing.T) {
	b, _ := setup(t, BucketConfig{Count: 1})
	ctx := context.Background()
	due := time.UnixMilli(1_700_000_000_123)
	job, err := NewJob("a|b%c", []byte{0, 1, 2, '|'}, JobID("id|1"), MaxRetry(4), TTR(time.Minute), ProcessAt(due))
	require.NoError(t, err)
	require.NoError(t, b.Add(ctx, job))

	got, err := b.Poll(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "id|1", got.ID())
	assert.Equal(t, "a|b%c", got.Topic())
	assert.Equal(t, []byte{0, 1, 2, '|'}, got.Payload())
	assert.Equal(t, 4, got.Retry())
	assert.Equal(t, time.Minute, got.TTR())
	assert.Equal(t, due.UnixMilli(), got.Score())
	assert.Equal(t, EncodingCompact, got.Encoding())
}

func TestAddRoundRobin(t *testing.T) {
	b, _ := setup(t, BucketConfig{Count: 3})
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		require.NoError(t, b.Add(ctx, mustJob(t, "t", time.Now())))
	}
	assert.Equal(t, int64(3), depth(t, b, 0))
	assert.Equal(t, int64(2), depth(t, b, 1))
	assert.Equal(t, int64(2), depth(t, b, 2))
}

func TestAddBatchLandsInOneBucket(t *testing.T) {
	b, _ := setup(t, BucketConfig{Count: 3})
	ctx := context.Background()

	require.NoError(t, b.AddBatch(ctx, nil))

	var jobs []*Job
	for i := 0; i < 5; i++ {
		jobs = append(jobs, mustJob(t, "t", time.Now().Add(time.Duration(i)*time.Second)))
	}
	require.NoError(t, b.AddBatch(ctx, jobs))

	var depths []int64
	for _, i := range b.Indices() {
		depths = append(depths, depth(t, b, i))
	}
	sort.Slice(depths, func(i, j int) bool { return depths[i] < depths[j] })
	assert.Equal(t, []int64{0, 0, 5}, depths)
}

func TestAddBatchRejectsNilJob(t *testing.T) {
	b, _ := setup(t, BucketConfig{Count: 1})
	err := b.AddBatch(context.Background(), []*Job{mustJob(t, "t", time.Now()), nil})
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
	assert.Equal(t, int64(0), depth(t, b, 0))
}

func TestRemoveIsIdempotent(t *testing.T) {
	b, _ := setup(t, BucketConfig{Count: 1})
	ctx := context.Background()
	kept := mustJob(t, "kept", time.Now())
	gone := mustJob(t, "gone", time.Now().Add(time.Second))
	require.NoError(t, b.Add(ctx, kept))
	require.NoError(t, b.Add(ctx, gone))

	require.NoError(t, b.Remove(ctx, 0, gone))
	require.NoError(t, b.Remove(ctx, 0, gone))
	require.NoError(t, b.Remove(ctx, 0, mustJob(t, "never-added", time.Now())))
	assert.Equal(t, int64(1), depth(t, b, 0))

	head, err := b.Poll(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, kept.ID(), head.ID())
}

func TestPollSkipsMalformedHead(t *testing.T) {
	b, mr := setup(t, BucketConfig{Count: 1})
	ctx := context.Background()
	name, err := b.BucketName(0)
	require.NoError(t, err)

	_, err = mr.ZAdd(name, 1, "definitely not a job")
	require.NoError(t, err)
	require.NoError(t, b.Add(ctx, mustJob(t, "t", time.Now())))

	before := testutil.ToFloat64(metrics.DecodeFailuresTotal.WithLabelValues(name))
	job, err := b.Poll(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.DecodeFailuresTotal.WithLabelValues(name)))
	assert.Equal(t, int64(2), depth(t, b, 0), "Poll must not remove the malformed member")
}

func TestLegacyMemberIsReadAndRemoved(t *testing.T) {
	b, mr := setup(t, BucketConfig{Count: 2})
	ctx := context.Background()
	name, err := b.BucketName(1)
	require.NoError(t, err)

	legacy := `{"jobId":"L-1","topic":"orders","delay_time":"1","ttr":"30","retryCount":2,"body":"hello"}`
	_, err = mr.ZAdd(name, 1_700_000_000_000, legacy)
	require.NoError(t, err)

	job, err := b.Poll(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, EncodingLegacy, job.Encoding())
	assert.Equal(t, "L-1", job.ID())
	assert.Equal(t, "orders", job.Topic())
	assert.Equal(t, []byte("hello"), job.Payload())
	assert.Equal(t, 2, job.Retry())
	assert.Equal(t, 30*time.Second, job.TTR())
	assert.Equal(t, int64(1_700_000_000_000), job.Score())

	require.NoError(t, b.Remove(ctx, 1, job))
	assert.Equal(t, int64(0), depth(t, b, 1))
}

func TestBucketIndexOutOfRange(t *testing.T) {
	b, _ := setup(t, BucketConfig{Count: 2})
	ctx := context.Background()
	job := mustJob(t, "t", time.Now())

	for _, i := range []int{-1, 2, 100} {
		_, err := b.Poll(ctx, i)
		assert.True(t, IsConfigurationError(err), "Poll(%d) error = %v", i, err)

		err = b.Remove(ctx, i, job)
		assert.True(t, IsConfigurationError(err), "Remove(%d) error = %v", i, err)

		_, err = b.BucketName(i)
		assert.True(t, IsConfigurationError(err), "BucketName(%d) error = %v", i, err)
	}
}

func TestStoreUnavailable(t *testing.T) {
	b, mr := setup(t, BucketConfig{Count: 1})
	ctx := context.Background()
	job := mustJob(t, "t", time.Now())
	mr.Close()

	err := b.Add(ctx, job)
	assert.True(t, IsStorageUnavailable(err), "Add error = %v", err)

	_, err = b.Poll(ctx, 0)
	assert.True(t, IsStorageUnavailable(err), "Poll error = %v", err)

	err = b.Remove(ctx, 0, job)
	assert.True(t, IsStorageUnavailable(err), "Remove error = %v", err)

	assert.True(t, IsStorageUnavailable(b.Ping(ctx)))
}

func TestInstanceChangeSwitchesBuckets(t *testing.T) {
	b, _ := setup(t, BucketConfig{Count: 1})
	ctx := context.Background()
	require.NoError(t, b.Add(ctx, mustJob(t, "old", time.Now())))

	before := testutil.ToFloat64(metrics.InstanceChangesTotal)
	b.OnInstanceChange("blue")
	b.OnInstanceChange("blue")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.InstanceChangesTotal))
	assert.Equal(t, []string{"ice:bucket0:blue"}, b.Names())

	job, err := b.Poll(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, job, "jobs of the previous instance must not be visible")

	require.NoError(t, b.Add(ctx, mustJob(t, "new", time.Now())))
	job, err = b.Poll(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "new", job.Topic())

	b.OnInstanceChange("")
	job, err = b.Poll(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "old", job.Topic())
}

func TestDispatchTwoBuckets(t *testing.T) {
	b, _ := setup(t, BucketConfig{Count: 2})
	ctx := context.Background()
	now := time.Now()
	a := mustJob(t, "A", now.Add(10*time.Millisecond))
	c := mustJob(t, "B", now.Add(5*time.Millisecond))
	require.NoError(t, b.Add(ctx, a))
	require.NoError(t, b.Add(ctx, c))

	later := now.Add(time.Second)
	seen := make(map[string]int)
	for round := 0; round < 3; round++ {
		for _, i := range b.Indices() {
			job, err := b.Poll(ctx, i)
			require.NoError(t, err)
			if job == nil || !job.IsDue(later) {
				continue
			}
			seen[job.ID()]++
			require.NoError(t, b.Remove(ctx, i, job))
		}
	}
	assert.Equal(t, map[string]int{a.ID(): 1, c.ID(): 1}, seen)
	for _, i := range b.Indices() {
		assert.Equal(t, int64(0), depth(t, b, i))
	}
}

func TestEmbeddedDelayBucket(t *testing.T) {
	b, err := OpenEmbeddedDelayBucket(t.TempDir(), BucketConfig{Count: 1, LogLevel: ErrorLevel})
	require.NoError(t, err)
	defer b.Close()
	ctx := context.Background()
	start := time.UnixMilli(1_700_000_000_000)

	for _, offset := range []int{5, 1, 3} {
		require.NoError(t, b.Add(ctx, mustJob(t, fmt.Sprint(offset), start.Add(time.Duration(offset)*time.Second))))
	}
	var got []string
	for i := 0; i < 3; i++ {
		job, err := b.Poll(ctx, 0)
		require.NoError(t, err)
		require.NotNil(t, job)
		got = append(got, job.Topic())
		require.NoError(t, b.Remove(ctx, 0, job))
		require.NoError(t, b.Remove(ctx, 0, job))
	}
	assert.Equal(t, []string{"1", "3", "5"}, got)
}

func TestQuarantineHead(t *testing.T) {
	b, mr := setup(t, BucketConfig{Count: 1})
	ctx := context.Background()
	name, err := b.BucketName(0)
	require.NoError(t, err)
	good := mustJob(t, "good", time.UnixMilli(5000))
	require.NoError(t, b.Add(ctx, good))
	_, err = mr.ZAdd(name, 1000, "garbage")
	require.NoError(t, err)

	moved, err := b.quarantineHead(ctx, 0)
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = b.quarantineHead(ctx, 0)
	require.NoError(t, err)
	assert.False(t, moved, "a decodable head must stay in place")

	members, err := mr.ZMembers(base.QuarantineKey(name))
	require.NoError(t, err)
	assert.Equal(t, []string{"garbage"}, members)

	job, err := b.Poll(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, good.ID(), job.ID())
}

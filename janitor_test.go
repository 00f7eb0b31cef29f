// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titandelay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hemant/titandelay/internal/base"
	"github.com/hemant/titandelay/internal/log"
	"github.com/hemant/titandelay/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Logger {
	l := log.NewLogger(nil)
	l.SetLevel(log.FatalLevel)
	return l
}

func TestJanitor(t *testing.T) {
	b, mr := setup(t, BucketConfig{Count: 2})
	ctx := context.Background()
	name0, _ := b.BucketName(0)
	name1, _ := b.BucketName(1)

	for i, m := range []string{"bad-1", "bad-2", "bad-3"} {
		_, err := mr.ZAdd(name0, float64(i), m)
		require.NoError(t, err)
	}
	good := mustJob(t, "good", time.UnixMilli(10_000))
	require.NoError(t, b.addAt(ctx, 0, good))
	_, err := mr.ZAdd(name1, 1, "bad-4")
	require.NoError(t, err)

	before := testutil.ToFloat64(metrics.QuarantinedTotal.WithLabelValues(name0))

	j := newJanitor(janitorParams{
		logger:    testLogger(),
		bucket:    b,
		interval:  time.Second,
		batchSize: 2,
	})
	j.exec()

	// batch size bounds each run
	q0, err := mr.ZMembers(base.QuarantineKey(name0))
	require.NoError(t, err)
	assert.Equal(t, []string{"bad-1", "bad-2"}, q0)
	assert.Equal(t, before+2, testutil.ToFloat64(metrics.QuarantinedTotal.WithLabelValues(name0)))
	q1, err := mr.ZMembers(base.QuarantineKey(name1))
	require.NoError(t, err)
	assert.Equal(t, []string{"bad-4"}, q1)

	j.exec()
	job, err := b.Poll(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, good.ID(), job.ID())
	assert.Equal(t, int64(1), depth(t, b, 0))
}

func TestJanitorStartShutdown(t *testing.T) {
	b, mr := setup(t, BucketConfig{Count: 1})
	name, _ := b.BucketName(0)
	_, err := mr.ZAdd(name, 1, "bad")
	require.NoError(t, err)

	var wg sync.WaitGroup
	j := newJanitor(janitorParams{
		logger:    testLogger(),
		bucket:    b,
		interval:  10 * time.Millisecond,
		batchSize: 10,
	})
	j.start(&wg)

	assert.Eventually(t, func() bool { return depth(t, b, 0) == 0 }, time.Second, 10*time.Millisecond)
	j.shutdown()
	wg.Wait()
}

// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titandelay

import (
	"context"
	"testing"
	"time"

	"github.com/hemant/titandelay/internal/base"
	"github.com/hemant/titandelay/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspectorBuckets(t *testing.T) {
	b, mr := setup(t, BucketConfig{Count: 2})
	ctx := context.Background()
	first := mustJob(t, "first", time.UnixMilli(1000), JobID("first"))
	second := mustJob(t, "second", time.UnixMilli(2000), JobID("second"))
	require.NoError(t, b.addAt(ctx, 0, second))
	require.NoError(t, b.addAt(ctx, 0, first))
	name1, _ := b.BucketName(1)
	_, err := mr.ZAdd(base.QuarantineKey(name1), 1, "bad")
	require.NoError(t, err)

	insp := NewInspector(b)
	buckets, err := insp.Buckets(ctx)
	require.NoError(t, err)
	require.Len(t, buckets, 2)

	assert.Equal(t, 0, buckets[0].Index)
	assert.Equal(t, "ice:bucket0", buckets[0].Name)
	assert.Equal(t, int64(2), buckets[0].Depth)
	require.NotNil(t, buckets[0].Head)
	assert.Equal(t, "first", buckets[0].Head.ID)
	assert.Equal(t, "compact", buckets[0].Head.Encoding)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.BucketDepth.WithLabelValues("ice:bucket0")))

	assert.Equal(t, int64(0), buckets[1].Depth)
	assert.Equal(t, int64(1), buckets[1].Quarantined)
	assert.Nil(t, buckets[1].Head)
}

func TestInspectorListAndLookup(t *testing.T) {
	b, mr := setup(t, BucketConfig{Count: 1})
	ctx := context.Background()
	name, _ := b.BucketName(0)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, b.Add(ctx, mustJob(t, "t", time.UnixMilli(int64(1000*(i+1))), JobID(id))))
	}
	_, err := mr.ZAdd(name, 1500, "garbage")
	require.NoError(t, err)

	insp := NewInspector(b)
	jobs, err := insp.ListJobs(ctx, 0, 3)
	require.NoError(t, err)
	var ids []string
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []string{"a", "b"}, ids, "malformed members count towards the limit")

	job, err := insp.LookupJob(ctx, 0, "c", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), job.Score())

	_, err = insp.LookupJob(ctx, 0, "c", 2)
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = insp.ListJobs(ctx, 5, 1)
	assert.True(t, IsConfigurationError(err))
}

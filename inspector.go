// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titandelay

import (
	"context"

	"github.com/hemant/titandelay/internal/base"
	"github.com/hemant/titandelay/internal/errors"
	"github.com/hemant/titandelay/internal/metrics"
)

// Inspector provides read-only access to the buckets of a DelayBucket.
type Inspector struct {
	bucket *DelayBucket
}

// NewInspector returns a new Inspector over b.
func NewInspector(b *DelayBucket) *Inspector {
	return &Inspector{bucket: b}
}

// BucketInfo holds information about one bucket.
type BucketInfo struct {
	Index int    `json:"index"`
	Name  string `json:"name"`

	// Depth is the number of members in the bucket, malformed ones included.
	Depth int64 `json:"depth"`

	// Quarantined is the number of malformed members moved aside by the janitor.
	Quarantined int64 `json:"quarantined"`

	// Head is the job with the lowest due time, or nil if the bucket is
	// empty or its head is malformed.
	Head *JobInfo `json:"head,omitempty"`
}

// JobInfo is a serializable view of a Job.
type JobInfo struct {
	ID       string `json:"id"`
	Topic    string `json:"topic"`
	Score    int64  `json:"score"`
	Retry    int    `json:"retry"`
	Retried  int    `json:"retried"`
	TTR      int64  `json:"ttr"`
	Encoding string `json:"encoding"`
	Payload  []byte `json:"payload"`
}

func newJobInfo(j *Job) *JobInfo {
	return &JobInfo{
		ID:       j.ID(),
		Topic:    j.Topic(),
		Score:    j.Score(),
		Retry:    j.Retry(),
		Retried:  j.Retried(),
		TTR:      j.msg.TTR,
		Encoding: j.Encoding().String(),
		Payload:  j.Payload(),
	}
}

// Buckets returns information about every bucket, ordered by index.
// It also refreshes the bucket depth gauge.
func (i *Inspector) Buckets(ctx context.Context) ([]*BucketInfo, error) {
	var res []*BucketInfo
	for _, idx := range i.bucket.Indices() {
		info, err := i.Bucket(ctx, idx)
		if err != nil {
			return nil, err
		}
		res = append(res, info)
	}
	return res, nil
}

// Bucket returns information about the bucket at index idx.
func (i *Inspector) Bucket(ctx context.Context, idx int) (*BucketInfo, error) {
	var op errors.Op = "titandelay.Inspector.Bucket"
	b := i.bucket
	name, err := b.bucketAt(op, b.router.snapshot(), idx)
	if err != nil {
		return nil, err
	}
	depth, err := b.store.ZCard(ctx, name)
	if err != nil {
		return nil, b.storeError(op, err)
	}
	quarantined, err := b.store.ZCard(ctx, base.QuarantineKey(name))
	if err != nil {
		return nil, b.storeError(op, err)
	}
	metrics.BucketDepth.WithLabelValues(name).Set(float64(depth))
	info := &BucketInfo{Index: idx, Name: name, Depth: depth, Quarantined: quarantined}
	head, err := b.Poll(ctx, idx)
	if err != nil {
		return nil, err
	}
	if head != nil {
		info.Head = newJobInfo(head)
	}
	return info, nil
}

// ListJobs returns up to n jobs of bucket idx in due order. Malformed members
// are skipped but still count towards n.
func (i *Inspector) ListJobs(ctx context.Context, idx int, n int) ([]*JobInfo, error) {
	var op errors.Op = "titandelay.Inspector.ListJobs"
	b := i.bucket
	name, err := b.bucketAt(op, b.router.snapshot(), idx)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	zs, err := b.store.ZRangeWithScores(ctx, name, 0, int64(n-1))
	if err != nil {
		return nil, b.storeError(op, err)
	}
	res := make([]*JobInfo, 0, len(zs))
	for _, z := range zs {
		msg, err := base.Decode(z.Member, z.Score)
		if err != nil {
			continue
		}
		res = append(res, newJobInfo(newJobFromMessage(msg)))
	}
	return res, nil
}

// ErrJobNotFound indicates that LookupJob found no job with the given id.
var ErrJobNotFound = errors.New("titandelay: job not found")

// LookupJob returns the job with the given id among the first n members of
// bucket idx. It returns ErrJobNotFound if no such job is found.
func (i *Inspector) LookupJob(ctx context.Context, idx int, id string, n int) (*Job, error) {
	var op errors.Op = "titandelay.Inspector.LookupJob"
	b := i.bucket
	name, err := b.bucketAt(op, b.router.snapshot(), idx)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, ErrJobNotFound
	}
	zs, err := b.store.ZRangeWithScores(ctx, name, 0, int64(n-1))
	if err != nil {
		return nil, b.storeError(op, err)
	}
	for _, z := range zs {
		msg, err := base.Decode(z.Member, z.Score)
		if err != nil {
			continue
		}
		if msg.ID == id {
			return newJobFromMessage(msg), nil
		}
	}
	return nil, ErrJobNotFound
}

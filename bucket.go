// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titandelay

import (
	"context"
	"fmt"

	"github.com/hemant/titandelay/internal/base"
	"github.com/hemant/titandelay/internal/errors"
	"github.com/hemant/titandelay/internal/log"
	"github.com/hemant/titandelay/internal/metrics"
	"github.com/hemant/titandelay/internal/pebbledb"
	"github.com/hemant/titandelay/internal/rdb"
	"github.com/redis/go-redis/v9"
)

// DelayBucket shards delayed jobs across a fixed number of ordered buckets.
//
// Producers call Add or AddBatch. A scheduler polls every bucket index
// independently with Poll and deletes a job it has handled with Remove.
// There is no ordering across buckets; use a single bucket if strict global
// due-time ordering is required.
//
// DelayBucket is safe for concurrent use by multiple goroutines.
type DelayBucket struct {
	logger *log.Logger
	store  base.Store
	router *Router

	// When a DelayBucket has been created with an existing store connection,
	// we do not want to close it.
	sharedConnection bool
}

// BucketConfig specifies how jobs are sharded into buckets.
type BucketConfig struct {
	// Count is the number of buckets. It must be positive.
	Count int

	// Prefix is the key prefix for bucket names.
	//
	// If unset, "ice:bucket" is used.
	Prefix string

	// Instance isolates the bucket namespace of one deployment, for example
	// during a blue/green cutover. Empty or "default" means no suffix.
	Instance string

	// Counter optionally replaces the round-robin sequence used to pick a
	// bucket on add.
	Counter Counter

	// Logger specifies the logger used by the bucket.
	//
	// If unset, default logger is used.
	Logger Logger

	// LogLevel specifies the minimum log level to enable.
	//
	// If unset, InfoLevel is used by default.
	LogLevel LogLevel
}

// NewDelayBucket returns a new DelayBucket given a redis connection option.
func NewDelayBucket(r RedisConnOpt, cfg BucketConfig) (*DelayBucket, error) {
	c, ok := r.MakeRedisClient().(redis.UniversalClient)
	if !ok {
		return nil, configError("titandelay.NewDelayBucket", fmt.Sprintf("unsupported RedisConnOpt type %T", r))
	}
	b, err := newDelayBucket(rdb.NewRDB(c), cfg)
	if err != nil {
		c.Close()
		return nil, err
	}
	b.sharedConnection = false
	return b, nil
}

// NewDelayBucketFromRedisClient returns a new DelayBucket given a redis.UniversalClient.
// Warning: The underlying redis connection pool will not be closed by titandelay,
// you are responsible for closing it.
func NewDelayBucketFromRedisClient(c redis.UniversalClient, cfg BucketConfig) (*DelayBucket, error) {
	return newDelayBucket(rdb.NewRDB(c), cfg)
}

// OpenEmbeddedDelayBucket returns a DelayBucket stored in an embedded database
// under dir. It suits single-process deployments without redis.
func OpenEmbeddedDelayBucket(dir string, cfg BucketConfig) (*DelayBucket, error) {
	db, err := pebbledb.Open(dir)
	if err != nil {
		return nil, err
	}
	b, err := newDelayBucket(db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	b.sharedConnection = false
	return b, nil
}

func newDelayBucket(store base.Store, cfg BucketConfig) (*DelayBucket, error) {
	router, err := NewRouter(cfg.Prefix, cfg.Count, cfg.Instance, cfg.Counter)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Logger, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return &DelayBucket{
		logger:           logger,
		store:            store,
		router:           router,
		sharedConnection: true,
	}, nil
}

// Close closes the connection with the store unless it was provided by the caller.
func (b *DelayBucket) Close() error {
	if b.sharedConnection {
		return nil
	}
	return b.store.Close()
}

// Ping checks the connection with the store.
func (b *DelayBucket) Ping(ctx context.Context) error {
	return b.store.Ping(ctx)
}

// BucketCount returns the number of buckets.
func (b *DelayBucket) BucketCount() int { return b.router.Count() }

// Indices returns every valid bucket index, 0 through BucketCount()-1.
func (b *DelayBucket) Indices() []int { return b.router.Indices() }

// Names returns the current bucket names ordered by index.
func (b *DelayBucket) Names() []string { return b.router.Names() }

// Instance returns the instance identifier the bucket names are derived from.
func (b *DelayBucket) Instance() string { return b.router.Instance() }

// BucketName returns the current name of the bucket at index i.
func (b *DelayBucket) BucketName(i int) (string, error) {
	return b.bucketAt("titandelay.BucketName", b.router.snapshot(), i)
}

// OnInstanceChange replaces the bucket name set with the one derived from instance.
// It is safe to call while adds, polls and removes are in flight; each of
// them sees either the old or the new name set, never a mix.
func (b *DelayBucket) OnInstanceChange(instance string) {
	if b.router.OnInstanceChange(instance) {
		metrics.InstanceChangesTotal.Inc()
		b.logger.Infof("Bucket set switched to instance %q", b.router.Instance())
	}
}

// WatchInstance applies instance identifiers received on ch until ch is closed
// or ctx is done. It blocks, so callers typically run it in a goroutine.
func (b *DelayBucket) WatchInstance(ctx context.Context, ch <-chan string) {
	b.router.WatchInstance(ctx, ch, func(instance string) {
		metrics.InstanceChangesTotal.Inc()
		b.logger.Infof("Bucket set switched to instance %q", instance)
	})
}

// Add writes job to the next bucket in round-robin order.
//
// No uniqueness check is performed: adding the same job twice stores it twice
// unless both copies encode to the same member.
func (b *DelayBucket) Add(ctx context.Context, job *Job) error {
	var op errors.Op = "titandelay.Add"
	if job == nil {
		return configError(op, "job cannot be nil")
	}
	name := b.router.snapshot().names[b.router.NextBucketIndex()]
	return b.add(ctx, op, name, []*Job{job})
}

// AddBatch writes all jobs to a single bucket in one atomic insert.
// Callers that need a batch spread over buckets must split it themselves.
func (b *DelayBucket) AddBatch(ctx context.Context, jobs []*Job) error {
	var op errors.Op = "titandelay.AddBatch"
	if len(jobs) == 0 {
		return nil
	}
	for i, job := range jobs {
		if job == nil {
			return configError(op, fmt.Sprintf("job at position %d is nil", i))
		}
	}
	name := b.router.snapshot().names[b.router.NextBucketIndex()]
	return b.add(ctx, op, name, jobs)
}

// addAt writes job to bucket i, bypassing the round-robin sequence.
func (b *DelayBucket) addAt(ctx context.Context, i int, job *Job) error {
	var op errors.Op = "titandelay.addAt"
	name, err := b.bucketAt(op, b.router.snapshot(), i)
	if err != nil {
		return err
	}
	return b.add(ctx, op, name, []*Job{job})
}

func (b *DelayBucket) add(ctx context.Context, op errors.Op, name string, jobs []*Job) error {
	members := make([]base.Z, len(jobs))
	for i, job := range jobs {
		member, err := base.EncodeCompact(job.msg)
		if err != nil {
			return errors.E(op, errors.Internal, err)
		}
		members[i] = base.Z{Member: member, Score: job.msg.Score}
	}
	if err := b.store.ZAdd(ctx, name, members...); err != nil {
		return b.storeError(op, err)
	}
	metrics.JobsAddedTotal.WithLabelValues(name).Add(float64(len(jobs)))
	if len(jobs) == 1 {
		b.logger.Debugf("Added job %s to %s", jobs[0].ID(), name)
	} else {
		b.logger.Debugf("Added %d jobs to %s", len(jobs), name)
	}
	return nil
}

// Poll returns the job with the lowest due time in bucket i without removing it.
//
// It returns a nil job and a nil error if the bucket is empty, or if its head
// cannot be decoded; the latter is counted and logged. Poll does not compare
// the due time with the clock, callers must check Job.IsDue themselves.
func (b *DelayBucket) Poll(ctx context.Context, i int) (*Job, error) {
	var op errors.Op = "titandelay.Poll"
	name, err := b.bucketAt(op, b.router.snapshot(), i)
	if err != nil {
		return nil, err
	}
	// Only the first entry is used.
	zs, err := b.store.ZRangeWithScores(ctx, name, 0, 1)
	if err != nil {
		metrics.PollsTotal.WithLabelValues(name, metrics.PollError).Inc()
		return nil, b.storeError(op, err)
	}
	if len(zs) == 0 {
		metrics.PollsTotal.WithLabelValues(name, metrics.PollEmpty).Inc()
		return nil, nil
	}
	msg, err := base.Decode(zs[0].Member, zs[0].Score)
	if err != nil {
		metrics.PollsTotal.WithLabelValues(name, metrics.PollMalformed).Inc()
		metrics.DecodeFailuresTotal.WithLabelValues(name).Inc()
		b.logger.Warnf("Skipping malformed head of %s: %v", name, err)
		return nil, nil
	}
	metrics.PollsTotal.WithLabelValues(name, metrics.PollHit).Inc()
	return newJobFromMessage(msg), nil
}

// Remove deletes job from bucket i. The member to delete is derived from the
// encoding the job was read with. Removing a job that is not present is a no-op.
func (b *DelayBucket) Remove(ctx context.Context, i int, job *Job) error {
	var op errors.Op = "titandelay.Remove"
	if job == nil {
		return configError(op, "job cannot be nil")
	}
	name, err := b.bucketAt(op, b.router.snapshot(), i)
	if err != nil {
		return err
	}
	member, err := base.RemovalMember(job.msg)
	if err != nil {
		return errors.E(op, errors.Internal, err)
	}
	n, err := b.store.ZRem(ctx, name, member)
	if err != nil {
		return b.storeError(op, err)
	}
	if n > 0 {
		metrics.JobsRemovedTotal.WithLabelValues(name, job.Encoding().String()).Add(float64(n))
		b.logger.Debugf("Removed job %s from %s", job.ID(), name)
	}
	return nil
}

func (b *DelayBucket) bucketAt(op errors.Op, s *bucketSet, i int) (string, error) {
	if i < 0 || i >= len(s.names) {
		return "", configError(op, fmt.Sprintf("bucket index %d out of range [0, %d)", i, len(s.names)))
	}
	return s.names[i], nil
}

func (b *DelayBucket) storeError(op errors.Op, err error) error {
	metrics.StoreErrorsTotal.WithLabelValues(string(op), errors.CanonicalCode(err).String()).Inc()
	return errors.E(op, err)
}

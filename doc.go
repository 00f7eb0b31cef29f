// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

/*
Package titandelay provides the delay bucket storage of a distributed delay queue.

Jobs carry a due time and are sharded round-robin across a fixed number of
buckets. Each bucket is a sorted set ordered by due time in Unix
milliseconds, kept either in Redis or in an embedded pebble database.
A scheduler polls each bucket independently, dispatches the head once it is
due and then removes it.

# Quick Start

Producer:

	b, err := titandelay.NewDelayBucket(
		titandelay.RedisClientOpt{Addr: "localhost:6379"},
		titandelay.BucketConfig{Count: 4},
	)
	if err != nil {
		log.Fatal(err)
	}
	defer b.Close()

	job, _ := titandelay.NewJob("order:cancel", payload, titandelay.ProcessIn(30*time.Minute))
	if err := b.Add(ctx, job); err != nil {
		log.Fatal(err)
	}

Scheduler:

	for _, i := range b.Indices() {
		job, err := b.Poll(ctx, i)
		if err != nil || job == nil || !job.IsDue(time.Now()) {
			continue
		}
		dispatch(job)
		b.Remove(ctx, i, job)
	}

Server runs that loop for every bucket, with retries and graceful shutdown:

	srv, _ := titandelay.NewServer(b, titandelay.Config{})
	srv.Run(titandelay.HandlerFunc(func(ctx context.Context, job *titandelay.Job) error {
		return dispatch(job)
	}))

# Encoding

Jobs are written in a compact delimited format. Members written by older
producers in a self-describing JSON format are still read, and are removed
using the exact bytes they were read with.

# Instances

BucketConfig.Instance suffixes every bucket name so that two deployments
sharing a store do not see each other's jobs. OnInstanceChange and
WatchInstance swap the whole name set atomically while the bucket is in use.
*/
package titandelay

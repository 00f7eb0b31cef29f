// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package base defines foundational types and constants used in titandelay package.
package base

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Version of titandelay library.
const Version = "1.0.0"

// DefaultBucketPrefix is the key prefix shared by every delay bucket.
const DefaultBucketPrefix = "ice:bucket"

// DefaultInstanceName is the reserved instance identifier meaning
// "no instance suffix" on bucket names.
const DefaultInstanceName = "default"

// IsDefaultInstance reports whether id denotes the reserved default instance.
func IsDefaultInstance(id string) bool {
	id = strings.TrimSpace(id)
	return id == "" || id == DefaultInstanceName
}

// ValidateBucketCount validates the number of buckets in a bucket set.
// Returns nil if valid, otherwise returns non-nil error.
func ValidateBucketCount(n int) error {
	if n < 1 {
		return fmt.Errorf("bucket count must be a positive integer, got %d", n)
	}
	return nil
}

// BucketName returns the store key for the bucket at index i.
func BucketName(prefix string, i int, instance string) string {
	if IsDefaultInstance(instance) {
		return prefix + strconv.Itoa(i)
	}
	return prefix + strconv.Itoa(i) + ":" + instance
}

// BucketNames returns the ordered bucket keys for a bucket set of size n.
// It performs no I/O and returns a freshly allocated slice on every call.
func BucketNames(prefix string, n int, instance string) []string {
	if n < 1 {
		return nil
	}
	names := make([]string, n)
	for i := range names {
		names[i] = BucketName(prefix, i, instance)
	}
	return names
}

// QuarantineKey returns the store key holding members of the given bucket
// that could not be decoded.
func QuarantineKey(bucket string) string {
	return bucket + ":quarantine"
}

// EncodingKind tells which wire format a bucket member was stored with.
type EncodingKind int

const (
	// EncodingCompact is the current, minimal wire format.
	EncodingCompact EncodingKind = iota

	// EncodingLegacy is the older self-describing JSON format.
	EncodingLegacy
)

func (k EncodingKind) String() string {
	switch k {
	case EncodingCompact:
		return "compact"
	case EncodingLegacy:
		return "legacy"
	}
	panic(fmt.Sprintf("internal error: unknown encoding kind %d", k))
}

// Encoding is resolved once when a member is decoded and travels with the job.
type Encoding struct {
	Kind EncodingKind

	// Raw holds the member exactly as it was read from the store.
	// Empty for messages that were built in process.
	Raw string
}

// JobMessage is the internal representation of a delayed job.
// Serialized data of this type gets written to a bucket as a sorted set member.
type JobMessage struct {
	// ID is a unique identifier for each job.
	ID string

	// Topic is the routing key consumed downstream.
	Topic string

	// Payload holds data needed to process the job.
	Payload []byte

	// Retry is the max number of retry for this job.
	Retry int

	// Retried is the number of times we've retried this job so far.
	Retried int

	// TTR is the time-to-run in seconds granted to a consumer.
	//
	// Use zero to indicate no limit.
	TTR int64

	// Score is the due time in Unix milliseconds.
	// It is carried by the bucket, never by the encoded member.
	Score int64

	// Encoding records how the message was read from a bucket.
	Encoding Encoding
}

// DueAt returns the due time of the message.
func (msg *JobMessage) DueAt() time.Time {
	return time.UnixMilli(msg.Score)
}

// Z represents sorted set member.
type Z struct {
	Member string
	Score  int64
}

// Store is an ordered key-value store exposing a sorted set primitive.
//
// See rdb.RDB as a reference implementation.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// ZAdd inserts members or updates their score. All members are written atomically.
	ZAdd(ctx context.Context, key string, members ...Z) error

	// ZRangeWithScores returns members ranked start..stop (inclusive) in ascending score order.
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Z, error)

	// ZRem deletes members and returns how many were present.
	ZRem(ctx context.Context, key string, members ...string) (int64, error)

	ZCard(ctx context.Context, key string) (int64, error)

	// ZMove atomically removes z from src and adds it to dst.
	ZMove(ctx context.Context, src, dst string, z Z) error
}

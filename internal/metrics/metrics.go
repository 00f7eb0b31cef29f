// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package metrics holds the prometheus collectors exported by titandelay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Poll results.
const (
	PollHit       = "hit"
	PollEmpty     = "empty"
	PollMalformed = "malformed"
	PollError     = "error"
)

// Dispatch outcomes.
const (
	DispatchSuccess = "success"
	DispatchRetry   = "retry"
	DispatchDropped = "dropped"
)

var (
	// JobsAddedTotal counts jobs written to a bucket
	JobsAddedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "titandelay_jobs_added_total",
			Help: "Total number of jobs added to delay buckets",
		},
		[]string{"bucket"},
	)

	// PollsTotal counts polls by result
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "titandelay_polls_total",
			Help: "Total number of bucket polls by result",
		},
		[]string{"bucket", "result"},
	)

	// DecodeFailuresTotal counts bucket members that no decoder accepted
	DecodeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "titandelay_decode_failures_total",
			Help: "Total number of bucket members that could not be decoded",
		},
		[]string{"bucket"},
	)

	// JobsRemovedTotal counts removals that deleted a member
	JobsRemovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "titandelay_jobs_removed_total",
			Help: "Total number of jobs removed from delay buckets",
		},
		[]string{"bucket", "encoding"},
	)

	// StoreErrorsTotal counts failed store operations
	StoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "titandelay_store_errors_total",
			Help: "Total number of failed store operations",
		},
		[]string{"op", "code"},
	)

	// InstanceChangesTotal counts bucket set swaps
	InstanceChangesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "titandelay_instance_changes_total",
			Help: "Total number of bucket name set replacements",
		},
	)

	// JobsDispatchedTotal counts handler invocations by outcome
	JobsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "titandelay_jobs_dispatched_total",
			Help: "Total number of due jobs handed to the handler by outcome",
		},
		[]string{"topic", "outcome"},
	)

	// QuarantinedTotal counts malformed members moved out of a bucket
	QuarantinedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "titandelay_quarantined_total",
			Help: "Total number of malformed members moved to quarantine",
		},
		[]string{"bucket"},
	)

	// BucketDepth gauge for bucket sizes
	BucketDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "titandelay_bucket_depth",
			Help: "Number of jobs held in a delay bucket",
		},
		[]string{"bucket"},
	)
)

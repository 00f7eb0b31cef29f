// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titandelay

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/hemant/titandelay/internal/base"
)

// maxBucketCursor bounds the round-robin cursor so it never grows with process lifetime.
const maxBucketCursor = 1 << 16

// Counter hands out the sequence used to pick a bucket for each add.
//
// Implementations must be safe for concurrent use.
type Counter interface {
	Next() uint64
}

// cyclicCounter is the default Counter. It wraps at a multiple of the bucket
// count, so wrapping never skews the round-robin order.
type cyclicCounter struct {
	v     atomic.Uint64
	limit uint64
}

func newCyclicCounter(n int) *cyclicCounter {
	limit := uint64(maxBucketCursor)
	if uint64(n) >= limit {
		limit = uint64(n)
	} else {
		limit -= limit % uint64(n)
	}
	return &cyclicCounter{limit: limit}
}

func (c *cyclicCounter) Next() uint64 {
	for {
		cur := c.v.Load()
		next := cur + 1
		if next >= c.limit {
			next = 0
		}
		if c.v.CompareAndSwap(cur, next) {
			return cur
		}
	}
}

// bucketSet is an immutable snapshot of the bucket names for one instance.
type bucketSet struct {
	instance string
	names    []string
}

// Router assigns adds to buckets and owns the bucket name set.
//
// Router is safe for concurrent use. The name set is replaced wholesale on
// instance change, so readers always observe one complete generation.
type Router struct {
	prefix  string
	n       int
	counter Counter
	set     atomic.Pointer[bucketSet]
}

// NewRouter returns a Router for n buckets named after prefix and instance.
// If counter is nil, a lock-free cyclic counter is used.
func NewRouter(prefix string, n int, instance string, counter Counter) (*Router, error) {
	if err := base.ValidateBucketCount(n); err != nil {
		return nil, configError("titandelay.NewRouter", err.Error())
	}
	if prefix == "" {
		prefix = base.DefaultBucketPrefix
	}
	if counter == nil {
		counter = newCyclicCounter(n)
	}
	r := &Router{prefix: prefix, n: n, counter: counter}
	r.set.Store(newBucketSet(prefix, n, instance))
	return r, nil
}

func newBucketSet(prefix string, n int, instance string) *bucketSet {
	instance = strings.TrimSpace(instance)
	if base.IsDefaultInstance(instance) {
		instance = base.DefaultInstanceName
	}
	return &bucketSet{instance: instance, names: base.BucketNames(prefix, n, instance)}
}

// ComputeNames returns the bucket names for n buckets under the given instance.
// It is a pure function of its arguments.
func ComputeNames(prefix string, n int, instance string) []string {
	return base.BucketNames(prefix, n, instance)
}

// NextBucketIndex returns the index of the bucket that should receive the next add.
func (r *Router) NextBucketIndex() int {
	return int(r.counter.Next() % uint64(r.n))
}

// Count returns the number of buckets.
func (r *Router) Count() int { return r.n }

// Indices returns every valid bucket index in ascending order.
func (r *Router) Indices() []int {
	idx := make([]int, r.n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// Names returns a copy of the current bucket names.
func (r *Router) Names() []string {
	s := r.set.Load()
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Instance returns the current instance identifier.
func (r *Router) Instance() string {
	return r.set.Load().instance
}

// snapshot returns the current name set. Callers must not modify it.
func (r *Router) snapshot() *bucketSet {
	return r.set.Load()
}

// OnInstanceChange recomputes the bucket names for instance and swaps them in.
// It reports whether the name set changed.
func (r *Router) OnInstanceChange(instance string) bool {
	next := newBucketSet(r.prefix, r.n, instance)
	for {
		cur := r.set.Load()
		if cur.instance == next.instance {
			return false
		}
		if r.set.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// WatchInstance applies every instance identifier received on ch until ch is
// closed or ctx is done. onChange, if non-nil, is called after each swap.
func (r *Router) WatchInstance(ctx context.Context, ch <-chan string, onChange func(instance string)) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-ch:
			if !ok {
				return
			}
			if r.OnInstanceChange(id) && onChange != nil {
				onChange(r.Instance())
			}
		}
	}
}

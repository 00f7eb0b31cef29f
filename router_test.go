// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titandelay

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sequenceCounter struct {
	mu  sync.Mutex
	seq []uint64
	i   int
}

func (c *sequenceCounter) Next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.seq[c.i%len(c.seq)]
	c.i++
	return v
}

func TestComputeNames(t *testing.T) {
	tests := []struct {
		n        int
		instance string
		want     []string
	}{
		{1, "", []string{"ice:bucket0"}},
		{3, "default", []string{"ice:bucket0", "ice:bucket1", "ice:bucket2"}},
		{2, "blue", []string{"ice:bucket0:blue", "ice:bucket1:blue"}},
		{0, "", nil},
	}

	for _, tc := range tests {
		got := ComputeNames("ice:bucket", tc.n, tc.instance)
		assert.Equal(t, tc.want, got, "ComputeNames(%d, %q)", tc.n, tc.instance)
		assert.Equal(t, got, ComputeNames("ice:bucket", tc.n, tc.instance), "ComputeNames should be pure")
	}
}

func TestComputeNamesDistinct(t *testing.T) {
	for n := 1; n <= 64; n++ {
		names := ComputeNames("ice:bucket", n, "green")
		require.Len(t, names, n)
		seen := make(map[string]bool)
		for _, name := range names {
			assert.False(t, seen[name], "duplicate bucket name %q for n=%d", name, n)
			seen[name] = true
		}
	}
}

func TestNewRouterRejectsNonPositiveCount(t *testing.T) {
	for _, n := range []int{0, -1} {
		_, err := NewRouter("", n, "", nil)
		require.Error(t, err)
		assert.True(t, IsConfigurationError(err), "NewRouter(%d) error = %v", n, err)
	}
}

func TestNextBucketIndexFairness(t *testing.T) {
	for n := 1; n <= 9; n++ {
		r, err := NewRouter("", n, "", nil)
		require.NoError(t, err)
		const k = 1000
		counts := make([]int, n)
		for i := 0; i < k; i++ {
			idx := r.NextBucketIndex()
			require.True(t, idx >= 0 && idx < n)
			counts[idx]++
		}
		for idx, c := range counts {
			assert.GreaterOrEqual(t, c, k/n, "n=%d: index %d visited %d times", n, idx, c)
		}
	}
}

func TestCyclicCounterWrapsWithoutSkew(t *testing.T) {
	c := newCyclicCounter(3)
	assert.Equal(t, uint64(maxBucketCursor-maxBucketCursor%3), c.limit)

	c.v.Store(c.limit - 1)
	assert.Equal(t, c.limit-1, c.Next())
	assert.Equal(t, uint64(0), c.Next())
	assert.Equal(t, uint64(2), (c.limit-1)%3, "last value before wrap should be followed by index 0")
}

func TestNextBucketIndexInjectedCounter(t *testing.T) {
	r, err := NewRouter("", 4, "", &sequenceCounter{seq: []uint64{3, 3, 0, 9}})
	require.NoError(t, err)

	var got []int
	for i := 0; i < 4; i++ {
		got = append(got, r.NextBucketIndex())
	}
	assert.Equal(t, []int{3, 3, 0, 1}, got)
}

func TestOnInstanceChange(t *testing.T) {
	r, err := NewRouter("", 2, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "default", r.Instance())

	assert.False(t, r.OnInstanceChange("default"))
	assert.False(t, r.OnInstanceChange(""))

	assert.True(t, r.OnInstanceChange("blue"))
	assert.Equal(t, "blue", r.Instance())
	assert.Equal(t, []string{"ice:bucket0:blue", "ice:bucket1:blue"}, r.Names())

	assert.False(t, r.OnInstanceChange(" blue "))

	assert.True(t, r.OnInstanceChange("default"))
	assert.Equal(t, []string{"ice:bucket0", "ice:bucket1"}, r.Names())
}

func TestNamesReturnsCopy(t *testing.T) {
	r, err := NewRouter("", 2, "", nil)
	require.NoError(t, err)

	names := r.Names()
	names[0] = "mutated"
	assert.Equal(t, "ice:bucket0", r.Names()[0])
}

func TestInstanceChangeIsAtomic(t *testing.T) {
	r, err := NewRouter("", 16, "a", nil)
	require.NoError(t, err)

	var stop atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; !stop.Load(); i++ {
			if i%2 == 0 {
				r.OnInstanceChange("b")
			} else {
				r.OnInstanceChange("a")
			}
		}
	}()

	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				s := r.snapshot()
				suffix := ":" + s.instance
				for _, name := range s.names {
					if !strings.HasSuffix(name, suffix) {
						t.Errorf("name %q does not belong to instance %q", name, s.instance)
						return
					}
				}
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	stop.Store(true)
	wg.Wait()
}

func TestWatchInstance(t *testing.T) {
	r, err := NewRouter("", 1, "", nil)
	require.NoError(t, err)

	ch := make(chan string)
	var changes []string
	done := make(chan struct{})
	go func() {
		r.WatchInstance(context.Background(), ch, func(instance string) {
			changes = append(changes, instance)
		})
		close(done)
	}()

	ch <- "blue"
	ch <- "blue"
	ch <- "green"
	close(ch)
	<-done

	assert.Equal(t, []string{"blue", "green"}, changes)
	assert.Equal(t, []string{"ice:bucket0:green"}, r.Names())
}

func TestWatchInstanceStopsOnContextDone(t *testing.T) {
	r, err := NewRouter("", 1, "", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.WatchInstance(ctx, make(chan string), nil)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WatchInstance did not return after context was canceled")
	}
}

// ABOUTME: Tests for the retired-key cache.
// ABOUTME: Validates TTL expiration, size limits, eviction order, sweeping, and concurrency safety.

package dedupe

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type seqKey struct {
	agent string
	seq   int64
}

func TestCache_Contains(t *testing.T) {
	cache := New[seqKey](5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.Contains(seqKey{"a", 1}))

	cache.Mark(seqKey{"a", 1})
	assert.True(t, cache.Contains(seqKey{"a", 1}))
	assert.False(t, cache.Contains(seqKey{"a", 2}))
	assert.False(t, cache.Contains(seqKey{"b", 1}))
}

func TestCache_Expired(t *testing.T) {
	cache := New[string](10*time.Millisecond, 100)
	defer cache.Close()

	cache.Mark("k")
	assert.True(t, cache.Contains("k"))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, cache.Contains("k"))
}

func TestCache_Forget(t *testing.T) {
	cache := New[string](time.Minute, 10)
	defer cache.Close()

	cache.Mark("k")
	cache.Forget("k")
	cache.Forget("missing")
	assert.False(t, cache.Contains("k"))
	assert.Zero(t, cache.Len())
}

func TestCache_EvictionOrder(t *testing.T) {
	cache := New[int](time.Minute, 3)
	defer cache.Close()

	cache.Mark(1)
	cache.Mark(2)
	cache.Mark(3)
	cache.Mark(1) // refresh moves 1 behind 3
	cache.Mark(4) // evicts 2

	assert.True(t, cache.Contains(1))
	assert.False(t, cache.Contains(2))
	assert.True(t, cache.Contains(3))
	assert.True(t, cache.Contains(4))
	assert.Equal(t, 3, cache.Len())
}

func TestCache_Sweep(t *testing.T) {
	cache := New[string](time.Minute, 10)
	defer cache.Close()

	base := time.Now()
	cache.now = func() time.Time { return base }
	cache.Mark("old")

	cache.now = func() time.Time { return base.Add(45 * time.Second) }
	cache.Mark("new")

	cache.now = func() time.Time { return base.Add(90 * time.Second) }
	cache.sweep()

	assert.Equal(t, 1, cache.Len())
	assert.True(t, cache.Contains("new"))
}

func TestCache_CheckAndMark(t *testing.T) {
	cache := New[string](time.Minute, 10)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("k"))
	assert.True(t, cache.CheckAndMark("k"))
}

func TestCache_CheckAndMark_Atomic(t *testing.T) {
	cache := New[int](time.Minute, 1000)
	defer cache.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	firsts := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !cache.CheckAndMark(7) {
				mu.Lock()
				firsts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, firsts)
}

func TestCache_Close(t *testing.T) {
	cache := New[string](time.Minute, 10)
	cache.Close()
	cache.Close()
}

package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// Sharded is a concurrency-safe map that remembers when each entry was
// stored. Keys hash onto independent shards so unrelated keys never share
// a lock.
type Sharded[V any] struct {
	shards [numShards]*shard[V]
}

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]Entry[V]
}

// Entry is a stored value and its store time.
type Entry[V any] struct {
	Value    V
	StoredAt time.Time
}

// Age returns how long ago the entry was stored relative to now.
func (e Entry[V]) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// NewSharded creates an empty cache.
func NewSharded[V any]() *Sharded[V] {
	c := &Sharded[V]{}
	for i := range c.shards {
		c.shards[i] = &shard[V]{items: make(map[string]Entry[V])}
	}
	return c
}

func (c *Sharded[V]) getShard(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores value under key stamped with storedAt.
func (c *Sharded[V]) Set(key string, value V, storedAt time.Time) {
	s := c.getShard(key)
	s.mu.Lock()
	s.items[key] = Entry[V]{Value: value, StoredAt: storedAt}
	s.mu.Unlock()
}

// Get returns the entry for key.
func (c *Sharded[V]) Get(key string) (Entry[V], bool) {
	s := c.getShard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	return e, ok
}

// Delete removes key.
func (c *Sharded[V]) Delete(key string) {
	s := c.getShard(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Clear drops every entry.
func (c *Sharded[V]) Clear() int {
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		removed += len(s.items)
		s.items = make(map[string]Entry[V])
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of entries across all shards.
func (c *Sharded[V]) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Keys returns every key currently stored.
func (c *Sharded[V]) Keys() []string {
	var keys []string
	for _, s := range c.shards {
		s.mu.RLock()
		for k := range s.items {
			keys = append(keys, k)
		}
		s.mu.RUnlock()
	}
	return keys
}

// Stats summarises shard occupancy.
type Stats struct {
	TotalItems  int            `json:"total_items"`
	ShardCounts [numShards]int `json:"shard_counts"`
	OldestAge   time.Duration  `json:"oldest_age"`
}

// Stats returns occupancy relative to now.
func (c *Sharded[V]) Stats(now time.Time) Stats {
	var st Stats
	var oldest time.Time
	for i, s := range c.shards {
		s.mu.RLock()
		st.ShardCounts[i] = len(s.items)
		st.TotalItems += len(s.items)
		for _, e := range s.items {
			if oldest.IsZero() || e.StoredAt.Before(oldest) {
				oldest = e.StoredAt
			}
		}
		s.mu.RUnlock()
	}
	if !oldest.IsZero() {
		st.OldestAge = now.Sub(oldest)
	}
	return st
}

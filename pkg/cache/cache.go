// Package cache provides a bounded in-memory LRU used in front of the
// blob-property store. Concurrent loads of one key are collapsed into a
// single call.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Stats holds cache statistics.
type Stats struct {
	Hits      int64 // Number of cache hits
	Misses    int64 // Number of cache misses
	Loads     int64 // Number of loader calls actually executed
	Size      int   // Current number of entries
	Capacity  int   // Maximum capacity
	Evictions int64 // Number of evicted entries
	Expired   int64 // Number of expired entries
}

// Cache is a threadsafe LRU with TTL support.
type Cache[K comparable, V any] struct {
	mu          sync.RWMutex
	ll          *list.List
	items       map[K]*list.Element
	capacity    int
	ttl         time.Duration
	stats       Stats
	group       singleflight.Group
	cleanupStop context.CancelFunc
	cleanupDone chan struct{}
}

type entry[K comparable, V any] struct {
	key    K
	value  V
	expire time.Time
}

// New returns a cache with given capacity and ttl.
// If ttl > 0, starts a background goroutine to periodically clean expired entries.
func New[K comparable, V any](capacity int, ttl time.Duration) *Cache[K, V] {
	if capacity <= 0 {
		capacity = 1024
	}
	c := &Cache[K, V]{
		ll:       list.New(),
		items:    make(map[K]*list.Element),
		capacity: capacity,
		ttl:      ttl,
	}
	if ttl > 0 {
		c.cleanupDone = make(chan struct{})
		ctx, cancel := context.WithCancel(context.Background())
		c.cleanupStop = cancel
		go c.cleanupExpired(ctx, ttl)
	}
	return c
}

// Get retrieves a value if present and not expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[key]; ok {
		ent := ele.Value.(*entry[K, V])
		if c.ttl > 0 && time.Now().After(ent.expire) {
			c.removeElement(ele)
			atomic.AddInt64(&c.stats.Expired, 1)
			atomic.AddInt64(&c.stats.Misses, 1)
			var zero V
			return zero, false
		}
		c.ll.MoveToFront(ele)
		atomic.AddInt64(&c.stats.Hits, 1)
		return ent.value, true
	}
	atomic.AddInt64(&c.stats.Misses, 1)
	var zero V
	return zero, false
}

// Set inserts or updates a cache entry.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[key]; ok {
		c.ll.MoveToFront(ele)
		ent := ele.Value.(*entry[K, V])
		ent.value = value
		if c.ttl > 0 {
			ent.expire = time.Now().Add(c.ttl)
		}
		return
	}
	if c.ll.Len() >= c.capacity {
		c.evictOldest()
	}
	ent := &entry[K, V]{key: key, value: value}
	if c.ttl > 0 {
		ent.expire = time.Now().Add(c.ttl)
	}
	c.items[key] = c.ll.PushFront(ent)
}

// GetOrLoad returns the cached value for key or calls load to produce it.
// Callers asking for the same missing key at the same time share one load.
// Failed loads are not cached. The hit result reports whether the value came
// from the cache.
func (c *Cache[K, V]) GetOrLoad(key K, load func() (V, error)) (value V, hit bool, err error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}
	res, err, _ := c.group.Do(fmt.Sprintf("%#v", key), func() (any, error) {
		if v, ok := c.peek(key); ok {
			return v, nil
		}
		atomic.AddInt64(&c.stats.Loads, 1)
		v, err := load()
		if err != nil {
			return v, err
		}
		c.Set(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, false, err
	}
	v, _ := res.(V)
	return v, false, nil
}

// peek looks key up without touching stats or recency.
func (c *Cache[K, V]) peek(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if ele, ok := c.items[key]; ok {
		ent := ele.Value.(*entry[K, V])
		if c.ttl <= 0 || !time.Now().After(ent.expire) {
			return ent.value, true
		}
	}
	var zero V
	return zero, false
}

func (c *Cache[K, V]) evictOldest() {
	ele := c.ll.Back()
	if ele != nil {
		c.removeElement(ele)
		atomic.AddInt64(&c.stats.Evictions, 1)
	}
}

func (c *Cache[K, V]) removeElement(ele *list.Element) {
	c.ll.Remove(ele)
	ent := ele.Value.(*entry[K, V])
	delete(c.items, ent.key)
}

// Stats returns current cache statistics.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Hits:      atomic.LoadInt64(&c.stats.Hits),
		Misses:    atomic.LoadInt64(&c.stats.Misses),
		Loads:     atomic.LoadInt64(&c.stats.Loads),
		Size:      c.ll.Len(),
		Capacity:  c.capacity,
		Evictions: atomic.LoadInt64(&c.stats.Evictions),
		Expired:   atomic.LoadInt64(&c.stats.Expired),
	}
}

// Size returns the current number of entries in the cache.
func (c *Cache[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ll.Len()
}

// cleanupExpired periodically removes expired entries.
func (c *Cache[K, V]) cleanupExpired(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval / 2)
	if interval < time.Minute {
		ticker.Reset(time.Minute)
	}
	defer ticker.Stop()
	defer close(c.cleanupDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanupOnce()
		}
	}
}

// cleanupOnce removes all expired entries in one pass.
func (c *Cache[K, V]) cleanupOnce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ttl <= 0 {
		return
	}
	now := time.Now()
	for _, ele := range c.items {
		if now.After(ele.Value.(*entry[K, V]).expire) {
			c.removeElement(ele)
			atomic.AddInt64(&c.stats.Expired, 1)
		}
	}
}

// Close stops the background cleanup goroutine and waits for it to finish.
// It's safe to call Close multiple times.
func (c *Cache[K, V]) Close() error {
	if c.cleanupStop != nil {
		c.cleanupStop()
		c.cleanupStop = nil
		if c.cleanupDone != nil {
			<-c.cleanupDone
		}
	}
	return nil
}

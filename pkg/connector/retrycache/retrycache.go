// Copyright 2024-2026 Aiku AI

// Package retrycache bounds decryption retry storms. It counts retry attempts
// per message ID in a TTL- and capacity-limited cache, so IDs of messages
// that will never decrypt eventually age out instead of accumulating.
package retrycache

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const (
	DefaultTTL      = 5 * time.Minute
	DefaultCapacity = 10000
)

// Cache maps message IDs to attempt counts. It is safe for concurrent use.
type Cache struct {
	mu    sync.Mutex
	items *ttlcache.Cache[string, int]

	running bool
	runMu   sync.Mutex
}

// New creates a cache. Zero values select DefaultTTL and DefaultCapacity.
// Reads never extend an entry's lifetime; only Increment does.
func New(ttl time.Duration, capacity uint64) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		items: ttlcache.New[string, int](
			ttlcache.WithTTL[string, int](ttl),
			ttlcache.WithCapacity[string, int](capacity),
			ttlcache.WithDisableTouchOnHit[string, int](),
		),
	}
}

// Start runs the background eviction of expired entries until Stop is called.
func (c *Cache) Start() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return
	}
	c.running = true
	go c.items.Start()
}

// Stop ends background eviction. It is a no-op if Start was never called.
func (c *Cache) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	c.items.Stop()
}

// Get returns the attempt count for id, or false when it is absent or expired.
func (c *Cache) Get(id string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(id)
}

func (c *Cache) getLocked(id string) (int, bool) {
	item := c.items.Get(id)
	if item == nil || item.IsExpired() {
		return 0, false
	}
	return item.Value(), true
}

// Increment bumps the attempt count for id and restarts its TTL. An absent
// or expired entry starts again from 1.
func (c *Cache) Increment(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count, _ := c.getLocked(id)
	count++
	c.items.Set(id, count, ttlcache.DefaultTTL)
	return count
}

// Delete forgets id, e.g. once the message finally decrypted.
func (c *Cache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Delete(id)
}

// Len returns the number of entries, including expired ones not yet evicted.
func (c *Cache) Len() int {
	return c.items.Len()
}

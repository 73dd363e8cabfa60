package cache

import (
	"sync"
	"time"
)

// Item represents a cached value with expiration
type Item[V any] struct {
	Value     V
	ExpiresAt time.Time
	CreatedAt time.Time
}

// IsExpired checks if the cache item has expired
func (item *Item[V]) IsExpired() bool {
	return time.Now().After(item.ExpiresAt)
}

// Cache is a thread-safe in-memory cache with TTL support
type Cache[V any] struct {
	items           map[string]*Item[V]
	mu              sync.Mutex
	ttl             time.Duration
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// New creates a cache whose entries live for ttl after their last update.
func New[V any](ttl time.Duration) *Cache[V] {
	c := &Cache[V]{
		items:           make(map[string]*Item[V]),
		ttl:             ttl,
		cleanupInterval: ttl / 2,
		stopCleanup:     make(chan struct{}),
	}
	if c.cleanupInterval <= 0 {
		c.cleanupInterval = time.Second
	}

	go c.cleanup()

	return c
}

// Update replaces the value under key with fn(current, found) and refreshes
// its expiry. Expired entries are passed to fn as not found.
func (c *Cache[V]) Update(key string, fn func(current V, found bool) V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var current V
	found := false
	if item, ok := c.items[key]; ok && !item.IsExpired() {
		current, found = item.Value, true
	}
	now := time.Now()
	c.items[key] = &Item[V]{
		Value:     fn(current, found),
		ExpiresAt: now.Add(c.ttl),
		CreatedAt: now,
	}
}

// Take removes key and returns its value if it had not expired.
func (c *Cache[V]) Take(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	item, exists := c.items[key]
	if !exists {
		return zero, false
	}
	delete(c.items, key)
	if item.IsExpired() {
		return zero, false
	}
	return item.Value, true
}

func (c *Cache[V]) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, item := range c.items {
		if item.IsExpired() {
			delete(c.items, key)
		}
	}
}

func (c *Cache[V]) cleanup() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.stopCleanup:
			return
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (c *Cache[V]) Stop() {
	c.stopOnce.Do(func() { close(c.stopCleanup) })
}

package transport

import (
	"sync"
	"time"
)

// responseCache holds successful read-only responses.
// An entry is never served once now - storedAt > ttl.
type responseCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]cacheEntry
}

type cacheEntry struct {
	payload  *Response
	storedAt time.Time
}

func newResponseCache(ttl time.Duration, max int) *responseCache {
	if max <= 0 {
		max = 256
	}
	return &responseCache{ttl: ttl, max: max, entries: make(map[string]cacheEntry)}
}

func (c *responseCache) get(key string, now time.Time) (*Response, bool) {
	if c.ttl <= 0 {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if now.Sub(e.storedAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return e.payload.clone(), true
}

func (c *responseCache) put(key string, resp *Response, now time.Time) {
	if c.ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.max {
		c.evictLocked(now)
	}
	c.entries[key] = cacheEntry{payload: resp.clone(), storedAt: now}
}

func (c *responseCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

// evictLocked drops expired entries, then the oldest one if still full
func (c *responseCache) evictLocked(now time.Time) {
	var (
		oldestKey string
		oldestAt  time.Time
	)
	for key, e := range c.entries {
		if now.Sub(e.storedAt) > c.ttl {
			delete(c.entries, key)
			continue
		}
		if oldestKey == "" || e.storedAt.Before(oldestAt) {
			oldestKey, oldestAt = key, e.storedAt
		}
	}
	if len(c.entries) >= c.max && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// errorCache remembers recent failures per request signature
type errorCache struct {
	mu      sync.Mutex
	entries map[string]errorEntry
}

type errorEntry struct {
	err   Error
	until time.Time
}

func newErrorCache() *errorCache {
	return &errorCache{entries: make(map[string]errorEntry)}
}

func (c *errorCache) get(key string, now time.Time) (*Error, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !now.Before(e.until) {
		delete(c.entries, key)
		return nil, false
	}
	err := e.err
	err.Cached = true
	err.RetryAfter = e.until.Sub(now)
	return &err, true
}

func (c *errorCache) put(key string, err *Error, ttl time.Duration, now time.Time) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = errorEntry{err: *err, until: now.Add(ttl)}
}

func (c *errorCache) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *errorCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]errorEntry)
}

package service

import (
	"container/list"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/layer-3/passkeyd/core"
)

// validationCache remembers positive authoritative validations for a short
// interval. Entries never outlive the session they describe.
type validationCache struct {
	mu      sync.Mutex
	entries map[[32]byte]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
}

type cachedValidation struct {
	key      [32]byte
	session  core.Session
	storedAt time.Time
}

func newValidationCache(ttl time.Duration, maxSize int) *validationCache {
	return &validationCache{
		entries: make(map[[32]byte]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

func cacheKey(token string) [32]byte {
	return blake3.Sum256([]byte(token))
}

// get returns the cached session. expired is set when the session itself
// has expired at now, in which case the entry is dropped.
func (c *validationCache) get(key [32]byte, now time.Time) (sess *core.Session, expired bool) {
	if c.ttl <= 0 {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*cachedValidation)
	if !entry.session.Valid(now) {
		c.removeLocked(elem)
		return nil, true
	}
	if now.Sub(entry.storedAt) > c.ttl {
		c.removeLocked(elem)
		return nil, false
	}
	s := entry.session
	return &s, false
}

func (c *validationCache) put(key [32]byte, sess *core.Session, now time.Time) {
	if c.ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
	for len(c.entries) >= c.maxSize && c.order.Len() > 0 {
		c.removeLocked(c.order.Front())
	}
	c.entries[key] = c.order.PushBack(&cachedValidation{key: key, session: *sess, storedAt: now})
}

func (c *validationCache) evict(key [32]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
}

// evictSession drops every entry for the session id
func (c *validationCache) evictSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, elem := range c.entries {
		if elem.Value.(*cachedValidation).session.ID == id {
			c.removeLocked(elem)
		}
	}
}

func (c *validationCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *validationCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cachedValidation)
	c.order.Remove(elem)
	delete(c.entries, entry.key)
}

// Package cache provides a TTL response cache for model replies.
//
// Eviction is FIFO by insertion order, not LRU: access recency is ignored
// on purpose. Changing this silently alters cache-hit behavior, so keep the
// policy unless a stronger contract is explicitly wanted.
package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// fingerprintPrefixLen is how many characters of the normalized query feed
// the fingerprint. Two long queries sharing this prefix collide; that is an
// accepted approximation, not a defect.
const fingerprintPrefixLen = 100

// Fingerprint derives the cache key for a user's query: user identity plus
// the lowercased, trimmed, prefix-truncated text.
func Fingerprint(userID, text string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if len(normalized) > fingerprintPrefixLen {
		normalized = normalized[:fingerprintPrefixLen]
	}
	return userID + ":" + normalized
}

// Response is a cached model reply.
type Response struct {
	Text string
}

// ResponseCache maps fingerprints to recent model responses with TTL
// expiry and FIFO capacity eviction. The entry map is mutated only through
// this type's methods.
type ResponseCache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // insertion order, oldest at back
	maxSize int
	ttl     time.Duration

	now func() time.Time
}

type entry struct {
	key      string
	response Response
	storedAt time.Time
	element  *list.Element
}

// NewResponseCache creates a response cache.
// Non-positive maxSize defaults to 100, non-positive ttl to 5 minutes.
func NewResponseCache(maxSize int, ttl time.Duration) *ResponseCache {
	if maxSize <= 0 {
		maxSize = 100
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ResponseCache{
		entries: make(map[string]*entry),
		order:   list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached response for a fingerprint. An entry past its TTL
// is deleted on observation and reported absent; no background sweep is
// needed for correctness.
func (c *ResponseCache) Get(fingerprint string) (Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fingerprint]
	if !ok {
		return Response{}, false
	}
	if c.now().Sub(e.storedAt) > c.ttl {
		c.removeLocked(e)
		return Response{}, false
	}
	return e.response, true
}

// Put stores a response under a fingerprint. At capacity the single
// oldest-inserted entry is evicted first. Overwriting an existing key
// refreshes its stored-at time but keeps its insertion position.
func (c *ResponseCache) Put(fingerprint string, response Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[fingerprint]; ok {
		e.response = response
		e.storedAt = c.now()
		return
	}

	if len(c.entries) >= c.maxSize {
		if oldest := c.order.Back(); oldest != nil {
			c.removeLocked(oldest.Value.(*entry))
		}
	}

	e := &entry{key: fingerprint, response: response, storedAt: c.now()}
	e.element = c.order.PushFront(e)
	c.entries[fingerprint] = e
}

// Invalidate removes a single entry. Returns true if one existed.
func (c *ResponseCache) Invalidate(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fingerprint]
	if ok {
		c.removeLocked(e)
	}
	return ok
}

// InvalidateUser removes every entry belonging to a user.
// Returns the number of entries removed.
func (c *ResponseCache) InvalidateUser(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := userID + ":"
	removed := 0
	for key, e := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(e)
			removed++
		}
	}
	return removed
}

// Clear removes all entries.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.order.Init()
}

// Size returns the number of live entries, counting any not yet observed
// past their TTL.
func (c *ResponseCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep removes all expired entries and returns how many were removed.
// Optional: Get's lazy expiry already keeps results correct, this only
// reclaims memory earlier. Uses the same removal path as Get.
func (c *ResponseCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []*entry
	now := c.now()
	for _, e := range c.entries {
		if now.Sub(e.storedAt) > c.ttl {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		c.removeLocked(e)
	}
	return len(expired)
}

func (c *ResponseCache) removeLocked(e *entry) {
	c.order.Remove(e.element)
	delete(c.entries, e.key)
}

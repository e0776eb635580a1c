// ABOUTME: Bounded TTL cache mapping idempotency keys to first-success results.
// ABOUTME: Enforces payload consistency per key and TTL-then-LRU eviction.

package idempotency

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long a cached result stays replayable.
	DefaultTTL = 5 * time.Minute

	// DefaultCapacity bounds live entries. Keys are client-supplied, so an
	// unbounded cache is a memory-exhaustion vector.
	DefaultCapacity = 1000
)

// Entry is one cached invocation outcome.
type Entry struct {
	// PayloadHash fingerprints the original request payload. A replay with
	// a different hash is a conflict, not a cache hit.
	PayloadHash string

	// Result is the marshaled result of the first successful invocation.
	Result json.RawMessage

	storedAt time.Time
	element  *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited cache of idempotent call
// results. Insertion order is kept in a doubly-linked list for O(1) eviction.
// Only successful results are stored; failures are never cached so retries
// after an error re-execute.
type Cache struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	order    *list.List // keys in insertion order, oldest at front
	ttl      time.Duration
	capacity int
	done     chan struct{}
	closed   bool
}

// New creates a cache with the given TTL and capacity. Non-positive values
// fall back to the defaults. A background goroutine sweeps expired entries.
func New(ttl time.Duration, capacity int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache{
		entries:  make(map[string]*Entry),
		order:    list.New(),
		ttl:      ttl,
		capacity: capacity,
		done:     make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns the cached entry for key if present and unexpired.
func (c *Cache) Get(key string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || time.Since(entry.storedAt) >= c.ttl {
		return nil, false
	}
	return entry, true
}

// Put stores the result of a successful invocation. An existing entry for
// the key is overwritten in place and refreshed.
func (c *Cache) Put(key, payloadHash string, result json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if entry, exists := c.entries[key]; exists {
		entry.PayloadHash = payloadHash
		entry.Result = result
		entry.storedAt = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.entries) >= c.capacity {
		c.evictLocked()
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &Entry{
		PayloadHash: payloadHash,
		Result:      result,
		storedAt:    now,
		element:     elem,
	}
}

// evictLocked frees room for one insertion: TTL-expired entries are removed
// first, then least-recently-inserted entries until under capacity.
// Must be called with mu held.
func (c *Cache) evictLocked() {
	now := time.Now()
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		key, _ := elem.Value.(string)
		if entry, ok := c.entries[key]; ok && now.Sub(entry.storedAt) >= c.ttl {
			c.order.Remove(elem)
			delete(c.entries, key)
		}
		elem = next
	}

	for len(c.entries) >= c.capacity {
		front := c.order.Front()
		if front == nil {
			return
		}
		key, _ := front.Value.(string)
		c.order.Remove(front)
		delete(c.entries, key)
	}
}

// Len returns the number of live entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// cleanup periodically removes expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep removes every expired entry.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.entries {
		if now.Sub(entry.storedAt) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.entries, key)
		}
	}
}

// Close stops the background sweeper. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

// HashPayload fingerprints a request payload for conflict detection. The
// payload is canonicalized through a decode/encode round trip so that
// whitespace and key ordering differences do not register as conflicts.
func HashPayload(payload json.RawMessage) string {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	var decoded any
	canonical := []byte(payload)
	if err := json.Unmarshal(payload, &decoded); err == nil {
		if re, err := json.Marshal(decoded); err == nil {
			canonical = re
		}
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// dedupe.go is the short-lived (chatId, messageId) cache that makes message
// handling idempotent against adapter redelivery.
package engine

import (
	"container/list"
	"sync"
	"time"
)

const (
	dedupeTTL        = 5 * time.Minute
	dedupeMaxEntries = 10_000
)

type dedupeEntry struct {
	key      string
	expireAt time.Time
}

// DedupeCache is a TTL cache with LRU eviction on overflow.
type DedupeCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recent
	ttl     time.Duration
	max     int
	now     func() time.Time
}

// NewDedupeCache builds the cache with the engine's standard bounds.
func NewDedupeCache() *DedupeCache {
	return &DedupeCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     dedupeTTL,
		max:     dedupeMaxEntries,
		now:     time.Now,
	}
}

// Seen records (chatID, messageID) and reports whether it was already
// present and unexpired.
func (c *DedupeCache) Seen(chatID, messageID string) bool {
	key := chatID + "\x00" + messageID
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*dedupeEntry)
		if now.Before(entry.expireAt) {
			entry.expireAt = now.Add(c.ttl)
			c.order.MoveToFront(el)
			return true
		}
		// Expired: fall through and re-record.
		c.order.Remove(el)
		delete(c.entries, key)
	}

	c.entries[key] = c.order.PushFront(&dedupeEntry{key: key, expireAt: now.Add(c.ttl)})
	for len(c.entries) > c.max {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*dedupeEntry).key)
	}
	return false
}

// Prune drops expired entries. The maintenance job calls this; Seen keeps
// itself correct without it.
func (c *DedupeCache) Prune() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	pruned := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		entry := el.Value.(*dedupeEntry)
		if now.After(entry.expireAt) {
			c.order.Remove(el)
			delete(c.entries, entry.key)
			pruned++
		}
		el = prev
	}
	return pruned
}

// Len reports the live entry count.
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

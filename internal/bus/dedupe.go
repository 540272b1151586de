package bus

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DedupeCache remembers recently seen keys (message IDs, event IDs) for a
// bounded time so webhook retries and WebSocket redeliveries are processed once.
// Safe for concurrent use.
type DedupeCache struct {
	entries *expirable.LRU[string, struct{}]
}

// NewDedupeCache creates a cache that forgets keys after ttl and holds at most max keys.
func NewDedupeCache(ttl time.Duration, max int) *DedupeCache {
	if max <= 0 {
		max = 1000
	}
	return &DedupeCache{entries: expirable.NewLRU[string, struct{}](max, nil, ttl)}
}

// Seen records key and reports whether it was already present.
// Empty keys are never treated as duplicates.
func (d *DedupeCache) Seen(key string) bool {
	if key == "" {
		return false
	}
	if _, ok := d.entries.Peek(key); ok {
		return true
	}
	d.entries.Add(key, struct{}{})
	return false
}

// Forget removes key so it can be processed again.
func (d *DedupeCache) Forget(key string) {
	d.entries.Remove(key)
}

// Clear drops every remembered key.
func (d *DedupeCache) Clear() {
	d.entries.Purge()
}

// Len returns the number of live keys.
func (d *DedupeCache) Len() int {
	return d.entries.Len()
}

package channels

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	// maxTrackedKeys caps the number of tracked rate-limit keys to prevent
	// memory exhaustion from attackers rotating source IPs/keys.
	maxTrackedKeys = 4096

	// rateLimitWindow is the window over which rateLimitMaxHits requests are allowed.
	rateLimitWindow = 60 * time.Second

	// rateLimitMaxHits is the max requests per key within a window.
	rateLimitMaxHits = 30
)

// WebhookRateLimiter keeps one token bucket per key (typically the remote IP).
// Idle keys expire after the window and the key set is LRU-bounded.
// Safe for concurrent use.
type WebhookRateLimiter struct {
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
	every    rate.Limit
	burst    int
}

// NewWebhookRateLimiter creates a bounded webhook rate limiter allowing
// rateLimitMaxHits requests per key per rateLimitWindow.
func NewWebhookRateLimiter() *WebhookRateLimiter {
	return NewWebhookRateLimiterWith(rateLimitMaxHits, rateLimitWindow, maxTrackedKeys)
}

// NewWebhookRateLimiterWith creates a limiter with custom bounds.
func NewWebhookRateLimiterWith(hits int, window time.Duration, maxKeys int) *WebhookRateLimiter {
	return &WebhookRateLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](maxKeys, nil, window),
		every:    rate.Every(window / time.Duration(hits)),
		burst:    hits,
	}
}

// Allow returns true if the key is within rate limits.
func (r *WebhookRateLimiter) Allow(key string) bool {
	r.mu.Lock()
	lim, ok := r.limiters.Get(key)
	if !ok {
		lim = rate.NewLimiter(r.every, r.burst)
	}
	// Re-adding refreshes the idle expiry.
	r.limiters.Add(key, lim)
	r.mu.Unlock()

	return lim.Allow()
}

// Tracked returns the number of keys currently held.
func (r *WebhookRateLimiter) Tracked() int {
	return r.limiters.Len()
}

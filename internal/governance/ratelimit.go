package governance

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiterConfig defines a per-route token bucket.
type RateLimiterConfig struct {
	RequestsPerSecond int
	BurstSize         int
}

// RateLimiter applies token bucket limits keyed by route ID. Routes without a
// configuration are never limited.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*tokenBucket
	now     func() time.Time
}

// NewRateLimiter creates a limiter with the provided per-route configuration.
func NewRateLimiter(config map[string]RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{buckets: map[string]*tokenBucket{}, now: time.Now}
	rl.Configure(config)
	return rl
}

// Configure replaces the per-route limits. Buckets for routes that remain
// configured keep their current token balance.
func (rl *RateLimiter) Configure(config map[string]RateLimiterConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	next := make(map[string]*tokenBucket, len(config))
	for routeID, cfg := range config {
		if cfg.RequestsPerSecond <= 0 {
			continue
		}
		if b, ok := rl.buckets[routeID]; ok {
			b.configure(cfg, rl.now())
			next[routeID] = b
			continue
		}
		next[routeID] = newTokenBucket(cfg, rl.now())
	}
	rl.buckets = next
}

// Allow consumes a token for routeID.
func (rl *RateLimiter) Allow(routeID string) bool {
	rl.mu.RLock()
	b, ok := rl.buckets[routeID]
	rl.mu.RUnlock()
	if !ok {
		return true
	}
	return b.take(rl.now())
}

// Limit returns the configured requests per second for routeID, or zero.
func (rl *RateLimiter) Limit(routeID string) int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if b, ok := rl.buckets[routeID]; ok {
		return int(b.rate)
	}
	return 0
}

type tokenBucket struct {
	mu         sync.Mutex
	rate       float64
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(cfg RateLimiterConfig, now time.Time) *tokenBucket {
	b := &tokenBucket{lastRefill: now}
	b.configure(cfg, now)
	b.tokens = b.capacity
	return b
}

func (b *tokenBucket) configure(cfg RateLimiterConfig, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	b.rate = float64(cfg.RequestsPerSecond)
	b.capacity = float64(cfg.BurstSize)
	if b.capacity <= 0 {
		b.capacity = b.rate
	}
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

func (b *tokenBucket) take(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	b.lastRefill = now
}

// WriteRetryAfter sets Retry-After for a throttled response.
func WriteRetryAfter(w http.ResponseWriter, limit int) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("Retry-After", "1")
}

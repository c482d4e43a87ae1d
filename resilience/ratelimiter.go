package resilience

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/maestro-run/maestro/core"
)

// KeyedLimiter is a token bucket per key, implementing core.RateLimiter.
// Each key gets an independent bucket with the configured capacity (max
// burst) and refill rate (tokens per second). Check is atomic: it either
// consumes cost tokens or reports how long until they would be available.
type KeyedLimiter struct {
	capacity int
	refill   rate.Limit

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

var _ core.RateLimiter = (*KeyedLimiter)(nil)

// NewKeyedLimiter creates a limiter with the given bucket parameters.
func NewKeyedLimiter(cfg core.RateLimitConfig) *KeyedLimiter {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 50
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = 10
	}
	return &KeyedLimiter{
		capacity: cfg.Capacity,
		refill:   rate.Limit(cfg.RefillRate),
		buckets:  make(map[string]*rate.Limiter),
	}
}

// Check consumes cost tokens from key's bucket when available. When the
// bucket is short, no tokens are consumed and retryAfter reports the wait
// until the request would pass.
func (l *KeyedLimiter) Check(key string, cost int) (allowed bool, retryAfter time.Duration) {
	if cost <= 0 {
		cost = 1
	}
	if cost > l.capacity {
		// Can never pass; report a full refill as the retry hint.
		return false, time.Duration(float64(l.capacity) / float64(l.refill) * float64(time.Second))
	}

	l.mu.Lock()
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(l.refill, l.capacity)
		l.buckets[key] = bucket
	}
	l.mu.Unlock()

	now := time.Now()
	res := bucket.ReserveN(now, cost)
	if !res.OK() {
		return false, time.Duration(float64(cost) / float64(l.refill) * float64(time.Second))
	}
	delay := res.DelayFrom(now)
	if delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Reset drops the bucket for key, restoring a full burst on next use.
func (l *KeyedLimiter) Reset(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

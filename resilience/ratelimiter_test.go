package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/maestro-run/maestro/core"
)

func TestKeyedLimiterBurst(t *testing.T) {
	l := NewKeyedLimiter(core.RateLimitConfig{Capacity: 5, RefillRate: 1})

	for i := 0; i < 5; i++ {
		allowed, _ := l.Check("principal:alice", 1)
		assert.True(t, allowed, "request %d within burst", i)
	}

	allowed, retryAfter := l.Check("principal:alice", 1)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestKeyedLimiterKeysIndependent(t *testing.T) {
	l := NewKeyedLimiter(core.RateLimitConfig{Capacity: 2, RefillRate: 1})

	l.Check("principal:alice", 2)
	allowed, _ := l.Check("principal:alice", 1)
	assert.False(t, allowed, "alice's bucket is drained")

	allowed, _ = l.Check("principal:bob", 1)
	assert.True(t, allowed, "bob has a fresh bucket")
}

func TestKeyedLimiterDeniedCostNotConsumed(t *testing.T) {
	l := NewKeyedLimiter(core.RateLimitConfig{Capacity: 3, RefillRate: 1})

	l.Check("k", 2)
	allowed, _ := l.Check("k", 2)
	assert.False(t, allowed)

	// The denied reservation was cancelled, so the remaining token passes.
	allowed, _ = l.Check("k", 1)
	assert.True(t, allowed)
}

func TestKeyedLimiterCostAboveCapacity(t *testing.T) {
	l := NewKeyedLimiter(core.RateLimitConfig{Capacity: 4, RefillRate: 2})

	allowed, retryAfter := l.Check("k", 5)
	assert.False(t, allowed)
	assert.Equal(t, 2*time.Second, retryAfter)
}

func TestKeyedLimiterZeroCost(t *testing.T) {
	l := NewKeyedLimiter(core.RateLimitConfig{Capacity: 1, RefillRate: 1})

	allowed, _ := l.Check("k", 0)
	assert.True(t, allowed)
	allowed, _ = l.Check("k", 0)
	assert.False(t, allowed, "zero cost still charges one token")
}

func TestKeyedLimiterReset(t *testing.T) {
	l := NewKeyedLimiter(core.RateLimitConfig{Capacity: 1, RefillRate: 0.001})

	l.Check("k", 1)
	allowed, _ := l.Check("k", 1)
	assert.False(t, allowed)

	l.Reset("k")
	allowed, _ = l.Check("k", 1)
	assert.True(t, allowed, "reset restores a full burst")
}

func TestKeyedLimiterDefaults(t *testing.T) {
	l := NewKeyedLimiter(core.RateLimitConfig{})
	assert.Equal(t, 50, l.capacity)
	assert.Equal(t, 10.0, float64(l.refill))
}

package resilience

import (
	"sync"

	"github.com/maestro-run/maestro/core"
)

// BreakerRegistry holds the shared breakers for all outbound dependencies.
// Breakers are created on first use with the registry defaults. Lookups are
// cheap; state mutations stay serialized per breaker name.
type BreakerRegistry struct {
	defaults core.BreakerConfig
	logger   core.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewBreakerRegistry creates a registry with the given breaker defaults.
func NewBreakerRegistry(defaults core.BreakerConfig, logger core.Logger) *BreakerRegistry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &BreakerRegistry{
		defaults: defaults,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it if needed.
func (r *BreakerRegistry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}
	b = NewBreaker(name, r.defaults, r.logger)
	r.breakers[name] = b
	return b
}

// Snapshots returns the current state of every registered breaker.
func (r *BreakerRegistry) Snapshots() map[string]BreakerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]BreakerSnapshot, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Snapshot()
	}
	return out
}

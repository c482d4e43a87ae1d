// Package router implements cost-optimizing backend selection: a catalog of
// inference backends with tracked health, and a router that prefers local
// backends, falls back across candidates, and accounts cost per call.
package router

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maestro-run/maestro/core"
	"github.com/maestro-run/maestro/telemetry"
)

// Health mutation thresholds, counted in consecutive invocation failures.
const (
	degradedAfterFailures = 3
	downAfterFailures     = 5
	healthyAfterProbes    = 2
)

// backendState is the registry's mutable view of one backend. The spec part
// is immutable after registration; counters are atomic so the router never
// holds a lock across an invocation.
type backendState struct {
	spec core.BackendSpec

	health              atomic.Value // core.BackendHealth
	inFlight            atomic.Int64
	consecutiveFailures atomic.Int32
	probeSuccesses      atomic.Int32
	downAt              atomic.Int64 // unix nanos; 0 when not DOWN
}

func (s *backendState) Health() core.BackendHealth {
	return s.health.Load().(core.BackendHealth)
}

// Registry is the catalog of inference backends. Backends are registered at
// startup and live until shutdown; only their health and in-flight counters
// change.
type Registry struct {
	logger core.Logger

	mu       sync.RWMutex
	backends map[string]*backendState
	order    []string // registration order, for deterministic iteration
}

// BackendStatus is a read-only view of one backend.
type BackendStatus struct {
	Spec                core.BackendSpec
	Health              core.BackendHealth
	InFlight            int64
	ConsecutiveFailures int32
}

// NewRegistry creates a registry from the configured backend specs.
// Every backend starts HEALTHY.
func NewRegistry(specs []core.BackendSpec, logger core.Logger) (*Registry, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	r := &Registry{
		logger:   logger,
		backends: make(map[string]*backendState, len(specs)),
	}
	for i := range specs {
		spec := specs[i]
		if spec.Client == nil {
			return nil, fmt.Errorf("%w: backend %q has no client", core.ErrInvalidConfiguration, spec.ID)
		}
		if _, exists := r.backends[spec.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate backend id %q", core.ErrInvalidConfiguration, spec.ID)
		}
		st := &backendState{spec: spec}
		st.health.Store(core.HealthHealthy)
		r.backends[spec.ID] = st
		r.order = append(r.order, spec.ID)
	}
	return r, nil
}

// Status returns the current view of a backend.
func (r *Registry) Status(id string) (BackendStatus, bool) {
	r.mu.RLock()
	st, ok := r.backends[id]
	r.mu.RUnlock()
	if !ok {
		return BackendStatus{}, false
	}
	return BackendStatus{
		Spec:                st.spec,
		Health:              st.Health(),
		InFlight:            st.inFlight.Load(),
		ConsecutiveFailures: st.consecutiveFailures.Load(),
	}, true
}

// All returns the status of every backend in registration order.
func (r *Registry) All() []BackendStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BackendStatus, 0, len(r.order))
	for _, id := range r.order {
		st := r.backends[id]
		out = append(out, BackendStatus{
			Spec:                st.spec,
			Health:              st.Health(),
			InFlight:            st.inFlight.Load(),
			ConsecutiveFailures: st.consecutiveFailures.Load(),
		})
	}
	return out
}

func (r *Registry) state(id string) *backendState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backends[id]
}

func (r *Registry) states() []*backendState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*backendState, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.backends[id])
	}
	return out
}

// recordSuccess resets failure tracking and restores a DEGRADED backend's
// path back to HEALTHY through probing only (invocation successes do not
// skip the probe requirement, but they stop further demotion).
func (r *Registry) recordSuccess(st *backendState) {
	st.consecutiveFailures.Store(0)
}

// recordFailure bumps the failure streak and demotes health at the
// documented thresholds.
func (r *Registry) recordFailure(st *backendState) {
	failures := st.consecutiveFailures.Add(1)
	st.probeSuccesses.Store(0)
	switch {
	case failures >= downAfterFailures:
		r.setHealth(st, core.HealthDown)
	case failures >= degradedAfterFailures:
		if st.Health() == core.HealthHealthy {
			r.setHealth(st, core.HealthDegraded)
		}
	}
}

// markDegraded demotes a HEALTHY backend, e.g. when the router abandons it
// mid-call after repeated failures.
func (r *Registry) markDegraded(st *backendState) {
	if st.Health() == core.HealthHealthy {
		st.probeSuccesses.Store(0)
		r.setHealth(st, core.HealthDegraded)
	}
}

func (r *Registry) setHealth(st *backendState, h core.BackendHealth) {
	prev := st.Health()
	if prev == h {
		return
	}
	st.health.Store(h)
	if h == core.HealthDown {
		st.downAt.Store(time.Now().UnixNano())
	} else {
		st.downAt.Store(0)
	}
	telemetry.Counter("backend_health_transitions_total",
		"backend", st.spec.ID, "from", string(prev), "to", string(h))
	r.logger.Warn("Backend health changed", map[string]interface{}{
		"operation": "backend_health",
		"backend":   st.spec.ID,
		"from":      string(prev),
		"to":        string(h),
	})
}

package router

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/maestro-run/maestro/core"
	"github.com/maestro-run/maestro/resilience"
	"github.com/maestro-run/maestro/telemetry"
)

// perBackendAttempts is how many times a single call stays with one backend
// before abandoning it for the next candidate. A backend abandoned this way
// is marked DEGRADED immediately.
const perBackendAttempts = 2

// Router selects a backend for each generation request, invokes it with the
// caller's deadline, and falls back across candidates on transient failure.
// It is safe for concurrent callers: the sorted candidate list is a
// snapshot per call and no lock is held across an invocation.
type Router struct {
	registry    *Registry
	breakers    *resilience.BreakerRegistry
	logger      core.Logger
	maxAttempts int
}

var _ core.Generator = (*Router)(nil)

// Config configures a Router.
type Config struct {
	// MaxAttempts bounds total invocation attempts per call across
	// distinct backends. Default 3.
	MaxAttempts int

	Logger core.Logger
}

// New creates a Router over the given registry. Breakers guard each backend
// under the name "backend:<id>".
func New(registry *Registry, breakers *resilience.BreakerRegistry, cfg Config) *Router {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	return &Router{
		registry:    registry,
		breakers:    breakers,
		logger:      cfg.Logger,
		maxAttempts: cfg.MaxAttempts,
	}
}

// candidate is one entry of the per-call selection snapshot.
type candidate struct {
	st         *backendState
	queueDepth int64
}

// Generate picks a backend for req and invokes it, retrying and falling
// back as needed. Fails with ErrNoBackendAvailable once all candidates are
// exhausted and with ErrCapabilityUnsupported when no backend declares the
// capability at all.
func (r *Router) Generate(ctx context.Context, req *core.GenerationRequest) (*core.GenerationResponse, error) {
	if req == nil || req.Capability == "" {
		return nil, fmt.Errorf("router.Generate: %w: empty capability", core.ErrCapabilityUnsupported)
	}

	candidates, declared := r.selectCandidates(req)
	if len(candidates) == 0 {
		if !declared {
			return nil, fmt.Errorf("router.Generate: %w: %q", core.ErrCapabilityUnsupported, req.Capability)
		}
		return nil, fmt.Errorf("router.Generate: %w: capability %q", core.ErrNoBackendAvailable, req.Capability)
	}

	attempts := 0
	var lastErr error
	for _, cand := range candidates {
		if attempts >= r.maxAttempts {
			break
		}
		st := cand.st
		backendFailures := 0
		for attempts < r.maxAttempts {
			attempts++
			resp, err := r.invoke(ctx, st, req)
			if err == nil {
				resp.Attempts = attempts
				return resp, nil
			}
			lastErr = err

			if ctx.Err() != nil {
				return nil, r.ctxError(ctx, attempts)
			}
			if core.IsPermanent(err) {
				// The backend is fine; this pairing is not. Move on
				// without penalizing health.
				break
			}
			if errors.Is(err, core.ErrCircuitOpen) || errors.Is(err, core.ErrNoBackendAvailable) {
				// Refused before reaching the backend; retrying the same
				// candidate cannot help within this call.
				break
			}
			backendFailures++
			if backendFailures >= perBackendAttempts || st.Health() == core.HealthDown {
				if backendFailures >= perBackendAttempts {
					r.registry.markDegraded(st)
				}
				break
			}
		}
	}

	r.logger.Warn("All backend candidates exhausted", map[string]interface{}{
		"operation":  "router_exhausted",
		"capability": req.Capability,
		"attempts":   attempts,
		"last_error": fmt.Sprint(lastErr),
	})
	return nil, fmt.Errorf("router.Generate: %w after %d attempts: %v",
		core.ErrNoBackendAvailable, attempts, lastErr)
}

// invoke runs one attempt against one backend, tracking in-flight count,
// breaker state, health and metrics.
func (r *Router) invoke(ctx context.Context, st *backendState, req *core.GenerationRequest) (*core.GenerationResponse, error) {
	breaker := r.breakers.Get("backend:" + st.spec.ID)
	if !breaker.Allow() {
		// Open breakers count as candidate failure without an invocation.
		telemetry.Counter("backend_invocations_total",
			"backend", st.spec.ID, "status", "circuit_open")
		return nil, fmt.Errorf("backend %s: %w", st.spec.ID, core.ErrCircuitOpen)
	}

	if st.spec.MaxConcurrent > 0 && st.inFlight.Load() >= int64(st.spec.MaxConcurrent) {
		breaker.RecordSuccess() // not the backend's fault; release the probe slot
		return nil, fmt.Errorf("backend %s saturated: %w", st.spec.ID, core.ErrNoBackendAvailable)
	}

	st.inFlight.Add(1)
	telemetry.Gauge("backend_in_flight", float64(st.inFlight.Load()), "backend", st.spec.ID)
	start := time.Now()
	result, err := st.spec.Client.Invoke(ctx, req.Capability, req.Input, req.MaxTokens)
	st.inFlight.Add(-1)
	telemetry.Gauge("backend_in_flight", float64(st.inFlight.Load()), "backend", st.spec.ID)
	telemetry.Duration("backend_latency_ms", start, "backend", st.spec.ID)

	if err != nil {
		if ctx.Err() != nil {
			// The caller's deadline tripped; release the probe slot
			// without recording a verdict on the backend.
			breaker.RecordSuccess()
			telemetry.Counter("backend_invocations_total",
				"backend", st.spec.ID, "status", "timeout")
			return nil, fmt.Errorf("backend %s: %w", st.spec.ID, core.ErrRequestTimeout)
		}
		if core.IsPermanent(err) {
			breaker.RecordSuccess()
			telemetry.Counter("backend_invocations_total",
				"backend", st.spec.ID, "status", "permanent_error")
			return nil, err
		}
		breaker.RecordFailure()
		r.registry.recordFailure(st)
		telemetry.Counter("backend_invocations_total",
			"backend", st.spec.ID, "status", "error")
		r.logger.Warn("Backend invocation failed", map[string]interface{}{
			"operation": "backend_invoke",
			"backend":   st.spec.ID,
			"error":     err.Error(),
		})
		return nil, err
	}

	breaker.RecordSuccess()
	r.registry.recordSuccess(st)
	telemetry.Counter("backend_invocations_total",
		"backend", st.spec.ID, "status", "success")

	cost := float64(result.TokensOut) / 1000 * st.spec.UnitCost
	if cost > 0 {
		labels := []string{"backend", st.spec.ID}
		if req.SessionID != "" {
			labels = append(labels, "session", req.SessionID)
		}
		telemetry.CounterAdd("generation_cost_total", cost, labels...)
	}

	return &core.GenerationResponse{
		Content:   result.Content,
		TokensIn:  result.TokensIn,
		TokensOut: result.TokensOut,
		BackendID: st.spec.ID,
		Cost:      cost,
	}, nil
}

// selectCandidates materializes the per-call sorted candidate snapshot.
// declared reports whether any backend declares the capability at all,
// regardless of health.
func (r *Router) selectCandidates(req *core.GenerationRequest) (cands []candidate, declared bool) {
	var local, remote []candidate
	for _, st := range r.registry.states() {
		if !st.spec.HasCapability(req.Capability) {
			continue
		}
		declared = true
		if st.Health() == core.HealthDown {
			continue
		}
		c := candidate{st: st, queueDepth: st.inFlight.Load()}
		if st.spec.Tier == core.TierLocal {
			local = append(local, c)
		} else if req.AllowRemote {
			remote = append(remote, c)
		}
	}

	sortCandidates(local, req.SessionID)
	sortCandidates(remote, req.SessionID)

	// LOCAL is preferred: the merged order tries every local candidate
	// before any remote one.
	return append(local, remote...), declared
}

// sortCandidates orders by (priority asc, queue depth asc, unit cost asc)
// and rotates runs of identical keys by a stable hash of the session id so
// ties distribute deterministically per session.
func sortCandidates(cands []candidate, sessionID string) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.st.spec.Priority != b.st.spec.Priority {
			return a.st.spec.Priority < b.st.spec.Priority
		}
		if a.queueDepth != b.queueDepth {
			return a.queueDepth < b.queueDepth
		}
		return a.st.spec.UnitCost < b.st.spec.UnitCost
	})

	if sessionID == "" {
		return
	}
	for i := 0; i < len(cands); {
		j := i + 1
		for j < len(cands) && sameKey(cands[i], cands[j]) {
			j++
		}
		if n := j - i; n > 1 {
			rotate(cands[i:j], int(stableHash(sessionID)%uint32(n)))
		}
		i = j
	}
}

func sameKey(a, b candidate) bool {
	return a.st.spec.Priority == b.st.spec.Priority &&
		a.queueDepth == b.queueDepth &&
		a.st.spec.UnitCost == b.st.spec.UnitCost
}

func rotate(s []candidate, k int) {
	if k == 0 {
		return
	}
	buf := make([]candidate, len(s))
	copy(buf, s)
	for i := range s {
		s[i] = buf[(i+k)%len(s)]
	}
}

func stableHash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

func (r *Router) ctxError(ctx context.Context, attempts int) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("router.Generate: %w after %d attempts", core.ErrRequestTimeout, attempts)
	}
	return fmt.Errorf("router.Generate: %w", core.ErrCancelled)
}

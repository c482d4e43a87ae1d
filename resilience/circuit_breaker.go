// Package resilience provides the circuit breakers and rate limiters shared
// by the router, the coordinator and the session hub.
package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maestro-run/maestro/core"
	"github.com/maestro-run/maestro/telemetry"
)

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerSnapshot is a wait-free view of a breaker.
type BreakerSnapshot struct {
	Name                 string
	State                BreakerState
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	OpenedAt             time.Time
	ProbeInFlight        bool
}

// Breaker guards one named outbound dependency.
//
// CLOSED trips to OPEN on ConsecutiveFailures >= FailureThreshold, or on a
// failure rate >= FailureRate over the last WindowSize calls once MinSamples
// have been observed. OPEN admits a single probe after Cooldown, entering
// HALF_OPEN. HALF_OPEN closes after SuccessThreshold consecutive successes
// and reopens (resetting the cooldown) on any failure.
//
// Mutations are serialized per breaker; reads go through an atomic snapshot.
type Breaker struct {
	name     string
	cfg      core.BreakerConfig
	logger   core.Logger
	fallback func(ctx context.Context) error

	mu                   sync.Mutex
	state                BreakerState
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	probeInFlight        bool

	// Sliding outcome window: true marks a failure
	window      []bool
	windowIdx   int
	windowCount int

	snapshot atomic.Pointer[BreakerSnapshot]

	// now is replaceable for tests
	now func() time.Time
}

// NewBreaker creates a breaker with the given config. Zero config values
// take the documented defaults.
func NewBreaker(name string, cfg core.BreakerConfig, logger core.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	if cfg.FailureRate <= 0 {
		cfg.FailureRate = 0.5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger,
		state:  StateClosed,
		window: make([]bool, cfg.WindowSize),
		now:    time.Now,
	}
	b.publish()
	return b
}

// SetFallback registers a fallback invoked when Execute is refused with the
// breaker open.
func (b *Breaker) SetFallback(fn func(ctx context.Context) error) {
	b.mu.Lock()
	b.fallback = fn
	b.mu.Unlock()
}

// Snapshot returns the current breaker state without locking.
func (b *Breaker) Snapshot() BreakerSnapshot {
	return *b.snapshot.Load()
}

// Execute runs fn under the breaker. While OPEN it returns ErrCircuitOpen
// immediately without invoking fn; the registered fallback, if any, runs
// instead and its error is returned alongside the refusal.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		telemetry.Counter("breaker_rejections_total", "breaker", b.name)
		b.mu.Lock()
		fb := b.fallback
		b.mu.Unlock()
		if fb != nil {
			return fb(ctx)
		}
		return err
	}

	err := fn(ctx)
	if err != nil && ctx.Err() == nil {
		b.RecordFailure()
		return err
	}
	if err != nil {
		// The caller gave up; the dependency is not at fault.
		b.releaseProbe()
		return err
	}
	b.RecordSuccess()
	return nil
}

// Allow reports whether a call may proceed right now. Callers using Allow
// directly must pair it with RecordSuccess or RecordFailure.
func (b *Breaker) Allow() bool {
	return b.admit() == nil
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
			b.transition(StateHalfOpen)
			b.probeInFlight = true
			b.publishLocked()
			return nil
		}
		return core.ErrCircuitOpen
	case StateHalfOpen:
		// Exactly one concurrent call is allowed through.
		if b.probeInFlight {
			return core.ErrCircuitOpen
		}
		b.probeInFlight = true
		b.publishLocked()
		return nil
	}
	return nil
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.observe(false)
	b.consecutiveFailures = 0
	b.consecutiveSuccesses++

	if b.state == StateHalfOpen {
		b.probeInFlight = false
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
			b.resetWindow()
		}
	}
	b.publishLocked()
}

// RecordFailure records a failed call and trips the breaker when a
// threshold is crossed.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.observe(true)
	b.consecutiveSuccesses = 0
	b.consecutiveFailures++

	switch b.state {
	case StateHalfOpen:
		// Any failure during probing reopens and resets the cooldown.
		b.probeInFlight = false
		b.open()
	case StateClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold || b.windowTripped() {
			b.open()
		}
	}
	b.publishLocked()
}

// releaseProbe abandons a half-open probe slot without recording an
// outcome, e.g. when the caller's context was cancelled mid-call.
func (b *Breaker) releaseProbe() {
	b.mu.Lock()
	if b.state == StateHalfOpen {
		b.probeInFlight = false
	}
	b.mu.Unlock()
	b.publish()
}

func (b *Breaker) open() {
	b.transition(StateOpen)
	b.openedAt = b.now()
	b.consecutiveSuccesses = 0
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	telemetry.Counter("breaker_transitions_total",
		"breaker", b.name, "from", string(from), "to", string(to))
	b.logger.Info("Circuit breaker state change", map[string]interface{}{
		"operation": "breaker_transition",
		"breaker":   b.name,
		"from":      string(from),
		"to":        string(to),
	})
}

func (b *Breaker) observe(failure bool) {
	b.window[b.windowIdx] = failure
	b.windowIdx = (b.windowIdx + 1) % len(b.window)
	if b.windowCount < len(b.window) {
		b.windowCount++
	}
}

func (b *Breaker) windowTripped() bool {
	if b.windowCount < b.cfg.MinSamples {
		return false
	}
	failures := 0
	for i := 0; i < b.windowCount; i++ {
		if b.window[i] {
			failures++
		}
	}
	return float64(failures)/float64(b.windowCount) >= b.cfg.FailureRate
}

func (b *Breaker) resetWindow() {
	for i := range b.window {
		b.window[i] = false
	}
	b.windowIdx = 0
	b.windowCount = 0
	b.consecutiveFailures = 0
}

func (b *Breaker) publish() {
	b.mu.Lock()
	b.publishLocked()
	b.mu.Unlock()
}

func (b *Breaker) publishLocked() {
	b.snapshot.Store(&BreakerSnapshot{
		Name:                 b.name,
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		OpenedAt:             b.openedAt,
		ProbeInFlight:        b.probeInFlight,
	})
}

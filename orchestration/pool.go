package orchestration

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maestro-run/maestro/core"
	"github.com/maestro-run/maestro/telemetry"
)

// agentEntry is the pool's mutable view of one agent. The spec part is
// immutable after registration; counters are atomic so dispatch never holds
// the pool lock while an agent runs.
type agentEntry struct {
	spec core.AgentSpec

	inFlight       atomic.Int32
	paused         atomic.Bool
	errored        atomic.Bool
	completed      atomic.Int64
	failed         atomic.Int64
	totalLatencyMS atomic.Int64
	lastActivity   atomic.Int64 // unix nanos; 0 until first dispatch
}

// State derives the agent's availability from its flags and load.
func (a *agentEntry) State() core.AgentState {
	switch {
	case a.errored.Load():
		return core.AgentError
	case a.paused.Load():
		return core.AgentPaused
	case a.inFlight.Load() >= int32(a.spec.MaxConcurrentTasks):
		return core.AgentBusy
	}
	return core.AgentIdle
}

// tryAcquire reserves one task slot. Returns false when the agent is
// paused, errored or saturated.
func (a *agentEntry) tryAcquire() bool {
	if a.paused.Load() || a.errored.Load() {
		return false
	}
	for {
		cur := a.inFlight.Load()
		if cur >= int32(a.spec.MaxConcurrentTasks) {
			return false
		}
		if a.inFlight.CompareAndSwap(cur, cur+1) {
			telemetry.Gauge("agent_in_flight", float64(cur+1), "agent", a.spec.ID)
			return true
		}
	}
}

func (a *agentEntry) release() {
	n := a.inFlight.Add(-1)
	telemetry.Gauge("agent_in_flight", float64(n), "agent", a.spec.ID)
}

// AgentMetrics is the read-only per-agent snapshot.
type AgentMetrics struct {
	AgentID        string
	State          core.AgentState
	InFlight       int32
	CompletedCount int64
	FailedCount    int64
	TotalLatencyMS int64
	LastActivityAt time.Time
}

// Pool owns the registered agents. Registration happens at construction;
// afterwards only availability flags and counters change.
type Pool struct {
	mu     sync.RWMutex
	agents map[string]*agentEntry
	order  []string
}

// NewPool creates a pool from the configured agent specs. Every agent needs
// a handler.
func NewPool(specs []core.AgentSpec) (*Pool, error) {
	p := &Pool{agents: make(map[string]*agentEntry, len(specs))}
	for i := range specs {
		spec := specs[i]
		if spec.Handler == nil {
			return nil, fmt.Errorf("%w: agent %q has no handler", core.ErrInvalidConfiguration, spec.ID)
		}
		if spec.MaxConcurrentTasks <= 0 {
			spec.MaxConcurrentTasks = 3
		}
		if _, exists := p.agents[spec.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate agent id %q", core.ErrInvalidConfiguration, spec.ID)
		}
		p.agents[spec.ID] = &agentEntry{spec: spec}
		p.order = append(p.order, spec.ID)
	}
	return p, nil
}

// Spec returns the spec of a registered agent.
func (p *Pool) Spec(id string) (core.AgentSpec, bool) {
	p.mu.RLock()
	entry, ok := p.agents[id]
	p.mu.RUnlock()
	if !ok {
		return core.AgentSpec{}, false
	}
	return entry.spec, true
}

// HasCapable reports whether any registered agent declares the capability,
// ignoring current load.
func (p *Pool) HasCapable(capability string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, id := range p.order {
		if p.agents[id].spec.HasCapability(capability) {
			return true
		}
	}
	return false
}

// ArbiterID returns the id of the first agent with the coordinator role.
func (p *Pool) ArbiterID() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, id := range p.order {
		if p.agents[id].spec.Role == core.RoleCoordinator {
			return id, true
		}
	}
	return "", false
}

// Pause takes an agent out of dispatch. In-flight tasks run to completion.
func (p *Pool) Pause(id string) bool {
	entry := p.entry(id)
	if entry == nil {
		return false
	}
	entry.paused.Store(true)
	return true
}

// Resume returns a paused agent to dispatch eligibility.
func (p *Pool) Resume(id string) bool {
	entry := p.entry(id)
	if entry == nil {
		return false
	}
	entry.paused.Store(false)
	entry.errored.Store(false)
	return true
}

// Metrics returns a snapshot of every agent in registration order.
func (p *Pool) Metrics() []AgentMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]AgentMetrics, 0, len(p.order))
	for _, id := range p.order {
		a := p.agents[id]
		var last time.Time
		if ns := a.lastActivity.Load(); ns != 0 {
			last = time.Unix(0, ns)
		}
		out = append(out, AgentMetrics{
			AgentID:        id,
			State:          a.State(),
			InFlight:       a.inFlight.Load(),
			CompletedCount: a.completed.Load(),
			FailedCount:    a.failed.Load(),
			TotalLatencyMS: a.totalLatencyMS.Load(),
			LastActivityAt: last,
		})
	}
	return out
}

func (p *Pool) entry(id string) *agentEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.agents[id]
}

func (p *Pool) entries() []*agentEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*agentEntry, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.agents[id])
	}
	return out
}

// acquireFor reserves a slot on an agent eligible for the task: the
// specific target when set, otherwise the least-loaded capable agent.
// Returns nil when nothing is eligible right now.
func (p *Pool) acquireFor(task *core.Task) *agentEntry {
	if task.AgentID != "" && task.AgentID != core.AgentAny {
		entry := p.entry(task.AgentID)
		if entry == nil || !entry.spec.HasCapability(task.Kind) {
			return nil
		}
		if entry.tryAcquire() {
			return entry
		}
		return nil
	}

	var best *agentEntry
	var bestLoad int32
	for _, entry := range p.entries() {
		if !entry.spec.HasCapability(task.Kind) {
			continue
		}
		if entry.paused.Load() || entry.errored.Load() {
			continue
		}
		load := entry.inFlight.Load()
		if load >= int32(entry.spec.MaxConcurrentTasks) {
			continue
		}
		if best == nil || load < bestLoad {
			best, bestLoad = entry, load
		}
	}
	if best == nil {
		return nil
	}
	if best.tryAcquire() {
		return best
	}
	// Lost the race for the last slot; the caller requeues and retries.
	return nil
}

// recordOutcome updates the agent's counters after a task finishes.
func (a *agentEntry) recordOutcome(status core.TaskStatus, latency time.Duration) {
	if status == core.TaskCompleted {
		a.completed.Add(1)
	} else {
		a.failed.Add(1)
	}
	a.totalLatencyMS.Add(latency.Milliseconds())
	a.lastActivity.Store(time.Now().UnixNano())
}

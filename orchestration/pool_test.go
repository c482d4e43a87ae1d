package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/core"
)

func noopHandler(ctx context.Context, task *core.Task, gen core.Generator) (*core.AgentOutput, error) {
	return &core.AgentOutput{Content: "ok"}, nil
}

func agentSpec(id string, caps ...string) core.AgentSpec {
	return core.AgentSpec{ID: id, Capabilities: caps, Handler: noopHandler}
}

func TestNewPoolRequiresHandler(t *testing.T) {
	_, err := NewPool([]core.AgentSpec{{ID: "a", Capabilities: []string{"chat"}}})
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}

func TestNewPoolRejectsDuplicateID(t *testing.T) {
	_, err := NewPool([]core.AgentSpec{agentSpec("a", "chat"), agentSpec("a", "code")})
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}

func TestNewPoolDefaultsConcurrency(t *testing.T) {
	p, err := NewPool([]core.AgentSpec{agentSpec("a", "chat")})
	require.NoError(t, err)
	spec, ok := p.Spec("a")
	require.True(t, ok)
	assert.Equal(t, 3, spec.MaxConcurrentTasks)
}

func TestAgentStateDerivation(t *testing.T) {
	p, err := NewPool([]core.AgentSpec{agentSpec("a", "chat")})
	require.NoError(t, err)
	entry := p.entry("a")

	assert.Equal(t, core.AgentIdle, entry.State())

	entry.inFlight.Store(3)
	assert.Equal(t, core.AgentBusy, entry.State())

	entry.paused.Store(true)
	assert.Equal(t, core.AgentPaused, entry.State())

	entry.errored.Store(true)
	assert.Equal(t, core.AgentError, entry.State())
}

func TestTryAcquireSaturation(t *testing.T) {
	spec := agentSpec("a", "chat")
	spec.MaxConcurrentTasks = 2
	p, err := NewPool([]core.AgentSpec{spec})
	require.NoError(t, err)
	entry := p.entry("a")

	assert.True(t, entry.tryAcquire())
	assert.True(t, entry.tryAcquire())
	assert.False(t, entry.tryAcquire(), "third slot exceeds the cap")

	entry.release()
	assert.True(t, entry.tryAcquire())
}

func TestAcquireForSpecificTarget(t *testing.T) {
	p, err := NewPool([]core.AgentSpec{agentSpec("coder", "code"), agentSpec("chatter", "chat")})
	require.NoError(t, err)

	entry := p.acquireFor(&core.Task{AgentID: "coder", Kind: "code"})
	require.NotNil(t, entry)
	assert.Equal(t, "coder", entry.spec.ID)

	// Targeted agent missing the capability is not substituted.
	assert.Nil(t, p.acquireFor(&core.Task{AgentID: "coder", Kind: "chat"}))
	assert.Nil(t, p.acquireFor(&core.Task{AgentID: "ghost", Kind: "chat"}))
}

func TestAcquireForLeastLoaded(t *testing.T) {
	p, err := NewPool([]core.AgentSpec{agentSpec("a", "chat"), agentSpec("b", "chat")})
	require.NoError(t, err)
	p.entry("a").inFlight.Store(2)

	entry := p.acquireFor(&core.Task{AgentID: core.AgentAny, Kind: "chat"})
	require.NotNil(t, entry)
	assert.Equal(t, "b", entry.spec.ID)
}

func TestAcquireForSkipsPausedAndSaturated(t *testing.T) {
	busy := agentSpec("busy", "chat")
	busy.MaxConcurrentTasks = 1
	p, err := NewPool([]core.AgentSpec{busy, agentSpec("paused", "chat")})
	require.NoError(t, err)
	p.entry("busy").inFlight.Store(1)
	p.Pause("paused")

	assert.Nil(t, p.acquireFor(&core.Task{AgentID: core.AgentAny, Kind: "chat"}))

	p.Resume("paused")
	entry := p.acquireFor(&core.Task{AgentID: core.AgentAny, Kind: "chat"})
	require.NotNil(t, entry)
	assert.Equal(t, "paused", entry.spec.ID)
}

func TestPauseResume(t *testing.T) {
	p, err := NewPool([]core.AgentSpec{agentSpec("a", "chat")})
	require.NoError(t, err)

	assert.True(t, p.Pause("a"))
	assert.False(t, p.entry("a").tryAcquire())

	// Resume also clears a tripped error flag.
	p.entry("a").errored.Store(true)
	assert.True(t, p.Resume("a"))
	assert.True(t, p.entry("a").tryAcquire())

	assert.False(t, p.Pause("ghost"))
	assert.False(t, p.Resume("ghost"))
}

func TestHasCapable(t *testing.T) {
	p, err := NewPool([]core.AgentSpec{agentSpec("a", "chat", "code")})
	require.NoError(t, err)
	assert.True(t, p.HasCapable("code"))
	assert.False(t, p.HasCapable("speech"))
}

func TestArbiterID(t *testing.T) {
	coord := agentSpec("lead", "chat")
	coord.Role = core.RoleCoordinator
	p, err := NewPool([]core.AgentSpec{agentSpec("a", "chat"), coord})
	require.NoError(t, err)

	id, ok := p.ArbiterID()
	require.True(t, ok)
	assert.Equal(t, "lead", id)

	p2, err := NewPool([]core.AgentSpec{agentSpec("a", "chat")})
	require.NoError(t, err)
	_, ok = p2.ArbiterID()
	assert.False(t, ok)
}

func TestPoolMetrics(t *testing.T) {
	p, err := NewPool([]core.AgentSpec{agentSpec("a", "chat"), agentSpec("b", "chat")})
	require.NoError(t, err)

	entry := p.entry("a")
	entry.recordOutcome(core.TaskCompleted, 40*time.Millisecond)
	entry.recordOutcome(core.TaskFailed, 10*time.Millisecond)

	metrics := p.Metrics()
	require.Len(t, metrics, 2)
	assert.Equal(t, "a", metrics[0].AgentID)
	assert.Equal(t, int64(1), metrics[0].CompletedCount)
	assert.Equal(t, int64(1), metrics[0].FailedCount)
	assert.Equal(t, int64(50), metrics[0].TotalLatencyMS)
	assert.False(t, metrics[0].LastActivityAt.IsZero())
	assert.True(t, metrics[1].LastActivityAt.IsZero())
}

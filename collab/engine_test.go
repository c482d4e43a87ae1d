package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/core"
	"github.com/maestro-run/maestro/orchestration"
	"github.com/maestro-run/maestro/storage"
)

type genStub struct{}

func (genStub) Generate(ctx context.Context, req *core.GenerationRequest) (*core.GenerationResponse, error) {
	return &core.GenerationResponse{Content: "gen"}, nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []core.Event
}

func (r *recordingEvents) Publish(ev core.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingEvents) snapshot() []core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recordingEvents) find(kind core.EventKind) *core.Event {
	for _, ev := range r.snapshot() {
		if ev.Kind == kind {
			return &ev
		}
	}
	return nil
}

// scripted builds an agent whose handler decodes the collaboration payload
// and delegates to fn.
func scripted(id string, fn func(p Payload) (*core.AgentOutput, error)) core.AgentSpec {
	return core.AgentSpec{
		ID:           id,
		Capabilities: []string{"chat"},
		Handler: func(ctx context.Context, task *core.Task, gen core.Generator) (*core.AgentOutput, error) {
			var p Payload
			if err := json.Unmarshal(task.Payload, &p); err != nil {
				return nil, err
			}
			return fn(p)
		},
	}
}

// fixed builds an agent that always answers the same content.
func fixed(id, content string, confidence float64) core.AgentSpec {
	return scripted(id, func(p Payload) (*core.AgentOutput, error) {
		return &core.AgentOutput{Content: content, Confidence: confidence}, nil
	})
}

func newTestEngine(t *testing.T, specs ...core.AgentSpec) (*Engine, *recordingEvents) {
	t.Helper()
	pool, err := orchestration.NewPool(specs)
	require.NoError(t, err)
	events := &recordingEvents{}
	coord, err := orchestration.NewCoordinator(pool, orchestration.CoordinatorConfig{
		Generator: genStub{},
		Store:     storage.NewMemoryStore(),
		Events:    events,
	})
	require.NoError(t, err)
	require.NoError(t, coord.Start(context.Background()))

	engine, err := NewEngine(coord, pool, EngineConfig{
		Store:  storage.NewMemoryStore(),
		Events: events,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
		_ = coord.Shutdown(ctx)
	})
	return engine, events
}

func awaitCollab(t *testing.T, h *Handle) *core.CollabResult {
	t.Helper()
	select {
	case <-h.Done():
		return h.Result()
	case <-time.After(3 * time.Second):
		t.Fatalf("collab %s did not reach a terminal result", h.ID())
		return nil
	}
}

func TestSequentialChaining(t *testing.T) {
	wrap := func(id string) core.AgentSpec {
		return scripted(id, func(p Payload) (*core.AgentOutput, error) {
			return &core.AgentOutput{Content: "[" + id + ":" + p.Prompt + "]"}, nil
		})
	}
	engine, _ := newTestEngine(t, wrap("a"), wrap("b"))

	h, err := engine.Submit(&core.CollaborationRequest{
		Prompt:       "P",
		Participants: []string{"a", "b"},
		Strategy:     core.StrategySequential,
	})
	require.NoError(t, err)

	result := awaitCollab(t, h)
	require.Equal(t, core.TaskCompleted, result.Status)

	aOut := "[a:P]"
	bOut := "[b:P\n\n" + aOut + "]"
	assert.Equal(t, bOut, result.Content)
	assert.Equal(t, "b", result.ChosenAgent)
	require.Len(t, result.SubResults, 2)
	assert.Equal(t, aOut, result.SubResults[0].Content)
}

func TestSubmitDefaultsInvalidPriority(t *testing.T) {
	engine, _ := newTestEngine(t, fixed("a", "x", 0), fixed("b", "x", 0))

	// The engine carries no explicit default, so an out-of-range band
	// lands on NORMAL, not on the zero value CRITICAL.
	req := &core.CollaborationRequest{
		Prompt:       "P",
		Participants: []string{"a", "b"},
		Strategy:     core.StrategyParallel,
		Priority:     core.Priority(-1),
	}
	h, err := engine.Submit(req)
	require.NoError(t, err)
	assert.Equal(t, core.PriorityNormal, req.Priority)
	awaitCollab(t, h)
}

func TestSequentialParticipantFailure(t *testing.T) {
	engine, _ := newTestEngine(t,
		fixed("a", "fine", 0),
		scripted("b", func(p Payload) (*core.AgentOutput, error) {
			return nil, errors.New("model refused")
		}),
		fixed("c", "never reached", 0),
	)

	h, err := engine.Submit(&core.CollaborationRequest{
		Prompt:       "P",
		Participants: []string{"a", "b", "c"},
		Strategy:     core.StrategySequential,
	})
	require.NoError(t, err)

	result := awaitCollab(t, h)
	assert.Equal(t, core.TaskFailed, result.Status)
	assert.Equal(t, "INTERNAL", result.ErrorCode)
	assert.Len(t, result.SubResults, 2, "the chain stops at the failure")
}

func TestCascadeStopSignal(t *testing.T) {
	var invokedC bool
	engine, _ := newTestEngine(t,
		fixed("a", "draft", 0),
		scripted("b", func(p Payload) (*core.AgentOutput, error) {
			return &core.AgentOutput{Content: "final answer", Stop: true}, nil
		}),
		scripted("c", func(p Payload) (*core.AgentOutput, error) {
			invokedC = true
			return &core.AgentOutput{Content: "should not run"}, nil
		}),
	)

	h, err := engine.Submit(&core.CollaborationRequest{
		Prompt:       "P",
		Participants: []string{"a", "b", "c"},
		Strategy:     core.StrategyCascade,
	})
	require.NoError(t, err)

	result := awaitCollab(t, h)
	require.Equal(t, core.TaskCompleted, result.Status)
	assert.Equal(t, "final answer", result.Content)
	assert.Equal(t, "b", result.ChosenAgent)
	assert.Len(t, result.SubResults, 2)
	assert.False(t, invokedC)
}

func TestParallelUnanimous(t *testing.T) {
	engine, events := newTestEngine(t,
		fixed("a", "42", 0.8),
		fixed("b", "  42 ", 0.6), // whitespace-equivalent
	)

	h, err := engine.Submit(&core.CollaborationRequest{
		SessionID:    "s",
		Prompt:       "P",
		Participants: []string{"a", "b"},
		Strategy:     core.StrategyParallel,
		Policy:       core.ResolutionVoting,
	})
	require.NoError(t, err)

	result := awaitCollab(t, h)
	require.Equal(t, core.TaskCompleted, result.Status)
	assert.Equal(t, "42", result.Content)
	assert.Empty(t, result.DecidedBy, "unanimous outputs skip resolution")
	assert.Nil(t, events.find(core.EventResolutionChosen))
}

func TestParallelPartialFailure(t *testing.T) {
	engine, _ := newTestEngine(t,
		fixed("a", "answer", 0),
		fixed("b", "answer", 0),
		scripted("c", func(p Payload) (*core.AgentOutput, error) {
			return nil, errors.New("crash")
		}),
	)

	h, err := engine.Submit(&core.CollaborationRequest{
		Prompt:       "P",
		Participants: []string{"a", "b", "c"},
		Strategy:     core.StrategyParallel,
		Policy:       core.ResolutionVoting,
	})
	require.NoError(t, err)

	result := awaitCollab(t, h)
	require.Equal(t, core.TaskCompleted, result.Status, "survivors carry the collaboration")
	assert.Equal(t, "answer", result.Content)
	assert.Len(t, result.SubResults, 3)
}

func TestParallelAllFail(t *testing.T) {
	broken := func(id string) core.AgentSpec {
		return scripted(id, func(p Payload) (*core.AgentOutput, error) {
			return nil, errors.New("down")
		})
	}
	engine, _ := newTestEngine(t, broken("a"), broken("b"))

	h, err := engine.Submit(&core.CollaborationRequest{
		Prompt:       "P",
		Participants: []string{"a", "b"},
		Strategy:     core.StrategyParallel,
		Policy:       core.ResolutionVoting,
	})
	require.NoError(t, err)

	result := awaitCollab(t, h)
	assert.Equal(t, core.TaskFailed, result.Status)
}

func TestVotingPlurality(t *testing.T) {
	engine, events := newTestEngine(t,
		fixed("a", "X", 0),
		fixed("b", "X", 0),
		fixed("c", "Y", 0),
	)

	h, err := engine.Submit(&core.CollaborationRequest{
		SessionID:    "s",
		Prompt:       "P",
		Participants: []string{"a", "b", "c"},
		Strategy:     core.StrategyParallel,
		Policy:       core.ResolutionVoting,
	})
	require.NoError(t, err)

	result := awaitCollab(t, h)
	require.Equal(t, core.TaskCompleted, result.Status)
	assert.Equal(t, "X", result.Content)
	assert.Equal(t, core.ResolutionVoting, result.DecidedBy)

	ev := events.find(core.EventResolutionChosen)
	require.NotNil(t, ev)
	assert.Equal(t, "VOTING", ev.Body["policy"])
}

func TestVotingTieEscalatesToArbitration(t *testing.T) {
	arbiter := fixed("lead", "verdict: X", 0)
	arbiter.Role = core.RoleCoordinator
	engine, events := newTestEngine(t,
		fixed("a", "X", 0),
		fixed("b", "Y", 0),
		arbiter,
	)

	h, err := engine.Submit(&core.CollaborationRequest{
		SessionID:    "s",
		Prompt:       "P",
		Participants: []string{"a", "b"},
		Strategy:     core.StrategyParallel,
		Policy:       core.ResolutionVoting,
	})
	require.NoError(t, err)

	result := awaitCollab(t, h)
	require.Equal(t, core.TaskCompleted, result.Status)
	assert.Equal(t, "verdict: X", result.Content)
	assert.Equal(t, core.ResolutionArbitration, result.DecidedBy)
	assert.Equal(t, "lead", result.ChosenAgent)
	assert.Len(t, result.SubResults, 3, "the arbiter turn is recorded")

	ev := events.find(core.EventResolutionChosen)
	require.NotNil(t, ev)
	assert.Equal(t, "ARBITRATION", ev.Body["class"])
}

func TestConfidenceWeighted(t *testing.T) {
	engine, _ := newTestEngine(t,
		fixed("a", "X", 0.4),
		fixed("b", "Y", 0.9),
		fixed("c", "X", 0), // unreported counts as 0.5
	)

	h, err := engine.Submit(&core.CollaborationRequest{
		Prompt:       "P",
		Participants: []string{"a", "b", "c"},
		Strategy:     core.StrategyParallel,
		Policy:       core.ResolutionConfidenceWeighted,
	})
	require.NoError(t, err)

	result := awaitCollab(t, h)
	require.Equal(t, core.TaskCompleted, result.Status)
	assert.Equal(t, "Y", result.Content)
	assert.Equal(t, core.ResolutionConfidenceWeighted, result.DecidedBy)
}

func TestExpertiseWeighted(t *testing.T) {
	expert := fixed("expert", "X", 0)
	expert.Weights = map[string]float64{"chat": 5}
	engine, _ := newTestEngine(t,
		expert,
		fixed("b", "Y", 0),
		fixed("c", "Y", 0),
	)

	h, err := engine.Submit(&core.CollaborationRequest{
		Prompt:       "P",
		Participants: []string{"expert", "b", "c"},
		Strategy:     core.StrategyParallel,
		Policy:       core.ResolutionExpertiseWeighted,
	})
	require.NoError(t, err)

	result := awaitCollab(t, h)
	require.Equal(t, core.TaskCompleted, result.Status)
	assert.Equal(t, "X", result.Content, "weight 5 beats two weight-1 agreers")
	assert.Equal(t, core.ResolutionExpertiseWeighted, result.DecidedBy)
}

func TestConsensusReached(t *testing.T) {
	engine, _ := newTestEngine(t,
		fixed("a", "X", 0),
		fixed("b", "X", 0),
		fixed("c", "Y", 0),
	)

	h, err := engine.Submit(&core.CollaborationRequest{
		Prompt:       "P",
		Participants: []string{"a", "b", "c"},
		Strategy:     core.StrategySwarm,
		Policy:       core.ResolutionConsensus,
	})
	require.NoError(t, err)

	result := awaitCollab(t, h)
	require.Equal(t, core.TaskCompleted, result.Status)
	assert.Equal(t, "X", result.Content, "2 of 3 crosses the threshold")
	assert.Equal(t, core.ResolutionConsensus, result.DecidedBy)
}

func TestConsensusNotReachedEscalates(t *testing.T) {
	arbiter := fixed("lead", "split the difference", 0)
	arbiter.Role = core.RoleCoordinator
	engine, _ := newTestEngine(t,
		fixed("a", "X", 0),
		fixed("b", "Y", 0),
		arbiter,
	)

	h, err := engine.Submit(&core.CollaborationRequest{
		Prompt:       "P",
		Participants: []string{"a", "b"},
		Strategy:     core.StrategySwarm,
		Policy:       core.ResolutionConsensus,
	})
	require.NoError(t, err)

	result := awaitCollab(t, h)
	require.Equal(t, core.TaskCompleted, result.Status)
	assert.Equal(t, core.ResolutionArbitration, result.DecidedBy)
	assert.Equal(t, "split the difference", result.Content)
}

func TestArbitrationWithoutArbiterFails(t *testing.T) {
	engine, _ := newTestEngine(t,
		fixed("a", "X", 0),
		fixed("b", "Y", 0),
	)

	h, err := engine.Submit(&core.CollaborationRequest{
		Prompt:       "P",
		Participants: []string{"a", "b"},
		Strategy:     core.StrategyParallel,
		Policy:       core.ResolutionArbitration,
	})
	require.NoError(t, err)

	result := awaitCollab(t, h)
	assert.Equal(t, core.TaskFailed, result.Status)
	assert.Equal(t, "NO_AGENT", result.ErrorCode)
}

func TestHumanDecision(t *testing.T) {
	engine, events := newTestEngine(t,
		fixed("a", "X", 0),
		fixed("b", "Y", 0),
	)

	h, err := engine.Submit(&core.CollaborationRequest{
		ID:           "needs-human",
		SessionID:    "s",
		Prompt:       "P",
		Participants: []string{"a", "b"},
		Strategy:     core.StrategyParallel,
		Policy:       core.ResolutionHuman,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return events.find(core.EventAwaitingHuman) != nil
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, engine.ResolveHuman("needs-human", HumanDecision{AgentID: "b"}))

	result := awaitCollab(t, h)
	require.Equal(t, core.TaskCompleted, result.Status)
	assert.Equal(t, "Y", result.Content)
	assert.Equal(t, "b", result.ChosenAgent)
	assert.Equal(t, core.ResolutionHuman, result.DecidedBy)
}

func TestHumanDecisionFreeText(t *testing.T) {
	engine, events := newTestEngine(t,
		fixed("a", "X", 0),
		fixed("b", "Y", 0),
	)

	h, err := engine.Submit(&core.CollaborationRequest{
		ID:           "free-text",
		SessionID:    "s",
		Prompt:       "P",
		Participants: []string{"a", "b"},
		Strategy:     core.StrategyParallel,
		Policy:       core.ResolutionHuman,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return events.find(core.EventAwaitingHuman) != nil
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, engine.ResolveHuman("free-text", HumanDecision{Content: "neither, use Z"}))

	result := awaitCollab(t, h)
	require.Equal(t, core.TaskCompleted, result.Status)
	assert.Equal(t, "neither, use Z", result.Content)
	assert.Empty(t, result.ChosenAgent)
}

func TestResolveHumanNotAwaiting(t *testing.T) {
	engine, _ := newTestEngine(t, fixed("a", "X", 0), fixed("b", "X", 0))
	err := engine.ResolveHuman("ghost", HumanDecision{Content: "z"})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestHumanTimeoutFailsWithDeadline(t *testing.T) {
	arbiter := fixed("lead", "too late", 0)
	arbiter.Role = core.RoleCoordinator
	engine, _ := newTestEngine(t,
		fixed("a", "X", 0),
		fixed("b", "Y", 0),
		arbiter,
	)

	h, err := engine.Submit(&core.CollaborationRequest{
		Prompt:       "P",
		Participants: []string{"a", "b"},
		Strategy:     core.StrategyParallel,
		Policy:       core.ResolutionHuman,
		Deadline:     time.Now().Add(300 * time.Millisecond),
	})
	require.NoError(t, err)

	result := awaitCollab(t, h)
	assert.Equal(t, core.TaskFailed, result.Status)
	assert.Equal(t, "DEADLINE_EXCEEDED", result.ErrorCode)
}

func TestSubmitValidation(t *testing.T) {
	engine, _ := newTestEngine(t, fixed("a", "X", 0), fixed("b", "Y", 0))

	cases := []struct {
		name string
		req  *core.CollaborationRequest
		want error
	}{
		{"empty prompt", &core.CollaborationRequest{
			Participants: []string{"a", "b"}, Strategy: core.StrategyParallel,
		}, core.ErrInvalidConfiguration},
		{"unknown strategy", &core.CollaborationRequest{
			Prompt: "P", Participants: []string{"a", "b"}, Strategy: "ROUND_ROBIN",
		}, core.ErrInvalidConfiguration},
		{"unknown policy", &core.CollaborationRequest{
			Prompt: "P", Participants: []string{"a", "b"},
			Strategy: core.StrategyParallel, Policy: "COIN_FLIP",
		}, core.ErrInvalidConfiguration},
		{"single participant", &core.CollaborationRequest{
			Prompt: "P", Participants: []string{"a"}, Strategy: core.StrategyParallel,
		}, core.ErrInvalidConfiguration},
		{"duplicate participant", &core.CollaborationRequest{
			Prompt: "P", Participants: []string{"a", "a"}, Strategy: core.StrategyParallel,
		}, core.ErrInvalidConfiguration},
		{"unknown participant", &core.CollaborationRequest{
			Prompt: "P", Participants: []string{"a", "ghost"}, Strategy: core.StrategyParallel,
		}, core.ErrNoAgent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.Submit(tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestSubmitDuplicateID(t *testing.T) {
	block := func(id string) core.AgentSpec {
		return core.AgentSpec{
			ID:           id,
			Capabilities: []string{"chat"},
			Handler: func(ctx context.Context, task *core.Task, gen core.Generator) (*core.AgentOutput, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}
	}
	engine, _ := newTestEngine(t, block("a"), block("b"))

	req := func() *core.CollaborationRequest {
		return &core.CollaborationRequest{
			ID:           "dup",
			Prompt:       "P",
			Participants: []string{"a", "b"},
			Strategy:     core.StrategyParallel,
			Policy:       core.ResolutionVoting,
		}
	}
	h, err := engine.Submit(req())
	require.NoError(t, err)

	_, err = engine.Submit(req())
	assert.ErrorIs(t, err, core.ErrDuplicate)

	require.True(t, engine.Cancel("dup"))
	awaitCollab(t, h)
}

func TestCancelCollab(t *testing.T) {
	block := func(id string) core.AgentSpec {
		return core.AgentSpec{
			ID:           id,
			Capabilities: []string{"chat"},
			Handler: func(ctx context.Context, task *core.Task, gen core.Generator) (*core.AgentOutput, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}
	}
	engine, _ := newTestEngine(t, block("a"), block("b"))

	h, err := engine.Submit(&core.CollaborationRequest{
		ID:           "victim",
		Prompt:       "P",
		Participants: []string{"a", "b"},
		Strategy:     core.StrategyParallel,
		Policy:       core.ResolutionVoting,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return engine.Cancel("victim")
	}, time.Second, 5*time.Millisecond)

	result := awaitCollab(t, h)
	assert.Equal(t, core.TaskCancelled, result.Status)

	assert.False(t, engine.Cancel("victim"), "terminal collaborations are unknown")
}

func TestCollabEventFlow(t *testing.T) {
	engine, events := newTestEngine(t, fixed("a", "X", 0), fixed("b", "X", 0))

	h, err := engine.Submit(&core.CollaborationRequest{
		SessionID:    "s",
		Prompt:       "P",
		Participants: []string{"a", "b"},
		Strategy:     core.StrategySequential,
	})
	require.NoError(t, err)
	awaitCollab(t, h)

	require.Eventually(t, func() bool {
		return events.find(core.EventCollabFinished) != nil
	}, time.Second, 5*time.Millisecond)

	var kinds []core.EventKind
	for _, ev := range events.snapshot() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, core.EventCollabStarted, kinds[0])
	assert.Equal(t, core.EventCollabFinished, kinds[len(kinds)-1])

	progress, completed := 0, 0
	for _, k := range kinds {
		switch k {
		case core.EventParticipantProgress:
			progress++
		case core.EventParticipantCompleted:
			completed++
		}
	}
	assert.Equal(t, 2, progress)
	assert.Equal(t, 2, completed)

	// The terminal result is also readable through the store.
	stored, err := engine.Result(context.Background(), h.ID())
	require.NoError(t, err)
	assert.Equal(t, core.TaskCompleted, stored.Status)
}

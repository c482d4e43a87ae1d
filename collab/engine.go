// Package collab implements multi-agent collaborations: four orchestration
// strategies over the coordinator, plus resolution policies that reconcile
// disagreeing parallel outputs into one terminal result.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maestro-run/maestro/core"
	"github.com/maestro-run/maestro/orchestration"
	"github.com/maestro-run/maestro/telemetry"
)

// persistTimeout bounds the result store write after a collaboration
// finishes.
const persistTimeout = 5 * time.Second

// Payload is the JSON body of every collaboration sub-task. Handlers decode
// it to obtain the prompt for their turn.
type Payload struct {
	CollabID string `json:"collab_id"`
	Prompt   string `json:"prompt"`

	// Turn is the zero-based participant turn within the collaboration.
	Turn int `json:"turn"`
}

// HumanDecision is a human resolution for a suspended collaboration.
// Either pick a candidate by agent id or supply the content directly.
type HumanDecision struct {
	AgentID string
	Content string
}

// Handle lets the submitter await a collaboration's terminal result.
type Handle struct {
	id     string
	done   chan struct{}
	result *core.CollabResult // write-once before done closes
}

func (h *Handle) ID() string { return h.id }

// Done closes when the collaboration reaches a terminal status.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the terminal result, or nil before Done closes.
func (h *Handle) Result() *core.CollabResult {
	select {
	case <-h.done:
		return h.result
	default:
		return nil
	}
}

type liveCollab struct {
	req    *core.CollaborationRequest
	handle *Handle
	ctx    context.Context
	cancel context.CancelFunc

	// human receives at most one decision while the collaboration is
	// suspended under the HUMAN policy.
	humanMu  sync.Mutex
	human    chan HumanDecision
	awaiting bool
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Store  core.ResultStore
	Events core.EventSink
	Logger core.Logger

	// DefaultDeadline applies to requests submitted without one.
	// Default 180s.
	DefaultDeadline time.Duration

	// DefaultPriority applies to requests with an invalid band.
	// Pointer because the zero Priority is CRITICAL, a meaningful value.
	// Nil defaults to NORMAL.
	DefaultPriority *core.Priority
}

// Engine runs collaborations. Each live collaboration gets its own runner
// goroutine; sub-tasks flow through the coordinator like any other task.
type Engine struct {
	coord  *orchestration.Coordinator
	pool   *orchestration.Pool
	store  core.ResultStore
	events core.EventSink
	logger core.Logger

	defaultDeadline time.Duration
	defaultPriority core.Priority

	mu   sync.Mutex
	live map[string]*liveCollab
	wg   sync.WaitGroup
}

// NewEngine creates an engine over the coordinator and pool.
func NewEngine(coord *orchestration.Coordinator, pool *orchestration.Pool, cfg EngineConfig) (*Engine, error) {
	if coord == nil || pool == nil {
		return nil, fmt.Errorf("%w: engine needs a coordinator and a pool", core.ErrInvalidConfiguration)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: engine needs a result store", core.ErrInvalidConfiguration)
	}
	if cfg.Events == nil {
		cfg.Events = core.NoOpEventSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = 180 * time.Second
	}
	if cfg.DefaultPriority == nil || !cfg.DefaultPriority.Valid() {
		p := core.PriorityNormal
		cfg.DefaultPriority = &p
	}
	return &Engine{
		coord:           coord,
		pool:            pool,
		store:           cfg.Store,
		events:          cfg.Events,
		logger:          cfg.Logger,
		defaultDeadline: cfg.DefaultDeadline,
		defaultPriority: *cfg.DefaultPriority,
		live:            make(map[string]*liveCollab),
	}, nil
}

// Submit validates the request and starts its runner. Re-submitting a live
// id fails with DUPLICATE.
func (e *Engine) Submit(req *core.CollaborationRequest) (*Handle, error) {
	if req == nil || req.Prompt == "" {
		return nil, fmt.Errorf("collab.Submit: %w: prompt required", core.ErrInvalidConfiguration)
	}
	if !req.Strategy.Valid() {
		return nil, fmt.Errorf("collab.Submit: %w: unknown strategy %q", core.ErrInvalidConfiguration, req.Strategy)
	}
	if req.Policy != "" && !req.Policy.Valid() {
		return nil, fmt.Errorf("collab.Submit: %w: unknown resolution policy %q", core.ErrInvalidConfiguration, req.Policy)
	}
	if err := e.validateParticipants(req.Participants); err != nil {
		return nil, fmt.Errorf("collab.Submit: %w", err)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if !req.Priority.Valid() {
		req.Priority = e.defaultPriority
	}
	if req.Deadline.IsZero() {
		req.Deadline = time.Now().Add(e.defaultDeadline)
	}
	if req.Policy == "" {
		req.Policy = core.ResolutionArbitration
	}

	lc := &liveCollab{
		req:    req,
		handle: &Handle{id: req.ID, done: make(chan struct{})},
		human:  make(chan HumanDecision, 1),
	}
	// The cancel func must exist before the handle escapes so Cancel is
	// never a lost signal.
	lc.ctx, lc.cancel = context.WithDeadline(context.Background(), req.Deadline)

	e.mu.Lock()
	if _, exists := e.live[req.ID]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("collab.Submit: collab %s: %w", req.ID, core.ErrDuplicate)
	}
	e.live[req.ID] = lc
	e.mu.Unlock()

	telemetry.Counter("collab_started_total", "strategy", string(req.Strategy))
	e.wg.Add(1)
	go e.run(lc)
	return lc.handle, nil
}

// Cancel trips a live collaboration. Returns false for unknown ids.
func (e *Engine) Cancel(collabID string) bool {
	e.mu.Lock()
	lc, ok := e.live[collabID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	lc.cancel()
	return true
}

// CancelSession cancels every live collaboration bound to the session.
func (e *Engine) CancelSession(sessionID string) {
	e.mu.Lock()
	var cancels []context.CancelFunc
	for _, lc := range e.live {
		if lc.req.SessionID == sessionID {
			cancels = append(cancels, lc.cancel)
		}
	}
	e.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// ResolveHuman delivers a human decision to a collaboration suspended under
// the HUMAN policy. Fails with NOT_FOUND when the collaboration is not
// awaiting one.
func (e *Engine) ResolveHuman(collabID string, decision HumanDecision) error {
	e.mu.Lock()
	lc, ok := e.live[collabID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("collab.ResolveHuman: collab %s: %w", collabID, core.ErrNotFound)
	}
	lc.humanMu.Lock()
	defer lc.humanMu.Unlock()
	if !lc.awaiting {
		return fmt.Errorf("collab.ResolveHuman: collab %s not awaiting a decision: %w", collabID, core.ErrNotFound)
	}
	lc.awaiting = false
	lc.human <- decision
	return nil
}

// Result reads a terminal result by collaboration id.
func (e *Engine) Result(ctx context.Context, collabID string) (*core.CollabResult, error) {
	return e.store.GetCollabResult(ctx, collabID)
}

// Shutdown cancels all live collaborations and waits for their runners.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, lc := range e.live {
		lc.cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) validateParticipants(participants []string) error {
	if len(participants) < 2 {
		return fmt.Errorf("%w: need at least two participants", core.ErrInvalidConfiguration)
	}
	seen := make(map[string]bool, len(participants))
	for _, id := range participants {
		if seen[id] {
			return fmt.Errorf("%w: duplicate participant %q", core.ErrInvalidConfiguration, id)
		}
		seen[id] = true
		if _, ok := e.pool.Spec(id); !ok {
			return fmt.Errorf("participant %q: %w", id, core.ErrNoAgent)
		}
	}
	return nil
}

func (e *Engine) run(lc *liveCollab) {
	defer e.wg.Done()
	req := lc.req
	start := time.Now()

	ctx := lc.ctx
	defer lc.cancel()

	e.emit(core.EventCollabStarted, req, map[string]interface{}{
		"strategy":     string(req.Strategy),
		"participants": req.Participants,
	})

	var outcome *outcome
	switch req.Strategy {
	case core.StrategySequential:
		outcome = e.runChain(ctx, lc, false)
	case core.StrategyCascade:
		outcome = e.runChain(ctx, lc, true)
	case core.StrategyParallel, core.StrategySwarm:
		outcome = e.runParallel(ctx, lc)
	default:
		outcome = failedOutcome(core.ErrInvalidConfiguration, "unknown strategy")
	}

	result := e.buildResult(ctx, req, outcome, start)
	storeCtx, storeCancel := context.WithTimeout(context.Background(), persistTimeout)
	if err := e.store.PutCollabResult(storeCtx, result); err != nil {
		e.logger.Error("Failed to persist collab result", map[string]interface{}{
			"operation": "collab_finalize",
			"collab_id": req.ID,
			"error":     err.Error(),
		})
	}
	storeCancel()

	e.mu.Lock()
	delete(e.live, req.ID)
	lc.handle.result = result
	close(lc.handle.done)
	e.mu.Unlock()

	body := map[string]interface{}{
		"status":     string(result.Status),
		"total_cost": result.TotalCost,
	}
	if result.Content != "" {
		body["content"] = result.Content
	}
	if result.ErrorCode != "" {
		body["error_code"] = result.ErrorCode
		body["error_message"] = result.ErrorMessage
	}
	e.emit(core.EventCollabFinished, req, body)

	telemetry.Counter("collab_finished_total",
		"strategy", string(req.Strategy), "status", string(result.Status))
	telemetry.Duration("collab_latency_ms", start, "strategy", string(req.Strategy))
}

// outcome is a strategy's raw product before it becomes a CollabResult.
type outcome struct {
	content     string
	decidedBy   core.ResolutionPolicy
	chosenAgent string
	subResults  []*core.TaskResult

	failErr    error
	failDetail string
}

func failedOutcome(err error, detail string) *outcome {
	return &outcome{failErr: err, failDetail: detail}
}

// runChain implements SEQUENTIAL and CASCADE: each participant receives the
// accumulated prompt, which grows by each output. CASCADE additionally
// honors the STOP signal.
func (e *Engine) runChain(ctx context.Context, lc *liveCollab, cascade bool) *outcome {
	req := lc.req
	out := &outcome{}
	prompt := req.Prompt
	for turn, agentID := range req.Participants {
		res := e.runParticipant(ctx, req, agentID, prompt, turn)
		out.subResults = append(out.subResults, res)
		if res.Status != core.TaskCompleted {
			out.failErr = resultError(res)
			out.failDetail = fmt.Sprintf("participant %s: %s", agentID, res.ErrorMessage)
			return out
		}
		out.content = res.Content
		out.chosenAgent = agentID
		if cascade && res.Stop {
			break
		}
		prompt = prompt + "\n\n" + res.Content
	}
	return out
}

// runParallel implements PARALLEL and SWARM: one concurrent sub-task per
// participant, then resolution over the survivors when outputs disagree.
func (e *Engine) runParallel(ctx context.Context, lc *liveCollab) *outcome {
	req := lc.req
	results := make([]*core.TaskResult, len(req.Participants))
	var wg sync.WaitGroup
	for turn, agentID := range req.Participants {
		wg.Add(1)
		go func(turn int, agentID string) {
			defer wg.Done()
			results[turn] = e.runParticipant(ctx, req, agentID, req.Prompt, turn)
		}(turn, agentID)
	}
	wg.Wait()

	out := &outcome{subResults: results}
	var survivors []*core.TaskResult
	for _, res := range results {
		if res.Status == core.TaskCompleted {
			survivors = append(survivors, res)
		}
	}
	if len(survivors) == 0 {
		first := results[0]
		out.failErr = resultError(first)
		out.failDetail = "all participants failed"
		return out
	}

	e.resolve(ctx, lc, survivors, out)
	return out
}

// runParticipant executes one participant turn through the coordinator.
// Failures never propagate as errors; they come back as FAILED results so
// partial-failure handling stays uniform.
func (e *Engine) runParticipant(ctx context.Context, req *core.CollaborationRequest, agentID, prompt string, turn int) *core.TaskResult {
	e.emit(core.EventParticipantProgress, req, map[string]interface{}{
		"agent_id": agentID,
		"turn":     turn,
	})

	res := e.dispatch(ctx, req, agentID, prompt, turn)

	body := map[string]interface{}{
		"agent_id": agentID,
		"turn":     turn,
		"status":   string(res.Status),
	}
	if res.Content != "" {
		body["content"] = res.Content
	}
	if res.ErrorCode != "" {
		body["error_code"] = res.ErrorCode
	}
	e.emit(core.EventParticipantCompleted, req, body)
	return res
}

// dispatch submits one sub-task and awaits its terminal result. Sub-tasks
// are detached from the session so the coordinator does not emit duplicate
// lifecycle events; the engine speaks for its participants.
func (e *Engine) dispatch(ctx context.Context, req *core.CollaborationRequest, agentID, prompt string, turn int) *core.TaskResult {
	spec, ok := e.pool.Spec(agentID)
	if !ok {
		return syntheticFailure(req, agentID, core.ErrNoAgent, "agent not registered")
	}
	payload, err := json.Marshal(Payload{CollabID: req.ID, Prompt: prompt, Turn: turn})
	if err != nil {
		return syntheticFailure(req, agentID, core.ErrInternal, err.Error())
	}

	task := &core.Task{
		ID:       fmt.Sprintf("%s:%d:%s", req.ID, turn, agentID),
		AgentID:  agentID,
		Kind:     spec.Capabilities[0],
		Priority: req.Priority,
		Payload:  payload,
		Deadline: req.Deadline,
	}
	handle, err := e.coord.Submit(task)
	if err != nil {
		return syntheticFailure(req, agentID, err, err.Error())
	}

	select {
	case <-handle.Done():
	case <-ctx.Done():
		e.coord.Cancel(task.ID)
		<-handle.Done()
	}
	res := handle.Result()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && res.Status == core.TaskCancelled {
		// The collaboration deadline expired; the sub-task was cancelled on
		// its behalf. Surface the real cause.
		clone := *res
		clone.Status = core.TaskFailed
		clone.ErrorCode = core.ErrorCode(core.ErrDeadlineExceeded)
		clone.ErrorMessage = "collaboration deadline exceeded"
		return &clone
	}
	return res
}

func (e *Engine) buildResult(ctx context.Context, req *core.CollaborationRequest, out *outcome, start time.Time) *core.CollabResult {
	result := &core.CollabResult{
		CollabID:   req.ID,
		SessionID:  req.SessionID,
		Strategy:   req.Strategy,
		Policy:     req.Policy,
		SubResults: out.subResults,
		StartedAt:  start,
		FinishedAt: time.Now(),
	}
	for _, sub := range out.subResults {
		if sub == nil {
			continue
		}
		result.TokensIn += sub.TokensIn
		result.TokensOut += sub.TokensOut
		result.TotalCost += sub.Cost
	}
	if out.failErr != nil {
		result.Status = core.TaskFailed
		if ctx.Err() == context.Canceled {
			result.Status = core.TaskCancelled
		}
		result.ErrorCode = core.ErrorCode(out.failErr)
		result.ErrorMessage = out.failDetail
		return result
	}
	result.Status = core.TaskCompleted
	result.Content = out.content
	result.DecidedBy = out.decidedBy
	result.ChosenAgent = out.chosenAgent
	return result
}

func (e *Engine) emit(kind core.EventKind, req *core.CollaborationRequest, body map[string]interface{}) {
	if req.SessionID == "" {
		return
	}
	body["collab_id"] = req.ID
	e.events.Publish(core.Event{
		Kind:      kind,
		SessionID: req.SessionID,
		CollabID:  req.ID,
		Body:      body,
	})
}

func resultError(res *core.TaskResult) error {
	if res == nil {
		return core.ErrInternal
	}
	switch res.ErrorCode {
	case "DEADLINE_EXCEEDED":
		return core.ErrDeadlineExceeded
	case "CANCELLED":
		return core.ErrCancelled
	case "NO_BACKEND_AVAILABLE":
		return core.ErrNoBackendAvailable
	case "NO_AGENT":
		return core.ErrNoAgent
	case "QUEUE_FULL":
		return core.ErrQueueFull
	}
	return core.ErrInternal
}

func syntheticFailure(req *core.CollaborationRequest, agentID string, err error, detail string) *core.TaskResult {
	now := time.Now()
	return &core.TaskResult{
		TaskID:       fmt.Sprintf("%s:%s", req.ID, agentID),
		AgentID:      agentID,
		Status:       core.TaskFailed,
		ErrorCode:    core.ErrorCode(err),
		ErrorMessage: detail,
		StartedAt:    now,
		FinishedAt:   now,
	}
}

package orchestration

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/maestro-run/maestro/core"
	"github.com/maestro-run/maestro/telemetry"
)

// wakeInterval bounds how long the dispatch loop sleeps when no agent is
// eligible for the head task. Completion signals wake it earlier.
const wakeInterval = 50 * time.Millisecond

// persistTimeout bounds the result store write after a task finishes.
const persistTimeout = 5 * time.Second

// TaskHandle lets the submitter await a task's terminal result without
// polling the store. Result is valid once Done is closed.
type TaskHandle struct {
	id     string
	done   chan struct{}
	result *core.TaskResult // write-once before done closes
}

func (h *TaskHandle) ID() string { return h.id }

// Done closes when the task reaches a terminal status.
func (h *TaskHandle) Done() <-chan struct{} { return h.done }

// Result returns the terminal result, or nil before Done closes.
func (h *TaskHandle) Result() *core.TaskResult {
	select {
	case <-h.done:
		return h.result
	default:
		return nil
	}
}

// liveTask is the coordinator's record of a task between submission and its
// terminal result. Guarded by the coordinator mutex.
type liveTask struct {
	task   *core.Task
	handle *TaskHandle

	status    core.TaskStatus
	cancel    context.CancelFunc // set when RUNNING
	cancelled bool               // user requested cancellation
}

// orderKey scopes completion-order tracking: events for tasks of one
// session and one priority band are emitted in submission order.
type orderKey struct {
	sessionID string
	priority  core.Priority
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Generator core.Generator
	Store     core.ResultStore
	Events    core.EventSink
	Logger    core.Logger

	// QueueCapacityPerBand bounds each priority band. Default 1024.
	QueueCapacityPerBand int

	// DefaultTaskDeadline applies to tasks submitted without one.
	// Default 60s.
	DefaultTaskDeadline time.Duration

	// DefaultPriority applies to tasks submitted with an invalid band.
	// Pointer because the zero Priority is CRITICAL, a meaningful value.
	// Nil defaults to NORMAL.
	DefaultPriority *core.Priority
}

// Coordinator consumes tasks from the queue, picks an eligible agent, runs
// the handler under the task deadline and writes exactly one terminal
// result per task. Agent-level failures never crash it.
type Coordinator struct {
	pool   *Pool
	queue  *Queue
	gen    core.Generator
	store  core.ResultStore
	events core.EventSink
	logger core.Logger

	defaultDeadline time.Duration
	defaultPriority core.Priority

	mu      sync.Mutex
	live    map[string]*liveTask
	order   map[orderKey][]string
	pending map[string]core.Event

	completion chan struct{}

	running  atomic.Bool
	loopStop context.CancelFunc
	wg       sync.WaitGroup
}

// NewCoordinator creates a coordinator over the pool. Generator and Store
// are required; Events and Logger fall back to no-ops.
func NewCoordinator(pool *Pool, cfg CoordinatorConfig) (*Coordinator, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: coordinator needs a pool", core.ErrInvalidConfiguration)
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("%w: coordinator needs a generator", core.ErrInvalidConfiguration)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: coordinator needs a result store", core.ErrInvalidConfiguration)
	}
	if cfg.Events == nil {
		cfg.Events = core.NoOpEventSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	if cfg.DefaultTaskDeadline <= 0 {
		cfg.DefaultTaskDeadline = 60 * time.Second
	}
	if cfg.DefaultPriority == nil || !cfg.DefaultPriority.Valid() {
		p := core.PriorityNormal
		cfg.DefaultPriority = &p
	}
	return &Coordinator{
		pool:            pool,
		queue:           NewQueue(cfg.QueueCapacityPerBand),
		gen:             cfg.Generator,
		store:           cfg.Store,
		events:          cfg.Events,
		logger:          cfg.Logger,
		defaultDeadline: cfg.DefaultTaskDeadline,
		defaultPriority: *cfg.DefaultPriority,
		live:            make(map[string]*liveTask),
		order:           make(map[orderKey][]string),
		pending:         make(map[string]core.Event),
		completion:      make(chan struct{}, 1),
	}, nil
}

// Start launches the dispatch loop.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return core.ErrAlreadyStarted
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.loopStop = cancel
	c.wg.Add(1)
	go c.dispatchLoop(loopCtx)
	c.logger.Info("Coordinator started", map[string]interface{}{
		"operation": "coordinator_start",
		"agents":    len(c.pool.order),
	})
	return nil
}

// Shutdown stops intake, cancels queued tasks and waits for running tasks
// to drain. When ctx expires first, running tasks are cancelled and the
// wait resumes.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if !c.running.CompareAndSwap(true, false) {
		return core.ErrNotRunning
	}
	c.loopStop()
	c.drainQueue()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.cancelAllRunning()
		<-done
	}
	// The loop may have requeued a popped task after the first drain.
	c.drainQueue()
	c.logger.Info("Coordinator stopped", map[string]interface{}{
		"operation": "coordinator_stop",
	})
	return nil
}

// Submit validates and enqueues a task, returning a handle to await the
// terminal result. A task whose deadline already passed is finalized FAILED
// with DEADLINE_EXCEEDED without touching any agent or backend.
func (c *Coordinator) Submit(task *core.Task) (*TaskHandle, error) {
	if !c.running.Load() {
		return nil, fmt.Errorf("coordinator.Submit: %w", core.ErrNotRunning)
	}
	if task == nil || task.Kind == "" {
		return nil, fmt.Errorf("coordinator.Submit: %w: task kind required", core.ErrInvalidConfiguration)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.AgentID == "" {
		task.AgentID = core.AgentAny
	}
	if !task.Priority.Valid() {
		task.Priority = c.defaultPriority
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	if task.AgentID != core.AgentAny {
		spec, ok := c.pool.Spec(task.AgentID)
		if !ok || !spec.HasCapability(task.Kind) {
			return nil, fmt.Errorf("coordinator.Submit: agent %q for kind %q: %w",
				task.AgentID, task.Kind, core.ErrNoAgent)
		}
	} else if !c.pool.HasCapable(task.Kind) {
		return nil, fmt.Errorf("coordinator.Submit: kind %q: %w", task.Kind, core.ErrNoAgent)
	}

	expired := false
	if task.Deadline.IsZero() {
		task.Deadline = task.CreatedAt.Add(c.defaultDeadline)
	} else if !task.Deadline.After(task.CreatedAt) {
		expired = true
	}

	lt := &liveTask{
		task:   task,
		status: core.TaskQueued,
		handle: &TaskHandle{id: task.ID, done: make(chan struct{})},
	}

	c.mu.Lock()
	if _, exists := c.live[task.ID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("coordinator.Submit: task %s: %w", task.ID, core.ErrDuplicate)
	}
	c.live[task.ID] = lt
	if task.SessionID != "" {
		key := orderKey{task.SessionID, task.Priority}
		c.order[key] = append(c.order[key], task.ID)
	}
	c.mu.Unlock()

	if expired {
		c.finalize(lt, &core.TaskResult{
			TaskID:       task.ID,
			AgentID:      task.AgentID,
			Status:       core.TaskFailed,
			ErrorCode:    core.ErrorCode(core.ErrDeadlineExceeded),
			ErrorMessage: "deadline not after creation time",
			StartedAt:    task.CreatedAt,
			FinishedAt:   time.Now(),
		})
		return lt.handle, nil
	}

	if err := c.queue.Enqueue(task); err != nil {
		c.unregister(lt)
		return nil, fmt.Errorf("coordinator.Submit: %w", err)
	}
	telemetry.Counter("tasks_submitted_total",
		"agent", task.AgentID, "kind", task.Kind)
	return lt.handle, nil
}

// Cancel trips a task by id. Queued tasks are removed and finalized
// CANCELLED immediately; running tasks have their context cancelled and
// finalize when the handler observes it. Returns false for unknown ids.
func (c *Coordinator) Cancel(taskID string) bool {
	c.mu.Lock()
	lt, ok := c.live[taskID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	lt.cancelled = true
	cancel := lt.cancel
	c.mu.Unlock()

	if task := c.queue.Remove(taskID); task != nil {
		c.finalize(lt, cancelledResult(task, "cancelled by caller"))
		c.signalCompletion()
		return true
	}
	if cancel != nil {
		cancel()
	}
	return true
}

// CancelSession cancels every QUEUED task bound to the session and drops
// its event-order tracking. Running tasks complete normally; their events
// go to a closed session and are discarded there.
func (c *Coordinator) CancelSession(sessionID string) {
	c.mu.Lock()
	var queued []*liveTask
	for _, lt := range c.live {
		if lt.task.SessionID == sessionID && lt.status == core.TaskQueued {
			queued = append(queued, lt)
			lt.cancelled = true
		}
	}
	c.mu.Unlock()

	for _, lt := range queued {
		if task := c.queue.Remove(lt.task.ID); task != nil {
			c.finalize(lt, cancelledResult(task, "session closed"))
		}
	}

	c.mu.Lock()
	for key, ids := range c.order {
		if key.sessionID != sessionID {
			continue
		}
		for _, id := range ids {
			delete(c.pending, id)
		}
		delete(c.order, key)
	}
	c.mu.Unlock()
	c.signalCompletion()
}

// Result reads a terminal result by task id.
func (c *Coordinator) Result(ctx context.Context, taskID string) (*core.TaskResult, error) {
	return c.store.GetTaskResult(ctx, taskID)
}

// QueueDepth returns the total number of queued tasks.
func (c *Coordinator) QueueDepth() int { return c.queue.Len() }

// AgentMetrics returns the per-agent snapshot.
func (c *Coordinator) AgentMetrics() []AgentMetrics { return c.pool.Metrics() }

func (c *Coordinator) dispatchLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		task := c.queue.Pop()
		if task == nil {
			c.waitDispatch(ctx)
			continue
		}

		c.mu.Lock()
		lt := c.live[task.ID]
		cancelled := lt != nil && lt.cancelled
		c.mu.Unlock()
		if lt == nil {
			continue
		}
		if cancelled {
			// Cancel raced with the pop; the queue removal missed.
			c.finalize(lt, cancelledResult(task, "cancelled by caller"))
			continue
		}

		agent := c.pool.acquireFor(task)
		if agent == nil {
			c.queue.EnqueueHead(task)
			c.waitDispatch(ctx)
			continue
		}
		c.wg.Add(1)
		go c.execute(lt, agent)
	}
}

// waitDispatch blocks until new work, a completion, the bounded wakeup or
// loop shutdown.
func (c *Coordinator) waitDispatch(ctx context.Context) {
	timer := time.NewTimer(wakeInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-c.queue.Notify():
	case <-c.completion:
	case <-timer.C:
	}
}

// execute runs one task on one agent. Never lets a handler panic escape.
func (c *Coordinator) execute(lt *liveTask, agent *agentEntry) {
	defer c.wg.Done()
	task := lt.task

	ctx, cancel := context.WithDeadline(context.Background(), task.Deadline)
	c.mu.Lock()
	lt.status = core.TaskRunning
	lt.cancel = cancel
	if lt.cancelled {
		// Cancel arrived between pop and dispatch.
		cancel()
	}
	c.mu.Unlock()

	start := time.Now()
	out, err := c.runHandler(ctx, agent, task)
	// Read before cancel, which forces ctx.Err to Canceled for every
	// outcome and would misclassify handler failures.
	ctxErr := ctx.Err()
	cancel()
	latency := time.Since(start)

	agent.release()
	result := c.buildResult(ctxErr, task, agent, out, err, start)
	agent.recordOutcome(result.Status, latency)

	telemetry.Duration("task_latency_ms", start, "agent", agent.spec.ID, "kind", task.Kind)
	telemetry.Counter("tasks_completed_total",
		"agent", agent.spec.ID, "status", string(result.Status))

	c.finalize(lt, result)
	c.signalCompletion()
}

func (c *Coordinator) runHandler(ctx context.Context, agent *agentEntry, task *core.Task) (out *core.AgentOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			ierr := core.NewInternalError("task_execute", "task", task.ID,
				fmt.Errorf("agent %s panicked: %v", agent.spec.ID, r))
			err = ierr
			telemetry.Counter("internal_errors_total", "op", "task_execute")
			c.logger.Error("Agent handler panicked", map[string]interface{}{
				"operation": "task_execute",
				"agent":     agent.spec.ID,
				"task_id":   task.ID,
				"trace_id":  ierr.TraceID,
				"panic":     fmt.Sprint(r),
				"stack":     string(debug.Stack()),
			})
		}
	}()
	return agent.spec.Handler(ctx, task, c.gen)
}

func (c *Coordinator) buildResult(ctxErr error, task *core.Task, agent *agentEntry, out *core.AgentOutput, err error, start time.Time) *core.TaskResult {
	result := &core.TaskResult{
		TaskID:     task.ID,
		AgentID:    agent.spec.ID,
		StartedAt:  start,
		FinishedAt: time.Now(),
	}
	switch {
	case err == nil && out != nil:
		result.Status = core.TaskCompleted
		result.Content = out.Content
		result.Reasoning = out.Reasoning
		result.Confidence = out.Confidence
		result.Stop = out.Stop
		result.TokensIn = out.TokensIn
		result.TokensOut = out.TokensOut
		result.Cost = out.Cost
		result.BackendID = out.BackendID
	case err == nil:
		result.Status = core.TaskFailed
		result.ErrorCode = core.ErrorCode(core.ErrInternal)
		result.ErrorMessage = "agent returned no output"
	case errors.Is(ctxErr, context.Canceled), errors.Is(err, core.ErrCancelled):
		result.Status = core.TaskCancelled
		result.ErrorCode = core.ErrorCode(core.ErrCancelled)
		result.ErrorMessage = "cancelled"
	case errors.Is(ctxErr, context.DeadlineExceeded):
		result.Status = core.TaskFailed
		result.ErrorCode = core.ErrorCode(core.ErrDeadlineExceeded)
		result.ErrorMessage = "task deadline exceeded"
	default:
		result.Status = core.TaskFailed
		result.ErrorCode = core.ErrorCode(err)
		result.ErrorMessage = err.Error()
	}
	return result
}

// finalize persists the result, releases the handle and emits the terminal
// event in per-session per-band submission order. Events are published
// outside the coordinator lock.
func (c *Coordinator) finalize(lt *liveTask, result *core.TaskResult) {
	storeCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	if err := c.store.PutTaskResult(storeCtx, result); err != nil {
		c.logger.Error("Failed to persist task result", map[string]interface{}{
			"operation": "task_finalize",
			"task_id":   result.TaskID,
			"error":     err.Error(),
		})
	}
	cancel()

	task := lt.task
	var ready []core.Event

	c.mu.Lock()
	lt.status = result.Status
	delete(c.live, task.ID)
	if task.SessionID != "" {
		key := orderKey{task.SessionID, task.Priority}
		if _, tracked := c.order[key]; tracked {
			c.pending[task.ID] = taskEvent(task, result)
			ready = c.flushOrdered(key)
		} else {
			// Session tracking already dropped; emit directly.
			ready = append(ready, taskEvent(task, result))
		}
	}
	lt.handle.result = result
	close(lt.handle.done)
	c.mu.Unlock()

	for _, ev := range ready {
		c.events.Publish(ev)
	}
}

// flushOrdered drains the head of one order list as long as results are
// pending. Caller holds the lock.
func (c *Coordinator) flushOrdered(key orderKey) []core.Event {
	var ready []core.Event
	ids := c.order[key]
	for len(ids) > 0 {
		ev, ok := c.pending[ids[0]]
		if !ok {
			break
		}
		ready = append(ready, ev)
		delete(c.pending, ids[0])
		ids = ids[1:]
	}
	if len(ids) == 0 {
		delete(c.order, key)
	} else {
		c.order[key] = ids
	}
	return ready
}

func (c *Coordinator) drainQueue() {
	for {
		task := c.queue.Pop()
		if task == nil {
			return
		}
		c.finalizeByID(task.ID, cancelledResult(task, "runtime shutting down"))
	}
}

func (c *Coordinator) finalizeByID(taskID string, result *core.TaskResult) {
	c.mu.Lock()
	lt := c.live[taskID]
	c.mu.Unlock()
	if lt != nil {
		c.finalize(lt, result)
	}
}

func (c *Coordinator) unregister(lt *liveTask) {
	task := lt.task
	c.mu.Lock()
	delete(c.live, task.ID)
	if task.SessionID != "" {
		key := orderKey{task.SessionID, task.Priority}
		ids := c.order[key]
		for i, id := range ids {
			if id == task.ID {
				c.order[key] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(c.order[key]) == 0 {
			delete(c.order, key)
		}
	}
	c.mu.Unlock()
}

func (c *Coordinator) cancelAllRunning() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, lt := range c.live {
		lt.cancelled = true
		if lt.cancel != nil {
			lt.cancel()
		}
	}
}

func (c *Coordinator) signalCompletion() {
	select {
	case c.completion <- struct{}{}:
	default:
	}
}

func cancelledResult(task *core.Task, reason string) *core.TaskResult {
	now := time.Now()
	return &core.TaskResult{
		TaskID:       task.ID,
		AgentID:      task.AgentID,
		Status:       core.TaskCancelled,
		ErrorCode:    core.ErrorCode(core.ErrCancelled),
		ErrorMessage: reason,
		StartedAt:    task.CreatedAt,
		FinishedAt:   now,
	}
}

func taskEvent(task *core.Task, result *core.TaskResult) core.Event {
	kind := core.EventTaskCompleted
	if result.Status != core.TaskCompleted {
		kind = core.EventTaskFailed
	}
	body := map[string]interface{}{
		"task_id":    result.TaskID,
		"agent_id":   result.AgentID,
		"status":     string(result.Status),
		"tokens_in":  result.TokensIn,
		"tokens_out": result.TokensOut,
		"cost":       result.Cost,
	}
	if result.Content != "" {
		body["content"] = result.Content
	}
	if result.BackendID != "" {
		body["backend_id"] = result.BackendID
	}
	if result.ErrorCode != "" {
		body["error_code"] = result.ErrorCode
		body["error_message"] = result.ErrorMessage
	}
	return core.Event{Kind: kind, SessionID: task.SessionID, Body: body}
}

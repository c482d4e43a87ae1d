package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/maestro-run/maestro/collab"
	"github.com/maestro-run/maestro/core"
	"github.com/maestro-run/maestro/orchestration"
	"github.com/maestro-run/maestro/telemetry"
)

// Session close reasons.
const (
	ReasonSlowConsumer        = "SLOW_CONSUMER"
	ReasonUnsupportedProtocol = "UNSUPPORTED_PROTOCOL"
	ReasonIdleTimeout         = "IDLE_TIMEOUT"
	ReasonClientDisconnect    = "CLIENT_DISCONNECT"
	ReasonShutdown            = "SHUTDOWN"
)

// Session is one live client attachment. All mutable state is owned by the
// hub; transports only pump frames.
type Session struct {
	ID        string
	Principal string
	OpenedAt  time.Time

	hub          *Hub
	mailbox      *mailbox
	lastActivity atomic.Int64

	mu            sync.Mutex
	activeAgents  map[string]bool
	subscriptions map[string]bool

	closed      atomic.Bool
	closeReason string
	closeOnce   sync.Once
}

// NextOutbound blocks until the next outbound frame or session close.
func (s *Session) NextOutbound(ctx context.Context) (*Frame, bool) {
	return s.mailbox.next(ctx)
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool { return s.closed.Load() }

// CloseReason returns the close reason, or "" while open.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// ActiveAgents returns a copy of the session's active agent set.
func (s *Session) ActiveAgents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.activeAgents))
	for id := range s.activeAgents {
		out = append(out, id)
	}
	return out
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// HubConfig configures a Hub.
type HubConfig struct {
	Coordinator *orchestration.Coordinator
	Engine      *collab.Engine
	Pool        *orchestration.Pool

	// Authorizer gates every inbound frame. Default allows everything.
	Authorizer core.Authorizer

	// Limiter is the per-principal token bucket. Optional.
	Limiter core.RateLimiter

	// RouteLimiter is the per-route token bucket, independent of the
	// per-principal one; a frame must pass both. Optional.
	RouteLimiter core.RateLimiter

	Logger core.Logger

	// MailboxSize bounds each session's outbound mailbox. Default 256.
	MailboxSize int

	// IdleTimeout closes sessions with no inbound activity. Zero
	// disables the sweep.
	IdleTimeout time.Duration
}

// Hub owns sessions and their mailboxes, routes inbound frames to the
// coordinator and the collaboration engine, and converts runtime events
// into outbound frames. It is the runtime's core.EventSink.
type Hub struct {
	coord  *orchestration.Coordinator
	engine *collab.Engine
	pool   *orchestration.Pool
	auth   core.Authorizer
	limiter      core.RateLimiter
	routeLimiter core.RateLimiter
	logger       core.Logger

	mailboxSize int
	idleTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session

	running  atomic.Bool
	loopStop context.CancelFunc
	wg       sync.WaitGroup
}

var _ core.EventSink = (*Hub)(nil)

// NewHub creates a hub over the coordinator and engine.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Coordinator == nil || cfg.Engine == nil || cfg.Pool == nil {
		return nil, fmt.Errorf("%w: hub needs a coordinator, an engine and a pool", core.ErrInvalidConfiguration)
	}
	if cfg.Authorizer == nil {
		cfg.Authorizer = core.AllowAll{}
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 256
	}
	return &Hub{
		coord:        cfg.Coordinator,
		engine:       cfg.Engine,
		pool:         cfg.Pool,
		auth:         cfg.Authorizer,
		limiter:      cfg.Limiter,
		routeLimiter: cfg.RouteLimiter,
		logger:       cfg.Logger,
		mailboxSize:  cfg.MailboxSize,
		idleTimeout:  cfg.IdleTimeout,
		sessions:     make(map[string]*Session),
	}, nil
}

// Start launches the idle sweeper.
func (h *Hub) Start(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return core.ErrAlreadyStarted
	}
	loopCtx, cancel := context.WithCancel(ctx)
	h.loopStop = cancel
	if h.idleTimeout > 0 {
		h.wg.Add(1)
		go h.sweepLoop(loopCtx)
	}
	return nil
}

// Shutdown closes every session and stops the sweeper.
func (h *Hub) Shutdown(ctx context.Context) error {
	if !h.running.CompareAndSwap(true, false) {
		return core.ErrNotRunning
	}
	h.loopStop()

	h.mu.RLock()
	open := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		open = append(open, s)
	}
	h.mu.RUnlock()
	for _, s := range open {
		h.CloseSession(s, ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Open creates a session for the principal. Reconnecting clients always get
// a fresh session; the core offers no replay.
func (h *Hub) Open(ctx context.Context, principal string) (*Session, error) {
	if !h.running.Load() {
		return nil, fmt.Errorf("hub.Open: %w", core.ErrNotRunning)
	}
	if !h.auth.Authorize(ctx, principal, "session.open", "") {
		return nil, fmt.Errorf("hub.Open: principal %q: %w", principal, core.ErrForbidden)
	}
	if h.limiter != nil {
		if allowed, retryAfter := h.limiter.Check("principal:"+principal, 1); !allowed {
			return nil, fmt.Errorf("hub.Open: retry after %s: %w", retryAfter, core.ErrRateLimited)
		}
	}

	s := &Session{
		ID:            uuid.NewString(),
		Principal:     principal,
		OpenedAt:      time.Now(),
		hub:           h,
		mailbox:       newMailbox(h.mailboxSize),
		activeAgents:  make(map[string]bool),
		subscriptions: make(map[string]bool),
	}
	s.touch()

	h.mu.Lock()
	h.sessions[s.ID] = s
	open := len(h.sessions)
	h.mu.Unlock()

	telemetry.Counter("sessions_opened_total")
	telemetry.Gauge("open_sessions", float64(open))
	h.logger.Info("Session opened", map[string]interface{}{
		"operation":  "session_open",
		"session_id": s.ID,
		"principal":  principal,
	})
	return s, nil
}

// Inbound routes one inbound frame: authorization, both rate limits, then
// the per-kind handler. The response (ack or error) is pushed onto the
// session's mailbox and also returned. Inbound never goes silent.
func (h *Hub) Inbound(ctx context.Context, s *Session, f *Frame) *Frame {
	if s.Closed() {
		return errorFrame(f.ID, core.ErrSessionClosed)
	}
	s.touch()

	if !h.auth.Authorize(ctx, s.Principal, f.Type, "") {
		return h.respond(s, errorFrame(f.ID, core.ErrForbidden))
	}
	if resp := h.checkRate(s, f); resp != nil {
		return h.respond(s, resp)
	}

	var resp *Frame
	switch f.Type {
	case FrameSubmitTask:
		resp = h.handleSubmitTask(s, f)
	case FrameSubmitCollab:
		resp = h.handleSubmitCollab(s, f)
	case FrameCancel:
		resp = h.handleCancel(s, f)
	case FrameSubscribe:
		resp = h.handleSubscribe(s, f, true)
	case FrameUnsubscribe:
		resp = h.handleSubscribe(s, f, false)
	case FrameActivateAgent:
		resp = h.handleActivateAgent(s, f)
	case FrameHumanDecision:
		resp = h.handleHumanDecision(s, f)
	case FrameHeartbeat:
		resp = ackFrame(f.ID, nil)
	default:
		resp = errorFrame(f.ID, fmt.Errorf("frame type %q: %w", f.Type, core.ErrUnknownFrame))
	}
	return h.respond(s, resp)
}

// Publish implements core.EventSink. Events for unknown or closed sessions
// are discarded.
func (h *Hub) Publish(ev core.Event) {
	h.mu.RLock()
	s := h.sessions[ev.SessionID]
	h.mu.RUnlock()
	if s == nil || s.Closed() {
		return
	}
	h.send(s, eventFrame(ev))
}

// Broadcast pushes a frame to every session subscribed to the topic.
func (h *Hub) Broadcast(topic, kind string, body map[string]interface{}) {
	h.mu.RLock()
	subscribers := make([]*Session, 0)
	for _, s := range h.sessions {
		s.mu.Lock()
		subscribed := s.subscriptions[topic]
		s.mu.Unlock()
		if subscribed {
			subscribers = append(subscribers, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range subscribers {
		h.send(s, NewFrame(kind, body))
	}
}

// CloseSession tears a session down: queued session tasks are cancelled,
// live collaborations tripped, active agents released, and the mailbox
// closed after draining. Running tasks finish on their own; their events
// find no session and are discarded. Idempotent.
func (h *Hub) CloseSession(s *Session, reason string) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.mu.Lock()
		s.closeReason = reason
		s.activeAgents = make(map[string]bool)
		s.subscriptions = make(map[string]bool)
		s.mu.Unlock()

		h.mu.Lock()
		delete(h.sessions, s.ID)
		open := len(h.sessions)
		h.mu.Unlock()

		h.coord.CancelSession(s.ID)
		h.engine.CancelSession(s.ID)
		s.mailbox.close()

		telemetry.Counter("sessions_closed_total", "reason", reason)
		telemetry.Gauge("open_sessions", float64(open))
		h.logger.Info("Session closed", map[string]interface{}{
			"operation":  "session_close",
			"session_id": s.ID,
			"reason":     reason,
		})
	})
}

// OpenSessions returns the number of live sessions.
func (h *Hub) OpenSessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// respond pushes the response frame and returns it.
func (h *Hub) respond(s *Session, resp *Frame) *Frame {
	h.send(s, resp)
	return resp
}

// send pushes a frame onto the session mailbox, closing the session when
// the back-pressure ladder reports overflow.
func (h *Hub) send(s *Session, f *Frame) {
	if s.mailbox.push(f) {
		h.logger.Warn("Session mailbox overflow", map[string]interface{}{
			"operation":  "session_backpressure",
			"session_id": s.ID,
		})
		h.CloseSession(s, ReasonSlowConsumer)
	}
}

func (h *Hub) checkRate(s *Session, f *Frame) *Frame {
	if h.limiter != nil {
		if allowed, retryAfter := h.limiter.Check("principal:"+s.Principal, 1); !allowed {
			return rateLimitedFrame(f.ID, retryAfter)
		}
	}
	if h.routeLimiter != nil {
		if allowed, retryAfter := h.routeLimiter.Check("route:"+f.Type, 1); !allowed {
			return rateLimitedFrame(f.ID, retryAfter)
		}
	}
	return nil
}

func rateLimitedFrame(replyTo string, retryAfter time.Duration) *Frame {
	f := errorFrame(replyTo, core.ErrRateLimited)
	f.Body["retry_after_ms"] = retryAfter.Milliseconds()
	return f
}

func (h *Hub) handleSubmitTask(s *Session, f *Frame) *Frame {
	kind, _ := f.Body["kind"].(string)
	if kind == "" {
		return errorFrame(f.ID, fmt.Errorf("submit_task needs a kind: %w", core.ErrUnknownFrame))
	}
	task := &core.Task{
		SessionID: s.ID,
		Kind:      kind,
		Priority:  -1, // coordinator applies the configured default
	}
	if target, ok := f.Body["target_agent_id"].(string); ok {
		task.AgentID = target
	}
	if p, ok := f.Body["priority"].(float64); ok {
		task.Priority = core.Priority(int(p))
	}
	if ms, ok := f.Body["deadline"].(float64); ok {
		task.Deadline = time.UnixMilli(int64(ms))
	}
	if payload, ok := f.Body["payload"]; ok {
		data, err := json.Marshal(payload)
		if err != nil {
			return errorFrame(f.ID, fmt.Errorf("malformed payload: %w", core.ErrUnknownFrame))
		}
		task.Payload = data
	}

	handle, err := h.coord.Submit(task)
	if err != nil {
		return errorFrame(f.ID, err)
	}
	return ackFrame(f.ID, map[string]interface{}{"task_id": handle.ID()})
}

func (h *Hub) handleSubmitCollab(s *Session, f *Frame) *Frame {
	req := &core.CollaborationRequest{
		SessionID: s.ID,
		Priority:  -1,
	}
	req.Prompt, _ = f.Body["prompt"].(string)
	if raw, ok := f.Body["participants"].([]interface{}); ok {
		for _, p := range raw {
			if id, ok := p.(string); ok {
				req.Participants = append(req.Participants, id)
			}
		}
	}
	if strat, ok := f.Body["strategy"].(string); ok {
		req.Strategy = core.Strategy(strat)
	}
	if policy, ok := f.Body["resolution_policy"].(string); ok {
		req.Policy = core.ResolutionPolicy(policy)
	}
	if ms, ok := f.Body["deadline"].(float64); ok {
		req.Deadline = time.UnixMilli(int64(ms))
	}

	handle, err := h.engine.Submit(req)
	if err != nil {
		return errorFrame(f.ID, err)
	}
	return ackFrame(f.ID, map[string]interface{}{"collab_id": handle.ID()})
}

func (h *Hub) handleCancel(s *Session, f *Frame) *Frame {
	if taskID, ok := f.Body["task_id"].(string); ok && taskID != "" {
		if !h.coord.Cancel(taskID) {
			return errorFrame(f.ID, fmt.Errorf("task %s: %w", taskID, core.ErrNotFound))
		}
		return ackFrame(f.ID, map[string]interface{}{"task_id": taskID})
	}
	if collabID, ok := f.Body["collab_id"].(string); ok && collabID != "" {
		if !h.engine.Cancel(collabID) {
			return errorFrame(f.ID, fmt.Errorf("collab %s: %w", collabID, core.ErrNotFound))
		}
		return ackFrame(f.ID, map[string]interface{}{"collab_id": collabID})
	}
	return errorFrame(f.ID, fmt.Errorf("cancel needs task_id or collab_id: %w", core.ErrUnknownFrame))
}

func (h *Hub) handleSubscribe(s *Session, f *Frame, subscribe bool) *Frame {
	topic, _ := f.Body["topic"].(string)
	if topic == "" {
		return errorFrame(f.ID, fmt.Errorf("subscribe needs a topic: %w", core.ErrUnknownFrame))
	}
	s.mu.Lock()
	if subscribe {
		s.subscriptions[topic] = true
	} else {
		delete(s.subscriptions, topic)
	}
	s.mu.Unlock()
	return ackFrame(f.ID, map[string]interface{}{"topic": topic})
}

func (h *Hub) handleActivateAgent(s *Session, f *Frame) *Frame {
	agentID, _ := f.Body["agent_id"].(string)
	if _, ok := h.pool.Spec(agentID); !ok {
		return errorFrame(f.ID, fmt.Errorf("agent %q: %w", agentID, core.ErrNoAgent))
	}
	s.mu.Lock()
	s.activeAgents[agentID] = true
	s.mu.Unlock()

	h.send(s, NewFrame(string(core.EventAgentActivated), map[string]interface{}{
		"agent_id": agentID,
	}))
	return ackFrame(f.ID, map[string]interface{}{"agent_id": agentID})
}

func (h *Hub) handleHumanDecision(s *Session, f *Frame) *Frame {
	collabID, _ := f.Body["collab_id"].(string)
	if collabID == "" {
		return errorFrame(f.ID, fmt.Errorf("human_decision needs a collab_id: %w", core.ErrUnknownFrame))
	}
	decision := collab.HumanDecision{}
	decision.AgentID, _ = f.Body["agent_id"].(string)
	decision.Content, _ = f.Body["content"].(string)
	if err := h.engine.ResolveHuman(collabID, decision); err != nil {
		return errorFrame(f.ID, err)
	}
	return ackFrame(f.ID, map[string]interface{}{"collab_id": collabID})
}

func (h *Hub) sweepLoop(ctx context.Context) {
	defer h.wg.Done()
	interval := h.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepIdle()
		}
	}
}

func (h *Hub) sweepIdle() {
	cutoff := time.Now().Add(-h.idleTimeout).UnixNano()
	h.mu.RLock()
	var idle []*Session
	for _, s := range h.sessions {
		if s.lastActivity.Load() < cutoff {
			idle = append(idle, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range idle {
		h.CloseSession(s, ReasonIdleTimeout)
	}
}

// Package core defines the shared entities, enums, sentinel errors and
// consumer interfaces of the maestro runtime. Every other package depends
// on core; core depends on nothing above the standard library and YAML.
package core

import (
	"context"
	"encoding/json"
	"strconv"
	"time"
)

// BackendTier partitions backends by locality. LOCAL backends cost nothing
// and are always preferred; REMOTE backends are used only when the request
// allows them.
type BackendTier string

const (
	TierLocal  BackendTier = "LOCAL"
	TierRemote BackendTier = "REMOTE"
)

// BackendHealth is the registry's view of a backend.
type BackendHealth string

const (
	HealthHealthy  BackendHealth = "HEALTHY"
	HealthDegraded BackendHealth = "DEGRADED"
	HealthDown     BackendHealth = "DOWN"
)

// BackendSpec declares one inference backend. The spec is immutable after
// registration; health lives in the registry.
type BackendSpec struct {
	ID           string      `yaml:"id"`
	Tier         BackendTier `yaml:"tier"`
	Capabilities []string    `yaml:"capabilities"`

	// UnitCost is the cost per 1K output tokens. Must be 0 for LOCAL.
	UnitCost float64 `yaml:"unit_cost"`

	// MaxConcurrent bounds in-flight invocations. Zero means unbounded.
	MaxConcurrent int `yaml:"max_concurrent"`

	// Priority orders candidates within a tier; lower is preferred.
	Priority int `yaml:"priority"`

	// Client performs the actual invocations. Injected by the embedding
	// application after config load; never serialized.
	Client BackendClient `yaml:"-"`
}

// HasCapability reports whether the backend declares the capability.
func (b *BackendSpec) HasCapability(capability string) bool {
	for _, c := range b.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// BackendResult is what a backend client returns from one invocation.
type BackendResult struct {
	Content   string
	TokensIn  int
	TokensOut int
}

// BackendClient is the transport to one backend. Implementations honor the
// context deadline on both methods. Probe is a cheap capability check used
// by the health prober.
type BackendClient interface {
	Invoke(ctx context.Context, capability, input string, maxTokens int) (*BackendResult, error)
	Probe(ctx context.Context) error
}

// GenerationRequest is one call into the model router.
type GenerationRequest struct {
	Capability  string
	Input       string
	MaxTokens   int
	AllowRemote bool

	// SessionID attributes cost and stabilizes candidate tie-breaking.
	// Optional.
	SessionID string
}

// GenerationResponse is the router's answer, including which backend served
// the request and what it cost.
type GenerationResponse struct {
	Content   string
	TokensIn  int
	TokensOut int
	BackendID string
	Cost      float64

	// Attempts is the number of invocation attempts the call consumed.
	Attempts int
}

// Generator is the routing interface agent handlers call. The model router
// is the production implementation.
type Generator interface {
	Generate(ctx context.Context, req *GenerationRequest) (*GenerationResponse, error)
}

// AgentState describes an agent's availability. PAUSED and ERROR agents are
// skipped by the coordinator.
type AgentState string

const (
	AgentIdle   AgentState = "IDLE"
	AgentBusy   AgentState = "BUSY"
	AgentPaused AgentState = "PAUSED"
	AgentError  AgentState = "ERROR"
)

// RoleCoordinator marks the agent that arbitrates unresolved
// collaborations.
const RoleCoordinator = "COORDINATOR"

// AgentAny is the reserved target meaning "any capable agent".
const AgentAny = "ANY"

// AgentOutput is what an agent handler returns.
type AgentOutput struct {
	Content   string
	Reasoning []string

	// Confidence in [0,1]; consumed by CONFIDENCE_WEIGHTED resolution.
	// Zero is treated as unreported and defaults to 0.5 at resolution.
	Confidence float64

	// Stop ends a CASCADE collaboration early with this output as
	// terminal.
	Stop bool

	TokensIn  int
	TokensOut int
	Cost      float64
	BackendID string
}

// AgentHandler is the unit of agent behavior: an async request/response
// computation that observes ctx for cancellation and calls gen for model
// access.
type AgentHandler func(ctx context.Context, task *Task, gen Generator) (*AgentOutput, error)

// AgentSpec declares one agent. Registered at startup; the pool owns all
// mutable state.
type AgentSpec struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`

	Capabilities []string `yaml:"capabilities"`

	// MaxConcurrentTasks bounds in-flight tasks. Default 3.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`

	// PreferredBackendCapability is what the handler asks the router for.
	PreferredBackendCapability string `yaml:"preferred_backend_capability"`

	// SystemPreamble is prepended to prompts by handlers that use it.
	// Opaque to the runtime.
	SystemPreamble string `yaml:"system_preamble"`

	// Role marks special agents, e.g. RoleCoordinator for arbitration.
	Role string `yaml:"role"`

	// Weights holds per-capability expertise weights for
	// EXPERTISE_WEIGHTED resolution. Missing entries default to 1.
	Weights map[string]float64 `yaml:"weights"`

	// Handler is injected by the embedding application after config load.
	Handler AgentHandler `yaml:"-"`
}

// HasCapability reports whether the agent declares the capability.
func (a *AgentSpec) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Priority is the task priority band: 0=critical, 1=high, 2=normal, 3=low.
// Lower runs first.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3

	// PriorityBands is the number of queue bands.
	PriorityBands = 4
)

// Valid reports whether p names an existing band.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

// String returns the numeric band, matching the wire encoding.
func (p Priority) String() string {
	return strconv.Itoa(int(p))
}

// TaskStatus is the task lifecycle state. Transitions are monotonic and
// terminal states are final.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "QUEUED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Task is one unit of work.
type Task struct {
	ID string `json:"id"`

	// SessionID binds lifecycle events to a session. Empty for detached
	// tasks.
	SessionID string `json:"session_id,omitempty"`

	// AgentID targets a specific agent, or AgentAny for capability match.
	AgentID string `json:"agent_id"`

	// Kind is the required capability, e.g. "code_analyze".
	Kind string `json:"kind"`

	Priority Priority `json:"priority"`

	// Payload is opaque to the runtime and handed to the handler as-is.
	Payload json.RawMessage `json:"payload,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// Deadline is absolute. Zero means the configured default applies at
	// submission.
	Deadline time.Time `json:"deadline,omitempty"`
}

// TaskResult is the single terminal outcome of a task.
type TaskResult struct {
	TaskID  string     `json:"task_id"`
	AgentID string     `json:"agent_id"`
	Status  TaskStatus `json:"status"`

	Content    string   `json:"content,omitempty"`
	Reasoning  []string `json:"reasoning,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`

	// Stop carries the agent's cascade-stop signal through to the
	// collaboration engine.
	Stop bool `json:"stop,omitempty"`

	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	Cost      float64 `json:"cost"`
	BackendID string  `json:"backend_id,omitempty"`

	// ErrorCode is the stable wire code for FAILED results; see ErrorCode.
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Strategy names how a collaboration orchestrates its participants.
type Strategy string

const (
	StrategySequential Strategy = "SEQUENTIAL"
	StrategyParallel   Strategy = "PARALLEL"
	StrategyCascade    Strategy = "CASCADE"
	StrategySwarm      Strategy = "SWARM"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategySequential, StrategyParallel, StrategyCascade, StrategySwarm:
		return true
	}
	return false
}

// ResolutionPolicy names how disagreeing parallel outputs are reconciled.
type ResolutionPolicy string

const (
	ResolutionVoting             ResolutionPolicy = "VOTING"
	ResolutionConfidenceWeighted ResolutionPolicy = "CONFIDENCE_WEIGHTED"
	ResolutionExpertiseWeighted  ResolutionPolicy = "EXPERTISE_WEIGHTED"
	ResolutionConsensus          ResolutionPolicy = "CONSENSUS"
	ResolutionArbitration        ResolutionPolicy = "ARBITRATION"
	ResolutionHuman              ResolutionPolicy = "HUMAN"
)

// Valid reports whether p is a known policy.
func (p ResolutionPolicy) Valid() bool {
	switch p {
	case ResolutionVoting, ResolutionConfidenceWeighted, ResolutionExpertiseWeighted,
		ResolutionConsensus, ResolutionArbitration, ResolutionHuman:
		return true
	}
	return false
}

// EquivalenceFn decides whether two outputs agree. The default normalizes
// whitespace and compares bytes.
type EquivalenceFn func(a, b string) bool

// CollaborationRequest is a multi-agent job.
type CollaborationRequest struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id,omitempty"`

	Prompt string `json:"prompt"`

	// Participants is the ordered list of agent ids. At least two
	// distinct ids; each must exist in the pool.
	Participants []string `json:"participants"`

	Strategy Strategy         `json:"strategy"`
	Policy   ResolutionPolicy `json:"resolution_policy"`

	Priority Priority `json:"priority"`

	// Deadline is absolute. Zero means the configured default applies at
	// submission.
	Deadline time.Time `json:"deadline,omitempty"`

	// Equivalence overrides the default output comparison. Optional.
	Equivalence EquivalenceFn `json:"-"`
}

// CollabResult is the terminal outcome of a collaboration: the merged
// result plus the per-participant sub-results.
type CollabResult struct {
	CollabID  string     `json:"collab_id"`
	SessionID string     `json:"session_id,omitempty"`
	Status    TaskStatus `json:"status"`

	Strategy Strategy         `json:"strategy"`
	Policy   ResolutionPolicy `json:"resolution_policy"`

	// Content is the terminal merged output.
	Content string `json:"content,omitempty"`

	// DecidedBy is the policy that actually produced Content. Differs
	// from Policy when a tie escalated to ARBITRATION.
	DecidedBy ResolutionPolicy `json:"decided_by,omitempty"`

	// ChosenAgent identifies the winning participant when the resolution
	// picked one.
	ChosenAgent string `json:"chosen_agent,omitempty"`

	// SubResults holds one entry per participant that produced a terminal
	// result, in participant order.
	SubResults []*TaskResult `json:"sub_results,omitempty"`

	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	TotalCost float64 `json:"total_cost"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

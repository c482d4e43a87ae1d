package core

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BreakerConfig holds circuit breaker defaults shared across outbound
// dependencies.
type BreakerConfig struct {
	// FailureThreshold opens the breaker on this many consecutive failures.
	// Default 5.
	FailureThreshold int `yaml:"failure_threshold"`

	// WindowSize is the number of recent calls considered for the failure
	// rate trip. Default 20.
	WindowSize int `yaml:"window_size"`

	// MinSamples is the minimum number of calls in the window before the
	// failure rate is evaluated. Default 10.
	MinSamples int `yaml:"min_samples"`

	// FailureRate in [0,1] that trips the breaker over the window.
	// Default 0.5.
	FailureRate float64 `yaml:"failure_rate"`

	// Cooldown before an OPEN breaker admits a probe. Default 30s.
	Cooldown time.Duration `yaml:"cooldown"`

	// SuccessThreshold closes a HALF_OPEN breaker after this many
	// consecutive successes. Default 2.
	SuccessThreshold int `yaml:"success_threshold"`
}

// RateLimitConfig holds token bucket defaults. Per-route and per-identity
// buckets are independent; a request must pass both.
type RateLimitConfig struct {
	// Capacity is the maximum burst. Default 50.
	Capacity int `yaml:"capacity"`

	// RefillRate is tokens per second. Default 10.
	RefillRate float64 `yaml:"refill_rate"`
}

// RuntimeConfig is the single initialization struct for the runtime. All
// values arrive through it; there are no recognized environment variables at
// the core level. Zero values take documented defaults via ApplyDefaults.
type RuntimeConfig struct {
	// Backends declares the inference backends. At least one backend with
	// capability "chat" must exist.
	Backends []BackendSpec `yaml:"backends"`

	// Agents declares the agent pool.
	Agents []AgentSpec `yaml:"agents"`

	// DefaultPriority for submissions that carry none. Pointer because the
	// zero Priority is CRITICAL, a meaningful value. Nil defaults to NORMAL.
	DefaultPriority *Priority `yaml:"default_priority"`

	// QueueCapacityPerBand bounds each priority band. Default 1024.
	QueueCapacityPerBand int `yaml:"queue_capacity_per_band"`

	// MailboxSize bounds each session's outbound mailbox. Default 256.
	MailboxSize int `yaml:"mailbox_size"`

	Breaker   BreakerConfig   `yaml:"breaker"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// DefaultTaskDeadline applies to tasks submitted without one.
	// Default 60s.
	DefaultTaskDeadline time.Duration `yaml:"default_task_deadline"`

	// DefaultCollabDeadline applies to collaborations submitted without
	// one. Default 180s.
	DefaultCollabDeadline time.Duration `yaml:"default_collab_deadline"`

	// ProbeInterval is the backend health probe cadence. Default 30s.
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// DownCooldown is how long a DOWN backend waits before it is probed
	// again. Default 60s.
	DownCooldown time.Duration `yaml:"down_cooldown"`

	// RouterMaxAttempts bounds total invocation attempts per generation
	// call across distinct backends. Default 3.
	RouterMaxAttempts int `yaml:"router_max_attempts"`

	// SessionIdleTimeout closes sessions with no inbound activity.
	// Default 10m. Zero disables the sweep.
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`

	// ResultCacheSize is the bounded LRU in front of the result store.
	// Default 4096 entries.
	ResultCacheSize int `yaml:"result_cache_size"`

	// ResultCacheTTL is how long terminal results stay cached. Default 5m.
	ResultCacheTTL time.Duration `yaml:"result_cache_ttl"`
}

// DefaultRuntimeConfig returns a config with every default applied and no
// backends or agents.
func DefaultRuntimeConfig() *RuntimeConfig {
	cfg := &RuntimeConfig{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with documented defaults.
func (c *RuntimeConfig) ApplyDefaults() {
	if c.QueueCapacityPerBand <= 0 {
		c.QueueCapacityPerBand = 1024
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 256
	}
	if c.DefaultPriority == nil {
		p := PriorityNormal
		c.DefaultPriority = &p
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.WindowSize <= 0 {
		c.Breaker.WindowSize = 20
	}
	if c.Breaker.MinSamples <= 0 {
		c.Breaker.MinSamples = 10
	}
	if c.Breaker.FailureRate <= 0 {
		c.Breaker.FailureRate = 0.5
	}
	if c.Breaker.Cooldown <= 0 {
		c.Breaker.Cooldown = 30 * time.Second
	}
	if c.Breaker.SuccessThreshold <= 0 {
		c.Breaker.SuccessThreshold = 2
	}
	if c.RateLimit.Capacity <= 0 {
		c.RateLimit.Capacity = 50
	}
	if c.RateLimit.RefillRate <= 0 {
		c.RateLimit.RefillRate = 10
	}
	if c.DefaultTaskDeadline <= 0 {
		c.DefaultTaskDeadline = 60 * time.Second
	}
	if c.DefaultCollabDeadline <= 0 {
		c.DefaultCollabDeadline = 180 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.DownCooldown <= 0 {
		c.DownCooldown = 60 * time.Second
	}
	if c.RouterMaxAttempts <= 0 {
		c.RouterMaxAttempts = 3
	}
	if c.SessionIdleTimeout == 0 {
		c.SessionIdleTimeout = 10 * time.Minute
	}
	if c.ResultCacheSize <= 0 {
		c.ResultCacheSize = 4096
	}
	if c.ResultCacheTTL <= 0 {
		c.ResultCacheTTL = 5 * time.Minute
	}
	for i := range c.Agents {
		if c.Agents[i].MaxConcurrentTasks <= 0 {
			c.Agents[i].MaxConcurrentTasks = 3
		}
	}
}

// Validate checks the config invariants. Call after ApplyDefaults.
func (c *RuntimeConfig) Validate() error {
	seenBackends := make(map[string]bool, len(c.Backends))
	hasChat := false
	for i := range c.Backends {
		b := &c.Backends[i]
		if b.ID == "" {
			return fmt.Errorf("%w: backend %d has empty id", ErrInvalidConfiguration, i)
		}
		if seenBackends[b.ID] {
			return fmt.Errorf("%w: duplicate backend id %q", ErrInvalidConfiguration, b.ID)
		}
		seenBackends[b.ID] = true
		if b.Tier != TierLocal && b.Tier != TierRemote {
			return fmt.Errorf("%w: backend %q has invalid tier %q", ErrInvalidConfiguration, b.ID, b.Tier)
		}
		if b.Tier == TierLocal && b.UnitCost != 0 {
			return fmt.Errorf("%w: local backend %q must have unit_cost 0", ErrInvalidConfiguration, b.ID)
		}
		if len(b.Capabilities) == 0 {
			return fmt.Errorf("%w: backend %q declares no capabilities", ErrInvalidConfiguration, b.ID)
		}
		if b.HasCapability("chat") {
			hasChat = true
		}
	}
	if len(c.Backends) > 0 && !hasChat {
		return fmt.Errorf("%w: no backend with capability \"chat\"", ErrInvalidConfiguration)
	}

	seenAgents := make(map[string]bool, len(c.Agents))
	for i := range c.Agents {
		a := &c.Agents[i]
		if a.ID == "" {
			return fmt.Errorf("%w: agent %d has empty id", ErrInvalidConfiguration, i)
		}
		if a.ID == AgentAny {
			return fmt.Errorf("%w: agent id %q is reserved", ErrInvalidConfiguration, a.ID)
		}
		if seenAgents[a.ID] {
			return fmt.Errorf("%w: duplicate agent id %q", ErrInvalidConfiguration, a.ID)
		}
		seenAgents[a.ID] = true
		if len(a.Capabilities) == 0 {
			return fmt.Errorf("%w: agent %q declares no capabilities", ErrInvalidConfiguration, a.ID)
		}
	}

	if c.DefaultPriority != nil && !c.DefaultPriority.Valid() {
		return fmt.Errorf("%w: default priority %d out of range", ErrInvalidConfiguration, *c.DefaultPriority)
	}
	return nil
}

// LoadRuntimeConfig reads a YAML config file, applies defaults and
// validates. Backend clients and agent handlers must still be injected by
// the caller before constructing the runtime.
func LoadRuntimeConfig(path string) (*RuntimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := &RuntimeConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

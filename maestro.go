// Package maestro wires the orchestration runtime: backend routing, the
// agent coordinator, multi-agent collaborations and the session hub, all
// constructed from one RuntimeConfig.
package maestro

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/maestro-run/maestro/collab"
	"github.com/maestro-run/maestro/core"
	"github.com/maestro-run/maestro/orchestration"
	"github.com/maestro-run/maestro/resilience"
	"github.com/maestro-run/maestro/router"
	"github.com/maestro-run/maestro/session"
	"github.com/maestro-run/maestro/storage"
	"github.com/maestro-run/maestro/telemetry"
)

// Options carries the injected implementations the config cannot express.
// Every field is optional.
type Options struct {
	Logger core.Logger

	// Store is the external result store. Default in-memory. The runtime
	// fronts it with the bounded result cache either way.
	Store core.ResultStore

	// Authorizer gates inbound session frames. Default allows everything.
	Authorizer core.Authorizer

	// Metrics replaces the process-wide telemetry sink when set.
	Metrics telemetry.Sink
}

// Runtime is the assembled system. Construct with New, then Start; every
// component is reachable for embedding applications that need direct
// access.
type Runtime struct {
	Config *core.RuntimeConfig

	Registry    *router.Registry
	Router      *router.Router
	Prober      *router.Prober
	Breakers    *resilience.BreakerRegistry
	Pool        *orchestration.Pool
	Coordinator *orchestration.Coordinator
	Engine      *collab.Engine
	Hub         *session.Hub
	Store       core.ResultStore

	logger  core.Logger
	running atomic.Bool
}

// eventRelay breaks the construction cycle between the coordinator (an
// event producer) and the hub (the sink): producers hold the relay, and
// the hub is bound once it exists.
type eventRelay struct {
	sink atomic.Pointer[core.EventSink]
}

func (r *eventRelay) Publish(ev core.Event) {
	if sink := r.sink.Load(); sink != nil {
		(*sink).Publish(ev)
	}
}

func (r *eventRelay) bind(sink core.EventSink) {
	r.sink.Store(&sink)
}

// New validates the config and wires every component. Backend clients and
// agent handlers must already be injected into the config.
func New(cfg *core.RuntimeConfig, opts Options) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("maestro.New: %w: nil config", core.ErrInvalidConfiguration)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("maestro.New: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if opts.Metrics != nil {
		telemetry.SetSink(opts.Metrics)
	}

	registry, err := router.NewRegistry(cfg.Backends, logger)
	if err != nil {
		return nil, fmt.Errorf("maestro.New: %w", err)
	}
	breakers := resilience.NewBreakerRegistry(cfg.Breaker, logger)
	rt := router.New(registry, breakers, router.Config{
		MaxAttempts: cfg.RouterMaxAttempts,
		Logger:      logger,
	})
	prober := router.NewProber(registry, cfg.ProbeInterval, cfg.DownCooldown, logger)

	external := opts.Store
	if external == nil {
		external = storage.NewMemoryStore()
	}
	store := orchestration.NewCachedResultStore(external, cfg.ResultCacheSize, cfg.ResultCacheTTL)

	pool, err := orchestration.NewPool(cfg.Agents)
	if err != nil {
		return nil, fmt.Errorf("maestro.New: %w", err)
	}

	relay := &eventRelay{}
	coord, err := orchestration.NewCoordinator(pool, orchestration.CoordinatorConfig{
		Generator:            rt,
		Store:                store,
		Events:               relay,
		Logger:               logger,
		QueueCapacityPerBand: cfg.QueueCapacityPerBand,
		DefaultTaskDeadline:  cfg.DefaultTaskDeadline,
		DefaultPriority:      cfg.DefaultPriority,
	})
	if err != nil {
		return nil, fmt.Errorf("maestro.New: %w", err)
	}

	engine, err := collab.NewEngine(coord, pool, collab.EngineConfig{
		Store:           store,
		Events:          relay,
		Logger:          logger,
		DefaultDeadline: cfg.DefaultCollabDeadline,
		DefaultPriority: cfg.DefaultPriority,
	})
	if err != nil {
		return nil, fmt.Errorf("maestro.New: %w", err)
	}

	hub, err := session.NewHub(session.HubConfig{
		Coordinator:  coord,
		Engine:       engine,
		Pool:         pool,
		Authorizer:   opts.Authorizer,
		Limiter:      resilience.NewKeyedLimiter(cfg.RateLimit),
		RouteLimiter: resilience.NewKeyedLimiter(cfg.RateLimit),
		Logger:       logger,
		MailboxSize:  cfg.MailboxSize,
		IdleTimeout:  cfg.SessionIdleTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("maestro.New: %w", err)
	}
	relay.bind(hub)

	return &Runtime{
		Config:      cfg,
		Registry:    registry,
		Router:      rt,
		Prober:      prober,
		Breakers:    breakers,
		Pool:        pool,
		Coordinator: coord,
		Engine:      engine,
		Hub:         hub,
		Store:       store,
		logger:      logger,
	}, nil
}

// Start launches the coordinator, the hub and the health prober.
func (r *Runtime) Start(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return core.ErrAlreadyStarted
	}
	if err := r.Coordinator.Start(ctx); err != nil {
		return err
	}
	if err := r.Hub.Start(ctx); err != nil {
		return err
	}
	r.Prober.Start(ctx)
	r.logger.Info("Runtime started", map[string]interface{}{
		"operation": "runtime_start",
		"backends":  len(r.Config.Backends),
		"agents":    len(r.Config.Agents),
	})
	return nil
}

// Shutdown stops intake and drains: sessions close first so no new work
// arrives, then collaborations, then the coordinator, then the prober.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if !r.running.CompareAndSwap(true, false) {
		return core.ErrNotRunning
	}
	var firstErr error
	if err := r.Hub.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.Engine.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.Coordinator.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	r.Prober.Stop()
	r.logger.Info("Runtime stopped", map[string]interface{}{
		"operation": "runtime_stop",
	})
	return firstErr
}

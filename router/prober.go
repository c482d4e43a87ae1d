package router

import (
	"context"
	"sync"
	"time"

	"github.com/maestro-run/maestro/core"
	"github.com/maestro-run/maestro/telemetry"
)

// probeTimeout bounds a single capability check.
const probeTimeout = 5 * time.Second

// Prober performs cheap capability checks against each backend on a fixed
// interval. A DEGRADED backend returns to HEALTHY after two successful
// probes. A DOWN backend is left alone for the cooldown, then given a
// single half-open probe; success promotes it to DEGRADED so two further
// probes restore HEALTHY.
type Prober struct {
	registry *Registry
	logger   core.Logger

	interval     time.Duration
	downCooldown time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewProber creates a prober over the registry.
func NewProber(registry *Registry, interval, downCooldown time.Duration, logger core.Logger) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if downCooldown <= 0 {
		downCooldown = 60 * time.Second
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Prober{
		registry:     registry,
		logger:       logger,
		interval:     interval,
		downCooldown: downCooldown,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the probe loop. Safe to call once; returns immediately.
func (p *Prober) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		go p.run(ctx)
	})
}

// Stop halts the probe loop and waits for it to exit.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

func (p *Prober) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep probes every eligible backend once. Exported so tests and the
// runtime can force a pass without waiting for the ticker.
func (p *Prober) Sweep(ctx context.Context) {
	for _, st := range p.registry.states() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.probeOne(ctx, st)
	}
}

func (p *Prober) probeOne(ctx context.Context, st *backendState) {
	health := st.Health()
	if health == core.HealthDown {
		downAt := st.downAt.Load()
		if downAt == 0 || time.Since(time.Unix(0, downAt)) < p.downCooldown {
			return
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	err := st.spec.Client.Probe(probeCtx)
	cancel()

	if err != nil {
		st.probeSuccesses.Store(0)
		if health == core.HealthDown {
			// Failed half-open probe restarts the cooldown.
			st.downAt.Store(time.Now().UnixNano())
		}
		telemetry.Counter("backend_probes_total", "backend", st.spec.ID, "status", "failure")
		p.logger.Debug("Backend probe failed", map[string]interface{}{
			"operation": "backend_probe",
			"backend":   st.spec.ID,
			"health":    string(health),
			"error":     err.Error(),
		})
		return
	}

	telemetry.Counter("backend_probes_total", "backend", st.spec.ID, "status", "success")
	switch health {
	case core.HealthDown:
		st.consecutiveFailures.Store(0)
		st.probeSuccesses.Store(1)
		p.registry.setHealth(st, core.HealthDegraded)
	case core.HealthDegraded:
		if st.probeSuccesses.Add(1) >= healthyAfterProbes {
			st.consecutiveFailures.Store(0)
			p.registry.setHealth(st, core.HealthHealthy)
		}
	default:
		st.probeSuccesses.Store(0)
	}
}

package agent

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/tunnel-agent/pkg/client"
	"github.com/cuemby/tunnel-agent/pkg/config"
	"github.com/cuemby/tunnel-agent/pkg/events"
	"github.com/cuemby/tunnel-agent/pkg/log"
	"github.com/cuemby/tunnel-agent/pkg/metrics"
	"github.com/cuemby/tunnel-agent/pkg/mode"
	"github.com/cuemby/tunnel-agent/pkg/reconciler"
	"github.com/cuemby/tunnel-agent/pkg/runtime"
	"github.com/cuemby/tunnel-agent/pkg/types"
)

// Version is reported to the control plane on registration
const Version = "2.0.0"

const (
	defaultRegisterRetry = 60 * time.Second
	cleanupTimeout       = 30 * time.Second
	eventQueueSize       = 64
)

// StateStore persists the agent identity and tunnel desired state
type StateStore interface {
	LoadIdentity() (types.AgentIdentity, error)
	SaveIdentity(id types.AgentIdentity) error
	LoadTunnelState() (types.TunnelDesiredState, error)
	SaveTunnelState(st types.TunnelDesiredState) error
}

// Agent wires the runtime manager, the reconciler and the control plane
// together and runs the long-lived loops
type Agent struct {
	cfg      *config.Config
	modeInfo types.ModeInfo
	manager  runtime.Manager
	cp       ControlPlane
	state    StateStore

	identity   *Identity
	reporter   *Reporter
	broker     *events.Broker
	reconciler atomic.Pointer[reconciler.Reconciler]

	registerRetry time.Duration
	logger        zerolog.Logger
}

// New creates an agent
func New(cfg *config.Config, modeInfo types.ModeInfo, mgr runtime.Manager, cp ControlPlane, state StateStore) *Agent {
	identity := &Identity{}
	return &Agent{
		cfg:           cfg,
		modeInfo:      modeInfo,
		manager:       mgr,
		cp:            cp,
		state:         state,
		identity:      identity,
		reporter:      NewReporter(cp, identity),
		broker:        events.NewBroker(),
		registerRetry: defaultRegisterRetry,
		logger:        log.WithMode("agent", string(modeInfo.Mode)),
	}
}

// AgentID returns the registered agent id
func (a *Agent) AgentID() string {
	return a.identity.Get()
}

// Reconciler returns the reconciler, nil before Run loaded the state
func (a *Agent) Reconciler() *reconciler.Reconciler {
	return a.reconciler.Load()
}

// Run validates the host, registers with the control plane, converges the
// tunnel and runs every loop until ctx is cancelled. The tunnel workload is
// removed on the way out.
func (a *Agent) Run(ctx context.Context) error {
	if err := mode.ValidateRequirements(a.modeInfo, a.cfg.Docker.SwarmNodeRole); err != nil {
		return fmt.Errorf("swarm requirements not met: %w", err)
	}

	id, err := a.state.LoadIdentity()
	if err != nil {
		return err
	}
	if id.AgentID != "" {
		a.identity.Set(id.AgentID)
		a.logger.Info().Str("agent_id", id.AgentID).Msg("Loaded agent id")
	}

	desired, err := a.state.LoadTunnelState()
	if err != nil {
		return err
	}

	rec := reconciler.NewReconciler(a.manager, a.state, a.reporter, a.cp, desired, reconciler.Options{
		TunnelName:  a.cfg.Tunnel.Name,
		Image:       a.cfg.Tunnel.Image,
		NetworkName: a.cfg.Tunnel.NetworkName,
		Constraints: a.cfg.Tunnel.PlacementConstraints,
		Mode:        a.modeInfo.Mode,
	})
	a.reconciler.Store(rec)

	if err := a.register(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	if err := rec.Converge(ctx); err != nil {
		a.logger.Error().Err(err).Msg("Initial tunnel convergence failed")
	}

	a.broker.Start()
	defer a.broker.Stop()
	sub := a.broker.Subscribe()
	defer a.broker.Unsubscribe(sub)

	collector := metrics.NewCollector(a.manager, a.cfg.Tunnel.Name, a.cfg.Agent.HealthCheckInterval)
	collector.Start()
	defer collector.Stop()

	domain := make(chan types.DomainEvent, eventQueueSize)
	forwarder := NewEventForwarder(a.cp, a.identity)
	dispatcher := NewCommandDispatcher(a.cp, a.identity, rec, a.cfg.Agent.CommandPollInterval)
	monitor := NewHealthMonitor(rec, a.cfg.Agent.HealthCheckInterval)
	status := NewStatusReporter(a.reporter, a.manager, a.cfg.Agent.ReportInterval)

	a.logger.Info().Str("agent_id", a.identity.Get()).Msg("Agent running")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runtime.Subscribe(gctx, a.manager, domain) })
	g.Go(func() error {
		a.broker.Pump(gctx, domain)
		return nil
	})
	g.Go(func() error { return forwarder.Run(gctx, sub) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return status.Run(gctx) })

	err = g.Wait()

	cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	rec.Cleanup(cleanupCtx)

	a.logger.Info().Msg("Agent stopped")
	return err
}

// displayName picks the configured name, else one derived from the agent id
func (a *Agent) displayName() string {
	if a.cfg.Agent.DisplayName != "" {
		return a.cfg.Agent.DisplayName
	}
	if id := a.identity.Get(); id != "" {
		if len(id) > 8 {
			id = id[:8]
		}
		return "agent-" + id
	}
	return "dockflare-agent"
}

// register retries at a fixed interval until the control plane assigns an
// id or ctx is cancelled
func (a *Agent) register(ctx context.Context) error {
	req := client.RegisterRequest{
		DisplayName: a.displayName(),
		Version:     Version,
		Mode:        a.modeInfo.Mode,
		AgentID:     a.identity.Get(),
	}
	if a.modeInfo.IsSwarm() {
		req.NodeInfo = &client.NodeInfo{NodeID: a.modeInfo.NodeID, NodeRole: a.modeInfo.NodeRole}
	}

	op := func() error {
		a.logger.Info().Str("master", a.cfg.Master.URL).Msg("Registering with control plane")
		newID, err := a.cp.Register(ctx, req)
		if err != nil {
			return err
		}

		if old := a.identity.Get(); old != "" && old != newID {
			a.logger.Warn().Str("old_id", old).Str("new_id", newID).Msg("Control plane assigned a new agent id")
		}
		a.identity.Set(newID)
		if err := a.state.SaveIdentity(types.AgentIdentity{AgentID: newID}); err != nil {
			a.logger.Error().Err(err).Msg("Failed to persist agent id")
		}
		a.logger.Info().Str("agent_id", newID).Msg("Registered with control plane")
		return nil
	}

	notify := func(err error, wait time.Duration) {
		a.logger.Error().Err(err).Dur("retry_in", wait).Msg("Registration failed")
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(a.registerRetry), ctx)
	return backoff.RetryNotify(op, b, notify)
}

package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/tunnel-agent/pkg/client"
	"github.com/cuemby/tunnel-agent/pkg/config"
	"github.com/cuemby/tunnel-agent/pkg/log"
	"github.com/cuemby/tunnel-agent/pkg/metrics"
	"github.com/cuemby/tunnel-agent/pkg/runtime"
	"github.com/cuemby/tunnel-agent/pkg/types"
)

var (
	ErrMissingTunnelParams = errors.New("command is missing token, tunnel name or tunnel id")
	ErrNoTunnelID          = errors.New("no tunnel id available")
	ErrUnknownAction       = errors.New("unknown command action")
)

// StateSaver persists the desired state
type StateSaver interface {
	SaveTunnelState(st types.TunnelDesiredState) error
}

// EventReporter sends a domain event to the control plane
type EventReporter interface {
	ReportEvent(ctx context.Context, eventType string, payload map[string]any) error
}

// ConfigPusher replaces the remote ingress configuration of a tunnel
type ConfigPusher interface {
	PushIngressConfig(ctx context.Context, tunnelID string, ingress []types.IngressRule) error
}

// Status is a read-only copy of the reconciler state
type Status struct {
	Desired  types.TunnelDesiredState
	Observed *types.WorkloadDescriptor
	Version  string
}

// Reconciler owns the tunnel desired state and converges the engine to it.
// Every mutation happens under one mutex, so a remove-then-create sequence
// is never observed half done by a concurrent converge.
type Reconciler struct {
	manager  runtime.Manager
	store    StateSaver
	reporter EventReporter
	pusher   ConfigPusher
	opts     Options
	image    string

	mu       sync.Mutex
	desired  types.TunnelDesiredState
	observed *types.WorkloadDescriptor
	version  string

	logger zerolog.Logger
}

// NewReconciler creates a reconciler starting from the persisted desired state
func NewReconciler(mgr runtime.Manager, store StateSaver, reporter EventReporter, pusher ConfigPusher, desired types.TunnelDesiredState, opts Options) *Reconciler {
	if opts.TunnelName == "" {
		opts.TunnelName = config.DefaultTunnelName
	}
	if opts.Mode == "" {
		opts.Mode = mgr.Mode()
	}
	if desired.DesiredRunState == "" {
		desired.DesiredRunState = types.RunStateUnknown
	}

	image := NormalizeImage(opts.Image, config.DefaultTunnelImage)
	logger := log.WithComponent("reconciler")
	if image != config.DefaultTunnelImage {
		logger.Info().Str("image", image).Msg("Using configured tunnel image")
	}

	// Healthy until a converge says otherwise; an unassigned tunnel is not a fault
	metrics.UpdateComponent(metrics.ComponentTunnel, true, "")

	return &Reconciler{
		manager:  mgr,
		store:    store,
		reporter: reporter,
		pusher:   pusher,
		opts:     opts,
		image:    image,
		desired:  desired,
		logger:   logger,
	}
}

// Snapshot returns a copy of the current state
func (r *Reconciler) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{Desired: r.desired, Version: r.version}
	if r.observed != nil {
		obs := *r.observed
		st.Observed = &obs
	}
	return st
}

// Converge makes the engine match the desired state. It is a no-op unless
// the tunnel should run and a token and name are known.
func (r *Reconciler) Converge(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.converge(ctx)
}

func (r *Reconciler) converge(ctx context.Context) error {
	if r.desired.DesiredRunState != types.RunStateRunning || r.desired.Token == "" || r.desired.TunnelName == "" {
		return nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

	existing, err := r.manager.GetByName(ctx, r.opts.TunnelName)
	if err != nil {
		metrics.UpdateComponent(metrics.ComponentTunnel, false, err.Error())
		return fmt.Errorf("failed to inspect tunnel workload: %w", err)
	}

	if existing.IsActive() {
		r.observed = existing
		if r.version == "" {
			r.version = r.probeVersion(ctx, existing)
		}
		r.markRunning(true, "")
		return nil
	}

	if existing != nil {
		r.logger.Warn().Str("status", existing.Status).Msg("Tunnel workload is not running, redeploying")
	} else {
		r.logger.Warn().Msg("Tunnel workload missing, redeploying")
	}
	return r.deploy(ctx)
}

// deploy creates the tunnel from the desired state and reports it. The
// manager removes any workload with the same name first.
func (r *Reconciler) deploy(ctx context.Context) error {
	if r.desired.Token == "" {
		return fmt.Errorf("cannot start tunnel: %w", ErrMissingTunnelParams)
	}

	spec := BuildTunnelSpec(r.desired, r.opts, r.image)
	r.logger.Info().
		Str("tunnel", r.desired.TunnelName).
		Str("image", spec.Image).
		Str("network", spec.NetworkName).
		Msg("Starting tunnel workload")

	d, err := r.manager.CreateTunnel(ctx, spec)
	if err != nil {
		r.observed = nil
		r.markRunning(false, err.Error())
		return fmt.Errorf("failed to create tunnel workload: %w", err)
	}

	r.observed = d
	if d == nil {
		// Swarm may not have scheduled the local task yet; the next converge
		// picks it up.
		r.logger.Warn().Msg("Tunnel workload created but not visible yet")
		return nil
	}

	r.version = r.probeVersion(ctx, d)
	r.markRunning(true, "")
	r.report(ctx, types.EventTunnelStatus, map[string]any{
		"name":    r.desired.TunnelName,
		"status":  types.StatusRunning,
		"version": nullable(r.version),
		"mode":    string(r.opts.Mode),
	})
	return nil
}

// replace removes the current workload and deploys a new one
func (r *Reconciler) replace(ctx context.Context) error {
	removed, err := r.manager.Remove(ctx, r.opts.TunnelName)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to remove existing tunnel workload")
	} else if removed {
		metrics.TunnelReplacementsTotal.Inc()
	}
	r.observed = nil
	r.version = ""
	return r.deploy(ctx)
}

func (r *Reconciler) probeVersion(ctx context.Context, d *types.WorkloadDescriptor) string {
	prober, ok := r.manager.(runtime.VersionProber)
	if !ok {
		return ""
	}
	v, ok := prober.ProbeVersion(ctx, d)
	if !ok {
		return ""
	}
	r.logger.Info().Str("version", v).Msg("Detected tunnel version")
	return v
}

func (r *Reconciler) markRunning(running bool, msg string) {
	if running {
		metrics.TunnelRunning.Set(1)
	} else {
		metrics.TunnelRunning.Set(0)
	}
	metrics.UpdateComponent(metrics.ComponentTunnel, running, msg)
}

// ApplyCommand executes one control-plane command
func (r *Reconciler) ApplyCommand(ctx context.Context, cmd types.Command) (err error) {
	defer func() {
		metrics.CommandsTotal.WithLabelValues(cmd.Action, metrics.Outcome(err)).Inc()
	}()

	switch cmd.Action {
	case types.ActionStartTunnel:
		return r.startTunnel(ctx, cmd)
	case types.ActionRestartTunnel:
		return r.restartTunnel(ctx, cmd)
	case types.ActionStopTunnel:
		return r.stopTunnel(ctx)
	case types.ActionUpdateTunnelConfig:
		return r.updateTunnelConfig(ctx, cmd)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, cmd.Action)
	}
}

func commandState(cmd types.Command) (types.TunnelDesiredState, error) {
	st := types.TunnelDesiredState{
		Token:           cmd.TokenValue(),
		TunnelID:        cmd.TunnelID,
		TunnelName:      cmd.TunnelName,
		DesiredRunState: types.RunStateRunning,
	}
	if st.Token == "" || st.TunnelName == "" || st.TunnelID == "" {
		return st, fmt.Errorf("%s: %w", cmd.Action, ErrMissingTunnelParams)
	}
	return st, nil
}

// startTunnel replaces the workload only when the token or tunnel id change.
// Repeating an identical start only converges.
func (r *Reconciler) startTunnel(ctx context.Context, cmd types.Command) error {
	next, err := commandState(cmd)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tokenChanged := next.Token != r.desired.Token
	idChanged := next.TunnelID != r.desired.TunnelID

	if err := r.commit(next); err != nil {
		return err
	}

	if !tokenChanged && !idChanged {
		r.logger.Info().Str("tunnel", next.TunnelName).Msg("Tunnel assignment unchanged, ensuring it runs")
		return r.converge(ctx)
	}

	r.logger.Info().
		Str("tunnel", next.TunnelName).
		Bool("token_changed", tokenChanged).
		Bool("id_changed", idChanged).
		Msg("Tunnel assignment changed, replacing workload")
	return r.replace(ctx)
}

func (r *Reconciler) restartTunnel(ctx context.Context, cmd types.Command) error {
	next, err := commandState(cmd)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.commit(next); err != nil {
		return err
	}

	r.logger.Info().Str("tunnel", next.TunnelName).Msg("Restarting tunnel workload")
	return r.replace(ctx)
}

func (r *Reconciler) stopTunnel(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Info().Msg("Stopping tunnel workload")

	stopped := r.desired
	stopped.DesiredRunState = types.RunStateStopped
	if err := r.commit(stopped); err != nil {
		return err
	}

	removed, err := r.manager.Remove(ctx, r.opts.TunnelName)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to remove tunnel workload")
	}
	r.observed = nil
	r.version = ""
	metrics.TunnelRunning.Set(0)
	metrics.UpdateComponent(metrics.ComponentTunnel, true, "stopped")

	// Only a confirmed removal is reported as stopped
	if err == nil && removed {
		r.report(ctx, types.EventTunnelStatus, map[string]any{
			"name":   nullable(r.desired.TunnelName),
			"status": "stopped",
		})
	}

	return r.commit(r.desired.Cleared())
}

// updateTunnelConfig pushes the ingress list outside the lock. A failed
// push leaves local state untouched.
func (r *Reconciler) updateTunnelConfig(ctx context.Context, cmd types.Command) error {
	r.mu.Lock()
	tunnelID := r.desired.TunnelID
	r.mu.Unlock()

	if tunnelID == "" {
		return fmt.Errorf("cannot update tunnel config: %w", ErrNoTunnelID)
	}

	ingress := client.GenerateIngressRules(cmd.Rules)
	if err := r.pusher.PushIngressConfig(ctx, tunnelID, ingress); err != nil {
		return fmt.Errorf("failed to push tunnel config: %w", err)
	}
	r.logger.Info().Str("tunnel_id", tunnelID).Int("rules", len(ingress)).Msg("Tunnel configuration updated")
	return nil
}

// Cleanup removes the tunnel workload if this process deployed or observed it
func (r *Reconciler) Cleanup(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.observed == nil {
		return
	}
	r.logger.Info().Msg("Removing tunnel workload on shutdown")
	if _, err := r.manager.Remove(ctx, r.opts.TunnelName); err != nil {
		r.logger.Error().Err(err).Msg("Could not remove tunnel workload")
	}
	r.observed = nil
	metrics.TunnelRunning.Set(0)
}

// commit saves next and only then makes it the desired state, so a failed
// save leaves the previous state in effect
func (r *Reconciler) commit(next types.TunnelDesiredState) error {
	if err := r.store.SaveTunnelState(next); err != nil {
		return fmt.Errorf("failed to persist tunnel state: %w", err)
	}
	r.desired = next
	return nil
}

func (r *Reconciler) report(ctx context.Context, eventType string, payload map[string]any) {
	if err := r.reporter.ReportEvent(ctx, eventType, payload); err != nil {
		r.logger.Error().Err(err).Str("type", eventType).Msg("Failed to report tunnel status")
	}
}

// nullable maps an empty string to a JSON null
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

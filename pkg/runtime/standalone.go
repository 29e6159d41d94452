package runtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/tunnel-agent/pkg/log"
	"github.com/cuemby/tunnel-agent/pkg/types"
)

// StandaloneManager manages plain containers on a single engine
type StandaloneManager struct {
	engine Engine
	opts   Options
	events *eventLoop
	logger zerolog.Logger
}

// NewStandaloneManager creates a manager for a non-swarm engine
func NewStandaloneManager(engine Engine, opts Options) *StandaloneManager {
	m := &StandaloneManager{
		engine: engine,
		opts:   opts,
		logger: log.WithMode("runtime", string(types.ModeStandalone)),
	}
	m.events = &eventLoop{
		engine:     engine,
		translator: NewTranslator(engine, types.ModeInfo{Mode: types.ModeStandalone}),
		accept: func(ev EngineEvent) bool {
			return ev.Type == "container" && standaloneEventActions[ev.Action]
		},
		snapshot: m.ListEnabled,
		logger:   m.logger,
	}
	return m
}

// Mode returns ModeStandalone
func (m *StandaloneManager) Mode() types.Mode {
	return types.ModeStandalone
}

// ListEnabled returns running containers carrying an enable label
func (m *StandaloneManager) ListEnabled(ctx context.Context) ([]types.WorkloadDescriptor, error) {
	return listEnabledContainers(ctx, m.engine)
}

// GetByName looks up a container by name
func (m *StandaloneManager) GetByName(ctx context.Context, name string) (*types.WorkloadDescriptor, error) {
	rec, err := m.engine.InspectContainer(ctx, name)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get container %s: %w", name, err)
	}
	d := containerDescriptor(rec)
	return &d, nil
}

// CreateTunnel replaces the tunnel container and returns its state after
// the settle delay
func (m *StandaloneManager) CreateTunnel(ctx context.Context, spec types.TunnelSpec) (*types.WorkloadDescriptor, error) {
	if err := m.EnsureNetwork(ctx, spec.NetworkName); err != nil {
		return nil, fmt.Errorf("failed to ensure network %s: %w", spec.NetworkName, err)
	}

	if _, err := m.Remove(ctx, spec.Name); err != nil {
		return nil, err
	}

	m.logger.Info().Str("name", spec.Name).Str("image", spec.Image).Msg("Creating tunnel container")
	id, err := m.engine.RunContainer(ctx, ContainerSpec{
		Name:          spec.Name,
		Image:         spec.Image,
		Args:          spec.Command,
		Env:           envList(spec.Environment),
		Labels:        spec.Labels,
		Network:       spec.NetworkName,
		RestartPolicy: spec.RestartPolicy,
	})
	if err != nil {
		return nil, err
	}

	if err := sleepCtx(ctx, m.opts.SettleDelay); err != nil {
		return nil, err
	}

	rec, err := m.engine.InspectContainer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect tunnel container %s: %w", spec.Name, err)
	}

	d := containerDescriptor(rec)
	d.Image = spec.Image
	d.NetworkMode = spec.NetworkName
	return &d, nil
}

// Remove stops and removes the named container. A missing container counts
// as removed.
func (m *StandaloneManager) Remove(ctx context.Context, name string) (bool, error) {
	if _, err := removeContainer(ctx, m.engine, name, m.opts.StopTimeout, m.logger); err != nil {
		return false, err
	}
	return true, nil
}

// EnsureNetwork creates a bridge network when absent
func (m *StandaloneManager) EnsureNetwork(ctx context.Context, name string) error {
	return ensureNetwork(ctx, m.engine, name, "bridge", false, m.logger)
}

// GetNetworkInfo returns nil without error when the network does not exist
func (m *StandaloneManager) GetNetworkInfo(ctx context.Context, name string) (*types.NetworkDescriptor, error) {
	return getNetworkInfo(ctx, m.engine, name)
}

// ListenForEvents forwards container start, stop and die events
func (m *StandaloneManager) ListenForEvents(ctx context.Context, out chan<- types.DomainEvent) error {
	return m.events.run(ctx, out)
}

// ProbeVersion runs cloudflared --version inside the tunnel container and
// returns the first line of its output
func (m *StandaloneManager) ProbeVersion(ctx context.Context, d *types.WorkloadDescriptor) (string, bool) {
	if d == nil || d.ID == "" {
		return "", false
	}

	output, err := m.engine.Exec(ctx, d.ID, []string{"cloudflared", "--version"})
	if err != nil {
		m.logger.Warn().Err(err).Str("name", d.Name).Msg("Failed to read tunnel version")
		return "", false
	}

	line, _, _ := strings.Cut(strings.TrimSpace(output), "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}
	return line, true
}

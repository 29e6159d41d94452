package runtime

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cuemby/tunnel-agent/pkg/log"
	"github.com/cuemby/tunnel-agent/pkg/types"
)

// SwarmManager manages services whose tasks land on the local swarm node.
// Workloads scheduled on other nodes are never surfaced.
type SwarmManager struct {
	engine Engine
	info   types.ModeInfo
	opts   Options
	events *eventLoop
	logger zerolog.Logger
}

// NewSwarmManager creates a manager for a swarm node
func NewSwarmManager(engine Engine, info types.ModeInfo, opts Options) *SwarmManager {
	m := &SwarmManager{
		engine: engine,
		info:   info,
		opts:   opts,
		logger: log.WithMode("runtime", string(types.ModeSwarm)).With().Str("node_id", info.NodeID).Logger(),
	}
	m.events = &eventLoop{
		engine:     engine,
		translator: NewTranslator(engine, info),
		accept: func(ev EngineEvent) bool {
			switch ev.Type {
			case "container":
				return standaloneEventActions[ev.Action]
			case "service":
				return serviceEventActions[ev.Action]
			case "task":
				return taskEventActions[ev.Action]
			}
			return false
		},
		snapshot: m.ListEnabled,
		logger:   m.logger,
	}
	return m
}

// Mode returns ModeSwarm
func (m *SwarmManager) Mode() types.Mode {
	return types.ModeSwarm
}

// ListEnabled returns enabled bare containers plus one descriptor per active
// local task of every enabled service
func (m *SwarmManager) ListEnabled(ctx context.Context) ([]types.WorkloadDescriptor, error) {
	out, err := listEnabledContainers(ctx, m.engine)
	if err != nil {
		return nil, err
	}

	services, err := m.engine.ListServices(ctx)
	if err != nil {
		return nil, err
	}

	for i := range services {
		svc := &services[i]
		if !types.IsEnabled(svc.Labels) {
			continue
		}
		tasks, err := m.localTasks(ctx, svc.ID)
		if err != nil {
			m.logger.Error().Err(err).Str("service", svc.Name).Msg("Failed to list service tasks")
			continue
		}
		for _, t := range tasks {
			if isActiveTask(t) {
				out = append(out, taskDescriptor(svc, t, svc.Name))
			}
		}
	}
	return out, nil
}

// GetByName tries a bare container first, then a service with an active
// task on this node
func (m *SwarmManager) GetByName(ctx context.Context, name string) (*types.WorkloadDescriptor, error) {
	rec, err := m.engine.InspectContainer(ctx, name)
	switch {
	case err == nil:
		d := containerDescriptor(rec)
		return &d, nil
	case !IsNotFound(err):
		m.logger.Error().Err(err).Str("name", name).Msg("Failed to get container")
	}

	svc, err := m.engine.InspectService(ctx, name)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service %s: %w", name, err)
	}

	tasks, err := m.localTasks(ctx, svc.ID)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if isActiveTask(t) {
			d := taskDescriptor(svc, t, name)
			return &d, nil
		}
	}
	return nil, nil
}

// CreateTunnel replaces the tunnel service and waits a bounded time for its
// task to appear on this node
func (m *SwarmManager) CreateTunnel(ctx context.Context, spec types.TunnelSpec) (*types.WorkloadDescriptor, error) {
	if err := m.EnsureNetwork(ctx, spec.NetworkName); err != nil {
		return nil, fmt.Errorf("failed to ensure network %s: %w", spec.NetworkName, err)
	}

	if _, err := m.removeService(ctx, spec.Name); err != nil {
		m.logger.Warn().Err(err).Str("name", spec.Name).Msg("Failed to remove existing tunnel service")
	}
	if _, err := removeContainer(ctx, m.engine, spec.Name, m.opts.StopTimeout, m.logger); err != nil {
		m.logger.Warn().Err(err).Str("name", spec.Name).Msg("Failed to remove stray tunnel container")
	}

	constraints := append([]string(nil), spec.PlacementConstraints...)
	if m.opts.PinToNode && m.info.NodeID != "" {
		constraints = append(constraints, "node.id=="+m.info.NodeID)
	}

	m.logger.Info().
		Str("name", spec.Name).
		Str("image", spec.Image).
		Strs("constraints", constraints).
		Msg("Creating tunnel service")

	serviceID, err := m.engine.CreateService(ctx, ServiceSpec{
		Name:             spec.Name,
		Image:            spec.Image,
		Args:             spec.Command,
		Env:              envList(spec.Environment),
		Labels:           spec.Labels,
		Network:          spec.NetworkName,
		RestartCondition: RestartCondition(spec.RestartPolicy),
		Constraints:      constraints,
	})
	if err != nil {
		return nil, err
	}

	if err := sleepCtx(ctx, m.opts.SettleDelay); err != nil {
		return nil, err
	}

	svc := &ServiceRecord{ID: serviceID, Name: spec.Name, Labels: spec.Labels, Image: spec.Image}
	attempts := m.opts.TaskPollAttempts
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := sleepCtx(ctx, m.opts.TaskPollInterval); err != nil {
				return nil, err
			}
		}

		tasks, err := m.engine.ListTasks(ctx, TaskFilter{ServiceID: serviceID})
		if err != nil {
			m.logger.Warn().Err(err).Str("service_id", serviceID).Msg("Failed to list tunnel tasks")
			continue
		}
		for _, t := range tasks {
			if t.NodeID == m.info.NodeID && isActiveTask(t) {
				d := taskDescriptor(svc, t, spec.Name)
				return &d, nil
			}
		}
	}

	m.logger.Warn().Str("name", spec.Name).Msg("Tunnel service created but no task found on this node")
	return nil, nil
}

// Remove removes the named service, falling back to a bare container. It
// returns false when neither exists, unlike StandaloneManager.Remove.
func (m *SwarmManager) Remove(ctx context.Context, name string) (bool, error) {
	removed, err := m.removeService(ctx, name)
	if err != nil {
		m.logger.Error().Err(err).Str("name", name).Msg("Failed to remove service")
	}
	if removed {
		return true, nil
	}
	return removeContainer(ctx, m.engine, name, m.opts.StopTimeout, m.logger)
}

func (m *SwarmManager) removeService(ctx context.Context, name string) (bool, error) {
	svc, err := m.engine.InspectService(ctx, name)
	if IsNotFound(err) {
		m.logger.Debug().Str("name", name).Msg("No existing service to remove")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to inspect service %s: %w", name, err)
	}

	m.logger.Info().Str("name", svc.Name).Str("service_id", shortID(svc.ID)).Msg("Removing existing service")
	if err := m.engine.RemoveService(ctx, svc.ID); err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to remove service %s: %w", name, err)
	}
	return true, nil
}

// EnsureNetwork creates an attachable overlay network when absent
func (m *SwarmManager) EnsureNetwork(ctx context.Context, name string) error {
	return ensureNetwork(ctx, m.engine, name, "overlay", true, m.logger)
}

// GetNetworkInfo returns nil without error when the network does not exist
func (m *SwarmManager) GetNetworkInfo(ctx context.Context, name string) (*types.NetworkDescriptor, error) {
	return getNetworkInfo(ctx, m.engine, name)
}

// ListenForEvents forwards container, service and local task events
func (m *SwarmManager) ListenForEvents(ctx context.Context, out chan<- types.DomainEvent) error {
	return m.events.run(ctx, out)
}

// ProbeVersion is unavailable under swarm: tasks may not be reachable for exec
func (m *SwarmManager) ProbeVersion(ctx context.Context, d *types.WorkloadDescriptor) (string, bool) {
	return "", false
}

func (m *SwarmManager) localTasks(ctx context.Context, serviceID string) ([]TaskRecord, error) {
	tasks, err := m.engine.ListTasks(ctx, TaskFilter{ServiceID: serviceID, NodeID: m.info.NodeID})
	if err != nil {
		return nil, err
	}
	return filterNode(tasks, m.info.NodeID), nil
}

// filterNode keeps tasks bound to nodeID
func filterNode(tasks []TaskRecord, nodeID string) []TaskRecord {
	out := tasks[:0:0]
	for _, t := range tasks {
		if t.NodeID == nodeID {
			out = append(out, t)
		}
	}
	return out
}

func isActiveTask(t TaskRecord) bool {
	return t.State == types.StatusRunning || t.State == types.StatusStarting
}

// taskDescriptor describes one task of svc; the container id falls back to
// the task id while the task has no container yet
func taskDescriptor(svc *ServiceRecord, t TaskRecord, name string) types.WorkloadDescriptor {
	id := t.ContainerID
	if id == "" {
		id = t.ID
	}
	labels := svc.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	image := svc.Image
	if image == "" {
		image = StatusUnknown
	}
	return types.WorkloadDescriptor{
		ID:        id,
		Name:      name,
		Labels:    labels,
		Status:    t.State,
		Image:     image,
		NodeID:    t.NodeID,
		ServiceID: svc.ID,
		TaskID:    t.ID,
	}
}

// RestartCondition maps a container restart policy to a swarm restart condition
func RestartCondition(policy string) string {
	switch policy {
	case "on-failure":
		return "on-failure"
	case "no", "none":
		return "none"
	default:
		return "any"
	}
}

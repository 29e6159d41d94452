package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/tunnel-agent/pkg/types"
)

// Manager is the topology independent view of the engine. Exactly one
// implementation is selected at startup from the detected ModeInfo.
type Manager interface {
	// ListEnabled returns every opt-in workload. Under swarm each enabled
	// service contributes one descriptor per active task on the local node.
	ListEnabled(ctx context.Context) ([]types.WorkloadDescriptor, error)

	// GetByName returns nil without error when no workload has that name
	GetByName(ctx context.Context, name string) (*types.WorkloadDescriptor, error)

	// CreateTunnel replaces any workload named spec.Name. A nil descriptor
	// without error means the workload was created but is not visible yet.
	CreateTunnel(ctx context.Context, spec types.TunnelSpec) (*types.WorkloadDescriptor, error)

	// Remove reports whether the named workload is gone
	Remove(ctx context.Context, name string) (bool, error)

	EnsureNetwork(ctx context.Context, name string) error
	GetNetworkInfo(ctx context.Context, name string) (*types.NetworkDescriptor, error)

	// ListenForEvents blocks, sending domain events to out until ctx ends or
	// the engine stream fails. The first call also sends a container_start
	// for every workload ListEnabled returns.
	ListenForEvents(ctx context.Context, out chan<- types.DomainEvent) error

	Mode() types.Mode
}

// VersionProber reads the tunnel binary version from a running workload
type VersionProber interface {
	ProbeVersion(ctx context.Context, d *types.WorkloadDescriptor) (string, bool)
}

// Options tunes timing and placement of the managers
type Options struct {
	// PinToNode appends a node.id constraint to the swarm tunnel service
	PinToNode bool

	// StopTimeout is the grace period before a stopped container is killed
	StopTimeout time.Duration

	// SettleDelay is waited after creating the tunnel before reading its state
	SettleDelay time.Duration

	// TaskPollInterval and TaskPollAttempts bound the wait for the local task
	// of a new swarm service
	TaskPollInterval time.Duration
	TaskPollAttempts int
}

// DefaultOptions returns the options used in production for mode
func DefaultOptions(mode types.Mode) Options {
	opts := Options{
		PinToNode:        true,
		StopTimeout:      10 * time.Second,
		SettleDelay:      2 * time.Second,
		TaskPollInterval: 2 * time.Second,
		TaskPollAttempts: 6,
	}
	if mode == types.ModeSwarm {
		opts.SettleDelay = 5 * time.Second
	}
	return opts
}

// NewManager selects the implementation matching info.Mode
func NewManager(engine Engine, info types.ModeInfo, opts Options) Manager {
	if info.IsSwarm() {
		return NewSwarmManager(engine, info, opts)
	}
	return NewStandaloneManager(engine, opts)
}

var (
	standaloneEventActions = map[string]bool{"start": true, "stop": true, "die": true}
	serviceEventActions    = map[string]bool{"create": true, "update": true, "remove": true}
	taskEventActions       = map[string]bool{"start": true, "stop": true, "complete": true}
)

// eventLoop is shared by both managers: it replays the enabled workloads
// once, then forwards translated engine events in receipt order
type eventLoop struct {
	engine     Engine
	translator *Translator
	accept     func(EngineEvent) bool
	snapshot   func(ctx context.Context) ([]types.WorkloadDescriptor, error)
	replayed   atomic.Bool
	logger     zerolog.Logger
}

func (l *eventLoop) run(ctx context.Context, out chan<- types.DomainEvent) error {
	if l.replayed.CompareAndSwap(false, true) {
		workloads, err := l.snapshot(ctx)
		if err != nil {
			l.logger.Error().Err(err).Msg("Initial workload scan failed")
		}
		for _, w := range workloads {
			l.logger.Info().Str("workload", w.Name).Msg("Reporting existing workload")
			if !send(ctx, out, types.DomainEvent{Type: types.EventContainerStart, Workload: w}) {
				return ctx.Err()
			}
		}
	}

	stream, errs := l.engine.Events(ctx)
	l.logger.Info().Msg("Listening for engine events")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("engine event stream failed: %w", err)
		case ev, ok := <-stream:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// The engine reports the cause before closing the stream
				select {
				case err := <-errs:
					return fmt.Errorf("engine event stream failed: %w", err)
				default:
				}
				return errors.New("engine event stream closed")
			}
			if !l.accept(ev) {
				continue
			}
			for _, de := range l.translator.Translate(ctx, ev) {
				if !send(ctx, out, de) {
					return ctx.Err()
				}
			}
		}
	}
}

func send(ctx context.Context, out chan<- types.DomainEvent, ev types.DomainEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// sleepCtx waits d or until ctx ends
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func containerDescriptor(rec *ContainerRecord) types.WorkloadDescriptor {
	labels := rec.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	image := rec.Image
	if image == "" {
		image = StatusUnknown
	}
	return types.WorkloadDescriptor{
		ID:          rec.ID,
		Name:        rec.Name,
		Labels:      labels,
		Status:      rec.State,
		Image:       image,
		NetworkMode: rec.NetworkMode,
	}
}

// envList renders an environment map in a stable order
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// listEnabledContainers is the container half of ListEnabled for both managers
func listEnabledContainers(ctx context.Context, engine Engine) ([]types.WorkloadDescriptor, error) {
	containers, err := engine.ListContainers(ctx)
	if err != nil {
		return nil, err
	}

	var out []types.WorkloadDescriptor
	for i := range containers {
		if types.IsEnabled(containers[i].Labels) {
			out = append(out, containerDescriptor(&containers[i]))
		}
	}
	return out, nil
}

// removeContainer stops a running container and removes it. The bool is
// false with a nil error when no such container exists.
func removeContainer(ctx context.Context, engine Engine, name string, timeout time.Duration, logger zerolog.Logger) (bool, error) {
	rec, err := engine.InspectContainer(ctx, name)
	if IsNotFound(err) {
		logger.Debug().Str("name", name).Msg("No existing container to remove")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}

	logger.Info().Str("name", rec.Name).Str("id", shortID(rec.ID)).Msg("Stopping existing container")
	if strings.EqualFold(rec.State, types.StatusRunning) {
		if err := engine.StopContainer(ctx, rec.ID, timeout); err != nil && !IsNotFound(err) {
			return false, fmt.Errorf("failed to stop container %s: %w", name, err)
		}
	}
	if err := engine.RemoveContainer(ctx, rec.ID); err != nil && !IsNotFound(err) {
		return false, fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return true, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func networkDescriptor(rec *NetworkRecord) *types.NetworkDescriptor {
	return &types.NetworkDescriptor{
		ID:         rec.ID,
		Name:       rec.Name,
		Driver:     rec.Driver,
		Scope:      rec.Scope,
		Attachable: rec.Attachable,
		Ingress:    rec.Ingress,
	}
}

// ensureNetwork creates the network with driver when it does not exist
func ensureNetwork(ctx context.Context, engine Engine, name, driver string, attachable bool, logger zerolog.Logger) error {
	_, err := engine.InspectNetwork(ctx, name)
	if err == nil {
		logger.Debug().Str("network", name).Msg("Network already exists")
		return nil
	}
	if !IsNotFound(err) {
		return fmt.Errorf("failed to inspect network %s: %w", name, err)
	}

	logger.Info().Str("network", name).Str("driver", driver).Msg("Creating network")
	return engine.CreateNetwork(ctx, name, driver, attachable)
}

func getNetworkInfo(ctx context.Context, engine Engine, name string) (*types.NetworkDescriptor, error) {
	rec, err := engine.InspectNetwork(ctx, name)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to inspect network %s: %w", name, err)
	}
	return networkDescriptor(rec), nil
}

package mode

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/tunnel-agent/pkg/log"
	"github.com/cuemby/tunnel-agent/pkg/runtime"
	"github.com/cuemby/tunnel-agent/pkg/types"
)

var (
	ErrRoleMismatch = errors.New("swarm node role does not match the required role")
	ErrNoNodeID     = errors.New("no swarm node id available")
)

// Inspector is the part of the engine the detector reads
type Inspector interface {
	Info(ctx context.Context) (*runtime.EngineInfo, error)
	SwarmClusterID(ctx context.Context) (string, error)
	ListNodes(ctx context.Context) ([]runtime.NodeRecord, error)
}

// Detector classifies the engine as standalone or swarm
type Detector struct {
	engine Inspector
	logger zerolog.Logger
}

// NewDetector creates a detector over engine
func NewDetector(engine Inspector) *Detector {
	return &Detector{
		engine: engine,
		logger: log.WithComponent("mode"),
	}
}

// Detect returns the engine topology. It never fails: any detection error
// degrades to standalone. forced may be empty, "auto", "standalone" or
// "swarm"; other values are ignored with a warning.
func (d *Detector) Detect(ctx context.Context, forced string) types.ModeInfo {
	switch f := strings.ToLower(strings.TrimSpace(forced)); f {
	case "", "auto":
	case string(types.ModeStandalone):
		d.logger.Info().Str("mode", f).Msg("Docker mode forced")
		return types.ModeInfo{Mode: types.ModeStandalone}
	case string(types.ModeSwarm):
		d.logger.Info().Str("mode", f).Msg("Docker mode forced")
		return d.detectForcedSwarm(ctx)
	default:
		d.logger.Warn().Str("mode", forced).Msg("Invalid forced mode, auto-detecting")
	}
	return d.autoDetect(ctx)
}

func (d *Detector) autoDetect(ctx context.Context) types.ModeInfo {
	clusterID, swarmErr := d.engine.SwarmClusterID(ctx)
	if swarmErr != nil {
		d.logger.Debug().Err(swarmErr).Msg("Swarm inspect failed")
	}

	// Workers cannot inspect the swarm; the system info still reports them active
	info, infoErr := d.engine.Info(ctx)
	if infoErr != nil {
		d.logger.Debug().Err(infoErr).Msg("Engine info failed")
	}

	active := clusterID != "" || (info != nil && info.SwarmActive)
	if !active || info == nil || info.SwarmNodeID == "" {
		d.logger.Info().Msg("Detected standalone Docker mode")
		return types.ModeInfo{Mode: types.ModeStandalone}
	}

	if clusterID == "" {
		clusterID = info.ClusterID
	}
	mi := d.describeNode(ctx, info, clusterID)
	d.logger.Info().Str("node_id", mi.NodeID).Str("role", mi.NodeRole).Msg("Detected Docker Swarm mode")
	return mi
}

func (d *Detector) detectForcedSwarm(ctx context.Context) types.ModeInfo {
	info, err := d.engine.Info(ctx)
	if err == nil && info.SwarmNodeID == "" {
		err = fmt.Errorf("%w: not part of a swarm?", ErrNoNodeID)
	}
	if err != nil {
		d.logger.Error().Err(err).Msg("Forced swarm mode failed, falling back to standalone")
		return types.ModeInfo{Mode: types.ModeStandalone}
	}

	clusterID, cerr := d.engine.SwarmClusterID(ctx)
	if cerr != nil {
		clusterID = info.ClusterID
	}
	return d.describeNode(ctx, info, clusterID)
}

// describeNode resolves role and leadership from the node list. Only
// managers may list nodes, so a failed listing falls back to the control
// availability flag of the system info.
func (d *Detector) describeNode(ctx context.Context, info *runtime.EngineInfo, clusterID string) types.ModeInfo {
	mi := types.ModeInfo{
		Mode:           types.ModeSwarm,
		NodeID:         info.SwarmNodeID,
		SwarmClusterID: clusterID,
	}

	nodes, err := d.engine.ListNodes(ctx)
	if err == nil {
		for _, n := range nodes {
			if n.ID == info.SwarmNodeID {
				mi.NodeRole = n.Role
				mi.Leader = n.Leader
				mi.ManagerAddress = n.ManagerAddr
				return mi
			}
		}
	} else {
		d.logger.Warn().Err(err).Str("node_id", info.SwarmNodeID).Msg("Could not get node info")
	}

	if info.ControlAvailable {
		mi.NodeRole = "manager"
	} else {
		mi.NodeRole = "worker"
	}
	return mi
}

// ValidateRequirements checks a swarm node against the configured role.
// Standalone engines always pass; an empty or "any" role accepts every node.
func ValidateRequirements(info types.ModeInfo, requiredRole string) error {
	if !info.IsSwarm() {
		return nil
	}

	role := strings.ToLower(strings.TrimSpace(requiredRole))
	if role != "" && role != "any" && role != info.NodeRole {
		return fmt.Errorf("%w: requires %q, node is %q", ErrRoleMismatch, role, info.NodeRole)
	}
	if info.NodeID == "" {
		return ErrNoNodeID
	}
	return nil
}

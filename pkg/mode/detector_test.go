package mode

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/cuemby/tunnel-agent/pkg/log"

	"github.com/cuemby/tunnel-agent/pkg/runtime"
	"github.com/cuemby/tunnel-agent/pkg/types"
)

type fakeInspector struct {
	info       *runtime.EngineInfo
	infoErr    error
	clusterID  string
	clusterErr error
	nodes      []runtime.NodeRecord
	nodesErr   error
}

func (f *fakeInspector) Info(ctx context.Context) (*runtime.EngineInfo, error) {
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	return f.info, nil
}

func (f *fakeInspector) SwarmClusterID(ctx context.Context) (string, error) {
	return f.clusterID, f.clusterErr
}

func (f *fakeInspector) ListNodes(ctx context.Context) ([]runtime.NodeRecord, error) {
	return f.nodes, f.nodesErr
}

var errNotSwarm = errors.New("this node is not a swarm manager")

func manager() *fakeInspector {
	return &fakeInspector{
		info:      &runtime.EngineInfo{SwarmNodeID: "n1", SwarmActive: true, ControlAvailable: true},
		clusterID: "cluster-1",
		nodes: []runtime.NodeRecord{
			{ID: "n0", Role: "worker"},
			{ID: "n1", Role: "manager", Leader: true, ManagerAddr: "10.0.0.1:2377"},
		},
	}
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name     string
		engine   *fakeInspector
		forced   string
		expected types.ModeInfo
	}{
		{
			name:   "auto manager",
			engine: manager(),
			expected: types.ModeInfo{
				Mode: types.ModeSwarm, NodeID: "n1", NodeRole: "manager",
				SwarmClusterID: "cluster-1", ManagerAddress: "10.0.0.1:2377", Leader: true,
			},
		},
		{
			name: "auto worker cannot inspect swarm",
			engine: &fakeInspector{
				info:       &runtime.EngineInfo{SwarmNodeID: "w1", SwarmActive: true},
				clusterErr: errNotSwarm,
				nodesErr:   errNotSwarm,
			},
			expected: types.ModeInfo{Mode: types.ModeSwarm, NodeID: "w1", NodeRole: "worker"},
		},
		{
			name:     "auto standalone",
			engine:   &fakeInspector{info: &runtime.EngineInfo{}, clusterErr: errNotSwarm},
			expected: types.ModeInfo{Mode: types.ModeStandalone},
		},
		{
			name:     "auto engine unreachable",
			engine:   &fakeInspector{infoErr: errors.New("dial unix"), clusterErr: errors.New("dial unix")},
			expected: types.ModeInfo{Mode: types.ModeStandalone},
		},
		{
			name:     "forced standalone on swarm",
			engine:   manager(),
			forced:   "standalone",
			expected: types.ModeInfo{Mode: types.ModeStandalone},
		},
		{
			name:     "forced swarm without swarm",
			engine:   &fakeInspector{info: &runtime.EngineInfo{}, clusterErr: errNotSwarm},
			forced:   "swarm",
			expected: types.ModeInfo{Mode: types.ModeStandalone},
		},
		{
			name:     "forced swarm engine unreachable",
			engine:   &fakeInspector{infoErr: errors.New("dial unix")},
			forced:   "SWARM",
			expected: types.ModeInfo{Mode: types.ModeStandalone},
		},
		{
			name:   "forced swarm",
			engine: manager(),
			forced: "swarm",
			expected: types.ModeInfo{
				Mode: types.ModeSwarm, NodeID: "n1", NodeRole: "manager",
				SwarmClusterID: "cluster-1", ManagerAddress: "10.0.0.1:2377", Leader: true,
			},
		},
		{
			name:   "invalid forced value auto detects",
			engine: manager(),
			forced: "kubernetes",
			expected: types.ModeInfo{
				Mode: types.ModeSwarm, NodeID: "n1", NodeRole: "manager",
				SwarmClusterID: "cluster-1", ManagerAddress: "10.0.0.1:2377", Leader: true,
			},
		},
		{
			name: "node missing from listing",
			engine: &fakeInspector{
				info:      &runtime.EngineInfo{SwarmNodeID: "n9", SwarmActive: true, ControlAvailable: true, ClusterID: "c9"},
				clusterID: "",
				nodes:     []runtime.NodeRecord{{ID: "n1", Role: "manager"}},
			},
			expected: types.ModeInfo{Mode: types.ModeSwarm, NodeID: "n9", NodeRole: "manager", SwarmClusterID: "c9"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDetector(tt.engine)
			assert.Equal(t, tt.expected, d.Detect(context.Background(), tt.forced))
		})
	}
}

func TestDetectForcedSwarmFallbackLogsError(t *testing.T) {
	previous := log.Logger
	t.Cleanup(func() {
		log.Logger = previous
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	})

	tests := []struct {
		name   string
		engine *fakeInspector
	}{
		{"not in a swarm", &fakeInspector{info: &runtime.EngineInfo{}, clusterErr: errNotSwarm}},
		{"engine unreachable", &fakeInspector{infoErr: errors.New("dial unix")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log.Init(log.Config{Level: log.DebugLevel, JSONOutput: true, Output: &buf})

			// The detector binds its logger at construction
			d := NewDetector(tt.engine)
			info := d.Detect(context.Background(), "swarm")

			assert.Equal(t, types.ModeInfo{Mode: types.ModeStandalone}, info)
			assert.Contains(t, buf.String(), `"level":"error"`)
			assert.Contains(t, buf.String(), "Forced swarm mode failed")
		})
	}
}

func TestValidateRequirements(t *testing.T) {
	worker := types.ModeInfo{Mode: types.ModeSwarm, NodeID: "w1", NodeRole: "worker"}

	tests := []struct {
		name    string
		info    types.ModeInfo
		role    string
		wantErr error
	}{
		{"standalone ignores role", types.ModeInfo{Mode: types.ModeStandalone}, "manager", nil},
		{"no role configured", worker, "", nil},
		{"any role", worker, "any", nil},
		{"matching role", worker, "Worker", nil},
		{"mismatched role", worker, "manager", ErrRoleMismatch},
		{"missing node id", types.ModeInfo{Mode: types.ModeSwarm, NodeRole: "worker"}, "", ErrNoNodeID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRequirements(tt.info, tt.role)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

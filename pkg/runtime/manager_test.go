package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/tunnel-agent/pkg/types"
)

const localNode = "node-local"

func testOptions() Options {
	return Options{PinToNode: true, StopTimeout: time.Second, TaskPollAttempts: 2}
}

func tunnelSpec() types.TunnelSpec {
	return types.TunnelSpec{
		Name:          "dockflare-agent-tunnel",
		Image:         "cloudflare/cloudflared:2025.9.0",
		Token:         "tok",
		NetworkName:   "cloudflare-net",
		Command:       []string{"tunnel", "--no-autoupdate", "run"},
		Environment:   map[string]string{"TUNNEL_TOKEN": "tok"},
		RestartPolicy: "unless-stopped",
		Labels:        map[string]string{types.LabelManaged: "true", types.LabelType: "tunnel"},
	}
}

func names(ws []types.WorkloadDescriptor) []string {
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Name)
	}
	return out
}

func TestNewManagerSelectsVariant(t *testing.T) {
	engine := newFakeEngine()

	m := NewManager(engine, types.ModeInfo{Mode: types.ModeStandalone}, testOptions())
	assert.IsType(t, &StandaloneManager{}, m)
	assert.Equal(t, types.ModeStandalone, m.Mode())

	m = NewManager(engine, types.ModeInfo{Mode: types.ModeSwarm, NodeID: localNode}, testOptions())
	assert.IsType(t, &SwarmManager{}, m)
	assert.Equal(t, types.ModeSwarm, m.Mode())
}

func TestDefaultOptions(t *testing.T) {
	assert.Equal(t, 2*time.Second, DefaultOptions(types.ModeStandalone).SettleDelay)
	swarm := DefaultOptions(types.ModeSwarm)
	assert.Equal(t, 5*time.Second, swarm.SettleDelay)
	assert.Equal(t, 6, swarm.TaskPollAttempts)
	assert.True(t, swarm.PinToNode)
}

func TestStandaloneListEnabledLabelGating(t *testing.T) {
	engine := newFakeEngine()
	engine.addContainer(ContainerRecord{ID: "1", Name: "new", State: "running", Labels: map[string]string{types.LabelEnable: "true"}})
	engine.addContainer(ContainerRecord{ID: "2", Name: "legacy", State: "running", Labels: map[string]string{types.LabelLegacyEnable: "true"}})
	engine.addContainer(ContainerRecord{ID: "3", Name: "off", State: "running", Labels: map[string]string{types.LabelEnable: "false"}})
	engine.addContainer(ContainerRecord{ID: "4", Name: "yes", State: "running", Labels: map[string]string{types.LabelEnable: "yes"}})
	engine.addContainer(ContainerRecord{ID: "5", Name: "none", State: "running"})

	m := NewStandaloneManager(engine, testOptions())
	got, err := m.ListEnabled(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"new", "legacy"}, names(got))
	for _, w := range got {
		assert.NotNil(t, w.Labels)
		assert.Empty(t, w.ServiceID)
	}
}

func TestStandaloneGetByName(t *testing.T) {
	engine := newFakeEngine()
	engine.addContainer(ContainerRecord{ID: "abc", Name: "web", State: "exited"})
	m := NewStandaloneManager(engine, testOptions())

	d, err := m.GetByName(context.Background(), "web")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "abc", d.ID)
	assert.False(t, d.IsActive())
	assert.Equal(t, StatusUnknown, d.Image)

	d, err = m.GetByName(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, d)

	engine.inspectErr = errors.New("socket closed")
	_, err = m.GetByName(context.Background(), "web")
	assert.Error(t, err)
}

func TestStandaloneRemove(t *testing.T) {
	engine := newFakeEngine()
	engine.addContainer(ContainerRecord{ID: "abc", Name: "t", State: "running"})
	m := NewStandaloneManager(engine, testOptions())

	ok, err := m.Remove(context.Background(), "t")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"stop:t", "remove-container:t"}, engine.callLog())

	// Absent container counts as removed
	ok, err = m.Remove(context.Background(), "t")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStandaloneRemoveSkipsStopWhenExited(t *testing.T) {
	engine := newFakeEngine()
	engine.addContainer(ContainerRecord{ID: "abc", Name: "t", State: "exited"})
	m := NewStandaloneManager(engine, testOptions())

	ok, err := m.Remove(context.Background(), "t")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"remove-container:t"}, engine.callLog())
}

func TestSwarmRemoveAsymmetry(t *testing.T) {
	engine := newFakeEngine()
	m := NewSwarmManager(engine, types.ModeInfo{Mode: types.ModeSwarm, NodeID: localNode}, testOptions())

	// Neither a service nor a container: swarm reports failure where
	// standalone reports success
	ok, err := m.Remove(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, ok)

	engine.addService(ServiceRecord{ID: "s1", Name: "svc"})
	ok, err = m.Remove(context.Background(), "svc")
	require.NoError(t, err)
	assert.True(t, ok)

	engine.addContainer(ContainerRecord{ID: "c1", Name: "bare", State: "running"})
	ok, err = m.Remove(context.Background(), "bare")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []string{"remove-service:svc", "stop:bare", "remove-container:bare"}, engine.callLog())
}

func TestStandaloneCreateTunnel(t *testing.T) {
	engine := newFakeEngine()
	engine.addContainer(ContainerRecord{ID: "old", Name: "dockflare-agent-tunnel", State: "running"})
	m := NewStandaloneManager(engine, testOptions())

	d, err := m.CreateTunnel(context.Background(), tunnelSpec())
	require.NoError(t, err)
	require.NotNil(t, d)

	assert.Equal(t, []string{
		"create-network:cloudflare-net:bridge",
		"stop:dockflare-agent-tunnel",
		"remove-container:dockflare-agent-tunnel",
		"run:dockflare-agent-tunnel",
	}, engine.callLog())

	require.Len(t, engine.runSpecs, 1)
	spec := engine.runSpecs[0]
	assert.Equal(t, []string{"tunnel", "--no-autoupdate", "run"}, spec.Args)
	assert.Equal(t, []string{"TUNNEL_TOKEN=tok"}, spec.Env)
	assert.Equal(t, "unless-stopped", spec.RestartPolicy)
	assert.Equal(t, "cloudflare-net", spec.Network)

	assert.Equal(t, "running", d.Status)
	assert.Equal(t, "cloudflare/cloudflared:2025.9.0", d.Image)
	assert.Equal(t, "cloudflare-net", d.NetworkMode)
}

func TestEnsureNetworkIdempotent(t *testing.T) {
	engine := newFakeEngine()
	m := NewSwarmManager(engine, types.ModeInfo{Mode: types.ModeSwarm, NodeID: localNode}, testOptions())

	require.NoError(t, m.EnsureNetwork(context.Background(), "net"))
	require.NoError(t, m.EnsureNetwork(context.Background(), "net"))
	assert.Equal(t, []string{"create-network:net:overlay"}, engine.callLog())

	info, err := m.GetNetworkInfo(context.Background(), "net")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "overlay", info.Driver)
	assert.True(t, info.Attachable)

	info, err = m.GetNetworkInfo(context.Background(), "other")
	assert.NoError(t, err)
	assert.Nil(t, info)
}

func TestSwarmListEnabledNodeScoping(t *testing.T) {
	engine := newFakeEngine()
	enabled := map[string]string{types.LabelEnable: "true"}
	engine.addService(ServiceRecord{ID: "s1", Name: "api", Labels: enabled, Image: "api:1"},
		TaskRecord{ID: "t1", ServiceID: "s1", NodeID: localNode, State: "running", ContainerID: "c1"},
		TaskRecord{ID: "t2", ServiceID: "s1", NodeID: "node-other", State: "running", ContainerID: "c2"},
		TaskRecord{ID: "t3", ServiceID: "s1", NodeID: localNode, State: "starting"},
		TaskRecord{ID: "t4", ServiceID: "s1", NodeID: localNode, State: "shutdown", ContainerID: "c4"},
	)
	engine.addService(ServiceRecord{ID: "s2", Name: "quiet"},
		TaskRecord{ID: "t5", ServiceID: "s2", NodeID: localNode, State: "running", ContainerID: "c5"},
	)
	engine.addContainer(ContainerRecord{ID: "c9", Name: "bare", State: "running", Labels: enabled})

	m := NewSwarmManager(engine, types.ModeInfo{Mode: types.ModeSwarm, NodeID: localNode}, testOptions())
	got, err := m.ListEnabled(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 3)

	byID := map[string]types.WorkloadDescriptor{}
	for _, w := range got {
		byID[w.ID] = w
	}

	assert.Contains(t, byID, "c9")
	assert.Equal(t, "t1", byID["c1"].TaskID)
	assert.Equal(t, "s1", byID["c1"].ServiceID)
	assert.Equal(t, "api:1", byID["c1"].Image)
	// no container yet: the task id stands in
	assert.Equal(t, "starting", byID["t3"].Status)

	for _, w := range got {
		if w.ServiceID != "" {
			assert.Equal(t, localNode, w.NodeID)
		}
	}
}

func TestSwarmGetByNameFallsBackToService(t *testing.T) {
	engine := newFakeEngine()
	engine.addService(ServiceRecord{ID: "s1", Name: "dockflare-agent-tunnel"},
		TaskRecord{ID: "t1", ServiceID: "s1", NodeID: "node-other", State: "running", ContainerID: "c1"},
	)
	m := NewSwarmManager(engine, types.ModeInfo{Mode: types.ModeSwarm, NodeID: localNode}, testOptions())

	d, err := m.GetByName(context.Background(), "dockflare-agent-tunnel")
	require.NoError(t, err)
	assert.Nil(t, d, "task on another node must not be visible")

	engine.addService(ServiceRecord{ID: "s1", Name: "dockflare-agent-tunnel"},
		TaskRecord{ID: "t2", ServiceID: "s1", NodeID: localNode, State: "running", ContainerID: "c2"},
	)
	d, err = m.GetByName(context.Background(), "dockflare-agent-tunnel")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "c2", d.ID)
	assert.Equal(t, "t2", d.TaskID)

	engine.addContainer(ContainerRecord{ID: "bare", Name: "dockflare-agent-tunnel", State: "running"})
	d, err = m.GetByName(context.Background(), "dockflare-agent-tunnel")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "bare", d.ID)
}

func TestSwarmCreateTunnel(t *testing.T) {
	engine := newFakeEngine()
	engine.addService(ServiceRecord{ID: "old", Name: "dockflare-agent-tunnel"})
	engine.tasksForService = func(serviceID string) []TaskRecord {
		return []TaskRecord{
			{ID: "remote", ServiceID: serviceID, NodeID: "node-other", State: "running"},
			{ID: "local", ServiceID: serviceID, NodeID: localNode, State: "starting", ContainerID: "cid"},
		}
	}

	spec := tunnelSpec()
	spec.PlacementConstraints = []string{"node.labels.edge==true"}

	m := NewSwarmManager(engine, types.ModeInfo{Mode: types.ModeSwarm, NodeID: localNode}, testOptions())
	d, err := m.CreateTunnel(context.Background(), spec)
	require.NoError(t, err)
	require.NotNil(t, d)

	assert.Equal(t, "cid", d.ID)
	assert.Equal(t, "local", d.TaskID)
	assert.Equal(t, localNode, d.NodeID)
	assert.Equal(t, "starting", d.Status)

	assert.Equal(t, []string{
		"create-network:cloudflare-net:overlay",
		"remove-service:dockflare-agent-tunnel",
		"create-service:dockflare-agent-tunnel",
	}, engine.callLog())

	require.Len(t, engine.serviceSpecs, 1)
	svc := engine.serviceSpecs[0]
	assert.Equal(t, "any", svc.RestartCondition)
	assert.Equal(t, []string{"node.labels.edge==true", "node.id==" + localNode}, svc.Constraints)
	assert.Equal(t, []string{"tunnel", "--no-autoupdate", "run"}, svc.Args)
	assert.Equal(t, []string{"node.labels.edge==true"}, spec.PlacementConstraints, "caller spec must not be mutated")
}

func TestSwarmCreateTunnelWithoutPinning(t *testing.T) {
	engine := newFakeEngine()
	opts := testOptions()
	opts.PinToNode = false

	m := NewSwarmManager(engine, types.ModeInfo{Mode: types.ModeSwarm, NodeID: localNode}, opts)
	d, err := m.CreateTunnel(context.Background(), tunnelSpec())

	// Created but never scheduled locally: no descriptor, no error
	require.NoError(t, err)
	assert.Nil(t, d)
	require.Len(t, engine.serviceSpecs, 1)
	assert.Empty(t, engine.serviceSpecs[0].Constraints)
}

func TestSwarmCreateTunnelRemovesStrayContainer(t *testing.T) {
	engine := newFakeEngine()
	engine.addContainer(ContainerRecord{ID: "stray", Name: "dockflare-agent-tunnel", State: "exited"})

	m := NewSwarmManager(engine, types.ModeInfo{Mode: types.ModeSwarm, NodeID: localNode}, testOptions())
	_, err := m.CreateTunnel(context.Background(), tunnelSpec())
	require.NoError(t, err)

	assert.Contains(t, engine.callLog(), "remove-container:dockflare-agent-tunnel")
}

func TestRestartCondition(t *testing.T) {
	tests := []struct {
		policy   string
		expected string
	}{
		{"unless-stopped", "any"},
		{"always", "any"},
		{"", "any"},
		{"on-failure", "on-failure"},
		{"no", "none"},
	}

	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			assert.Equal(t, tt.expected, RestartCondition(tt.policy))
		})
	}
}

func TestProbeVersion(t *testing.T) {
	engine := newFakeEngine()
	standalone := NewStandaloneManager(engine, testOptions())
	d := &types.WorkloadDescriptor{ID: "c1", Name: "tunnel"}

	engine.execOutput = "cloudflared version 2025.9.0 (built 2025-09-01)\nGOOS: linux\n"
	v, ok := standalone.ProbeVersion(context.Background(), d)
	assert.True(t, ok)
	assert.Equal(t, "cloudflared version 2025.9.0 (built 2025-09-01)", v)

	engine.execOutput = "  \n"
	_, ok = standalone.ProbeVersion(context.Background(), d)
	assert.False(t, ok)

	engine.execErr = errors.New("container not running")
	_, ok = standalone.ProbeVersion(context.Background(), d)
	assert.False(t, ok)

	_, ok = standalone.ProbeVersion(context.Background(), nil)
	assert.False(t, ok)

	swarm := NewSwarmManager(engine, types.ModeInfo{Mode: types.ModeSwarm, NodeID: localNode}, testOptions())
	_, ok = swarm.ProbeVersion(context.Background(), d)
	assert.False(t, ok)

	var _ VersionProber = standalone
	var _ VersionProber = swarm
}

func TestSleepCtx(t *testing.T) {
	assert.NoError(t, sleepCtx(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
}

package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/tunnel-agent/pkg/client"
	"github.com/cuemby/tunnel-agent/pkg/config"
	"github.com/cuemby/tunnel-agent/pkg/mode"
	"github.com/cuemby/tunnel-agent/pkg/storage"
	"github.com/cuemby/tunnel-agent/pkg/types"
)

type fakeControlPlane struct {
	mu           sync.Mutex
	registerErrs int
	registered   []client.RegisterRequest
	assignedID   string
	commands     []types.Command
	reports      []client.EventReport
	polls        int
}

func (f *fakeControlPlane) Register(ctx context.Context, req client.RegisterRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, req)
	if f.registerErrs != 0 {
		if f.registerErrs > 0 {
			f.registerErrs--
		}
		return "", errors.New("connection refused")
	}
	return f.assignedID, nil
}

func (f *fakeControlPlane) ReportEvent(ctx context.Context, agentID string, report client.EventReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report)
	return nil
}

func (f *fakeControlPlane) PollCommands(ctx context.Context, agentID string) ([]types.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	cmds := f.commands
	f.commands = nil
	return cmds, nil
}

func (f *fakeControlPlane) PushIngressConfig(ctx context.Context, tunnelID string, ingress []types.IngressRule) error {
	return nil
}

func (f *fakeControlPlane) reportTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.reports))
	for _, r := range f.reports {
		out = append(out, r.Type)
	}
	return out
}

func (f *fakeControlPlane) hasReport(typ string) bool {
	for _, t := range f.reportTypes() {
		if t == typ {
			return true
		}
	}
	return false
}

type fakeManager struct {
	mu       sync.Mutex
	enabled  []types.WorkloadDescriptor
	tunnel   *types.WorkloadDescriptor
	creates  int
	removes  int
	listened bool
}

func (f *fakeManager) ListEnabled(ctx context.Context) ([]types.WorkloadDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.WorkloadDescriptor(nil), f.enabled...), nil
}

func (f *fakeManager) GetByName(ctx context.Context, name string) (*types.WorkloadDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tunnel == nil {
		return nil, nil
	}
	d := *f.tunnel
	return &d, nil
}

func (f *fakeManager) CreateTunnel(ctx context.Context, spec types.TunnelSpec) (*types.WorkloadDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.tunnel = &types.WorkloadDescriptor{ID: "t1", Name: spec.Name, Status: types.StatusRunning}
	d := *f.tunnel
	return &d, nil
}

func (f *fakeManager) Remove(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes++
	existed := f.tunnel != nil
	f.tunnel = nil
	return existed, nil
}

func (f *fakeManager) EnsureNetwork(ctx context.Context, name string) error { return nil }

func (f *fakeManager) GetNetworkInfo(ctx context.Context, name string) (*types.NetworkDescriptor, error) {
	return nil, nil
}

func (f *fakeManager) ListenForEvents(ctx context.Context, out chan<- types.DomainEvent) error {
	f.mu.Lock()
	first := !f.listened
	f.listened = true
	enabled := append([]types.WorkloadDescriptor(nil), f.enabled...)
	f.mu.Unlock()

	if first {
		for _, w := range enabled {
			select {
			case out <- types.DomainEvent{Type: types.EventContainerStart, Workload: w}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeManager) Mode() types.Mode { return types.ModeStandalone }

func (f *fakeManager) state() (creates, removes int, tunnel *types.WorkloadDescriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, f.removes, f.tunnel
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Master.URL = "https://master.example.com"
	cfg.Master.APIKey = "secret"
	cfg.Agent.ReportInterval = 20 * time.Millisecond
	cfg.Agent.CommandPollInterval = 20 * time.Millisecond
	cfg.Agent.HealthCheckInterval = 20 * time.Millisecond
	return cfg
}

func TestAgentRun(t *testing.T) {
	cp := &fakeControlPlane{
		registerErrs: 1,
		assignedID:   "agent-1234567890",
		commands: []types.Command{
			{Action: types.ActionStartTunnel, Token: "tok", TunnelName: "home", TunnelID: "tid"},
		},
	}
	mgr := &fakeManager{
		enabled: []types.WorkloadDescriptor{
			{ID: "c1", Name: "web", Status: "running", Labels: map[string]string{types.LabelEnable: "true"}},
		},
	}
	state := storage.NewStateStore(storage.NewFileStore(t.TempDir()))

	a := New(testConfig(), types.ModeInfo{Mode: types.ModeStandalone}, mgr, cp, state)
	a.registerRetry = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		creates, _, _ := mgr.state()
		return creates == 1 &&
			cp.hasReport(types.EventContainerStart) &&
			cp.hasReport(types.EventTunnelStatus) &&
			cp.hasReport(types.EventHeartbeat) &&
			cp.hasReport(types.EventStatusReport)
	}, 5*time.Second, 10*time.Millisecond)

	id, err := state.LoadIdentity()
	require.NoError(t, err)
	assert.Equal(t, "agent-1234567890", id.AgentID)

	desired, err := state.LoadTunnelState()
	require.NoError(t, err)
	assert.Equal(t, types.RunStateRunning, desired.DesiredRunState)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}

	_, removes, tunnel := mgr.state()
	assert.GreaterOrEqual(t, removes, 1)
	assert.Nil(t, tunnel, "tunnel removed on shutdown")

	cp.mu.Lock()
	defer cp.mu.Unlock()
	require.Len(t, cp.registered, 2, "one failed attempt, one success")
	assert.Equal(t, "dockflare-agent", cp.registered[0].DisplayName)
	assert.Equal(t, Version, cp.registered[0].Version)
	assert.Nil(t, cp.registered[0].NodeInfo)
}

func TestAgentRunResumesPersistedTunnel(t *testing.T) {
	cp := &fakeControlPlane{assignedID: "agent-1"}
	mgr := &fakeManager{}
	state := storage.NewStateStore(storage.NewFileStore(t.TempDir()))
	require.NoError(t, state.SaveIdentity(types.AgentIdentity{AgentID: "agent-1"}))
	require.NoError(t, state.SaveTunnelState(types.TunnelDesiredState{
		Token: "tok", TunnelID: "tid", TunnelName: "home", DesiredRunState: types.RunStateRunning,
	}))

	a := New(testConfig(), types.ModeInfo{Mode: types.ModeStandalone}, mgr, cp, state)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		creates, _, _ := mgr.state()
		return creates == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	cp.mu.Lock()
	defer cp.mu.Unlock()
	assert.Equal(t, "agent-1", cp.registered[0].AgentID)
	assert.Equal(t, "agent-agent-1", cp.registered[0].DisplayName)
}

func TestAgentRunRoleMismatch(t *testing.T) {
	cfg := testConfig()
	cfg.Docker.SwarmNodeRole = "manager"
	info := types.ModeInfo{Mode: types.ModeSwarm, NodeID: "w1", NodeRole: "worker"}

	a := New(cfg, info, &fakeManager{}, &fakeControlPlane{}, storage.NewStateStore(storage.NewFileStore(t.TempDir())))

	err := a.Run(context.Background())
	assert.ErrorIs(t, err, mode.ErrRoleMismatch)
}

func TestAgentRunCancelledDuringRegistration(t *testing.T) {
	cp := &fakeControlPlane{registerErrs: -1}
	a := New(testConfig(), types.ModeInfo{Mode: types.ModeStandalone}, &fakeManager{}, cp, storage.NewStateStore(storage.NewFileStore(t.TempDir())))
	a.registerRetry = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.NoError(t, a.Run(ctx))
	assert.Empty(t, a.AgentID())
}

func TestRegisterSwarmNodeInfo(t *testing.T) {
	cp := &fakeControlPlane{assignedID: "new-id"}
	state := storage.NewStateStore(storage.NewFileStore(t.TempDir()))
	info := types.ModeInfo{Mode: types.ModeSwarm, NodeID: "n1", NodeRole: "manager"}

	a := New(testConfig(), info, &fakeManager{}, cp, state)
	a.identity.Set("old-id")
	require.NoError(t, a.register(context.Background()))

	assert.Equal(t, "new-id", a.AgentID())
	req := cp.registered[0]
	assert.Equal(t, types.ModeSwarm, req.Mode)
	assert.Equal(t, &client.NodeInfo{NodeID: "n1", NodeRole: "manager"}, req.NodeInfo)
	assert.Equal(t, "old-id", req.AgentID)
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		agentID    string
		expected   string
	}{
		{"configured wins", "edge-1", "abcdef0123456789", "edge-1"},
		{"derived from id", "", "abcdef0123456789", "agent-abcdef01"},
		{"short id", "", "abc", "agent-abc"},
		{"no id", "", "", "dockflare-agent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Agent.DisplayName = tt.configured
			a := New(cfg, types.ModeInfo{Mode: types.ModeStandalone}, &fakeManager{}, &fakeControlPlane{}, nil)
			a.identity.Set(tt.agentID)
			assert.Equal(t, tt.expected, a.displayName())
		})
	}
}

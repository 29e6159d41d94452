package agent

import (
	"context"
	"sync"

	"github.com/cuemby/tunnel-agent/pkg/client"
	"github.com/cuemby/tunnel-agent/pkg/types"
)

// ControlPlane is the control-plane API the agent depends on
type ControlPlane interface {
	Register(ctx context.Context, req client.RegisterRequest) (string, error)
	ReportEvent(ctx context.Context, agentID string, report client.EventReport) error
	PollCommands(ctx context.Context, agentID string) ([]types.Command, error)
	PushIngressConfig(ctx context.Context, tunnelID string, ingress []types.IngressRule) error
}

// Identity holds the agent id shared by all loops
type Identity struct {
	mu sync.RWMutex
	id string
}

// Get returns the agent id, empty before registration
func (i *Identity) Get() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.id
}

// Set replaces the agent id
func (i *Identity) Set(id string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.id = id
}

// Reporter sends events on behalf of the registered agent. Reports made
// before registration are skipped.
type Reporter struct {
	cp       ControlPlane
	identity *Identity
}

// NewReporter creates a reporter
func NewReporter(cp ControlPlane, identity *Identity) *Reporter {
	return &Reporter{cp: cp, identity: identity}
}

// Ready reports whether the agent has an id to report under
func (r *Reporter) Ready() bool {
	return r.identity.Get() != ""
}

// ReportEvent sends one event. An empty payload sends no container object.
func (r *Reporter) ReportEvent(ctx context.Context, eventType string, payload map[string]any) error {
	agentID := r.identity.Get()
	if agentID == "" {
		return nil
	}

	report := client.EventReport{Type: eventType}
	if len(payload) > 0 {
		report.Container = payload
	}
	return r.cp.ReportEvent(ctx, agentID, report)
}

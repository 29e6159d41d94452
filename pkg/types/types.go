package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Mode is the deployment topology of the Docker engine
type Mode string

const (
	ModeStandalone Mode = "standalone"
	ModeSwarm      Mode = "swarm"
)

// ModeInfo describes the detected topology. It is computed once at startup
// and never changes for the lifetime of the process.
type ModeInfo struct {
	Mode           Mode   `json:"mode" yaml:"mode"`
	NodeID         string `json:"node_id,omitempty" yaml:"node_id,omitempty"`
	NodeRole       string `json:"node_role,omitempty" yaml:"node_role,omitempty"`
	SwarmClusterID string `json:"swarm_cluster_id,omitempty" yaml:"swarm_cluster_id,omitempty"`
	ManagerAddress string `json:"manager_address,omitempty" yaml:"manager_address,omitempty"`
	Leader         bool   `json:"leader,omitempty" yaml:"leader,omitempty"`
}

// IsSwarm reports whether the agent runs against a Swarm node
func (m ModeInfo) IsSwarm() bool {
	return m.Mode == ModeSwarm
}

// Label keys used to opt a workload in
const (
	LabelEnable       = "dockflare.enable"
	LabelLegacyEnable = "cloudflare.tunnel.enable"

	LabelManaged = "dockflare.managed"
	LabelType    = "dockflare.type"

	// LabelSwarmServiceName and LabelSwarmNodeID are set by the engine on
	// task-backed containers and task events
	LabelSwarmServiceName = "com.docker.swarm.service.name"
	LabelSwarmNodeID      = "com.docker.swarm.node.id"
)

// IsEnabled reports whether labels opt a workload in. Either key counts,
// but only with the literal value "true".
func IsEnabled(labels map[string]string) bool {
	if len(labels) == 0 {
		return false
	}
	return labels[LabelEnable] == "true" || labels[LabelLegacyEnable] == "true"
}

// WorkloadDescriptor is a snapshot of a plain container or of one Swarm task
// of a service. ServiceID and TaskID are only set under Swarm.
type WorkloadDescriptor struct {
	ID          string
	Name        string
	Labels      map[string]string
	Status      string
	Image       string
	NetworkMode string
	NodeID      string
	ServiceID   string
	TaskID      string
}

// Workload status values shared by both topologies
const (
	StatusRunning  = "running"
	StatusStarting = "starting"
	StatusRemoved  = "removed"
	StatusUnknown  = "unknown"
)

// IsActive reports whether the workload is running or about to run
func (w *WorkloadDescriptor) IsActive() bool {
	return w != nil && (w.Status == StatusRunning || w.Status == StatusStarting)
}

// Payload returns the representation reported to the control plane
func (w *WorkloadDescriptor) Payload() map[string]any {
	labels := w.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	payload := map[string]any{
		"id":     w.ID,
		"name":   w.Name,
		"labels": labels,
		"status": w.Status,
		"image":  w.Image,
	}
	if w.ServiceID != "" {
		payload["service_id"] = w.ServiceID
	}
	if w.TaskID != "" {
		payload["task_id"] = w.TaskID
	}
	if w.NodeID != "" {
		payload["node_id"] = w.NodeID
	}
	return payload
}

// NetworkDescriptor is a read-only reflection of an engine network
type NetworkDescriptor struct {
	ID         string
	Name       string
	Driver     string
	Scope      string
	Attachable bool
	Ingress    bool
}

// TunnelSpec is the desired configuration of the tunnel workload. It is
// rebuilt from scratch for every deployment and never patched in place.
type TunnelSpec struct {
	Name                 string
	Image                string
	Token                string
	NetworkName          string
	Command              []string
	Environment          map[string]string
	RestartPolicy        string
	Labels               map[string]string
	PlacementConstraints []string
}

// RunState is the desired run state of the tunnel
type RunState string

const (
	RunStateUnknown RunState = "unknown"
	RunStateRunning RunState = "running"
	RunStateStopped RunState = "stopped"
)

// TunnelDesiredState is the persisted target the reconciler converges to
type TunnelDesiredState struct {
	Token           string   `json:"token"`
	TunnelID        string   `json:"id"`
	TunnelName      string   `json:"name"`
	DesiredRunState RunState `json:"desired_state"`
}

// UnmarshalJSON accepts null fields and defaults a missing run state to unknown
func (s *TunnelDesiredState) UnmarshalJSON(data []byte) error {
	var raw struct {
		Token           *string `json:"token"`
		TunnelID        *string `json:"id"`
		TunnelName      *string `json:"name"`
		DesiredRunState *string `json:"desired_state"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = TunnelDesiredState{DesiredRunState: RunStateUnknown}
	if raw.Token != nil {
		s.Token = *raw.Token
	}
	if raw.TunnelID != nil {
		s.TunnelID = *raw.TunnelID
	}
	if raw.TunnelName != nil {
		s.TunnelName = *raw.TunnelName
	}
	if raw.DesiredRunState != nil && *raw.DesiredRunState != "" {
		s.DesiredRunState = RunState(*raw.DesiredRunState)
	}
	return nil
}

// Cleared returns the state after a stop: run state kept, tunnel fields empty
func (s TunnelDesiredState) Cleared() TunnelDesiredState {
	return TunnelDesiredState{DesiredRunState: s.DesiredRunState}
}

// AgentIdentity is assigned by the control plane on registration
type AgentIdentity struct {
	AgentID string
}

// Domain event names reported to the control plane
const (
	EventContainerStart  = "container_start"
	EventContainerStop   = "container_stop"
	EventContainerUpdate = "container_update"
	EventTunnelStatus    = "tunnel_status"
	EventHeartbeat       = "heartbeat"
	EventStatusReport    = "status_report"
)

// DomainEvent is a normalized workload event
type DomainEvent struct {
	Type     string
	Workload WorkloadDescriptor
}

// Command actions understood by the reconciler
const (
	ActionStartTunnel        = "start_tunnel"
	ActionRestartTunnel      = "restart_tunnel"
	ActionStopTunnel         = "stop_tunnel"
	ActionUpdateTunnelConfig = "update_tunnel_config"
)

// Command is one pending instruction pulled from the control plane
type Command struct {
	Action      string  `json:"action"`
	Token       string  `json:"token,omitempty"`
	TunnelToken string  `json:"tunnel_token,omitempty"`
	TunnelName  string  `json:"tunnel_name,omitempty"`
	TunnelID    string  `json:"tunnel_id,omitempty"`
	Rules       RuleSet `json:"rules"`
}

// TokenValue returns the tunnel token, accepting the tunnel_token alias
func (c Command) TokenValue() string {
	if c.Token != "" {
		return c.Token
	}
	return c.TunnelToken
}

// RuleSpec is one ingress rule as the control plane describes it
type RuleSpec struct {
	Status   string `json:"status"`
	Hostname string `json:"hostname"`
	Service  string `json:"service"`
	Path     string `json:"path,omitempty"`
}

// RuleSet is a keyed set of rules that keeps the order it was received in
type RuleSet struct {
	keys  []string
	rules map[string]RuleSpec
}

// Add appends or replaces a rule. Replacing keeps the original position.
func (r *RuleSet) Add(key string, spec RuleSpec) {
	if r.rules == nil {
		r.rules = make(map[string]RuleSpec)
	}
	if _, exists := r.rules[key]; !exists {
		r.keys = append(r.keys, key)
	}
	r.rules[key] = spec
}

// Len returns the number of rules
func (r RuleSet) Len() int {
	return len(r.keys)
}

// Each visits the rules in order
func (r RuleSet) Each(fn func(key string, spec RuleSpec)) {
	for _, k := range r.keys {
		fn(k, r.rules[k])
	}
}

// UnmarshalJSON decodes a JSON object keeping key order
func (r *RuleSet) UnmarshalJSON(data []byte) error {
	*r = RuleSet{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("rules: expected object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("rules: expected key, got %v", tok)
		}
		var spec RuleSpec
		if err := dec.Decode(&spec); err != nil {
			return fmt.Errorf("rules: decode %q: %w", key, err)
		}
		r.Add(key, spec)
	}
	_, err = dec.Token()
	return err
}

// MarshalJSON encodes the rules as an object in insertion order
func (r RuleSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(r.rules[k])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// IngressRule is one entry of the tunnel ingress configuration
type IngressRule struct {
	Hostname string `json:"hostname,omitempty"`
	Service  string `json:"service"`
	Path     string `json:"path,omitempty"`
}

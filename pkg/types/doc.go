/*
Package types defines the data model shared by every tunnel-agent package.

The agent watches a Docker engine, either a plain standalone daemon or a Swarm
node, and keeps one tunnel workload per host alive on behalf of a remote
control plane. The types here describe both sides of that job: what the engine
looks like right now, and what the control plane wants it to look like.

# Observed State

  - ModeInfo: standalone or swarm, plus node identity when clustered. Computed
    once at startup, never re-detected.
  - WorkloadDescriptor: one container, or one Swarm task of a service. Always
    a fresh snapshot; nothing caches descriptors beyond a single operation.
  - NetworkDescriptor: an engine network as reported by the engine.

# Desired State

  - TunnelDesiredState: token, tunnel id, tunnel name and desired run state.
    Persisted by the storage package and rewritten wholesale on every change.
  - AgentIdentity: the id the control plane assigned on registration.
  - TunnelSpec: the full configuration of the tunnel workload. Built fresh for
    each deployment. The agent replaces the workload, it never patches it.

# Control Plane Vocabulary

  - Command: start_tunnel, restart_tunnel, stop_tunnel, update_tunnel_config.
  - RuleSet / IngressRule: ingress rules as received and as pushed.
  - DomainEvent: container_start, container_stop, container_update and the
    agent-level tunnel_status, heartbeat and status_report events.

# Opt-in Labels

A workload is enabled when either dockflare.enable or the legacy
cloudflare.tunnel.enable label is set to the literal string "true":

	types.IsEnabled(map[string]string{"dockflare.enable": "true"})         // true
	types.IsEnabled(map[string]string{"cloudflare.tunnel.enable": "true"}) // true
	types.IsEnabled(map[string]string{"dockflare.enable": "yes"})          // false
*/
package types

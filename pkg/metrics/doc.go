/*
Package metrics defines the agent's Prometheus metrics and the component
health registry behind the /health and /ready endpoints.

All metrics are registered with the default registry at package init and
exposed by Handler. Names carry the tunnel_agent_ prefix.

# Metric Families

	Workloads      tunnel_agent_workloads_enabled, tunnel_agent_tunnel_running,
	               tunnel_agent_swarm_mode
	Engine events  tunnel_agent_engine_events_total{type},
	               tunnel_agent_events_dropped_total,
	               tunnel_agent_event_stream_reconnects_total
	Control plane  tunnel_agent_control_plane_requests_total{endpoint,outcome},
	               tunnel_agent_control_plane_request_duration_seconds{endpoint}
	Reconciler     tunnel_agent_commands_total{action,outcome},
	               tunnel_agent_reconciliation_duration_seconds,
	               tunnel_agent_tunnel_replacements_total

Collector refreshes the workload gauges from the runtime manager on an
interval; everything else is updated inline by the code doing the work.

# Component Health

UpdateComponent records the state of a named component. Three components
are critical:

	engine         the Docker engine answered a ping
	control_plane  the last control plane request succeeded
	tunnel         the tunnel workload is running, or not wanted

GetHealth is unhealthy when any registered critical component is unhealthy.
GetReadiness additionally requires all three to have reported at least once.

# Timing

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)
*/
package metrics

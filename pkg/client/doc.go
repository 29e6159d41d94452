/*
Package client implements the agent side of the control-plane HTTP API.

Every request carries "Authorization: Bearer <api key>" and a JSON body.
Requests time out after 15 seconds, except the tunnel configuration push
which gets 30.

# Endpoints

	POST /api/v2/agents/register           Register     → {"agent_id": "..."}
	POST /api/v2/agents/{id}/events        ReportEvent  (rate limited)
	GET  /api/v2/agents/{id}/commands      PollCommands → {"commands": [...]}
	GET  /accounts                         account lookup for PushIngressConfig
	PUT  /accounts/{acct}/cfd_tunnel/{tunnel}/configurations
	                                       PushIngressConfig {"config": {"ingress": [...]}}

# Event reports

	{
	  "type":      "container_start",
	  "timestamp": "2025-01-02T15:04:05.999999999Z",
	  "mode":      "swarm",
	  "event_id":  "5f0c...",
	  "container": {"id": ..., "name": ..., "labels": {...}, "status": ..., "image": ...}
	}

The container object is omitted for heartbeats. ReportEvent waits on a token
bucket (golang.org/x/time/rate) so an event storm on the engine cannot flood
the control plane; the wait honours the caller's context.

# Errors

Transport failures are returned wrapped. A non-2xx answer yields a
*StatusError carrying the status code and the start of the response body.
The client never retries: the agent loops call it again on their next tick,
and registration retries through its own backoff.

Each request updates tunnel_agent_control_plane_requests_total, the request
duration histogram and the control_plane health component.

# Ingress

GenerateIngressRules turns the rule map of an update_tunnel_config command
into the ordered ingress list, keeping only active rules and appending the
http_status:404 catch-all.
*/
package client

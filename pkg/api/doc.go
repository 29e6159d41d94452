/*
Package api serves the agent's local HTTP endpoints.

The server is optional and only started when HEALTH_ADDR is set. It is
meant for container health checks and Prometheus scraping, not for
control: nothing here mutates agent state.

# Endpoints

	GET /health   200 when every critical component is healthy, else 503
	GET /ready    200 once engine, control_plane and tunnel all reported healthy
	GET /live     200 while the process serves requests
	GET /status   tunnel desired and observed state; 503 before startup
	GET /metrics  Prometheus exposition

/status never includes the tunnel token, only whether one is set.

# Usage

	hs := api.NewHealthServer(statusFn, agent.AgentID)
	go hs.Run(ctx, ":8081")
*/
package api

/*
Package reconciler keeps the single tunnel workload of a host in the state
the control plane asked for.

# State

	desired   token, tunnel id, tunnel name, run state (persisted)
	observed  last descriptor of the tunnel workload seen on the engine
	version   tunnel binary version, probed once per deployment

All three live in the Reconciler behind one mutex. The health monitor, the
command dispatcher and shutdown cleanup all go through it, so a
remove-then-create replacement is atomic with respect to every other caller.

# Converge

	run state != running, or no token/name   → nothing to do
	workload running or starting             → accept, probe version if unknown
	workload absent or in any other state    → build spec, CreateTunnel,
	                                           report tunnel_status: running

Converge is idempotent and safe to call from any goroutine. A failed create
leaves the desired state untouched; the next tick retries.

# Commands

	start_tunnel          persist, then replace only if token or id changed,
	                      otherwise converge
	restart_tunnel        persist, remove, deploy (always)
	stop_tunnel           persist stopped, remove, report stopped,
	                      clear token/id/name, persist again
	update_tunnel_config  push ingress rules for the current tunnel id

State is always written before anything is reported, so the control plane
never learns about a state the agent could lose on restart.

# Image references

NormalizeImage cleans up the configured image before it reaches the engine:

	" repo/img:tag  # pinned"          → "repo/img:tag"
	"repo@sha256:<64 hex, any case>"   → "repo@sha256:<lower-case hex>"
	"repo@sha256:<anything else>"      → default image
	"", "# only a comment"             → default image

# Version probing

The runtime manager may implement runtime.VersionProber. Only the standalone
manager does; under swarm the version is reported as null.
*/
package reconciler

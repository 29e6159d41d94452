/*
Package agent runs the tunnel agent: registration with the control plane
followed by the long-lived loops that keep the host converged.

# Lifecycle

	Run
	 ├─ validate swarm role requirements
	 ├─ load agent id and tunnel desired state
	 ├─ register (fixed 60s retry until success or cancel)
	 ├─ initial converge
	 ├─ errgroup
	 │   ├─ runtime.Subscribe ─▶ events.Broker ─▶ EventForwarder
	 │   ├─ CommandDispatcher  poll commands, apply in order
	 │   ├─ HealthMonitor      converge on every tick
	 │   └─ StatusReporter     heartbeat + status_report
	 └─ cleanup: remove the tunnel workload (30s budget)

Every loop logs per-tick errors and waits for the next tick. Only context
cancellation ends them.

# Identity

The agent id is shared through Identity. Loops skip their work until an id
is known, and a re-registration that yields a new id is picked up on the
next tick.
*/
package agent

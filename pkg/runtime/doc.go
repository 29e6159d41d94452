/*
Package runtime gives the agent one view of a Docker engine, whether it runs
standalone or as a Swarm node.

The package has three layers. Engine is a narrow interface over the Docker
SDK client; DockerEngine implements it and is the only code that touches the
SDK. Manager is the topology independent contract used by the reconciler and
the event loop; StandaloneManager and SwarmManager implement it. Translator
turns raw engine events into the domain event vocabulary.

# Architecture

	┌──────────────── Reconciler / Agent loops ────────────────┐
	│                                                          │
	│            Manager (selected once by NewManager)         │
	│        ┌───────────────────┬──────────────────────┐      │
	│        │ StandaloneManager │     SwarmManager     │      │
	│        │  containers       │  services + tasks    │      │
	│        │  bridge network   │  overlay network     │      │
	│        │  exec version     │  no version probe    │      │
	│        └─────────┬─────────┴──────────┬───────────┘      │
	│                  │     Translator     │                  │
	│                  └─────────┬──────────┘                  │
	│                            │                             │
	│                   Engine (DockerEngine)                  │
	└────────────────────────────┼─────────────────────────────┘
	                             │ Docker API (DOCKER_HOST)
	                        Docker daemon

# Workload Visibility

A workload is enabled when its labels carry dockflare.enable=true or the
legacy cloudflare.tunnel.enable=true. Under Swarm a service is never reported
as a unit: ListEnabled expands each enabled service to one WorkloadDescriptor
per task that is running or starting on the local node. Tasks scheduled on
other nodes are invisible to this agent.

# Tunnel Lifecycle

CreateTunnel always removes before it creates:

  - Standalone: ensure a bridge network, stop and remove the old container,
    run the new one, wait SettleDelay, then inspect it.
  - Swarm: ensure an attachable overlay network, remove the old service and
    any stray container of the same name, create a single replica service
    pinned with node.id==<local> when PinToNode is set, then poll its tasks
    until one appears on this node. When none does, CreateTunnel returns a
    nil descriptor and the next health check retries.

Remove differs between the two managers on purpose. Standalone treats a
missing container as removed and returns true. Swarm returns true when it
removed a service or a container and false when neither existed.

# Events

ListenForEvents replays every enabled workload as container_start on its
first call, then forwards translated events in the order the engine sent
them. Standalone accepts container start, stop and die. Swarm also accepts
service create, update and remove plus task start, stop and complete for the
local node.

Subscribe wraps ListenForEvents and reconnects with exponential backoff when
the engine stream fails:

	out := make(chan types.DomainEvent, 256)
	go runtime.Subscribe(ctx, mgr, out)

	for ev := range out {
		// report ev
	}

# Version Probing

VersionProber is optional. StandaloneManager execs cloudflared --version in
the tunnel container and keeps the first line of output; SwarmManager always
reports the version as unavailable.
*/
package runtime

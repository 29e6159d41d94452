/*
Package storage persists the agent's durable state: the identity assigned by
the control plane and the tunnel desired state.

# Records

Two records exist, each rewritten wholesale on every change:

	agent_id.txt       plain text, the agent id
	tunnel_state.json  {"token", "id", "name", "desired_state"}

A missing record means "never written". A tunnel state record that fails to
decode is logged and treated as empty, so a damaged disk never blocks startup.

# Backends

BlobStore is the byte-level contract. Two implementations exist:

	┌──────────────┐      ┌───────────────────────────────────────────┐
	│  StateStore  │─────▶│ FileStore  <data dir>/<key>               │
	│  (typed)     │      │   temp file + fsync + chmod 0600 + rename │
	│              │      ├───────────────────────────────────────────┤
	│              │─────▶│ BoltStore  <data dir>/agent.db            │
	└──────────────┘      │   bucket "state", one tx per write        │
	                      └───────────────────────────────────────────┘

FileStore is the default and keeps the on-disk layout operators already know.
BoltStore is selected with STATE_BACKEND=bolt.

# Usage

	blobs, err := storage.Open(cfg.Storage.Backend, cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	defer blobs.Close()

	state := storage.NewStateStore(blobs)
	desired, err := state.LoadTunnelState()

# Durability

WriteAtomic returns only after the new content is on disk. Callers persist
state before reporting success to the control plane, so a crash after a
report never loses the state that report described.
*/
package storage

package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/tunnel-agent/pkg/log"
	"github.com/cuemby/tunnel-agent/pkg/types"
)

// ErrNotFound is returned by BlobStore.Read for keys never written
var ErrNotFound = errors.New("record not found")

// Well-known record keys. The file backend uses them as file names.
const (
	KeyIdentity    = "agent_id.txt"
	KeyTunnelState = "tunnel_state.json"
)

// BlobStore durably persists small records. A successful WriteAtomic
// replaces the whole record; readers never observe a partial write.
type BlobStore interface {
	WriteAtomic(key string, data []byte) error
	Read(key string) ([]byte, error)
	Close() error
}

// Open returns the blob store for backend ("file" or "bolt") rooted at dataDir
func Open(backend, dataDir string) (BlobStore, error) {
	switch backend {
	case "", "file":
		return NewFileStore(dataDir), nil
	case "bolt":
		return NewBoltStore(dataDir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// OpenReadOnly is Open for inspection: it never creates files and does not
// wait on a database another process holds
func OpenReadOnly(backend, dataDir string) (BlobStore, error) {
	switch backend {
	case "", "file":
		return NewFileStore(dataDir), nil
	case "bolt":
		return NewBoltStoreReadOnly(dataDir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// StateStore persists the agent identity and the tunnel desired state
type StateStore struct {
	blobs  BlobStore
	logger zerolog.Logger
}

// NewStateStore creates a state store over blobs
func NewStateStore(blobs BlobStore) *StateStore {
	return &StateStore{
		blobs:  blobs,
		logger: log.WithComponent("storage"),
	}
}

// LoadIdentity returns the persisted identity, empty when none was saved
func (s *StateStore) LoadIdentity() (types.AgentIdentity, error) {
	data, err := s.blobs.Read(KeyIdentity)
	if errors.Is(err, ErrNotFound) {
		return types.AgentIdentity{}, nil
	}
	if err != nil {
		return types.AgentIdentity{}, fmt.Errorf("failed to load agent identity: %w", err)
	}
	return types.AgentIdentity{AgentID: strings.TrimSpace(string(data))}, nil
}

// SaveIdentity rewrites the identity record
func (s *StateStore) SaveIdentity(id types.AgentIdentity) error {
	if err := s.blobs.WriteAtomic(KeyIdentity, []byte(strings.TrimSpace(id.AgentID))); err != nil {
		return fmt.Errorf("failed to save agent identity: %w", err)
	}
	return nil
}

// LoadTunnelState returns the persisted desired state. A missing or corrupt
// record yields an empty state with an unknown run state.
func (s *StateStore) LoadTunnelState() (types.TunnelDesiredState, error) {
	empty := types.TunnelDesiredState{DesiredRunState: types.RunStateUnknown}

	data, err := s.blobs.Read(KeyTunnelState)
	if errors.Is(err, ErrNotFound) {
		return empty, nil
	}
	if err != nil {
		return empty, fmt.Errorf("failed to load tunnel state: %w", err)
	}

	var st types.TunnelDesiredState
	if err := json.Unmarshal(data, &st); err != nil {
		s.logger.Warn().Err(err).Msg("Ignoring corrupt tunnel state record")
		return empty, nil
	}
	return st, nil
}

// SaveTunnelState rewrites the tunnel state record
func (s *StateStore) SaveTunnelState(st types.TunnelDesiredState) error {
	if st.DesiredRunState == "" {
		st.DesiredRunState = types.RunStateUnknown
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode tunnel state: %w", err)
	}
	if err := s.blobs.WriteAtomic(KeyTunnelState, data); err != nil {
		return fmt.Errorf("failed to save tunnel state: %w", err)
	}
	return nil
}

package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// boltLockTimeout bounds the wait for the file lock another process holds
const boltLockTimeout = time.Second

var (
	bucketState = []byte("state")

	ErrLocked   = errors.New("state database is locked by another process")
	ErrReadOnly = errors.New("state store opened read-only")
)

// BoltStore keeps records in a single BoltDB bucket. Each write is one
// transaction, which gives the same all-or-nothing guarantee as FileStore.
type BoltStore struct {
	db       *bolt.DB
	readOnly bool
}

// NewBoltStore opens (or creates) agent.db under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", dataDir, err)
	}

	db, err := openBolt(dataDir, false)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketState); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketState, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// NewBoltStoreReadOnly opens agent.db for inspection. A missing database
// reads as empty. While a running agent holds the database this fails with
// ErrLocked after a short wait.
func NewBoltStoreReadOnly(dataDir string) (*BoltStore, error) {
	if _, err := os.Stat(filepath.Join(dataDir, "agent.db")); errors.Is(err, fs.ErrNotExist) {
		return &BoltStore{readOnly: true}, nil
	}
	db, err := openBolt(dataDir, true)
	if err != nil {
		return nil, err
	}
	return &BoltStore{db: db, readOnly: true}, nil
}

func openBolt(dataDir string, readOnly bool) (*bolt.DB, error) {
	dbPath := filepath.Join(dataDir, "agent.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: boltLockTimeout, ReadOnly: readOnly})
	if errors.Is(err, bolt.ErrTimeout) {
		return nil, fmt.Errorf("failed to open %s: %w", dbPath, ErrLocked)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WriteAtomic replaces the record under key
func (s *BoltStore) WriteAtomic(key string, data []byte) error {
	if s.readOnly {
		return ErrReadOnly
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		return b.Put([]byte(key), data)
	})
}

// Read returns a copy of the record or ErrNotFound
func (s *BoltStore) Read(key string) ([]byte, error) {
	if s.db == nil {
		return nil, ErrNotFound
	}
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		if b == nil {
			return ErrNotFound
		}
		data := b.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		// Bolt memory is only valid inside the transaction
		out = append([]byte(nil), data...)
		return nil
	})
	return out, err
}

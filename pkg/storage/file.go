package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore keeps each record in its own file under a data directory
type FileStore struct {
	dir string
}

// NewFileStore creates a file store rooted at dir. The directory is created
// on first write.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Path returns the file backing key
func (s *FileStore) Path(key string) string {
	return filepath.Join(s.dir, key)
}

// WriteAtomic writes data to a temp file in the same directory, syncs it and
// renames it over the record, so the record is either the old or the new
// content, never a mix. The file is readable by its owner only.
func (s *FileStore) WriteAtomic(key string, data []byte) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("failed to create data dir %s: %w", s.dir, err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+key+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		// no-op once the rename succeeded
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", key, err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", key, err)
	}

	if err := os.Rename(tmpName, s.Path(key)); err != nil {
		return fmt.Errorf("failed to replace %s: %w", key, err)
	}

	// Persist the rename itself
	if dir, err := os.Open(s.dir); err == nil {
		_ = dir.Sync()
		dir.Close()
	}
	return nil
}

// Read returns the record content or ErrNotFound
func (s *FileStore) Read(key string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// Close is a no-op
func (s *FileStore) Close() error {
	return nil
}

// Package store persists queue snapshots. The file-backed implementation
// writes to a temporary file and renames it into place, so a snapshot on
// disk is always complete; crashes mid-write leave the previous snapshot
// untouched.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var (
	ErrSaveFailed       = errors.New("agentbus: snapshot save failed")
	ErrLoadFailed       = errors.New("agentbus: snapshot load failed")
	ErrStoreUnavailable = errors.New("agentbus: snapshot store unavailable")
)

// Store holds one snapshot. A store instance is exclusively owned by a
// single queue; no other writer may touch its backing location.
type Store interface {
	// Save atomically replaces the stored snapshot.
	Save(data []byte) error

	// Load returns the stored snapshot. The second result is false when no
	// snapshot has been saved yet.
	Load() ([]byte, bool, error)
}

// FileStore keeps the snapshot in a single file.
type FileStore struct {
	path string
}

// NewFileStore creates the parent directory if needed and returns a store
// backed by the given file path.
func NewFileStore(path string) (*FileStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, dir, err)
	}
	return &FileStore{path: path}, nil
}

// Path returns the backing file location.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Save(data []byte) error {
	dir := filepath.Dir(s.path)

	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, s.path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, s.path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, s.path, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, s.path, err)
	}
	return nil
}

func (s *FileStore) Load() ([]byte, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrLoadFailed, s.path, err)
	}
	return data, true, nil
}

// MemoryStore keeps the snapshot in process memory. Useful in tests and for
// buses that want queue semantics without disk persistence.
type MemoryStore struct {
	mu    sync.Mutex
	data  []byte
	saved bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = append([]byte(nil), data...)
	s.saved = true
	return nil
}

func (s *MemoryStore) Load() ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.saved {
		return nil, false, nil
	}
	return append([]byte(nil), s.data...), true, nil
}

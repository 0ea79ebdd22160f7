// Package archive moves aged-out rows to cheap object storage before
// they are pruned. Objects are JSON-lines files keyed by a
// date-partitioned path; backends are interchangeable.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store is the contract for archive object storage.
type Store interface {
	// Put persists data under key, overwriting any existing object.
	Put(ctx context.Context, key string, data []byte) error
	// Get retrieves an object by key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Exists checks whether an object is present.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes an object; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// validKey rejects traversal and absolute paths so a key can be joined
// onto any backend prefix safely.
func validKey(key string) error {
	if key == "" {
		return fmt.Errorf("archive: empty key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("archive: invalid key: %s", key)
	}
	return nil
}

// FileStore is a filesystem-backed implementation of Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates an archive rooted at the specified directory.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: failed to ensure archive dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Put(ctx context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("archive: failed to ensure key dir: %w", err)
	}

	// Write to temp, then rename, so readers never see half an object.
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("archive: failed to write object: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("archive: failed to commit object: %w", err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := filepath.Join(s.baseDir, filepath.FromSlash(key))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("archive: object not found: %s", key)
		}
		return nil, fmt.Errorf("archive: failed to open object: %w", err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to read object: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := validKey(key); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(filepath.Join(s.baseDir, filepath.FromSlash(key)))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("archive: failed to stat object: %w", err)
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.baseDir, filepath.FromSlash(key)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("archive: failed to delete object: %w", err)
	}
	return nil
}

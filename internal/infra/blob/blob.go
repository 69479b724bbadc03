// Package blob provides a filesystem-backed key-addressed blob store.
// The archive layer serializes its own document format on top; this
// package only moves bytes. Paths are slash-separated keys relative to
// the store root.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FSStore implements port.BlobStore on the local filesystem.
type FSStore struct {
	root string
}

// NewFSStore creates a store rooted at dir.
func NewFSStore(dir string) *FSStore {
	return &FSStore{root: dir}
}

// Get returns the blob's contents, or (nil, nil) if the path does not exist.
func (s *FSStore) Get(_ context.Context, path string) ([]byte, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blob get %s: %w", path, err)
	}
	return data, nil
}

// Put writes the blob atomically (temp file + rename), creating parent
// directories as needed.
func (s *FSStore) Put(_ context.Context, path string, data []byte) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("blob put %s: %w", path, err)
	}

	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("blob put %s: %w", path, err)
	}
	if err := os.Rename(tmp, full); err != nil {
		return fmt.Errorf("blob put %s: %w", path, err)
	}
	return nil
}

// resolve maps a key to a filesystem path, rejecting traversal outside
// the store root.
func (s *FSStore) resolve(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid blob path: %s", path)
	}
	return filepath.Join(s.root, clean), nil
}

// Package fsstore implements fathom.SessionStore as one JSON record per
// session id under a storage directory. It is the default backend for the
// session_storage_dir knob: no external service, records are readable with
// any text tool, and writes are atomic (temp file + rename).
package fsstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fathom-ai/fathom"
)

// Store implements fathom.SessionStore on the local filesystem.
type Store struct {
	dir string
}

var _ fathom.SessionStore = (*Store)(nil)

// New creates a Store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fsstore: create %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

const recordExt = ".session.json"

// path maps a session id to its record file. Ids are opaque; anything that
// could escape the directory is rejected.
func (s *Store) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return "", fmt.Errorf("fsstore: invalid session id %q", id)
	}
	return filepath.Join(s.dir, id+recordExt), nil
}

// Save writes the record atomically.
func (s *Store) Save(_ context.Context, id string, data []byte) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("fsstore: write %s: %w", id, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("fsstore: commit %s: %w", id, err)
	}
	return nil
}

// Load reads the record for id.
func (s *Store) Load(_ context.Context, id string) ([]byte, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("fsstore: %q: %w", id, fathom.ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fsstore: read %s: %w", id, err)
	}
	return data, nil
}

// Delete removes the record for id. Missing records are a no-op.
func (s *Store) Delete(_ context.Context, id string) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("fsstore: delete %s: %w", id, err)
	}
	return nil
}

// List returns all stored session ids.
func (s *Store) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("fsstore: list: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, recordExt))
	}
	return ids, nil
}

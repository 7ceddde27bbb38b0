// Package session persists the material a transport needs to resume a
// login: credentials, keys, tokens.
package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"chatrelay/internal/fsutil"
)

// DirStore keeps session material as files in one directory. It
// implements domain.SessionStore.
type DirStore struct {
	dir string
	mu  sync.Mutex
}

func NewDirStore(dir string) *DirStore {
	return &DirStore{dir: dir}
}

func (s *DirStore) Dir() string { return s.dir }

// Exists reports whether any material has been saved.
func (s *DirStore) Exists() bool {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() && !fsutil.IsTemp(e.Name()) {
			return true
		}
	}
	return false
}

// Load returns every saved file keyed by name. A missing directory yields
// an empty map.
func (s *DirStore) Load(ctx context.Context) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string][]byte{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session dir: %w", err)
	}

	files := make(map[string][]byte, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || fsutil.IsTemp(e.Name()) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		files[e.Name()] = data
	}
	return files, nil
}

// Save writes one file atomically.
func (s *DirStore) Save(_ context.Context, name string, data []byte) error {
	clean, err := cleanName(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	return fsutil.WriteFileAtomic(filepath.Join(s.dir, clean), data, 0o600)
}

// Wipe deletes all material. Wiping an absent store is not an error.
func (s *DirStore) Wipe(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("wipe session dir: %w", err)
	}
	return nil
}

func cleanName(name string) (string, error) {
	base := filepath.Base(name)
	if name == "" || base != name || base == "." || base == ".." {
		return "", fmt.Errorf("invalid session file name %q", name)
	}
	return base, nil
}

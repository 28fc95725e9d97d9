package syncclient

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// SessionStore keeps the active session id between runs
type SessionStore interface {
	Load() string
	Save(sessionID string) error
	Clear() error
}

// FileSessionStore keeps the session id in a single file
type FileSessionStore struct {
	mu   sync.Mutex
	path string
}

// NewFileSessionStore creates a store backed by path
func NewFileSessionStore(path string) *FileSessionStore {
	return &FileSessionStore{path: path}
}

// Load returns the stored id, empty when there is none
func (s *FileSessionStore) Load() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Save replaces the stored id
func (s *FileSessionStore) Save(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create session dir: %w", err)
		}
	}
	if err := os.WriteFile(s.path, []byte(sessionID+"\n"), 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return nil
}

// Clear forgets the stored id
func (s *FileSessionStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}

// MemorySessionStore keeps the session id in memory
type MemorySessionStore struct {
	mu sync.Mutex
	id string
}

// Load returns the stored id
func (s *MemorySessionStore) Load() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Save replaces the stored id
func (s *MemorySessionStore) Save(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = sessionID
	return nil
}

// Clear forgets the stored id
func (s *MemorySessionStore) Clear() error {
	return s.Save("")
}

// Package profile persists the local collaboration session profile, the
// record written when an invitation is accepted and read to resume a room.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/citruslab/collab/pkg/models"
)

// FileName is the profile file inside the state directory.
const FileName = "collaboration-user.json"

// ErrNoProfile is returned by Load when nothing has been saved.
var ErrNoProfile = errors.New("no saved collaboration profile")

// Store reads and writes the session profile file.
type Store struct {
	mu   sync.Mutex
	path string
}

// DefaultStateDir returns ~/.collab, or ./.collab when there is no home.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		home = "."
	}
	return filepath.Join(home, ".collab")
}

// NewStore returns a store for the profile file in stateDir.
func NewStore(stateDir string) *Store {
	if strings.TrimSpace(stateDir) == "" {
		stateDir = DefaultStateDir()
	}
	return &Store{path: filepath.Join(stateDir, FileName)}
}

// Path returns the profile file path.
func (s *Store) Path() string {
	return s.path
}

// Load returns the saved profile, or ErrNoProfile.
func (s *Store) Load() (*models.SessionProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoProfile
		}
		return nil, err
	}
	var p models.SessionProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if strings.TrimSpace(p.Email) == "" || strings.TrimSpace(p.RoomID) == "" {
		return nil, ErrNoProfile
	}
	return &p, nil
}

// Save replaces the saved profile atomically.
func (s *Store) Save(p models.SessionProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, append(data, '\n'), 0o600)
}

// Clear removes the saved profile. Clearing a missing profile is not an error.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

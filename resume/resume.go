// Package resume persists the last channel, episode and position so playback
// continues where it stopped after a restart.
package resume

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// State is what gets saved.
type State struct {
	Channel     int       `yaml:"channel"`
	Episode     int       `yaml:"episode"`
	PositionSec int       `yaml:"position_sec"`
	SavedAt     time.Time `yaml:"saved_at,omitempty"`
}

// Store reads and writes State as YAML.
type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

// Load returns the saved state, or the zero State when nothing was saved.
func (s *Store) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("failed to read state file: %w", err)
	}

	var st State
	if err := yaml.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("failed to parse state file: %w", err)
	}
	if st.Channel < 0 || st.Episode < 0 || st.PositionSec < 0 {
		return State{}, fmt.Errorf("invalid state: %+v", st)
	}
	return st, nil
}

// Save writes st through a temporary file so a crash never leaves a torn
// state file.
func (s *Store) Save(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st.SavedAt.IsZero() {
		st.SavedAt = time.Now().UTC().Truncate(time.Second)
	}
	data, err := yaml.Marshal(&st)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

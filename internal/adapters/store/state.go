package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/quietfield/mtrec/internal/ports"
)

// StateFile persists the last sequence seen per source as a small JSON map,
// written atomically (tmp + rename) so a crash mid-save never corrupts it.
type StateFile struct {
	mu   sync.Mutex
	path string
}

func NewStateFile(path string) *StateFile {
	return &StateFile{path: path}
}

func (s *StateFile) Load() (map[string]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]uint64{}, nil
		}
		return nil, fmt.Errorf("state load: %w", err)
	}

	state := make(map[string]uint64)
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("state load: %w", err)
	}
	return state, nil
}

func (s *StateFile) Save(state map[string]uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("state save: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("state save: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("state save: %w", err)
	}
	return nil
}

var _ ports.StateStore = (*StateFile)(nil)

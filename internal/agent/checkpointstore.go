package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// MemoryCheckpointStore keeps checkpoints in memory. Suitable for a
// single-process deployment where losing checkpoints on restart is
// acceptable.
type MemoryCheckpointStore struct {
	mu          sync.Mutex
	checkpoints map[string]*Checkpoint
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{checkpoints: make(map[string]*Checkpoint)}
}

func (s *MemoryCheckpointStore) Save(cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.ID] = cp
	return nil
}

// Take removes and returns the checkpoint. A checkpoint is consumed by
// exactly one resumption.
func (s *MemoryCheckpointStore) Take(id string) (*Checkpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[id]
	if ok {
		delete(s.checkpoints, id)
	}
	return cp, ok
}

// YAMLCheckpointStore persists one YAML file per checkpoint, so
// suspended subtasks survive a process restart.
type YAMLCheckpointStore struct {
	dir string
	mu  sync.Mutex
}

func NewYAMLCheckpointStore(dir string) (*YAMLCheckpointStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &YAMLCheckpointStore{dir: dir}, nil
}

func (s *YAMLCheckpointStore) path(id string) string {
	return filepath.Join(s.dir, id+".yaml")
}

func (s *YAMLCheckpointStore) Save(cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := yaml.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	tmp := s.path(cp.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, s.path(cp.ID)); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

func (s *YAMLCheckpointStore) Take(id string) (*Checkpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, false
	}
	var cp Checkpoint
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return nil, false
	}
	_ = os.Remove(s.path(id))
	return &cp, true
}

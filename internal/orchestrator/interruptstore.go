package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// InterruptStore persists open human interrupts between the question
// and the answer, keyed by the HumanInputRequired event id the answer
// refers to.
type InterruptStore interface {
	Save(it *Interrupt) error
	// Take removes and returns the interrupt an answer refers to. An
	// interrupt is consumed by exactly one answer.
	Take(eventID string) (*Interrupt, bool)
	List() []Interrupt
}

// MemoryInterruptStore keeps interrupts in memory. Suitable for tests
// and for deployments where losing open questions on restart is
// acceptable.
type MemoryInterruptStore struct {
	mu         sync.Mutex
	interrupts map[string]*Interrupt
}

func NewMemoryInterruptStore() *MemoryInterruptStore {
	return &MemoryInterruptStore{interrupts: make(map[string]*Interrupt)}
}

func (s *MemoryInterruptStore) Save(it *Interrupt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupts[it.EventID] = it
	return nil
}

func (s *MemoryInterruptStore) Take(eventID string) (*Interrupt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.interrupts[eventID]
	if ok {
		delete(s.interrupts, eventID)
	}
	return it, ok
}

func (s *MemoryInterruptStore) List() []Interrupt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Interrupt, 0, len(s.interrupts))
	for _, it := range s.interrupts {
		out = append(out, *it)
	}
	return out
}

// YAMLInterruptStore persists one YAML file per open interrupt, so a
// human answer arriving after a daemon restart still finds the
// question it responds to.
type YAMLInterruptStore struct {
	dir string
	mu  sync.Mutex
}

func NewYAMLInterruptStore(dir string) (*YAMLInterruptStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create interrupt directory: %w", err)
	}
	return &YAMLInterruptStore{dir: dir}, nil
}

func (s *YAMLInterruptStore) path(eventID string) string {
	return filepath.Join(s.dir, eventID+".yaml")
}

func (s *YAMLInterruptStore) Save(it *Interrupt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := yaml.Marshal(it)
	if err != nil {
		return fmt.Errorf("failed to marshal interrupt: %w", err)
	}
	tmp := s.path(it.EventID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write interrupt: %w", err)
	}
	if err := os.Rename(tmp, s.path(it.EventID)); err != nil {
		return fmt.Errorf("failed to commit interrupt: %w", err)
	}
	return nil
}

func (s *YAMLInterruptStore) Take(eventID string) (*Interrupt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path(eventID))
	if err != nil {
		return nil, false
	}
	var it Interrupt
	if err := yaml.Unmarshal(data, &it); err != nil {
		return nil, false
	}
	_ = os.Remove(s.path(eventID))
	return &it, true
}

func (s *YAMLInterruptStore) List() []Interrupt {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var out []Interrupt
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var it Interrupt
		if err := yaml.Unmarshal(data, &it); err != nil {
			continue
		}
		out = append(out, it)
	}
	return out
}

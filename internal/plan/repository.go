package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Repository persists plan snapshots so a daemon restart can resume
// in-flight plans. Any durable store satisfying this contract works.
type Repository interface {
	Save(p *Plan) error
	Load() ([]*Plan, error)
	Delete(planID string) error
}

// YAMLRepository stores each plan as one YAML file under a directory.
type YAMLRepository struct {
	dir string
	mu  sync.Mutex
}

func NewYAMLRepository(dir string) *YAMLRepository {
	return &YAMLRepository{dir: dir}
}

func (r *YAMLRepository) Save(p *Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("failed to create plan directory: %w", err)
	}
	content, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	path := r.path(p.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		return fmt.Errorf("failed to write plan file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace plan file: %w", err)
	}
	return nil
}

func (r *YAMLRepository) Load() ([]*Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := os.ReadDir(r.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read plan directory: %w", err)
	}

	var plans []*Plan
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}
		content, err := os.ReadFile(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read plan file %s: %w", entry.Name(), err)
		}
		var p Plan
		if err := yaml.Unmarshal(content, &p); err != nil {
			return nil, fmt.Errorf("failed to parse plan file %s: %w", entry.Name(), err)
		}
		if p.Subtasks == nil {
			p.Subtasks = make(map[string]*Subtask)
		}
		plans = append(plans, &p)
	}
	return plans, nil
}

func (r *YAMLRepository) Delete(planID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.Remove(r.path(planID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove plan file: %w", err)
	}
	return nil
}

func (r *YAMLRepository) path(planID string) string {
	return filepath.Join(r.dir, planID+".yaml")
}

package plan

import (
	"errors"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a subtask.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusReady        Status = "READY"
	StatusRunning      Status = "RUNNING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusWaitingHuman Status = "WAITING_HUMAN"
)

// IsTerminal returns true if the subtask reached a final state. A subtask
// in WAITING_HUMAN is suspended, not terminal.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	ErrDuplicateID       = errors.New("duplicate subtask id")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrCyclicDependency  = errors.New("cyclic dependency")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
)

// SubtaskDef describes one subtask in a plan definition.
type SubtaskDef struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	Instructions string   `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	DependsOn    []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	AgentName    string   `json:"agent_name,omitempty" yaml:"agent_name,omitempty"`
}

// Definition is a whole plan as supplied by a planner.
type Definition struct {
	Title    string       `json:"title" yaml:"title"`
	Subtasks []SubtaskDef `json:"subtasks" yaml:"subtasks"`
}

// Subtask is a unit of work inside a plan's dependency graph.
type Subtask struct {
	ID           string    `json:"id" yaml:"id"`
	Name         string    `json:"name" yaml:"name"`
	Instructions string    `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	Status       Status    `json:"status" yaml:"status"`
	DependsOn    []string  `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	AgentName    string    `json:"agent_name,omitempty" yaml:"agent_name,omitempty"`
	Result       string    `json:"result,omitempty" yaml:"result,omitempty"`
	Error        string    `json:"error,omitempty" yaml:"error,omitempty"`
	Notes        string    `json:"notes,omitempty" yaml:"notes,omitempty"`
	CreatedAt    time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" yaml:"updated_at"`
}

func (s *Subtask) clone() *Subtask {
	c := *s
	c.DependsOn = append([]string(nil), s.DependsOn...)
	return &c
}

// Plan holds a dependency graph of subtasks. All mutation goes through
// the Store, which serializes writers per plan.
type Plan struct {
	ID       string              `json:"plan_id" yaml:"plan_id"`
	Title    string              `json:"title" yaml:"title"`
	Subtasks map[string]*Subtask `json:"subtasks" yaml:"subtasks"`
}

// isReady reports whether a subtask may be promoted: it is PENDING and
// every dependency is COMPLETED.
func (p *Plan) isReady(s *Subtask) bool {
	if s.Status != StatusPending {
		return false
	}
	for _, dep := range s.DependsOn {
		d, ok := p.Subtasks[dep]
		if !ok || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// insert adds a subtask, requiring every dependency to already exist.
func (p *Plan) insert(def SubtaskDef) error {
	if def.ID == "" {
		return fmt.Errorf("subtask id cannot be empty")
	}
	if _, exists := p.Subtasks[def.ID]; exists {
		return fmt.Errorf("subtask %q: %w", def.ID, ErrDuplicateID)
	}
	for _, dep := range def.DependsOn {
		if _, ok := p.Subtasks[dep]; !ok {
			return fmt.Errorf("subtask %q depends on %q: %w", def.ID, dep, ErrUnknownDependency)
		}
	}
	now := time.Now()
	p.Subtasks[def.ID] = &Subtask{
		ID:           def.ID,
		Name:         def.Name,
		Instructions: def.Instructions,
		Status:       StatusPending,
		DependsOn:    append([]string(nil), def.DependsOn...),
		AgentName:    def.AgentName,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return nil
}

// cascade re-evaluates readiness for every PENDING subtask depending on
// completedID and promotes those whose dependencies are now all
// COMPLETED. This is the only place promotion happens implicitly.
func (p *Plan) cascade(completedID string) []*Subtask {
	var promoted []*Subtask
	for _, s := range p.Subtasks {
		if s.Status != StatusPending {
			continue
		}
		depends := false
		for _, dep := range s.DependsOn {
			if dep == completedID {
				depends = true
				break
			}
		}
		if depends && p.isReady(s) {
			s.Status = StatusReady
			s.UpdatedAt = time.Now()
			promoted = append(promoted, s)
		}
	}
	return promoted
}

// Validate checks a plan definition for duplicate ids, references to
// undefined subtasks and dependency cycles, without registering it.
func Validate(def Definition) error {
	_, err := sortTopologically(def.Subtasks)
	return err
}

// sortTopologically orders defs so every subtask appears after all of its
// dependencies. Planners may therefore supply definitions in any order;
// references to ids not defined anywhere in the plan are rejected, as are
// cycles.
func sortTopologically(defs []SubtaskDef) ([]SubtaskDef, error) {
	byID := make(map[string]SubtaskDef, len(defs))
	indegree := make(map[string]int, len(defs))
	dependents := make(map[string][]string)
	for _, def := range defs {
		if _, seen := byID[def.ID]; seen {
			return nil, fmt.Errorf("subtask %q: %w", def.ID, ErrDuplicateID)
		}
		byID[def.ID] = def
		indegree[def.ID] = len(def.DependsOn)
	}
	for _, def := range defs {
		for _, dep := range def.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("subtask %q depends on %q: %w", def.ID, dep, ErrUnknownDependency)
			}
			dependents[dep] = append(dependents[dep], def.ID)
		}
	}

	var queue []string
	for _, def := range defs {
		if indegree[def.ID] == 0 {
			queue = append(queue, def.ID)
		}
	}

	sorted := make([]SubtaskDef, 0, len(defs))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, byID[id])
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(sorted) != len(defs) {
		return nil, ErrCyclicDependency
	}
	return sorted, nil
}

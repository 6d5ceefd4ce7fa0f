package plan

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// StatusUpdate carries the optional fields of a status transition.
type StatusUpdate struct {
	Notes  string
	Result string
	Error  string
}

// Store keeps all live plans and serializes mutation per plan. Shared
// readiness state is guarded here so concurrent status updates on the
// same plan preserve the cascade invariant.
type Store struct {
	mu    sync.Mutex
	plans map[string]*planEntry
	repo  Repository
}

type planEntry struct {
	mu   sync.Mutex
	plan *Plan
}

// NewStore creates a plan store. repo may be nil for a purely in-memory
// store; otherwise every mutation is written through.
func NewStore(repo Repository) (*Store, error) {
	s := &Store{
		plans: make(map[string]*planEntry),
		repo:  repo,
	}
	if repo != nil {
		plans, err := repo.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load plans: %w", err)
		}
		for _, p := range plans {
			s.plans[p.ID] = &planEntry{plan: p}
		}
	}
	return s, nil
}

// CreatePlan registers a new plan from a set of subtask definitions.
// Definitions may arrive in any order; they are sorted topologically
// before insertion. Duplicate ids, references to undefined subtasks and
// dependency cycles are rejected synchronously.
func (s *Store) CreatePlan(planID, title string, defs []SubtaskDef) (*Plan, error) {
	sorted, err := sortTopologically(defs)
	if err != nil {
		return nil, err
	}

	p := &Plan{
		ID:       planID,
		Title:    title,
		Subtasks: make(map[string]*Subtask, len(sorted)),
	}
	for _, def := range sorted {
		if err := p.insert(def); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.plans[planID]; exists {
		return nil, fmt.Errorf("plan %q: %w", planID, ErrAlreadyExists)
	}
	s.plans[planID] = &planEntry{plan: p}
	s.persist(p)
	return s.snapshotLocked(p), nil
}

// AddSubtask appends one subtask to a live plan. Unlike CreatePlan, every
// dependency must already exist in the plan.
func (s *Store) AddSubtask(planID string, def SubtaskDef) error {
	entry, err := s.entry(planID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if err := entry.plan.insert(def); err != nil {
		return err
	}
	s.persist(entry.plan)
	return nil
}

// UpdateStatus transitions a subtask. Transitions into COMPLETED cascade:
// every PENDING subtask whose dependencies are now all COMPLETED becomes
// READY within the same call. FAILED and WAITING_HUMAN never cascade;
// dependents stay blocked until an operator intervenes.
func (s *Store) UpdateStatus(planID, subtaskID string, status Status, update *StatusUpdate) error {
	entry, err := s.entry(planID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	sub, ok := entry.plan.Subtasks[subtaskID]
	if !ok {
		return fmt.Errorf("subtask %q in plan %q: %w", subtaskID, planID, ErrNotFound)
	}

	prev := sub.Status
	sub.Status = status
	sub.UpdatedAt = time.Now()
	if update != nil {
		if update.Notes != "" {
			sub.Notes = update.Notes
		}
		if update.Result != "" {
			sub.Result = update.Result
		}
		if update.Error != "" {
			sub.Error = update.Error
		}
	}

	if status == StatusCompleted && prev != StatusCompleted {
		for _, promoted := range entry.plan.cascade(subtaskID) {
			slog.Debug("subtask promoted to ready",
				"plan_id", planID, "subtask_id", promoted.ID, "completed", subtaskID)
		}
	}
	s.persist(entry.plan)
	return nil
}

// GetReadySubtasks returns every READY subtask of a plan, promoting any
// PENDING subtask whose dependencies are all COMPLETED as a side effect.
// The call is idempotent.
func (s *Store) GetReadySubtasks(planID string) ([]*Subtask, error) {
	entry, err := s.entry(planID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	var ready []*Subtask
	for _, sub := range entry.plan.Subtasks {
		if entry.plan.isReady(sub) {
			sub.Status = StatusReady
			sub.UpdatedAt = time.Now()
		}
		if sub.Status == StatusReady {
			ready = append(ready, sub.clone())
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready, nil
}

// AreAllCompleted reports whether every subtask of the plan is COMPLETED.
// An empty plan is never done.
func (s *Store) AreAllCompleted(planID string) (bool, error) {
	entry, err := s.entry(planID)
	if err != nil {
		return false, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if len(entry.plan.Subtasks) == 0 {
		return false, nil
	}
	for _, sub := range entry.plan.Subtasks {
		if sub.Status != StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// GetSubtask returns a copy of one subtask.
func (s *Store) GetSubtask(planID, subtaskID string) (*Subtask, error) {
	entry, err := s.entry(planID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	sub, ok := entry.plan.Subtasks[subtaskID]
	if !ok {
		return nil, fmt.Errorf("subtask %q in plan %q: %w", subtaskID, planID, ErrNotFound)
	}
	return sub.clone(), nil
}

// GetPlan returns a deep copy of a plan.
func (s *Store) GetPlan(planID string) (*Plan, error) {
	entry, err := s.entry(planID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return s.snapshotLocked(entry.plan), nil
}

// ListPlanIDs returns the ids of all registered plans, sorted.
func (s *Store) ListPlanIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.plans))
	for id := range s.plans {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DeletePlan removes a plan. Plans are retained until explicitly deleted.
func (s *Store) DeletePlan(planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[planID]; !ok {
		return fmt.Errorf("plan %q: %w", planID, ErrNotFound)
	}
	delete(s.plans, planID)
	if s.repo != nil {
		if err := s.repo.Delete(planID); err != nil {
			return fmt.Errorf("failed to delete plan snapshot: %w", err)
		}
	}
	return nil
}

func (s *Store) entry(planID string) (*planEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.plans[planID]
	if !ok {
		return nil, fmt.Errorf("plan %q: %w", planID, ErrNotFound)
	}
	return entry, nil
}

func (s *Store) snapshotLocked(p *Plan) *Plan {
	c := &Plan{ID: p.ID, Title: p.Title, Subtasks: make(map[string]*Subtask, len(p.Subtasks))}
	for id, sub := range p.Subtasks {
		c.Subtasks[id] = sub.clone()
	}
	return c
}

func (s *Store) persist(p *Plan) {
	if s.repo == nil {
		return
	}
	if err := s.repo.Save(p); err != nil {
		slog.Error("failed to persist plan snapshot", "plan_id", p.ID, "error", err)
	}
}

package agent

import (
	"time"

	"github.com/taskmesh/taskmesh/internal/reason"
)

// Checkpoint captures everything needed to resume a suspended subtask:
// the conversation memory and the step budget already spent. The id is
// opaque to everyone but the checkpoint store.
type Checkpoint struct {
	ID        string           `yaml:"id"`
	TaskID    string           `yaml:"task_id"`
	SubtaskID string           `yaml:"subtask_id"`
	Memory    []reason.Message `yaml:"memory"`
	StepsUsed int              `yaml:"steps_used"`
	CreatedAt time.Time        `yaml:"created_at"`
}

// CheckpointStore persists checkpoints between suspension and resume.
type CheckpointStore interface {
	Save(cp *Checkpoint) error
	// Take removes and returns the checkpoint for id.
	Take(id string) (*Checkpoint, bool)
}

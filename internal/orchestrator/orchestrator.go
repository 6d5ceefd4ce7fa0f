// Package orchestrator reacts to lifecycle events: it creates plans,
// dispatches subtasks whose dependencies are satisfied, records
// terminal outcomes, and mediates human interrupts. It holds no
// execution logic of its own; agents do the work.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/taskmesh/taskmesh/internal/event"
	"github.com/taskmesh/taskmesh/internal/plan"
)

const (
	// Group is the orchestrator's consumer group. A single consumer
	// keeps plan mutations for a given event ordered.
	Group    = "orchestrator"
	consumer = "orchestrator-1"
	source   = "orchestrator"
)

// Interrupt is a question waiting for a human answer.
type Interrupt struct {
	EventID      string    `yaml:"event_id"`
	TaskID       string    `yaml:"task_id"`
	SubtaskID    string    `yaml:"subtask_id"`
	CheckpointID string    `yaml:"checkpoint_id"`
	Question     string    `yaml:"question"`
	Context      string    `yaml:"context,omitempty"`
	AskedAt      time.Time `yaml:"asked_at"`
}

// Orchestrator wires the plan store to the event bus.
type Orchestrator struct {
	plans      *plan.Store
	bus        *event.Bus
	interrupts InterruptStore
	logger     *slog.Logger
}

// New creates an orchestrator. A nil interrupt store falls back to an
// in-memory one.
func New(plans *plan.Store, bus *event.Bus, interrupts InterruptStore, logger *slog.Logger) *Orchestrator {
	if interrupts == nil {
		interrupts = NewMemoryInterruptStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		plans:      plans,
		bus:        bus,
		interrupts: interrupts,
		logger:     logger.With("component", "orchestrator"),
	}
}

// Register subscribes the orchestrator to every stream it reacts to.
// Must be called before the bus runs.
func (o *Orchestrator) Register() error {
	subs := []struct {
		stream  string
		handler event.Handler
	}{
		{event.StreamTaskCreation, event.Typed(o.onTaskCreated)},
		{event.StreamSubtaskCompletion, event.Typed(o.onSubtaskCompleted)},
		{event.StreamSubtaskFailure, event.Typed(o.onSubtaskFailed)},
		{event.StreamHumanInteraction, event.Typed(o.onHumanInputRequired)},
		{event.StreamHumanResponses, event.Typed(o.onHumanInputProvided)},
	}
	for _, s := range subs {
		if err := o.bus.Subscribe(s.stream, Group, consumer, s.handler); err != nil {
			return err
		}
	}
	return nil
}

// PendingInterrupts returns the open human interrupts, oldest first.
func (o *Orchestrator) PendingInterrupts() []Interrupt {
	out := o.interrupts.List()
	sort.Slice(out, func(i, j int) bool { return out[i].AskedAt.Before(out[j].AskedAt) })
	return out
}

func (o *Orchestrator) onTaskCreated(ctx context.Context, env *event.Envelope, d *event.TaskCreated) error {
	title := d.InitialPlan.Title
	if title == "" {
		title = d.UserPrompt
	}
	if _, err := o.plans.CreatePlan(d.TaskID, title, d.InitialPlan.Subtasks); err != nil {
		if errors.Is(err, plan.ErrAlreadyExists) {
			// Redelivery of a task we already accepted.
			o.logger.Debug("ignoring duplicate task", "task_id", d.TaskID)
			return nil
		}
		// An invalid graph cannot become valid on retry.
		o.logger.Error("rejecting task with invalid plan", "task_id", d.TaskID, "error", err)
		return nil
	}
	o.logger.Info("task accepted",
		"task_id", d.TaskID, "subtasks", len(d.InitialPlan.Subtasks))
	o.dispatchReady(ctx, d.TaskID)
	return nil
}

func (o *Orchestrator) onSubtaskCompleted(ctx context.Context, env *event.Envelope, d *event.SubtaskCompleted) error {
	err := o.plans.UpdateStatus(d.TaskID, d.SubtaskID, plan.StatusCompleted, &plan.StatusUpdate{Result: d.Result})
	if err != nil {
		o.logger.Error("failed to record completion",
			"task_id", d.TaskID, "subtask_id", d.SubtaskID, "error", err)
		return nil
	}
	o.logger.Info("subtask completed", "task_id", d.TaskID, "subtask_id", d.SubtaskID)

	o.dispatchReady(ctx, d.TaskID)

	done, err := o.plans.AreAllCompleted(d.TaskID)
	if err == nil && done {
		o.logger.Info("task completed", "task_id", d.TaskID)
	}
	return nil
}

func (o *Orchestrator) onSubtaskFailed(ctx context.Context, env *event.Envelope, d *event.SubtaskFailed) error {
	err := o.plans.UpdateStatus(d.TaskID, d.SubtaskID, plan.StatusFailed, &plan.StatusUpdate{Error: d.ErrorMessage})
	if err != nil {
		o.logger.Error("failed to record failure",
			"task_id", d.TaskID, "subtask_id", d.SubtaskID, "error", err)
		return nil
	}
	// Dependents of a failed subtask stay blocked; independent branches
	// keep flowing.
	o.logger.Warn("subtask failed",
		"task_id", d.TaskID, "subtask_id", d.SubtaskID, "reason", d.ErrorMessage)
	return nil
}

func (o *Orchestrator) onHumanInputRequired(ctx context.Context, env *event.Envelope, d *event.HumanInputRequired) error {
	// A failed save is retried via redelivery; an interrupt the store
	// never recorded would orphan the eventual answer.
	if err := o.interrupts.Save(&Interrupt{
		EventID:      env.ID,
		TaskID:       d.TaskID,
		SubtaskID:    d.SubtaskID,
		CheckpointID: d.CheckpointID,
		Question:     d.Question,
		Context:      d.Context,
		AskedAt:      env.Timestamp,
	}); err != nil {
		return fmt.Errorf("failed to record interrupt %s: %w", env.ID, err)
	}

	err := o.plans.UpdateStatus(d.TaskID, d.SubtaskID, plan.StatusWaitingHuman, &plan.StatusUpdate{Notes: d.Question})
	if err != nil {
		o.logger.Error("failed to record interrupt",
			"task_id", d.TaskID, "subtask_id", d.SubtaskID, "error", err)
		return nil
	}
	o.logger.Info("human input required",
		"task_id", d.TaskID, "subtask_id", d.SubtaskID,
		"event_id", env.ID, "question", d.Question)
	return nil
}

func (o *Orchestrator) onHumanInputProvided(ctx context.Context, env *event.Envelope, d *event.HumanInputProvided) error {
	it, ok := o.interrupts.Take(d.ResponseToEventID)
	if !ok {
		o.logger.Warn("response to unknown interrupt", "response_to_event_id", d.ResponseToEventID)
		return nil
	}

	sub, err := o.plans.GetSubtask(it.TaskID, it.SubtaskID)
	if err != nil {
		o.logger.Error("interrupted subtask no longer exists",
			"task_id", it.TaskID, "subtask_id", it.SubtaskID, "error", err)
		return nil
	}

	dispatch := event.SubtaskDispatch{
		TaskID:       it.TaskID,
		SubtaskID:    it.SubtaskID,
		Name:         sub.Name,
		Instructions: sub.Instructions,
		AgentName:    sub.AgentName,
		CheckpointID: it.CheckpointID,
		ResumeText:   d.UserResponse,
	}
	if err := o.plans.UpdateStatus(it.TaskID, it.SubtaskID, plan.StatusRunning, nil); err != nil {
		o.logger.Error("failed to resume subtask",
			"task_id", it.TaskID, "subtask_id", it.SubtaskID, "error", err)
		return nil
	}
	o.publishDispatch(ctx, dispatch)
	o.logger.Info("subtask resumed with human input",
		"task_id", it.TaskID, "subtask_id", it.SubtaskID, "checkpoint_id", it.CheckpointID)
	return nil
}

// dispatchReady hands every READY subtask of the plan to the agent
// pool. Dispatch marks the subtask RUNNING first so a redelivered
// trigger does not dispatch it twice.
func (o *Orchestrator) dispatchReady(ctx context.Context, taskID string) {
	ready, err := o.plans.GetReadySubtasks(taskID)
	if err != nil {
		o.logger.Error("failed to list ready subtasks", "task_id", taskID, "error", err)
		return
	}
	for _, sub := range ready {
		if err := o.plans.UpdateStatus(taskID, sub.ID, plan.StatusRunning, nil); err != nil {
			o.logger.Error("failed to mark subtask running",
				"task_id", taskID, "subtask_id", sub.ID, "error", err)
			continue
		}
		o.publishDispatch(ctx, event.SubtaskDispatch{
			TaskID:       taskID,
			SubtaskID:    sub.ID,
			Name:         sub.Name,
			Instructions: sub.Instructions,
			AgentName:    sub.AgentName,
		})
	}
}

func (o *Orchestrator) publishDispatch(ctx context.Context, d event.SubtaskDispatch) {
	var err error
	if d.AgentName != "" {
		_, err = o.bus.PublishOn(ctx, event.DispatchStreamFor(d.AgentName), source, d)
	} else {
		_, err = o.bus.Publish(ctx, source, d)
	}
	if err != nil {
		o.logger.Error("failed to dispatch subtask",
			"task_id", d.TaskID, "subtask_id", d.SubtaskID, "error", err)
		if uerr := o.plans.UpdateStatus(d.TaskID, d.SubtaskID, plan.StatusReady, nil); uerr != nil {
			o.logger.Error("failed to revert subtask to ready",
				"task_id", d.TaskID, "subtask_id", d.SubtaskID, "error", uerr)
		}
		return
	}
	o.logger.Info("subtask dispatched",
		"task_id", d.TaskID, "subtask_id", d.SubtaskID, "agent_name", d.AgentName)
}

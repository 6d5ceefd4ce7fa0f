package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/event"
	"github.com/taskmesh/taskmesh/internal/reason"
	"github.com/taskmesh/taskmesh/internal/tool"
)

// State of an agent instance. Every terminal outcome resets the
// instance to IDLE so it can claim the next subtask.
type State string

const (
	StateIdle                 State = "IDLE"
	StateRunning              State = "RUNNING"
	StateFinished             State = "FINISHED"
	StateError                State = "ERROR"
	StateAwaitingUserFeedback State = "AWAITING_USER_FEEDBACK"
	StateUserPaused           State = "USER_PAUSED"
	StateUserHalted           State = "USER_HALTED"
)

// Publisher is the slice of the bus the engine needs.
type Publisher interface {
	Publish(ctx context.Context, source string, payload event.Payload) (string, error)
}

// Assignment is one claimed subtask.
type Assignment struct {
	TaskID       string
	SubtaskID    string
	Name         string
	Instructions string
	CheckpointID string
	ResumeText   string
}

const stuckLoopInstruction = "You have produced the same response several times in a row. " +
	"Do not repeat it again: take a different approach, or call the finish tool with an honest status."

const noToolCallNudge = "Respond with a tool call. When the subtask is done, " +
	"call the finish tool with status \"success\" or \"failure\"."

// schemaProvider lets a tool describe its argument schema to the
// reasoning backend. Tools without it are advertised name-and-
// description only.
type schemaProvider interface {
	Schema() (properties map[string]any, required []string)
}

// Engine drives one subtask at a time through a think/act loop with
// bounded self-correction, stuck-loop detection, a step budget, and
// human-interrupt handoff. Concurrency across the system comes from
// running multiple engines, not from parallelism inside one.
type Engine struct {
	name        string
	backend     reason.Backend
	registry    *tool.Registry
	publisher   Publisher
	checkpoints CheckpointStore
	cfg         *Config
	logger      *slog.Logger

	sem chan struct{}

	mu          sync.Mutex
	state       State
	cancel      context.CancelFunc
	pauseAsked  bool
	memory      *Memory
	steps       int
	corrections int
}

// NewEngine creates an idle agent instance. All collaborators are
// injected; the engine holds no global state.
func NewEngine(name string, backend reason.Backend, registry *tool.Registry, publisher Publisher, checkpoints CheckpointStore, cfg *Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		name:        name,
		backend:     backend,
		registry:    registry,
		publisher:   publisher,
		checkpoints: checkpoints,
		cfg:         cfg,
		logger:      logger.With("agent", name),
		sem:         make(chan struct{}, 1),
		state:       StateIdle,
	}
}

// Name returns the instance name.
func (e *Engine) Name() string { return e.name }

// State returns the current execution state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Cancel interrupts the in-flight subtask, if any. The subtask fails
// with a cancellation reason; the triggering bus message is still
// acknowledged.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

// Pause asks the engine to suspend the in-flight subtask at the next
// step boundary, checkpointing it for later resumption.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pauseAsked = true
}

// Execute claims a subtask and runs it to a terminal outcome. It blocks
// while a previous subtask is still in flight, returns nil once the
// outcome has been published, and returns an error only when the
// outcome could not be made visible (so the bus redelivers).
func (e *Engine) Execute(ctx context.Context, assign Assignment) error {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.sem }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	e.state = StateRunning
	e.cancel = cancel
	e.pauseAsked = false
	e.steps = 0
	e.corrections = 0
	e.memory = e.seedMemory(assign)
	e.mu.Unlock()

	defer e.reset()

	e.logger.Info("subtask claimed",
		"task_id", assign.TaskID, "subtask_id", assign.SubtaskID, "resuming", assign.CheckpointID != "")
	return e.run(runCtx, assign)
}

// seedMemory builds the starting conversation: the subtask instructions
// for a fresh claim, or the checkpointed memory plus the human's reply
// on resumption. All prior steps are preserved across an interrupt.
func (e *Engine) seedMemory(assign Assignment) *Memory {
	if assign.CheckpointID != "" {
		if cp, ok := e.checkpoints.Take(assign.CheckpointID); ok {
			e.steps = cp.StepsUsed
			m := RestoreMemory(cp.Memory)
			if assign.ResumeText != "" {
				m.AppendUser("The human replied:\n" + assign.ResumeText)
			}
			return m
		}
		e.logger.Warn("checkpoint not found, starting fresh", "checkpoint_id", assign.CheckpointID)
	}

	m := NewMemory()
	seed := fmt.Sprintf("Subtask: %s\n\n%s", assign.Name, assign.Instructions)
	m.AppendUser(seed)
	if assign.ResumeText != "" {
		m.AppendUser("The human replied:\n" + assign.ResumeText)
	}
	return m
}

func (e *Engine) run(ctx context.Context, assign Assignment) error {
	for {
		if ctx.Err() != nil {
			return e.cancelled(ctx, assign)
		}
		if e.paused() {
			return e.suspend(ctx, assign, "Paused by operator. Reply to resume the subtask.", "")
		}
		if e.steps >= e.cfg.MaxStepsPerSubtask {
			return e.fail(ctx, assign, "max steps reached",
				fmt.Sprintf("step budget of %d exhausted", e.cfg.MaxStepsPerSubtask))
		}

		reply, err := e.think(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return e.cancelled(ctx, assign)
			}
			if errors.Is(err, reason.ErrTokenLimitExceeded) {
				return e.fail(ctx, assign, "token limit exceeded", err.Error())
			}
			return e.fail(ctx, assign, "reasoning backend unavailable", err.Error())
		}
		e.steps++
		if reply.Content != "" {
			e.memory.AppendAssistant(reply.Content)
		}
		if len(reply.ToolCalls) == 0 {
			e.memory.AppendSystem(noToolCallNudge)
			continue
		}

		done, err := e.act(ctx, assign, reply.ToolCalls)
		if done || err != nil {
			return err
		}
	}
}

// act executes the planned tool calls strictly one at a time. It
// returns done=true when the subtask reached a terminal outcome or was
// suspended, in which case the engine's turn is over.
func (e *Engine) act(ctx context.Context, assign Assignment, planned []reason.ToolCall) (bool, error) {
	pending := append([]reason.ToolCall(nil), planned...)
	for i := 0; i < len(pending); i++ {
		if ctx.Err() != nil {
			return true, e.cancelled(ctx, assign)
		}
		call := pending[i]
		res, errText := e.executeTool(ctx, call)
		if ctx.Err() != nil {
			return true, e.cancelled(ctx, assign)
		}

		if errText == "" {
			if terminal, status := res.Terminal(); terminal {
				if status == "success" {
					return true, e.complete(ctx, assign, res.Output)
				}
				msg := res.Output
				if msg == "" {
					msg = "subtask declared failure"
				}
				return true, e.fail(ctx, assign, msg, "")
			}
			if asked, question, questionContext := res.HumanInputRequested(); asked {
				return true, e.suspend(ctx, assign, question, questionContext)
			}
			continue
		}

		// Bounded self-correction: ask the backend for a fixed
		// replacement of the failed call.
		if e.corrections >= e.cfg.MaxSelfCorrections {
			return true, e.fail(ctx, assign,
				fmt.Sprintf("tool %s failed after %d self-correction attempts", call.Name, e.corrections),
				errText)
		}
		e.corrections++
		corrected, err := e.reflect(ctx, call, errText)
		if err != nil {
			if errors.Is(err, reason.ErrTokenLimitExceeded) {
				return true, e.fail(ctx, assign, "token limit exceeded", err.Error())
			}
			if ctx.Err() != nil {
				return true, e.cancelled(ctx, assign)
			}
			return true, e.fail(ctx, assign, "self-correction unavailable", err.Error())
		}
		if corrected == nil {
			return true, e.fail(ctx, assign,
				fmt.Sprintf("tool %s failed and the backend proposed no correction", call.Name),
				errText)
		}
		pending[i] = *corrected
		i--
	}
	return false, nil
}

// executeTool runs one tool call and records the observation. A
// non-empty errText means the observation denotes an error.
func (e *Engine) executeTool(ctx context.Context, call reason.ToolCall) (*tool.Result, string) {
	callID := call.ID
	if callID == "" {
		callID = uuid.NewString()
	}
	e.publish(ctx, event.ToolCallInitiated{
		ToolName:   call.Name,
		ToolArgs:   call.Args,
		ToolCallID: callID,
	})

	res, errText := e.invoke(ctx, call)

	e.publish(ctx, event.ToolCallResult{
		ToolCallID: callID,
		Result:     res.Output,
		Error:      errText,
		IsSuccess:  errText == "",
	})

	observation := res.Output
	if errText != "" {
		observation = "tool error: " + errText
	}
	e.memory.AppendToolResult(callID, observation, errText != "")
	return res, errText
}

func (e *Engine) invoke(ctx context.Context, call reason.ToolCall) (*tool.Result, string) {
	t, err := e.registry.Get(call.Name)
	if err != nil {
		return &tool.Result{}, err.Error()
	}
	res, err := t.Execute(ctx, call.Args)
	if err != nil {
		return &tool.Result{}, err.Error()
	}
	if res == nil {
		res = &tool.Result{}
	}
	if res.IsError() {
		return res, res.Err
	}
	return res, ""
}

// think asks the backend for the next move, retrying transient errors
// with exponential backoff. A token-limit error is surfaced untouched.
func (e *Engine) think(ctx context.Context) (*reason.Reply, error) {
	if e.memory.AssistantRepetitions() >= e.cfg.DuplicateThreshold {
		if last, ok := e.memory.LastMessage(); !ok || last.Content != stuckLoopInstruction {
			e.logger.Warn("stuck loop detected, injecting corrective instruction")
			e.memory.AppendSystem(stuckLoopInstruction)
		}
	}

	specs := e.toolSpecs()
	backoff := e.cfg.BackendRetryBase
	var lastErr error
	for attempt := 0; attempt <= e.cfg.BackendMaxRetries; attempt++ {
		reply, err := e.backend.Ask(ctx, e.memory.Messages(), e.systemPrompt(), specs)
		if err == nil {
			return reply, nil
		}
		if errors.Is(err, reason.ErrTokenLimitExceeded) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		e.logger.Warn("backend error, retrying", "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("backend failed after %d retries: %w", e.cfg.BackendMaxRetries, lastErr)
}

// reflect asks the backend to propose a corrected replacement for a
// failed tool call. A nil call means no correction was offered.
func (e *Engine) reflect(ctx context.Context, failed reason.ToolCall, errText string) (*reason.ToolCall, error) {
	e.memory.AppendUser(fmt.Sprintf(
		"The %s tool call failed: %s\nPropose a single corrected tool call that fixes the problem.",
		failed.Name, errText))

	reply, err := e.think(ctx)
	if err != nil {
		return nil, err
	}
	e.steps++
	if reply.Content != "" {
		e.memory.AppendAssistant(reply.Content)
	}
	if len(reply.ToolCalls) == 0 {
		return nil, nil
	}
	return &reply.ToolCalls[0], nil
}

func (e *Engine) complete(ctx context.Context, assign Assignment, result string) error {
	e.publish(ctx, event.SubtaskCompleted{
		TaskID:    assign.TaskID,
		SubtaskID: assign.SubtaskID,
		Result:    result,
	})
	e.setState(StateFinished)
	e.logger.Info("subtask completed", "task_id", assign.TaskID, "subtask_id", assign.SubtaskID, "steps", e.steps)
	return nil
}

func (e *Engine) fail(ctx context.Context, assign Assignment, message, details string) error {
	e.publish(ctx, event.SubtaskFailed{
		TaskID:       assign.TaskID,
		SubtaskID:    assign.SubtaskID,
		ErrorMessage: message,
		Details:      details,
	})
	e.setState(StateError)
	e.logger.Warn("subtask failed",
		"task_id", assign.TaskID, "subtask_id", assign.SubtaskID, "reason", message)
	return nil
}

func (e *Engine) cancelled(ctx context.Context, assign Assignment) error {
	e.publish(ctx, event.SubtaskFailed{
		TaskID:       assign.TaskID,
		SubtaskID:    assign.SubtaskID,
		ErrorMessage: "subtask cancelled",
	})
	e.setState(StateUserHalted)
	e.logger.Info("subtask cancelled", "task_id", assign.TaskID, "subtask_id", assign.SubtaskID)
	return nil
}

// suspend checkpoints the subtask and hands it to a human. The engine
// frees itself immediately; other ready subtasks keep flowing.
func (e *Engine) suspend(ctx context.Context, assign Assignment, question, questionContext string) error {
	cp := &Checkpoint{
		ID:        uuid.NewString(),
		TaskID:    assign.TaskID,
		SubtaskID: assign.SubtaskID,
		Memory:    e.memory.Messages(),
		StepsUsed: e.steps,
		CreatedAt: time.Now(),
	}
	if err := e.checkpoints.Save(cp); err != nil {
		return e.fail(ctx, assign, "failed to checkpoint subtask", err.Error())
	}
	e.publish(ctx, event.HumanInputRequired{
		TaskID:       assign.TaskID,
		SubtaskID:    assign.SubtaskID,
		Question:     question,
		Context:      questionContext,
		CheckpointID: cp.ID,
	})
	if e.paused() {
		e.setState(StateUserPaused)
	} else {
		e.setState(StateAwaitingUserFeedback)
	}
	e.logger.Info("subtask suspended for human input",
		"task_id", assign.TaskID, "subtask_id", assign.SubtaskID, "checkpoint_id", cp.ID)
	return nil
}

// publish emits an event, surviving cancellation of the subtask context
// so terminal outcomes are never swallowed.
func (e *Engine) publish(ctx context.Context, payload event.Payload) {
	if _, err := e.publisher.Publish(context.WithoutCancel(ctx), e.name, payload); err != nil {
		e.logger.Error("failed to publish event", "kind", payload.EventKind(), "error", err)
	}
}

func (e *Engine) toolSpecs() []reason.ToolSpec {
	var specs []reason.ToolSpec
	for _, t := range e.registry.All() {
		spec := reason.ToolSpec{Name: t.Name(), Description: t.Description()}
		if sp, ok := t.(schemaProvider); ok {
			spec.Parameters, spec.Required = sp.Schema()
		}
		specs = append(specs, spec)
	}
	return specs
}

func (e *Engine) systemPrompt() string {
	return fmt.Sprintf("You are %s, an autonomous agent executing one subtask of a larger plan. "+
		"Work strictly through the available tools, one call at a time, and call the finish tool "+
		"when the subtask is done.", e.name)
}

func (e *Engine) paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pauseAsked
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}

// reset returns the instance to IDLE so it can claim the next subtask.
func (e *Engine) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateIdle
	e.cancel = nil
	e.pauseAsked = false
}

package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/taskmesh/taskmesh/internal/plan"
)

// Version is the schema version stamped on every envelope.
const Version = "1"

// Kind identifies the payload type carried by an envelope.
type Kind string

const (
	KindTaskCreated        Kind = "task_created"
	KindSubtaskCompleted   Kind = "subtask_completed"
	KindSubtaskFailed      Kind = "subtask_failed"
	KindHumanInputRequired Kind = "human_input_required"
	KindHumanInputProvided Kind = "human_input_provided"
	KindToolCallInitiated  Kind = "tool_call_initiated"
	KindToolCallResult     Kind = "tool_call_result"
	KindSubtaskDispatch    Kind = "subtask_dispatch"
)

// Stream names partition event kinds on the bus.
const (
	StreamTaskCreation      = "task_creation_events"
	StreamSubtaskCompletion = "subtask_completion_events"
	StreamSubtaskFailure    = "subtask_failure_events"
	StreamHumanInteraction  = "human_interaction_events"
	StreamHumanResponses    = "human_responses_events"
	StreamToolCalls         = "tool_call_events"
	StreamSubtaskDispatch   = "subtask_dispatch"
)

// streamByKind maps each kind to its stream. The table is fixed at
// compile time so routing is resolved at registration, not per publish.
var streamByKind = map[Kind]string{
	KindTaskCreated:        StreamTaskCreation,
	KindSubtaskCompleted:   StreamSubtaskCompletion,
	KindSubtaskFailed:      StreamSubtaskFailure,
	KindHumanInputRequired: StreamHumanInteraction,
	KindHumanInputProvided: StreamHumanResponses,
	KindToolCallInitiated:  StreamToolCalls,
	KindToolCallResult:     StreamToolCalls,
	KindSubtaskDispatch:    StreamSubtaskDispatch,
}

// DispatchStreamFor returns the dedicated dispatch stream of a named
// agent. Subtasks pinned to an agent are published here instead of the
// shared dispatch stream, so only that agent competes for them.
func DispatchStreamFor(agentName string) string {
	return StreamSubtaskDispatch + "." + agentName
}

// StreamFor returns the stream name a kind is published on.
func StreamFor(kind Kind) (string, error) {
	stream, ok := streamByKind[kind]
	if !ok {
		return "", fmt.Errorf("no stream registered for event kind %q", kind)
	}
	return stream, nil
}

// Payload is implemented by every event payload struct.
type Payload interface {
	EventKind() Kind
}

// Envelope is the wire representation of a single event. Events are
// immutable once published.
type Envelope struct {
	ID        string          `json:"event_id"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Version   string          `json:"version"`
	Kind      Kind            `json:"kind"`
	Data      json.RawMessage `json:"data"`
}

// NewEnvelope wraps a payload into an envelope with a fresh ULID.
func NewEnvelope(source string, payload Payload) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return &Envelope{
		ID:        ulid.Make().String(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Version:   Version,
		Kind:      payload.EventKind(),
		Data:      data,
	}, nil
}

// Decode unmarshals an envelope's payload into T.
func Decode[T any](env *Envelope) (*T, error) {
	var data T
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", env.Kind, err)
	}
	return &data, nil
}

// TaskCreated announces a new task with its initial dependency graph.
type TaskCreated struct {
	TaskID      string          `json:"task_id"`
	UserPrompt  string          `json:"user_prompt"`
	InitialPlan plan.Definition `json:"initial_plan"`
}

func (TaskCreated) EventKind() Kind { return KindTaskCreated }

// SubtaskCompleted reports a successfully finished subtask.
type SubtaskCompleted struct {
	TaskID    string `json:"task_id"`
	SubtaskID string `json:"subtask_id"`
	Result    string `json:"result"`
}

func (SubtaskCompleted) EventKind() Kind { return KindSubtaskCompleted }

// SubtaskFailed reports an unrecoverable subtask failure.
type SubtaskFailed struct {
	TaskID       string `json:"task_id"`
	SubtaskID    string `json:"subtask_id"`
	ErrorMessage string `json:"error_message"`
	Details      string `json:"details,omitempty"`
}

func (SubtaskFailed) EventKind() Kind { return KindSubtaskFailed }

// HumanInputRequired asks a human to intervene on a suspended subtask.
// CheckpointID lets the engine resume exactly where it paused.
type HumanInputRequired struct {
	TaskID       string `json:"task_id"`
	SubtaskID    string `json:"subtask_id"`
	Question     string `json:"question"`
	Context      string `json:"context,omitempty"`
	CheckpointID string `json:"checkpoint_id"`
}

func (HumanInputRequired) EventKind() Kind { return KindHumanInputRequired }

// HumanInputProvided carries the human's answer back to the engine.
type HumanInputProvided struct {
	TaskID            string `json:"task_id"`
	SubtaskID         string `json:"subtask_id"`
	ResponseToEventID string `json:"response_to_event_id"`
	UserResponse      string `json:"user_response"`
}

func (HumanInputProvided) EventKind() Kind { return KindHumanInputProvided }

// ToolCallInitiated records that an agent is about to execute a tool.
type ToolCallInitiated struct {
	ToolName   string         `json:"tool_name"`
	ToolArgs   map[string]any `json:"tool_args"`
	ToolCallID string         `json:"tool_call_id"`
}

func (ToolCallInitiated) EventKind() Kind { return KindToolCallInitiated }

// ToolCallResult records the outcome of a tool execution.
type ToolCallResult struct {
	ToolCallID string `json:"tool_call_id"`
	Result     string `json:"result"`
	Error      string `json:"error,omitempty"`
	IsSuccess  bool   `json:"is_success"`
}

func (ToolCallResult) EventKind() Kind { return KindToolCallResult }

// SubtaskDispatch hands a ready subtask to the agent pool. It carries
// everything an agent needs to claim the work, including resumption
// state when the subtask continues after a human reply.
type SubtaskDispatch struct {
	TaskID       string `json:"task_id"`
	SubtaskID    string `json:"subtask_id"`
	Name         string `json:"name"`
	Instructions string `json:"instructions"`
	AgentName    string `json:"agent_name,omitempty"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
	ResumeText   string `json:"resume_text,omitempty"`
}

func (SubtaskDispatch) EventKind() Kind { return KindSubtaskDispatch }

// Package reason defines the contract to the reasoning backend that
// plans tool calls for the execution engine. The backend is an external
// collaborator; the engine only depends on this interface.
package reason

import "context"

// Role of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of an agent's conversation memory.
type Message struct {
	Role       Role   `json:"role" yaml:"role"`
	Content    string `json:"content" yaml:"content"`
	ToolCallID string `json:"tool_call_id,omitempty" yaml:"tool_call_id,omitempty"`
	IsError    bool   `json:"is_error,omitempty" yaml:"is_error,omitempty"`
}

// ToolCall is a tool invocation planned by the backend.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolSpec describes one available tool to the backend.
type ToolSpec struct {
	Name        string
	Description string
	// Parameters is a JSON-schema properties map; nil means the tool
	// takes free-form arguments.
	Parameters map[string]any
	Required   []string
}

// Reply is the backend's answer to one think cycle: free-form content
// plus zero or more planned tool calls.
type Reply struct {
	Content   string
	ToolCalls []ToolCall
}

// Backend asks a reasoning model what to do next given the conversation
// memory. Implementations must return ErrTokenLimitExceeded (wrapped is
// fine) when the context window is exhausted; the engine treats that as
// an unrecoverable subtask failure while other errors are retried.
type Backend interface {
	Ask(ctx context.Context, memory []Message, systemPrompt string, tools []ToolSpec) (*Reply, error)
}

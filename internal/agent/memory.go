package agent

import (
	"sync"

	"github.com/taskmesh/taskmesh/internal/reason"
)

// Memory is an agent's append-only conversation log for one subtask.
// It is mutated only by the owning engine's loop; the mutex covers
// snapshot reads from outside (state inspection, checkpointing).
type Memory struct {
	mu   sync.Mutex
	msgs []reason.Message
}

func NewMemory() *Memory {
	return &Memory{}
}

// RestoreMemory rebuilds a memory from a checkpoint snapshot.
func RestoreMemory(msgs []reason.Message) *Memory {
	m := &Memory{}
	m.msgs = append(m.msgs, msgs...)
	return m
}

func (m *Memory) AppendSystem(content string) {
	m.append(reason.Message{Role: reason.RoleSystem, Content: content})
}

func (m *Memory) AppendUser(content string) {
	m.append(reason.Message{Role: reason.RoleUser, Content: content})
}

func (m *Memory) AppendAssistant(content string) {
	m.append(reason.Message{Role: reason.RoleAssistant, Content: content})
}

func (m *Memory) AppendToolResult(toolCallID, content string, isError bool) {
	m.append(reason.Message{
		Role:       reason.RoleTool,
		Content:    content,
		ToolCallID: toolCallID,
		IsError:    isError,
	})
}

func (m *Memory) append(msg reason.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
}

// Messages returns a copy of the conversation.
func (m *Memory) Messages() []reason.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]reason.Message(nil), m.msgs...)
}

// Len returns the number of messages.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}

// LastMessage returns the most recent message, if any.
func (m *Memory) LastMessage() (reason.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.msgs) == 0 {
		return reason.Message{}, false
	}
	return m.msgs[len(m.msgs)-1], true
}

// AssistantRepetitions counts how many assistant messages share the
// content of the most recent assistant message. A count at or above the
// engine's duplicate threshold indicates a stuck loop.
func (m *Memory) AssistantRepetitions() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var last string
	found := false
	for i := len(m.msgs) - 1; i >= 0; i-- {
		if m.msgs[i].Role == reason.RoleAssistant {
			last = m.msgs[i].Content
			found = true
			break
		}
	}
	if !found || last == "" {
		return 0
	}

	count := 0
	for _, msg := range m.msgs {
		if msg.Role == reason.RoleAssistant && msg.Content == last {
			count++
		}
	}
	return count
}

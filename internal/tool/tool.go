// Package tool defines the capability contract between the execution
// engine and concrete tool implementations. Tool names and argument
// schemas are opaque to the engine; it only inspects whether a result
// denotes an error and the reserved side-channel keys.
package tool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrNotFound      = errors.New("tool not found")
	ErrAlreadyExists = errors.New("tool already registered")
)

// Reserved side-channel keys the engine understands.
const (
	SideChannelTerminal = "terminal"
	SideChannelStatus   = "status"
	SideChannelAskHuman = "human_input_required"
	SideChannelQuestion = "question"
	SideChannelContext  = "context"
)

// Result is what a tool execution produces. Err carries a tool-level
// failure the reasoning backend may be able to correct; an error
// returned from Execute itself means the tool could not run at all.
type Result struct {
	Output      string
	Err         string
	SideChannel map[string]any
}

// IsError reports whether the result content denotes a failure.
func (r *Result) IsError() bool {
	return r != nil && r.Err != ""
}

// Terminal reports whether the result ends the subtask, and with what
// declared status.
func (r *Result) Terminal() (bool, string) {
	if r == nil || r.SideChannel == nil {
		return false, ""
	}
	if t, ok := r.SideChannel[SideChannelTerminal].(bool); !ok || !t {
		return false, ""
	}
	status, _ := r.SideChannel[SideChannelStatus].(string)
	return true, status
}

// HumanInputRequested reports whether the result asks for a human and
// returns the question and its context.
func (r *Result) HumanInputRequested() (bool, string, string) {
	if r == nil || r.SideChannel == nil {
		return false, "", ""
	}
	if t, ok := r.SideChannel[SideChannelAskHuman].(bool); !ok || !t {
		return false, "", ""
	}
	question, _ := r.SideChannel[SideChannelQuestion].(string)
	contextText, _ := r.SideChannel[SideChannelContext].(string)
	return true, question, contextText
}

// Tool is the capability interface every tool implements.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, args map[string]any) (*Result, error)
}

// Registry holds tools keyed by name. It is validated at startup so a
// misconfigured tool set fails fast instead of at first call.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry preloaded with the built-in finish and
// ask_human tools plus any supplied tools.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool)}
	builtins := []Tool{&FinishTool{}, &AskHumanTool{}}
	for _, t := range append(builtins, tools...) {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool, rejecting empty or duplicate names.
func (r *Registry) Register(t Tool) error {
	if t.Name() == "" {
		return fmt.Errorf("tool has empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %q: %w", t.Name(), ErrAlreadyExists)
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool %q: %w", name, ErrNotFound)
	}
	return t, nil
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns all registered tools in name order.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/taskmesh/taskmesh/internal/event"
	"github.com/taskmesh/taskmesh/internal/reason"
	"github.com/taskmesh/taskmesh/internal/tool"
)

// DispatchGroup is the consumer group the pool competes in. One group
// means each dispatched subtask is claimed by exactly one agent.
const DispatchGroup = "agents"

// Deps are the collaborators shared by every engine in a pool.
type Deps struct {
	Backend     reason.Backend
	Registry    *tool.Registry
	Publisher   Publisher
	Checkpoints CheckpointStore
	Config      *Config
	Logger      *slog.Logger
}

// Pool is a fixed set of agent engines competing for dispatched
// subtasks. Pool size bounds system concurrency.
type Pool struct {
	engines []*Engine
	logger  *slog.Logger
}

// NewPool builds Config.PoolSize engines named agent-1..agent-N.
func NewPool(deps Deps) *Pool {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{logger: logger}
	for i := 1; i <= deps.Config.PoolSize; i++ {
		name := fmt.Sprintf("agent-%d", i)
		p.engines = append(p.engines, NewEngine(
			name, deps.Backend, deps.Registry, deps.Publisher, deps.Checkpoints, deps.Config, logger,
		))
	}
	return p
}

// Engines returns the pool members.
func (p *Pool) Engines() []*Engine { return p.engines }

// Engine returns the named member, if present.
func (p *Pool) Engine(name string) (*Engine, bool) {
	for _, e := range p.engines {
		if e.name == name {
			return e, true
		}
	}
	return nil, false
}

// CancelAll interrupts every in-flight subtask in the pool.
func (p *Pool) CancelAll() {
	for _, e := range p.engines {
		e.Cancel()
	}
}

// Register subscribes every engine to the shared dispatch stream, where
// pool members compete for unpinned subtasks, and to its own affinity
// stream for subtasks pinned to it by name.
func (p *Pool) Register(bus *event.Bus) error {
	for _, e := range p.engines {
		e := e
		handler := event.Typed[event.SubtaskDispatch](func(ctx context.Context, env *event.Envelope, d *event.SubtaskDispatch) error {
			if d.AgentName != "" && d.AgentName != e.name {
				// Pinned dispatch on the shared stream; hand it to
				// the right agent's affinity stream.
				p.logger.Warn("re-routing pinned dispatch",
					"subtask_id", d.SubtaskID, "agent_name", d.AgentName)
				_, err := bus.PublishOn(ctx, event.DispatchStreamFor(d.AgentName), e.name, *d)
				return err
			}
			return e.Execute(ctx, Assignment{
				TaskID:       d.TaskID,
				SubtaskID:    d.SubtaskID,
				Name:         d.Name,
				Instructions: d.Instructions,
				CheckpointID: d.CheckpointID,
				ResumeText:   d.ResumeText,
			})
		})
		if err := bus.Subscribe(event.StreamSubtaskDispatch, DispatchGroup, e.name, handler); err != nil {
			return fmt.Errorf("failed to register %s: %w", e.name, err)
		}
		if err := bus.Subscribe(event.DispatchStreamFor(e.name), DispatchGroup, e.name, handler); err != nil {
			return fmt.Errorf("failed to register %s affinity stream: %w", e.name, err)
		}
	}
	return nil
}

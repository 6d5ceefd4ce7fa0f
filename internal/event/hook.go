package event

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"mvdan.cc/sh/v3/syntax"
)

// Hook runs a shell command when an event of the given kind is
// published. The envelope is exported through environment variables.
type Hook struct {
	Name    string `yaml:"name"`
	Kind    Kind   `yaml:"kind"`
	Command string `yaml:"command"`
	Timeout int    `yaml:"timeout,omitempty"` // seconds, default 30
}

// HookExecutor fires configured hooks in response to events.
type HookExecutor struct {
	hooks  []Hook
	logger *slog.Logger
}

// NewHookExecutor validates hook commands and returns an executor.
// Commands that do not parse as shell are rejected up front rather than
// failing on first delivery.
func NewHookExecutor(hooks []Hook, logger *slog.Logger) (*HookExecutor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	parser := syntax.NewParser()
	for _, h := range hooks {
		if h.Name == "" {
			return nil, fmt.Errorf("hook with command %q has no name", h.Command)
		}
		if _, err := StreamFor(h.Kind); err != nil {
			return nil, fmt.Errorf("hook %s: %w", h.Name, err)
		}
		if _, err := parser.Parse(strings.NewReader(h.Command), h.Name); err != nil {
			return nil, fmt.Errorf("hook %s has invalid command: %w", h.Name, err)
		}
	}
	return &HookExecutor{hooks: hooks, logger: logger}, nil
}

// Register subscribes the executor on every stream its hooks reference,
// as its own consumer group so hook failures never hold back engine
// consumers.
func (he *HookExecutor) Register(bus *Bus) error {
	streams := make(map[string]struct{})
	for _, h := range he.hooks {
		stream, err := StreamFor(h.Kind)
		if err != nil {
			return err
		}
		streams[stream] = struct{}{}
	}
	for stream := range streams {
		if err := bus.Subscribe(stream, "hooks", "hook-executor", he.handle); err != nil {
			return err
		}
	}
	return nil
}

func (he *HookExecutor) handle(ctx context.Context, env *Envelope) error {
	for _, h := range he.hooks {
		if h.Kind != env.Kind {
			continue
		}
		if err := he.executeHook(ctx, h, env); err != nil {
			// A broken hook must not force event redelivery.
			he.logger.Error("hook failed", "hook", h.Name, "event_id", env.ID, "error", err)
		}
	}
	return nil
}

func (he *HookExecutor) executeHook(ctx context.Context, h Hook, env *Envelope) error {
	timeout := 30 * time.Second
	if h.Timeout > 0 {
		timeout = time.Duration(h.Timeout) * time.Second
	}
	hookCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(hookCtx, "sh", "-c", h.Command)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("TASKMESH_EVENT_KIND=%s", env.Kind),
		fmt.Sprintf("TASKMESH_EVENT_ID=%s", env.ID),
		fmt.Sprintf("TASKMESH_EVENT_SOURCE=%s", env.Source),
		fmt.Sprintf("TASKMESH_EVENT_TIMESTAMP=%s", env.Timestamp.Format(time.RFC3339)),
		fmt.Sprintf("TASKMESH_EVENT_DATA=%s", string(env.Data)),
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("hook command failed: %w, output: %s", err, string(output))
	}
	return nil
}

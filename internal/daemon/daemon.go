// Package daemon assembles the full system: event bus, plan store,
// agent pool, orchestrator, filesystem watcher and event hooks.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/kelseyhightower/envconfig"
	"github.com/sourcegraph/conc"
	"gopkg.in/yaml.v3"

	"github.com/taskmesh/taskmesh/internal/agent"
	"github.com/taskmesh/taskmesh/internal/event"
	"github.com/taskmesh/taskmesh/internal/orchestrator"
	"github.com/taskmesh/taskmesh/internal/plan"
	"github.com/taskmesh/taskmesh/internal/reason"
	"github.com/taskmesh/taskmesh/internal/tool"
	"github.com/taskmesh/taskmesh/internal/watcher"
)

// Config holds daemon-level settings. Engine settings live in
// agent.Config and are loaded from the same file.
type Config struct {
	// DataDir is the root of all runtime state: plans, checkpoints,
	// drop directories and the audit log.
	DataDir string `envconfig:"DATA_DIR" default:"./taskmesh-data" yaml:"data_dir"`
	// HooksFile optionally points at a YAML file of event hooks.
	HooksFile string `envconfig:"HOOKS_FILE" yaml:"hooks_file"`

	AnthropicAPIKey    string `envconfig:"ANTHROPIC_API_KEY" yaml:"anthropic_api_key"`
	AnthropicModel     string `envconfig:"ANTHROPIC_MODEL" yaml:"anthropic_model"`
	AnthropicMaxTokens int    `envconfig:"ANTHROPIC_MAX_TOKENS" yaml:"anthropic_max_tokens"`
}

// LoadConfig reads daemon settings from the environment with an
// optional YAML file layered on top.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process("taskmesh", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(content, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}
	return &cfg, nil
}

func (c *Config) PlansDir() string       { return filepath.Join(c.DataDir, "plans") }
func (c *Config) TasksDir() string       { return filepath.Join(c.DataDir, "tasks") }
func (c *Config) ResponsesDir() string   { return filepath.Join(c.DataDir, "responses") }
func (c *Config) CheckpointsDir() string { return filepath.Join(c.DataDir, "checkpoints") }
func (c *Config) InterruptsDir() string  { return filepath.Join(c.DataDir, "interrupts") }
func (c *Config) AuditDir() string       { return filepath.Join(c.DataDir, "audit") }

// Daemon is the assembled system.
type Daemon struct {
	cfg     *Config
	bus     *event.Bus
	plans   *plan.Store
	pool    *agent.Pool
	orch    *orchestrator.Orchestrator
	watcher *watcher.Watcher
	logger  *slog.Logger
}

// New builds a daemon. backend may be nil, in which case the Anthropic
// backend is constructed from the configuration.
func New(cfg *Config, engineCfg *agent.Config, backend reason.Backend, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	audit, err := event.NewAuditLogger(cfg.AuditDir())
	if err != nil {
		return nil, err
	}
	bus := event.NewBus(
		event.WithAuditLogger(audit),
		event.WithLogger(logger),
	)

	plans, err := plan.NewStore(plan.NewYAMLRepository(cfg.PlansDir()))
	if err != nil {
		return nil, err
	}

	checkpoints, err := agent.NewYAMLCheckpointStore(cfg.CheckpointsDir())
	if err != nil {
		return nil, err
	}

	if backend == nil {
		backend, err = reason.NewAnthropicBackend(reason.AnthropicConfig{
			APIKey:    cfg.AnthropicAPIKey,
			Model:     anthropic.Model(cfg.AnthropicModel),
			MaxTokens: int64(cfg.AnthropicMaxTokens),
		})
		if err != nil {
			return nil, err
		}
	}

	registry, err := tool.NewRegistry()
	if err != nil {
		return nil, err
	}

	pool := agent.NewPool(agent.Deps{
		Backend:     backend,
		Registry:    registry,
		Publisher:   bus,
		Checkpoints: checkpoints,
		Config:      engineCfg,
		Logger:      logger,
	})
	if err := pool.Register(bus); err != nil {
		return nil, err
	}

	interrupts, err := orchestrator.NewYAMLInterruptStore(cfg.InterruptsDir())
	if err != nil {
		return nil, err
	}

	orch := orchestrator.New(plans, bus, interrupts, logger)
	if err := orch.Register(); err != nil {
		return nil, err
	}

	if cfg.HooksFile != "" {
		hooks, err := LoadHooks(cfg.HooksFile)
		if err != nil {
			return nil, err
		}
		executor, err := event.NewHookExecutor(hooks, logger)
		if err != nil {
			return nil, err
		}
		if err := executor.Register(bus); err != nil {
			return nil, err
		}
		logger.Info("event hooks registered", "count", len(hooks))
	}

	w := watcher.New(cfg.TasksDir(), cfg.ResponsesDir(), bus, logger)

	return &Daemon{
		cfg:     cfg,
		bus:     bus,
		plans:   plans,
		pool:    pool,
		orch:    orch,
		watcher: w,
		logger:  logger.With("component", "daemon"),
	}, nil
}

// Plans exposes the plan store, e.g. for status inspection.
func (d *Daemon) Plans() *plan.Store { return d.plans }

// Orchestrator exposes the orchestrator, e.g. for pending interrupts.
func (d *Daemon) Orchestrator() *orchestrator.Orchestrator { return d.orch }

// Run starts the bus and the watcher and blocks until ctx is cancelled,
// then drains and stops.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.bus.Run(ctx); err != nil {
		return err
	}
	d.logger.Info("daemon started", "data_dir", d.cfg.DataDir, "agents", len(d.pool.Engines()))

	var wg conc.WaitGroup
	wg.Go(func() {
		if err := d.watcher.Run(ctx); err != nil {
			d.logger.Error("watcher stopped", "error", err)
		}
	})

	<-ctx.Done()
	d.logger.Info("shutting down")
	d.pool.CancelAll()
	err := d.bus.Shutdown()
	wg.Wait()
	return err
}

// LoadHooks reads event hooks from a YAML file.
func LoadHooks(path string) ([]event.Hook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read hooks file: %w", err)
	}
	var doc struct {
		Hooks []event.Hook `yaml:"hooks"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse hooks file: %w", err)
	}
	return doc.Hooks, nil
}

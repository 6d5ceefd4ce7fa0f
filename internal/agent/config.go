package agent

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds the execution engine settings. Values come from the
// environment (TASKMESH_* variables) with an optional YAML file layered
// on top.
type Config struct {
	// PoolSize is the number of agent instances claiming subtasks.
	PoolSize int `envconfig:"POOL_SIZE" default:"2" yaml:"pool_size"`
	// MaxStepsPerSubtask bounds think cycles before a subtask is
	// force-failed.
	MaxStepsPerSubtask int `envconfig:"MAX_STEPS_PER_SUBTASK" default:"25" yaml:"max_steps_per_subtask"`
	// MaxSelfCorrections bounds reflection attempts after a failed
	// tool call.
	MaxSelfCorrections int `envconfig:"MAX_SELF_CORRECTIONS" default:"1" yaml:"max_self_corrections"`
	// DuplicateThreshold is how many identical assistant messages
	// trigger the stuck-loop corrective instruction.
	DuplicateThreshold int `envconfig:"DUPLICATE_THRESHOLD" default:"2" yaml:"duplicate_threshold"`
	// BackendMaxRetries bounds retries of transient backend errors.
	BackendMaxRetries int `envconfig:"BACKEND_MAX_RETRIES" default:"3" yaml:"backend_max_retries"`
	// BackendRetryBase is the initial backoff between backend retries.
	BackendRetryBase time.Duration `envconfig:"BACKEND_RETRY_BASE" default:"500ms" yaml:"backend_retry_base"`
}

// LoadConfig reads the engine configuration. path may be empty.
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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects nonsensical settings up front.
func (c *Config) Validate() error {
	if c.PoolSize < 1 {
		return fmt.Errorf("pool_size must be at least 1, got %d", c.PoolSize)
	}
	if c.MaxStepsPerSubtask < 1 {
		return fmt.Errorf("max_steps_per_subtask must be at least 1, got %d", c.MaxStepsPerSubtask)
	}
	if c.MaxSelfCorrections < 0 {
		return fmt.Errorf("max_self_corrections cannot be negative, got %d", c.MaxSelfCorrections)
	}
	if c.DuplicateThreshold < 1 {
		return fmt.Errorf("duplicate_threshold must be at least 1, got %d", c.DuplicateThreshold)
	}
	return nil
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		PoolSize:           2,
		MaxStepsPerSubtask: 25,
		MaxSelfCorrections: 1,
		DuplicateThreshold: 2,
		BackendMaxRetries:  3,
		BackendRetryBase:   500 * time.Millisecond,
	}
}

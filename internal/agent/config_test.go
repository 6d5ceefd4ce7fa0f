package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"pool_size: 4\nmax_self_corrections: 3\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, 3, cfg.MaxSelfCorrections)
	assert.Equal(t, 25, cfg.MaxStepsPerSubtask, "unset keys keep defaults")
}

func TestLoadConfigMissingFileIsFine(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PoolSize = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxStepsPerSubtask = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxSelfCorrections = -1
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.DuplicateThreshold = 0
	assert.Error(t, cfg.Validate())

	// Zero corrections is a valid, stricter setting.
	cfg = DefaultConfig()
	cfg.MaxSelfCorrections = 0
	assert.NoError(t, cfg.Validate())
}

func TestYAMLCheckpointStoreSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := NewYAMLCheckpointStore(dir)
	require.NoError(t, err)

	m := NewMemory()
	m.AppendUser("instructions")
	m.AppendAssistant("progress so far")
	require.NoError(t, store.Save(&Checkpoint{
		ID:        "cp1",
		TaskID:    "t1",
		SubtaskID: "s1",
		Memory:    m.Messages(),
		StepsUsed: 7,
	}))

	// A new store over the same directory still finds it.
	reopened, err := NewYAMLCheckpointStore(dir)
	require.NoError(t, err)
	cp, ok := reopened.Take("cp1")
	require.True(t, ok)
	assert.Equal(t, 7, cp.StepsUsed)
	assert.Equal(t, m.Messages(), cp.Memory)

	_, ok = reopened.Take("cp1")
	assert.False(t, ok, "taking a checkpoint consumes it")
}

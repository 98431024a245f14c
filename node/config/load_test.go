package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/require"
)

func TestDecodeNothing(t *testing.T) {
	req := require.New(t)

	cfg, err := FromFile(filepath.Join(t.TempDir(), "missing.toml"), DefaultSupervisor())
	req.NoError(err)
	req.Equal(DefaultSupervisor(), cfg)

	cfg, err = FromReader(bytes.NewReader(nil), DefaultSupervisor())
	req.NoError(err)
	req.Equal(DefaultSupervisor(), cfg)
}

func TestParitalConfig(t *testing.T) {
	req := require.New(t)
	cfgString := `
		[Monitor]
		LocalPollInterval = "500ms"

		[Pipeline]
		HaltStep = "SUBMITTING"
		AllowPartialTasks = false

		[Pipeline.RuntimeEnvironment]
		OMP_NUM_THREADS = "4"
	`
	expected := DefaultSupervisor()
	expected.Monitor.LocalPollInterval = Duration(500 * time.Millisecond)
	expected.Pipeline.HaltStep = "SUBMITTING"
	expected.Pipeline.AllowPartialTasks = false
	expected.Pipeline.RuntimeEnvironment = map[string]string{"OMP_NUM_THREADS": "4"}

	cfg, err := FromReader(strings.NewReader(cfgString), DefaultSupervisor())
	req.NoError(err)
	req.Equal(expected, cfg)

	path := filepath.Join(t.TempDir(), "config.toml")
	req.NoError(os.WriteFile(path, []byte(cfgString), 0644))
	cfg, err = FromFile(path, DefaultSupervisor())
	req.NoError(err)
	req.Equal(expected, cfg)
}

func TestUnknownKeysRejected(t *testing.T) {
	_, err := FromReader(strings.NewReader("[Monitor]\nPollFaster = true\n"), DefaultSupervisor())
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	req := require.New(t)
	t.Setenv("ZIGGY_PIPELINE_EXECUTOR", "remote")
	t.Setenv("ZIGGY_SUBTASKS_TRYAGAININTERVAL", "250ms")
	t.Setenv("ZIGGY_WORKER_WORKERMEMORY", "16GiB")

	cfg, err := FromFile(filepath.Join(t.TempDir(), "none.toml"), DefaultSupervisor())
	req.NoError(err)
	req.Equal("remote", cfg.Pipeline.Executor)
	req.Equal(250*time.Millisecond, cfg.Subtasks.TryAgainInterval.D())

	mem, err := cfg.Worker.MemoryBytes()
	req.NoError(err)
	req.Equal(int64(16<<30), mem)
}

func TestValidate(t *testing.T) {
	cfg := DefaultSupervisor()
	require.NoError(t, cfg.Validate())

	cfg.Pipeline.Executor = "cloud"
	require.Error(t, cfg.Validate())

	cfg = DefaultSupervisor()
	cfg.Worker.WorkerMemory = "lots"
	require.Error(t, cfg.Validate())

	mem, err := DefaultSupervisor().Worker.MemoryBytes()
	require.NoError(t, err)
	require.Zero(t, mem)

	size, err := DefaultSupervisor().Journal.MaxSizeBytes()
	require.NoError(t, err)
	require.Equal(t, int64(256<<20), size)
}

func TestExpandPaths(t *testing.T) {
	homedir.DisableCache = true
	t.Setenv("HOME", "/home/ziggy")
	cfg := DefaultSupervisor()
	cfg.Paths.BinPath = "/opt/ziggy/bin"
	require.NoError(t, cfg.ExpandPaths())
	require.Equal(t, "/home/ziggy/.ziggy/state-files", cfg.Paths.StateFileDir)
	require.Equal(t, "/home/ziggy/.ziggy/task-data", cfg.Paths.TaskDataDir)
	require.Equal(t, "/opt/ziggy/bin", cfg.Paths.BinPath)
}

func TestJournalEnvOverrides(t *testing.T) {
	t.Setenv("ZIGGY_JOURNAL_DISABLEDEVENTS", "pipeline:state,monitor:cycle")
	t.Setenv("ZIGGY_JOURNAL_MAXBACKUPS", "7")

	cfg, err := FromFile(filepath.Join(t.TempDir(), "missing.toml"), DefaultSupervisor())
	require.NoError(t, err)
	require.Equal(t, "pipeline:state,monitor:cycle", cfg.Journal.DisabledEvents)
	require.Equal(t, 7, cfg.Journal.MaxBackups)

	t.Setenv("ZIGGY_JOURNAL_DISABLEDEVENTS", "pipeline")
	_, err = FromFile(filepath.Join(t.TempDir(), "missing.toml"), DefaultSupervisor())
	require.Error(t, err)

	cfg = DefaultSupervisor()
	cfg.Journal.MaxBackups = -1
	require.Error(t, cfg.Validate())
}

package computenode

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ziggy-project/ziggy/task/statefile"
	"github.com/ziggy-project/ziggy/task/taskdir"
)

var task = statefile.InvariantPart{InstanceID: 6, TaskID: 42, Module: "pa"}

type env struct {
	cfg     Config
	taskDir string
}

func setup(t *testing.T, subtasks int, script string, props func(sf statefile.StateFile)) *env {
	root := t.TempDir()
	e := &env{
		cfg: Config{
			StateDir:         filepath.Join(root, "state"),
			BinPath:          filepath.Join(root, "bin"),
			PollInterval:     10 * time.Millisecond,
			TryAgainInterval: time.Millisecond,
		},
		taskDir: filepath.Join(root, "task-data", task.TaskDirName()),
	}
	for _, d := range []string{e.cfg.StateDir, e.cfg.BinPath, e.taskDir} {
		require.NoError(t, os.MkdirAll(d, 0755))
	}
	require.NoError(t, taskdir.CreateSubtaskDirs(e.taskDir, subtasks))
	require.NoError(t, os.WriteFile(filepath.Join(e.cfg.BinPath, "pa"), []byte("#!/bin/sh\n"+script+"\n"), 0755))

	sf := statefile.New(task, statefile.Queued, subtasks)
	if props != nil {
		props(sf)
	}
	require.NoError(t, sf.Persist(e.cfg.StateDir))
	return e
}

func (e *env) run(t *testing.T) *Node {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := New(e.taskDir, e.cfg)
	require.NoError(t, err)
	started, err := n.Initialize(ctx)
	require.NoError(t, err)
	require.True(t, started)
	require.NoError(t, n.Monitor(ctx))
	require.NoError(t, n.Finish(ctx))
	require.NoError(t, n.Close(ctx))
	return n
}

func (e *env) stateFile(t *testing.T) statefile.StateFile {
	sf, err := statefile.FromDisk(e.cfg.StateDir, task)
	require.NoError(t, err)
	return sf
}

func TestNodeProcessesTask(t *testing.T) {
	e := setup(t, 5, "touch out", func(sf statefile.StateFile) {
		sf.SetActiveCoresPerNode(2)
		sf.SetPbsSubmitTimeMillis(1_600_000_000_000)
	})

	n := e.run(t)
	require.Equal(t, 2, n.Cores())
	require.Equal(t, 0, n.ExitCode())

	sf := e.stateFile(t)
	require.Equal(t, "ziggy.6.42.pa.COMPLETE_5-5-0", sf.Name())
	require.Equal(t, 2, sf.ActiveCoresPerNode())

	require.Equal(t, taskdir.StateProcessing, taskdir.CurrentState(e.taskDir))
	for _, ev := range []taskdir.Event{taskdir.ArriveComputeNodes, taskdir.QueuedEvent, taskdir.Start, taskdir.Finish} {
		_, ok, err := taskdir.ReadTimestamp(e.taskDir, ev)
		require.NoError(t, err)
		require.True(t, ok, "missing %s timestamp", ev)
	}
	queued, _, err := taskdir.ReadTimestamp(e.taskDir, taskdir.QueuedEvent)
	require.NoError(t, err)
	require.Equal(t, int64(1_600_000_000_000), queued.UnixMilli())

	for i := 0; i < 5; i++ {
		require.FileExists(t, filepath.Join(taskdir.SubtaskDir(e.taskDir, i), "out"))
	}
}

func TestNodeCoresFileWins(t *testing.T) {
	e := setup(t, 3, "exit 0", func(sf statefile.StateFile) {
		sf.SetActiveCoresPerNode(2)
	})
	require.NoError(t, taskdir.WriteIntFile(e.taskDir, taskdir.ActiveCoresFile, 3))
	require.NoError(t, taskdir.WriteIntFile(e.taskDir, taskdir.WallTimeFile, 60))

	n := e.run(t)
	require.Equal(t, 3, n.Cores())
	require.Equal(t, time.Minute, n.wallTime)
}

func TestNodePropagatesFailures(t *testing.T) {
	e := setup(t, 3, "exit 2", nil)

	n := e.run(t)
	require.Equal(t, 1, n.Cores())
	require.Equal(t, 2, n.ExitCode())
	require.Equal(t, "ziggy.6.42.pa.COMPLETE_3-0-3", e.stateFile(t).Name())
}

func TestNodeFailedSubtasksWithoutExitCode(t *testing.T) {
	e := setup(t, 2, "exit 0", nil)
	e.cfg.Executable = "absent"

	n := e.run(t)
	require.Equal(t, ExitSubtasksFailed, n.ExitCode())
	require.Equal(t, "ziggy.6.42.pa.COMPLETE_2-0-2", e.stateFile(t).Name())
}

func TestNodeSubtaskIndexGaps(t *testing.T) {
	e := setup(t, 3, "touch out", nil)
	require.NoError(t, os.RemoveAll(taskdir.SubtaskDir(e.taskDir, 1)))

	n := e.run(t)
	require.Zero(t, n.ExitCode())
	require.FileExists(t, filepath.Join(taskdir.SubtaskDir(e.taskDir, 0), "out"))
	require.FileExists(t, filepath.Join(taskdir.SubtaskDir(e.taskDir, 2), "out"))
	require.NoDirExists(t, taskdir.SubtaskDir(e.taskDir, 1))
	require.Equal(t, "ziggy.6.42.pa.COMPLETE_2-2-0", e.stateFile(t).Name())
}

func TestNodeNothingToDo(t *testing.T) {
	e := setup(t, 2, "touch out", nil)
	for i := 0; i < 2; i++ {
		require.NoError(t, taskdir.SetState(taskdir.SubtaskDir(e.taskDir, i), taskdir.StateComplete))
	}

	n, err := New(e.taskDir, e.cfg)
	require.NoError(t, err)
	started, err := n.Initialize(context.Background())
	require.NoError(t, err)
	require.False(t, started)
	require.NoError(t, n.Close(context.Background()))

	// counts were refreshed, state untouched
	require.Equal(t, "ziggy.6.42.pa.QUEUED_2-2-0", e.stateFile(t).Name())
	require.NoFileExists(t, filepath.Join(taskdir.SubtaskDir(e.taskDir, 0), "out"))
}

func TestNodeDeletedTask(t *testing.T) {
	e := setup(t, 2, "touch out", nil)
	_, err := statefile.SetStateAndPersist(context.Background(), e.cfg.StateDir, e.taskDir, task, statefile.Deleted)
	require.NoError(t, err)

	n, err := New(e.taskDir, e.cfg)
	require.NoError(t, err)
	started, err := n.Initialize(context.Background())
	require.NoError(t, err)
	require.False(t, started)
	require.Equal(t, "ziggy.6.42.pa.DELETED_2-0-0", e.stateFile(t).Name())
}

func TestNodeMissingSubtaskCountsAsFailed(t *testing.T) {
	e := setup(t, 2, "exit 0", nil)
	n, err := New(e.taskDir, e.cfg)
	require.NoError(t, err)

	require.NoError(t, taskdir.SetState(taskdir.SubtaskDir(e.taskDir, 0), taskdir.StateComplete))
	require.NoError(t, n.markStateFileDone(context.Background()))
	require.Equal(t, "ziggy.6.42.pa.COMPLETE_2-1-1", e.stateFile(t).Name())
}

func TestNewRejectsBadTaskDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "not-a-task")
	require.NoError(t, os.MkdirAll(dir, 0755))
	_, err := New(dir, Config{StateDir: t.TempDir()})
	require.ErrorIs(t, err, statefile.ErrBadTaskDir)
}

func TestNewRequiresStateFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), task.TaskDirName())
	require.NoError(t, os.MkdirAll(dir, 0755))
	_, err := New(dir, Config{StateDir: t.TempDir()})
	require.Error(t, err)
}

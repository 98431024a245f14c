package subtask

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ziggy-project/ziggy/task/statefile"
	"github.com/ziggy-project/ziggy/task/taskdir"
)

var testTask = statefile.InvariantPart{InstanceID: 6, TaskID: 42, Module: "pa"}

type fixture struct {
	binDir   string
	stateDir string
	taskDir  string
}

func newFixture(t *testing.T, subtasks int) *fixture {
	root := t.TempDir()
	f := &fixture{
		binDir:   filepath.Join(root, "bin"),
		stateDir: filepath.Join(root, "state"),
		taskDir:  filepath.Join(root, "task-data", testTask.TaskDirName()),
	}
	require.NoError(t, os.MkdirAll(f.binDir, 0755))
	require.NoError(t, os.MkdirAll(f.stateDir, 0755))
	require.NoError(t, os.MkdirAll(f.taskDir, 0755))
	require.NoError(t, taskdir.CreateSubtaskDirs(f.taskDir, subtasks))
	require.NoError(t, statefile.New(testTask, statefile.Processing, subtasks).Persist(f.stateDir))
	return f
}

// script installs an executable shell script named name on the fixture's bin dir.
func (f *fixture) script(t *testing.T, name, body string) {
	p := filepath.Join(f.binDir, name)
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0755))
}

func (f *fixture) executor(binary string) *Executor {
	return &Executor{
		Binary:   binary,
		BinPath:  f.binDir,
		Env:      map[string]string{"ZIGGY_TEST_VALUE": "forty-two"},
		StateDir: f.stateDir,
		Task:     testTask,
	}
}

func TestExecuteSuccess(t *testing.T) {
	f := newFixture(t, 1)
	f.script(t, "pa", `echo "$1 $ZIGGY_TEST_VALUE"; touch ran`)
	dir := taskdir.SubtaskDir(f.taskDir, 0)

	code, err := f.executor("pa").Execute(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, 0, code)
	require.Equal(t, taskdir.StateComplete, taskdir.CurrentState(dir))
	require.FileExists(t, filepath.Join(dir, "ran"))

	out, err := os.ReadFile(filepath.Join(dir, StdoutFileName("pa")))
	require.NoError(t, err)
	require.Equal(t, "0 forty-two\n", string(out))
}

func TestExecuteNonzeroExit(t *testing.T) {
	f := newFixture(t, 1)
	f.script(t, "pa", "echo oops >&2; exit 3")
	dir := taskdir.SubtaskDir(f.taskDir, 0)

	code, err := f.executor("pa").Execute(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, 3, code)
	require.Equal(t, taskdir.StateFailed, taskdir.CurrentState(dir))

	stderr, err := os.ReadFile(filepath.Join(dir, StderrFileName("pa")))
	require.NoError(t, err)
	require.Equal(t, "oops\n", string(stderr))
}

func TestExecuteErrorFileMeansFailure(t *testing.T) {
	f := newFixture(t, 1)
	f.script(t, "pa", "touch pa-error.h5")
	dir := taskdir.SubtaskDir(f.taskDir, 0)

	code, err := f.executor("pa").Execute(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, 0, code)
	require.Equal(t, taskdir.StateFailed, taskdir.CurrentState(dir))
}

func TestExecuteRemovesStaleErrorFile(t *testing.T) {
	f := newFixture(t, 1)
	f.script(t, "pa", "exit 0")
	dir := taskdir.SubtaskDir(f.taskDir, 0)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ErrorFileName("pa")), nil, 0644))
	require.NoError(t, taskdir.SetState(dir, taskdir.StateFailed))

	code, err := f.executor("pa").Execute(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, 0, code)
	require.Equal(t, taskdir.StateComplete, taskdir.CurrentState(dir))
	require.NoFileExists(t, filepath.Join(dir, ErrorFileName("pa")))
}

func TestExecuteMissingBinary(t *testing.T) {
	f := newFixture(t, 1)
	dir := taskdir.SubtaskDir(f.taskDir, 0)

	code, err := f.executor("missing").Execute(context.Background(), dir)
	require.ErrorIs(t, err, ErrExecutableNotFound)
	require.Equal(t, -1, code)
	require.Equal(t, taskdir.StateFailed, taskdir.CurrentState(dir))
}

func TestFindExecutableSkipsNonExecutable(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(a, "pa"), []byte("data"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(b, "pa"), []byte("#!/bin/sh\n"), 0755))

	p, err := FindExecutable(a+string(os.PathListSeparator)+b, "pa")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(b, "pa"), p)
}

func TestExecuteDeletedTaskLeavesProcessing(t *testing.T) {
	f := newFixture(t, 1)
	// the algorithm deletes its own task while running
	f.script(t, "pa", "exit 1")
	dir := taskdir.SubtaskDir(f.taskDir, 0)
	_, err := statefile.SetStateAndPersist(context.Background(), f.stateDir, f.taskDir, testTask, statefile.Deleted)
	require.NoError(t, err)

	code, err := f.executor("pa").Execute(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, 1, code)
	require.Equal(t, taskdir.StateProcessing, taskdir.CurrentState(dir))
}

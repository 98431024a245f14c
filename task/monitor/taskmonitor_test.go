package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ziggy-project/ziggy/task/taskdir"
)

type countsRecorder struct {
	lk    sync.Mutex
	calls []taskdir.Counts
	fails int
}

func (c *countsRecorder) UpdateSubtaskCounts(_ context.Context, _ uint64, total, complete, failed int) error {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.calls = append(c.calls, taskdir.Counts{Total: total, Complete: complete, Failed: failed})
	if c.fails > 0 {
		c.fails--
		return errors.New("database is locked")
	}
	return nil
}

func (c *countsRecorder) reported() []taskdir.Counts {
	c.lk.Lock()
	defer c.lk.Unlock()
	return append([]taskdir.Counts(nil), c.calls...)
}

func newTaskDir(t *testing.T, n int) string {
	dir := t.TempDir()
	require.NoError(t, taskdir.CreateSubtaskDirs(dir, n))
	return dir
}

func TestRescanReportsChangesOnly(t *testing.T) {
	ctx := context.Background()
	dir := newTaskDir(t, 3)
	rec := &countsRecorder{}
	tm := NewTaskMonitor(TaskMonitorConfig{TaskID: 5, TaskDir: dir, Tracker: rec})

	c, err := tm.Rescan(ctx)
	require.NoError(t, err)
	require.Equal(t, taskdir.Counts{Total: 3}, c)

	_, err = tm.Rescan(ctx)
	require.NoError(t, err)
	require.Len(t, rec.reported(), 1)

	require.NoError(t, taskdir.SetState(taskdir.SubtaskDir(dir, 0), taskdir.StateComplete))
	require.NoError(t, taskdir.SetState(taskdir.SubtaskDir(dir, 2), taskdir.StateFailed))
	c, err = tm.Rescan(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, c.Complete)
	require.Equal(t, 1, c.Failed)
	require.Equal(t, []taskdir.Counts{{Total: 3}, {Total: 3, Complete: 1, Failed: 1}}, rec.reported())
}

func TestRescanRetriesFailedReport(t *testing.T) {
	ctx := context.Background()
	dir := newTaskDir(t, 2)
	rec := &countsRecorder{fails: 1}
	tm := NewTaskMonitor(TaskMonitorConfig{TaskID: 5, TaskDir: dir, Tracker: rec})

	require.NoError(t, taskdir.SetState(taskdir.SubtaskDir(dir, 0), taskdir.StateComplete))
	_, err := tm.Rescan(ctx)
	require.Error(t, err)

	// nothing changed on disk, but the lost report goes out again
	c, err := tm.Rescan(ctx)
	require.NoError(t, err)
	require.Equal(t, taskdir.Counts{Total: 2, Complete: 1}, c)
	require.Equal(t, []taskdir.Counts{{Total: 2, Complete: 1}, {Total: 2, Complete: 1}}, rec.reported())

	_, err = tm.Rescan(ctx)
	require.NoError(t, err)
	require.Len(t, rec.reported(), 2)
}

func TestTriggerRescansImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dir := newTaskDir(t, 2)
	rec := &countsRecorder{}
	tm := NewTaskMonitor(TaskMonitorConfig{TaskID: 5, TaskDir: dir, Tracker: rec, Interval: time.Hour})
	tm.Start(ctx)

	require.NoError(t, taskdir.SetState(taskdir.SubtaskDir(dir, 1), taskdir.StateComplete))
	tm.Trigger(WorkerExiting)
	require.Eventually(t, func() bool {
		r := rec.reported()
		return len(r) == 1 && r[0].Complete == 1
	}, 5*time.Second, 5*time.Millisecond)

	tm.Stop()
	<-tm.Done()
}

func TestFinalizeWaitsForFinishMarker(t *testing.T) {
	ctx := context.Background()
	dir := newTaskDir(t, 1)
	tm := NewTaskMonitor(TaskMonitorConfig{TaskID: 5, TaskDir: dir, FinishRetries: 50, FinishRetryDelay: 10 * time.Millisecond})

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = taskdir.SetState(taskdir.SubtaskDir(dir, 0), taskdir.StateComplete)
		_ = taskdir.WriteTimestampNow(dir, taskdir.Finish)
	}()

	c, finished, err := tm.Finalize(ctx)
	require.NoError(t, err)
	require.True(t, finished)
	require.Equal(t, taskdir.Counts{Total: 1, Complete: 1}, c)
}

func TestFinalizeGivesUp(t *testing.T) {
	dir := newTaskDir(t, 1)
	tm := NewTaskMonitor(TaskMonitorConfig{TaskID: 5, TaskDir: dir, FinishRetries: 2, FinishRetryDelay: time.Millisecond})

	c, finished, err := tm.Finalize(context.Background())
	require.NoError(t, err)
	require.False(t, finished)
	require.Equal(t, taskdir.Counts{Total: 1}, c)
}

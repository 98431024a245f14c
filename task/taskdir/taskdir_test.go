package taskdir

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMarkers(t *testing.T) {
	dir := t.TempDir()
	require.Equal(t, StateNone, CurrentState(dir))

	require.NoError(t, SetState(dir, StateProcessing))
	require.Equal(t, StateProcessing, CurrentState(dir))

	require.NoError(t, SetState(dir, StateFailed))
	require.Equal(t, StateFailed, CurrentState(dir))
	_, err := os.Stat(filepath.Join(dir, ProcessingMarker))
	require.True(t, os.IsNotExist(err))

	require.NoError(t, SetState(dir, StateComplete))
	require.Equal(t, StateComplete, CurrentState(dir))

	require.Error(t, SetState(dir, StateNone))

	require.NoError(t, ClearState(dir))
	require.Equal(t, StateNone, CurrentState(dir))
}

func TestDuplicateMarkersAreInvalid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, touch(filepath.Join(dir, CompleteMarker)))
	require.NoError(t, touch(filepath.Join(dir, FailedMarker)))
	require.Equal(t, StateInvalid, CurrentState(dir))
}

func TestLegacyProcessingMarker(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, touch(filepath.Join(dir, legacyProcessingMarker)))
	require.Equal(t, StateProcessing, CurrentState(dir))

	require.NoError(t, SetState(dir, StateComplete))
	require.Equal(t, StateComplete, CurrentState(dir))
}

func TestClearStaleState(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, SetState(dir, StateFailed))
	require.NoError(t, SetHasOutputs(dir))
	require.NoError(t, ClearStaleState(dir))
	require.Equal(t, StateNone, CurrentState(dir))
	require.False(t, HasOutputs(dir))

	require.NoError(t, SetState(dir, StateComplete))
	require.NoError(t, SetHasOutputs(dir))
	require.NoError(t, ClearStaleState(dir))
	require.Equal(t, StateComplete, CurrentState(dir))
	require.True(t, HasOutputs(dir))
}

func TestCountSubtasks(t *testing.T) {
	taskDir := t.TempDir()
	require.NoError(t, CreateSubtaskDirs(taskDir, 5))
	require.NoError(t, os.Mkdir(filepath.Join(taskDir, "st-x"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(taskDir, "st-9"), nil, 0644))

	require.NoError(t, SetState(SubtaskDir(taskDir, 0), StateComplete))
	require.NoError(t, SetState(SubtaskDir(taskDir, 1), StateComplete))
	require.NoError(t, SetState(SubtaskDir(taskDir, 3), StateFailed))
	require.NoError(t, SetState(SubtaskDir(taskDir, 4), StateProcessing))

	c, err := CountSubtasks(taskDir)
	require.NoError(t, err)
	require.Equal(t, Counts{Total: 5, Complete: 2, Failed: 1, Processing: 1}, c)
	require.False(t, c.AllProcessed())

	n, skip, err := SubtaskSlots(taskDir)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, map[int]struct{}{0: {}, 1: {}}, skip)

	idx, err := SubtaskIndices(taskDir)
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2, 3, 4}, idx)
}

func TestSubtaskSlotsWithGaps(t *testing.T) {
	taskDir := t.TempDir()
	for _, i := range []int{0, 2, 5} {
		require.NoError(t, os.Mkdir(SubtaskDir(taskDir, i), 0755))
	}
	require.NoError(t, SetState(SubtaskDir(taskDir, 2), StateComplete))

	n, skip, err := SubtaskSlots(taskDir)
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.Equal(t, map[int]struct{}{1: {}, 2: {}, 3: {}, 4: {}}, skip)

	n, skip, err = SubtaskSlots(t.TempDir())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, skip)
}

func TestTimestamps(t *testing.T) {
	dir := t.TempDir()

	_, ok, err := ReadTimestamp(dir, Start)
	require.NoError(t, err)
	require.False(t, ok)

	start := time.UnixMilli(1700000000000)
	require.NoError(t, WriteTimestamp(dir, Start, start))
	require.NoError(t, WriteTimestamp(dir, SubtaskStart, start.Add(time.Hour)))
	require.NoError(t, WriteTimestamp(dir, Finish, start.Add(90*time.Second)))
	require.FileExists(t, filepath.Join(dir, "START.1700000000000"))

	got, ok, err := ReadTimestamp(dir, Start)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, start.Equal(got))

	d, ok, err := Elapsed(dir, Start, Finish)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 90*time.Second, d)

	// rewriting replaces the earlier file
	require.NoError(t, WriteTimestamp(dir, Start, start.Add(time.Second)))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	require.NoError(t, WriteTimestampMillis(dir, QueuedEvent, -1))
	_, ok, err = ReadTimestamp(dir, QueuedEvent)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIntFiles(t *testing.T) {
	dir := t.TempDir()
	_, ok, err := ReadIntFile(dir, ActiveCoresFile)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, WriteIntFile(dir, ActiveCoresFile, 12))
	v, ok, err := ReadIntFile(dir, ActiveCoresFile)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(12), v)

	require.NoError(t, os.WriteFile(filepath.Join(dir, WallTimeFile), []byte("soon"), 0644))
	_, _, err = ReadIntFile(dir, WallTimeFile)
	require.Error(t, err)
}

func TestJobInfo(t *testing.T) {
	dir := t.TempDir()
	ji := JobInfo{JobName: "ziggy-6-42-pa", JobID: "1234.pbspl1", Node: "r101i0n3"}
	require.Equal(t, ".jobinfo.jobname.ziggy-6-42-pa.jobid.1234.pbspl1.node.r101i0n3", ji.FileName())

	require.NoError(t, WriteJobInfo(dir, JobInfo{JobName: "old", JobID: "1", Node: "n"}))
	require.NoError(t, WriteJobInfo(dir, ji))

	got, ok, err := ReadJobInfo(dir)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ji, got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	t.Setenv("PBS_JOBNAME", "")
	t.Setenv("PBS_JOBID", "")
	cur := CurrentJobInfo()
	require.Equal(t, "local", cur.JobName)
	require.NotEmpty(t, cur.JobID)
}

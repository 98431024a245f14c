// Package storetest exercises TaskStore implementations.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ziggy-project/ziggy/task/store"
)

func TestTaskStore(t *testing.T, newStore func(t *testing.T) store.TaskStore) {
	t.Run("CreateGetList", func(t *testing.T) { testCreateGetList(t, newStore(t)) })
	t.Run("Updates", func(t *testing.T) { testUpdates(t, newStore(t)) })
	t.Run("PrepareAutoResubmit", func(t *testing.T) { testPrepareAutoResubmit(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("Put", func(t *testing.T) { testPut(t, newStore(t)) })
}

func sampleTask() store.Task {
	return store.Task{
		InstanceID:        6,
		Module:            "pa",
		Executable:        "pa",
		Total:             10,
		MaxAutoResubmits:  2,
		MaxFailedSubtasks: 1,
		Executor:          "remote",
		Remote: store.RemoteParams{
			Architecture:    "bro",
			Group:           "s1234",
			Queue:           "normal",
			WallTime:        "4:00:00",
			NodeCount:       3,
			MinCoresPerNode: 28,
			MinGigsPerNode:  128,
		},
		GigsPerSubtask: 4.5,
	}
}

func testCreateGetList(t *testing.T, s store.TaskStore) {
	ctx := context.Background()
	a, err := s.Create(ctx, sampleTask())
	require.NoError(t, err)
	require.NotZero(t, a.ID)
	require.Equal(t, store.StepInitializing, a.Step)
	require.False(t, a.Created.IsZero())

	b, err := s.Create(ctx, store.Task{InstanceID: 6, Module: "pdc", Step: store.StepMarshaling})
	require.NoError(t, err)
	require.Greater(t, b.ID, a.ID)

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, sampleTask().Remote, got.Remote)
	require.Equal(t, 4.5, got.GigsPerSubtask)
	require.Equal(t, "remote", got.Executor)
	require.Equal(t, 2, got.MaxAutoResubmits)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, a.ID, all[0].ID)
	require.Equal(t, store.StepMarshaling, all[1].Step)
}

func testUpdates(t *testing.T, s store.TaskStore) {
	ctx := context.Background()
	tk, err := s.Create(ctx, sampleTask())
	require.NoError(t, err)

	require.NoError(t, s.UpdateSubtaskCounts(ctx, tk.ID, 10, 7, 3))
	require.NoError(t, s.UpdateStep(ctx, tk.ID, store.StepExecuting))
	require.NoError(t, s.MarkErrored(ctx, tk.ID, true))
	require.NoError(t, s.SetDisposition(ctx, tk.ID, "FAIL"))

	got, err := s.Get(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, 10, got.Total)
	require.Equal(t, 7, got.Complete)
	require.Equal(t, 3, got.Failed)
	require.Equal(t, store.StepExecuting, got.Step)
	require.True(t, got.Errored)
	require.Equal(t, "FAIL", got.Disposition)

	require.NoError(t, s.MarkErrored(ctx, tk.ID, false))
	got, err = s.Get(ctx, tk.ID)
	require.NoError(t, err)
	require.False(t, got.Errored)
}

func testPrepareAutoResubmit(t *testing.T, s store.TaskStore) {
	ctx := context.Background()
	tk, err := s.Create(ctx, sampleTask())
	require.NoError(t, err)
	require.NoError(t, s.MarkErrored(ctx, tk.ID, true))
	require.NoError(t, s.UpdateStep(ctx, tk.ID, store.StepAlgorithmComplete))

	got, err := s.PrepareAutoResubmit(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.AutoResubmitCount)
	require.False(t, got.Errored)
	require.Equal(t, store.StepSubmitting, got.Step)

	got, err = s.PrepareAutoResubmit(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.AutoResubmitCount)
}

func testNotFound(t *testing.T, s store.TaskStore) {
	ctx := context.Background()
	_, err := s.Get(ctx, 99)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.UpdateStep(ctx, 99, store.StepQueued), store.ErrNotFound)
	_, err = s.PrepareAutoResubmit(ctx, 99)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testPut(t *testing.T, s store.TaskStore) {
	ctx := context.Background()
	tk, err := s.Create(ctx, sampleTask())
	require.NoError(t, err)

	tk.Module = "pa2"
	tk.Step = store.StepStoring
	require.NoError(t, s.Put(ctx, tk))

	got, err := s.Get(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, "pa2", got.Module)
	require.Equal(t, store.StepStoring, got.Step)

	require.NoError(t, s.Put(ctx, store.Task{ID: 40, InstanceID: 1, Module: "cal", Step: store.StepQueued}))
	next, err := s.Create(ctx, sampleTask())
	require.NoError(t, err)
	require.Greater(t, next.ID, uint64(40))

	require.Error(t, s.Put(ctx, store.Task{Module: "x"}))
}

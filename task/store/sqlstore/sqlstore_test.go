package sqlstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ziggy-project/ziggy/task/store"
	"github.com/ziggy-project/ziggy/task/store/storetest"
)

func TestSqlStore(t *testing.T) {
	storetest.TestTaskStore(t, func(t *testing.T) store.TaskStore {
		s, err := Open(context.Background(), filepath.Join(t.TempDir(), DefaultDbFilename))
		require.NoError(t, err)
		t.Cleanup(func() { require.NoError(t, s.Close()) })
		return s
	})
}

func TestReopenKeepsTasks(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), DefaultDbFilename)

	s, err := Open(ctx, path)
	require.NoError(t, err)
	tk, err := s.Create(ctx, store.Task{InstanceID: 3, Module: "cal"})
	require.NoError(t, err)
	require.NoError(t, s.UpdateStep(ctx, tk.ID, store.StepExecuting))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck
	got, err := s.Get(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, store.StepExecuting, got.Step)
	require.Equal(t, tk.Created.UnixMilli(), got.Created.UnixMilli())
}

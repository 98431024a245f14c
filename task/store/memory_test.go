package store_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ziggy-project/ziggy/task/store"
	"github.com/ziggy-project/ziggy/task/store/storetest"
)

func TestMemStore(t *testing.T) {
	storetest.TestTaskStore(t, func(t *testing.T) store.TaskStore {
		return store.NewMemStore()
	})
}

func TestStepOrder(t *testing.T) {
	require.Equal(t, store.StepMarshaling, store.StepInitializing.Next())
	require.Equal(t, store.StepComplete, store.StepStoring.Next())
	require.Equal(t, store.StepComplete, store.StepComplete.Next())
	require.False(t, store.Step("BOGUS").Valid())
	require.Equal(t, 4, store.StepExecuting.Index())
}

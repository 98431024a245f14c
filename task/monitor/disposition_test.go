package monitor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ziggy-project/ziggy/task/statefile"
	"github.com/ziggy-project/ziggy/task/store"
)

func finalState(state statefile.State, total, complete, failed int) statefile.StateFile {
	return statefile.New(statefile.InvariantPart{InstanceID: 1, TaskID: 2, Module: "pa"}, state, total).
		WithCounts(total, complete, failed)
}

func TestDispositionScenarioD(t *testing.T) {
	sf := finalState(statefile.Complete, 10, 7, 3)

	require.Equal(t, Persist, DispositionFor(sf, store.Task{MaxFailedSubtasks: 3}))
	require.Equal(t, Resubmit, DispositionFor(sf, store.Task{MaxFailedSubtasks: 2, AutoResubmitCount: 0, MaxAutoResubmits: 2}))
	require.Equal(t, Fail, DispositionFor(sf, store.Task{MaxFailedSubtasks: 2, AutoResubmitCount: 2, MaxAutoResubmits: 2}))
}

func TestDispositionDeletedAlwaysFails(t *testing.T) {
	sf := finalState(statefile.Deleted, 10, 10, 0)
	require.Equal(t, Fail, DispositionFor(sf, store.Task{MaxFailedSubtasks: 10, MaxAutoResubmits: 5}))
}

func TestDispositionCountsUnprocessedAsBad(t *testing.T) {
	// 4 never ran, none failed
	sf := finalState(statefile.Complete, 10, 6, 0)
	require.Equal(t, Resubmit, DispositionFor(sf, store.Task{MaxFailedSubtasks: 3, MaxAutoResubmits: 1}))
	require.Equal(t, Persist, DispositionFor(sf, store.Task{MaxFailedSubtasks: 4}))
}

func TestDispositionPersistWithFailures(t *testing.T) {
	for failed := 0; failed <= 5; failed++ {
		sf := finalState(statefile.Complete, 20, 20-failed, failed)
		require.Equal(t, Persist, DispositionFor(sf, store.Task{MaxFailedSubtasks: 5}), "failed=%d", failed)
	}
}

func TestDispositionString(t *testing.T) {
	require.Equal(t, "PERSIST", Persist.String())
	require.Equal(t, "RESUBMIT", Resubmit.String())
	require.Equal(t, "FAIL", Fail.String())
	require.Equal(t, "Disposition(7)", Disposition(7).String())
}

func TestFormatByJob(t *testing.T) {
	require.Equal(t, "", formatByJob(map[string]int{}, func(v int) string { return "" }))
	require.Equal(t, "10(1) 9(0)", formatByJob(map[string]int{"9": 0, "10": 1}, func(v int) string {
		if v == 0 {
			return "0"
		}
		return "1"
	}))
}

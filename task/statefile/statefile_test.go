package statefile

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseName(t *testing.T) {
	sf, err := Parse("ziggy.6.42.pa.QUEUED_10-0-0")
	require.NoError(t, err)
	require.Equal(t, uint64(6), sf.InstanceID)
	require.Equal(t, uint64(42), sf.TaskID)
	require.Equal(t, "pa", sf.Module)
	require.Equal(t, Queued, sf.State)
	require.Equal(t, 10, sf.NumTotal)
	require.Equal(t, 0, sf.NumComplete)
	require.Equal(t, 0, sf.NumFailed)
}

func TestNameRoundTrip(t *testing.T) {
	for _, sf := range []StateFile{
		New(InvariantPart{InstanceID: 1, TaskID: 2, Module: "cal"}, Initialized, 0),
		New(InvariantPart{InstanceID: 6, TaskID: 42, Module: "pa"}, Queued, 10).WithCounts(10, 7, 3),
		New(InvariantPart{InstanceID: 100, TaskID: 9, Module: "tps.lite"}, Deleted, 5).WithCounts(5, 1, 0),
		New(InvariantPart{InstanceID: 3, TaskID: 3, Module: "dv-fit"}, Processing, 2000).WithCounts(2000, 1999, 1),
	} {
		sf.SetQueueName("long")
		parsed, err := Parse(sf.Name())
		require.NoError(t, err, sf.Name())
		require.True(t, sf.Equal(parsed), sf.Name())
		require.Equal(t, sf.Name(), parsed.Name())
		require.Equal(t, InvalidString, parsed.QueueName())
	}
}

func TestParseRejects(t *testing.T) {
	for _, name := range []string{
		"",
		"ziggy.6.42.pa",
		"ziggy.6.42.pa.RUNNING_10-0-0",
		"ziggy.x.42.pa.QUEUED_10-0-0",
		"ziggy.6.42.pa.QUEUED_10-0",
		"old.6.42.pa.QUEUED_10-0-0.20240101T000000.0",
		"ziggy.6.42.pa.QUEUED_10-0-0.extra",
	} {
		_, err := Parse(name)
		require.ErrorIs(t, err, ErrBadName, name)
	}
}

func TestEqualIgnoresProperties(t *testing.T) {
	a := New(InvariantPart{InstanceID: 6, TaskID: 42, Module: "pa"}, Queued, 10)
	b := New(InvariantPart{InstanceID: 6, TaskID: 42, Module: "pa"}, Queued, 10)
	a.SetRemoteGroup("g1")
	b.SetRemoteGroup("g2")
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(b.WithState(Processing)))
	require.False(t, a.Equal(b.WithCounts(10, 1, 0)))
}

func TestWithStateCopiesProperties(t *testing.T) {
	a := New(InvariantPart{InstanceID: 1, TaskID: 1, Module: "m"}, Queued, 1)
	a.SetQueueName("normal")
	b := a.WithState(Processing)
	b.SetQueueName("long")
	require.Equal(t, "normal", a.QueueName())
	require.Equal(t, "long", b.QueueName())
}

func TestTaskDirName(t *testing.T) {
	ip := InvariantPart{InstanceID: 6, TaskID: 42, Module: "pa"}
	require.Equal(t, "6-42-pa", ip.TaskDirName())
	require.Equal(t, "ziggy.6.42.pa", ip.String())

	parsed, err := ParseTaskDirName("6-42-pa")
	require.NoError(t, err)
	require.Equal(t, ip, parsed)

	_, err = ParseTaskDirName("pa-6-42")
	require.ErrorIs(t, err, ErrBadTaskDir)

	sf, err := FromTaskDir("/data/task-data/6-42-pa/")
	require.NoError(t, err)
	require.Equal(t, ip, sf.InvariantPart)
	require.Equal(t, Initialized, sf.State)
}

func TestPropertyDefaults(t *testing.T) {
	sf := New(InvariantPart{InstanceID: 1, TaskID: 1, Module: "m"}, Queued, 1)
	require.Equal(t, DefaultWallTime, sf.RequestedWallTime())
	require.Equal(t, DefaultRemoteNodeArchitecture, sf.RemoteNodeArchitecture())
	require.Equal(t, InvalidString, sf.RemoteGroup())
	require.Equal(t, InvalidString, sf.QueueName())
	require.Equal(t, InvalidValue, sf.MinCoresPerNode())
	require.Equal(t, InvalidValue, sf.ActiveCoresPerNode())
	require.Equal(t, InvalidValue, sf.RequestedNodeCount())
	require.Equal(t, float64(InvalidValue), sf.MinGigsPerNode())
	require.Equal(t, float64(InvalidValue), sf.GigsPerSubtask())
	require.Equal(t, int64(InvalidValue), sf.PbsSubmitTimeMillis())
	require.Equal(t, int64(InvalidValue), sf.PfeArrivalTimeMillis())
	require.Equal(t, int64(24*3600), sf.WallTimeSeconds())

	sf.SetActiveCoresPerNode(8)
	sf.SetGigsPerSubtask(1.5)
	sf.SetRequestedWallTime("01:30:00")
	sf.SetPbsSubmitTimeMillis(1700000000000)
	require.Equal(t, 8, sf.ActiveCoresPerNode())
	require.Equal(t, 1.5, sf.GigsPerSubtask())
	require.Equal(t, int64(5400), sf.WallTimeSeconds())
	require.Equal(t, int64(1700000000000), sf.PbsSubmitTimeMillis())

	sf.Props[PropMinCoresPerNode] = "many"
	require.Equal(t, InvalidValue, sf.MinCoresPerNode())
}

func TestParseWallTime(t *testing.T) {
	for in, want := range map[string]int64{
		"24:00:00": 86400,
		"1:02:03":  3723,
		"10:00":    600,
		"45":       45,
		"":         InvalidValue,
		"1:2:3:4":  InvalidValue,
		"ab:00":    InvalidValue,
	} {
		require.Equal(t, want, ParseWallTime(in), in)
	}
}

func TestPredicates(t *testing.T) {
	sf := New(InvariantPart{InstanceID: 1, TaskID: 1, Module: "m"}, Initialized, 4)
	require.False(t, sf.IsStarted())
	require.True(t, sf.WithState(Queued).IsQueued())
	require.True(t, sf.WithState(Queued).IsStarted())
	require.True(t, sf.WithState(Processing).IsRunning())
	require.True(t, sf.WithState(Complete).IsDone())
	require.True(t, sf.WithState(Closed).IsDone())
	require.False(t, sf.WithState(Deleted).IsDone())
	require.True(t, sf.WithState(Deleted).IsDeleted())
	require.True(t, sf.WithState(Deleted).IsTerminal())

	require.False(t, sf.WithCounts(4, 2, 1).AllProcessed())
	require.True(t, sf.WithCounts(4, 3, 1).AllProcessed())
}

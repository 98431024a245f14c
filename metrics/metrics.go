package metrics

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"

	"github.com/ziggy-project/ziggy/build"
)

// Distributions
var defaultMillisecondsDistribution = view.Distribution(
	0.01, 0.05, 0.1, 0.3, 0.6, 0.8, 1, 2, 3, 4, 5, 6, 8, // fast bookkeeping
	10, 20, 30, 40, 50, 60, 70, 80, 90, 100,
	150, 200, 250, 300, 350, 400, 450, 500,
	600, 700, 800, 900, 1000,
	2000, 3000, 4000, 5000, 8000, 10000, 20000, 30000, 60000,
)

var workMillisecondsDistribution = view.Distribution(
	250, 500, 1000, 2000, 5000, 10_000, 30_000, 60_000, 2*60_000, 5*60_000, 10*60_000, 15*60_000, 30*60_000, // short algorithms
	45*60_000, 60*60_000, 90*60_000, 120*60_000, 180*60_000, 240*60_000, 360*60_000, 480*60_000, // typical subtasks
	720*60_000, 1000*60_000, 1440*60_000, 2880*60_000, // wall-time limited runs
)

var queueSizeDistribution = view.Distribution(0, 1, 2, 3, 5, 7, 10, 15, 25, 35, 50, 70, 90, 130, 200, 300, 500, 1000, 2000, 5000, 10000)

// Tags
var (
	// common
	Version, _  = tag.NewKey("version")
	Commit, _   = tag.NewKey("commit")
	NodeType, _ = tag.NewKey("node_type")

	// tasks
	Module, _      = tag.NewKey("module")
	Step, _        = tag.NewKey("step")
	Disposition, _ = tag.NewKey("disposition")
	Executor, _    = tag.NewKey("executor")

	// subtasks
	Outcome, _     = tag.NewKey("outcome")
	Response, _    = tag.NewKey("response")
	MonitorKind, _ = tag.NewKey("monitor")
)

// Measures
var (
	ZiggyInfo = stats.Int64("info", "Arbitrary counter to tag ziggy info to", stats.UnitDimensionless)

	AllocatorResponses = stats.Int64("allocator/responses", "Counter of allocation responses by status", stats.UnitDimensionless)
	AllocatorWaiting   = stats.Int64("allocator/waiting", "Subtasks waiting in the allocator queue", stats.UnitDimensionless)

	SubtaskExecutionTime = stats.Float64("subtask/execution_ms", "Duration of algorithm executions", stats.UnitMilliseconds)
	SubtasksActive       = stats.Int64("subtask/active", "Algorithm executions currently running", stats.UnitDimensionless)
	SubtaskLockContended = stats.Int64("subtask/lock_contended", "Counter of subtasks skipped because another worker held the lock", stats.UnitDimensionless)

	MemGateWait = stats.Float64("memgate/wait_ms", "Time spent waiting for memory admission", stats.UnitMilliseconds)

	MonitorCycleDuration = stats.Float64("monitor/cycle_ms", "Duration of one algorithm monitor cycle", stats.UnitMilliseconds)
	MonitorWatched       = stats.Int64("monitor/watched", "State files watched by a monitor", stats.UnitDimensionless)
	StateFilesCorrupt    = stats.Int64("monitor/corrupt_state_files", "Counter of quarantined state files", stats.UnitDimensionless)

	TaskStepTransitions = stats.Int64("task/step_transitions", "Counter of processing step transitions", stats.UnitDimensionless)
	TaskDispositions    = stats.Int64("task/dispositions", "Counter of task dispositions", stats.UnitDimensionless)
	TaskStepDuration    = stats.Float64("task/step_ms", "Duration of processing step handlers", stats.UnitMilliseconds)

	RemoteWorkerWait  = stats.Float64("remote/worker_wait_ms", "Time from submission until arrival on compute nodes", stats.UnitMilliseconds)
	RemoteQueueTime   = stats.Float64("remote/queue_ms", "Time spent in the batch queue", stats.UnitMilliseconds)
	RemoteWallTime    = stats.Float64("remote/wall_ms", "Wall time on the compute nodes", stats.UnitMilliseconds)
	RemotePendingTime = stats.Float64("remote/pending_receive_ms", "Time from node finish until storing began", stats.UnitMilliseconds)
)

var (
	InfoView = &view.View{
		Name:        "info",
		Description: "Ziggy version",
		Measure:     ZiggyInfo,
		Aggregation: view.LastValue(),
		TagKeys:     []tag.Key{Version, Commit, NodeType},
	}
	AllocatorResponsesView = &view.View{
		Measure:     AllocatorResponses,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Response},
	}
	AllocatorWaitingView = &view.View{
		Measure:     AllocatorWaiting,
		Aggregation: queueSizeDistribution,
	}
	SubtaskExecutionTimeView = &view.View{
		Measure:     SubtaskExecutionTime,
		Aggregation: workMillisecondsDistribution,
		TagKeys:     []tag.Key{Outcome},
	}
	SubtasksActiveView = &view.View{
		Measure:     SubtasksActive,
		Aggregation: view.Sum(),
	}
	SubtaskLockContendedView = &view.View{
		Measure:     SubtaskLockContended,
		Aggregation: view.Count(),
	}
	MemGateWaitView = &view.View{
		Measure:     MemGateWait,
		Aggregation: defaultMillisecondsDistribution,
	}
	MonitorCycleDurationView = &view.View{
		Measure:     MonitorCycleDuration,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{MonitorKind},
	}
	MonitorWatchedView = &view.View{
		Measure:     MonitorWatched,
		Aggregation: view.LastValue(),
		TagKeys:     []tag.Key{MonitorKind},
	}
	StateFilesCorruptView = &view.View{
		Measure:     StateFilesCorrupt,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{MonitorKind},
	}
	TaskStepTransitionsView = &view.View{
		Measure:     TaskStepTransitions,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Step, Module},
	}
	TaskDispositionsView = &view.View{
		Measure:     TaskDispositions,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Disposition, Module},
	}
	TaskStepDurationView = &view.View{
		Measure:     TaskStepDuration,
		Aggregation: workMillisecondsDistribution,
		TagKeys:     []tag.Key{Step, Module},
	}
	RemoteWorkerWaitView = &view.View{
		Measure:     RemoteWorkerWait,
		Aggregation: workMillisecondsDistribution,
		TagKeys:     []tag.Key{Module},
	}
	RemoteQueueTimeView = &view.View{
		Measure:     RemoteQueueTime,
		Aggregation: workMillisecondsDistribution,
		TagKeys:     []tag.Key{Module},
	}
	RemoteWallTimeView = &view.View{
		Measure:     RemoteWallTime,
		Aggregation: workMillisecondsDistribution,
		TagKeys:     []tag.Key{Module},
	}
	RemotePendingTimeView = &view.View{
		Measure:     RemotePendingTime,
		Aggregation: workMillisecondsDistribution,
		TagKeys:     []tag.Key{Module},
	}
)

var views = []*view.View{
	InfoView,
}

// DefaultViews is an array of OpenCensus views for metric gathering purposes
var DefaultViews = func() []*view.View {
	return views
}()

// RegisterViews adds views to the default list without modifying this file.
func RegisterViews(v ...*view.View) {
	views = append(views, v...)
}

var NodeViews = append([]*view.View{
	AllocatorResponsesView,
	AllocatorWaitingView,
	SubtaskExecutionTimeView,
	SubtasksActiveView,
	SubtaskLockContendedView,
}, DefaultViews...)

var SupervisorViews = append([]*view.View{
	MemGateWaitView,
	MonitorCycleDurationView,
	MonitorWatchedView,
	StateFilesCorruptView,
	TaskStepTransitionsView,
	TaskDispositionsView,
	TaskStepDurationView,
	RemoteWorkerWaitView,
	RemoteQueueTimeView,
	RemoteWallTimeView,
	RemotePendingTimeView,
}, DefaultViews...)

// SinceInMilliseconds returns the duration of time since the provide time as a float64.
func SinceInMilliseconds(startTime time.Time) float64 {
	return float64(build.Clock.Since(startTime).Milliseconds())
}

// Timer is a function stopwatch, calling it starts the timer,
// calling the returned function will record the duration.
func Timer(ctx context.Context, m *stats.Float64Measure) func() time.Duration {
	start := build.Clock.Now()
	return func() time.Duration {
		stats.Record(ctx, m.M(SinceInMilliseconds(start)))
		return build.Clock.Since(start)
	}
}

// RecordInfo tags the process with its version and role.
func RecordInfo(ctx context.Context, nodeType string) context.Context {
	ctx, _ = tag.New(ctx,
		tag.Insert(Version, build.BuildVersion),
		tag.Insert(Commit, build.CurrentCommit),
		tag.Insert(NodeType, nodeType),
	)
	stats.Record(ctx, ZiggyInfo.M(1))
	return ctx
}

// Milliseconds records a precomputed duration.
func Milliseconds(ctx context.Context, m *stats.Float64Measure, d time.Duration) {
	stats.Record(ctx, m.M(float64(d.Milliseconds())))
}

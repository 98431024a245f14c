// Package monitor watches task state files from the supervisor side and
// decides what happens to a task once its jobs stop changing it.
package monitor

import (
	"context"

	logging "github.com/ipfs/go-log/v2"

	"github.com/ziggy-project/ziggy/journal/alerting"
	"github.com/ziggy-project/ziggy/task/statefile"
	"github.com/ziggy-project/ziggy/task/store"
)

var log = logging.Logger("monitor")

// AlertSource is the source name on alerts raised by the monitors.
const AlertSource = "algorithm-monitor"

// Kind selects the local or the remote monitor.
type Kind int

const (
	Local Kind = iota
	Remote
)

func (k Kind) String() string {
	switch k {
	case Local:
		return "local"
	case Remote:
		return "remote"
	default:
		return "unknown"
	}
}

// JobMonitor is the view of the jobs running a task, on this host or on a
// cluster backend.
type JobMonitor interface {
	// Update refreshes the monitor's view of its jobs. Called once per cycle.
	Update(ctx context.Context) error
	AddToMonitoring(sf statefile.StateFile)
	EndMonitoring(sf statefile.StateFile)
	// IsFinished reports that every job of the task has ended.
	IsFinished(sf statefile.StateFile) bool
	// ExitStatus and ExitComment are keyed by job id.
	ExitStatus(sf statefile.StateFile) map[string]int
	ExitComment(sf statefile.StateFile) map[string]string
	IncompleteJobIDs(sf statefile.StateFile) []string
	DeleteJobs(ctx context.Context, ids []string) error
}

// TaskTracker is the part of the task store the monitors update.
type TaskTracker interface {
	Get(ctx context.Context, id uint64) (store.Task, error)
	UpdateSubtaskCounts(ctx context.Context, id uint64, total, complete, failed int) error
	UpdateStep(ctx context.Context, id uint64, step store.Step) error
	MarkErrored(ctx context.Context, id uint64, errored bool) error
	SetDisposition(ctx context.Context, id uint64, disposition string) error
	PrepareAutoResubmit(ctx context.Context, id uint64) (store.Task, error)
}

var _ TaskTracker = (store.TaskStore)(nil)

// AlertSink receives operator alerts about tasks.
type AlertSink interface {
	Broadcast(source string, taskID uint64, sev alerting.Severity, msg string)
}

var _ AlertSink = (*alerting.Alerting)(nil)

// TaskHandler takes a task back once its jobs are done with it.
type TaskHandler interface {
	// PersistTaskResults moves the task on to storing its results.
	PersistTaskResults(ctx context.Context, taskID uint64) error
	// ResubmitTask submits the task again at the highest priority.
	ResubmitTask(ctx context.Context, t store.Task) error
}

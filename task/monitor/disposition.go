package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/ziggy-project/ziggy/journal/alerting"
	"github.com/ziggy-project/ziggy/metrics"
	"github.com/ziggy-project/ziggy/task/statefile"
	"github.com/ziggy-project/ziggy/task/store"
)

// Disposition is what happens to a task whose jobs have stopped.
type Disposition int

const (
	Persist Disposition = iota
	Resubmit
	Fail
)

func (d Disposition) String() string {
	switch d {
	case Persist:
		return "PERSIST"
	case Resubmit:
		return "RESUBMIT"
	case Fail:
		return "FAIL"
	default:
		return fmt.Sprintf("Disposition(%d)", int(d))
	}
}

// DispositionFor decides from the final state file and the task's budgets.
// Subtasks that never ran count against maxFailedSubtasks like failed ones.
func DispositionFor(sf statefile.StateFile, t store.Task) Disposition {
	if sf.IsDeleted() {
		return Fail
	}
	if sf.NumTotal-sf.NumComplete <= t.MaxFailedSubtasks {
		return Persist
	}
	if t.AutoResubmitCount < t.MaxAutoResubmits {
		return Resubmit
	}
	return Fail
}

// jobExits is what the job backend reported for a task's jobs, captured
// before the task is dropped from the backend.
type jobExits struct {
	status   map[string]int
	comments map[string]string
}

func (m *AlgorithmMonitor) exitsOf(sf statefile.StateFile) jobExits {
	return jobExits{status: m.jobs.ExitStatus(sf), comments: m.jobs.ExitComment(sf)}
}

// applyDisposition carries out d for the task sf belongs to.
func (m *AlgorithmMonitor) applyDisposition(ctx context.Context, d Disposition, sf statefile.StateFile, t store.Task, exits jobExits) error {
	tctx, _ := tag.New(ctx, tag.Upsert(metrics.Disposition, d.String()), tag.Upsert(metrics.Module, t.Module))
	stats.Record(tctx, metrics.TaskDispositions.M(1))

	switch d {
	case Persist:
		if sf.NumFailed != 0 {
			log.Warnw("subtasks failed but task completed", "task", t.ID, "failed", sf.NumFailed, "complete", sf.NumComplete)
			m.alerts.Broadcast(AlertSource, t.ID, alerting.SeverityWarning, "Failed subtasks, see logs for details")
		}
		if err := m.tracker.SetDisposition(ctx, t.ID, d.String()); err != nil {
			return err
		}
		log.Infow("sending task to persist results", "task", t.ID)
		return m.handler.PersistTaskResults(ctx, t.ID)

	case Resubmit:
		log.Warnw("resubmitting task for additional processing", "task", t.ID, "resubmits", t.AutoResubmitCount)
		m.alerts.Broadcast(AlertSource, t.ID, alerting.SeverityWarning, "Resubmitting task for further processing")
		nt, err := m.tracker.PrepareAutoResubmit(ctx, t.ID)
		if err != nil {
			return err
		}
		return m.handler.ResubmitTask(ctx, nt)

	case Fail:
		log.Errorw("task failed, marking task as errored and not restarting", "task", t.ID, "monitor", m.kind)
		m.handleFailedTask(sf, exits)
		if err := m.tracker.SetDisposition(ctx, t.ID, d.String()); err != nil {
			return err
		}
		return m.tracker.MarkErrored(ctx, t.ID, true)

	default:
		return xerrors.Errorf("unhandled disposition %s", d)
	}
}

// handleFailedTask logs what the job backend knows about the failure and
// raises an ERROR alert.
func (m *AlgorithmMonitor) handleFailedTask(sf statefile.StateFile, exits jobExits) {
	exitState := "deleted"
	if sf.IsDeleted() {
		log.Errorw("task has state file in DELETED state", "task", sf.TaskID)
	} else {
		log.Errorw("task has failed", "task", sf.TaskID)
		exitState = "failed"
	}

	status := formatByJob(exits.status, func(v int) string { return fmt.Sprint(v) })
	if status == "" {
		log.Error("no exit status provided")
		status = "not provided"
	} else {
		log.Errorw("exit status from job backend", "jobs", status)
	}
	comment := formatByJob(exits.comments, func(v string) string { return v })
	if comment == "" {
		log.Error("no exit comment provided")
		comment = "not provided"
	} else {
		log.Errorw("exit comment from job backend", "jobs", comment)
	}

	msg := "Task " + exitState
	if m.kind == Remote {
		msg += ", return codes = " + status + ", comments = " + comment
	}
	m.alerts.Broadcast(AlertSource, sf.TaskID, alerting.SeverityError, msg)
}

// formatByJob renders values as "id(value) id(value)" in job id order.
func formatByJob[V any](byJob map[string]V, str func(V) string) string {
	if len(byJob) == 0 {
		return ""
	}
	ids := lo.Keys(byJob)
	sort.Strings(ids)
	return strings.Join(lo.Map(ids, func(id string, _ int) string {
		return id + "(" + str(byJob[id]) + ")"
	}), " ")
}

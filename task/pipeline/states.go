package pipeline

import (
	"context"
	"os"
	"time"

	"github.com/filecoin-project/go-statemachine"
	"github.com/hako/durafmt"
	"go.opencensus.io/stats"
	"golang.org/x/xerrors"

	"github.com/ziggy-project/ziggy/build"
	"github.com/ziggy-project/ziggy/journal/alerting"
	"github.com/ziggy-project/ziggy/metrics"
	"github.com/ziggy-project/ziggy/task/monitor"
	"github.com/ziggy-project/ziggy/task/statefile"
	"github.com/ziggy-project/ziggy/task/store"
	"github.com/ziggy-project/ziggy/task/taskdir"
)

func invariantPart(t store.Task) statefile.InvariantPart {
	return statefile.InvariantPart{InstanceID: t.InstanceID, TaskID: t.ID, Module: t.Module}
}

func (p *Pipeline) handleInitializing(ctx statemachine.Context, pi ProcessingInfo) error {
	t, err := p.store.Get(ctx.Context(), pi.TaskID)
	if err != nil {
		return err
	}
	dir := p.taskDir(t)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return xerrors.Errorf("creating task dir: %w", err)
	}
	log.Infow("task initialized", "task", t.ID, "dir", dir)
	return ctx.Send(TaskInitialized{})
}

func (p *Pipeline) handleMarshaling(ctx statemachine.Context, pi ProcessingInfo) error {
	t, err := p.store.Get(ctx.Context(), pi.TaskID)
	if err != nil {
		return err
	}
	n, err := p.marshaler.Marshal(ctx.Context(), t, p.taskDir(t))
	if err != nil {
		return xerrors.Errorf("marshaling inputs: %w", err)
	}
	if err := p.store.UpdateSubtaskCounts(ctx.Context(), t.ID, n, 0, 0); err != nil {
		return err
	}
	return ctx.Send(TaskMarshaled{Subtasks: n})
}

func (p *Pipeline) handleSubmitting(ctx statemachine.Context, pi ProcessingInfo) error {
	t, err := p.store.Get(ctx.Context(), pi.TaskID)
	if err != nil {
		return err
	}
	dir := p.taskDir(t)

	if pi.Resubmitted {
		if err := clearStaleSubtasks(dir); err != nil {
			return err
		}
	}
	counts, err := taskdir.CountSubtasks(dir)
	if err != nil {
		return err
	}
	if counts.Total == 0 {
		return xerrors.Errorf("%s has no subtasks to submit", t)
	}
	if err := p.store.UpdateSubtaskCounts(ctx.Context(), t.ID, counts.Total, counts.Complete, counts.Failed); err != nil {
		return err
	}

	sf := p.queuedStateFile(t, counts)
	if err := sf.Persist(p.cfg.StateDir); err != nil {
		return err
	}
	if cores := sf.ActiveCoresPerNode(); cores > 0 {
		if err := taskdir.WriteIntFile(dir, taskdir.ActiveCoresFile, int64(cores)); err != nil {
			return err
		}
	}
	if wt := sf.WallTimeSeconds(); wt > 0 {
		if err := taskdir.WriteIntFile(dir, taskdir.WallTimeFile, wt); err != nil {
			return err
		}
	}

	id, err := p.executor.Submit(ctx.Context(), t, sf, dir)
	if err != nil {
		return err
	}
	log.Infow("task submitted", "task", t.ID, "executor", p.executor.Kind(), "submission", id, "state", sf.Name())

	p.monitors.StartMonitoring(p.executor.Kind(), sf)
	p.startTaskMonitor(t.ID, dir)
	return ctx.Send(TaskSubmitted{SubmissionID: id})
}

func clearStaleSubtasks(dir string) error {
	idx, err := taskdir.SubtaskIndices(dir)
	if err != nil {
		return err
	}
	for _, i := range idx {
		if err := taskdir.ClearStaleState(taskdir.SubtaskDir(dir, i)); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) queuedStateFile(t store.Task, counts taskdir.Counts) statefile.StateFile {
	sf := statefile.New(invariantPart(t), statefile.Queued, counts.Total).
		WithCounts(counts.Total, counts.Complete, counts.Failed)

	if t.Executable != "" {
		sf.SetExecutableName(t.Executable)
	}
	cores := t.Remote.MinCoresPerNode
	if cores <= 0 {
		cores = p.cfg.DefaultCoresPerNode
	}
	if cores > 0 {
		sf.SetActiveCoresPerNode(cores)
	}
	if t.GigsPerSubtask > 0 {
		sf.SetGigsPerSubtask(t.GigsPerSubtask)
	}

	r := t.Remote
	if r.Architecture != "" {
		sf.SetRemoteNodeArchitecture(r.Architecture)
	}
	if r.Group != "" {
		sf.SetRemoteGroup(r.Group)
	}
	if r.Queue != "" {
		sf.SetQueueName(r.Queue)
	}
	if r.WallTime != "" {
		sf.SetRequestedWallTime(r.WallTime)
	}
	if r.NodeCount > 0 {
		sf.SetRequestedNodeCount(r.NodeCount)
	}
	if r.MinCoresPerNode > 0 {
		sf.SetMinCoresPerNode(r.MinCoresPerNode)
	}
	if r.MinGigsPerNode > 0 {
		sf.SetMinGigsPerNode(r.MinGigsPerNode)
	}

	sf.SetPbsSubmitTimeMillis(build.Clock.Now().UnixMilli())
	return sf
}

func (p *Pipeline) startTaskMonitor(id uint64, dir string) *monitor.TaskMonitor {
	tm := monitor.NewTaskMonitor(monitor.TaskMonitorConfig{
		TaskID:           id,
		TaskDir:          dir,
		Tracker:          p.store,
		Interval:         p.cfg.TaskMonitorInterval,
		FinishRetries:    p.cfg.FinishRetries,
		FinishRetryDelay: p.cfg.FinishRetryDelay,
	})

	p.lk.Lock()
	if old := p.taskMonitors[id]; old != nil {
		old.Stop()
	}
	p.taskMonitors[id] = tm
	p.lk.Unlock()

	tm.Start(p.runCtx)
	return tm
}

func (p *Pipeline) taskMonitor(id uint64) *monitor.TaskMonitor {
	p.lk.Lock()
	defer p.lk.Unlock()
	return p.taskMonitors[id]
}

// handleWaiting makes sure the task's state file is watched while its jobs
// run; after a restart nothing may be watching it yet.
func (p *Pipeline) handleWaiting(ctx statemachine.Context, pi ProcessingInfo) error {
	t, err := p.store.Get(ctx.Context(), pi.TaskID)
	if err != nil {
		return err
	}
	ip := invariantPart(t)
	am := p.monitors.Monitor(p.executor.Kind())

	if !am.IsWatching(ip) {
		sf, err := statefile.FromDisk(p.cfg.StateDir, ip)
		if err != nil {
			return xerrors.Errorf("finding state file of %s: %w", t, err)
		}
		if sf.IsTerminal() {
			// the next cycle sees the terminal file as a change and hands it back
			sf = sf.WithState(statefile.Processing)
		}
		am.StartMonitoring(sf)
	}
	if p.taskMonitor(t.ID) == nil {
		p.startTaskMonitor(t.ID, p.taskDir(t))
	}
	am.Trigger()
	return nil
}

func (p *Pipeline) handleAlgorithmComplete(ctx statemachine.Context, pi ProcessingInfo) error {
	log.Infow("algorithm processing complete", "task", pi.TaskID, "submission", pi.SubmissionID)
	return nil
}

func (p *Pipeline) handleStoring(ctx statemachine.Context, pi ProcessingInfo) error {
	t, err := p.store.Get(ctx.Context(), pi.TaskID)
	if err != nil {
		return err
	}
	dir := p.taskDir(t)

	tm := p.taskMonitor(t.ID)
	if tm == nil {
		tm = monitor.NewTaskMonitor(monitor.TaskMonitorConfig{
			TaskID:           t.ID,
			TaskDir:          dir,
			Tracker:          p.store,
			FinishRetries:    p.cfg.FinishRetries,
			FinishRetryDelay: p.cfg.FinishRetryDelay,
		})
	}
	counts, _, err := tm.Finalize(ctx.Context())
	tm.Stop()
	p.lk.Lock()
	delete(p.taskMonitors, t.ID)
	p.lk.Unlock()
	if err != nil {
		return xerrors.Errorf("final subtask count: %w", err)
	}

	p.recordExecutionTimes(ctx.Context(), t.ID, dir)

	bad := counts.Total - counts.Complete
	switch {
	case counts.Total > 0 && counts.Complete == 0:
		return xerrors.Errorf("all %d subtasks failed, nothing to persist", counts.Total)
	case bad > 0 && !p.cfg.AllowPartialTasks:
		return xerrors.Errorf("%d of %d subtasks failed and partial tasks are not allowed", bad, counts.Total)
	case bad > 0:
		log.Warnw("persisting partial task", "task", t.ID, "complete", counts.Complete, "total", counts.Total)
	}

	if err := p.persister.Persist(ctx.Context(), t, dir); err != nil {
		return xerrors.Errorf("persisting outputs: %w", err)
	}
	return ctx.Send(TaskStored{})
}

// recordExecutionTimes turns the node timestamp markers into measures. Any
// marker may be missing; those intervals are skipped.
func (p *Pipeline) recordExecutionTimes(ctx context.Context, id uint64, dir string) {
	intervals := []struct {
		name     string
		from, to taskdir.Event
		m        *stats.Float64Measure
	}{
		{"worker wait", taskdir.QueuedEvent, taskdir.ArriveComputeNodes, metrics.RemoteWorkerWait},
		{"queue time", taskdir.QueuedEvent, taskdir.Start, metrics.RemoteQueueTime},
		{"wall time", taskdir.Start, taskdir.Finish, metrics.RemoteWallTime},
	}
	for _, iv := range intervals {
		d, ok, err := taskdir.Elapsed(dir, iv.from, iv.to)
		if err != nil {
			log.Warnw("reading timestamps", "task", id, "interval", iv.name, "error", err)
			continue
		}
		if !ok {
			continue
		}
		metrics.Milliseconds(ctx, iv.m, d)
		log.Infow("task timing", "task", id, "interval", iv.name, "elapsed", durafmt.Parse(d).LimitFirstN(2).String())
	}

	if finish, ok, err := taskdir.ReadTimestamp(dir, taskdir.Finish); err == nil && ok {
		d := build.Clock.Since(finish)
		metrics.Milliseconds(ctx, metrics.RemotePendingTime, d)
		log.Infow("task timing", "task", id, "interval", "pending receive", "elapsed", durafmt.Parse(d).LimitFirstN(2).String())
	}
}

func (p *Pipeline) handleComplete(ctx statemachine.Context, pi ProcessingInfo) error {
	t, err := p.store.Get(ctx.Context(), pi.TaskID)
	if err != nil {
		return err
	}
	took := build.Clock.Since(t.Created).Truncate(time.Second)
	log.Infow("task complete", "task", t.ID, "subtasks", t.Total, "failed", t.Failed, "took", durafmt.Parse(took).LimitFirstN(2).String())
	return nil
}

func (p *Pipeline) handleHalted(ctx statemachine.Context, pi ProcessingInfo) error {
	log.Warnw("task halted", "task", pi.TaskID, "step", pi.Step)
	if err := p.store.MarkErrored(ctx.Context(), pi.TaskID, true); err != nil {
		return err
	}
	p.alerts.Broadcast(AlertSource, pi.TaskID, alerting.SeverityWarning, "Task halted before step "+pi.Step)
	if tm := p.taskMonitor(pi.TaskID); tm != nil {
		tm.Trigger(monitor.TaskHalted)
	}
	return nil
}

// fail records a handler error: the task stays in its step, errored.
func (p *Pipeline) fail(ctx statemachine.Context, pi ProcessingInfo, err error) {
	log.Errorw("task step failed", "task", pi.TaskID, "step", pi.Step, "error", err)
	if merr := p.store.MarkErrored(ctx.Context(), pi.TaskID, true); merr != nil {
		log.Warnw("marking task errored", "task", pi.TaskID, "error", merr)
	}
	p.alerts.Broadcast(AlertSource, pi.TaskID, alerting.SeverityError, "Task failed in step "+pi.Step+": "+err.Error())
	if serr := ctx.Send(TaskFailed{Error: err.Error()}); serr != nil {
		log.Errorw("recording task failure", "task", pi.TaskID, "error", serr)
	}
}

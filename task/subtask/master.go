package subtask

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opencensus.io/stats"
	"golang.org/x/xerrors"

	"github.com/ziggy-project/ziggy/lib/filelock"
	"github.com/ziggy-project/ziggy/metrics"
	"github.com/ziggy-project/ziggy/task/taskdir"
)

// ExitStatus keeps the first nonzero algorithm exit code seen by any worker.
// Negative codes stand for processes that never ran to exit and are ignored.
type ExitStatus struct {
	code atomic.Int32
}

func (s *ExitStatus) Observe(code int) {
	if code > 0 {
		s.code.CompareAndSwap(0, int32(code))
	}
}

func (s *ExitStatus) Code() int {
	return int(s.code.Load())
}

// Master is one worker loop. A node runs one Master per active core.
type Master struct {
	ID       int
	Node     string
	TaskDir  string
	Client   *Client
	Executor *Executor
	JobInfo  taskdir.JobInfo
	Exit     *ExitStatus
}

// Run processes subtasks until the server has no more work. Failures of a
// single subtask never end the loop.
func (m *Master) Run(ctx context.Context) error {
	for {
		resp, err := m.Client.NextSubtask(ctx)
		if err != nil {
			if xerrors.Is(err, ErrServerClosed) {
				log.Infow("subtask server closed, worker exiting", "node", m.Node, "worker", m.ID)
				return nil
			}
			return xerrors.Errorf("worker %d: %w", m.ID, err)
		}
		if resp.Status == NoMore {
			log.Infow("no more subtasks to process, worker exiting", "node", m.Node, "worker", m.ID)
			return nil
		}
		if resp.Status != OK {
			log.Errorw("unexpected response, worker exiting", "worker", m.ID, "status", resp.Status)
			return nil
		}

		m.processOne(ctx, resp.Index)
	}
}

func (m *Master) processOne(ctx context.Context, index int) {
	dir := taskdir.SubtaskDir(m.TaskDir, index)
	report := m.Client.ReportSubtaskComplete

	defer func() {
		if r := recover(); r != nil {
			log.Errorw("panic while processing subtask", "index", index, "panic", fmt.Sprint(r))
			report = m.Client.ReportSubtaskComplete
		}
		if err := report(ctx, index); err != nil {
			log.Warnw("reporting subtask", "index", index, "error", err)
		}
	}()

	unlock, ok, err := filelock.TryLock(dir, filelock.SubtaskLockName)
	if err != nil {
		log.Errorw("error occurred during processing of subtask", "index", index, "error", err)
		return
	}
	if !ok {
		log.Infow("subtask locked by another job", "index", index)
		stats.Record(ctx, metrics.SubtaskLockContended.M(1))
		report = m.Client.ReportSubtaskLocked
		return
	}
	defer unlock.Release()

	if m.alreadyProcessed(dir) {
		return
	}

	if err := m.execute(ctx, dir, index); err != nil {
		log.Errorw("error occurred during processing of subtask", "index", index, "error", err)
	}
}

// alreadyProcessed inspects the marker left by an earlier run. A leftover
// PROCESSING marker is skipped like COMPLETE even though the lock is free,
// meaning its previous owner died mid-run.
func (m *Master) alreadyProcessed(dir string) bool {
	switch st := taskdir.CurrentState(dir); st {
	case taskdir.StateNone:
		log.Debugw("no previous subtask state, executing", "dir", dir)
		return false
	case taskdir.StateComplete:
		log.Infow("subtask state COMPLETE, skipping", "dir", dir)
		return true
	case taskdir.StateProcessing:
		log.Infow(".PROCESSING state detected, skipping", "dir", dir)
		return true
	case taskdir.StateFailed:
		log.Infow(".FAILED state detected, re-executing", "dir", dir)
		return false
	default:
		log.Infow("unexpected subtask state, restarting subtask", "dir", dir, "state", st)
		return false
	}
}

func (m *Master) execute(ctx context.Context, dir string, index int) error {
	if err := taskdir.WriteJobInfo(dir, m.JobInfo); err != nil {
		return err
	}
	if err := taskdir.WriteTimestampNow(dir, taskdir.SubtaskStart); err != nil {
		return err
	}
	defer func() {
		if err := taskdir.WriteTimestampNow(dir, taskdir.SubtaskFinish); err != nil {
			log.Warnw("writing subtask finish timestamp", "dir", dir, "error", err)
		}
	}()

	stats.Record(ctx, metrics.SubtasksActive.M(1))
	defer stats.Record(ctx, metrics.SubtasksActive.M(-1))

	log.Infow("START subtask", "index", index, "node", m.Node, "worker", m.ID)
	code, err := m.Executor.Execute(ctx, dir)
	log.Infow("FINISH subtask", "index", index, "node", m.Node, "retCode", code)

	if err != nil {
		return err
	}
	if m.Exit != nil {
		m.Exit.Observe(code)
	}
	if code != 0 {
		return xerrors.Errorf("failed to run %s, retCode=%d", m.Executor.Binary, code)
	}
	return nil
}

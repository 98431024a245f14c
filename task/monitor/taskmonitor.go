package monitor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/ziggy-project/ziggy/build"
	"github.com/ziggy-project/ziggy/task/taskdir"
)

// Trigger is an event that warrants an immediate subtask rescan.
type Trigger int

const (
	WorkerExiting Trigger = iota
	AllJobsFinished
	TaskHalted
)

func (t Trigger) String() string {
	switch t {
	case WorkerExiting:
		return "worker-exiting"
	case AllJobsFinished:
		return "all-jobs-finished"
	case TaskHalted:
		return "task-halted"
	default:
		return "unknown"
	}
}

const (
	DefaultTaskMonitorInterval    = 30 * time.Second
	DefaultFinishMarkerRetries    = 3
	DefaultFinishMarkerRetryDelay = 2 * time.Second
)

// CountsUpdater receives subtask tallies.
type CountsUpdater interface {
	UpdateSubtaskCounts(ctx context.Context, id uint64, total, complete, failed int) error
}

type TaskMonitorConfig struct {
	TaskID  uint64
	TaskDir string
	Tracker CountsUpdater

	Interval         time.Duration
	FinishRetries    int
	FinishRetryDelay time.Duration
}

// TaskMonitor tallies the subtask markers of one task directory and reports
// changes to the task store.
type TaskMonitor struct {
	cfg TaskMonitorConfig

	lk   sync.Mutex
	last taskdir.Counts
	seen bool

	triggers chan Trigger
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewTaskMonitor(cfg TaskMonitorConfig) *TaskMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTaskMonitorInterval
	}
	if cfg.FinishRetries <= 0 {
		cfg.FinishRetries = DefaultFinishMarkerRetries
	}
	if cfg.FinishRetryDelay <= 0 {
		cfg.FinishRetryDelay = DefaultFinishMarkerRetryDelay
	}
	return &TaskMonitor{
		cfg:      cfg,
		triggers: make(chan Trigger, 4),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start rescans every interval, and right away on each trigger.
func (tm *TaskMonitor) Start(ctx context.Context) {
	go func() {
		defer close(tm.done)
		for {
			select {
			case <-build.Clock.After(tm.cfg.Interval):
			case t := <-tm.triggers:
				log.Debugw("rescanning subtasks", "task", tm.cfg.TaskID, "trigger", t)
			case <-tm.stop:
				return
			case <-ctx.Done():
				return
			}
			if _, err := tm.Rescan(ctx); err != nil {
				log.Warnw("rescanning subtasks", "task", tm.cfg.TaskID, "error", err)
			}
		}
	}()
}

func (tm *TaskMonitor) Stop() {
	tm.stopOnce.Do(func() { close(tm.stop) })
}

// Done is closed once a started monitor has stopped.
func (tm *TaskMonitor) Done() <-chan struct{} {
	return tm.done
}

func (tm *TaskMonitor) Trigger(t Trigger) {
	select {
	case tm.triggers <- t:
	default:
		log.Debugw("rescan already pending", "task", tm.cfg.TaskID, "trigger", t)
	}
}

// Rescan counts the subtask markers and reports them when they changed.
func (tm *TaskMonitor) Rescan(ctx context.Context) (taskdir.Counts, error) {
	counts, err := taskdir.CountSubtasks(tm.cfg.TaskDir)
	if err != nil {
		return taskdir.Counts{}, err
	}
	if counts.Total == 0 {
		log.Warnw("no subtask directories found", "dir", tm.cfg.TaskDir)
	}

	tm.lk.Lock()
	changed := !tm.seen || counts != tm.last
	tm.lk.Unlock()
	if !changed {
		return counts, nil
	}

	if tm.cfg.Tracker != nil {
		if err := tm.cfg.Tracker.UpdateSubtaskCounts(ctx, tm.cfg.TaskID, counts.Total, counts.Complete, counts.Failed); err != nil {
			// left unrecorded so the next rescan reports again
			return counts, xerrors.Errorf("reporting subtask counts: %w", err)
		}
	}

	tm.lk.Lock()
	tm.last, tm.seen = counts, true
	tm.lk.Unlock()
	return counts, nil
}

// Finalize waits a bounded time for the node's FINISH marker, which on shared
// filesystems can show up after the subtask markers, then takes final counts.
// finished is false when the marker never appeared.
func (tm *TaskMonitor) Finalize(ctx context.Context) (counts taskdir.Counts, finished bool, err error) {
	for attempt := 0; ; attempt++ {
		_, finished, err = taskdir.ReadTimestamp(tm.cfg.TaskDir, taskdir.Finish)
		if err != nil {
			return taskdir.Counts{}, false, err
		}
		if finished || attempt >= tm.cfg.FinishRetries {
			break
		}
		log.Infow("waiting for FINISH marker", "task", tm.cfg.TaskID, "attempt", attempt+1)
		select {
		case <-build.Clock.After(tm.cfg.FinishRetryDelay):
		case <-ctx.Done():
			return taskdir.Counts{}, false, ctx.Err()
		}
	}
	if !finished {
		log.Warnw("FINISH marker not found, processing considered over", "task", tm.cfg.TaskID)
	}

	counts, err = tm.Rescan(ctx)
	return counts, finished, err
}

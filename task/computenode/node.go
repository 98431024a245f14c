// Package computenode coordinates one compute-node job over a task directory:
// it owns the subtask server and a fixed pool of workers, publishes progress
// through the task's state file and leaves timestamp markers for the monitor.
package computenode

import (
	"context"
	"os"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/ziggy-project/ziggy/build"
	"github.com/ziggy-project/ziggy/task/statefile"
	"github.com/ziggy-project/ziggy/task/subtask"
	"github.com/ziggy-project/ziggy/task/taskdir"
)

var log = logging.Logger("computenode")

const DefaultPollInterval = 10 * time.Second

type Config struct {
	StateDir string
	BinPath  string
	// Executable overrides the state file's executableName; the module name
	// is used when both are empty.
	Executable string
	Env        map[string]string

	DefaultCoresPerNode int
	PollInterval        time.Duration
	TryAgainInterval    time.Duration
}

type Node struct {
	cfg     Config
	taskDir string
	task    statefile.InvariantPart
	job     taskdir.JobInfo

	cores    int
	wallTime time.Duration

	srv         *subtask.Server
	workers     *errgroup.Group
	workersDone chan struct{}
	workerErr   error
	cancel      context.CancelFunc
	exit        subtask.ExitStatus
	final       taskdir.Counts
}

// New binds a node to taskDir, whose name must be <inst>-<task>-<module>,
// and marks the directory as processing.
func New(taskDir string, cfg Config) (*Node, error) {
	abs, err := filepath.Abs(taskDir)
	if err != nil {
		return nil, xerrors.Errorf("resolving task dir: %w", err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, xerrors.Errorf("task dir: %w", err)
	}
	if !fi.IsDir() {
		return nil, xerrors.Errorf("task dir %s is not a directory", abs)
	}
	ip, err := statefile.ParseTaskDirName(filepath.Base(abs))
	if err != nil {
		return nil, err
	}
	if _, err := statefile.FromDisk(cfg.StateDir, ip); err != nil {
		return nil, xerrors.Errorf("loading state file: %w", err)
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.DefaultCoresPerNode <= 0 {
		cfg.DefaultCoresPerNode = 1
	}

	if err := taskdir.SetState(abs, taskdir.StateProcessing); err != nil {
		return nil, err
	}

	return &Node{
		cfg:     cfg,
		taskDir: abs,
		task:    ip,
		job:     taskdir.CurrentJobInfo(),
	}, nil
}

func (n *Node) Task() statefile.InvariantPart {
	return n.task
}

func (n *Node) Cores() int {
	return n.cores
}

// ExitSubtasksFailed is the node's exit code when subtasks failed without
// any algorithm exiting nonzero, e.g. a missing executable or an exceeded
// wall time.
const ExitSubtasksFailed = 3

// ExitCode is the first nonzero algorithm exit code seen by any worker, or
// ExitSubtasksFailed when Finish found failed subtasks without one.
func (n *Node) ExitCode() int {
	if code := n.exit.Code(); code != 0 {
		return code
	}
	if n.final.Failed > 0 {
		return ExitSubtasksFailed
	}
	return 0
}

// Initialize prepares the node and starts its workers. It returns false when
// every subtask was already processed and there is nothing to run.
func (n *Node) Initialize(ctx context.Context) (bool, error) {
	counts, sf, err := n.updateState(ctx)
	if err != nil {
		return false, err
	}
	if counts.AllProcessed() {
		log.Infow("all subtasks processed, nothing to do", "task", n.task, "total", counts.Total)
		return false, nil
	}
	if sf.IsDeleted() {
		log.Infow("task deleted, nothing to do", "task", n.task)
		return false, nil
	}

	n.cores = n.coresPerNode(sf)
	n.wallTime = n.requestedWallTime(sf)
	log.Infow("starting compute node", "task", n.task, "node", n.job.Node, "cores", n.cores, "wallTime", n.wallTime)

	n.markProcessing()

	executable := n.cfg.Executable
	if executable == "" {
		executable = sf.ExecutableName()
	}
	if executable == "" || executable == statefile.InvalidString {
		executable = n.task.Module
	}

	slots, skip, err := taskdir.SubtaskSlots(n.taskDir)
	if err != nil {
		return false, err
	}
	n.srv = subtask.NewServer(subtask.NewAllocator(slots, skip), n.cores)
	n.srv.Start()

	if err := n.writeStartTimestamps(sf); err != nil {
		return false, err
	}

	wctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	eg, wctx := errgroup.WithContext(wctx)
	n.workers = eg
	n.workersDone = make(chan struct{})

	for i := 0; i < n.cores; i++ {
		m := &subtask.Master{
			ID:      i,
			Node:    n.job.Node,
			TaskDir: n.taskDir,
			Client:  subtask.NewClient(n.srv, n.cfg.TryAgainInterval),
			Executor: &subtask.Executor{
				Binary:   executable,
				BinPath:  n.cfg.BinPath,
				Env:      n.cfg.Env,
				WallTime: n.wallTime,
				StateDir: n.cfg.StateDir,
				Task:     n.task,
			},
			JobInfo: n.job,
			Exit:    &n.exit,
		}
		eg.Go(func() error {
			return m.Run(wctx)
		})
	}
	go func() {
		n.workerErr = eg.Wait()
		close(n.workersDone)
	}()

	return true, nil
}

func (n *Node) coresPerNode(sf statefile.StateFile) int {
	v, ok, err := taskdir.ReadIntFile(n.taskDir, taskdir.ActiveCoresFile)
	if err != nil {
		log.Warnw("reading active cores file", "error", err)
	}
	if ok && v > 0 {
		return int(v)
	}
	if c := sf.ActiveCoresPerNode(); c > 0 {
		return c
	}
	return n.cfg.DefaultCoresPerNode
}

func (n *Node) requestedWallTime(sf statefile.StateFile) time.Duration {
	v, ok, err := taskdir.ReadIntFile(n.taskDir, taskdir.WallTimeFile)
	if err != nil {
		log.Warnw("reading wall time file", "error", err)
	}
	if ok && v > 0 {
		return time.Duration(v) * time.Second
	}
	if s := sf.WallTimeSeconds(); s > 0 {
		return time.Duration(s) * time.Second
	}
	return 0
}

// markProcessing moves a QUEUED state file to PROCESSING. Another node of the
// same task may hold the lock or have done it already; both are fine.
func (n *Node) markProcessing() {
	_, ok, err := statefile.TryTransition(n.cfg.StateDir, n.taskDir, n.task, func(sf statefile.StateFile) (statefile.StateFile, error) {
		if !sf.IsQueued() {
			return sf, nil
		}
		log.Infow("updating state", "from", sf.State, "to", statefile.Processing)
		return sf.WithState(statefile.Processing), nil
	})
	switch {
	case err != nil:
		log.Errorw("updating state file to PROCESSING", "task", n.task, "error", err)
	case !ok:
		log.Infow("state file locked, not updating to PROCESSING", "task", n.task)
	}
}

func (n *Node) writeStartTimestamps(sf statefile.StateFile) error {
	if arrival := sf.PfeArrivalTimeMillis(); arrival > 0 {
		if err := taskdir.WriteTimestampMillis(n.taskDir, taskdir.ArriveComputeNodes, arrival); err != nil {
			return err
		}
	} else if err := taskdir.WriteTimestampNow(n.taskDir, taskdir.ArriveComputeNodes); err != nil {
		return err
	}
	if err := taskdir.WriteTimestampMillis(n.taskDir, taskdir.QueuedEvent, sf.PbsSubmitTimeMillis()); err != nil {
		return err
	}
	return taskdir.WriteTimestampNow(n.taskDir, taskdir.Start)
}

// Monitor publishes subtask counts every poll interval until all subtasks are
// processed, the task is deleted, or every worker has exited.
func (n *Node) Monitor(ctx context.Context) error {
	if n.workersDone == nil {
		return xerrors.New("node not initialized")
	}
	for {
		select {
		case <-n.workersDone:
			log.Infow("all workers exited", "task", n.task)
			if _, _, err := n.updateState(ctx); err != nil {
				log.Warnw("final state update", "error", err)
			}
			return nil
		case <-build.Clock.After(n.cfg.PollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}

		counts, sf, err := n.updateState(ctx)
		if err != nil {
			log.Warnw("updating task state", "task", n.task, "error", err)
			continue
		}
		if counts.AllProcessed() {
			log.Infow("all subtasks processed", "task", n.task, "complete", counts.Complete, "failed", counts.Failed)
			return nil
		}
		if sf.IsDeleted() {
			log.Infow("task deleted, stopping", "task", n.task)
			return nil
		}
	}
}

// updateState recounts subtask markers into the state file. A DELETED state
// file is left as is.
func (n *Node) updateState(ctx context.Context) (taskdir.Counts, statefile.StateFile, error) {
	counts, err := taskdir.CountSubtasks(n.taskDir)
	if err != nil {
		return taskdir.Counts{}, statefile.StateFile{}, err
	}
	sf, err := statefile.Transition(ctx, n.cfg.StateDir, n.taskDir, n.task, func(sf statefile.StateFile) (statefile.StateFile, error) {
		if sf.IsDeleted() {
			return sf, nil
		}
		return sf.WithCounts(counts.Total, counts.Complete, counts.Failed), nil
	})
	if err != nil {
		return counts, statefile.StateFile{}, xerrors.Errorf("updating state file: %w", err)
	}
	return counts, sf, nil
}

// Finish records the FINISH timestamp and, when every subtask was processed,
// marks the state file COMPLETE.
func (n *Node) Finish(ctx context.Context) error {
	if err := taskdir.WriteTimestampNow(n.taskDir, taskdir.Finish); err != nil {
		return err
	}
	counts, err := taskdir.CountSubtasks(n.taskDir)
	if err != nil {
		return err
	}
	n.final = counts
	if !counts.AllProcessed() {
		log.Infow("not all subtasks processed, leaving state file", "task", n.task, "counts", counts)
		return nil
	}
	return n.markStateFileDone(ctx)
}

func (n *Node) markStateFileDone(ctx context.Context) error {
	counts, err := taskdir.CountSubtasks(n.taskDir)
	if err != nil {
		return err
	}
	_, err = statefile.Transition(ctx, n.cfg.StateDir, n.taskDir, n.task, func(sf statefile.StateFile) (statefile.StateFile, error) {
		if sf.IsDeleted() {
			return sf, nil
		}
		// subtasks without a marker never ran to completion
		failed := counts.Total - counts.Complete
		log.Infow("marking state file done", "task", n.task, "complete", counts.Complete, "failed", failed)
		return sf.WithState(statefile.Complete).WithCounts(counts.Total, counts.Complete, failed), nil
	})
	return err
}

// Close stops the subtask server and waits for the workers.
func (n *Node) Close(ctx context.Context) error {
	var err error
	if n.srv != nil {
		err = multierr.Append(err, n.srv.Close(ctx))
	}
	if n.cancel != nil {
		n.cancel()
	}
	if n.workersDone != nil {
		select {
		case <-n.workersDone:
			if n.workerErr != nil && !xerrors.Is(n.workerErr, context.Canceled) {
				err = multierr.Append(err, n.workerErr)
			}
		case <-ctx.Done():
			err = multierr.Append(err, xerrors.Errorf("waiting for workers: %w", ctx.Err()))
		}
	}
	return err
}

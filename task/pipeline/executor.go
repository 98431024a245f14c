package pipeline

import (
	"context"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/xerrors"

	"github.com/ziggy-project/ziggy/build"
	"github.com/ziggy-project/ziggy/lib/memgate"
	"github.com/ziggy-project/ziggy/metrics"
	"github.com/ziggy-project/ziggy/task/monitor"
	"github.com/ziggy-project/ziggy/task/statefile"
	"github.com/ziggy-project/ziggy/task/store"
)

const NodeLogFileName = "ziggy-node.log"

// Executor starts the compute-node jobs of a submitted task.
type Executor interface {
	Kind() monitor.Kind
	// Submit starts the jobs for the task whose QUEUED state file sf was
	// just written, and returns an id for the submission.
	Submit(ctx context.Context, t store.Task, sf statefile.StateFile, taskDir string) (string, error)
}

func ParseExecutorKind(s string) (monitor.Kind, error) {
	switch strings.ToLower(s) {
	case "", "local":
		return monitor.Local, nil
	case "remote":
		return monitor.Remote, nil
	default:
		return 0, xerrors.Errorf("unknown executor %q", s)
	}
}

// RemoteBackend submits compute-node jobs to a batch system.
type RemoteBackend interface {
	SubmitJobs(ctx context.Context, t store.Task, sf statefile.StateFile, taskDir string) ([]string, error)
}

type ExecutorDeps struct {
	NodeBinary string
	RepoPath   string
	StateDir   string
	BinPath    string

	Gate *memgate.Gate
	Jobs *monitor.ProcessMonitor

	Remote RemoteBackend

	// OnExit is called after a local node process was reaped.
	OnExit func(ip statefile.InvariantPart, code int)
}

func NewExecutor(kind monitor.Kind, deps ExecutorDeps) (Executor, error) {
	switch kind {
	case monitor.Local:
		if deps.Jobs == nil {
			return nil, xerrors.New("local executor needs a process monitor")
		}
		return &LocalExecutor{deps: deps}, nil
	case monitor.Remote:
		if deps.Remote == nil {
			return nil, xerrors.New("remote execution requires a batch backend")
		}
		return &RemoteExecutor{backend: deps.Remote}, nil
	default:
		return nil, xerrors.Errorf("unknown executor kind %d", kind)
	}
}

// LocalExecutor runs one ziggy-node process per task on this host, once the
// memory gate admits it.
type LocalExecutor struct {
	deps ExecutorDeps
}

func (e *LocalExecutor) Kind() monitor.Kind {
	return monitor.Local
}

// RequiredMiB is the memory a local node needs to run cores subtasks at once.
func RequiredMiB(gigsPerSubtask float64, cores int) int64 {
	if gigsPerSubtask <= 0 || cores <= 0 {
		return 0
	}
	return int64(math.Ceil(gigsPerSubtask * float64(cores) * 1024))
}

func (e *LocalExecutor) Submit(ctx context.Context, t store.Task, sf statefile.StateFile, taskDir string) (string, error) {
	mib := RequiredMiB(sf.GigsPerSubtask(), sf.ActiveCoresPerNode())
	if e.deps.Gate != nil {
		start := build.Clock.Now()
		if err := e.deps.Gate.Acquire(ctx, mib); err != nil {
			return "", xerrors.Errorf("reserving memory for %s: %w", t, err)
		}
		metrics.Milliseconds(ctx, metrics.MemGateWait, build.Clock.Since(start))
	}
	release := func() {
		if e.deps.Gate != nil {
			e.deps.Gate.Release(mib)
		}
	}

	logf, err := os.OpenFile(filepath.Join(taskDir, NodeLogFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		release()
		return "", xerrors.Errorf("opening node log: %w", err)
	}

	args := []string{"--repo", e.deps.RepoPath}
	if e.deps.StateDir != "" {
		args = append(args, "--state-dir", e.deps.StateDir)
	}
	if e.deps.BinPath != "" {
		args = append(args, "--bin-path", e.deps.BinPath)
	}
	args = append(args, taskDir)

	cmd := exec.Command(e.deps.NodeBinary, args...)
	cmd.Dir = taskDir
	cmd.Stdout = logf
	cmd.Stderr = logf
	if err := cmd.Start(); err != nil {
		_ = logf.Close()
		release()
		return "", xerrors.Errorf("starting %s: %w", e.deps.NodeBinary, err)
	}

	ip := sf.InvariantPart
	pid := cmd.Process.Pid
	e.deps.Jobs.Register(ip, pid, filepath.Base(e.deps.NodeBinary))
	log.Infow("started compute node", "task", t.ID, "pid", pid, "memory", mib)

	go func() {
		_ = cmd.Wait()
		code := cmd.ProcessState.ExitCode()
		e.deps.Jobs.RecordExit(ip, pid, code)
		_ = logf.Close()
		release()
		log.Infow("compute node exited", "task", t.ID, "pid", pid, "code", code)
		if e.deps.OnExit != nil {
			e.deps.OnExit(ip, code)
		}
	}()

	return strconv.Itoa(pid), nil
}

// RemoteExecutor hands tasks to a batch system backend.
type RemoteExecutor struct {
	backend RemoteBackend
}

func (e *RemoteExecutor) Kind() monitor.Kind {
	return monitor.Remote
}

func (e *RemoteExecutor) Submit(ctx context.Context, t store.Task, sf statefile.StateFile, taskDir string) (string, error) {
	ids, err := e.backend.SubmitJobs(ctx, t, sf, taskDir)
	if err != nil {
		return "", xerrors.Errorf("submitting %s: %w", t, err)
	}
	if len(ids) == 0 {
		return "", xerrors.Errorf("batch system accepted no jobs for %s", t)
	}
	return strings.Join(ids, ","), nil
}

package subtask

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/ziggy-project/ziggy/build"
	"github.com/ziggy-project/ziggy/metrics"
	"github.com/ziggy-project/ziggy/task/statefile"
	"github.com/ziggy-project/ziggy/task/taskdir"
)

// sequence number passed to every algorithm invocation
const seqNum = "0"

// Executor runs the algorithm binary for one subtask.
type Executor struct {
	// Binary is the executable name, searched for on BinPath.
	Binary string
	// BinPath is a list of directories separated by os.PathListSeparator.
	BinPath string
	// Env is added to the environment of this process.
	Env map[string]string
	// WallTime bounds one execution; zero means no limit.
	WallTime time.Duration

	StateDir string
	Task     statefile.InvariantPart
}

func ErrorFileName(binary string) string {
	return binary + "-error.h5"
}

func StdoutFileName(binary string) string {
	return binary + "-stdout-" + seqNum + ".log"
}

func StderrFileName(binary string) string {
	return binary + "-stderr-" + seqNum + ".log"
}

// FindExecutable looks for binary in each directory of binPath.
func FindExecutable(binPath, binary string) (string, error) {
	for _, dir := range filepath.SplitList(binPath) {
		if dir == "" {
			continue
		}
		p := filepath.Join(dir, binary)
		fi, err := os.Stat(p)
		if err != nil || fi.IsDir() {
			continue
		}
		if fi.Mode()&0111 == 0 {
			log.Warnw("found algorithm binary without execute permission", "path", p)
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	return "", xerrors.Errorf("%s on %q: %w", binary, binPath, ErrExecutableNotFound)
}

// Execute runs the algorithm in dir and records the outcome marker. The
// returned code is the process exit status, -1 when it did not run to exit.
func (e *Executor) Execute(ctx context.Context, dir string) (int, error) {
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return -1, xerrors.Errorf("subtask dir %s is not a directory", dir)
	}

	exe, err := FindExecutable(e.BinPath, e.Binary)
	if err != nil {
		if merr := taskdir.SetState(dir, taskdir.StateFailed); merr != nil {
			log.Errorw("marking subtask failed", "dir", dir, "error", merr)
		}
		return -1, err
	}

	errorFile := filepath.Join(dir, ErrorFileName(e.Binary))
	if _, err := os.Stat(errorFile); err == nil {
		log.Infow("deleting stale error file prior to start of processing", "file", errorFile)
		if err := os.Remove(errorFile); err != nil {
			return -1, xerrors.Errorf("removing stale error file: %w", err)
		}
	}

	if err := taskdir.SetState(dir, taskdir.StateProcessing); err != nil {
		return -1, err
	}

	start := build.Clock.Now()
	code, runErr := e.run(ctx, exe, dir)
	elapsed := build.Clock.Since(start)

	sf, err := statefile.FromDisk(e.StateDir, e.Task)
	if err != nil {
		log.Errorw("reading task state file after execution", "task", e.Task, "error", err)
	} else if sf.IsDeleted() {
		// left PROCESSING, like subtasks of deleted remote jobs
		log.Errorw("task deleted, ending execution of subtask", "dir", dir)
		return code, nil
	}

	_, errFileErr := os.Stat(errorFile)
	hasErrorFile := errFileErr == nil

	outcome := taskdir.StateComplete
	switch {
	case runErr != nil:
		log.Warnw("marking subtask as failed, algorithm did not run", "dir", dir, "error", runErr)
		outcome = taskdir.StateFailed
	case code != 0:
		log.Warnw("marking subtask as failed", "dir", dir, "retCode", code)
		outcome = taskdir.StateFailed
	case hasErrorFile:
		log.Warnw("marking subtask as failed because an error file exists", "dir", dir)
		outcome = taskdir.StateFailed
	default:
		log.Infow("algorithm process completed", "dir", dir, "took", elapsed)
	}

	tctx, _ := tag.New(ctx, tag.Upsert(metrics.Outcome, outcome.String()))
	metrics.Milliseconds(tctx, metrics.SubtaskExecutionTime, elapsed)

	if err := taskdir.SetState(dir, outcome); err != nil {
		return code, err
	}
	return code, runErr
}

func (e *Executor) run(ctx context.Context, exe, dir string) (int, error) {
	if e.WallTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.WallTime)
		defer cancel()
	}

	stdout, err := os.Create(filepath.Join(dir, StdoutFileName(e.Binary)))
	if err != nil {
		return -1, xerrors.Errorf("creating stdout log: %w", err)
	}
	defer stdout.Close() //nolint:errcheck
	stderr, err := os.Create(filepath.Join(dir, StderrFileName(e.Binary)))
	if err != nil {
		return -1, xerrors.Errorf("creating stderr log: %w", err)
	}
	defer stderr.Close() //nolint:errcheck

	cmd := exec.CommandContext(ctx, exe, seqNum)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = e.environ()

	log.Infow("running algorithm", "exe", exe, "dir", dir)
	err = cmd.Run()
	var ee *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &ee) && ctx.Err() == nil:
		return ee.ExitCode(), nil
	case ctx.Err() != nil:
		return -1, xerrors.Errorf("algorithm %s: %w", e.Binary, ctx.Err())
	default:
		return -1, xerrors.Errorf("starting algorithm %s: %w", e.Binary, err)
	}
}

func (e *Executor) environ() []string {
	env := os.Environ()
	keys := make([]string, 0, len(e.Env))
	for k := range e.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+e.Env[k])
	}
	return env
}

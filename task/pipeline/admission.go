package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/ziggy-project/ziggy/build"
	"github.com/ziggy-project/ziggy/task/store"
)

const (
	DefaultAdmissionInterval = 5 * time.Second
	restartRequestPrefix     = "restart-"
)

// RequestRestart leaves a restart request for a running supervisor in dir.
// A newer request for the same task replaces an older one.
func RequestRestart(dir string, id uint64, mode RestartMode) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return xerrors.Errorf("creating request dir: %w", err)
	}
	old, err := filepath.Glob(filepath.Join(dir, restartRequestPrefix+strconv.FormatUint(id, 10)+".*"))
	if err != nil {
		return err
	}
	for _, f := range old {
		_ = os.Remove(f)
	}
	name := restartRequestPrefix + strconv.FormatUint(id, 10) + "." + mode.String()
	return os.WriteFile(filepath.Join(dir, name), nil, 0644)
}

func parseRestartRequest(name string) (uint64, RestartMode, bool) {
	if !strings.HasPrefix(name, restartRequestPrefix) {
		return 0, 0, false
	}
	idStr, modeStr, ok := strings.Cut(strings.TrimPrefix(name, restartRequestPrefix), ".")
	if !ok {
		return 0, 0, false
	}
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	mode, err := ParseRestartMode(modeStr)
	if err != nil {
		return 0, 0, false
	}
	return id, mode, true
}

// Admission hands work from outside the supervisor process to the pipeline:
// tasks created in the store that have no state machine yet, and restart
// requests left in RequestDir.
type Admission struct {
	Pipeline   *Pipeline
	RequestDir string
	Interval   time.Duration
}

func (a *Admission) Run(ctx context.Context) {
	interval := a.Interval
	if interval <= 0 {
		interval = DefaultAdmissionInterval
	}
	for {
		if err := a.Poll(ctx); err != nil {
			log.Warnw("admission poll", "error", err)
		}
		select {
		case <-build.Clock.After(interval):
		case <-ctx.Done():
			return
		}
	}
}

// Poll starts new tasks and applies pending restart requests once.
func (a *Admission) Poll(ctx context.Context) error {
	return multierr.Combine(a.startNew(ctx), a.applyRestarts(ctx))
}

func (a *Admission) startNew(ctx context.Context) error {
	tasks, err := a.Pipeline.store.List(ctx)
	if err != nil {
		return err
	}
	var errs error
	for _, t := range tasks {
		if t.Step != store.StepInitializing || t.Errored {
			continue
		}
		has, err := a.Pipeline.tasks.Has(t.ID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if has {
			continue
		}
		log.Infow("admitting task", "task", t.ID, "module", t.Module, "subtasks", t.Total)
		if err := a.Pipeline.StartTask(ctx, t.ID); err != nil {
			errs = multierr.Append(errs, xerrors.Errorf("starting task %d: %w", t.ID, err))
		}
	}
	return errs
}

func (a *Admission) applyRestarts(ctx context.Context) error {
	if a.RequestDir == "" {
		return nil
	}
	entries, err := os.ReadDir(a.RequestDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return xerrors.Errorf("listing restart requests: %w", err)
	}

	var errs error
	for _, e := range entries {
		id, mode, ok := parseRestartRequest(e.Name())
		if !ok {
			continue
		}
		// a request is tried once
		if err := os.Remove(filepath.Join(a.RequestDir, e.Name())); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		log.Infow("restart requested", "task", id, "mode", mode)
		if err := a.Pipeline.Restart(ctx, id, mode); err != nil {
			errs = multierr.Append(errs, xerrors.Errorf("restarting task %d: %w", id, err))
		}
	}
	return errs
}

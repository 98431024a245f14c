package pipeline

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/filecoin-project/go-statemachine"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/ziggy-project/ziggy/journal/alerting"
	"github.com/ziggy-project/ziggy/task/monitor"
	"github.com/ziggy-project/ziggy/task/statefile"
	"github.com/ziggy-project/ziggy/task/store"
)

const (
	TaskStorePrefix = "/tasks"
	AlertSource     = "pipeline"
)

type Config struct {
	StateDir    string
	TaskDataDir string

	// HaltStep stops tasks once they leave this step. Empty runs to completion.
	HaltStep          store.Step
	AllowPartialTasks bool

	DefaultCoresPerNode int

	TaskMonitorInterval time.Duration
	FinishRetries       int
	FinishRetryDelay    time.Duration
}

type Deps struct {
	DS    datastore.Datastore
	Store store.TaskStore

	Executor  Executor
	Marshaler Marshaler
	Persister Persister
	Alerts    monitor.AlertSink

	// Monitors is the algorithm monitor setup; Tracker and Handler are
	// filled in by New.
	Monitors monitor.ContextConfig
}

// Pipeline moves tasks through their processing steps and owns the monitors
// that watch them while their jobs run.
type Pipeline struct {
	cfg       Config
	store     store.TaskStore
	executor  Executor
	marshaler Marshaler
	persister Persister
	alerts    monitor.AlertSink

	monitors *monitor.Context
	tasks    *statemachine.StateGroup

	lk           sync.Mutex
	taskMonitors map[uint64]*monitor.TaskMonitor

	// lifetime of background work started from handlers
	runCtx context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
	stopErr  error
}

func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.DS == nil || deps.Store == nil || deps.Executor == nil {
		return nil, xerrors.New("pipeline needs a datastore, a task store and an executor")
	}
	if cfg.HaltStep != "" && !cfg.HaltStep.Valid() {
		return nil, xerrors.Errorf("unknown halt step %q", cfg.HaltStep)
	}
	if deps.Marshaler == nil {
		deps.Marshaler = SubtaskDirMarshaler{}
	}
	if deps.Persister == nil {
		deps.Persister = LoggingPersister{}
	}
	if deps.Alerts == nil {
		deps.Alerts = nopAlerts{}
	}

	p := &Pipeline{
		cfg:          cfg,
		store:        deps.Store,
		executor:     deps.Executor,
		marshaler:    deps.Marshaler,
		persister:    deps.Persister,
		alerts:       deps.Alerts,
		taskMonitors: map[uint64]*monitor.TaskMonitor{},
	}
	p.runCtx, p.cancel = context.WithCancel(context.Background())

	mc := deps.Monitors
	mc.StateDir = cfg.StateDir
	mc.TaskDataDir = cfg.TaskDataDir
	mc.Tracker = p
	mc.Handler = p
	mc.Alerts = deps.Alerts
	p.monitors = monitor.NewContext(mc)

	p.tasks = statemachine.New(namespace.Wrap(deps.DS, datastore.NewKey(TaskStorePrefix)), p, ProcessingInfo{})
	return p, nil
}

// Run starts the algorithm monitors and resumes the monitoring of tasks
// whose jobs were running when the supervisor went down.
func (p *Pipeline) Run(ctx context.Context) error {
	p.monitors.Start(p.runCtx)
	return p.RestartInFlight(ctx)
}

func (p *Pipeline) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.cancel()

		p.lk.Lock()
		for _, tm := range p.taskMonitors {
			tm.Stop()
		}
		p.lk.Unlock()

		p.stopErr = multierr.Combine(
			p.tasks.Stop(ctx),
			p.monitors.Stop(ctx),
		)
	})
	return p.stopErr
}

func (p *Pipeline) Monitors() *monitor.Context {
	return p.monitors
}

func (p *Pipeline) taskDir(t store.Task) string {
	ip := statefile.InvariantPart{InstanceID: t.InstanceID, TaskID: t.ID, Module: t.Module}
	return filepath.Join(p.cfg.TaskDataDir, ip.TaskDirName())
}

// StartTask begins processing of a task already in the store.
func (p *Pipeline) StartTask(ctx context.Context, id uint64) error {
	if _, err := p.store.Get(ctx, id); err != nil {
		return err
	}
	has, err := p.tasks.Has(id)
	if err != nil {
		return err
	}
	if has {
		return xerrors.Errorf("task %d already started", id)
	}
	if err := p.store.UpdateStep(ctx, id, store.StepInitializing); err != nil {
		return err
	}
	if err := p.tasks.Begin(id, &ProcessingInfo{TaskID: id, Step: string(store.StepInitializing)}); err != nil {
		return xerrors.Errorf("starting task %d: %w", id, err)
	}
	return p.tasks.Send(id, TaskStart{})
}

// Restart re-enters an errored or halted task at the point mode selects.
func (p *Pipeline) Restart(ctx context.Context, id uint64, mode RestartMode) error {
	has, err := p.tasks.Has(id)
	if err != nil {
		return err
	}
	if !has {
		return xerrors.Errorf("task %d: %w", id, store.ErrNotFound)
	}
	if err := p.store.MarkErrored(ctx, id, false); err != nil {
		return err
	}
	return p.tasks.Send(id, TaskRestart{Mode: mode})
}

// RestartInFlight resumes monitoring of every task that was waiting on its
// jobs, and of every task whose state file is still PROCESSING. Tasks whose
// jobs already finished move on to STORING.
func (p *Pipeline) RestartInFlight(ctx context.Context) error {
	infos, err := p.List()
	if err != nil {
		return err
	}
	resumed := map[uint64]struct{}{}
	for _, pi := range infos {
		if pi.Errored || pi.Halted {
			continue
		}
		switch pi.ProcessingStep() {
		case store.StepQueued, store.StepExecuting:
			log.Infow("resuming monitoring", "task", pi.TaskID, "step", pi.Step)
			if err := p.tasks.Send(pi.TaskID, TaskRestart{Mode: ResumeMonitoring}); err != nil {
				return err
			}
			resumed[pi.TaskID] = struct{}{}
		case store.StepAlgorithmComplete:
			log.Infow("resuming storing", "task", pi.TaskID)
			if err := p.tasks.Send(pi.TaskID, TaskRestart{Mode: ResumeCurrentStep}); err != nil {
				return err
			}
			resumed[pi.TaskID] = struct{}{}
		}
	}

	processing, err := statefile.ListProcessing(p.cfg.StateDir)
	if err != nil {
		return err
	}
	for _, sf := range processing {
		if _, ok := resumed[sf.TaskID]; ok {
			continue
		}
		log.Infow("watching processing state file", "file", sf.Name())
		p.monitors.StartMonitoring(p.executor.Kind(), sf)
	}
	return nil
}

func (p *Pipeline) Info(id uint64) (ProcessingInfo, error) {
	var out ProcessingInfo
	has, err := p.tasks.Has(id)
	if err != nil {
		return out, err
	}
	if !has {
		return out, xerrors.Errorf("task %d: %w", id, store.ErrNotFound)
	}
	err = p.tasks.Get(id).Get(&out)
	return out, err
}

func (p *Pipeline) List() ([]ProcessingInfo, error) {
	var out []ProcessingInfo
	if err := p.tasks.List(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// OnNodeExit is the executor's exit callback: it asks for an immediate look
// at the task's markers and state file.
func (p *Pipeline) OnNodeExit(ip statefile.InvariantPart, code int) {
	log.Infow("node exited", "task", ip.TaskID, "code", code)
	p.lk.Lock()
	tm := p.taskMonitors[ip.TaskID]
	p.lk.Unlock()
	if tm != nil {
		tm.Trigger(monitor.WorkerExiting)
	}
	p.monitors.Monitor(p.executor.Kind()).Trigger()
}

func (p *Pipeline) send(id uint64, evt interface{}) error {
	if err := p.tasks.Send(id, evt); err != nil {
		return xerrors.Errorf("sending %T to task %d: %w", evt, id, err)
	}
	return nil
}

// monitor.TaskTracker

var _ monitor.TaskTracker = (*Pipeline)(nil)

func (p *Pipeline) Get(ctx context.Context, id uint64) (store.Task, error) {
	return p.store.Get(ctx, id)
}

func (p *Pipeline) UpdateSubtaskCounts(ctx context.Context, id uint64, total, complete, failed int) error {
	return p.store.UpdateSubtaskCounts(ctx, id, total, complete, failed)
}

// UpdateStep turns monitor observations into state machine events.
func (p *Pipeline) UpdateStep(_ context.Context, id uint64, step store.Step) error {
	switch step {
	case store.StepExecuting:
		return p.send(id, TaskExecuting{})
	case store.StepAlgorithmComplete:
		p.lk.Lock()
		tm := p.taskMonitors[id]
		p.lk.Unlock()
		if tm != nil {
			tm.Trigger(monitor.AllJobsFinished)
		}
		return p.send(id, TaskAlgorithmDone{})
	default:
		return xerrors.Errorf("monitors do not move tasks to %s", step)
	}
}

func (p *Pipeline) MarkErrored(ctx context.Context, id uint64, errored bool) error {
	if err := p.store.MarkErrored(ctx, id, errored); err != nil {
		return err
	}
	if errored {
		return p.send(id, TaskFailed{Error: "algorithm processing failed"})
	}
	return nil
}

func (p *Pipeline) SetDisposition(ctx context.Context, id uint64, disposition string) error {
	return p.store.SetDisposition(ctx, id, disposition)
}

func (p *Pipeline) PrepareAutoResubmit(ctx context.Context, id uint64) (store.Task, error) {
	return p.store.PrepareAutoResubmit(ctx, id)
}

// monitor.TaskHandler

var _ monitor.TaskHandler = (*Pipeline)(nil)

func (p *Pipeline) PersistTaskResults(_ context.Context, taskID uint64) error {
	return p.send(taskID, TaskPersist{})
}

func (p *Pipeline) ResubmitTask(_ context.Context, t store.Task) error {
	log.Infow("resubmitting task", "task", t.ID, "resubmits", t.AutoResubmitCount)
	return p.send(t.ID, TaskRestart{Mode: Resubmit})
}

type nopAlerts struct{}

func (nopAlerts) Broadcast(string, uint64, alerting.Severity, string) {}

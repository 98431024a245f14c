package monitor

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/ziggy-project/ziggy/build"
	"github.com/ziggy-project/ziggy/journal/alerting"
	"github.com/ziggy-project/ziggy/metrics"
	"github.com/ziggy-project/ziggy/task/statefile"
	"github.com/ziggy-project/ziggy/task/store"
)

const (
	DefaultLocalInterval  = 2 * time.Second
	DefaultRemoteInterval = 10 * time.Second
)

type Config struct {
	Kind        Kind
	StateDir    string
	TaskDataDir string
	Interval    time.Duration

	Jobs    JobMonitor
	Tracker TaskTracker
	Handler TaskHandler
	Alerts  AlertSink
}

// AlgorithmMonitor polls the state file directory for the tasks it watches.
type AlgorithmMonitor struct {
	kind        Kind
	stateDir    string
	taskDataDir string
	interval    time.Duration

	jobs    JobMonitor
	tracker TaskTracker
	handler TaskHandler
	alerts  AlertSink

	lk      sync.Mutex
	state   map[statefile.InvariantPart]statefile.StateFile
	corrupt map[string]struct{}

	// one cycle at a time, scheduled or triggered
	cycleLk sync.Mutex

	kick      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	closing   chan struct{}
	closed    chan struct{}
}

func New(cfg Config) *AlgorithmMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultLocalInterval
		if cfg.Kind == Remote {
			cfg.Interval = DefaultRemoteInterval
		}
	}
	if cfg.Jobs == nil {
		cfg.Jobs = NopJobMonitor{}
	}
	return &AlgorithmMonitor{
		kind:        cfg.Kind,
		stateDir:    cfg.StateDir,
		taskDataDir: cfg.TaskDataDir,
		interval:    cfg.Interval,
		jobs:        cfg.Jobs,
		tracker:     cfg.Tracker,
		handler:     cfg.Handler,
		alerts:      cfg.Alerts,
		state:       map[statefile.InvariantPart]statefile.StateFile{},
		corrupt:     map[string]struct{}{},
		kick:        make(chan struct{}, 1),
		closing:     make(chan struct{}),
		closed:      make(chan struct{}),
	}
}

func (m *AlgorithmMonitor) Kind() Kind {
	return m.kind
}

func (m *AlgorithmMonitor) Jobs() JobMonitor {
	return m.jobs
}

// StartMonitoring watches sf's task from its current state on.
func (m *AlgorithmMonitor) StartMonitoring(sf statefile.StateFile) {
	log.Infow("starting monitoring", "task", sf.InvariantPart.String(), "monitor", m.kind)
	m.lk.Lock()
	m.state[sf.InvariantPart] = sf
	m.lk.Unlock()
	m.jobs.AddToMonitoring(sf)
}

func (m *AlgorithmMonitor) stopMonitoring(sf statefile.StateFile) {
	log.Infow("removing monitoring", "task", sf.InvariantPart.String(), "monitor", m.kind)
	m.lk.Lock()
	delete(m.state, sf.InvariantPart)
	m.lk.Unlock()
	m.jobs.EndMonitoring(sf)
}

func (m *AlgorithmMonitor) IsWatching(ip statefile.InvariantPart) bool {
	m.lk.Lock()
	defer m.lk.Unlock()
	_, ok := m.state[ip]
	return ok
}

// Watched returns the last observed state file of every watched task.
func (m *AlgorithmMonitor) Watched() []statefile.StateFile {
	m.lk.Lock()
	out := lo.Values(m.state)
	m.lk.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Quarantined lists state file names that failed to parse. They are never
// looked at again.
func (m *AlgorithmMonitor) Quarantined() []string {
	m.lk.Lock()
	out := lo.Keys(m.corrupt)
	m.lk.Unlock()
	sort.Strings(out)
	return out
}

func (m *AlgorithmMonitor) cached(ip statefile.InvariantPart) (statefile.StateFile, bool) {
	m.lk.Lock()
	defer m.lk.Unlock()
	sf, ok := m.state[ip]
	return sf, ok
}

// Start runs cycles with a fixed delay between the end of one and the start
// of the next until Stop or ctx is done.
func (m *AlgorithmMonitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		log.Infow("starting polling", "monitor", m.kind, "interval", m.interval, "dir", m.stateDir)
		go m.run(ctx)
	})
}

func (m *AlgorithmMonitor) run(ctx context.Context) {
	defer close(m.closed)
	for {
		m.Cycle(ctx)

		select {
		case <-build.Clock.After(m.interval):
		case <-m.kick:
		case <-m.closing:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Trigger asks for an unscheduled cycle.
func (m *AlgorithmMonitor) Trigger() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *AlgorithmMonitor) Stop(ctx context.Context) error {
	started := true
	m.startOnce.Do(func() { started = false })
	m.stopOnce.Do(func() { close(m.closing) })
	if !started {
		return nil
	}
	select {
	case <-m.closed:
		return nil
	case <-ctx.Done():
		return xerrors.Errorf("stopping %s monitor: %w", m.kind, ctx.Err())
	}
}

// Cycle runs one poll of the state file directory. Errors are logged; a
// cycle never fails.
func (m *AlgorithmMonitor) Cycle(ctx context.Context) {
	m.cycleLk.Lock()
	defer m.cycleLk.Unlock()

	defer func() {
		if r := recover(); r != nil {
			log.Errorw("monitor cycle panicked", "monitor", m.kind, "panic", r)
		}
	}()

	m.lk.Lock()
	watched := len(m.state)
	m.lk.Unlock()

	tctx, _ := tag.New(ctx, tag.Upsert(metrics.MonitorKind, m.kind.String()))
	stats.Record(tctx, metrics.MonitorWatched.M(int64(watched)))
	if watched == 0 {
		return
	}

	start := build.Clock.Now()
	defer func() {
		metrics.Milliseconds(tctx, metrics.MonitorCycleDuration, build.Clock.Since(start))
	}()

	if err := m.jobs.Update(ctx); err != nil {
		log.Warnw("job monitor update failed", "monitor", m.kind, "error", err)
		return
	}

	names, err := m.stateFileNames()
	if err != nil {
		log.Warnw("listing state files", "monitor", m.kind, "error", err)
		return
	}
	log.Debugw("state dir", "monitor", m.kind, "files", names)

	for _, name := range names {
		sf, err := statefile.Parse(name)
		if err != nil {
			m.quarantine(tctx, name, err)
			continue
		}
		old, ok := m.cached(sf.InvariantPart)
		if !ok {
			continue
		}
		if err := m.check(ctx, old, sf); err != nil {
			log.Errorw("checking state file", "monitor", m.kind, "file", name, "error", err)
		}
	}
}

func (m *AlgorithmMonitor) stateFileNames() ([]string, error) {
	names, err := statefile.Names(m.stateDir)
	if err != nil {
		return nil, err
	}
	m.lk.Lock()
	defer m.lk.Unlock()
	return lo.Filter(names, func(name string, _ int) bool {
		_, bad := m.corrupt[name]
		return !bad && statefile.NamePattern.MatchString(name)
	}), nil
}

func (m *AlgorithmMonitor) quarantine(ctx context.Context, name string, err error) {
	log.Errorw("state file will be removed from monitoring", "file", name, "error", err)
	m.lk.Lock()
	m.corrupt[name] = struct{}{}
	m.lk.Unlock()
	stats.Record(ctx, metrics.StateFilesCorrupt.M(1))
	m.alerts.Broadcast(AlertSource, 0, alerting.SeverityError, "Unreadable state file "+name+" removed from monitoring")
}

func (m *AlgorithmMonitor) check(ctx context.Context, old, sf statefile.StateFile) error {
	if old.Equal(sf) {
		if !m.jobs.IsFinished(sf) {
			return nil
		}
		// jobs that died without updating their state file
		log.Warnw("jobs finished without completing state file, forcing COMPLETE", "task", sf.InvariantPart.String())
		taskDir := filepath.Join(m.taskDataDir, sf.TaskDirName())
		_, err := statefile.SetStateAndPersist(ctx, m.stateDir, taskDir, sf.InvariantPart, statefile.Complete)
		return err
	}

	log.Infow("updating state", "state", sf.String(), "was", old.String(), "monitor", m.kind)
	m.lk.Lock()
	m.state[sf.InvariantPart] = sf
	m.lk.Unlock()

	if err := m.tracker.UpdateSubtaskCounts(ctx, sf.TaskID, sf.NumTotal, sf.NumComplete, sf.NumFailed); err != nil {
		log.Warnw("updating subtask counts", "task", sf.TaskID, "error", err)
	}
	if sf.IsRunning() {
		if err := m.tracker.UpdateStep(ctx, sf.TaskID, store.StepExecuting); err != nil {
			log.Warnw("updating processing step", "task", sf.TaskID, "error", err)
		}
	}
	if !sf.IsTerminal() {
		return nil
	}

	if err := m.tracker.UpdateStep(ctx, sf.TaskID, store.StepAlgorithmComplete); err != nil {
		log.Warnw("updating processing step", "task", sf.TaskID, "error", err)
	}
	if ids := m.jobs.IncompleteJobIDs(sf); len(ids) > 0 {
		log.Infow("deleting incomplete jobs", "task", sf.TaskID, "jobs", ids)
		if err := m.jobs.DeleteJobs(ctx, ids); err != nil {
			log.Warnw("deleting incomplete jobs", "task", sf.TaskID, "error", err)
		}
	}

	// handing back may register the task again for a resubmission
	exits := m.exitsOf(sf)
	m.stopMonitoring(sf)
	return m.handBack(ctx, sf, exits)
}

func (m *AlgorithmMonitor) handBack(ctx context.Context, sf statefile.StateFile, exits jobExits) error {
	t, err := m.tracker.Get(ctx, sf.TaskID)
	if err != nil {
		return xerrors.Errorf("looking up task %d: %w", sf.TaskID, err)
	}
	d := DispositionFor(sf, t)
	log.Infow("task disposition", "task", t.ID, "disposition", d, "total", sf.NumTotal, "complete", sf.NumComplete, "failed", sf.NumFailed)
	return m.applyDisposition(ctx, d, sf, t, exits)
}

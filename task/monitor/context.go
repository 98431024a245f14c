package monitor

import (
	"context"
	"time"

	"go.uber.org/multierr"

	"github.com/ziggy-project/ziggy/task/statefile"
)

// ContextConfig holds what the two monitors of a process share.
type ContextConfig struct {
	StateDir       string
	TaskDataDir    string
	LocalInterval  time.Duration
	RemoteInterval time.Duration

	LocalJobs  JobMonitor
	RemoteJobs JobMonitor

	Tracker TaskTracker
	Handler TaskHandler
	Alerts  AlertSink
}

// Context owns the local and the remote monitor of one supervisor process.
type Context struct {
	Local  *AlgorithmMonitor
	Remote *AlgorithmMonitor
}

func NewContext(cfg ContextConfig) *Context {
	if cfg.LocalJobs == nil {
		cfg.LocalJobs = NewProcessMonitor()
	}
	mk := func(kind Kind, interval time.Duration, jobs JobMonitor) *AlgorithmMonitor {
		return New(Config{
			Kind:        kind,
			StateDir:    cfg.StateDir,
			TaskDataDir: cfg.TaskDataDir,
			Interval:    interval,
			Jobs:        jobs,
			Tracker:     cfg.Tracker,
			Handler:     cfg.Handler,
			Alerts:      cfg.Alerts,
		})
	}
	return &Context{
		Local:  mk(Local, cfg.LocalInterval, cfg.LocalJobs),
		Remote: mk(Remote, cfg.RemoteInterval, cfg.RemoteJobs),
	}
}

func (c *Context) Monitor(kind Kind) *AlgorithmMonitor {
	if kind == Remote {
		return c.Remote
	}
	return c.Local
}

// StartMonitoring watches sf on the monitor for kind.
func (c *Context) StartMonitoring(kind Kind, sf statefile.StateFile) {
	c.Monitor(kind).StartMonitoring(sf)
}

func (c *Context) Start(ctx context.Context) {
	c.Local.Start(ctx)
	c.Remote.Start(ctx)
}

// TriggerAll requests an unscheduled cycle from both monitors, e.g. when a
// node process exits.
func (c *Context) TriggerAll() {
	c.Local.Trigger()
	c.Remote.Trigger()
}

func (c *Context) Stop(ctx context.Context) error {
	return multierr.Combine(c.Local.Stop(ctx), c.Remote.Stop(ctx))
}

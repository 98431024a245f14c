package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"contrib.go.opencensus.io/exporter/prometheus"
	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
	"go.opencensus.io/stats/view"
	"golang.org/x/xerrors"

	"github.com/ziggy-project/ziggy/build"
	"github.com/ziggy-project/ziggy/journal"
	"github.com/ziggy-project/ziggy/journal/alerting"
	"github.com/ziggy-project/ziggy/journal/fsjournal"
	"github.com/ziggy-project/ziggy/lib/memgate"
	"github.com/ziggy-project/ziggy/metrics"
	"github.com/ziggy-project/ziggy/node/config"
	"github.com/ziggy-project/ziggy/node/repo"
	"github.com/ziggy-project/ziggy/task/monitor"
	"github.com/ziggy-project/ziggy/task/pipeline"
	"github.com/ziggy-project/ziggy/task/statefile"
	"github.com/ziggy-project/ziggy/task/store"
	"github.com/ziggy-project/ziggy/task/store/sqlstore"
)

const requestDirName = "requests"

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Start the supervisor: processing state machines, monitors and admission",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "node-binary",
			Usage: "compute node coordinator to launch for local tasks",
			Value: "ziggy-node",
		},
		&cli.StringFlag{
			Name:  "panic-reports",
			Usage: "directory for panic reports, defaults to <repo>/panic-reports",
		},
	},
	Action: func(cctx *cli.Context) error {
		r, err := repo.NewFS(cctx.String(FlagRepoPath))
		if err != nil {
			return err
		}
		if err := r.Init(); err != nil {
			return err
		}

		defer func() {
			if p := recover(); p != nil {
				build.GeneratePanicReport(cctx.String("panic-reports"), r.Path(), "ziggy-run")
				panic(p)
			}
		}()

		lr, err := r.Lock()
		if err != nil {
			return err
		}
		defer lr.Close() //nolint:errcheck

		cfg, err := lr.Config()
		if err != nil {
			return err
		}
		if err := cfg.ExpandPaths(); err != nil {
			return err
		}
		for sys, lvl := range cfg.Logging.SubsystemLevels {
			if err := logging.SetLogLevel(sys, lvl); err != nil {
				log.Warnw("setting log level", "subsystem", sys, "error", err)
			}
		}

		ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx = metrics.RecordInfo(ctx, "supervisor")

		if cfg.Metrics.ListenAddress != "" {
			if err := serveMetrics(cfg.Metrics.ListenAddress); err != nil {
				return err
			}
		}

		sup, err := newSupervisor(ctx, lr, cfg, cctx.String("node-binary"))
		if err != nil {
			return err
		}
		defer sup.close()

		if err := sup.pipeline.Run(ctx); err != nil {
			return xerrors.Errorf("resuming tasks: %w", err)
		}
		go sup.admission.Run(ctx)

		log.Infow("supervisor running", "version", build.UserVersion(), "repo", lr.Path(), "stateDir", cfg.Paths.StateFileDir)
		<-ctx.Done()
		log.Info("shutting down")
		return nil
	},
}

type supervisor struct {
	store     store.TaskStore
	journal   journal.Journal
	pipeline  *pipeline.Pipeline
	admission *pipeline.Admission
}

func newSupervisor(ctx context.Context, lr repo.LockedRepo, cfg *config.Supervisor, nodeBinary string) (*supervisor, error) {
	for _, dir := range []string{cfg.Paths.StateFileDir, cfg.Paths.TaskDataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, xerrors.Errorf("creating %s: %w", dir, err)
		}
	}

	ds, err := lr.Datastore(ctx)
	if err != nil {
		return nil, err
	}
	st, err := sqlstore.Open(ctx, lr.TaskDBPath())
	if err != nil {
		return nil, err
	}

	disabled, err := journal.ParseDisabledEvents(cfg.Journal.DisabledEvents)
	if err != nil {
		return nil, xerrors.Errorf("parsing disabled journal events: %w", err)
	}
	maxSize, err := cfg.Journal.MaxSizeBytes()
	if err != nil {
		return nil, err
	}
	j, err := fsjournal.OpenFSJournal(lr.Path(), disabled, maxSize, cfg.Journal.MaxBackups)
	if err != nil {
		return nil, err
	}
	alerts := alerting.NewAlertingSystem(j)

	gate, err := memoryGate(cfg.Worker)
	if err != nil {
		return nil, err
	}

	kind, err := pipeline.ParseExecutorKind(cfg.Pipeline.Executor)
	if err != nil {
		return nil, err
	}
	nodeBin := nodeBinary
	if !filepath.IsAbs(nodeBin) && cfg.Paths.BinPath != "" {
		if _, err := os.Stat(filepath.Join(cfg.Paths.BinPath, nodeBin)); err == nil {
			nodeBin = filepath.Join(cfg.Paths.BinPath, nodeBin)
		}
	}

	var p *pipeline.Pipeline
	procs := monitor.NewProcessMonitor()
	exe, err := pipeline.NewExecutor(kind, pipeline.ExecutorDeps{
		NodeBinary: nodeBin,
		RepoPath:   lr.Path(),
		StateDir:   cfg.Paths.StateFileDir,
		BinPath:    cfg.Paths.BinPath,
		Gate:       gate,
		Jobs:       procs,
		OnExit: func(ip statefile.InvariantPart, code int) {
			p.OnNodeExit(ip, code)
		},
	})
	if err != nil {
		return nil, err
	}

	p, err = pipeline.New(pipeline.Config{
		StateDir:            cfg.Paths.StateFileDir,
		TaskDataDir:         cfg.Paths.TaskDataDir,
		HaltStep:            store.Step(cfg.Pipeline.HaltStep),
		AllowPartialTasks:   cfg.Pipeline.AllowPartialTasks,
		DefaultCoresPerNode: cfg.Worker.DefaultCoresPerNode,
		TaskMonitorInterval: cfg.Monitor.TaskMonitorInterval.D(),
		FinishRetries:       cfg.Monitor.FinishMarkerRetries,
		FinishRetryDelay:    cfg.Monitor.FinishMarkerRetryDelay.D(),
	}, pipeline.Deps{
		DS:       ds,
		Store:    st,
		Executor: exe,
		Alerts:   alerts,
		Monitors: monitor.ContextConfig{
			LocalInterval:  cfg.Monitor.LocalPollInterval.D(),
			RemoteInterval: cfg.Monitor.RemotePollInterval.D(),
			LocalJobs:      procs,
		},
	})
	if err != nil {
		return nil, err
	}

	return &supervisor{
		store:    st,
		journal:  j,
		pipeline: p,
		admission: &pipeline.Admission{
			Pipeline:   p,
			RequestDir: filepath.Join(lr.Path(), requestDirName),
		},
	}, nil
}

func (s *supervisor) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.pipeline.Stop(ctx); err != nil {
		log.Errorw("stopping pipeline", "error", err)
	}
	if err := s.store.Close(); err != nil {
		log.Errorw("closing task store", "error", err)
	}
	if err := s.journal.Close(); err != nil {
		log.Errorw("closing journal", "error", err)
	}
}

func memoryGate(w config.Worker) (*memgate.Gate, error) {
	b, err := w.MemoryBytes()
	if err != nil {
		return nil, err
	}
	if b == 0 {
		return memgate.NewFromHost()
	}
	log.Infow("worker memory from config", "memory", humanize.IBytes(uint64(b)))
	return memgate.New(b >> 20), nil
}

func serveMetrics(addr string) error {
	if err := view.Register(metrics.SupervisorViews...); err != nil {
		return xerrors.Errorf("registering views: %w", err)
	}
	pe, err := prometheus.NewExporter(prometheus.Options{
		Namespace: "ziggy",
	})
	if err != nil {
		return xerrors.Errorf("creating prometheus exporter: %w", err)
	}

	m := mux.NewRouter()
	m.Handle("/debug/metrics", pe)
	m.Handle("/metrics", pe)
	go func() {
		if err := http.ListenAndServe(addr, m); err != nil && err != http.ErrServerClosed {
			log.Errorw("metrics endpoint", "address", addr, "error", err)
		}
	}()
	log.Infow("serving metrics", "address", addr)
	return nil
}

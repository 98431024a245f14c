package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/hako/durafmt"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/ziggy-project/ziggy/build"
	"github.com/ziggy-project/ziggy/node/repo"
	"github.com/ziggy-project/ziggy/task/pipeline"
	"github.com/ziggy-project/ziggy/task/statefile"
	"github.com/ziggy-project/ziggy/task/store"
	"github.com/ziggy-project/ziggy/task/store/sqlstore"
)

var taskCmd = &cli.Command{
	Name:  "task",
	Usage: "Manage tasks",
	Subcommands: []*cli.Command{
		taskStartCmd,
		taskRestartCmd,
		taskListCmd,
		taskShowCmd,
	},
}

func openTaskStore(cctx *cli.Context) (*sqlstore.Store, error) {
	r, err := repo.NewFS(cctx.String(FlagRepoPath))
	if err != nil {
		return nil, err
	}
	exist, err := r.Exists()
	if err != nil {
		return nil, err
	}
	if !exist {
		return nil, xerrors.Errorf("%s: %w", r.Path(), repo.ErrNoRepo)
	}
	return sqlstore.Open(cctx.Context, r.TaskDBPath())
}

func taskIDArg(cctx *cli.Context) (uint64, error) {
	if cctx.NArg() != 1 {
		return 0, xerrors.New("expected a task id")
	}
	id, err := strconv.ParseUint(cctx.Args().First(), 10, 64)
	if err != nil {
		return 0, xerrors.Errorf("parsing task id: %w", err)
	}
	return id, nil
}

var taskStartCmd = &cli.Command{
	Name:  "start",
	Usage: "Create a task; a running supervisor picks it up",
	Flags: []cli.Flag{
		&cli.Uint64Flag{Name: "instance", Required: true, Usage: "pipeline instance id"},
		&cli.StringFlag{Name: "module", Required: true, Usage: "pipeline module name"},
		&cli.IntFlag{Name: "subtasks", Required: true, Usage: "number of subtasks"},
		&cli.StringFlag{Name: "executable", Usage: "algorithm executable, defaults to the module name"},
		&cli.IntFlag{Name: "max-failed", Value: -1, Usage: "failed subtasks tolerated, defaults to Pipeline.DefaultMaxFailedSubtasks"},
		&cli.IntFlag{Name: "max-resubmits", Value: -1, Usage: "automatic resubmissions, defaults to Pipeline.DefaultMaxAutoResubmits"},
		&cli.Float64Flag{Name: "gigs-per-subtask", Usage: "memory one subtask needs, in GiB"},
		&cli.StringFlag{Name: "executor", Usage: "local or remote, defaults to Pipeline.Executor"},
		&cli.StringFlag{Name: "arch", Usage: "remote node architecture"},
		&cli.StringFlag{Name: "group", Usage: "remote accounting group"},
		&cli.StringFlag{Name: "queue", Usage: "remote queue"},
		&cli.StringFlag{Name: "wall-time", Usage: "requested wall time, [[HH:]MM:]SS"},
		&cli.IntFlag{Name: "nodes", Usage: "requested node count"},
		&cli.IntFlag{Name: "min-cores", Usage: "minimum cores per node; also the worker count per node"},
		&cli.Float64Flag{Name: "min-gigs", Usage: "minimum memory per node, in GiB"},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		if cctx.Int("subtasks") <= 0 {
			return xerrors.New("--subtasks must be positive")
		}
		if wt := cctx.String("wall-time"); wt != "" && statefile.ParseWallTime(wt) < 0 {
			return xerrors.Errorf("bad --wall-time %q", wt)
		}

		executor := lo.Ternary(cctx.IsSet("executor"), cctx.String("executor"), cfg.Pipeline.Executor)
		if _, err := pipeline.ParseExecutorKind(executor); err != nil {
			return err
		}
		maxFailed := lo.Ternary(cctx.Int("max-failed") >= 0, cctx.Int("max-failed"), cfg.Pipeline.DefaultMaxFailedSubtasks)
		maxResubmits := lo.Ternary(cctx.Int("max-resubmits") >= 0, cctx.Int("max-resubmits"), cfg.Pipeline.DefaultMaxAutoResubmits)

		st, err := openTaskStore(cctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		t, err := st.Create(cctx.Context, store.Task{
			InstanceID:        cctx.Uint64("instance"),
			Module:            cctx.String("module"),
			Executable:        cctx.String("executable"),
			Total:             cctx.Int("subtasks"),
			Step:              store.StepInitializing,
			MaxFailedSubtasks: maxFailed,
			MaxAutoResubmits:  maxResubmits,
			Executor:          executor,
			GigsPerSubtask:    cctx.Float64("gigs-per-subtask"),
			Remote: store.RemoteParams{
				Architecture:    cctx.String("arch"),
				Group:           cctx.String("group"),
				Queue:           cctx.String("queue"),
				WallTime:        cctx.String("wall-time"),
				NodeCount:       cctx.Int("nodes"),
				MinCoresPerNode: cctx.Int("min-cores"),
				MinGigsPerNode:  cctx.Float64("min-gigs"),
			},
		})
		if err != nil {
			return err
		}
		fmt.Printf("Created task %d (%s)\n", t.ID, statefile.InvariantPart{InstanceID: t.InstanceID, TaskID: t.ID, Module: t.Module}.TaskDirName())
		return nil
	},
}

var taskRestartCmd = &cli.Command{
	Name:      "restart",
	Usage:     "Ask the supervisor to restart an errored or halted task",
	ArgsUsage: "<taskID>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "mode",
			Value: pipeline.ResumeCurrentStep.String(),
			Usage: "RESTART_FROM_BEGINNING, RESUME_CURRENT_STEP, RESUBMIT or RESUME_MONITORING",
		},
	},
	Action: func(cctx *cli.Context) error {
		id, err := taskIDArg(cctx)
		if err != nil {
			return err
		}
		mode, err := pipeline.ParseRestartMode(cctx.String("mode"))
		if err != nil {
			return err
		}

		st, err := openTaskStore(cctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if _, err := st.Get(cctx.Context, id); err != nil {
			return err
		}

		r, err := repo.NewFS(cctx.String(FlagRepoPath))
		if err != nil {
			return err
		}
		if err := pipeline.RequestRestart(filepath.Join(r.Path(), requestDirName), id, mode); err != nil {
			return err
		}
		fmt.Printf("Requested %s of task %d\n", mode, id)
		return nil
	},
}

var taskListCmd = &cli.Command{
	Name:  "list",
	Usage: "List tasks",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "errored", Usage: "only errored tasks"},
		&cli.StringFlag{Name: "module", Usage: "only tasks of this module"},
	},
	Action: func(cctx *cli.Context) error {
		st, err := openTaskStore(cctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		tasks, err := st.List(cctx.Context)
		if err != nil {
			return err
		}
		tasks = lo.Filter(tasks, func(t store.Task, _ int) bool {
			if cctx.Bool("errored") && !t.Errored {
				return false
			}
			return !cctx.IsSet("module") || t.Module == cctx.String("module")
		})

		tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		_, _ = fmt.Fprintf(tw, "ID\tInstance\tModule\tStep\tSubtasks\tDisposition\tUpdated\n")
		for _, t := range tasks {
			step := string(t.Step)
			if t.Errored {
				step = color.RedString("%s (errored)", step)
			} else if t.Step == store.StepComplete {
				step = color.GreenString(step)
			}
			_, _ = fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
				t.ID, t.InstanceID, t.Module, step, subtaskSummary(t.Total, t.Complete, t.Failed),
				lo.Ternary(t.Disposition == "", "-", t.Disposition), humanize.Time(t.Updated))
		}
		return tw.Flush()
	},
}

func subtaskSummary(total, complete, failed int) string {
	return fmt.Sprintf("%d/%d (%d failed)", complete, total, failed)
}

var taskShowCmd = &cli.Command{
	Name:      "show",
	Usage:     "Show a task and its state file",
	ArgsUsage: "<taskID>",
	Action: func(cctx *cli.Context) error {
		id, err := taskIDArg(cctx)
		if err != nil {
			return err
		}
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		st, err := openTaskStore(cctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		t, err := st.Get(cctx.Context, id)
		if err != nil {
			return err
		}

		fmt.Printf("Task:\t\t%d\n", t.ID)
		fmt.Printf("Instance:\t%d\n", t.InstanceID)
		fmt.Printf("Module:\t\t%s\n", t.Module)
		fmt.Printf("Executable:\t%s\n", lo.Ternary(t.Executable == "", t.Module, t.Executable))
		fmt.Printf("Executor:\t%s\n", t.Executor)
		fmt.Printf("Step:\t\t%s\n", t.Step)
		fmt.Printf("Errored:\t%t\n", t.Errored)
		fmt.Printf("Disposition:\t%s\n", lo.Ternary(t.Disposition == "", "-", t.Disposition))
		fmt.Printf("Subtasks:\t%s\n", subtaskSummary(t.Total, t.Complete, t.Failed))
		fmt.Printf("Resubmits:\t%d of %d\n", t.AutoResubmitCount, t.MaxAutoResubmits)
		fmt.Printf("Max failed:\t%d\n", t.MaxFailedSubtasks)
		fmt.Printf("Created:\t%s (%s ago)\n", t.Created.Format("2006-01-02 15:04:05"),
			durafmt.Parse(build.Clock.Since(t.Created)).LimitFirstN(2))

		ip := statefile.InvariantPart{InstanceID: t.InstanceID, TaskID: t.ID, Module: t.Module}
		fmt.Printf("Task dir:\t%s\n", filepath.Join(cfg.Paths.TaskDataDir, ip.TaskDirName()))
		sf, err := statefile.FromDisk(cfg.Paths.StateFileDir, ip)
		if err != nil {
			fmt.Printf("State file:\t%s\n", color.YellowString("none (%s)", err))
			return nil
		}
		fmt.Printf("State file:\t%s\n", colorState(sf))
		return nil
	},
}

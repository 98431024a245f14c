package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/ziggy-project/ziggy/build"
	"github.com/ziggy-project/ziggy/lib/ziggylog"
	"github.com/ziggy-project/ziggy/node/config"
	"github.com/ziggy-project/ziggy/task/computenode"
)

var log = logging.Logger("main")

const (
	exitOK    = 0
	exitError = 1
)

func main() {
	ziggylog.SetupLogLevels()

	app := &cli.App{
		Name:      "ziggy-node",
		Usage:     "Process the subtasks of one task directory on this compute node",
		ArgsUsage: "<taskDir>",
		Version:   build.UserVersion(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "repo",
				EnvVars: []string{"ZIGGY_PATH"},
				Value:   "~/.ziggy",
				Usage:   "supervisor repo holding config.toml",
			},
			&cli.StringFlag{
				Name:  "state-dir",
				Usage: "state file directory, overrides Paths.StateFileDir",
			},
			&cli.StringFlag{
				Name:  "bin-path",
				Usage: "directory of algorithm executables, overrides Paths.BinPath",
			},
			&cli.StringFlag{
				Name:  "executable",
				Usage: "algorithm executable, overrides the state file's executableName",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "also write logs to this file",
			},
		},
		Action: func(cctx *cli.Context) error {
			code, err := run(cctx)
			if err != nil {
				log.Errorw("node failed", "error", err)
				return cli.Exit(err.Error(), exitError)
			}
			if code != exitOK {
				return cli.Exit("", code)
			}
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n\n", err) // nolint:errcheck
		os.Exit(exitError)
	}
}

func nodeConfig(cctx *cli.Context) (computenode.Config, error) {
	cfg, err := config.FromFile(filepath.Join(cctx.String("repo"), "config.toml"), config.DefaultSupervisor())
	if err != nil {
		return computenode.Config{}, xerrors.Errorf("loading config: %w", err)
	}
	if err := cfg.ExpandPaths(); err != nil {
		return computenode.Config{}, err
	}
	for sys, lvl := range cfg.Logging.SubsystemLevels {
		if err := logging.SetLogLevel(sys, lvl); err != nil {
			log.Warnw("setting log level", "subsystem", sys, "error", err)
		}
	}

	nc := computenode.Config{
		StateDir:            cfg.Paths.StateFileDir,
		BinPath:             cfg.Paths.BinPath,
		Executable:          cctx.String("executable"),
		Env:                 cfg.Pipeline.RuntimeEnvironment,
		DefaultCoresPerNode: cfg.Worker.DefaultCoresPerNode,
		TryAgainInterval:    cfg.Subtasks.TryAgainInterval.D(),
	}
	if cctx.IsSet("state-dir") {
		nc.StateDir = cctx.String("state-dir")
	}
	if cctx.IsSet("bin-path") {
		nc.BinPath = cctx.String("bin-path")
	}
	return nc, nil
}

// run returns the node's exit code (see computenode.Node.ExitCode), or an error when the
// node itself could not do its job.
func run(cctx *cli.Context) (int, error) {
	if cctx.NArg() != 1 {
		return exitError, xerrors.New("expected exactly one task directory")
	}
	if lf := cctx.String("log-file"); lf != "" {
		ziggylog.SetupFileLogging(lf)
	}

	cfg, err := nodeConfig(cctx)
	if err != nil {
		return exitError, err
	}

	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := computenode.New(cctx.Args().First(), cfg)
	if err != nil {
		return exitError, err
	}
	log.Infow("starting node", "task", n.Task().String(), "version", build.UserVersion())

	ok, err := n.Initialize(ctx)
	if err != nil {
		return exitError, xerrors.Errorf("initializing node: %w", err)
	}
	if !ok {
		log.Infow("nothing to process", "task", n.Task().String())
		return exitOK, nil
	}

	merr := n.Monitor(ctx)
	ferr := n.Finish(context.Background())
	cerr := n.Close(context.Background())
	for _, err := range []error{merr, ferr, cerr} {
		if err != nil && !xerrors.Is(err, context.Canceled) {
			return exitError, err
		}
	}

	if code := n.ExitCode(); code != 0 {
		log.Warnw("algorithm failures", "task", n.Task().String(), "exitCode", code)
		return code, nil
	}
	return exitOK, nil
}

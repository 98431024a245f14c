package main

import (
	"fmt"
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/ziggy-project/ziggy/build"
	"github.com/ziggy-project/ziggy/lib/ziggylog"
	"github.com/ziggy-project/ziggy/node/config"
	"github.com/ziggy-project/ziggy/node/repo"
)

var log = logging.Logger("main")

const FlagRepoPath = "repo"

func main() {
	ziggylog.SetupLogLevels()

	app := &cli.App{
		Name:                 "ziggy",
		Usage:                "Pipeline supervisor for subtask-parallel algorithm tasks",
		Version:              build.UserVersion(),
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    FlagRepoPath,
				EnvVars: []string{"ZIGGY_PATH"},
				Value:   "~/.ziggy",
			},
		},
		Commands: []*cli.Command{
			initCmd,
			runCmd,
			taskCmd,
			stateFileCmd,
			configCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n\n", err) // nolint:errcheck
		os.Exit(1)
	}
}

var initCmd = &cli.Command{
	Name:  "init",
	Usage: "Initialize a ziggy repo",
	Action: func(cctx *cli.Context) error {
		r, err := repo.NewFS(cctx.String(FlagRepoPath))
		if err != nil {
			return err
		}
		if err := r.Init(); err != nil {
			return err
		}
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		for _, dir := range []string{cfg.Paths.StateFileDir, cfg.Paths.TaskDataDir} {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return xerrors.Errorf("creating %s: %w", dir, err)
			}
		}
		fmt.Printf("Initialized ziggy repo at %s\n", r.Path())
		return nil
	},
}

// loadConfig reads the repo config without locking the repo, so commands
// work next to a running supervisor.
func loadConfig(cctx *cli.Context) (*config.Supervisor, error) {
	r, err := repo.NewFS(cctx.String(FlagRepoPath))
	if err != nil {
		return nil, err
	}
	cfg, err := config.FromFile(r.ConfigPath(), config.DefaultSupervisor())
	if err != nil {
		return nil, err
	}
	return cfg, cfg.ExpandPaths()
}

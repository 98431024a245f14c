package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/ziggy-project/ziggy/task/statefile"
)

var stateFileCmd = &cli.Command{
	Name:  "statefile",
	Usage: "Inspect and change task state files",
	Subcommands: []*cli.Command{
		stateFileListCmd,
		stateFileShowCmd,
		stateFileSetCmd,
	},
}

func colorState(sf statefile.StateFile) string {
	name := sf.Name()
	switch {
	case sf.IsDeleted():
		return color.RedString(name)
	case sf.IsDone() && sf.NumFailed > 0:
		return color.YellowString(name)
	case sf.IsDone():
		return color.GreenString(name)
	case sf.IsRunning():
		return color.CyanString(name)
	default:
		return name
	}
}

var stateFileListCmd = &cli.Command{
	Name:  "list",
	Usage: "List state files",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{Name: "state", Usage: "only these states"},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		all, err := statefile.List(cfg.Paths.StateFileDir)
		if err != nil {
			return err
		}
		if states := cctx.StringSlice("state"); len(states) > 0 {
			want := lo.SliceToMap(states, func(s string) (statefile.State, struct{}) {
				return statefile.State(strings.ToUpper(s)), struct{}{}
			})
			all = lo.Filter(all, func(sf statefile.StateFile, _ int) bool {
				_, ok := want[sf.State]
				return ok
			})
		}

		tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		_, _ = fmt.Fprintf(tw, "Task\tModule\tState\tSubtasks\tFile\n")
		for _, sf := range all {
			_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", sf.TaskID, sf.Module, sf.State,
				subtaskSummary(sf.NumTotal, sf.NumComplete, sf.NumFailed), colorState(sf))
		}
		return tw.Flush()
	},
}

// stateFileArg resolves a state file name, or a task dir name, to the
// invariant part it belongs to.
func stateFileArg(arg string) (statefile.InvariantPart, error) {
	base := filepath.Base(arg)
	if sf, err := statefile.Parse(base); err == nil {
		return sf.InvariantPart, nil
	}
	ip, err := statefile.ParseTaskDirName(base)
	if err != nil {
		return statefile.InvariantPart{}, xerrors.Errorf("%q is neither a state file nor a task dir name", arg)
	}
	return ip, nil
}

var stateFileShowCmd = &cli.Command{
	Name:      "show",
	Usage:     "Show a state file with its properties",
	ArgsUsage: "<stateFile|taskDir>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return xerrors.New("expected a state file or task dir name")
		}
		ip, err := stateFileArg(cctx.Args().First())
		if err != nil {
			return err
		}
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		sf, err := statefile.FromDisk(cfg.Paths.StateFileDir, ip)
		if err != nil {
			return err
		}

		fmt.Println(colorState(sf))
		keys := lo.Keys(sf.Props)
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", k, sf.Props[k])
		}
		return nil
	},
}

var stateFileSetCmd = &cli.Command{
	Name:      "set",
	Usage:     "Move a state file to another state under the task's lock",
	ArgsUsage: "<stateFile|taskDir> <STATE>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 2 {
			return xerrors.New("expected a state file and a state")
		}
		ip, err := stateFileArg(cctx.Args().Get(0))
		if err != nil {
			return err
		}
		state := statefile.State(strings.ToUpper(cctx.Args().Get(1)))
		if !state.Valid() {
			return xerrors.Errorf("unknown state %q, expected one of %v", state, statefile.States)
		}
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}

		taskDir := filepath.Join(cfg.Paths.TaskDataDir, ip.TaskDirName())
		sf, err := statefile.SetStateAndPersist(cctx.Context, cfg.Paths.StateFileDir, taskDir, ip, state)
		if err != nil {
			return err
		}
		fmt.Println(colorState(sf))
		return nil
	},
}

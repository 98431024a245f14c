package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/ziggy-project/ziggy/node/config"
)

var configCmd = &cli.Command{
	Name:  "config",
	Usage: "Print configuration",
	Subcommands: []*cli.Command{
		{
			Name:  "default",
			Usage: "Print the default config",
			Action: func(cctx *cli.Context) error {
				b, err := config.ToBytes(config.DefaultSupervisor())
				if err != nil {
					return err
				}
				fmt.Print(string(b))
				return nil
			},
		},
		{
			Name:  "updated",
			Usage: "Print the repo config with defaults and environment overrides applied",
			Action: func(cctx *cli.Context) error {
				cfg, err := loadConfig(cctx)
				if err != nil {
					return err
				}
				b, err := config.ToBytes(cfg)
				if err != nil {
					return err
				}
				fmt.Print(string(b))
				return nil
			},
		},
	},
}

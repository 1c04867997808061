package main

import (
	"bytes"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/node/config"
)

var configCmd = &cli.Command{
	Name:  "config",
	Usage: "Manage node config",
	Subcommands: []*cli.Command{
		configDefaultCmd,
		configShowCmd,
	},
}

var configDefaultCmd = &cli.Command{
	Name:  "default",
	Usage: "Print default node config",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "no-comment",
			Usage: "don't comment default values",
		},
	},
	Action: func(cctx *cli.Context) error {
		c := config.DefaultGossipNode()

		if cctx.Bool("no-comment") {
			buf := new(bytes.Buffer)
			_, _ = buf.WriteString("# Default config:\n")
			e := toml.NewEncoder(buf)
			if err := e.Encode(c); err != nil {
				return xerrors.Errorf("encoding default config: %w", err)
			}

			fmt.Println(buf.String())
			return nil
		}

		cb, err := config.ConfigComment(c)
		if err != nil {
			return err
		}

		fmt.Println(string(cb))
		return nil
	},
}

var configShowCmd = &cli.Command{
	Name:  "show",
	Usage: "Print the effective config of the repo",
	Action: func(cctx *cli.Context) error {
		r, err := openRepo(cctx)
		if err != nil {
			return err
		}
		cfg, err := loadConfig(r)
		if err != nil {
			return err
		}
		return toml.NewEncoder(cctx.App.Writer).Encode(cfg)
	},
}

package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/giggossip/giggossip/build"
)

var versionCmd = &cli.Command{
	Name:  "version",
	Usage: "Print version",
	Action: func(cctx *cli.Context) error {
		v, err := build.VersionForType(build.NodeGossip)
		if err != nil {
			return err
		}
		fmt.Println("Daemon: ", build.UserVersion())
		fmt.Println("API:    ", v)
		return nil
	},
}

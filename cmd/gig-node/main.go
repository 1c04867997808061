package main

import (
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/build"
	"github.com/giggossip/giggossip/lib/giglog"
	"github.com/giggossip/giggossip/node/config"
	"github.com/giggossip/giggossip/node/repo"
)

var log = logging.Logger("main")

const FlagNodeRepo = "node-repo"

func main() {
	giglog.SetupLogLevels()

	app := &cli.App{
		Name:    "gig-node",
		Usage:   "Gig gossip broadcast and relay node",
		Version: build.UserVersion(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    FlagNodeRepo,
				Aliases: []string{"repo"},
				EnvVars: []string{"GIG_NODE_PATH"},
				Value:   "~/.gignode",
			},
		},
		Commands: []*cli.Command{
			initCmd,
			runCmd,
			configCmd,
			idCmd,
			peersCmd,
			requestCmd,
			responsesCmd,
			acceptCmd,
			revealCmd,
			disputeCmd,
			payoutsCmd,
			versionCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Errorf("%+v", err)
		os.Exit(1)
	}
}

func openRepo(cctx *cli.Context) (*repo.FsRepo, error) {
	r, err := repo.NewFS(cctx.String(FlagNodeRepo))
	if err != nil {
		return nil, err
	}
	ok, err := r.Exists()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, xerrors.Errorf("repo at '%s' is not initialized, run 'gig-node init' to set it up", cctx.String(FlagNodeRepo))
	}
	return r, nil
}

func loadConfig(r *repo.FsRepo) (*config.GossipNode, error) {
	c, err := config.FromFile(r.ConfigPath(), config.DefaultGossipNode())
	if err != nil {
		return nil, xerrors.Errorf("loading config: %w", err)
	}
	cfg, ok := c.(*config.GossipNode)
	if !ok {
		return nil, xerrors.Errorf("invalid config type: %T", c)
	}
	return cfg, nil
}

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

const FlagSettlerRepo = "settler-repo"

func main() {
	giglog.SetupLogLevels()

	app := &cli.App{
		Name:    "gig-settler",
		Usage:   "Settlement authority for the gig gossip network",
		Version: build.UserVersion(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    FlagSettlerRepo,
				Aliases: []string{"repo"},
				EnvVars: []string{"GIG_SETTLER_PATH"},
				Value:   "~/.gigsettler",
			},
		},
		Commands: []*cli.Command{
			initCmd,
			runCmd,
			configCmd,
			propertyCmd,
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
	r, err := repo.NewFS(cctx.String(FlagSettlerRepo))
	if err != nil {
		return nil, err
	}
	ok, err := r.Exists()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, xerrors.Errorf("repo at '%s' is not initialized, run 'gig-settler init' to set it up", cctx.String(FlagSettlerRepo))
	}
	return r, nil
}

func loadConfig(r *repo.FsRepo) (*config.Settler, error) {
	c, err := config.FromFile(r.ConfigPath(), config.DefaultSettler())
	if err != nil {
		return nil, xerrors.Errorf("loading config: %w", err)
	}
	cfg, ok := c.(*config.Settler)
	if !ok {
		return nil, xerrors.Errorf("invalid config type: %T", c)
	}
	return cfg, nil
}

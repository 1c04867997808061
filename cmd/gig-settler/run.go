package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/multiformats/go-multiaddr"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/build"
	"github.com/giggossip/giggossip/lib/giglog"
	"github.com/giggossip/giggossip/lib/sigs"
	"github.com/giggossip/giggossip/liquidity"
	"github.com/giggossip/giggossip/metrics"
	"github.com/giggossip/giggossip/node"
	"github.com/giggossip/giggossip/node/repo"
)

var initCmd = &cli.Command{
	Name:  "init",
	Usage: "Initialize a settler repo with a default config and a new identity",
	Action: func(cctx *cli.Context) error {
		r, err := repo.NewFS(cctx.String(FlagSettlerRepo))
		if err != nil {
			return err
		}
		if err := r.Init(repo.Settler); err != nil {
			if errors.Is(err, repo.ErrRepoExists) {
				return xerrors.Errorf("repo at '%s' is already initialized", cctx.String(FlagSettlerRepo))
			}
			return err
		}
		priv, err := r.Identity()
		if err != nil {
			return err
		}
		log.Infow("initialized settler repo", "config", r.ConfigPath(), "pubkey", sigs.Identity(priv))
		return nil
	},
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Start the settlement authority",
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()

		r, err := openRepo(cctx)
		if err != nil {
			return err
		}
		cfg, err := loadConfig(r)
		if err != nil {
			return err
		}
		if err := giglog.SetSubsystemLevels(cfg.Logging.SubsystemLevels); err != nil {
			return err
		}

		var sn node.SettlerNode
		stop, err := node.New(ctx,
			node.Settler(&sn),
			node.Base(),
			node.Repo(r),
		)
		if err != nil {
			return xerrors.Errorf("initializing node: %w", err)
		}

		var metricsHandler http.Handler
		if cfg.Metrics.Enabled {
			metricsHandler, err = node.MetricsHandler(cfg.Metrics.Namespace, build.NodeSettler.String(), metrics.SettlerViews...)
			if err != nil {
				return err
			}
		}

		apiAddr, err := multiaddr.NewMultiaddr(cfg.API.ListenAddress)
		if err != nil {
			return xerrors.Errorf("parsing api address: %w", err)
		}
		stopAPI, _, err := node.ServeRPC(node.SettlerHandler(sn.Settler, metricsHandler), "gig-settler", apiAddr)
		if err != nil {
			return xerrors.Errorf("failed to start json-rpc endpoint: %w", err)
		}

		adminAddr, err := multiaddr.NewMultiaddr(cfg.API.AdminListenAddress)
		if err != nil {
			return xerrors.Errorf("parsing admin address: %w", err)
		}
		stopAdmin, _, err := node.ServeRPC(liquidity.NewRPCHandler(sn.Liquidity), "gig-settler-admin", adminAddr)
		if err != nil {
			return xerrors.Errorf("failed to start admin endpoint: %w", err)
		}

		finishCh := node.MonitorShutdown(make(chan struct{}),
			node.ShutdownHandler{Component: "rpc server", StopFunc: stopAPI},
			node.ShutdownHandler{Component: "admin server", StopFunc: stopAdmin},
			node.ShutdownHandler{Component: "settler", StopFunc: stop},
		)
		<-finishCh
		return nil
	},
}

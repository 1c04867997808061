package main

import (
	"context"
	"errors"

	"github.com/gorilla/mux"
	"github.com/multiformats/go-multiaddr"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/build"
	"github.com/giggossip/giggossip/lib/giglog"
	"github.com/giggossip/giggossip/lib/sigs"
	"github.com/giggossip/giggossip/metrics"
	"github.com/giggossip/giggossip/node"
	"github.com/giggossip/giggossip/node/repo"
)

var initCmd = &cli.Command{
	Name:  "init",
	Usage: "Initialize a node repo with a default config and a new identity",
	Action: func(cctx *cli.Context) error {
		r, err := repo.NewFS(cctx.String(FlagNodeRepo))
		if err != nil {
			return err
		}
		if err := r.Init(repo.GossipNode); err != nil {
			if errors.Is(err, repo.ErrRepoExists) {
				return xerrors.Errorf("repo at '%s' is already initialized", cctx.String(FlagNodeRepo))
			}
			return err
		}
		priv, err := r.Identity()
		if err != nil {
			return err
		}
		log.Infow("initialized node repo", "config", r.ConfigPath(), "pubkey", sigs.Identity(priv))
		return nil
	},
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Start the gossip node",
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

		var gn node.GossipNodeAPI
		stop, err := node.New(ctx,
			node.GossipNode(&gn),
			node.Base(),
			node.Repo(r),
		)
		if err != nil {
			return xerrors.Errorf("initializing node: %w", err)
		}

		handlers := []node.ShutdownHandler{{Component: "node", StopFunc: stop}}

		if cfg.Metrics.Enabled {
			metricsHandler, err := node.MetricsHandler(cfg.Metrics.Namespace, build.NodeGossip.String(), metrics.GossipNodeViews...)
			if err != nil {
				return err
			}
			apiAddr, err := multiaddr.NewMultiaddr(cfg.API.ListenAddress)
			if err != nil {
				return xerrors.Errorf("parsing api address: %w", err)
			}
			m := mux.NewRouter()
			m.Handle("/debug/metrics", metricsHandler)
			stopMetrics, _, err := node.ServeRPC(m, "gig-node-metrics", apiAddr)
			if err != nil {
				return xerrors.Errorf("failed to start metrics endpoint: %w", err)
			}
			handlers = append([]node.ShutdownHandler{{Component: "metrics server", StopFunc: stopMetrics}}, handlers...)
		}

		adminAddr, err := multiaddr.NewMultiaddr(cfg.API.AdminListenAddress)
		if err != nil {
			return xerrors.Errorf("parsing admin address: %w", err)
		}
		stopAdmin, _, err := node.ServeRPC(node.GossipHandler(gn), "gig-node-admin", adminAddr)
		if err != nil {
			return xerrors.Errorf("failed to start admin endpoint: %w", err)
		}
		handlers = append([]node.ShutdownHandler{{Component: "admin server", StopFunc: stopAdmin}}, handlers...)

		<-node.MonitorShutdown(make(chan struct{}), handlers...)
		return nil
	},
}

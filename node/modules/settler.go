package modules

import (
	"context"
	"time"

	"github.com/ipfs/go-datastore"
	"github.com/raulk/clock"
	"go.uber.org/fx"

	"github.com/giggossip/giggossip/journal"
	"github.com/giggossip/giggossip/lib/sigs"
	"github.com/giggossip/giggossip/liquidity"
	"github.com/giggossip/giggossip/node/config"
	"github.com/giggossip/giggossip/node/modules/helpers"
	"github.com/giggossip/giggossip/node/repo"
	"github.com/giggossip/giggossip/paynode"
	"github.com/giggossip/giggossip/settler"
)

func SettlerLedger(mctx helpers.MetricsCtx, lc fx.Lifecycle, lr repo.LockedRepo) (*settler.Ledger, error) {
	path, err := lr.SqlitePath("settler")
	if err != nil {
		return nil, err
	}
	ledger, err := settler.OpenLedger(helpers.LifecycleCtx(mctx, lc), path)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error { return ledger.Close() },
	})
	return ledger, nil
}

func SettlerConfig(cfg config.SettlerAuthority) settler.Config {
	return settler.Config{
		ServiceUri:               cfg.ServiceUri,
		PriceAmountForSettlement: cfg.PriceAmountForSettlement,
		InvoicePaymentTimeout:    time.Duration(cfg.InvoicePaymentTimeout),
		DisputeGracePeriod:       time.Duration(cfg.DisputeGracePeriod),
		SweepInterval:            time.Duration(cfg.SweepInterval),
		AdminPublicKeys:          cfg.AdminPublicKeys,
	}
}

func Settler(lc fx.Lifecycle, cfg settler.Config, priv *sigs.PrivateKey, ledger *settler.Ledger, pay paynode.API, clk clock.Clock, j journal.Journal) *settler.Settler {
	s := settler.New(cfg, priv, ledger, pay, clk, j)
	lc.Append(fx.Hook{
		OnStart: s.Start,
		OnStop:  s.Stop,
	})
	log.Infow("settlement authority", "uri", cfg.ServiceUri, "pubkey", s.PublicKey())
	return s
}

func SettlerAPI(s *settler.Settler) settler.API {
	return settler.NewAPI(s)
}

func LiquidityConfig(cfg config.Liquidity) liquidity.Config {
	return liquidity.Config{
		NearbyNodes:                cfg.NearbyNodes,
		MinSatoshisPerChannel:      cfg.MinSatoshisPerChannel,
		MaxSatoshisPerChannel:      cfg.MaxSatoshisPerChannel,
		MaxChannelCloseFeePerVByte: cfg.MaxChannelCloseFeePerVByte,
		ReservePerChannel:          cfg.ReservePerChannel,
		MaxRequiredReserve:         cfg.MaxRequiredReserve,
		Interval:                   time.Duration(cfg.Interval),
	}
}

func LiquidityStore(ds datastore.Batching, clk clock.Clock) *liquidity.Store {
	return liquidity.NewStore(ds, clk)
}

func LiquidityAPI(s *liquidity.Store) liquidity.API {
	return liquidity.NewAPI(s)
}

func LiquidityManager(lc fx.Lifecycle, cfg liquidity.Config, pay paynode.API, s *liquidity.Store, clk clock.Clock, j journal.Journal) *liquidity.Manager {
	m := liquidity.New(cfg, pay, s, clk, j)
	lc.Append(fx.Hook{
		OnStart: m.Start,
		OnStop:  m.Stop,
	})
	return m
}

// RunLiquidityManager pulls the manager into the graph so its loop runs.
func RunLiquidityManager(_ *liquidity.Manager, cfg liquidity.Config) {
	log.Infow("liquidity manager enabled", "nearby", cfg.NearbyNodes, "interval", cfg.Interval)
}

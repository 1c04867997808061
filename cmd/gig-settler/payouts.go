package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/liquidity"
	"github.com/giggossip/giggossip/node"
)

var payoutsCmd = &cli.Command{
	Name:  "payouts",
	Usage: "Manage on-chain payouts through the admin endpoint",
	Subcommands: []*cli.Command{
		payoutsListCmd,
		payoutsRegisterCmd,
		payoutsRetryCmd,
	},
}

func liquidityClient(cctx *cli.Context) (liquidity.API, func(), error) {
	r, err := openRepo(cctx)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := loadConfig(r)
	if err != nil {
		return nil, nil, err
	}
	url, err := node.DialURL("http", cfg.API.AdminListenAddress, liquidity.RPCPath)
	if err != nil {
		return nil, nil, err
	}
	api, closer, err := liquidity.NewClient(cctx.Context, url, nil)
	if err != nil {
		return nil, nil, xerrors.Errorf("connecting to admin endpoint at %s: %w", url, err)
	}
	return api, closer, nil
}

var payoutsListCmd = &cli.Command{
	Name:  "list",
	Usage: "List all payouts",
	Action: func(cctx *cli.Context) error {
		api, closer, err := liquidityClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		payouts, err := api.ListPayouts(cctx.Context)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		_, _ = fmt.Fprintf(tw, "ID\tOwner\tAddress\tSatoshis\tFee\tState\tTx\tCreated\n")
		for _, p := range payouts {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
				p.PayoutId, p.PublicKey, p.BitcoinAddress, p.Satoshis, p.Fee, p.State, p.Tx,
				time.Unix(0, p.Created).Format(time.RFC3339))
		}
		return tw.Flush()
	},
}

var payoutsRegisterCmd = &cli.Command{
	Name:      "register",
	Usage:     "Register a payout to a bitcoin address",
	ArgsUsage: "<owner-pubkey> <address> <satoshis>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 3 {
			return xerrors.New("expected <owner-pubkey> <address> <satoshis>")
		}
		sats, err := strconv.ParseInt(cctx.Args().Get(2), 10, 64)
		if err != nil {
			return xerrors.Errorf("parsing satoshis: %w", err)
		}

		api, closer, err := liquidityClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		p, err := api.RegisterPayout(cctx.Context, cctx.Args().Get(0), cctx.Args().Get(1), sats)
		if err != nil {
			return err
		}
		fmt.Println(p.PayoutId)
		return nil
	},
}

var payoutsRetryCmd = &cli.Command{
	Name:      "retry",
	Usage:     "Reopen a failed payout",
	ArgsUsage: "<payout-id>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return xerrors.New("expected <payout-id>")
		}
		api, closer, err := liquidityClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		return api.RetryPayout(cctx.Context, cctx.Args().First())
	},
}

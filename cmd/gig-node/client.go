package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/gossip"
	"github.com/giggossip/giggossip/liquidity"
	"github.com/giggossip/giggossip/node"
)

const liquidityPrefix = "/liquidity"

func adminURL(cctx *cli.Context, path string) (string, error) {
	r, err := openRepo(cctx)
	if err != nil {
		return "", err
	}
	cfg, err := loadConfig(r)
	if err != nil {
		return "", err
	}
	return node.DialURL("http", cfg.API.AdminListenAddress, path)
}

func gossipClient(cctx *cli.Context) (gossip.API, func(), error) {
	url, err := adminURL(cctx, gossip.RPCPath)
	if err != nil {
		return nil, nil, err
	}
	api, closer, err := gossip.NewClient(cctx.Context, url, nil)
	if err != nil {
		return nil, nil, xerrors.Errorf("connecting to node at %s: %w", url, err)
	}
	return api, closer, nil
}

// findResponse looks up the reply of replier to the request payloadId.
func findResponse(cctx *cli.Context, api gossip.API, payloadId, replier string) (gossip.Response, error) {
	groups, err := api.GetResponses(cctx.Context, payloadId)
	if err != nil {
		return gossip.Response{}, err
	}
	for _, g := range groups {
		for _, r := range g {
			if r.Replier() == replier {
				return r, nil
			}
		}
	}
	return gossip.Response{}, xerrors.Errorf("no response from %s to %s", replier, payloadId)
}

var idCmd = &cli.Command{
	Name:  "id",
	Usage: "Print the node public key",
	Action: func(cctx *cli.Context) error {
		api, closer, err := gossipClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		pk, err := api.PublicKey(cctx.Context)
		if err != nil {
			return err
		}
		fmt.Println(pk)
		return nil
	},
}

var peersCmd = &cli.Command{
	Name:  "peers",
	Usage: "Manage gossip peers",
	Subcommands: []*cli.Command{
		{
			Name:  "list",
			Usage: "List connected peers",
			Action: func(cctx *cli.Context) error {
				api, closer, err := gossipClient(cctx)
				if err != nil {
					return err
				}
				defer closer()

				peers, err := api.Peers(cctx.Context)
				if err != nil {
					return err
				}
				for _, p := range peers {
					fmt.Println(p)
				}
				return nil
			},
		},
		{
			Name:      "connect",
			Usage:     "Connect to a peer by public key",
			ArgsUsage: "<pubkey>",
			Action: func(cctx *cli.Context) error {
				if cctx.NArg() != 1 {
					return xerrors.New("expected <pubkey>")
				}
				api, closer, err := gossipClient(cctx)
				if err != nil {
					return err
				}
				defer closer()

				return api.ConnectTo(cctx.Context, cctx.Args().First())
			},
		},
	},
}

func printResponses(groups [][]gossip.Response) error {
	tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "Replier\tAuthority\tRoutes\tReplyInvoice\n")
	for _, g := range groups {
		if len(g) == 0 {
			continue
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", g[0].Replier(), g[0].ServiceUri, len(g), g[0].Payload.ReplyInvoice)
	}
	return tw.Flush()
}

var requestCmd = &cli.Command{
	Name:      "request",
	Usage:     "Broadcast a request for topic and print its payload id",
	ArgsUsage: "<topic>",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "wait",
			Usage: "poll for responses for this long",
		},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return xerrors.New("expected <topic>")
		}
		api, closer, err := gossipClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		payloadId, err := api.Broadcast(cctx.Context, []byte(cctx.Args().First()))
		if err != nil {
			return err
		}
		fmt.Println(payloadId)

		wait := cctx.Duration("wait")
		if wait == 0 {
			return nil
		}
		deadline := time.Now().Add(wait)
		for time.Now().Before(deadline) {
			groups, err := api.GetResponses(cctx.Context, payloadId)
			if err != nil {
				return err
			}
			if len(groups) > 0 {
				return printResponses(groups)
			}
			time.Sleep(time.Second)
		}
		return xerrors.Errorf("no responses to %s within %s", payloadId, wait)
	},
}

var responsesCmd = &cli.Command{
	Name:      "responses",
	Usage:     "List responses to a request",
	ArgsUsage: "<payloadId>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return xerrors.New("expected <payloadId>")
		}
		api, closer, err := gossipClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		groups, err := api.GetResponses(cctx.Context, cctx.Args().First())
		if err != nil {
			return err
		}
		return printResponses(groups)
	},
}

func responseAction(do func(cctx *cli.Context, api gossip.API, resp gossip.Response) error) cli.ActionFunc {
	return func(cctx *cli.Context) error {
		if cctx.NArg() != 2 {
			return xerrors.New("expected <payloadId> <replier>")
		}
		api, closer, err := gossipClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		resp, err := findResponse(cctx, api, cctx.Args().Get(0), cctx.Args().Get(1))
		if err != nil {
			return err
		}
		return do(cctx, api, resp)
	}
}

var acceptCmd = &cli.Command{
	Name:      "accept",
	Usage:     "Pay for a response",
	ArgsUsage: "<payloadId> <replier>",
	Action: responseAction(func(cctx *cli.Context, api gossip.API, resp gossip.Response) error {
		return api.AcceptResponse(cctx.Context, resp)
	}),
}

var revealCmd = &cli.Command{
	Name:      "reveal",
	Usage:     "Decrypt the message of an accepted response",
	ArgsUsage: "<payloadId> <replier>",
	Action: responseAction(func(cctx *cli.Context, api gossip.API, resp gossip.Response) error {
		msg, err := api.RevealReplyMessage(cctx.Context, resp)
		if err != nil {
			return err
		}
		fmt.Println(string(msg))
		return nil
	}),
}

var disputeCmd = &cli.Command{
	Name:      "dispute",
	Usage:     "Open or close a dispute over an accepted response",
	ArgsUsage: "<payloadId> <replier>",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "close",
			Usage: "close the dispute instead of opening it",
		},
	},
	Action: responseAction(func(cctx *cli.Context, api gossip.API, resp gossip.Response) error {
		return api.ManageDispute(cctx.Context, resp, !cctx.Bool("close"))
	}),
}

var payoutsCmd = &cli.Command{
	Name:  "payouts",
	Usage: "List on-chain payouts of the node",
	Action: func(cctx *cli.Context) error {
		url, err := adminURL(cctx, liquidityPrefix+liquidity.RPCPath)
		if err != nil {
			return err
		}
		api, closer, err := liquidity.NewClient(cctx.Context, url, nil)
		if err != nil {
			return xerrors.Errorf("connecting to node at %s: %w", url, err)
		}
		defer closer()

		payouts, err := api.ListPayouts(cctx.Context)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		_, _ = fmt.Fprintf(tw, "ID\tAddress\tSatoshis\tFee\tState\tTx\n")
		for _, p := range payouts {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n", p.PayoutId, p.BitcoinAddress, p.Satoshis, p.Fee, p.State, p.Tx)
		}
		return tw.Flush()
	},
}

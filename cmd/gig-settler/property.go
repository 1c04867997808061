package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/node"
	"github.com/giggossip/giggossip/settler"
)

var propertyCmd = &cli.Command{
	Name:  "property",
	Usage: "Grant and revoke node properties",
	Subcommands: []*cli.Command{
		propertyGrantCmd,
		propertyRevokeCmd,
	},
}

// settlerClient dials the running settler and signs with the repo identity,
// which the settler always treats as an admin.
func settlerClient(cctx *cli.Context) (*settler.Client, func(), error) {
	r, err := openRepo(cctx)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := loadConfig(r)
	if err != nil {
		return nil, nil, err
	}
	priv, err := r.Identity()
	if err != nil {
		return nil, nil, err
	}

	url, err := node.DialURL("ws", cfg.API.ListenAddress, settler.RPCPath)
	if err != nil {
		return nil, nil, err
	}
	api, closer, err := settler.NewClient(cctx.Context, url, nil)
	if err != nil {
		return nil, nil, xerrors.Errorf("connecting to settler at %s: %w", url, err)
	}
	return settler.NewClientFor(api, priv), closer, nil
}

var propertyGrantCmd = &cli.Command{
	Name:      "grant",
	Usage:     "Grant a property to a node public key",
	ArgsUsage: "<pubkey> <name> [value]",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "valid-for",
			Usage: "how long the property stays valid",
			Value: 365 * 24 * time.Hour,
		},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() < 2 || cctx.NArg() > 3 {
			return xerrors.New("expected <pubkey> <name> [value]")
		}
		c, closer, err := settlerClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		token, err := c.Token(cctx.Context)
		if err != nil {
			return err
		}
		pubKey, name := cctx.Args().Get(0), cctx.Args().Get(1)
		validTill := time.Now().Add(cctx.Duration("valid-for"))
		if err := c.GrantProperty(cctx.Context, token, pubKey, name, []byte(cctx.Args().Get(2)), validTill); err != nil {
			return err
		}
		fmt.Printf("granted %s to %s until %s\n", name, pubKey, validTill.Format(time.RFC3339))
		return nil
	},
}

var propertyRevokeCmd = &cli.Command{
	Name:      "revoke",
	Usage:     "Revoke a property and every certificate issued with it",
	ArgsUsage: "<pubkey> <name>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 2 {
			return xerrors.New("expected <pubkey> <name>")
		}
		c, closer, err := settlerClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		token, err := c.Token(cctx.Context)
		if err != nil {
			return err
		}
		return c.RevokeProperty(cctx.Context, token, cctx.Args().Get(0), cctx.Args().Get(1))
	},
}

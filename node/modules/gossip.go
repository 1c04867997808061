package modules

import (
	"context"
	"strings"
	"time"

	"github.com/filecoin-project/go-jsonrpc"
	"github.com/raulk/clock"
	"go.uber.org/fx"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/build"
	"github.com/giggossip/giggossip/gossip"
	"github.com/giggossip/giggossip/lib/retry"
	"github.com/giggossip/giggossip/lib/sigs"
	"github.com/giggossip/giggossip/node/config"
	"github.com/giggossip/giggossip/node/modules/helpers"
	"github.com/giggossip/giggossip/paynode"
	"github.com/giggossip/giggossip/settler"
	"github.com/giggossip/giggossip/transport"
	"github.com/giggossip/giggossip/types"
)

func GossipConfig(cfg config.Gossip) gossip.Config {
	return gossip.Config{
		PriceAmountForRouting:      cfg.PriceAmountForRouting,
		BroadcastConditionsTimeout: time.Duration(cfg.BroadcastConditionsTimeout),
		PowScheme:                  build.PowSchemeSha256,
		PowComplexity:              cfg.PowComplexity,
		TimestampTolerance:         time.Duration(cfg.TimestampTolerance),
		InvoicePaymentTimeout:      time.Duration(cfg.InvoicePaymentTimeout),
		PaymentFeeLimit:            cfg.PaymentFeeLimit,
		ClaimInterval:              time.Duration(cfg.ClaimInterval),
		RelayBound:                 cfg.RelayBound,
		AskCacheSize:               cfg.AskCacheSize,
	}
}

// GossipPolicy relays the configured topics, all of them when none is
// configured, and answers the topics with an auto reply.
func GossipPolicy(cfg config.Gossip) gossip.Policy {
	topics := map[string]bool{}
	for _, t := range cfg.Topics {
		topics[t] = true
	}
	replies := map[string]config.AutoReply{}
	for _, r := range cfg.AutoReplies {
		replies[r.Topic] = r
	}

	return gossip.FuncPolicy{
		TopicFn: func(topic []byte) bool {
			return len(topics) == 0 || topics[string(topic)]
		},
		ReplyFn: func(ctx context.Context, req *types.RequestPayload) ([]byte, int64) {
			r, ok := replies[string(req.Topic)]
			if !ok {
				return nil, 0
			}
			return []byte(r.Message), r.Fee
		},
	}
}

func Transport(cfg config.Transport) func(mctx helpers.MetricsCtx, lc fx.Lifecycle, priv *sigs.PrivateKey) (transport.Transport, error) {
	return func(mctx helpers.MetricsCtx, lc fx.Lifecycle, priv *sigs.PrivateKey) (transport.Transport, error) {
		tr, err := transport.NewP2PTransport(helpers.LifecycleCtx(mctx, lc), priv, gossip.NewRegistry(), transport.P2PConfig{
			ListenAddresses: cfg.ListenAddresses,
			BootstrapPeers:  cfg.BootstrapPeers,
			MaxChunkSize:    cfg.MaxChunkSize,
		})
		if err != nil {
			return nil, err
		}
		log.Infow("transport listening", "addrs", tr.Addrs())
		return tr, nil
	}
}

// SettlerDirectory dials the certifying authority and every trusted one,
// given as ServiceUri=Endpoint.
func SettlerDirectory(cfg config.Authority) func(mctx helpers.MetricsCtx, lc fx.Lifecycle, priv *sigs.PrivateKey) (*settler.Directory, error) {
	return func(mctx helpers.MetricsCtx, lc fx.Lifecycle, priv *sigs.PrivateKey) (*settler.Directory, error) {
		ctx := helpers.LifecycleCtx(mctx, lc)
		dir := settler.NewDirectory()

		endpoints := map[string]string{cfg.ServiceUri: cfg.Endpoint}
		for _, t := range cfg.Trusted {
			uri, ep, ok := strings.Cut(t, "=")
			if !ok {
				return nil, xerrors.Errorf("trusted authority %q is not ServiceUri=Endpoint", t)
			}
			endpoints[uri] = ep
		}

		for uri, ep := range endpoints {
			api, closer, err := settler.NewClient(ctx, ep, nil)
			if err != nil {
				return nil, xerrors.Errorf("connecting to authority %s: %w", uri, err)
			}
			lc.Append(fx.Hook{
				OnStop: func(_ context.Context) error {
					closer()
					return nil
				},
			})
			dir.Add(uri, settler.NewClientFor(api, priv))
		}
		return dir, nil
	}
}

// Certificate asks the certifying authority for a certificate over the
// configured properties, retrying while it is unreachable.
func Certificate(cfg config.Authority) func(mctx helpers.MetricsCtx, lc fx.Lifecycle, dir *settler.Directory) (*types.Certificate, error) {
	return func(mctx helpers.MetricsCtx, lc fx.Lifecycle, dir *settler.Directory) (*types.Certificate, error) {
		ctx := helpers.LifecycleCtx(mctx, lc)
		c, err := dir.Get(cfg.ServiceUri)
		if err != nil {
			return nil, err
		}

		cert, err := retry.Retry(ctx, 5, time.Second, []error{&jsonrpc.RPCConnectionError{}}, func() (*types.Certificate, error) {
			tok, err := c.Token(ctx)
			if err != nil {
				return nil, err
			}
			return c.IssueCertificate(ctx, tok, cfg.Properties)
		})
		if err != nil {
			return nil, xerrors.Errorf("obtaining certificate from %s: %w", cfg.ServiceUri, err)
		}
		log.Infow("obtained certificate", "authority", cfg.ServiceUri, "certificate", cert.CertificateId, "properties", cfg.Properties)
		return cert, nil
	}
}

func GossipNode(lc fx.Lifecycle, cfg gossip.Config, priv *sigs.PrivateKey, cert *types.Certificate, policy gossip.Policy, tr transport.Transport, pay paynode.API, dir *settler.Directory, clk clock.Clock) (*gossip.Node, error) {
	n, err := gossip.New(cfg, priv, cert, policy, tr, pay, dir, clk)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: n.Start,
		OnStop:  n.Stop,
	})
	log.Infow("gossip node", "pubkey", n.PublicKey())
	return n, nil
}

func GossipAPI(n *gossip.Node) gossip.API {
	return gossip.NewAPI(n)
}

package transport

import (
	"context"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/build"
	"github.com/giggossip/giggossip/lib/sigs"
	"github.com/giggossip/giggossip/metrics"
)

// P2PConfig configures the libp2p transport.
type P2PConfig struct {
	ListenAddresses []string
	BootstrapPeers  []string
	MaxChunkSize    int
}

// P2PTransport publishes chunks on a gossipsub topic per recipient key and
// listens on the topic of its own key.
type P2PTransport struct {
	host  host.Host
	ps    *pubsub.PubSub
	codec *Codec

	lk     sync.Mutex
	topics map[string]*pubsub.Topic

	cancel func()
	wg     sync.WaitGroup
}

var _ Transport = (*P2PTransport)(nil)

func TopicFor(pubKey string) string {
	return build.TopicPrefix + pubKey
}

func NewP2PTransport(ctx context.Context, priv *sigs.PrivateKey, registry *Registry, cfg P2PConfig) (*P2PTransport, error) {
	codec, err := NewCodec(priv, registry, cfg.MaxChunkSize)
	if err != nil {
		return nil, err
	}

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddresses...))
	if err != nil {
		return nil, xerrors.Errorf("creating libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, xerrors.Errorf("creating gossipsub router: %w", err)
	}

	for _, s := range cfg.BootstrapPeers {
		if err := connect(ctx, h, s); err != nil {
			log.Warnw("failed to connect to bootstrap peer", "peer", s, "err", err)
		}
	}

	return &P2PTransport{
		host:   h,
		ps:     ps,
		codec:  codec,
		topics: map[string]*pubsub.Topic{},
	}, nil
}

func connect(ctx context.Context, h host.Host, addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	pi, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *pi)
}

func (t *P2PTransport) Identity() string {
	return t.codec.Identity()
}

// Addrs lists the full p2p multiaddrs of the underlying host.
func (t *P2PTransport) Addrs() []string {
	var out []string
	for _, a := range t.host.Addrs() {
		out = append(out, a.String()+"/p2p/"+t.host.ID().String())
	}
	return out
}

// topic returns the joined topic for a recipient. A topic can only be joined
// once per router, so handles are cached.
func (t *P2PTransport) topic(pubKey string) (*pubsub.Topic, error) {
	t.lk.Lock()
	defer t.lk.Unlock()

	if tp, ok := t.topics[pubKey]; ok {
		return tp, nil
	}
	tp, err := t.ps.Join(TopicFor(pubKey))
	if err != nil {
		return nil, xerrors.Errorf("joining topic for %s: %w", pubKey, err)
	}
	t.topics[pubKey] = tp
	return tp, nil
}

func (t *P2PTransport) Send(ctx context.Context, to string, frame interface{}) error {
	chunks, err := t.codec.Pack(to, frame)
	if err != nil {
		return err
	}
	tp, err := t.topic(to)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if err := tp.Publish(ctx, c); err != nil {
			return xerrors.Errorf("publishing to %s: %w", to, err)
		}
		metrics.Count(ctx, metrics.TransportChunkOut)
	}
	return nil
}

func (t *P2PTransport) Start(ctx context.Context, h Handler) error {
	tp, err := t.topic(t.Identity())
	if err != nil {
		return err
	}
	sub, err := tp.Subscribe()
	if err != nil {
		return xerrors.Errorf("subscribing to own topic: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer sub.Cancel()

		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warnw("error from topic subscription", "err", err)
				continue
			}
			if msg.ReceivedFrom == t.host.ID() {
				continue
			}
			metrics.Count(ctx, metrics.TransportChunkIn)

			from, frame, ok, err := t.codec.Unpack(msg.GetData())
			if err != nil {
				log.Warnw("dropping undecodable message", "peer", msg.ReceivedFrom, "err", err)
				continue
			}
			if !ok {
				continue
			}
			go h(ctx, from, frame)
		}
	}()
	return nil
}

func (t *P2PTransport) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()

	var err error
	t.lk.Lock()
	for _, tp := range t.topics {
		err = multierr.Append(err, tp.Close())
	}
	t.topics = map[string]*pubsub.Topic{}
	t.lk.Unlock()

	return multierr.Append(err, t.host.Close())
}

// Package gossip implements the broadcast relay: proof-of-work gated
// request flooding, onion-routed replies that accrue routing fees per hop,
// and the requester and responder ends of a gig.
package gossip

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hannahhoward/go-pubsub"
	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/build"
	"github.com/giggossip/giggossip/lib/sigs"
	"github.com/giggossip/giggossip/metrics"
	"github.com/giggossip/giggossip/paynode"
	"github.com/giggossip/giggossip/settler"
	"github.com/giggossip/giggossip/transport"
	"github.com/giggossip/giggossip/types"
)

var log = logging.Logger("gossip")

type Config struct {
	// PriceAmountForRouting is added by every relaying hop to the network
	// invoice it forwards, in satoshis.
	PriceAmountForRouting int64

	BroadcastConditionsTimeout time.Duration
	PowScheme                  string
	PowComplexity              int64
	TimestampTolerance         time.Duration

	InvoicePaymentTimeout time.Duration
	PaymentFeeLimit       int64

	// ClaimInterval is how often a responder asks the authority for the
	// preimages of its reply invoices.
	ClaimInterval time.Duration

	RelayBound   int64
	AskCacheSize int
}

func DefaultConfig() Config {
	return Config{
		PriceAmountForRouting:      1000,
		BroadcastConditionsTimeout: time.Minute,
		PowScheme:                  build.PowSchemeSha256,
		PowComplexity:              1000,
		TimestampTolerance:         30 * time.Second,
		InvoicePaymentTimeout:      time.Hour,
		PaymentFeeLimit:            10000,
		ClaimInterval:              5 * time.Second,
		RelayBound:                 build.RelayBound,
		AskCacheSize:               4096,
	}
}

type Node struct {
	cfg    Config
	priv   *sigs.PrivateKey
	pubKey string
	cert   *types.Certificate
	policy Policy

	tr       transport.Transport
	pay      paynode.API
	settlers *settler.Directory
	clock    clock.Clock

	peersLk sync.RWMutex
	peers   map[string]struct{}

	relays     *relayCounter
	payloads   *lru.Cache[string, *types.BroadcastPayload]
	conditions *lru.Cache[string, *types.POWBroadcastConditionsFrame]

	stampLk sync.Mutex

	lk sync.Mutex
	// guarded by lk
	responses map[string]map[string][]Response
	nextToPay map[string]string
	claims    map[string]string

	responseEvents *pubsub.PubSub

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a node for the holder of priv. cert is the node's own
// certificate; it is attached to the node's requests and replies and names
// the settlement authority the node replies through.
func New(cfg Config, priv *sigs.PrivateKey, cert *types.Certificate, policy Policy, tr transport.Transport, pay paynode.API, settlers *settler.Directory, clk clock.Clock) (*Node, error) {
	if clk == nil {
		clk = build.Clock
	}
	if policy == nil {
		policy = RelayPolicy{}
	}
	if cfg.AskCacheSize <= 0 {
		cfg.AskCacheSize = DefaultConfig().AskCacheSize
	}
	if cfg.RelayBound <= 0 {
		cfg.RelayBound = build.RelayBound
	}
	if tr.Identity() != sigs.Identity(priv) {
		return nil, xerrors.New("transport identity does not match node key")
	}

	payloads, err := lru.New[string, *types.BroadcastPayload](cfg.AskCacheSize)
	if err != nil {
		return nil, err
	}
	conditions, err := lru.New[string, *types.POWBroadcastConditionsFrame](cfg.AskCacheSize)
	if err != nil {
		return nil, err
	}

	return &Node{
		cfg:            cfg,
		priv:           priv,
		pubKey:         sigs.Identity(priv),
		cert:           cert,
		policy:         policy,
		tr:             tr,
		pay:            pay,
		settlers:       settlers,
		clock:          clk,
		peers:          map[string]struct{}{},
		relays:         newRelayCounter(cfg.RelayBound),
		payloads:       payloads,
		conditions:     conditions,
		responses:      map[string]map[string][]Response{},
		nextToPay:      map[string]string{},
		claims:         map[string]string{},
		responseEvents: pubsub.New(dispatchResponse),
	}, nil
}

func (n *Node) PublicKey() string {
	return n.pubKey
}

func (n *Node) Certificate() *types.Certificate {
	return n.cert
}

// ConnectTo adds a known peer.
func (n *Node) ConnectTo(pubKey string) error {
	if pubKey == n.pubKey {
		return xerrors.New("cannot connect node to itself")
	}
	if _, err := sigs.ParsePublicKey(pubKey); err != nil {
		return xerrors.Errorf("peer key: %w", err)
	}
	n.peersLk.Lock()
	defer n.peersLk.Unlock()
	n.peers[pubKey] = struct{}{}
	return nil
}

func (n *Node) Peers() []string {
	n.peersLk.RLock()
	defer n.peersLk.RUnlock()
	out := make([]string, 0, len(n.peers))
	for p := range n.peers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (n *Node) isPeer(pubKey string) bool {
	n.peersLk.RLock()
	defer n.peersLk.RUnlock()
	_, ok := n.peers[pubKey]
	return ok
}

// NewRequest signs a request for topic with the node's certificate.
func (n *Node) NewRequest(topic []byte) (*types.RequestPayload, error) {
	req := &types.RequestPayload{
		PayloadId:         uuid.NewString(),
		Topic:             topic,
		SenderCertificate: n.cert,
	}
	if err := req.Sign(n.priv); err != nil {
		return nil, xerrors.Errorf("signing request: %w", err)
	}
	return req, nil
}

// drop records a silently ignored frame.
func (n *Node) drop(ctx context.Context, frame, reason string, kv ...interface{}) {
	metrics.Count(ctx, metrics.FrameDropped,
		tag.Upsert(metrics.FrameType, frame),
		tag.Upsert(metrics.DropReason, reason),
	)
	log.Debugw("dropped frame", append([]interface{}{"frame", frame, "reason", reason}, kv...)...)
}

// handle dispatches an inbound frame. It is the transport handler.
func (n *Node) handle(ctx context.Context, from string, frame interface{}) {
	var (
		name string
		err  error
	)
	switch f := frame.(type) {
	case *types.AskForBroadcastFrame:
		name = FrameAskForBroadcast
		err = n.OnAskForBroadcast(ctx, from, f)
	case *types.POWBroadcastConditionsFrame:
		name = FramePOWBroadcastConditions
		err = n.OnPOWBroadcastConditions(ctx, from, f)
	case *types.POWBroadcastFrame:
		name = FramePOWBroadcast
		err = n.OnPOWBroadcast(ctx, from, f)
	case *types.ReplyFrame:
		name = FrameReply
		err = n.OnReplyFrame(ctx, from, f, false)
	default:
		log.Warnw("unexpected frame", "from", from, "type", frame)
		return
	}
	metrics.Count(ctx, metrics.FrameReceived, tag.Upsert(metrics.FrameType, name))
	if err != nil {
		log.Warnw("failed to handle frame", "frame", name, "from", from, "err", err)
	}
}

// Broadcast offers req to every peer but originator. backward is the route
// accumulated so far; it is empty when this node originates the request.
func (n *Node) Broadcast(ctx context.Context, req *types.RequestPayload, originator string, backward types.OnionRoute) error {
	if !n.policy.AcceptTopic(req.Topic) {
		n.drop(ctx, frameBroadcast, "topic", "payload", req.PayloadId)
		return nil
	}
	if !n.relays.Increment(req.PayloadId) {
		n.drop(ctx, frameBroadcast, "relay_bound", "payload", req.PayloadId)
		return nil
	}

	var eg errgroup.Group
	for _, peer := range n.Peers() {
		if peer == originator {
			continue
		}
		pub, err := sigs.ParsePublicKey(peer)
		if err != nil {
			return xerrors.Errorf("peer key: %w", err)
		}
		route, err := backward.Grow(types.OnionLayer{PeerName: n.pubKey}, pub)
		if err != nil {
			return xerrors.Errorf("growing backward onion: %w", err)
		}

		ask := &types.AskForBroadcastFrame{
			AskId:                uuid.NewString(),
			SignedRequestPayload: req,
		}
		n.payloads.Add(ask.AskId, &types.BroadcastPayload{
			SignedRequestPayload: req,
			BackwardOnion:        route,
		})
		eg.Go(func() error {
			if err := n.tr.Send(ctx, peer, ask); err != nil {
				return xerrors.Errorf("asking %s for broadcast: %w", peer, err)
			}
			metrics.Count(ctx, metrics.BroadcastSent)
			return nil
		})
	}
	return eg.Wait()
}

func (n *Node) OnAskForBroadcast(ctx context.Context, from string, f *types.AskForBroadcastFrame) error {
	if f.SignedRequestPayload == nil {
		n.drop(ctx, FrameAskForBroadcast, "malformed", "from", from)
		return nil
	}
	if !n.policy.AcceptTopic(f.SignedRequestPayload.Topic) {
		n.drop(ctx, FrameAskForBroadcast, "topic", "payload", f.SignedRequestPayload.PayloadId)
		return nil
	}
	if n.relays.Exceeded(f.SignedRequestPayload.PayloadId) {
		n.drop(ctx, FrameAskForBroadcast, "relay_bound", "payload", f.SignedRequestPayload.PayloadId)
		return nil
	}

	wr, err := types.NewWorkRequest(n.cfg.PowScheme, n.cfg.PowComplexity)
	if err != nil {
		return err
	}
	cond := &types.POWBroadcastConditionsFrame{
		AskId:              f.AskId,
		ValidTill:          n.clock.Now().Add(n.cfg.BroadcastConditionsTimeout).UnixNano(),
		WorkRequest:        wr,
		TimestampTolerance: int64(n.cfg.TimestampTolerance),
	}
	n.conditions.Add(f.AskId, cond)
	return n.tr.Send(ctx, from, cond)
}

func (n *Node) OnPOWBroadcastConditions(ctx context.Context, from string, f *types.POWBroadcastConditionsFrame) error {
	now := n.clock.Now()
	if now.After(f.ValidTillTime()) {
		n.drop(ctx, FramePOWBroadcastConditions, "expired", "ask", f.AskId)
		return nil
	}
	bp, ok := n.payloads.Get(f.AskId)
	if !ok {
		n.drop(ctx, FramePOWBroadcastConditions, "unknown_ask", "ask", f.AskId)
		return nil
	}

	n.stampLk.Lock()
	bp.SetTimestamp(now)
	stamped := *bp
	n.stampLk.Unlock()

	powCtx, cancel := context.WithTimeout(ctx, n.cfg.BroadcastConditionsTimeout)
	defer cancel()
	start := time.Now()
	pow, err := f.WorkRequest.ComputeProof(powCtx, &stamped)
	if err != nil {
		return xerrors.Errorf("computing proof of work: %w", err)
	}
	stats.Record(ctx, metrics.PowComputeMs.M(metrics.SinceInMilliseconds(start)))

	return n.tr.Send(ctx, from, &types.POWBroadcastFrame{
		AskId:            f.AskId,
		BroadcastPayload: &stamped,
		ProofOfWork:      pow,
	})
}

func (n *Node) OnPOWBroadcast(ctx context.Context, from string, f *types.POWBroadcastFrame) error {
	cond, ok := n.conditions.Get(f.AskId)
	if !ok {
		n.drop(ctx, FramePOWBroadcast, "unknown_ask", "ask", f.AskId)
		return nil
	}
	bp := f.BroadcastPayload
	if bp == nil || bp.SignedRequestPayload == nil {
		n.drop(ctx, FramePOWBroadcast, "malformed", "ask", f.AskId)
		return nil
	}
	if !cond.WorkRequest.Equals(f.ProofOfWork) {
		n.drop(ctx, FramePOWBroadcast, "pow_conditions", "ask", f.AskId)
		return nil
	}

	now := n.clock.Now()
	ts := bp.Time()
	if bp.Timestamp == 0 || ts.After(now) {
		n.drop(ctx, FramePOWBroadcast, "timestamp_future", "ask", f.AskId)
		return nil
	}
	if ts.Add(cond.Tolerance()).Before(now) {
		n.drop(ctx, FramePOWBroadcast, "timestamp_stale", "ask", f.AskId)
		return nil
	}
	if !f.ProofOfWork.Validate(bp) {
		n.drop(ctx, FramePOWBroadcast, "pow_invalid", "ask", f.AskId)
		return nil
	}
	req := bp.SignedRequestPayload
	if err := req.Verify(ctx, n.settlers, now); err != nil {
		n.drop(ctx, FramePOWBroadcast, "request", "ask", f.AskId, "err", err)
		return nil
	}
	// a proof is good for one broadcast
	n.conditions.Remove(f.AskId)

	message, fee := n.policy.AcceptBroadcast(ctx, req)
	if message != nil {
		return n.respond(ctx, from, bp, message, fee)
	}
	return n.Broadcast(ctx, req, from, bp.BackwardOnion)
}

// Start runs the transport handler, the payment streams and the claim loop
// until Stop.
func (n *Node) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	invoices, err := n.pay.InvoiceStateUpdates(runCtx)
	if err != nil {
		cancel()
		return xerrors.Errorf("subscribing to invoice states: %w", err)
	}
	payments, err := n.pay.PaymentStatusUpdates(runCtx)
	if err != nil {
		cancel()
		return xerrors.Errorf("subscribing to payment states: %w", err)
	}
	if err := n.tr.Start(runCtx, n.handle); err != nil {
		cancel()
		return xerrors.Errorf("starting transport: %w", err)
	}

	n.wg.Add(3)
	go func() {
		defer n.wg.Done()
		follow(runCtx, n.clock, "invoice states", invoices, n.pay.InvoiceStateUpdates, n.onInvoiceState)
	}()
	go func() {
		defer n.wg.Done()
		follow(runCtx, n.clock, "payment states", payments, n.pay.PaymentStatusUpdates, n.onPaymentStatus)
	}()
	go n.claimLoop(runCtx)
	return nil
}

func (n *Node) Stop(ctx context.Context) error {
	if n.cancel != nil {
		n.cancel()
	}
	err := n.tr.Close()
	n.wg.Wait()
	return err
}

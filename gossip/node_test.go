package gossip

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/giggossip/giggossip/build"
	"github.com/giggossip/giggossip/lib/sigs"
	"github.com/giggossip/giggossip/paynode/simnode"
	"github.com/giggossip/giggossip/settler"
	"github.com/giggossip/giggossip/transport"
	"github.com/giggossip/giggossip/types"
)

const (
	testServiceUri = "http://settler.test"
	testPrice      = 100
)

type testEnv struct {
	t   *testing.T
	ctx context.Context
	clk *clock.Mock
	net *simnode.Network
	hub *transport.Hub
	s   *settler.Settler
	api settler.API
}

func newTestEnv(t *testing.T) *testEnv {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	clk := clock.NewMock()
	clk.Set(time.Now())

	priv, err := sigs.GenerateKey()
	require.NoError(t, err)
	net := simnode.NewNetwork(clk)

	ledger, err := settler.OpenLedger(ctx, filepath.Join(t.TempDir(), settler.DefaultDbFilename))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	cfg := settler.DefaultConfig(testServiceUri)
	cfg.PriceAmountForSettlement = testPrice
	cfg.SweepInterval = time.Hour
	s := settler.New(cfg, priv, ledger, net.NewNode(sigs.Identity(priv)), clk, nil)
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	return &testEnv{t: t, ctx: ctx, clk: clk, net: net, hub: transport.NewHub(), s: s, api: settler.NewAPI(s)}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PriceAmountForRouting = 50
	cfg.PowComplexity = 256
	cfg.ClaimInterval = 50 * time.Millisecond
	return cfg
}

type identity struct {
	priv *sigs.PrivateKey
	cert *types.Certificate
	dir  *settler.Directory
}

func (e *testEnv) identity(property string) identity {
	priv, err := sigs.GenerateKey()
	require.NoError(e.t, err)
	pub := sigs.Identity(priv)

	require.NoError(e.t, e.s.GrantProperty(e.ctx, pub, property, []byte("yes"), e.clk.Now().Add(24*time.Hour)))
	cert, err := e.s.IssueCertificate(e.ctx, pub, []string{property})
	require.NoError(e.t, err)

	dir := settler.NewDirectory()
	dir.Add(testServiceUri, settler.NewClientFor(e.api, priv))
	return identity{priv: priv, cert: cert, dir: dir}
}

type testNode struct {
	*Node
	wallet *simnode.Node
}

// node starts a gossip node on the in-memory hub. Transport chunks are kept
// small so frames cross the hub in several pieces.
func (e *testEnv) node(property string, policy Policy) *testNode {
	id := e.identity(property)
	tr, err := e.hub.NewTransport(id.priv, NewRegistry(), 1024)
	require.NoError(e.t, err)

	wallet := e.net.NewNode(sigs.Identity(id.priv))
	wallet.Fund(0, 100_000)

	n, err := New(testConfig(), id.priv, id.cert, policy, tr, wallet, id.dir, nil)
	require.NoError(e.t, err)
	require.NoError(e.t, n.Start(e.ctx))
	e.t.Cleanup(func() { _ = n.Stop(context.Background()) })
	return &testNode{Node: n, wallet: wallet}
}

func link(t *testing.T, a, b *testNode) {
	require.NoError(t, a.ConnectTo(b.PublicKey()))
	require.NoError(t, b.ConnectTo(a.PublicKey()))
}

type sentFrame struct {
	to    string
	frame interface{}
}

// recordingTransport captures outbound frames instead of delivering them.
type recordingTransport struct {
	id string

	lk   sync.Mutex
	sent []sentFrame
}

func (rt *recordingTransport) Identity() string { return rt.id }

func (rt *recordingTransport) Send(ctx context.Context, to string, frame interface{}) error {
	rt.lk.Lock()
	defer rt.lk.Unlock()
	rt.sent = append(rt.sent, sentFrame{to: to, frame: frame})
	return nil
}

func (rt *recordingTransport) Start(context.Context, transport.Handler) error { return nil }
func (rt *recordingTransport) Close() error                                  { return nil }

func (rt *recordingTransport) take() []sentFrame {
	rt.lk.Lock()
	defer rt.lk.Unlock()
	out := rt.sent
	rt.sent = nil
	return out
}

type unitNode struct {
	*Node
	tr  *recordingTransport
	clk *clock.Mock
}

func (e *testEnv) unitNode(peers int) (*unitNode, []*sigs.PrivateKey) {
	id := e.identity("relay")
	rt := &recordingTransport{id: sigs.Identity(id.priv)}

	clk := clock.NewMock()
	clk.Set(time.Now())

	n, err := New(testConfig(), id.priv, id.cert, RelayPolicy{}, rt, e.net.NewNode(rt.id), id.dir, clk)
	require.NoError(e.t, err)

	var keys []*sigs.PrivateKey
	for i := 0; i < peers; i++ {
		k, err := sigs.GenerateKey()
		require.NoError(e.t, err)
		require.NoError(e.t, n.ConnectTo(sigs.Identity(k)))
		keys = append(keys, k)
	}
	return &unitNode{Node: n, tr: rt, clk: clk}, keys
}

func (e *testEnv) request() *types.RequestPayload {
	id := e.identity("rider")
	req := &types.RequestPayload{PayloadId: "payload-" + sigs.Identity(id.priv)[:8], Topic: []byte("ride"), SenderCertificate: id.cert}
	require.NoError(e.t, req.Sign(id.priv))
	return req
}

func TestRelayBound(t *testing.T) {
	e := newTestEnv(t)
	n, _ := e.unitNode(3)
	req := e.request()

	// duplicate deliveries of the same request
	for i := 0; i < 5; i++ {
		require.NoError(t, n.Broadcast(e.ctx, req, "", types.OnionRoute{}))
	}
	sent := n.tr.take()
	require.Len(t, sent, int(build.RelayBound)*3)
	for _, s := range sent {
		require.IsType(t, &types.AskForBroadcastFrame{}, s.frame)
	}

	// asks for an exhausted payload are ignored
	require.NoError(t, n.OnAskForBroadcast(e.ctx, "someone", &types.AskForBroadcastFrame{AskId: "a1", SignedRequestPayload: req}))
	require.Empty(t, n.tr.take())

	fresh := e.request()
	require.NoError(t, n.OnAskForBroadcast(e.ctx, "someone", &types.AskForBroadcastFrame{AskId: "a2", SignedRequestPayload: fresh}))
	sent = n.tr.take()
	require.Len(t, sent, 1)
	cond, ok := sent[0].frame.(*types.POWBroadcastConditionsFrame)
	require.True(t, ok)
	require.Equal(t, "a2", cond.AskId)
	require.Equal(t, "someone", sent[0].to)
}

func TestBroadcastSkipsOriginator(t *testing.T) {
	e := newTestEnv(t)
	n, peers := e.unitNode(2)
	req := e.request()

	origin := sigs.Identity(peers[0])
	require.NoError(t, n.Broadcast(e.ctx, req, origin, types.OnionRoute{}))
	sent := n.tr.take()
	require.Len(t, sent, 1)
	require.Equal(t, sigs.Identity(peers[1]), sent[0].to)

	// the recorded route names this node and only the asked peer can peel it
	ask := sent[0].frame.(*types.AskForBroadcastFrame)
	bp, ok := n.payloads.Get(ask.AskId)
	require.True(t, ok)
	layer, rest, err := bp.BackwardOnion.Peel(peers[1])
	require.NoError(t, err)
	require.Equal(t, n.PublicKey(), layer.PeerName)
	require.True(t, rest.IsEmpty())
	_, _, err = bp.BackwardOnion.Peel(peers[0])
	require.Error(t, err)
}

func TestTopicPolicy(t *testing.T) {
	e := newTestEnv(t)
	n, _ := e.unitNode(1)
	n.policy = FuncPolicy{TopicFn: func(topic []byte) bool { return string(topic) == "food" }}

	require.NoError(t, n.Broadcast(e.ctx, e.request(), "", types.OnionRoute{}))
	require.Empty(t, n.tr.take())
}

// powFrame answers n's conditions for req the way an honest asker would.
func powFrame(t *testing.T, ctx context.Context, n *unitNode, req *types.RequestPayload, askId string, stamp time.Time) *types.POWBroadcastFrame {
	require.NoError(t, n.OnAskForBroadcast(ctx, "asker", &types.AskForBroadcastFrame{AskId: askId, SignedRequestPayload: req}))
	sent := n.tr.take()
	require.Len(t, sent, 1)
	cond := sent[0].frame.(*types.POWBroadcastConditionsFrame)

	bp := &types.BroadcastPayload{SignedRequestPayload: req}
	require.True(t, bp.SetTimestamp(stamp))
	pow, err := cond.WorkRequest.ComputeProof(ctx, bp)
	require.NoError(t, err)
	return &types.POWBroadcastFrame{AskId: askId, BroadcastPayload: bp, ProofOfWork: pow}
}

func TestPOWBroadcastValidation(t *testing.T) {
	e := newTestEnv(t)
	n, _ := e.unitNode(1)
	req := e.request()

	// unknown ask
	f := powFrame(t, e.ctx, n, req, "ask-1", n.clk.Now())
	f.AskId = "nope"
	require.NoError(t, n.OnPOWBroadcast(e.ctx, "asker", f))
	require.Empty(t, n.tr.take())

	// proof for other conditions
	f = powFrame(t, e.ctx, n, req, "ask-2", n.clk.Now())
	wr, err := types.NewWorkRequest(build.PowSchemeSha256, 2)
	require.NoError(t, err)
	f.ProofOfWork.PowTarget = wr.PowTarget
	require.NoError(t, n.OnPOWBroadcast(e.ctx, "asker", f))
	require.Empty(t, n.tr.take())

	// stamped in the future
	f = powFrame(t, e.ctx, n, req, "ask-3", n.clk.Now().Add(time.Minute))
	require.NoError(t, n.OnPOWBroadcast(e.ctx, "asker", f))
	require.Empty(t, n.tr.take())

	// stamped too long ago
	f = powFrame(t, e.ctx, n, req, "ask-4", n.clk.Now())
	n.clk.Add(n.cfg.TimestampTolerance + time.Second)
	require.NoError(t, n.OnPOWBroadcast(e.ctx, "asker", f))
	require.Empty(t, n.tr.take())

	// payload altered after the proof was computed
	f = powFrame(t, e.ctx, n, req, "ask-5", n.clk.Now())
	f.BroadcastPayload.Timestamp--
	for f.ProofOfWork.Validate(f.BroadcastPayload) {
		f.BroadcastPayload.Timestamp--
	}
	require.NoError(t, n.OnPOWBroadcast(e.ctx, "asker", f))
	require.Empty(t, n.tr.take())

	// a valid proof is relayed to the peers, once
	f = powFrame(t, e.ctx, n, req, "ask-6", n.clk.Now())
	require.NoError(t, n.OnPOWBroadcast(e.ctx, "asker", f))
	sent := n.tr.take()
	require.Len(t, sent, 1)
	require.IsType(t, &types.AskForBroadcastFrame{}, sent[0].frame)

	require.NoError(t, n.OnPOWBroadcast(e.ctx, "asker", f))
	require.Empty(t, n.tr.take())
}

func TestPOWConditionsExpired(t *testing.T) {
	e := newTestEnv(t)
	n, peers := e.unitNode(1)
	req := e.request()

	require.NoError(t, n.Broadcast(e.ctx, req, "", types.OnionRoute{}))
	ask := n.tr.take()[0].frame.(*types.AskForBroadcastFrame)
	wr, err := types.NewWorkRequest(build.PowSchemeSha256, 16)
	require.NoError(t, err)

	cond := &types.POWBroadcastConditionsFrame{
		AskId:              ask.AskId,
		ValidTill:          n.clk.Now().Add(-time.Second).UnixNano(),
		WorkRequest:        wr,
		TimestampTolerance: int64(time.Minute),
	}
	require.NoError(t, n.OnPOWBroadcastConditions(e.ctx, sigs.Identity(peers[0]), cond))
	require.Empty(t, n.tr.take())

	cond.ValidTill = n.clk.Now().Add(time.Minute).UnixNano()
	require.NoError(t, n.OnPOWBroadcastConditions(e.ctx, sigs.Identity(peers[0]), cond))
	sent := n.tr.take()
	require.Len(t, sent, 1)
	pf := sent[0].frame.(*types.POWBroadcastFrame)
	require.True(t, pf.ProofOfWork.Validate(pf.BroadcastPayload))
	require.Equal(t, n.clk.Now().UnixNano(), pf.BroadcastPayload.Timestamp)

	// asking again keeps the first stamp
	n.clk.Add(time.Second)
	require.NoError(t, n.OnPOWBroadcastConditions(e.ctx, sigs.Identity(peers[0]), cond))
	again := n.tr.take()[0].frame.(*types.POWBroadcastFrame)
	require.Equal(t, pf.BroadcastPayload.Timestamp, again.BroadcastPayload.Timestamp)
}

func TestRelayCounterConcurrent(t *testing.T) {
	rc := newRelayCounter(2)
	var (
		wg      sync.WaitGroup
		lk      sync.Mutex
		allowed int
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rc.Increment("p") {
				lk.Lock()
				allowed++
				lk.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 2, allowed)
	require.True(t, rc.Exceeded("p"))
	require.False(t, rc.Exceeded("q"))
}

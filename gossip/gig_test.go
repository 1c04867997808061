package gossip

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/build"
	"github.com/giggossip/giggossip/lib/sigs"
	"github.com/giggossip/giggossip/paynode"
	"github.com/giggossip/giggossip/types"
)

const (
	replyFee = 500
	funding  = 100_000
)

func responderPolicy(message string) Policy {
	return FuncPolicy{
		TopicFn: func(topic []byte) bool { return string(topic) == "ride" },
		ReplyFn: func(ctx context.Context, req *types.RequestPayload) ([]byte, int64) {
			return []byte(message), replyFee
		},
	}
}

func requireSucceeded(t *testing.T, ctx context.Context, n *testNode, hash string) {
	require.Eventually(t, func() bool {
		st, err := n.wallet.PaymentStatus(ctx, hash)
		return err == nil && st == paynode.PaymentSucceeded
	}, 5*time.Second, 10*time.Millisecond, "payment %s", hash)
}

func TestGigScenario(t *testing.T) {
	e := newTestEnv(t)

	requester := e.node("rider", RelayPolicy{})
	relay := e.node("relay", RelayPolicy{})
	responder := e.node("driver", responderPolicy("driver is 3 minutes away"))
	link(t, requester, relay)
	link(t, relay, responder)

	got := make(chan Response, 1)
	unsub := requester.OnResponse(func(r Response) { got <- r })
	defer unsub()

	req, err := requester.NewRequest([]byte("ride"))
	require.NoError(t, err)
	require.NoError(t, requester.Broadcast(e.ctx, req, "", types.OnionRoute{}))

	var resp Response
	select {
	case resp = <-got:
	case <-time.After(10 * time.Second):
		t.Fatal("no response reached the requester")
	}
	require.Equal(t, req.PayloadId, resp.PayloadId())
	require.Equal(t, responder.PublicKey(), resp.Replier())
	require.Equal(t, testServiceUri, resp.ServiceUri)

	responses := requester.GetResponses(req.PayloadId)
	require.Len(t, responses, 1)
	require.Len(t, responses[0], 1)

	// the relay put its routing fee on top of the settlement price
	network, err := requester.wallet.DecodeInvoice(e.ctx, resp.NetworkInvoice)
	require.NoError(t, err)
	require.Equal(t, relay.PublicKey(), network.Destination)
	require.EqualValues(t, testPrice+testConfig().PriceAmountForRouting, network.NumSatoshis)

	reply, err := requester.wallet.DecodeInvoice(e.ctx, resp.Payload.ReplyInvoice)
	require.NoError(t, err)
	require.Equal(t, responder.PublicKey(), reply.Destination)
	require.EqualValues(t, replyFee, reply.NumSatoshis)

	_, err = requester.RevealReplyMessage(e.ctx, resp)
	require.ErrorIs(t, err, ErrReplyNotAccepted)

	require.NoError(t, requester.AcceptResponse(e.ctx, resp))

	var message []byte
	require.Eventually(t, func() bool {
		message, err = requester.RevealReplyMessage(e.ctx, resp)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, "driver is 3 minutes away", string(message))

	e.clk.Add(build.DisputeGracePeriod)

	requireSucceeded(t, e.ctx, requester, network.PaymentHash)
	requireSucceeded(t, e.ctx, relay, network.PaymentHash)
	requireSucceeded(t, e.ctx, requester, reply.PaymentHash)

	require.Eventually(t, func() bool {
		return responder.wallet.OffchainBalance() == funding+replyFee
	}, 5*time.Second, 10*time.Millisecond)
	require.EqualValues(t, funding+testConfig().PriceAmountForRouting, relay.wallet.OffchainBalance())
	require.EqualValues(t, funding-replyFee-network.NumSatoshis, requester.wallet.OffchainBalance())
}

func TestUnknownResponse(t *testing.T) {
	e := newTestEnv(t)
	n := e.node("rider", RelayPolicy{})

	resp := Response{
		Payload: &types.ReplyPayload{
			SignedRequestPayload: &types.RequestPayload{PayloadId: "nope"},
			ReplierCertificate:   n.Certificate(),
		},
	}
	require.ErrorIs(t, n.AcceptResponse(e.ctx, resp), ErrUnknownResponse)
}

// rendezvousWallet holds each payment until want payments are in flight.
type rendezvousWallet struct {
	paynode.API
	want    int32
	arrived atomic.Int32
	ready   chan struct{}

	lk   sync.Mutex
	paid []string
}

func (w *rendezvousWallet) SendPayment(ctx context.Context, paymentRequest string, feeLimit int64) error {
	if w.arrived.Add(1) == w.want {
		close(w.ready)
	}
	select {
	case <-w.ready:
	case <-time.After(2 * time.Second):
		return xerrors.New("payments were not in flight together")
	case <-ctx.Done():
		return ctx.Err()
	}
	w.lk.Lock()
	defer w.lk.Unlock()
	w.paid = append(w.paid, paymentRequest)
	return nil
}

func TestAcceptResponsePaysTicketsConcurrently(t *testing.T) {
	e := newTestEnv(t)
	id := e.identity("rider")
	rt := &recordingTransport{id: sigs.Identity(id.priv)}
	wallet := &rendezvousWallet{API: e.net.NewNode(rt.id), want: 2, ready: make(chan struct{})}

	n, err := New(testConfig(), id.priv, id.cert, RelayPolicy{}, rt, wallet, id.dir, nil)
	require.NoError(t, err)

	replier := e.identity("driver")
	resp := Response{
		Payload: &types.ReplyPayload{
			SignedRequestPayload: e.request(),
			ReplierCertificate:   replier.cert,
			ReplyInvoice:         "reply-invoice",
		},
		NetworkInvoice: "network-invoice",
		ServiceUri:     testServiceUri,
	}
	n.responses[resp.PayloadId()] = map[string][]Response{resp.Replier(): {resp}}

	require.NoError(t, n.AcceptResponse(e.ctx, resp))
	require.ElementsMatch(t, []string{"reply-invoice", "network-invoice"}, wallet.paid)
}

func TestDeclinedTopicIsNotRelayed(t *testing.T) {
	e := newTestEnv(t)

	requester := e.node("rider", RelayPolicy{})
	responder := e.node("driver", responderPolicy("on my way"))
	link(t, requester, responder)

	got := make(chan Response, 1)
	defer requester.OnResponse(func(r Response) { got <- r })()

	req, err := requester.NewRequest([]byte("food"))
	require.NoError(t, err)
	require.NoError(t, requester.Broadcast(e.ctx, req, "", types.OnionRoute{}))

	select {
	case <-got:
		t.Fatal("responder answered a topic it does not serve")
	case <-time.After(500 * time.Millisecond):
	}
	require.Empty(t, requester.GetResponses(req.PayloadId))
}

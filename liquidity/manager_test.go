package liquidity

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/giggossip/giggossip/journal"
	"github.com/giggossip/giggossip/paynode"
	"github.com/giggossip/giggossip/paynode/simnode"
)

const (
	testTxFee    = 500
	testCloseFee = 1_000
)

type harness struct {
	ctx context.Context
	clk *clock.Mock
	net *simnode.Network
	pay *simnode.Node
	j   *journal.MemJournal
	m   *Manager
}

func newHarness(t *testing.T, nearby ...string) *harness {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s, clk := newTestStore(t)
	net := simnode.NewNetwork(clk)
	net.SetFees(testTxFee, testCloseFee)
	pay := net.NewNode("manager")

	cfg := DefaultConfig()
	cfg.NearbyNodes = nearby
	cfg.MaxSatoshisPerChannel = 200_000

	j := journal.NewMemJournal(nil)
	return &harness{ctx: ctx, clk: clk, net: net, pay: pay, j: j, m: New(cfg, pay, s, clk, j)}
}

func (h *harness) confirmed(t *testing.T, n *simnode.Node) int64 {
	bal, err := n.WalletBalance(h.ctx)
	require.NoError(t, err)
	return bal.ConfirmedBalance
}

func (h *harness) channels(t *testing.T) []paynode.Channel {
	chans, err := h.pay.ListChannels(h.ctx, false)
	require.NoError(t, err)
	return chans
}

func (h *harness) address(t *testing.T, owner string) (string, *simnode.Node) {
	n := h.net.NewNode(owner)
	addr, err := n.NewAddress(h.ctx)
	require.NoError(t, err)
	return addr, n
}

func TestOpensChannelToNearbyNode(t *testing.T) {
	h := newHarness(t, "nearby@127.0.0.1:9735")
	h.net.NewNode("nearby")
	h.pay.Fund(1_000_000, 0)

	require.True(t, h.m.RunOnce(h.ctx))

	peers, err := h.pay.ListPeers(h.ctx)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, "nearby", peers[0].PubKey)

	chans := h.channels(t)
	require.Len(t, chans, 1)
	require.Equal(t, "nearby", chans[0].RemotePubKey)
	require.EqualValues(t, 200_000, chans[0].Capacity)
	require.EqualValues(t, 800_000, h.confirmed(t, h.pay))
}

func TestUnreachableNearbyNode(t *testing.T) {
	h := newHarness(t, "ghost@127.0.0.1:9735")
	h.pay.Fund(1_000_000, 0)

	require.False(t, h.m.RunOnce(h.ctx))
	require.Empty(t, h.channels(t))
	require.EqualValues(t, 1_000_000, h.confirmed(t, h.pay))
}

func TestLoopRunsUntilReservesBind(t *testing.T) {
	h := newHarness(t, "nearby@127.0.0.1:9735")
	h.net.NewNode("nearby")
	h.pay.Fund(1_000_000, 0)

	require.NoError(t, h.m.Start(h.ctx))
	t.Cleanup(func() { _ = h.m.Stop(context.Background()) })

	// four channels at the cap, then one for what is left above the reserve
	require.Eventually(t, func() bool {
		return len(h.channels(t)) == 5
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return h.confirmed(t, h.pay) == 60_000
	}, 5*time.Second, 10*time.Millisecond)

	h.clk.Add(h.m.cfg.Interval)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, h.channels(t), 5)
}

func TestPayoutFromConfirmedBalance(t *testing.T) {
	h := newHarness(t)
	h.pay.Fund(100_000, 0)
	addr, receiver := h.address(t, "receiver")

	p, err := h.m.Store().RegisterPayout(h.ctx, "owner", addr, 90_000)
	require.NoError(t, err)

	require.False(t, h.m.RunOnce(h.ctx))

	got, err := h.m.Store().GetPayout(h.ctx, p.PayoutId)
	require.NoError(t, err)
	require.Equal(t, PayoutSent, got.State)
	require.EqualValues(t, testTxFee+testCloseFee, got.Fee)
	require.NotEmpty(t, got.Tx)

	require.EqualValues(t, 90_000-testTxFee-testCloseFee, h.confirmed(t, receiver))
	require.EqualValues(t, 100_000-(90_000-testTxFee-testCloseFee)-testTxFee, h.confirmed(t, h.pay))

	reserved, err := h.m.Store().RequestedReserveAmount(h.ctx)
	require.NoError(t, err)
	require.Zero(t, reserved)

	evts := h.j.Events(journal.EventType{})
	require.Len(t, evts, 1)
	evt := evts[0].Data.(PayoutEvt)
	require.Equal(t, "Sent", evt.State)
	require.Equal(t, got.Tx, evt.Tx)

	// the same payout is never sent twice
	require.False(t, h.m.RunOnce(h.ctx))
	require.EqualValues(t, 90_000-testTxFee-testCloseFee, h.confirmed(t, receiver))
}

func TestClosesSmallestChannelsToFundPayouts(t *testing.T) {
	h := newHarness(t)
	small := h.pay.AddChannel("r1", 30_000)
	medium := h.pay.AddChannel("r2", 60_000)
	large := h.pay.AddChannel("r3", 100_000)
	addr, receiver := h.address(t, "receiver")

	_, err := h.m.Store().RegisterPayout(h.ctx, "owner", addr, 50_000)
	require.NoError(t, err)

	h.m.RunOnce(h.ctx)

	chans := h.channels(t)
	require.Len(t, chans, 1)
	require.Equal(t, large, chans[0].ChannelPoint)
	require.NotEqual(t, small, chans[0].ChannelPoint)
	require.NotEqual(t, medium, chans[0].ChannelPoint)

	freed := int64(30_000-testCloseFee) + int64(60_000-testCloseFee)
	sent := int64(50_000 - testTxFee - testCloseFee)
	require.EqualValues(t, sent, h.confirmed(t, receiver))
	require.EqualValues(t, freed-sent-testTxFee, h.confirmed(t, h.pay))
}

func TestPayoutFailureDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t)
	h.pay.Fund(200_000, 0)
	bad, _ := h.address(t, "bad")
	good, receiver := h.address(t, "good")
	h.pay.FailSendsTo(bad)

	failing, err := h.m.Store().RegisterPayout(h.ctx, "owner", bad, 40_000)
	require.NoError(t, err)
	h.clk.Add(time.Second)
	tooSmall, err := h.m.Store().RegisterPayout(h.ctx, "owner", good, testTxFee+testCloseFee)
	require.NoError(t, err)
	h.clk.Add(time.Second)
	ok, err := h.m.Store().RegisterPayout(h.ctx, "owner", good, 40_000)
	require.NoError(t, err)

	h.m.RunOnce(h.ctx)

	for _, id := range []string{failing.PayoutId, tooSmall.PayoutId} {
		p, err := h.m.Store().GetPayout(h.ctx, id)
		require.NoError(t, err)
		require.Equal(t, PayoutFailed, p.State, id)
		require.Empty(t, p.Tx)
	}
	p, err := h.m.Store().GetPayout(h.ctx, ok.PayoutId)
	require.NoError(t, err)
	require.Equal(t, PayoutSent, p.State)
	require.EqualValues(t, 40_000-testTxFee-testCloseFee, h.confirmed(t, receiver))

	// failed payouts keep their funds reserved
	reserved, err := h.m.Store().RequestedReserveAmount(h.ctx)
	require.NoError(t, err)
	require.EqualValues(t, 40_000+testTxFee+testCloseFee, reserved)

	states := map[string]int{}
	for _, e := range h.j.Events(journal.EventType{}) {
		states[e.Data.(PayoutEvt).State]++
	}
	require.Equal(t, map[string]int{"Failed": 2, "Sent": 1}, states)
}

func TestLiquidityRPC(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	srv := httptest.NewServer(NewRPCHandler(NewAPI(s)))
	defer srv.Close()

	c, closer, err := NewClient(ctx, "http://"+srv.Listener.Addr().String()+RPCPath, nil)
	require.NoError(t, err)
	defer closer()

	p, err := c.RegisterPayout(ctx, "owner", "addr", 25_000)
	require.NoError(t, err)
	require.Equal(t, PayoutOpen, p.State)

	listed, err := c.ListPayouts(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, p.PayoutId, listed[0].PayoutId)

	ok, err := s.MarkPayoutAsSending(ctx, p.PayoutId, 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.MarkPayoutAsSent(ctx, p.PayoutId, "tx"))

	err = c.RetryPayout(ctx, p.PayoutId)
	require.ErrorIs(t, err, ErrPayoutAlreadyCompleted)

	id, err := c.RequestReserve(ctx, 7_000)
	require.NoError(t, err)
	rs, err := c.RequestedReserves(ctx)
	require.NoError(t, err)
	require.Len(t, rs, 1)
	require.NoError(t, c.ReleaseReserve(ctx, id))
}

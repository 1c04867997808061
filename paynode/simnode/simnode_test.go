package simnode

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/giggossip/giggossip/lib/sigs"
	"github.com/giggossip/giggossip/paynode"
)

func newPreimage(t *testing.T) (string, string) {
	pre, hash, err := sigs.NewPreimage()
	require.NoError(t, err)
	return hex.EncodeToString(pre), hex.EncodeToString(hash)
}

func TestHodlInvoiceLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sn := NewNetwork(clock.NewMock())
	alice := sn.NewNode("alice")
	bob := sn.NewNode("bob")
	alice.Fund(0, 10_000)

	pre, hash := newPreimage(t)
	inv, err := bob.AddHodlInvoice(ctx, 1000, hash, "ride", 60)
	require.NoError(t, err)

	require.NoError(t, bob.Monitor(ctx, hash))
	invUpdates, err := bob.InvoiceStateUpdates(ctx)
	require.NoError(t, err)
	payUpdates, err := alice.PaymentStatusUpdates(ctx)
	require.NoError(t, err)

	dec, err := alice.DecodeInvoice(ctx, inv.PaymentRequest)
	require.NoError(t, err)
	require.Equal(t, hash, dec.PaymentHash)
	require.EqualValues(t, 1000, dec.NumSatoshis)
	require.Equal(t, "bob", dec.Destination)

	require.NoError(t, alice.SendPayment(ctx, inv.PaymentRequest, 10))
	require.EqualValues(t, 9000, alice.OffchainBalance())

	st, err := bob.InvoiceState(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, paynode.InvoiceAccepted, st)
	require.Equal(t, paynode.InvoiceStateChange{PaymentHash: hash, State: paynode.InvoiceAccepted}, <-invUpdates)
	require.Equal(t, paynode.PaymentInFlight, (<-payUpdates).Status)

	// paying twice is rejected
	require.Error(t, alice.SendPayment(ctx, inv.PaymentRequest, 10))

	require.NoError(t, bob.SettleInvoice(ctx, pre))
	require.Equal(t, paynode.InvoiceSettled, (<-invUpdates).State)
	done := <-payUpdates
	require.Equal(t, paynode.PaymentSucceeded, done.Status)
	require.Equal(t, pre, done.Preimage)
	require.EqualValues(t, 1000, bob.OffchainBalance())

	ps, err := alice.PaymentStatus(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, paynode.PaymentSucceeded, ps)

	require.Error(t, bob.CancelInvoice(ctx, hash))
}

func TestCancelRefundsPayer(t *testing.T) {
	ctx := context.Background()
	sn := NewNetwork(clock.NewMock())
	alice := sn.NewNode("alice")
	bob := sn.NewNode("bob")
	alice.Fund(0, 5000)

	_, hash := newPreimage(t)
	inv, err := bob.AddHodlInvoice(ctx, 2000, hash, "", 60)
	require.NoError(t, err)
	require.NoError(t, alice.SendPayment(ctx, inv.PaymentRequest, 0))
	require.EqualValues(t, 3000, alice.OffchainBalance())

	require.NoError(t, bob.CancelInvoice(ctx, hash))
	require.EqualValues(t, 5000, alice.OffchainBalance())
	ps, err := alice.PaymentStatus(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, paynode.PaymentFailed, ps)

	// idempotent
	require.NoError(t, bob.CancelInvoice(ctx, hash))
}

func TestErrors(t *testing.T) {
	ctx := context.Background()
	sn := NewNetwork(clock.NewMock())
	alice := sn.NewNode("alice")
	bob := sn.NewNode("bob")

	_, err := alice.DecodeInvoice(ctx, "lnsim1nope")
	require.ErrorIs(t, err, paynode.ErrUnknownInvoice)
	_, err = alice.InvoiceState(ctx, "00")
	require.ErrorIs(t, err, paynode.ErrUnknownInvoice)
	_, err = alice.PaymentStatus(ctx, "00")
	require.ErrorIs(t, err, paynode.ErrUnknownPayment)

	_, hash := newPreimage(t)
	inv, err := bob.AddHodlInvoice(ctx, 100, hash, "", 60)
	require.NoError(t, err)
	require.ErrorIs(t, alice.SendPayment(ctx, inv.PaymentRequest, 0), paynode.ErrNotEnoughFunds)

	_, err = alice.SendCoins(ctx, "bcrtsim1x", 100, "")
	require.ErrorIs(t, err, paynode.ErrNotEnoughFunds)

	_, err = bob.AddHodlInvoice(ctx, 100, hash, "", 60)
	require.Error(t, err)
	_, err = bob.AddHodlInvoice(ctx, 100, "abcd", "", 60)
	require.Error(t, err)
}

func TestCancelExpiredInvoices(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	sn := NewNetwork(clk)
	alice := sn.NewNode("alice")
	bob := sn.NewNode("bob")
	alice.Fund(0, 1000)

	_, h1 := newPreimage(t)
	_, h2 := newPreimage(t)
	_, h3 := newPreimage(t)
	_, err := bob.AddHodlInvoice(ctx, 100, h1, "", 10)
	require.NoError(t, err)
	inv2, err := bob.AddHodlInvoice(ctx, 100, h2, "", 10)
	require.NoError(t, err)
	_, err = bob.AddHodlInvoice(ctx, 100, h3, "", 100)
	require.NoError(t, err)
	require.NoError(t, alice.SendPayment(ctx, inv2.PaymentRequest, 0))

	clk.Add(20 * time.Second)
	n, err := bob.CancelExpiredInvoices(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.EqualValues(t, 1000, alice.OffchainBalance())

	st, err := bob.InvoiceState(ctx, h3)
	require.NoError(t, err)
	require.Equal(t, paynode.InvoiceOpen, st)
}

func TestWalletAndChannels(t *testing.T) {
	ctx := context.Background()
	sn := NewNetwork(clock.NewMock())
	sn.SetFees(100, 50)
	alice := sn.NewNode("alice")
	bob := sn.NewNode("bob")
	alice.Fund(100_000, 0)

	require.Error(t, alice.Connect(ctx, "carol@127.0.0.1:9735"))
	_, err := alice.OpenChannel(ctx, "bob", 10_000)
	require.Error(t, err)

	require.NoError(t, alice.Connect(ctx, "bob@127.0.0.1:9735"))
	peers, err := alice.ListPeers(ctx)
	require.NoError(t, err)
	require.Equal(t, []paynode.Peer{{PubKey: "bob", Address: "bob@127.0.0.1:9735"}}, peers)

	updates, err := alice.OpenChannel(ctx, "bob", 10_000)
	require.NoError(t, err)
	var last paynode.OpenStatusUpdate
	for u := range updates {
		last = u
	}
	require.Equal(t, paynode.ChanOpen, last.Kind)

	bal, err := alice.WalletBalance(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 90_000, bal.ConfirmedBalance)
	require.EqualValues(t, 10_000, alice.OffchainBalance())

	closes, err := alice.CloseChannel(ctx, last.ChannelPoint, 5)
	require.NoError(t, err)
	for range closes {
	}
	bal, err = alice.WalletBalance(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 99_950, bal.ConfirmedBalance)

	addr, err := bob.NewAddress(ctx)
	require.NoError(t, err)
	txid, err := alice.SendCoins(ctx, addr, 1000, "payout-1")
	require.NoError(t, err)
	found, err := alice.FindTransaction(ctx, "payout-1")
	require.NoError(t, err)
	require.Equal(t, txid, found)
	bobBal, err := bob.WalletBalance(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1000, bobBal.ConfirmedBalance)

	alice.FailSendsTo(addr)
	_, err = alice.SendCoins(ctx, addr, 1000, "payout-2")
	require.Error(t, err)
	found, err = alice.FindTransaction(ctx, "payout-2")
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestMonitorForeignInvoice(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sn := NewNetwork(clock.NewMock())
	authority := sn.NewNode("authority")
	relay := sn.NewNode("relay")
	responder := sn.NewNode("responder")
	payer := sn.NewNode("payer")
	payer.Fund(0, 10_000)

	// the authority watches the responder's invoice and its own invoice,
	// which a relay mirrors under the same hash
	_, replyHash := newPreimage(t)
	_, netHash := newPreimage(t)
	replyInv, err := responder.AddHodlInvoice(ctx, 500, replyHash, "", 60)
	require.NoError(t, err)
	_, err = authority.AddHodlInvoice(ctx, 10, netHash, "", 60)
	require.NoError(t, err)
	relayInv, err := relay.AddHodlInvoice(ctx, 12, netHash, "", 60)
	require.NoError(t, err)

	require.NoError(t, authority.Monitor(ctx, replyHash))
	require.NoError(t, authority.Monitor(ctx, netHash))
	updates, err := authority.InvoiceStateUpdates(ctx)
	require.NoError(t, err)

	require.NoError(t, payer.SendPayment(ctx, relayInv.PaymentRequest, 0))
	require.NoError(t, payer.SendPayment(ctx, replyInv.PaymentRequest, 0))

	// only the foreign reply invoice is reported; the relay's invoice is not
	require.Equal(t, paynode.InvoiceStateChange{PaymentHash: replyHash, State: paynode.InvoiceAccepted}, <-updates)

	st, err := authority.InvoiceState(ctx, replyHash)
	require.NoError(t, err)
	require.Equal(t, paynode.InvoiceAccepted, st)
	st, err = authority.InvoiceState(ctx, netHash)
	require.NoError(t, err)
	require.Equal(t, paynode.InvoiceOpen, st)

	select {
	case u := <-updates:
		t.Fatalf("unexpected update %v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

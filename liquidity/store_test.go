package liquidity

import (
	"context"
	"testing"
	"time"

	ds "github.com/ipfs/go-datastore"
	ds_sync "github.com/ipfs/go-datastore/sync"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *clock.Mock) {
	clk := clock.NewMock()
	clk.Set(time.Now())
	return NewStore(ds_sync.MutexWrap(ds.NewMapDatastore()), clk), clk
}

type txLookup map[string]string

func (l txLookup) FindTransaction(ctx context.Context, label string) (string, error) {
	return l[label], nil
}

func TestPayoutLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	p, err := s.RegisterPayout(ctx, "owner", "addr", 50_000)
	require.NoError(t, err)
	require.Equal(t, PayoutOpen, p.State)

	reserved, err := s.RequestedReserveAmount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 50_000, reserved)

	pending, err := s.PendingPayouts(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	ok, err := s.MarkPayoutAsSending(ctx, p.PayoutId, 1_500)
	require.NoError(t, err)
	require.True(t, ok)

	// a second sender loses
	ok, err = s.MarkPayoutAsSending(ctx, p.PayoutId, 1_500)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.MarkPayoutAsSent(ctx, p.PayoutId, "tx1"))

	got, err := s.GetPayout(ctx, p.PayoutId)
	require.NoError(t, err)
	require.Equal(t, PayoutSent, got.State)
	require.Equal(t, "tx1", got.Tx)
	require.EqualValues(t, 1_500, got.Fee)

	reserved, err = s.RequestedReserveAmount(ctx)
	require.NoError(t, err)
	require.Zero(t, reserved)

	_, err = s.MarkPayoutAsSending(ctx, p.PayoutId, 1)
	require.ErrorIs(t, err, ErrPayoutAlreadyCompleted)
	require.ErrorIs(t, s.MarkPayoutAsFailure(ctx, p.PayoutId, ""), ErrPayoutAlreadyCompleted)
	require.ErrorIs(t, s.RetryPayout(ctx, p.PayoutId), ErrPayoutAlreadyCompleted)

	_, err = s.GetPayout(ctx, "missing")
	require.ErrorIs(t, err, ErrPayoutNotFound)
}

func TestFailedPayoutKeepsRecord(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	p, err := s.RegisterPayout(ctx, "owner", "addr", 10_000)
	require.NoError(t, err)
	ok, err := s.MarkPayoutAsSending(ctx, p.PayoutId, 100)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.MarkPayoutAsFailure(ctx, p.PayoutId, ""))

	failed, err := s.ListPayouts(ctx, PayoutFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	pending, err := s.PendingPayouts(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	// the funds stay reserved until the payout is sent
	reserved, err := s.RequestedReserveAmount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 10_000, reserved)

	require.NoError(t, s.RetryPayout(ctx, p.PayoutId))
	pending, err = s.PendingPayouts(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Zero(t, pending[0].Fee)
}

func TestCompleteSendingPayouts(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)

	sent, err := s.RegisterPayout(ctx, "owner", "addr1", 10_000)
	require.NoError(t, err)
	clk.Add(time.Second)
	lost, err := s.RegisterPayout(ctx, "owner", "addr2", 20_000)
	require.NoError(t, err)

	for _, id := range []string{sent.PayoutId, lost.PayoutId} {
		ok, err := s.MarkPayoutAsSending(ctx, id, 100)
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.NoError(t, s.CompleteSendingPayouts(ctx, txLookup{sent.PayoutId: "tx-sent"}))

	got, err := s.GetPayout(ctx, sent.PayoutId)
	require.NoError(t, err)
	require.Equal(t, PayoutSent, got.State)
	require.Equal(t, "tx-sent", got.Tx)

	pending, err := s.PendingPayouts(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, lost.PayoutId, pending[0].PayoutId)

	reserved, err := s.RequestedReserveAmount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 20_000, reserved)

	all, err := s.ListPayouts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, sent.PayoutId, all[0].PayoutId)
}

func TestReserves(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	a, err := s.RequestReserve(ctx, 1_000)
	require.NoError(t, err)
	_, err = s.RequestReserve(ctx, 2_500)
	require.NoError(t, err)
	_, err = s.RequestReserve(ctx, 0)
	require.Error(t, err)

	total, err := s.RequestedReserveAmount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3_500, total)

	require.NoError(t, s.ReleaseReserve(ctx, a))
	require.ErrorIs(t, s.ReleaseReserve(ctx, a), ErrReserveNotFound)

	rs, err := s.RequestedReserves(ctx)
	require.NoError(t, err)
	require.Len(t, rs, 1)
	require.EqualValues(t, 2_500, rs[0].Satoshis)
}

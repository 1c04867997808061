// Package liquidity keeps a payment node's channels provisioned ahead of its
// escrow obligations and drains registered payouts to on-chain addresses.
package liquidity

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/build"
	"github.com/giggossip/giggossip/journal"
	"github.com/giggossip/giggossip/metrics"
	"github.com/giggossip/giggossip/paynode"
)

var log = logging.Logger("liquidity")

type Config struct {
	// NearbyNodes are payment nodes to keep channels with, as
	// pubkey@host:port.
	NearbyNodes []string

	MinSatoshisPerChannel      int64
	MaxSatoshisPerChannel      int64
	MaxChannelCloseFeePerVByte int64

	// ReservePerChannel is the on-chain amount kept back for every channel,
	// capped at MaxRequiredReserve.
	ReservePerChannel  int64
	MaxRequiredReserve int64

	Interval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinSatoshisPerChannel:      20_000,
		MaxSatoshisPerChannel:      1_000_000,
		MaxChannelCloseFeePerVByte: 100,
		ReservePerChannel:          10_000,
		MaxRequiredReserve:         100_000,
		Interval:                   build.LiquidityLoopInterval,
	}
}

// additionalChannels is how many future channels the required reserve covers.
const additionalChannels = 2

type PayoutEvt struct {
	PayoutId string
	State    string
	Satoshis int64
	Fee      int64
	Tx       string
	Error    string `json:",omitempty"`
}

type Manager struct {
	cfg   Config
	pay   paynode.API
	store *Store
	clock clock.Clock

	journal   journal.Journal
	evtPayout journal.EventType

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, pay paynode.API, store *Store, clk clock.Clock, j journal.Journal) *Manager {
	if clk == nil {
		clk = build.Clock
	}
	if j == nil {
		j = journal.NilJournal()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = build.LiquidityLoopInterval
	}
	return &Manager{
		cfg:       cfg,
		pay:       pay,
		store:     store,
		clock:     clk,
		journal:   j,
		evtPayout: j.RegisterEventType("liquidity", "payout"),
	}
}

func (m *Manager) Store() *Store {
	return m.store
}

func (m *Manager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go m.run(runCtx)
	return nil
}

func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return nil
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()
	log.Infow("liquidity manager started", "nearby", len(m.cfg.NearbyNodes), "interval", m.cfg.Interval)

	for {
		again := m.RunOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if again {
			continue
		}
		select {
		case <-m.clock.After(m.cfg.Interval):
		case <-ctx.Done():
			log.Info("liquidity manager stopped")
			return
		}
	}
}

// RunOnce performs one pass of the loop and reports whether a channel was
// opened, in which case the next pass should follow immediately.
func (m *Manager) RunOnce(ctx context.Context) bool {
	start := time.Now()
	defer func() {
		stats.Record(ctx, metrics.LiquidityLoopMs.M(metrics.SinceInMilliseconds(start)))
	}()

	if n, err := m.pay.CancelExpiredInvoices(ctx); err != nil {
		log.Errorw("cancelling expired invoices", "err", err)
	} else if n > 0 {
		log.Debugw("cancelled expired invoices", "count", n)
	}

	m.connectNearby(ctx)

	opened := false
	for _, node := range m.cfg.NearbyNodes {
		pk, _, _ := strings.Cut(node, "@")
		ok, err := m.openChannel(ctx, pk)
		if err != nil {
			log.Errorw("opening channel", "node", pk, "err", err)
			continue
		}
		opened = opened || ok
	}

	if err := m.executePayouts(ctx); err != nil {
		log.Errorw("executing payouts", "err", err)
	}
	return opened
}

func (m *Manager) connectNearby(ctx context.Context) {
	peers, err := m.pay.ListPeers(ctx)
	if err != nil {
		log.Errorw("listing peers", "err", err)
		return
	}
	connected := make(map[string]struct{}, len(peers))
	for _, p := range peers {
		connected[p.PubKey] = struct{}{}
	}

	for _, node := range m.cfg.NearbyNodes {
		pk, _, _ := strings.Cut(node, "@")
		if _, ok := connected[pk]; ok {
			continue
		}
		if err := m.pay.Connect(ctx, node); err != nil {
			log.Warnw("failed to connect to nearby node", "node", node, "err", err)
			continue
		}
		log.Infow("connected to nearby node", "node", node)
	}
}

// RequiredReserve is the on-chain amount the node keeps for its channels and
// additional future ones.
func (m *Manager) RequiredReserve(ctx context.Context, additional int) (int64, error) {
	chans, err := m.pay.ListChannels(ctx, false)
	if err != nil {
		return 0, err
	}
	r := m.cfg.ReservePerChannel * int64(len(chans)+additional)
	if m.cfg.MaxRequiredReserve > 0 && r > m.cfg.MaxRequiredReserve {
		r = m.cfg.MaxRequiredReserve
	}
	return r, nil
}

func (m *Manager) openChannel(ctx context.Context, nodePubKey string) (bool, error) {
	bal, err := m.pay.WalletBalance(ctx)
	if err != nil {
		return false, err
	}
	required, err := m.RequiredReserve(ctx, additionalChannels)
	if err != nil {
		return false, xerrors.Errorf("computing required reserve: %w", err)
	}
	requested, err := m.store.RequestedReserveAmount(ctx)
	if err != nil {
		return false, xerrors.Errorf("summing requested reserves: %w", err)
	}

	amount := bal.ConfirmedBalance - required - requested
	if amount <= 0 {
		return false, nil
	}
	if amount > m.cfg.MaxSatoshisPerChannel {
		amount = m.cfg.MaxSatoshisPerChannel
	}
	if amount < m.cfg.MinSatoshisPerChannel {
		amount = m.cfg.MinSatoshisPerChannel
	}
	if bal.ConfirmedBalance < amount {
		log.Warnw("not enough confirmed balance for a channel", "amount", amount, "confirmed", bal.ConfirmedBalance)
		return false, nil
	}

	log.Infow("opening channel", "node", nodePubKey, "amount", amount,
		"confirmed", bal.ConfirmedBalance, "required_reserve", required, "requested_reserve", requested)
	updates, err := m.pay.OpenChannel(ctx, nodePubKey, amount)
	if err != nil {
		return false, err
	}
	for {
		select {
		case upd, ok := <-updates:
			if !ok {
				return false, nil
			}
			log.Debugw("channel open status", "node", nodePubKey, "kind", upd.Kind, "pending", upd.PendingChanId)
			if upd.Kind == paynode.ChanOpen {
				metrics.Count(ctx, metrics.ChannelOpened)
				return true, nil
			}
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// freeLiquidity closes channels, smallest local balance first, until the
// closed balances cover amount, and waits for every close to finish.
func (m *Manager) freeLiquidity(ctx context.Context, amount int64) error {
	chans, err := m.pay.ListChannels(ctx, true)
	if err != nil {
		return err
	}
	sort.Slice(chans, func(i, j int) bool {
		return chans[i].LocalBalance < chans[j].LocalBalance
	})

	var (
		eg    errgroup.Group
		freed int64
	)
	for _, c := range chans {
		if freed >= amount {
			break
		}
		log.Infow("closing channel to free liquidity", "channel", c.ChannelPoint, "local_balance", c.LocalBalance)
		updates, err := m.pay.CloseChannel(ctx, c.ChannelPoint, m.cfg.MaxChannelCloseFeePerVByte)
		if err != nil {
			log.Errorw("closing channel", "channel", c.ChannelPoint, "err", err)
			continue
		}
		freed += c.LocalBalance

		point := c.ChannelPoint
		eg.Go(func() error {
			for {
				select {
				case upd, ok := <-updates:
					if !ok {
						return xerrors.Errorf("close stream for %s ended before the channel closed", point)
					}
					if upd.Kind == paynode.ChanClose {
						log.Infow("channel closed", "channel", point, "tx", upd.ClosingTxid)
						metrics.Count(ctx, metrics.ChannelClosed)
						return nil
					}
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		})
	}
	return eg.Wait()
}

func (m *Manager) executePayouts(ctx context.Context) error {
	if err := m.store.CompleteSendingPayouts(ctx, m.pay); err != nil {
		log.Errorw("completing interrupted payouts", "err", err)
	}

	bal, err := m.pay.WalletBalance(ctx)
	if err != nil {
		return err
	}
	requested, err := m.store.RequestedReserveAmount(ctx)
	if err != nil {
		return err
	}
	if bal.ConfirmedBalance < requested {
		if err := m.freeLiquidity(ctx, requested-bal.ConfirmedBalance); err != nil {
			log.Errorw("freeing liquidity", "err", err)
		}
	}

	closeFee, err := m.pay.EstimateChannelClosingFee(ctx)
	if err != nil {
		return xerrors.Errorf("estimating channel closing fee: %w", err)
	}
	pending, err := m.store.PendingPayouts(ctx)
	if err != nil {
		return err
	}
	for _, p := range pending {
		m.payout(ctx, p, closeFee)
	}
	return nil
}

// payout sends one payout. Failures are recorded on the payout and never
// stop the remaining ones.
func (m *Manager) payout(ctx context.Context, p *Payout, closeFee int64) {
	var (
		tx   string
		fee  int64
		sent bool
	)
	err := func() error {
		est, err := m.pay.EstimateFee(ctx, p.BitcoinAddress, p.Satoshis)
		if err != nil {
			return xerrors.Errorf("estimating fee: %w", err)
		}
		fee = closeFee + est.FeeSat
		ok, err := m.store.MarkPayoutAsSending(ctx, p.PayoutId, fee)
		if err != nil || !ok {
			return err
		}
		amount := p.Satoshis - fee
		if amount <= 0 {
			return xerrors.Errorf("payout of %d does not cover fees of %d", p.Satoshis, fee)
		}
		log.Infow("sending payout", "payout", p.PayoutId, "address", p.BitcoinAddress,
			"amount", amount, "tx_fee", est.FeeSat, "close_fee", closeFee)
		tx, err = m.pay.SendCoins(ctx, p.BitcoinAddress, amount, p.PayoutId)
		if err != nil {
			return xerrors.Errorf("sending coins: %w", err)
		}
		if err := m.store.MarkPayoutAsSent(ctx, p.PayoutId, tx); err != nil {
			return xerrors.Errorf("marking payout sent: %w", err)
		}
		stats.Record(ctx, metrics.PayoutSent.M(amount))
		sent = true
		return nil
	}()

	switch {
	case err != nil:
		log.Errorw("payout failed", "payout", p.PayoutId, "err", err)
		if ferr := m.store.MarkPayoutAsFailure(ctx, p.PayoutId, tx); ferr != nil {
			log.Errorw("marking payout failed", "payout", p.PayoutId, "err", ferr)
		}
		metrics.Count(ctx, metrics.PayoutFailed, tag.Upsert(metrics.FailureType, failureType(tx)))
		m.recordPayout(p, PayoutFailed, fee, tx, err)
	case sent:
		m.recordPayout(p, PayoutSent, fee, tx, nil)
	}
}

func failureType(tx string) string {
	if tx == "" {
		return "send"
	}
	return "bookkeeping"
}

func (m *Manager) recordPayout(p *Payout, st PayoutState, fee int64, tx string, err error) {
	journal.MaybeRecordEvent(m.journal, m.evtPayout, func() interface{} {
		evt := PayoutEvt{
			PayoutId: p.PayoutId,
			State:    st.String(),
			Satoshis: p.Satoshis,
			Fee:      fee,
			Tx:       tx,
		}
		if err != nil {
			evt.Error = err.Error()
		}
		return evt
	})
}

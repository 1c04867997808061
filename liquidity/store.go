package liquidity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	dsq "github.com/ipfs/go-datastore/query"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/raulk/clock"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/build"
)

func init() {
	cbor.RegisterCborType(Payout{})
	cbor.RegisterCborType(Reserve{})
}

type PayoutState int

const (
	PayoutOpen PayoutState = iota
	PayoutSending
	PayoutSent
	PayoutFailed
)

func (s PayoutState) String() string {
	switch s {
	case PayoutOpen:
		return "Open"
	case PayoutSending:
		return "Sending"
	case PayoutSent:
		return "Sent"
	case PayoutFailed:
		return "Failed"
	default:
		return fmt.Sprintf("PayoutState(%d)", int(s))
	}
}

// Payout is an on-chain withdrawal owed to PublicKey. Fee is the total of
// fees deducted from Satoshis once the payout starts sending.
type Payout struct {
	PayoutId       string
	PublicKey      string
	BitcoinAddress string
	Satoshis       int64
	Fee            int64
	State          PayoutState
	Tx             string

	// Created is unix nanoseconds.
	Created int64
}

// Reserve is on-chain liquidity that must not be locked into channels.
// Every unsent payout holds a reserve with its own id.
type Reserve struct {
	ReserveId string
	Satoshis  int64
}

// TransactionFinder looks up a labelled wallet transaction.
type TransactionFinder interface {
	FindTransaction(ctx context.Context, label string) (string, error)
}

// Store persists payouts and reserves in a datastore.
type Store struct {
	lk sync.Mutex

	payouts  datastore.Datastore
	reserves datastore.Datastore
	clock    clock.Clock
}

func NewStore(ds datastore.Batching, clk clock.Clock) *Store {
	if clk == nil {
		clk = build.Clock
	}
	ds = namespace.Wrap(ds, datastore.NewKey("/liquidity"))
	return &Store{
		payouts:  namespace.Wrap(ds, datastore.NewKey("/payouts")),
		reserves: namespace.Wrap(ds, datastore.NewKey("/reserves")),
		clock:    clk,
	}
}

func put(ctx context.Context, ds datastore.Datastore, id string, v interface{}) error {
	b, err := cbor.DumpObject(v)
	if err != nil {
		return err
	}
	return ds.Put(ctx, datastore.NewKey(id), b)
}

func (s *Store) getPayout(ctx context.Context, id string) (*Payout, error) {
	b, err := s.payouts.Get(ctx, datastore.NewKey(id))
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, xerrors.Errorf("%s: %w", id, ErrPayoutNotFound)
	}
	if err != nil {
		return nil, err
	}
	var p Payout
	if err := cbor.DecodeInto(b, &p); err != nil {
		return nil, xerrors.Errorf("decoding payout %s: %w", id, err)
	}
	return &p, nil
}

// RegisterPayout records a payout and reserves its amount.
func (s *Store) RegisterPayout(ctx context.Context, pubKey, address string, satoshis int64) (*Payout, error) {
	if satoshis <= 0 {
		return nil, xerrors.Errorf("payout amount must be positive, got %d", satoshis)
	}
	p := &Payout{
		PayoutId:       uuid.NewString(),
		PublicKey:      pubKey,
		BitcoinAddress: address,
		Satoshis:       satoshis,
		State:          PayoutOpen,
		Created:        s.clock.Now().UnixNano(),
	}

	s.lk.Lock()
	defer s.lk.Unlock()

	if err := put(ctx, s.reserves, p.PayoutId, Reserve{ReserveId: p.PayoutId, Satoshis: satoshis}); err != nil {
		return nil, xerrors.Errorf("reserving payout: %w", err)
	}
	if err := put(ctx, s.payouts, p.PayoutId, p); err != nil {
		return nil, xerrors.Errorf("storing payout: %w", err)
	}
	return p, nil
}

func (s *Store) GetPayout(ctx context.Context, id string) (*Payout, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.getPayout(ctx, id)
}

// ListPayouts returns payouts in the given states, all of them when none is
// given, oldest first.
func (s *Store) ListPayouts(ctx context.Context, states ...PayoutState) ([]*Payout, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.listPayouts(ctx, states...)
}

func (s *Store) listPayouts(ctx context.Context, states ...PayoutState) ([]*Payout, error) {
	res, err := s.payouts.Query(ctx, dsq.Query{})
	if err != nil {
		return nil, err
	}
	entries, err := res.Rest()
	if err != nil {
		return nil, err
	}

	want := map[PayoutState]bool{}
	for _, st := range states {
		want[st] = true
	}

	var out []*Payout
	for _, e := range entries {
		var p Payout
		if err := cbor.DecodeInto(e.Value, &p); err != nil {
			return nil, xerrors.Errorf("decoding payout %s: %w", e.Key, err)
		}
		if len(want) > 0 && !want[p.State] {
			continue
		}
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created != out[j].Created {
			return out[i].Created < out[j].Created
		}
		return out[i].PayoutId < out[j].PayoutId
	})
	return out, nil
}

// PendingPayouts returns the payouts waiting to be sent.
func (s *Store) PendingPayouts(ctx context.Context) ([]*Payout, error) {
	return s.ListPayouts(ctx, PayoutOpen)
}

// MarkPayoutAsSending moves an Open payout to Sending with fee deducted. It
// reports false when the payout is not Open, so a payout is sent at most once.
func (s *Store) MarkPayoutAsSending(ctx context.Context, id string, fee int64) (bool, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	p, err := s.getPayout(ctx, id)
	if err != nil {
		return false, err
	}
	switch p.State {
	case PayoutSent:
		return false, ErrPayoutAlreadyCompleted
	case PayoutOpen:
	default:
		return false, nil
	}
	p.State, p.Fee = PayoutSending, fee
	if err := put(ctx, s.payouts, id, p); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) MarkPayoutAsSent(ctx context.Context, id, tx string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.markSent(ctx, id, tx)
}

func (s *Store) markSent(ctx context.Context, id, tx string) error {
	p, err := s.getPayout(ctx, id)
	if err != nil {
		return err
	}
	if p.State == PayoutSent {
		return ErrPayoutAlreadyCompleted
	}
	p.State, p.Tx = PayoutSent, tx
	if err := put(ctx, s.payouts, id, p); err != nil {
		return err
	}
	if err := s.reserves.Delete(ctx, datastore.NewKey(id)); err != nil {
		return xerrors.Errorf("releasing payout reserve: %w", err)
	}
	return nil
}

// MarkPayoutAsFailure keeps the payout and its reserve, recording tx if the
// send got that far.
func (s *Store) MarkPayoutAsFailure(ctx context.Context, id, tx string) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	p, err := s.getPayout(ctx, id)
	if err != nil {
		return err
	}
	if p.State == PayoutSent {
		return ErrPayoutAlreadyCompleted
	}
	p.State, p.Tx = PayoutFailed, tx
	return put(ctx, s.payouts, id, p)
}

// RetryPayout reopens a failed payout.
func (s *Store) RetryPayout(ctx context.Context, id string) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	p, err := s.getPayout(ctx, id)
	if err != nil {
		return err
	}
	switch p.State {
	case PayoutSent:
		return ErrPayoutAlreadyCompleted
	case PayoutFailed:
		p.State, p.Fee, p.Tx = PayoutOpen, 0, ""
		return put(ctx, s.payouts, id, p)
	default:
		return nil
	}
}

// CompleteSendingPayouts resolves payouts left in Sending by an interrupted
// pass: a payout whose labelled transaction exists is Sent, any other one is
// Open again.
func (s *Store) CompleteSendingPayouts(ctx context.Context, wallet TransactionFinder) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	sending, err := s.listPayouts(ctx, PayoutSending)
	if err != nil {
		return err
	}

	var errs error
	for _, p := range sending {
		tx, err := wallet.FindTransaction(ctx, p.PayoutId)
		if err != nil {
			errs = multierr.Append(errs, xerrors.Errorf("looking up payout %s: %w", p.PayoutId, err))
			continue
		}
		if tx != "" {
			log.Infow("payout was sent before interruption", "payout", p.PayoutId, "tx", tx)
			errs = multierr.Append(errs, s.markSent(ctx, p.PayoutId, tx))
			continue
		}
		log.Infow("payout was not sent, reopening", "payout", p.PayoutId)
		p.State, p.Fee = PayoutOpen, 0
		errs = multierr.Append(errs, put(ctx, s.payouts, p.PayoutId, p))
	}
	return errs
}

// RequestReserve holds satoshis of on-chain liquidity back from channels.
func (s *Store) RequestReserve(ctx context.Context, satoshis int64) (string, error) {
	if satoshis <= 0 {
		return "", xerrors.Errorf("reserve amount must be positive, got %d", satoshis)
	}
	id := uuid.NewString()

	s.lk.Lock()
	defer s.lk.Unlock()
	if err := put(ctx, s.reserves, id, Reserve{ReserveId: id, Satoshis: satoshis}); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) ReleaseReserve(ctx context.Context, id string) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	k := datastore.NewKey(id)
	has, err := s.reserves.Has(ctx, k)
	if err != nil {
		return err
	}
	if !has {
		return xerrors.Errorf("%s: %w", id, ErrReserveNotFound)
	}
	return s.reserves.Delete(ctx, k)
}

func (s *Store) RequestedReserves(ctx context.Context) ([]Reserve, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	res, err := s.reserves.Query(ctx, dsq.Query{})
	if err != nil {
		return nil, err
	}
	entries, err := res.Rest()
	if err != nil {
		return nil, err
	}

	out := make([]Reserve, 0, len(entries))
	for _, e := range entries {
		var r Reserve
		if err := cbor.DecodeInto(e.Value, &r); err != nil {
			return nil, xerrors.Errorf("decoding reserve %s: %w", e.Key, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) RequestedReserveAmount(ctx context.Context) (int64, error) {
	rs, err := s.RequestedReserves(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, r := range rs {
		total += r.Satoshis
	}
	return total, nil
}

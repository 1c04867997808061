// Package simnode is an in-memory payment network with hodl invoices. Every
// participant gets its own Node; payments between nodes settle instantly
// without routing.
package simnode

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hannahhoward/go-pubsub"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/lib/sigs"
	"github.com/giggossip/giggossip/paynode"
)

var log = logging.Logger("simnode")

const (
	DefaultTxFee           = 200
	DefaultChannelCloseFee = 300
	DefaultSatPerVByte     = 2
)

type Network struct {
	clock clock.Clock

	lk        sync.Mutex
	nodes     map[string]*Node
	invoices  map[string]*invoice
	addresses map[string]*Node

	txFee    int64
	closeFee int64
}

func NewNetwork(clk clock.Clock) *Network {
	if clk == nil {
		clk = clock.New()
	}
	return &Network{
		clock:     clk,
		nodes:     map[string]*Node{},
		invoices:  map[string]*invoice{},
		addresses: map[string]*Node{},
		txFee:     DefaultTxFee,
		closeFee:  DefaultChannelCloseFee,
	}
}

// SetFees changes the on-chain fee and channel closing fee estimates.
func (sn *Network) SetFees(txFee, closeFee int64) {
	sn.lk.Lock()
	defer sn.lk.Unlock()
	sn.txFee, sn.closeFee = txFee, closeFee
}

type invoice struct {
	owner     *Node
	payer     *Node
	request   string
	hash      string
	amount    int64
	memo      string
	expiresAt time.Time
	state     paynode.InvoiceState
}

type payment struct {
	status   paynode.PaymentStatus
	preimage string
}

type invoiceSubscriber func(paynode.InvoiceStateChange)
type paymentSubscriber func(paynode.PaymentStatusChange)

// Node is one participant's view of the network. It implements paynode.API.
type Node struct {
	net    *Network
	pubKey string

	// guarded by net.lk
	confirmed  int64
	offchain   int64
	invoices   map[string]*invoice
	payments   map[string]*payment
	monitored  map[string]struct{}
	peers      map[string]string
	channels   map[string]*paynode.Channel
	txs        map[string]string
	failSendTo map[string]struct{}

	invoiceEvents *pubsub.PubSub
	paymentEvents *pubsub.PubSub
}

var _ paynode.API = (*Node)(nil)

func (sn *Network) NewNode(pubKey string) *Node {
	n := &Node{
		net:        sn,
		pubKey:     pubKey,
		invoices:   map[string]*invoice{},
		payments:   map[string]*payment{},
		monitored:  map[string]struct{}{},
		peers:      map[string]string{},
		channels:   map[string]*paynode.Channel{},
		txs:        map[string]string{},
		failSendTo: map[string]struct{}{},
		invoiceEvents: pubsub.New(func(event pubsub.Event, subFn pubsub.SubscriberFn) error {
			evt, ok := event.(paynode.InvoiceStateChange)
			if !ok {
				return xerrors.Errorf("wrong type of event")
			}
			sub, ok := subFn.(invoiceSubscriber)
			if !ok {
				return xerrors.Errorf("wrong type of subscriber")
			}
			sub(evt)
			return nil
		}),
		paymentEvents: pubsub.New(func(event pubsub.Event, subFn pubsub.SubscriberFn) error {
			evt, ok := event.(paynode.PaymentStatusChange)
			if !ok {
				return xerrors.Errorf("wrong type of event")
			}
			sub, ok := subFn.(paymentSubscriber)
			if !ok {
				return xerrors.Errorf("wrong type of subscriber")
			}
			sub(evt)
			return nil
		}),
	}

	sn.lk.Lock()
	sn.nodes[pubKey] = n
	sn.lk.Unlock()
	return n
}

func (n *Node) PubKey() string {
	return n.pubKey
}

// Fund credits the node's on-chain and off-chain balances.
func (n *Node) Fund(confirmed, offchain int64) {
	n.net.lk.Lock()
	defer n.net.lk.Unlock()
	n.confirmed += confirmed
	n.offchain += offchain
}

// OffchainBalance is the amount the node can spend over channels.
func (n *Node) OffchainBalance() int64 {
	n.net.lk.Lock()
	defer n.net.lk.Unlock()
	return n.offchain
}

// FailSendsTo makes every SendCoins to address fail.
func (n *Node) FailSendsTo(address string) {
	n.net.lk.Lock()
	defer n.net.lk.Unlock()
	n.failSendTo[address] = struct{}{}
}

// AddChannel registers an already open channel, for tests.
func (n *Node) AddChannel(remote string, localBalance int64) string {
	n.net.lk.Lock()
	defer n.net.lk.Unlock()
	point := fmt.Sprintf("%s:0", randomTxid())
	n.channels[point] = &paynode.Channel{
		ChannelPoint: point,
		RemotePubKey: remote,
		Capacity:     localBalance,
		LocalBalance: localBalance,
		Active:       true,
	}
	return point
}

type pending struct {
	fns []func()
}

// invoiceEvent notifies every node monitoring hash. A node that owns an
// invoice with the same hash only hears about its own.
func (p *pending) invoiceEvent(owner *Node, hash string, st paynode.InvoiceState) {
	evt := paynode.InvoiceStateChange{PaymentHash: hash, State: st}
	for _, n := range owner.net.nodes {
		if _, ok := n.monitored[hash]; !ok {
			continue
		}
		if _, own := n.invoices[hash]; own && n != owner {
			continue
		}
		n := n
		p.fns = append(p.fns, func() {
			if err := n.invoiceEvents.Publish(evt); err != nil {
				log.Errorf("unexpected error publishing invoice state: %s", err)
			}
		})
	}
}

func (p *pending) paymentEvent(n *Node, hash string, st paynode.PaymentStatus, preimage string) {
	pm, ok := n.payments[hash]
	if !ok {
		pm = &payment{}
		n.payments[hash] = pm
	}
	pm.status, pm.preimage = st, preimage

	evt := paynode.PaymentStatusChange{PaymentHash: hash, Status: st, Preimage: preimage}
	p.fns = append(p.fns, func() {
		if err := n.paymentEvents.Publish(evt); err != nil {
			log.Errorf("unexpected error publishing payment status: %s", err)
		}
	})
}

// fire runs collected publications; callers must not hold net.lk.
func (p *pending) fire() {
	for _, f := range p.fns {
		f()
	}
}

func randomTxid() string {
	u1, u2 := uuid.New(), uuid.New()
	return hex.EncodeToString(append(u1[:], u2[:]...))
}

func (n *Node) AddHodlInvoice(ctx context.Context, amount int64, paymentHash string, memo string, expirySeconds int64) (*paynode.Invoice, error) {
	if amount <= 0 {
		return nil, xerrors.Errorf("invoice amount must be positive, got %d", amount)
	}
	if b, err := hex.DecodeString(paymentHash); err != nil || len(b) != 32 {
		return nil, xerrors.Errorf("malformed payment hash %q", paymentHash)
	}

	n.net.lk.Lock()
	defer n.net.lk.Unlock()

	if _, ok := n.invoices[paymentHash]; ok {
		return nil, xerrors.Errorf("invoice for payment hash %s already exists", paymentHash)
	}
	u := uuid.New()
	inv := &invoice{
		owner:     n,
		request:   "lnsim1" + paymentHash[:16] + hex.EncodeToString(u[:]),
		hash:      paymentHash,
		amount:    amount,
		memo:      memo,
		expiresAt: n.net.clock.Now().Add(time.Duration(expirySeconds) * time.Second),
		state:     paynode.InvoiceOpen,
	}
	n.invoices[paymentHash] = inv
	n.net.invoices[inv.request] = inv

	return inv.public(), nil
}

func (inv *invoice) public() *paynode.Invoice {
	return &paynode.Invoice{
		PaymentRequest: inv.request,
		PaymentHash:    inv.hash,
		Amount:         inv.amount,
		Memo:           inv.memo,
		ExpiresAt:      inv.expiresAt.Unix(),
		State:          inv.state,
	}
}

func (n *Node) DecodeInvoice(ctx context.Context, paymentRequest string) (*paynode.DecodedInvoice, error) {
	n.net.lk.Lock()
	defer n.net.lk.Unlock()

	inv, ok := n.net.invoices[paymentRequest]
	if !ok {
		return nil, paynode.ErrUnknownInvoice
	}
	return &paynode.DecodedInvoice{
		PaymentHash: inv.hash,
		NumSatoshis: inv.amount,
		Memo:        inv.memo,
		ExpiresAt:   inv.expiresAt.Unix(),
		Destination: inv.owner.pubKey,
	}, nil
}

func (n *Node) InvoiceState(ctx context.Context, paymentHash string) (paynode.InvoiceState, error) {
	n.net.lk.Lock()
	defer n.net.lk.Unlock()

	inv, ok := n.lookupLocked(paymentHash)
	if !ok {
		return 0, paynode.ErrUnknownInvoice
	}
	return inv.state, nil
}

// lookupLocked finds the node's own invoice for hash, falling back to any
// invoice in the network with that hash.
func (n *Node) lookupLocked(hash string) (*invoice, bool) {
	if inv, ok := n.invoices[hash]; ok {
		return inv, true
	}
	for _, inv := range n.net.invoices {
		if inv.hash == hash {
			return inv, true
		}
	}
	return nil, false
}

func (n *Node) SendPayment(ctx context.Context, paymentRequest string, feeLimit int64) error {
	var p pending
	defer p.fire()

	n.net.lk.Lock()
	defer n.net.lk.Unlock()

	inv, ok := n.net.invoices[paymentRequest]
	if !ok {
		return paynode.ErrUnknownInvoice
	}
	if inv.owner == n {
		return xerrors.Errorf("cannot pay own invoice")
	}
	if inv.state != paynode.InvoiceOpen {
		return xerrors.Errorf("invoice %s is %s", inv.hash, inv.state)
	}
	if n.net.clock.Now().After(inv.expiresAt) {
		return xerrors.Errorf("invoice %s expired", inv.hash)
	}
	if n.offchain < inv.amount {
		return paynode.ErrNotEnoughFunds
	}

	n.offchain -= inv.amount
	inv.payer = n
	inv.state = paynode.InvoiceAccepted

	p.invoiceEvent(inv.owner, inv.hash, paynode.InvoiceAccepted)
	p.paymentEvent(n, inv.hash, paynode.PaymentInFlight, "")
	return nil
}

func (n *Node) PaymentStatus(ctx context.Context, paymentHash string) (paynode.PaymentStatus, error) {
	n.net.lk.Lock()
	defer n.net.lk.Unlock()

	pm, ok := n.payments[paymentHash]
	if !ok {
		return 0, paynode.ErrUnknownPayment
	}
	return pm.status, nil
}

func (n *Node) SettleInvoice(ctx context.Context, preimage string) error {
	pre, err := hex.DecodeString(preimage)
	if err != nil {
		return xerrors.Errorf("decoding preimage: %w", err)
	}
	hash := hex.EncodeToString(sigs.PaymentHash(pre))

	var p pending
	defer p.fire()

	n.net.lk.Lock()
	defer n.net.lk.Unlock()

	inv, ok := n.invoices[hash]
	if !ok {
		return paynode.ErrUnknownInvoice
	}
	if inv.state != paynode.InvoiceAccepted {
		return xerrors.Errorf("invoice %s is %s, not accepted", hash, inv.state)
	}
	inv.state = paynode.InvoiceSettled
	n.offchain += inv.amount

	p.invoiceEvent(n, hash, paynode.InvoiceSettled)
	p.paymentEvent(inv.payer, hash, paynode.PaymentSucceeded, preimage)
	return nil
}

func (n *Node) CancelInvoice(ctx context.Context, paymentHash string) error {
	var p pending
	defer p.fire()

	n.net.lk.Lock()
	defer n.net.lk.Unlock()

	inv, ok := n.invoices[paymentHash]
	if !ok {
		return paynode.ErrUnknownInvoice
	}
	return n.cancelLocked(inv, &p)
}

func (n *Node) cancelLocked(inv *invoice, p *pending) error {
	switch inv.state {
	case paynode.InvoiceCancelled:
		return nil
	case paynode.InvoiceSettled:
		return xerrors.Errorf("invoice %s already settled", inv.hash)
	case paynode.InvoiceAccepted:
		inv.payer.offchain += inv.amount
		p.paymentEvent(inv.payer, inv.hash, paynode.PaymentFailed, "")
	}
	inv.state = paynode.InvoiceCancelled
	p.invoiceEvent(n, inv.hash, paynode.InvoiceCancelled)
	return nil
}

func (n *Node) CancelExpiredInvoices(ctx context.Context) (int, error) {
	var p pending
	defer p.fire()

	n.net.lk.Lock()
	defer n.net.lk.Unlock()

	now := n.net.clock.Now()
	cancelled := 0
	for _, inv := range n.invoices {
		if inv.state != paynode.InvoiceOpen && inv.state != paynode.InvoiceAccepted {
			continue
		}
		if now.Before(inv.expiresAt) {
			continue
		}
		if err := n.cancelLocked(inv, &p); err != nil {
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

func (n *Node) Monitor(ctx context.Context, paymentHash string) error {
	n.net.lk.Lock()
	defer n.net.lk.Unlock()
	n.monitored[paymentHash] = struct{}{}
	return nil
}

func (n *Node) StopMonitoring(ctx context.Context, paymentHash string) error {
	n.net.lk.Lock()
	defer n.net.lk.Unlock()
	delete(n.monitored, paymentHash)
	return nil
}

func (n *Node) InvoiceStateUpdates(ctx context.Context) (<-chan paynode.InvoiceStateChange, error) {
	s := newStream[paynode.InvoiceStateChange]()
	out := make(chan paynode.InvoiceStateChange)
	var fn invoiceSubscriber = s.push
	unsub := n.invoiceEvents.Subscribe(fn)
	go s.run(ctx, out, unsub)
	return out, nil
}

func (n *Node) PaymentStatusUpdates(ctx context.Context) (<-chan paynode.PaymentStatusChange, error) {
	s := newStream[paynode.PaymentStatusChange]()
	out := make(chan paynode.PaymentStatusChange)
	var fn paymentSubscriber = s.push
	unsub := n.paymentEvents.Subscribe(fn)
	go s.run(ctx, out, unsub)
	return out, nil
}

func (n *Node) WalletBalance(ctx context.Context) (paynode.WalletBalance, error) {
	n.net.lk.Lock()
	defer n.net.lk.Unlock()
	return paynode.WalletBalance{ConfirmedBalance: n.confirmed}, nil
}

func (n *Node) NewAddress(ctx context.Context) (string, error) {
	u := uuid.New()
	addr := "bcrtsim1" + hex.EncodeToString(u[:])

	n.net.lk.Lock()
	defer n.net.lk.Unlock()
	n.net.addresses[addr] = n
	return addr, nil
}

func (n *Node) EstimateFee(ctx context.Context, address string, amount int64) (paynode.FeeEstimate, error) {
	n.net.lk.Lock()
	defer n.net.lk.Unlock()
	return paynode.FeeEstimate{FeeSat: n.net.txFee, SatPerVByte: DefaultSatPerVByte}, nil
}

func (n *Node) EstimateChannelClosingFee(ctx context.Context) (int64, error) {
	n.net.lk.Lock()
	defer n.net.lk.Unlock()
	return n.net.closeFee, nil
}

func (n *Node) SendCoins(ctx context.Context, address string, amount int64, label string) (string, error) {
	if amount <= 0 {
		return "", xerrors.Errorf("send amount must be positive, got %d", amount)
	}

	n.net.lk.Lock()
	defer n.net.lk.Unlock()

	if _, fail := n.failSendTo[address]; fail {
		return "", xerrors.Errorf("broadcasting transaction to %s failed", address)
	}
	if n.confirmed < amount+n.net.txFee {
		return "", paynode.ErrNotEnoughFunds
	}
	n.confirmed -= amount + n.net.txFee
	if dest, ok := n.net.addresses[address]; ok {
		dest.confirmed += amount
	}

	txid := randomTxid()
	if label != "" {
		n.txs[label] = txid
	}
	return txid, nil
}

func (n *Node) FindTransaction(ctx context.Context, label string) (string, error) {
	n.net.lk.Lock()
	defer n.net.lk.Unlock()
	return n.txs[label], nil
}

func (n *Node) ListPeers(ctx context.Context) ([]paynode.Peer, error) {
	n.net.lk.Lock()
	defer n.net.lk.Unlock()

	out := make([]paynode.Peer, 0, len(n.peers))
	for pk, addr := range n.peers {
		out = append(out, paynode.Peer{PubKey: pk, Address: addr})
	}
	return out, nil
}

func (n *Node) Connect(ctx context.Context, address string) error {
	pk, _, _ := strings.Cut(address, "@")

	n.net.lk.Lock()
	defer n.net.lk.Unlock()

	if _, ok := n.net.nodes[pk]; !ok {
		return xerrors.Errorf("node %s is unreachable", pk)
	}
	n.peers[pk] = address
	return nil
}

func (n *Node) ListChannels(ctx context.Context, activeOnly bool) ([]paynode.Channel, error) {
	n.net.lk.Lock()
	defer n.net.lk.Unlock()

	out := make([]paynode.Channel, 0, len(n.channels))
	for _, c := range n.channels {
		if activeOnly && !c.Active {
			continue
		}
		out = append(out, *c)
	}
	return out, nil
}

func (n *Node) OpenChannel(ctx context.Context, nodePubKey string, amount int64) (<-chan paynode.OpenStatusUpdate, error) {
	n.net.lk.Lock()
	defer n.net.lk.Unlock()

	if _, ok := n.peers[nodePubKey]; !ok {
		return nil, xerrors.Errorf("not connected to %s", nodePubKey)
	}
	if n.confirmed < amount {
		return nil, paynode.ErrNotEnoughFunds
	}

	txid := randomTxid()
	point := txid + ":0"
	n.confirmed -= amount
	n.offchain += amount
	n.channels[point] = &paynode.Channel{
		ChannelPoint: point,
		RemotePubKey: nodePubKey,
		Capacity:     amount,
		LocalBalance: amount,
		Active:       true,
	}

	out := make(chan paynode.OpenStatusUpdate, 2)
	out <- paynode.OpenStatusUpdate{Kind: paynode.ChanPending, PendingChanId: txid}
	out <- paynode.OpenStatusUpdate{Kind: paynode.ChanOpen, PendingChanId: txid, ChannelPoint: point}
	close(out)
	return out, nil
}

func (n *Node) CloseChannel(ctx context.Context, channelPoint string, maxFeePerVByte int64) (<-chan paynode.CloseStatusUpdate, error) {
	n.net.lk.Lock()
	defer n.net.lk.Unlock()

	c, ok := n.channels[channelPoint]
	if !ok {
		return nil, xerrors.Errorf("unknown channel %s", channelPoint)
	}
	delete(n.channels, channelPoint)

	freed := c.LocalBalance - n.net.closeFee
	if freed > 0 {
		n.confirmed += freed
	}
	n.offchain -= c.LocalBalance
	if n.offchain < 0 {
		n.offchain = 0
	}

	txid := randomTxid()
	out := make(chan paynode.CloseStatusUpdate, 2)
	out <- paynode.CloseStatusUpdate{Kind: paynode.ChanPending, ClosingTxid: txid}
	out <- paynode.CloseStatusUpdate{Kind: paynode.ChanClose, ClosingTxid: txid}
	close(out)
	return out, nil
}

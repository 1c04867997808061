// Package paynode describes the payment-channel node every participant runs
// next to its gossip node or settler: hodl invoices, payments, the on-chain
// wallet and channel management.
package paynode

import (
	"context"
	"fmt"
)

type InvoiceState int

const (
	InvoiceOpen InvoiceState = iota
	InvoiceAccepted
	InvoiceSettled
	InvoiceCancelled
)

var invoiceStateNames = map[InvoiceState]string{
	InvoiceOpen:      "Open",
	InvoiceAccepted:  "Accepted",
	InvoiceSettled:   "Settled",
	InvoiceCancelled: "Cancelled",
}

func (s InvoiceState) String() string {
	if n, ok := invoiceStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("InvoiceState(%d)", int(s))
}

type PaymentStatus int

const (
	PaymentInFlight PaymentStatus = iota
	PaymentSucceeded
	PaymentFailed
)

func (s PaymentStatus) String() string {
	switch s {
	case PaymentInFlight:
		return "InFlight"
	case PaymentSucceeded:
		return "Succeeded"
	case PaymentFailed:
		return "Failed"
	default:
		return fmt.Sprintf("PaymentStatus(%d)", int(s))
	}
}

// Invoice is a hash-locked payment ticket. PaymentHash is hex encoded.
type Invoice struct {
	PaymentRequest string
	PaymentHash    string
	Amount         int64
	Memo           string
	ExpiresAt      int64
	State          InvoiceState
}

type DecodedInvoice struct {
	PaymentHash string
	NumSatoshis int64
	Memo        string
	ExpiresAt   int64
	Destination string
}

type InvoiceStateChange struct {
	PaymentHash string
	State       InvoiceState
}

// PaymentStatusChange is emitted to the payer. Preimage is hex and only set
// once the payment succeeded.
type PaymentStatusChange struct {
	PaymentHash string
	Status      PaymentStatus
	Preimage    string
}

type WalletBalance struct {
	ConfirmedBalance   int64
	UnconfirmedBalance int64
}

type Peer struct {
	PubKey  string
	Address string
}

type Channel struct {
	ChannelPoint  string
	RemotePubKey  string
	Capacity      int64
	LocalBalance  int64
	RemoteBalance int64
	Active        bool
}

type ChannelUpdateKind int

const (
	ChanPending ChannelUpdateKind = iota
	ChanOpen
	ChanClose
)

type OpenStatusUpdate struct {
	Kind          ChannelUpdateKind
	PendingChanId string
	ChannelPoint  string
}

type CloseStatusUpdate struct {
	Kind        ChannelUpdateKind
	ClosingTxid string
}

type FeeEstimate struct {
	FeeSat      int64
	SatPerVByte int64
}

// API is the payment node surface used by the gossip node, the settler and
// the liquidity manager.
type API interface {
	// Invoices
	AddHodlInvoice(ctx context.Context, amount int64, paymentHash string, memo string, expirySeconds int64) (*Invoice, error)
	DecodeInvoice(ctx context.Context, paymentRequest string) (*DecodedInvoice, error)
	InvoiceState(ctx context.Context, paymentHash string) (InvoiceState, error)
	SettleInvoice(ctx context.Context, preimage string) error
	CancelInvoice(ctx context.Context, paymentHash string) error
	CancelExpiredInvoices(ctx context.Context) (int, error)
	SendPayment(ctx context.Context, paymentRequest string, feeLimit int64) error
	PaymentStatus(ctx context.Context, paymentHash string) (PaymentStatus, error)

	// Monitor adds paymentHash to the set of invoices whose state changes
	// are delivered on InvoiceStateUpdates.
	Monitor(ctx context.Context, paymentHash string) error
	StopMonitoring(ctx context.Context, paymentHash string) error
	InvoiceStateUpdates(ctx context.Context) (<-chan InvoiceStateChange, error)
	PaymentStatusUpdates(ctx context.Context) (<-chan PaymentStatusChange, error)

	// Wallet
	WalletBalance(ctx context.Context) (WalletBalance, error)
	NewAddress(ctx context.Context) (string, error)
	EstimateFee(ctx context.Context, address string, amount int64) (FeeEstimate, error)
	EstimateChannelClosingFee(ctx context.Context) (int64, error)
	SendCoins(ctx context.Context, address string, amount int64, label string) (string, error)
	// FindTransaction returns the txid of the wallet transaction carrying
	// label, or "" when there is none.
	FindTransaction(ctx context.Context, label string) (string, error)

	// Channels
	ListPeers(ctx context.Context) ([]Peer, error)
	Connect(ctx context.Context, address string) error
	ListChannels(ctx context.Context, activeOnly bool) ([]Channel, error)
	OpenChannel(ctx context.Context, nodePubKey string, amount int64) (<-chan OpenStatusUpdate, error)
	CloseChannel(ctx context.Context, channelPoint string, maxFeePerVByte int64) (<-chan CloseStatusUpdate, error)
}

package paynode

import (
	"context"
	"net/http"

	"github.com/filecoin-project/go-jsonrpc"
)

const RPCNamespace = "PayNode"

// APIStruct implements API by calling user-provided function values. It is
// the client side of the payment node RPC.
type APIStruct struct {
	Internal struct {
		AddHodlInvoice        func(ctx context.Context, amount int64, paymentHash string, memo string, expirySeconds int64) (*Invoice, error)
		DecodeInvoice         func(ctx context.Context, paymentRequest string) (*DecodedInvoice, error)
		InvoiceState          func(ctx context.Context, paymentHash string) (InvoiceState, error)
		SettleInvoice         func(ctx context.Context, preimage string) error
		CancelInvoice         func(ctx context.Context, paymentHash string) error
		CancelExpiredInvoices func(ctx context.Context) (int, error)
		SendPayment           func(ctx context.Context, paymentRequest string, feeLimit int64) error
		PaymentStatus         func(ctx context.Context, paymentHash string) (PaymentStatus, error)

		Monitor              func(ctx context.Context, paymentHash string) error
		StopMonitoring       func(ctx context.Context, paymentHash string) error
		InvoiceStateUpdates  func(ctx context.Context) (<-chan InvoiceStateChange, error)
		PaymentStatusUpdates func(ctx context.Context) (<-chan PaymentStatusChange, error)

		WalletBalance             func(ctx context.Context) (WalletBalance, error)
		NewAddress                func(ctx context.Context) (string, error)
		EstimateFee               func(ctx context.Context, address string, amount int64) (FeeEstimate, error)
		EstimateChannelClosingFee func(ctx context.Context) (int64, error)
		SendCoins                 func(ctx context.Context, address string, amount int64, label string) (string, error)
		FindTransaction           func(ctx context.Context, label string) (string, error)

		ListPeers    func(ctx context.Context) ([]Peer, error)
		Connect      func(ctx context.Context, address string) error
		ListChannels func(ctx context.Context, activeOnly bool) ([]Channel, error)
		OpenChannel  func(ctx context.Context, nodePubKey string, amount int64) (<-chan OpenStatusUpdate, error)
		CloseChannel func(ctx context.Context, channelPoint string, maxFeePerVByte int64) (<-chan CloseStatusUpdate, error)
	}
}

func (c *APIStruct) AddHodlInvoice(ctx context.Context, amount int64, paymentHash string, memo string, expirySeconds int64) (*Invoice, error) {
	return c.Internal.AddHodlInvoice(ctx, amount, paymentHash, memo, expirySeconds)
}

func (c *APIStruct) DecodeInvoice(ctx context.Context, paymentRequest string) (*DecodedInvoice, error) {
	return c.Internal.DecodeInvoice(ctx, paymentRequest)
}

func (c *APIStruct) InvoiceState(ctx context.Context, paymentHash string) (InvoiceState, error) {
	return c.Internal.InvoiceState(ctx, paymentHash)
}

func (c *APIStruct) SettleInvoice(ctx context.Context, preimage string) error {
	return c.Internal.SettleInvoice(ctx, preimage)
}

func (c *APIStruct) CancelInvoice(ctx context.Context, paymentHash string) error {
	return c.Internal.CancelInvoice(ctx, paymentHash)
}

func (c *APIStruct) CancelExpiredInvoices(ctx context.Context) (int, error) {
	return c.Internal.CancelExpiredInvoices(ctx)
}

func (c *APIStruct) SendPayment(ctx context.Context, paymentRequest string, feeLimit int64) error {
	return c.Internal.SendPayment(ctx, paymentRequest, feeLimit)
}

func (c *APIStruct) PaymentStatus(ctx context.Context, paymentHash string) (PaymentStatus, error) {
	return c.Internal.PaymentStatus(ctx, paymentHash)
}

func (c *APIStruct) Monitor(ctx context.Context, paymentHash string) error {
	return c.Internal.Monitor(ctx, paymentHash)
}

func (c *APIStruct) StopMonitoring(ctx context.Context, paymentHash string) error {
	return c.Internal.StopMonitoring(ctx, paymentHash)
}

func (c *APIStruct) InvoiceStateUpdates(ctx context.Context) (<-chan InvoiceStateChange, error) {
	return c.Internal.InvoiceStateUpdates(ctx)
}

func (c *APIStruct) PaymentStatusUpdates(ctx context.Context) (<-chan PaymentStatusChange, error) {
	return c.Internal.PaymentStatusUpdates(ctx)
}

func (c *APIStruct) WalletBalance(ctx context.Context) (WalletBalance, error) {
	return c.Internal.WalletBalance(ctx)
}

func (c *APIStruct) NewAddress(ctx context.Context) (string, error) {
	return c.Internal.NewAddress(ctx)
}

func (c *APIStruct) EstimateFee(ctx context.Context, address string, amount int64) (FeeEstimate, error) {
	return c.Internal.EstimateFee(ctx, address, amount)
}

func (c *APIStruct) EstimateChannelClosingFee(ctx context.Context) (int64, error) {
	return c.Internal.EstimateChannelClosingFee(ctx)
}

func (c *APIStruct) SendCoins(ctx context.Context, address string, amount int64, label string) (string, error) {
	return c.Internal.SendCoins(ctx, address, amount, label)
}

func (c *APIStruct) FindTransaction(ctx context.Context, label string) (string, error) {
	return c.Internal.FindTransaction(ctx, label)
}

func (c *APIStruct) ListPeers(ctx context.Context) ([]Peer, error) {
	return c.Internal.ListPeers(ctx)
}

func (c *APIStruct) Connect(ctx context.Context, address string) error {
	return c.Internal.Connect(ctx, address)
}

func (c *APIStruct) ListChannels(ctx context.Context, activeOnly bool) ([]Channel, error) {
	return c.Internal.ListChannels(ctx, activeOnly)
}

func (c *APIStruct) OpenChannel(ctx context.Context, nodePubKey string, amount int64) (<-chan OpenStatusUpdate, error) {
	return c.Internal.OpenChannel(ctx, nodePubKey, amount)
}

func (c *APIStruct) CloseChannel(ctx context.Context, channelPoint string, maxFeePerVByte int64) (<-chan CloseStatusUpdate, error) {
	return c.Internal.CloseChannel(ctx, channelPoint, maxFeePerVByte)
}

var _ API = &APIStruct{}

// NewClient dials a payment node RPC endpoint. Streams require a websocket
// address (ws:// or wss://).
func NewClient(ctx context.Context, addr string, requestHeader http.Header) (API, jsonrpc.ClientCloser, error) {
	var res APIStruct
	closer, err := jsonrpc.NewMergeClient(ctx, addr, RPCNamespace,
		[]interface{}{
			&res.Internal,
		},
		requestHeader,
		jsonrpc.WithErrors(RPCErrors),
	)
	return &res, closer, err
}

// NewServer exposes an API implementation over JSON-RPC.
func NewServer(impl API) *jsonrpc.RPCServer {
	srv := jsonrpc.NewServer(jsonrpc.WithServerErrors(RPCErrors))
	srv.Register(RPCNamespace, impl)
	return srv
}

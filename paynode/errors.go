package paynode

import (
	"github.com/filecoin-project/go-jsonrpc"
)

const (
	ENotEnoughFunds = iota + jsonrpc.FirstUserCode + 100
	EUnknownPayment
	EUnknownInvoice
)

var (
	RPCErrors = jsonrpc.NewErrors()

	// ErrNotEnoughFunds signals the wallet or channel balance cannot cover a payment.
	ErrNotEnoughFunds error = &errNotEnoughFunds{}
	// ErrUnknownPayment signals a payment the node has no record of.
	ErrUnknownPayment error = &errUnknownPayment{}
	// ErrUnknownInvoice signals an invoice the node has no record of.
	ErrUnknownInvoice error = &errUnknownInvoice{}
)

func init() {
	RPCErrors.Register(ENotEnoughFunds, new(*errNotEnoughFunds))
	RPCErrors.Register(EUnknownPayment, new(*errUnknownPayment))
	RPCErrors.Register(EUnknownInvoice, new(*errUnknownInvoice))
}

type errNotEnoughFunds struct{}

func (*errNotEnoughFunds) Error() string { return "not enough funds" }

func (*errNotEnoughFunds) Is(target error) bool {
	_, ok := target.(*errNotEnoughFunds)
	return ok
}

type errUnknownPayment struct{}

func (*errUnknownPayment) Error() string { return "unknown payment" }

func (*errUnknownPayment) Is(target error) bool {
	_, ok := target.(*errUnknownPayment)
	return ok
}

type errUnknownInvoice struct{}

func (*errUnknownInvoice) Error() string { return "unknown invoice" }

func (*errUnknownInvoice) Is(target error) bool {
	_, ok := target.(*errUnknownInvoice)
	return ok
}

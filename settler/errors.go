package settler

import (
	"github.com/filecoin-project/go-jsonrpc"
)

const (
	EInvalidToken = iota + jsonrpc.FirstUserCode
	EUnknownPreimage
	EUnknownCertificate
	EPropertyNotGranted
)

var (
	RPCErrors = jsonrpc.NewErrors()

	// ErrInvalidToken signals a malformed, expired, badly signed or unknown
	// auth token, or a caller not allowed to perform the operation.
	ErrInvalidToken error = &errInvalidToken{}
	// ErrUnknownPreimage signals a payment hash the authority never minted.
	ErrUnknownPreimage error = &errUnknownPreimage{}
	// ErrUnknownCertificate signals a certificate that does not exist for the caller.
	ErrUnknownCertificate error = &errUnknownCertificate{}
	// ErrPropertyNotGranted signals a requested property the subject does not hold.
	ErrPropertyNotGranted error = &errPropertyNotGranted{}
)

func init() {
	RPCErrors.Register(EInvalidToken, new(*errInvalidToken))
	RPCErrors.Register(EUnknownPreimage, new(*errUnknownPreimage))
	RPCErrors.Register(EUnknownCertificate, new(*errUnknownCertificate))
	RPCErrors.Register(EPropertyNotGranted, new(*errPropertyNotGranted))
}

type errInvalidToken struct{}

func (*errInvalidToken) Error() string { return "invalid auth token" }

func (*errInvalidToken) Is(target error) bool {
	_, ok := target.(*errInvalidToken)
	return ok
}

type errUnknownPreimage struct{}

func (*errUnknownPreimage) Error() string { return "unknown preimage" }

func (*errUnknownPreimage) Is(target error) bool {
	_, ok := target.(*errUnknownPreimage)
	return ok
}

type errUnknownCertificate struct{}

func (*errUnknownCertificate) Error() string { return "unknown certificate" }

func (*errUnknownCertificate) Is(target error) bool {
	_, ok := target.(*errUnknownCertificate)
	return ok
}

type errPropertyNotGranted struct{}

func (*errPropertyNotGranted) Error() string { return "property not granted" }

func (*errPropertyNotGranted) Is(target error) bool {
	_, ok := target.(*errPropertyNotGranted)
	return ok
}

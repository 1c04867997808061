package liquidity

import (
	"errors"

	"github.com/filecoin-project/go-jsonrpc"
)

const (
	EPayoutAlreadyCompleted = iota + jsonrpc.FirstUserCode + 200
)

var (
	RPCErrors = jsonrpc.NewErrors()

	// ErrPayoutAlreadyCompleted signals a payout that was already sent and
	// can no longer change state.
	ErrPayoutAlreadyCompleted error = &errPayoutAlreadyCompleted{}

	ErrPayoutNotFound  = errors.New("payout not found")
	ErrReserveNotFound = errors.New("reserve not found")
)

func init() {
	RPCErrors.Register(EPayoutAlreadyCompleted, new(*errPayoutAlreadyCompleted))
}

type errPayoutAlreadyCompleted struct{}

func (*errPayoutAlreadyCompleted) Error() string { return "payout is already completed" }

func (*errPayoutAlreadyCompleted) Is(target error) bool {
	_, ok := target.(*errPayoutAlreadyCompleted)
	return ok
}

package retry

import (
	"context"
	"errors"
	"reflect"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/jpillora/backoff"
)

var log = logging.Logger("retry")

// errorIsIn reports whether err matches one of errorTypes. Each entry is a
// pointer to a zero value of an error type, e.g. &jsonrpc.RPCConnectionError{}.
func errorIsIn(err error, errorTypes []error) bool {
	for _, etype := range errorTypes {
		tmp := reflect.New(reflect.PointerTo(reflect.ValueOf(etype).Elem().Type())).Interface()
		if errors.As(err, tmp) {
			return true
		}
	}
	return false
}

// Retry calls f up to attempts times, backing off exponentially from
// initial, for as long as it fails with one of errorTypes. Any other error is
// returned immediately.
func Retry[T any](ctx context.Context, attempts int, initial time.Duration, errorTypes []error, f func() (T, error)) (result T, err error) {
	b := &backoff.Backoff{Min: initial, Max: 30 * initial, Factor: 2}
	for i := 0; i < attempts; i++ {
		if i > 0 {
			log.Infow("retrying after error", "attempt", i, "err", err)
			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				return result, ctx.Err()
			}
		}
		result, err = f()
		if err == nil || !errorIsIn(err, errorTypes) {
			return result, err
		}
	}
	log.Errorw("failed after retries", "attempts", attempts, "err", err)
	return result, err
}

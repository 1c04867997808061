package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

type transientErr struct{}

func (transientErr) Error() string { return "transient" }

func TestRetryTransient(t *testing.T) {
	calls := 0
	out, err := Retry(context.Background(), 5, time.Millisecond, []error{&transientErr{}}, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, xerrors.Errorf("call: %w", &transientErr{})
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, out)
	require.Equal(t, 3, calls)
}

func TestRetryStopsOnOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	_, err := Retry(context.Background(), 5, time.Millisecond, []error{&transientErr{}}, func() (int, error) {
		calls++
		return 0, boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestRetryGivesUp(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), 3, time.Millisecond, []error{&transientErr{}}, func() (struct{}, error) {
		calls++
		return struct{}{}, &transientErr{}
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
}

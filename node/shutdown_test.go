package node

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMonitorShutdownRunsHandlersInOrder(t *testing.T) {
	trigger := make(chan struct{})

	var lk sync.Mutex
	var order []string
	handler := func(name string, err error) ShutdownHandler {
		return ShutdownHandler{
			Component: name,
			StopFunc: func(context.Context) error {
				lk.Lock()
				defer lk.Unlock()
				order = append(order, name)
				return err
			},
		}
	}

	done := MonitorShutdown(trigger,
		handler("rpc", nil),
		handler("node", errors.New("stuck")),
		handler("repo", nil),
	)

	select {
	case <-done:
		t.Fatal("shut down before trigger")
	case <-time.After(10 * time.Millisecond):
	}

	close(trigger)
	<-done

	// a failing handler does not stop the ones after it
	require.Equal(t, []string{"rpc", "node", "repo"}, order)
}

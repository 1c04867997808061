package settler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"
)

func TestCompletionScheduler(t *testing.T) {
	clk := clock.NewMock()
	cs := newCompletionScheduler(clk)
	defer cs.Stop()

	var a, b int32
	cs.Schedule("a", clk.Now().Add(time.Second), func() { atomic.AddInt32(&a, 1) })
	cs.Schedule("b", clk.Now().Add(2*time.Second), func() { atomic.AddInt32(&b, 1) })

	at, ok := cs.Deadline("a")
	require.True(t, ok)
	require.True(t, at.Equal(clk.Now().Add(time.Second)))

	require.True(t, cs.Cancel("b"))
	require.False(t, cs.Cancel("b"))

	clk.Add(3 * time.Second)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&a) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&b))

	_, ok = cs.Deadline("a")
	require.False(t, ok)
}

func TestCompletionSchedulerReplace(t *testing.T) {
	clk := clock.NewMock()
	cs := newCompletionScheduler(clk)
	defer cs.Stop()

	var first, second int32
	cs.Schedule("k", clk.Now().Add(time.Second), func() { atomic.AddInt32(&first, 1) })
	cs.Schedule("k", clk.Now().Add(5*time.Second), func() { atomic.AddInt32(&second, 1) })

	clk.Add(2 * time.Second)
	at, ok := cs.Deadline("k")
	require.True(t, ok)
	require.True(t, at.Equal(clk.Now().Add(3*time.Second)))

	clk.Add(3 * time.Second)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&second) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&first))
}

package gossip

import (
	"github.com/puzpuzpuz/xsync/v2"
)

// relayCounter counts how often this node relayed each PayloadId.
type relayCounter struct {
	bound  int64
	counts *xsync.MapOf[string, int64]
}

func newRelayCounter(bound int64) *relayCounter {
	return &relayCounter{bound: bound, counts: xsync.NewMapOf[int64]()}
}

// Increment bumps the counter for id and reports whether the bound still
// holds afterwards.
func (rc *relayCounter) Increment(id string) bool {
	n, _ := rc.counts.Compute(id, func(old int64, _ bool) (int64, bool) {
		return old + 1, false
	})
	return n <= rc.bound
}

func (rc *relayCounter) Exceeded(id string) bool {
	n, _ := rc.counts.Load(id)
	return n > rc.bound
}

package build

import (
	"time"

	"github.com/raulk/clock"
)

// Clock is the global clock for the system. In standard builds,
// we use a real-time clock, which maps to the `time` package.
//
// Tests that need control of time can replace this variable with
// clock.NewMock(). Components that run timers take their own clock.Clock
// so tests do not need to mutate this.
var Clock = clock.New()

// RelayBound is how many times a single node relays a given PayloadId.
const RelayBound = 2

// DisputeGracePeriod is the window between both tickets being accepted and
// automatic completion of a gig.
const DisputeGracePeriod = 10 * time.Second

// AuthTokenTolerance is the maximum age of a signed timed token accepted by
// the settlement authority.
const AuthTokenTolerance = 120 * time.Second

// LiquidityLoopInterval is the default pause between liquidity manager passes.
const LiquidityLoopInterval = 10 * time.Second

// PowSchemeSha256 is the only supported proof-of-work scheme.
const PowSchemeSha256 = "sha256"

// Transport
const (
	// MaxChunkSize is the largest envelope fragment published to the relay network.
	MaxChunkSize = 32 << 10

	// TopicPrefix prefixes per-recipient pubsub topics.
	TopicPrefix = "/giggossip/0.4/"
)

// Package transport moves gossip frames between nodes addressed by public
// key. Frames are signed, sealed to the recipient and chunked; the package
// provides an in-memory hub for tests and a libp2p pubsub transport.
package transport

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("transport")

// Handler receives decoded frames. from is the verified sender key.
type Handler func(ctx context.Context, from string, frame interface{})

type Transport interface {
	// Identity is the public key other nodes address this transport by.
	Identity() string
	Send(ctx context.Context, to string, frame interface{}) error
	// Start begins delivering inbound frames to h until ctx is done or the
	// transport is closed.
	Start(ctx context.Context, h Handler) error
	Close() error
}

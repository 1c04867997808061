package gossip

import (
	"context"

	"github.com/giggossip/giggossip/types"
)

// Policy decides what a node relays and what it answers.
type Policy interface {
	// AcceptTopic filters the requests this node broadcasts or relays.
	AcceptTopic(topic []byte) bool
	// AcceptBroadcast returns a reply message and the fee asked for it, or a
	// nil message to decline and relay the request further.
	AcceptBroadcast(ctx context.Context, req *types.RequestPayload) (message []byte, fee int64)
}

// RelayPolicy relays every topic and never answers.
type RelayPolicy struct{}

func (RelayPolicy) AcceptTopic([]byte) bool { return true }

func (RelayPolicy) AcceptBroadcast(context.Context, *types.RequestPayload) ([]byte, int64) {
	return nil, 0
}

// FuncPolicy adapts plain functions. A nil TopicFn accepts every topic, a
// nil ReplyFn declines every request.
type FuncPolicy struct {
	TopicFn func(topic []byte) bool
	ReplyFn func(ctx context.Context, req *types.RequestPayload) ([]byte, int64)
}

func (p FuncPolicy) AcceptTopic(topic []byte) bool {
	if p.TopicFn == nil {
		return true
	}
	return p.TopicFn(topic)
}

func (p FuncPolicy) AcceptBroadcast(ctx context.Context, req *types.RequestPayload) ([]byte, int64) {
	if p.ReplyFn == nil {
		return nil, 0
	}
	return p.ReplyFn(ctx, req)
}

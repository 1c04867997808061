package gossip

import (
	"github.com/giggossip/giggossip/transport"
	"github.com/giggossip/giggossip/types"
)

// Envelope tags of the gossip frames.
const (
	FrameAskForBroadcast        = "AskForBroadcastFrame"
	FramePOWBroadcastConditions = "POWBroadcastConditionsFrame"
	FramePOWBroadcast           = "POWBroadcastFrame"
	FrameReply                  = "ReplyFrame"

	// frameBroadcast tags drops of locally initiated broadcasts in metrics.
	frameBroadcast = "Broadcast"
)

// NewRegistry returns a frame registry knowing every gossip frame.
func NewRegistry() *transport.Registry {
	r := transport.NewRegistry()
	r.Register(FrameAskForBroadcast, types.AskForBroadcastFrame{})
	r.Register(FramePOWBroadcastConditions, types.POWBroadcastConditionsFrame{})
	r.Register(FramePOWBroadcast, types.POWBroadcastFrame{})
	r.Register(FrameReply, types.ReplyFrame{})
	return r
}

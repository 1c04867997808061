package metrics

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"

	"github.com/giggossip/giggossip/build"
)

// Distributions
var defaultMillisecondsDistribution = view.Distribution(
	0.01, 0.05, 0.1, 0.3, 0.6, 0.8, 1, 2, 3, 4, 5, 6, 8,
	10, 20, 30, 40, 50, 60, 70, 80, 90, 100,
	150, 200, 250, 300, 350, 400, 450, 500,
	600, 700, 800, 900, 1000,
	2000, 3000, 4000, 5000, 8000, 10000, 20000, 30000, 60000,
)

var satoshiDistribution = view.Distribution(
	100, 1_000, 10_000, 50_000, 100_000, 500_000, 1_000_000, 5_000_000, 10_000_000, 100_000_000,
)

// Tags
var (
	Version, _  = tag.NewKey("version")
	Commit, _   = tag.NewKey("commit")
	NodeType, _ = tag.NewKey("node_type")

	// gossip
	FrameType, _  = tag.NewKey("frame_type")
	DropReason, _ = tag.NewKey("drop_reason")

	// settler
	GigStatus, _ = tag.NewKey("gig_status")
	Source, _    = tag.NewKey("source")

	// liquidity
	FailureType, _ = tag.NewKey("failure_type")
)

// Measures
var (
	Info = stats.Int64("info", "Arbitrary counter to tag node info to", stats.UnitDimensionless)

	// gossip
	FrameReceived     = stats.Int64("gossip/frame_received", "Counter for frames received from peers", stats.UnitDimensionless)
	FrameDropped      = stats.Int64("gossip/frame_dropped", "Counter for frames dropped by the relay protocol", stats.UnitDimensionless)
	BroadcastSent     = stats.Int64("gossip/broadcast_sent", "Counter for AskForBroadcast frames sent", stats.UnitDimensionless)
	PowComputeMs      = stats.Float64("gossip/pow_compute_ms", "Time spent computing proofs of work", stats.UnitMilliseconds)
	ReplyRelayed      = stats.Int64("gossip/reply_relayed", "Counter for reply frames forwarded", stats.UnitDimensionless)
	ReplyReceived     = stats.Int64("gossip/reply_received", "Counter for replies surfaced to the requester", stats.UnitDimensionless)
	RoutingFeeEarned  = stats.Int64("gossip/routing_fee", "Routing fees charged by relayed replies", stats.UnitDimensionless)
	TransportChunkOut = stats.Int64("transport/chunk_sent", "Counter for transport chunks published", stats.UnitDimensionless)
	TransportChunkIn  = stats.Int64("transport/chunk_received", "Counter for transport chunks received", stats.UnitDimensionless)

	// settler
	GigTransition      = stats.Int64("settler/gig_transition", "Counter for gig status transitions", stats.UnitDimensionless)
	SettlementIssued   = stats.Int64("settler/settlement_issued", "Counter for settlement trusts generated", stats.UnitDimensionless)
	ReconcileSweepMs   = stats.Float64("settler/reconcile_sweep_ms", "Duration of a reconciliation sweep", stats.UnitMilliseconds)
	RPCAuthFailure     = stats.Int64("settler/auth_failure", "Counter for rejected auth tokens", stats.UnitDimensionless)
	CertificatesIssued = stats.Int64("settler/certificate_issued", "Counter for certificates issued", stats.UnitDimensionless)

	// liquidity
	LiquidityLoopMs = stats.Float64("liquidity/loop_ms", "Duration of a liquidity manager pass", stats.UnitMilliseconds)
	ChannelOpened   = stats.Int64("liquidity/channel_opened", "Counter for channels opened", stats.UnitDimensionless)
	ChannelClosed   = stats.Int64("liquidity/channel_closed", "Counter for channels closed to free liquidity", stats.UnitDimensionless)
	PayoutSent      = stats.Int64("liquidity/payout_sent", "Satoshis sent per payout", stats.UnitDimensionless)
	PayoutFailed    = stats.Int64("liquidity/payout_failed", "Counter for failed payouts", stats.UnitDimensionless)
)

var (
	InfoView = &view.View{
		Name:        "info",
		Description: "giggossip node information",
		Measure:     Info,
		Aggregation: view.LastValue(),
		TagKeys:     []tag.Key{Version, Commit, NodeType},
	}
	FrameReceivedView = &view.View{
		Measure:     FrameReceived,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{FrameType},
	}
	FrameDroppedView = &view.View{
		Measure:     FrameDropped,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{FrameType, DropReason},
	}
	BroadcastSentView = &view.View{
		Measure:     BroadcastSent,
		Aggregation: view.Count(),
	}
	PowComputeView = &view.View{
		Measure:     PowComputeMs,
		Aggregation: defaultMillisecondsDistribution,
	}
	ReplyRelayedView = &view.View{
		Measure:     ReplyRelayed,
		Aggregation: view.Count(),
	}
	ReplyReceivedView = &view.View{
		Measure:     ReplyReceived,
		Aggregation: view.Count(),
	}
	RoutingFeeView = &view.View{
		Measure:     RoutingFeeEarned,
		Aggregation: view.Sum(),
	}
	TransportChunkOutView = &view.View{
		Measure:     TransportChunkOut,
		Aggregation: view.Count(),
	}
	TransportChunkInView = &view.View{
		Measure:     TransportChunkIn,
		Aggregation: view.Count(),
	}
	GigTransitionView = &view.View{
		Measure:     GigTransition,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{GigStatus, Source},
	}
	SettlementIssuedView = &view.View{
		Measure:     SettlementIssued,
		Aggregation: view.Count(),
	}
	ReconcileSweepView = &view.View{
		Measure:     ReconcileSweepMs,
		Aggregation: defaultMillisecondsDistribution,
	}
	RPCAuthFailureView = &view.View{
		Measure:     RPCAuthFailure,
		Aggregation: view.Count(),
	}
	CertificatesIssuedView = &view.View{
		Measure:     CertificatesIssued,
		Aggregation: view.Count(),
	}
	LiquidityLoopView = &view.View{
		Measure:     LiquidityLoopMs,
		Aggregation: defaultMillisecondsDistribution,
	}
	ChannelOpenedView = &view.View{
		Measure:     ChannelOpened,
		Aggregation: view.Count(),
	}
	ChannelClosedView = &view.View{
		Measure:     ChannelClosed,
		Aggregation: view.Count(),
	}
	PayoutSentView = &view.View{
		Measure:     PayoutSent,
		Aggregation: satoshiDistribution,
	}
	PayoutFailedView = &view.View{
		Measure:     PayoutFailed,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{FailureType},
	}
)

var views = []*view.View{
	InfoView,
}

// DefaultViews is an array of OpenCensus views for metric gathering purposes
var DefaultViews = func() []*view.View {
	return views
}()

var GossipNodeViews = append([]*view.View{
	FrameReceivedView,
	FrameDroppedView,
	BroadcastSentView,
	PowComputeView,
	ReplyRelayedView,
	ReplyReceivedView,
	RoutingFeeView,
	TransportChunkOutView,
	TransportChunkInView,
}, DefaultViews...)

var SettlerViews = append([]*view.View{
	GigTransitionView,
	SettlementIssuedView,
	ReconcileSweepView,
	RPCAuthFailureView,
	CertificatesIssuedView,
	LiquidityLoopView,
	ChannelOpenedView,
	ChannelClosedView,
	PayoutSentView,
	PayoutFailedView,
}, DefaultViews...)

// SinceInMilliseconds returns the duration of time since the provide time as a float64.
func SinceInMilliseconds(startTime time.Time) float64 {
	return float64(time.Since(startTime).Milliseconds())
}

// Timer is a function stopwatch, calling it starts the timer,
// calling the returned function will record the duration.
func Timer(ctx context.Context, m *stats.Float64Measure) func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		stats.Record(ctx, m.M(SinceInMilliseconds(start)))
		return time.Since(start)
	}
}

// Count records a single occurrence of m under the given tag mutators.
func Count(ctx context.Context, m *stats.Int64Measure, mutators ...tag.Mutator) {
	if len(mutators) > 0 {
		ctx, _ = tag.New(ctx, mutators...)
	}
	stats.Record(ctx, m.M(1))
}

func RecordInfo(ctx context.Context, nodeType string) {
	ctx, _ = tag.New(ctx,
		tag.Insert(Version, build.BuildVersion),
		tag.Insert(Commit, build.CurrentCommit),
		tag.Insert(NodeType, nodeType),
	)
	stats.Record(ctx, Info.M(1))
}

package config

import (
	"encoding"
	"time"

	"github.com/giggossip/giggossip/build"
)

// Common is config shared by the settler daemon and the gossip node.
type Common struct {
	API     API
	Metrics Metrics
	Journal Journal
	Logging Logging
}

// Settler is the settlement authority daemon config.
type Settler struct {
	Common

	Settler     SettlerAuthority
	PaymentNode PaymentNode
	Liquidity   Liquidity
}

// GossipNode is the gossip node daemon config.
type GossipNode struct {
	Common

	Gossip      Gossip
	Transport   Transport
	Authority   Authority
	PaymentNode PaymentNode
	Liquidity   Liquidity
}

// API contains configs for API endpoints. Addresses are multiaddrs.
type API struct {
	ListenAddress string
	// AdminListenAddress serves operator endpoints with no auth. Keep it
	// on a loopback interface.
	AdminListenAddress string
	Timeout            Duration
}

type Metrics struct {
	// Enabled mounts a prometheus exporter at /debug/metrics on the API
	// listener.
	Enabled   bool
	Namespace string
}

type Journal struct {
	Disabled bool
	// DisabledEvents is a comma separated list of system:event pairs.
	DisabledEvents string
}

type Logging struct {
	// SubsystemLevels overrides log levels, e.g. gossip = "debug".
	SubsystemLevels map[string]string
}

// // Settler

type SettlerAuthority struct {
	// ServiceUri is how certificates and gossip nodes name this authority.
	ServiceUri string

	PriceAmountForSettlement int64
	InvoicePaymentTimeout    Duration
	DisputeGracePeriod       Duration
	SweepInterval            Duration

	AdminPublicKeys []string
}

type PaymentNode struct {
	// Address is the payment node JSON-RPC websocket endpoint. An empty
	// address runs an in-process simulated node.
	Address string
	Token   string
}

type Liquidity struct {
	Enabled bool

	// NearbyNodes are pubkey@host:port peers channels are opened to.
	NearbyNodes []string

	MinSatoshisPerChannel      int64
	MaxSatoshisPerChannel      int64
	MaxChannelCloseFeePerVByte int64
	ReservePerChannel          int64
	MaxRequiredReserve         int64
	Interval                   Duration
}

// // Gossip node

type Gossip struct {
	PriceAmountForRouting int64

	BroadcastConditionsTimeout Duration
	PowComplexity              int64
	TimestampTolerance         Duration
	InvoicePaymentTimeout      Duration
	PaymentFeeLimit            int64
	ClaimInterval              Duration

	RelayBound   int64
	AskCacheSize int

	// Topics limits which requests are relayed. Empty relays everything.
	Topics []string

	AutoReplies []AutoReply
}

// AutoReply answers every request on Topic with a fixed message.
type AutoReply struct {
	Topic   string
	Message string
	Fee     int64
}

type Transport struct {
	ListenAddresses []string
	BootstrapPeers  []string
	MaxChunkSize    int
}

// Authority is the settlement authority that certifies this node.
type Authority struct {
	ServiceUri string
	// Endpoint is the authority JSON-RPC address, e.g.
	// ws://127.0.0.1:9090/rpc/v0.
	Endpoint string
	// Properties requested in the node certificate.
	Properties []string
	// Trusted lists further authorities as ServiceUri=Endpoint pairs.
	Trusted []string
}

func defCommon() Common {
	return Common{
		API: API{
			ListenAddress:      "/ip4/127.0.0.1/tcp/9090/http",
			AdminListenAddress: "/ip4/127.0.0.1/tcp/9091/http",
			Timeout:            Duration(30 * time.Second),
		},
		Metrics: Metrics{
			Enabled:   true,
			Namespace: "giggossip",
		},
		Logging: Logging{
			SubsystemLevels: map[string]string{},
		},
	}
}

func defLiquidity() Liquidity {
	return Liquidity{
		MinSatoshisPerChannel:      20_000,
		MaxSatoshisPerChannel:      1_000_000,
		MaxChannelCloseFeePerVByte: 100,
		ReservePerChannel:          10_000,
		MaxRequiredReserve:         100_000,
		Interval:                   Duration(build.LiquidityLoopInterval),
	}
}

// DefaultSettler returns the default settler daemon config.
func DefaultSettler() *Settler {
	return &Settler{
		Common: defCommon(),

		Settler: SettlerAuthority{
			ServiceUri:               "http://127.0.0.1:9090",
			PriceAmountForSettlement: 1000,
			InvoicePaymentTimeout:    Duration(time.Hour),
			DisputeGracePeriod:       Duration(build.DisputeGracePeriod),
			SweepInterval:            Duration(30 * time.Second),
		},
		Liquidity: defLiquidity(),
	}
}

// DefaultGossipNode returns the default gossip node config.
func DefaultGossipNode() *GossipNode {
	cfg := &GossipNode{
		Common: defCommon(),

		Gossip: Gossip{
			PriceAmountForRouting:      1000,
			BroadcastConditionsTimeout: Duration(time.Minute),
			PowComplexity:              1000,
			TimestampTolerance:         Duration(30 * time.Second),
			InvoicePaymentTimeout:      Duration(time.Hour),
			PaymentFeeLimit:            10000,
			ClaimInterval:              Duration(5 * time.Second),
			RelayBound:                 build.RelayBound,
			AskCacheSize:               4096,
		},
		Transport: Transport{
			ListenAddresses: []string{
				"/ip4/0.0.0.0/tcp/0",
				"/ip6/::/tcp/0",
			},
			MaxChunkSize: build.MaxChunkSize,
		},
		Authority: Authority{
			ServiceUri: "http://127.0.0.1:9090",
			Endpoint:   "ws://127.0.0.1:9090/rpc/v0",
			Properties: []string{"drive"},
		},
		Liquidity: defLiquidity(),
	}
	cfg.Common.API.ListenAddress = "/ip4/127.0.0.1/tcp/9190/http"
	cfg.Common.API.AdminListenAddress = "/ip4/127.0.0.1/tcp/9191/http"
	return cfg
}

var _ encoding.TextMarshaler = (*Duration)(nil)
var _ encoding.TextUnmarshaler = (*Duration)(nil)

// Duration is a wrapper type for time.Duration
// for decoding and encoding from/to TOML
type Duration time.Duration

// UnmarshalText implements interface for TOML decoding
func (dur *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*dur = Duration(d)
	return err
}

func (dur Duration) MarshalText() ([]byte, error) {
	d := time.Duration(dur)
	return []byte(d.String()), nil
}

package node

import (
	"context"
	"errors"

	"github.com/ipfs/go-datastore"
	logging "github.com/ipfs/go-log/v2"
	"github.com/multiformats/go-multiaddr"
	"github.com/raulk/clock"
	"go.uber.org/fx"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/build"
	"github.com/giggossip/giggossip/gossip"
	"github.com/giggossip/giggossip/journal"
	"github.com/giggossip/giggossip/lib/sigs"
	"github.com/giggossip/giggossip/liquidity"
	"github.com/giggossip/giggossip/node/config"
	"github.com/giggossip/giggossip/node/modules"
	"github.com/giggossip/giggossip/node/modules/dtypes"
	"github.com/giggossip/giggossip/node/modules/helpers"
	"github.com/giggossip/giggossip/node/repo"
	"github.com/giggossip/giggossip/paynode"
	"github.com/giggossip/giggossip/settler"
	"github.com/giggossip/giggossip/transport"
	"github.com/giggossip/giggossip/types"
)

//nolint:deadcode,varcheck
var log = logging.Logger("builder")

type invoke int

// Invokes are called in the order they are defined.
//
//nolint:golint
const (
	// InitJournal at position 0 initializes the journal global var as soon as
	// the system starts, so that it's available for all other components.
	InitJournalKey = invoke(iota)

	RunSettlerKey
	RunLiquidityManagerKey
	RunGossipNodeKey

	// daemon
	ExtractApiKey
	SetApiEndpointKey

	_nInvokes // keep this last
)

type Settings struct {
	// modules is a map of constructors for DI
	//
	// In most cases the index will be a reflect.Type of element returned by
	// the constructor.
	modules map[interface{}]fx.Option

	// invokes are separate from modules as they can't be referenced by return
	// type, and must be applied in correct order
	invokes []fx.Option

	nodeType repo.RepoType

	Base   bool // Base option applied
	Config bool // Config option applied
}

// StopFunc stops a node built by New.
type StopFunc func(context.Context) error

func defaults() []Option {
	return []Option{
		// global system journal.
		Override(new(journal.DisabledEvents), journal.EnvDisabledEvents),
		Override(new(journal.Journal), modules.OpenFilesystemJournal),
		Override(InitJournalKey, func(j journal.Journal) {
			journal.J = j
		}),

		Override(new(helpers.MetricsCtx), context.Background),
		Override(new(dtypes.ShutdownChan), make(chan struct{})),
		Override(new(clock.Clock), build.Clock),
	}
}

func isType(t repo.RepoType) func(s *Settings) bool {
	return func(s *Settings) bool { return s.nodeType == t }
}

// Base wires the components a node type needs, with defaults for every
// config driven unit. It must precede Config.
func Base() Option {
	return Options(
		func(s *Settings) error { s.Base = true; return nil },
		ApplyIf(func(s *Settings) bool { return s.Config },
			Error(errors.New("the Base option must be set before Config option")),
		),

		Override(new(*sigs.PrivateKey), modules.Identity),
		Override(new(datastore.Batching), modules.Datastore),

		// payout ledger, both node types keep one
		Override(new(liquidity.Config), modules.LiquidityConfig(config.DefaultSettler().Liquidity)),
		Override(new(*liquidity.Store), modules.LiquidityStore),
		Override(new(liquidity.API), modules.LiquidityAPI),
		Override(new(*liquidity.Manager), modules.LiquidityManager),

		ApplyIf(isType(repo.Settler),
			Override(new(settler.Config), modules.SettlerConfig(config.DefaultSettler().Settler)),
			Override(new(*settler.Ledger), modules.SettlerLedger),
			Override(new(*settler.Settler), modules.Settler),
			Override(new(settler.API), modules.SettlerAPI),
			Override(RunSettlerKey, func(*settler.Settler) {}),
		),

		ApplyIf(isType(repo.GossipNode),
			Override(new(gossip.Config), modules.GossipConfig(config.DefaultGossipNode().Gossip)),
			Override(new(gossip.Policy), modules.GossipPolicy(config.DefaultGossipNode().Gossip)),
			Override(new(transport.Transport), modules.Transport(config.DefaultGossipNode().Transport)),
			Override(new(*settler.Directory), modules.SettlerDirectory(config.DefaultGossipNode().Authority)),
			Override(new(*types.Certificate), modules.Certificate(config.DefaultGossipNode().Authority)),
			Override(new(*gossip.Node), modules.GossipNode),
			Override(new(gossip.API), modules.GossipAPI),
			Override(RunGossipNodeKey, func(*gossip.Node) {}),
		),
	)
}

// SettlerNode collects what the settler daemon serves.
type SettlerNode struct {
	fx.In

	Settler   settler.API
	Liquidity liquidity.API
}

// GossipNodeAPI collects what the gossip node daemon serves.
type GossipNodeAPI struct {
	fx.In

	Gossip    gossip.API
	Liquidity liquidity.API
}

func Settler(out *SettlerNode) Option {
	return Options(
		ApplyIf(func(s *Settings) bool { return s.Config },
			Error(errors.New("the Settler option must be set before Config option")),
		),
		ApplyIf(func(s *Settings) bool { return s.Base },
			Error(errors.New("the Settler option must be set before Base option")),
		),

		func(s *Settings) error {
			s.nodeType = repo.Settler
			return nil
		},

		func(s *Settings) error {
			s.invokes[ExtractApiKey] = fx.Populate(out)
			return nil
		},
	)
}

func GossipNode(out *GossipNodeAPI) Option {
	return Options(
		ApplyIf(func(s *Settings) bool { return s.Config },
			Error(errors.New("the GossipNode option must be set before Config option")),
		),
		ApplyIf(func(s *Settings) bool { return s.Base },
			Error(errors.New("the GossipNode option must be set before Base option")),
		),

		func(s *Settings) error {
			s.nodeType = repo.GossipNode
			return nil
		},

		func(s *Settings) error {
			s.invokes[ExtractApiKey] = fx.Populate(out)
			return nil
		},
	)
}

// ConfigCommon sets up constructors based on the provided Config
func ConfigCommon(cfg *config.Common) Option {
	return Options(
		func(s *Settings) error { s.Config = true; return nil },
		Override(new(dtypes.APIEndpoint), func() (dtypes.APIEndpoint, error) {
			ma, err := multiaddr.NewMultiaddr(cfg.API.ListenAddress)
			return dtypes.APIEndpoint(ma), err
		}),
		Override(new(dtypes.AdminEndpoint), func() (dtypes.AdminEndpoint, error) {
			ma, err := multiaddr.NewMultiaddr(cfg.API.AdminListenAddress)
			return dtypes.AdminEndpoint(ma), err
		}),
		Override(SetApiEndpointKey, func(lr repo.LockedRepo, e dtypes.APIEndpoint) error {
			return lr.SetAPIEndpoint(multiaddr.Multiaddr(e))
		}),
		Override(new(journal.DisabledEvents), modules.JournalDisabledEvents(cfg.Journal)),
		If(cfg.Journal.Disabled,
			Override(new(journal.Journal), journal.NilJournal),
		),
	)
}

func liquidityOptions(cfg config.Liquidity) Option {
	return Options(
		Override(new(liquidity.Config), modules.LiquidityConfig(cfg)),
		If(cfg.Enabled,
			Override(RunLiquidityManagerKey, modules.RunLiquidityManager),
		),
	)
}

func ConfigSettler(c interface{}) Option {
	cfg, ok := c.(*config.Settler)
	if !ok {
		return Error(xerrors.Errorf("invalid config from repo, got: %T", c))
	}

	return Options(
		ConfigCommon(&cfg.Common),
		Override(new(settler.Config), modules.SettlerConfig(cfg.Settler)),
		Override(new(paynode.API), modules.PaymentNode(cfg.PaymentNode)),
		liquidityOptions(cfg.Liquidity),
	)
}

func ConfigGossipNode(c interface{}) Option {
	cfg, ok := c.(*config.GossipNode)
	if !ok {
		return Error(xerrors.Errorf("invalid config from repo, got: %T", c))
	}

	return Options(
		ConfigCommon(&cfg.Common),
		Override(new(gossip.Config), modules.GossipConfig(cfg.Gossip)),
		Override(new(gossip.Policy), modules.GossipPolicy(cfg.Gossip)),
		Override(new(transport.Transport), modules.Transport(cfg.Transport)),
		Override(new(*settler.Directory), modules.SettlerDirectory(cfg.Authority)),
		Override(new(*types.Certificate), modules.Certificate(cfg.Authority)),
		Override(new(paynode.API), modules.PaymentNode(cfg.PaymentNode)),
		liquidityOptions(cfg.Liquidity),
	)
}

// Repo loads the node config from r and wires it in.
func Repo(r repo.Repo) Option {
	return func(settings *Settings) error {
		lr, err := r.Lock(settings.nodeType)
		if err != nil {
			return err
		}
		c, err := lr.Config()
		if err != nil {
			return err
		}

		var cfg Option
		switch settings.nodeType {
		case repo.Settler:
			cfg = ConfigSettler(c)
		case repo.GossipNode:
			cfg = ConfigGossipNode(c)
		default:
			cfg = Error(xerrors.Errorf("unknown node type %s", settings.nodeType))
		}

		return Options(
			Override(new(repo.LockedRepo), modules.LockedRepo(lr)), // module handles closing

			cfg,
		)(settings)
	}
}

// New builds and starts new node.
func New(ctx context.Context, opts ...Option) (StopFunc, error) {
	settings := Settings{
		modules: map[interface{}]fx.Option{},
		invokes: make([]fx.Option, _nInvokes),
	}

	// apply module options in the right order
	if err := Options(Options(defaults()...), Options(opts...))(&settings); err != nil {
		return nil, xerrors.Errorf("applying node options failed: %w", err)
	}

	// gather constructors for fx.Options
	ctors := make([]fx.Option, 0, len(settings.modules))
	for _, opt := range settings.modules {
		ctors = append(ctors, opt)
	}

	// fill holes in invokes for use in fx.Options
	for i, opt := range settings.invokes {
		if opt == nil {
			settings.invokes[i] = fx.Options()
		}
	}

	app := fx.New(
		fx.Options(ctors...),
		fx.Options(settings.invokes...),

		fx.NopLogger,
	)

	if err := app.Start(ctx); err != nil {
		// comment fx.NopLogger few lines above for easier debugging
		return nil, xerrors.Errorf("starting node: %w", err)
	}

	return app.Stop, nil
}

package modules

import (
	"context"
	"net/http"

	"github.com/ipfs/go-datastore"
	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/fx"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/build"
	"github.com/giggossip/giggossip/journal"
	"github.com/giggossip/giggossip/journal/fsjournal"
	"github.com/giggossip/giggossip/lib/sigs"
	"github.com/giggossip/giggossip/node/config"
	"github.com/giggossip/giggossip/node/modules/helpers"
	"github.com/giggossip/giggossip/node/repo"
	"github.com/giggossip/giggossip/paynode"
	"github.com/giggossip/giggossip/paynode/simnode"
)

var log = logging.Logger("modules")

func LockedRepo(lr repo.LockedRepo) func(lc fx.Lifecycle) repo.LockedRepo {
	return func(lc fx.Lifecycle) repo.LockedRepo {
		lc.Append(fx.Hook{
			OnStop: func(_ context.Context) error {
				return lr.Close()
			},
		})

		return lr
	}
}

func Identity(lr repo.LockedRepo) (*sigs.PrivateKey, error) {
	return lr.Identity()
}

// Datastore is closed together with the repo.
func Datastore(mctx helpers.MetricsCtx, lc fx.Lifecycle, lr repo.LockedRepo) (datastore.Batching, error) {
	return lr.Datastore(helpers.LifecycleCtx(mctx, lc))
}

// OpenFilesystemJournal constructs a rolling filesystem journal, with a
// default size limit of 1GiB and the three most recent files kept.
func OpenFilesystemJournal(lr repo.LockedRepo, lc fx.Lifecycle, disabled journal.DisabledEvents) (journal.Journal, error) {
	jrnl, err := fsjournal.OpenFSJournal(lr.Path(), disabled)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error { return jrnl.Close() },
	})

	return jrnl, err
}

// JournalDisabledEvents merges the configured disabled events into those
// named by the environment.
func JournalDisabledEvents(cfg config.Journal) func() (journal.DisabledEvents, error) {
	return func() (journal.DisabledEvents, error) {
		disabled := journal.EnvDisabledEvents()
		if cfg.DisabledEvents == "" {
			return disabled, nil
		}
		more, err := journal.ParseDisabledEvents(cfg.DisabledEvents)
		if err != nil {
			return nil, xerrors.Errorf("parsing disabled journal events: %w", err)
		}
		return append(disabled, more...), nil
	}
}

// PaymentNode dials the configured payment node. Without an address the
// node runs against an in-process simulated payment node.
func PaymentNode(cfg config.PaymentNode) func(mctx helpers.MetricsCtx, lc fx.Lifecycle, priv *sigs.PrivateKey) (paynode.API, error) {
	return func(mctx helpers.MetricsCtx, lc fx.Lifecycle, priv *sigs.PrivateKey) (paynode.API, error) {
		if cfg.Address == "" {
			log.Warn("no payment node address configured, using a simulated payment node")
			return simnode.NewNetwork(build.Clock).NewNode(sigs.Identity(priv)), nil
		}

		var header http.Header
		if cfg.Token != "" {
			header = http.Header{"Authorization": []string{"Bearer " + cfg.Token}}
		}

		api, closer, err := paynode.NewClient(helpers.LifecycleCtx(mctx, lc), cfg.Address, header)
		if err != nil {
			return nil, xerrors.Errorf("connecting to payment node %s: %w", cfg.Address, err)
		}
		lc.Append(fx.Hook{
			OnStop: func(_ context.Context) error {
				closer()
				return nil
			},
		})
		return api, nil
	}
}

package repo

import (
	"context"

	"github.com/ipfs/go-datastore"
	"github.com/multiformats/go-multiaddr"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/lib/sigs"
)

var (
	ErrNoAPIEndpoint     = xerrors.New("no API Endpoint set")
	ErrRepoAlreadyLocked = xerrors.New("repo is already locked")
	ErrClosedRepo        = xerrors.New("repo is no longer open")
	ErrNoIdentity        = xerrors.New("repo has no identity key")
)

type Repo interface {
	// APIEndpoint returns multiaddress for communication with the node API
	APIEndpoint() (multiaddr.Multiaddr, error)

	// Lock locks the repo for exclusive use.
	Lock(RepoType) (LockedRepo, error)
}

type LockedRepo interface {
	// Close closes repo and removes lock.
	Close() error

	Path() string

	// Datastore returns the leveldb datastore of this repo.
	Datastore(ctx context.Context) (datastore.Batching, error)

	// SqlitePath returns the path of a named sqlite database in this repo.
	SqlitePath(name string) (string, error)

	// Config returns the config of this repo, defaults included.
	Config() (interface{}, error)

	// Identity returns the secp256k1 key this node signs with.
	Identity() (*sigs.PrivateKey, error)

	SetAPIEndpoint(multiaddr.Multiaddr) error
}

package repo

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ipfs/go-datastore"
	leveldb "github.com/ipfs/go-ds-leveldb"
	fslock "github.com/ipfs/go-fs-lock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/mitchellh/go-homedir"
	"github.com/multiformats/go-multiaddr"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/lib/sigs"
	"github.com/giggossip/giggossip/node/config"
)

const (
	fsAPI       = "api"
	fsConfig    = "config.toml"
	fsDatastore = "datastore"
	fsLock      = "repo.lock"
	fsKeystore  = "keystore"
	fsIdentity  = "identity"
)

type RepoType int

const (
	_                 = iota // Default is invalid
	Settler  RepoType = iota
	GossipNode
)

func (t RepoType) String() string {
	switch t {
	case Settler:
		return "Settler"
	case GossipNode:
		return "GossipNode"
	default:
		return fmt.Sprintf("RepoType(%d)", int(t))
	}
}

func defConfForType(t RepoType) interface{} {
	switch t {
	case Settler:
		return config.DefaultSettler()
	case GossipNode:
		return config.DefaultGossipNode()
	default:
		panic(fmt.Sprintf("unknown RepoType(%d)", int(t)))
	}
}

var log = logging.Logger("repo")

var ErrRepoExists = xerrors.New("repo exists")

// FsRepo is a node home directory holding the config, the identity key
// and the node databases.
type FsRepo struct {
	path       string
	configPath string
}

var _ Repo = &FsRepo{}

// NewFS returns the repo at path, which may start with ~.
func NewFS(path string) (*FsRepo, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}

	return &FsRepo{
		path:       path,
		configPath: filepath.Join(path, fsConfig),
	}, nil
}

func (fsr *FsRepo) SetConfigPath(cfgPath string) {
	fsr.configPath = cfgPath
}

func (fsr *FsRepo) ConfigPath() string {
	return fsr.configPath
}

// Identity reads the identity key without taking the repo lock, for
// clients talking to a running node.
func (fsr *FsRepo) Identity() (*sigs.PrivateKey, error) {
	return readIdentity(filepath.Join(fsr.path, fsKeystore, fsIdentity))
}

func (fsr *FsRepo) Exists() (bool, error) {
	_, err := os.Stat(filepath.Join(fsr.path, fsKeystore))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// Init creates the repo layout with a commented default config and a fresh
// identity key. It returns ErrRepoExists for an initialized repo.
func (fsr *FsRepo) Init(t RepoType) error {
	exist, err := fsr.Exists()
	if err != nil {
		return err
	}
	if exist {
		return ErrRepoExists
	}

	log.Infow("initializing repo", "path", fsr.path, "type", t)
	if err := os.MkdirAll(fsr.path, 0755); err != nil { //nolint: gosec
		return err
	}

	if err := config.WriteFile(fsr.configPath, defConfForType(t)); err != nil {
		return xerrors.Errorf("init config: %w", err)
	}

	return fsr.initKeystore()
}

func (fsr *FsRepo) initKeystore() error {
	kstorePath := filepath.Join(fsr.path, fsKeystore)
	if err := os.Mkdir(kstorePath, 0700); err != nil {
		return err
	}

	priv, err := sigs.GenerateKey()
	if err != nil {
		return xerrors.Errorf("generating identity: %w", err)
	}
	return os.WriteFile(filepath.Join(kstorePath, fsIdentity), []byte(sigs.PrivateKeyHex(priv)), 0600)
}

// APIEndpoint returns the address a running node recorded in the repo.
func (fsr *FsRepo) APIEndpoint() (multiaddr.Multiaddr, error) {
	p := filepath.Join(fsr.path, fsAPI)
	data, err := os.ReadFile(p)
	switch {
	case os.IsNotExist(err):
		return nil, ErrNoAPIEndpoint
	case err != nil:
		return nil, xerrors.Errorf("reading %q: %w", p, err)
	}
	return multiaddr.NewMultiaddr(strings.TrimSpace(string(data)))
}

// Lock takes the repo lock so one daemon at a time owns the databases.
func (fsr *FsRepo) Lock(repoType RepoType) (LockedRepo, error) {
	locked, err := fslock.Locked(fsr.path, fsLock)
	if err != nil {
		return nil, xerrors.Errorf("could not check lock status: %w", err)
	}
	if locked {
		return nil, ErrRepoAlreadyLocked
	}

	closer, err := fslock.Lock(fsr.path, fsLock)
	if err != nil {
		return nil, xerrors.Errorf("could not lock the repo: %w", err)
	}
	return &fsLockedRepo{
		path:       fsr.path,
		configPath: fsr.configPath,
		repoType:   repoType,
		closer:     closer,
	}, nil
}

type fsLockedRepo struct {
	path       string
	configPath string
	repoType   RepoType
	closer     io.Closer

	ds     *leveldb.Datastore
	dsErr  error
	dsOnce sync.Once

	configLk sync.Mutex
}

func (fsr *fsLockedRepo) Path() string {
	return fsr.path
}

func (fsr *fsLockedRepo) Close() error {
	err := os.Remove(fsr.join(fsAPI))
	if err != nil && !os.IsNotExist(err) {
		return xerrors.Errorf("could not remove API file: %w", err)
	}
	if fsr.ds != nil {
		if err := fsr.ds.Close(); err != nil {
			return xerrors.Errorf("could not close datastore: %w", err)
		}
	}

	err = fsr.closer.Close()
	fsr.closer = nil
	return err
}

func (fsr *fsLockedRepo) join(paths ...string) string {
	return filepath.Join(append([]string{fsr.path}, paths...)...)
}

func (fsr *fsLockedRepo) stillValid() error {
	if fsr.closer == nil {
		return ErrClosedRepo
	}
	return nil
}

func (fsr *fsLockedRepo) Datastore(_ context.Context) (datastore.Batching, error) {
	if err := fsr.stillValid(); err != nil {
		return nil, err
	}
	fsr.dsOnce.Do(func() {
		fsr.ds, fsr.dsErr = leveldb.NewDatastore(fsr.join(fsDatastore), nil)
	})
	if fsr.dsErr != nil {
		return nil, xerrors.Errorf("opening datastore: %w", fsr.dsErr)
	}
	return fsr.ds, nil
}

func (fsr *fsLockedRepo) SqlitePath(name string) (string, error) {
	if err := fsr.stillValid(); err != nil {
		return "", err
	}
	dir := fsr.join("sqlite")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return filepath.Join(dir, name+".db"), nil
}

func (fsr *fsLockedRepo) Config() (interface{}, error) {
	fsr.configLk.Lock()
	defer fsr.configLk.Unlock()

	return config.FromFile(fsr.configPath, defConfForType(fsr.repoType))
}

func (fsr *fsLockedRepo) Identity() (*sigs.PrivateKey, error) {
	return readIdentity(fsr.join(fsKeystore, fsIdentity))
}

func readIdentity(path string) (*sigs.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNoIdentity
	} else if err != nil {
		return nil, err
	}
	return sigs.ParsePrivateKey(string(bytes.TrimSpace(b)))
}

func (fsr *fsLockedRepo) SetAPIEndpoint(ma multiaddr.Multiaddr) error {
	if err := fsr.stillValid(); err != nil {
		return err
	}
	return os.WriteFile(fsr.join(fsAPI), []byte(ma.String()), 0644)
}

package repo

import (
	"context"
	"testing"

	"github.com/ipfs/go-datastore"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"github.com/giggossip/giggossip/lib/sigs"
	"github.com/giggossip/giggossip/node/config"
)

func genFsRepo(t *testing.T, rt RepoType) *FsRepo {
	repo, err := NewFS(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, repo.Init(rt))
	return repo
}

func TestFsBasic(t *testing.T) {
	ctx := context.Background()
	repo := genFsRepo(t, GossipNode)
	require.ErrorIs(t, repo.Init(GossipNode), ErrRepoExists)

	_, err := repo.APIEndpoint()
	require.ErrorIs(t, err, ErrNoAPIEndpoint)

	lr, err := repo.Lock(GossipNode)
	require.NoError(t, err)

	_, err = repo.Lock(GossipNode)
	require.Error(t, err)

	cfg, err := lr.Config()
	require.NoError(t, err)
	require.Equal(t, config.DefaultGossipNode(), cfg)

	priv, err := lr.Identity()
	require.NoError(t, err)
	again, err := lr.Identity()
	require.NoError(t, err)
	require.Equal(t, sigs.Identity(priv), sigs.Identity(again))

	ds, err := lr.Datastore(ctx)
	require.NoError(t, err)
	require.NoError(t, ds.Put(ctx, datastore.NewKey("/a"), []byte("b")))

	ma, err := multiaddr.NewMultiaddr("/ip4/127.0.0.1/tcp/9190/http")
	require.NoError(t, err)
	require.NoError(t, lr.SetAPIEndpoint(ma))
	got, err := repo.APIEndpoint()
	require.NoError(t, err)
	require.True(t, ma.Equal(got))

	require.NoError(t, lr.Close())
	_, err = repo.APIEndpoint()
	require.ErrorIs(t, err, ErrNoAPIEndpoint)

	// the datastore survives a reopen
	lr, err = repo.Lock(GossipNode)
	require.NoError(t, err)
	ds, err = lr.Datastore(ctx)
	require.NoError(t, err)
	v, err := ds.Get(ctx, datastore.NewKey("/a"))
	require.NoError(t, err)
	require.Equal(t, []byte("b"), v)
	require.NoError(t, lr.Close())
}

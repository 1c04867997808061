package node

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"github.com/giggossip/giggossip/lib/sigs"
	"github.com/giggossip/giggossip/node/config"
	"github.com/giggossip/giggossip/node/repo"
	"github.com/giggossip/giggossip/settler"
)

func initRepo(t *testing.T, rt repo.RepoType, cfg interface{}) (*repo.FsRepo, *sigs.PrivateKey) {
	dir := t.TempDir()
	r, err := repo.NewFS(dir)
	require.NoError(t, err)
	require.NoError(t, r.Init(rt))

	if cfg != nil {
		f, err := os.Create(filepath.Join(dir, "config.toml"))
		require.NoError(t, err)
		require.NoError(t, toml.NewEncoder(f).Encode(cfg))
		require.NoError(t, f.Close())
	}

	lr, err := r.Lock(rt)
	require.NoError(t, err)
	priv, err := lr.Identity()
	require.NoError(t, err)
	require.NoError(t, lr.Close())
	return r, priv
}

func startSettler(t *testing.T, ctx context.Context) (*SettlerNode, *sigs.PrivateKey, string) {
	r, priv := initRepo(t, repo.Settler, nil)

	var sn SettlerNode
	stop, err := New(ctx,
		Settler(&sn),
		Base(),
		Repo(r),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = stop(context.Background()) })

	addr, err := multiaddr.NewMultiaddr("/ip4/127.0.0.1/tcp/0/http")
	require.NoError(t, err)
	stopRPC, netAddr, err := ServeRPC(SettlerHandler(sn.Settler, nil), "settler", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = stopRPC(context.Background()) })

	return &sn, priv, netAddr.String()
}

func TestOptionOrder(t *testing.T) {
	var sn SettlerNode
	_, err := New(context.Background(), Base(), Settler(&sn))
	require.Error(t, err)
}

func TestSettlerNode(t *testing.T) {
	ctx := context.Background()
	sn, priv, addr := startSettler(t, ctx)

	pk, err := sn.Settler.AuthorityPublicKey(ctx)
	require.NoError(t, err)
	require.Equal(t, sigs.Identity(priv), pk)

	c, closer, err := settler.NewClient(ctx, "ws://"+addr+settler.RPCPath, nil)
	require.NoError(t, err)
	defer closer()
	remote, err := c.AuthorityPublicKey(ctx)
	require.NoError(t, err)
	require.Equal(t, pk, remote)

	p, err := sn.Liquidity.RegisterPayout(ctx, pk, "addr", 10_000)
	require.NoError(t, err)
	got, err := sn.Liquidity.GetPayout(ctx, p.PayoutId)
	require.NoError(t, err)
	require.Equal(t, p.PayoutId, got.PayoutId)
}

func TestGossipNodeCertifiedBySettler(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a libp2p host")
	}
	ctx := context.Background()
	sn, settlerKey, addr := startSettler(t, ctx)

	cfg := config.DefaultGossipNode()
	cfg.Transport.ListenAddresses = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.Authority.Endpoint = "ws://" + addr + settler.RPCPath
	cfg.Authority.ServiceUri = config.DefaultSettler().Settler.ServiceUri
	cfg.Authority.Properties = []string{"drive"}
	r, nodeKey := initRepo(t, repo.GossipNode, cfg)

	admin := settler.NewClientFor(sn.Settler, settlerKey)
	tok, err := admin.Token(ctx)
	require.NoError(t, err)
	require.NoError(t, sn.Settler.GrantProperty(ctx, tok, sigs.Identity(nodeKey), "drive", []byte("yes"), time.Now().Add(time.Hour)))

	var gn GossipNodeAPI
	stop, err := New(ctx,
		GossipNode(&gn),
		Base(),
		Repo(r),
	)
	require.NoError(t, err)
	defer stop(context.Background()) //nolint:errcheck

	pk, err := gn.Gossip.PublicKey(ctx)
	require.NoError(t, err)
	require.Equal(t, sigs.Identity(nodeKey), pk)

	nodeTok, err := settler.NewClientFor(sn.Settler, nodeKey).Token(ctx)
	require.NoError(t, err)
	certs, err := sn.Settler.ListCertificates(ctx, nodeTok)
	require.NoError(t, err)
	require.Len(t, certs, 1)
}

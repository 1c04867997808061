package settler

import (
	"context"
	"sync"

	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/build"
	"github.com/giggossip/giggossip/lib/sigs"
	"github.com/giggossip/giggossip/types"
)

// Client binds an API connection to one node key and signs a fresh auth
// token for every call that needs one.
type Client struct {
	API
	priv *sigs.PrivateKey

	lk        sync.Mutex
	tokenId   string
	authority string
}

func NewClientFor(api API, priv *sigs.PrivateKey) *Client {
	return &Client{API: api, priv: priv}
}

// Token returns a signed timed token for this node.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.lk.Lock()
	defer c.lk.Unlock()

	if c.tokenId == "" {
		id, err := c.API.GetToken(ctx, sigs.Identity(c.priv))
		if err != nil {
			return "", xerrors.Errorf("getting session token: %w", err)
		}
		c.tokenId = id
	}
	return types.MakeAuthToken(c.priv, c.tokenId, build.Clock.Now())
}

// AuthorityKey returns the authority public key, cached after the first call.
func (c *Client) AuthorityKey(ctx context.Context) (string, error) {
	c.lk.Lock()
	defer c.lk.Unlock()

	if c.authority == "" {
		pk, err := c.API.AuthorityPublicKey(ctx)
		if err != nil {
			return "", err
		}
		c.authority = pk
	}
	return c.authority, nil
}

// Directory maps service URIs to settler clients and resolves certificate
// authorities through them.
type Directory struct {
	lk      sync.RWMutex
	clients map[string]*Client
}

var _ types.AuthorityAccessor = (*Directory)(nil)

func NewDirectory() *Directory {
	return &Directory{clients: map[string]*Client{}}
}

func (d *Directory) Add(serviceUri string, c *Client) {
	d.lk.Lock()
	defer d.lk.Unlock()
	d.clients[serviceUri] = c
}

func (d *Directory) Get(serviceUri string) (*Client, error) {
	d.lk.RLock()
	defer d.lk.RUnlock()
	c, ok := d.clients[serviceUri]
	if !ok {
		return nil, xerrors.Errorf("%w: %s", types.ErrUnknownAuthority, serviceUri)
	}
	return c, nil
}

func (d *Directory) AuthorityPublicKey(ctx context.Context, serviceUri string) (string, error) {
	c, err := d.Get(serviceUri)
	if err != nil {
		return "", err
	}
	return c.AuthorityKey(ctx)
}

func (d *Directory) IsRevoked(ctx context.Context, serviceUri string, certId string) (bool, error) {
	c, err := d.Get(serviceUri)
	if err != nil {
		return false, err
	}
	tok, err := c.Token(ctx)
	if err != nil {
		return false, err
	}
	return c.IsCertificateRevoked(ctx, tok, certId)
}

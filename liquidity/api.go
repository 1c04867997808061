package liquidity

import (
	"context"
	"net/http"

	"github.com/filecoin-project/go-jsonrpc"
	"github.com/gorilla/mux"
)

const RPCNamespace = "Liquidity"

// RPCPath is where the admin endpoint serves JSON-RPC.
const RPCPath = "/rpc/v0"

// API is the operator surface of the payout ledger. It carries no auth and
// is served on the admin listen address only.
type API interface {
	RegisterPayout(ctx context.Context, pubKey string, address string, satoshis int64) (*Payout, error)
	GetPayout(ctx context.Context, payoutId string) (*Payout, error)
	ListPayouts(ctx context.Context) ([]*Payout, error)
	RetryPayout(ctx context.Context, payoutId string) error

	RequestReserve(ctx context.Context, satoshis int64) (string, error)
	ReleaseReserve(ctx context.Context, reserveId string) error
	RequestedReserves(ctx context.Context) ([]Reserve, error)
}

type storeAPI struct {
	s *Store
}

func NewAPI(s *Store) API {
	return &storeAPI{s: s}
}

func (a *storeAPI) RegisterPayout(ctx context.Context, pubKey string, address string, satoshis int64) (*Payout, error) {
	p, err := a.s.RegisterPayout(ctx, pubKey, address, satoshis)
	if err != nil {
		return nil, err
	}
	log.Infow("registered payout", "payout", p.PayoutId, "owner", pubKey, "satoshis", satoshis)
	return p, nil
}

func (a *storeAPI) GetPayout(ctx context.Context, payoutId string) (*Payout, error) {
	return a.s.GetPayout(ctx, payoutId)
}

func (a *storeAPI) ListPayouts(ctx context.Context) ([]*Payout, error) {
	return a.s.ListPayouts(ctx)
}

func (a *storeAPI) RetryPayout(ctx context.Context, payoutId string) error {
	return a.s.RetryPayout(ctx, payoutId)
}

func (a *storeAPI) RequestReserve(ctx context.Context, satoshis int64) (string, error) {
	return a.s.RequestReserve(ctx, satoshis)
}

func (a *storeAPI) ReleaseReserve(ctx context.Context, reserveId string) error {
	return a.s.ReleaseReserve(ctx, reserveId)
}

func (a *storeAPI) RequestedReserves(ctx context.Context) ([]Reserve, error) {
	return a.s.RequestedReserves(ctx)
}

// APIStruct is the JSON-RPC client side of API.
type APIStruct struct {
	Internal struct {
		RegisterPayout func(ctx context.Context, pubKey string, address string, satoshis int64) (*Payout, error)
		GetPayout      func(ctx context.Context, payoutId string) (*Payout, error)
		ListPayouts    func(ctx context.Context) ([]*Payout, error)
		RetryPayout    func(ctx context.Context, payoutId string) error

		RequestReserve    func(ctx context.Context, satoshis int64) (string, error)
		ReleaseReserve    func(ctx context.Context, reserveId string) error
		RequestedReserves func(ctx context.Context) ([]Reserve, error)
	}
}

var _ API = (*APIStruct)(nil)

func (c *APIStruct) RegisterPayout(ctx context.Context, pubKey string, address string, satoshis int64) (*Payout, error) {
	return c.Internal.RegisterPayout(ctx, pubKey, address, satoshis)
}

func (c *APIStruct) GetPayout(ctx context.Context, payoutId string) (*Payout, error) {
	return c.Internal.GetPayout(ctx, payoutId)
}

func (c *APIStruct) ListPayouts(ctx context.Context) ([]*Payout, error) {
	return c.Internal.ListPayouts(ctx)
}

func (c *APIStruct) RetryPayout(ctx context.Context, payoutId string) error {
	return c.Internal.RetryPayout(ctx, payoutId)
}

func (c *APIStruct) RequestReserve(ctx context.Context, satoshis int64) (string, error) {
	return c.Internal.RequestReserve(ctx, satoshis)
}

func (c *APIStruct) ReleaseReserve(ctx context.Context, reserveId string) error {
	return c.Internal.ReleaseReserve(ctx, reserveId)
}

func (c *APIStruct) RequestedReserves(ctx context.Context) ([]Reserve, error) {
	return c.Internal.RequestedReserves(ctx)
}

// NewClient dials an admin endpoint at addr, e.g. http://127.0.0.1:9091/rpc/v0.
func NewClient(ctx context.Context, addr string, requestHeader http.Header) (API, jsonrpc.ClientCloser, error) {
	var res APIStruct
	closer, err := jsonrpc.NewMergeClient(ctx, addr, RPCNamespace,
		[]interface{}{
			&res.Internal,
		},
		requestHeader,
		jsonrpc.WithErrors(RPCErrors),
	)
	return &res, closer, err
}

// NewRPCHandler routes RPCPath to a JSON-RPC server for api.
func NewRPCHandler(api API) http.Handler {
	rpcServer := jsonrpc.NewServer(jsonrpc.WithServerErrors(RPCErrors))
	rpcServer.Register(RPCNamespace, api)

	m := mux.NewRouter()
	m.Handle(RPCPath, rpcServer)
	return m
}

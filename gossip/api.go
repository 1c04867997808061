package gossip

import (
	"context"
	"net/http"

	"github.com/filecoin-project/go-jsonrpc"
	"github.com/gorilla/mux"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/types"
)

const RPCNamespace = "Gossip"

// RPCPath is where the admin endpoint serves JSON-RPC.
const RPCPath = "/rpc/v0"

// API is the operator surface of a node. It carries no auth and is served
// on the admin listen address only.
type API interface {
	PublicKey(ctx context.Context) (string, error)
	Peers(ctx context.Context) ([]string, error)
	ConnectTo(ctx context.Context, pubKey string) error

	// Broadcast starts a request for topic and returns its payload id.
	Broadcast(ctx context.Context, topic []byte) (string, error)
	GetResponses(ctx context.Context, payloadId string) ([][]Response, error)
	AcceptResponse(ctx context.Context, resp Response) error
	RevealReplyMessage(ctx context.Context, resp Response) ([]byte, error)
	ManageDispute(ctx context.Context, resp Response, open bool) error
}

type nodeAPI struct {
	n *Node
}

func NewAPI(n *Node) API {
	return &nodeAPI{n: n}
}

func (a *nodeAPI) PublicKey(ctx context.Context) (string, error) {
	return a.n.PublicKey(), nil
}

func (a *nodeAPI) Peers(ctx context.Context) ([]string, error) {
	return a.n.Peers(), nil
}

func (a *nodeAPI) ConnectTo(ctx context.Context, pubKey string) error {
	return a.n.ConnectTo(pubKey)
}

func (a *nodeAPI) Broadcast(ctx context.Context, topic []byte) (string, error) {
	req, err := a.n.NewRequest(topic)
	if err != nil {
		return "", err
	}
	if err := a.n.Broadcast(ctx, req, "", types.OnionRoute{}); err != nil {
		return "", xerrors.Errorf("broadcasting %s: %w", req.PayloadId, err)
	}
	return req.PayloadId, nil
}

func (a *nodeAPI) GetResponses(ctx context.Context, payloadId string) ([][]Response, error) {
	return a.n.GetResponses(payloadId), nil
}

func (a *nodeAPI) AcceptResponse(ctx context.Context, resp Response) error {
	return a.n.AcceptResponse(ctx, resp)
}

func (a *nodeAPI) RevealReplyMessage(ctx context.Context, resp Response) ([]byte, error) {
	return a.n.RevealReplyMessage(ctx, resp)
}

func (a *nodeAPI) ManageDispute(ctx context.Context, resp Response, open bool) error {
	return a.n.ManageDispute(ctx, resp, open)
}

// APIStruct is the JSON-RPC client side of API.
type APIStruct struct {
	Internal struct {
		PublicKey func(ctx context.Context) (string, error)
		Peers     func(ctx context.Context) ([]string, error)
		ConnectTo func(ctx context.Context, pubKey string) error

		Broadcast          func(ctx context.Context, topic []byte) (string, error)
		GetResponses       func(ctx context.Context, payloadId string) ([][]Response, error)
		AcceptResponse     func(ctx context.Context, resp Response) error
		RevealReplyMessage func(ctx context.Context, resp Response) ([]byte, error)
		ManageDispute      func(ctx context.Context, resp Response, open bool) error
	}
}

var _ API = (*APIStruct)(nil)

func (c *APIStruct) PublicKey(ctx context.Context) (string, error) {
	return c.Internal.PublicKey(ctx)
}

func (c *APIStruct) Peers(ctx context.Context) ([]string, error) {
	return c.Internal.Peers(ctx)
}

func (c *APIStruct) ConnectTo(ctx context.Context, pubKey string) error {
	return c.Internal.ConnectTo(ctx, pubKey)
}

func (c *APIStruct) Broadcast(ctx context.Context, topic []byte) (string, error) {
	return c.Internal.Broadcast(ctx, topic)
}

func (c *APIStruct) GetResponses(ctx context.Context, payloadId string) ([][]Response, error) {
	return c.Internal.GetResponses(ctx, payloadId)
}

func (c *APIStruct) AcceptResponse(ctx context.Context, resp Response) error {
	return c.Internal.AcceptResponse(ctx, resp)
}

func (c *APIStruct) RevealReplyMessage(ctx context.Context, resp Response) ([]byte, error) {
	return c.Internal.RevealReplyMessage(ctx, resp)
}

func (c *APIStruct) ManageDispute(ctx context.Context, resp Response, open bool) error {
	return c.Internal.ManageDispute(ctx, resp, open)
}

// NewClient dials an admin endpoint at addr, e.g. http://127.0.0.1:9191/rpc/v0.
func NewClient(ctx context.Context, addr string, requestHeader http.Header) (API, jsonrpc.ClientCloser, error) {
	var res APIStruct
	closer, err := jsonrpc.NewMergeClient(ctx, addr, RPCNamespace,
		[]interface{}{
			&res.Internal,
		},
		requestHeader,
	)
	return &res, closer, err
}

// NewRPCHandler routes RPCPath to a JSON-RPC server for api.
func NewRPCHandler(api API) http.Handler {
	rpcServer := jsonrpc.NewServer()
	rpcServer.Register(RPCNamespace, api)

	m := mux.NewRouter()
	m.Handle(RPCPath, rpcServer)
	return m
}

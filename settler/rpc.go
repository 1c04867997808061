package settler

import (
	"context"
	"net/http"
	"time"

	"github.com/filecoin-project/go-jsonrpc"
	"github.com/gorilla/mux"

	"github.com/giggossip/giggossip/types"
)

const RPCNamespace = "Settler"

// RPCPath is where the settler serves JSON-RPC.
const RPCPath = "/rpc/v0"

// APIStruct is the JSON-RPC client side of API.
type APIStruct struct {
	Internal struct {
		AuthorityPublicKey func(ctx context.Context) (string, error)
		GetToken           func(ctx context.Context, pubKey string) (string, error)

		GrantProperty  func(ctx context.Context, token string, pubKey string, name string, value []byte, validTill time.Time) error
		RevokeProperty func(ctx context.Context, token string, pubKey string, name string) error

		IssueCertificate     func(ctx context.Context, token string, properties []string) (*types.Certificate, error)
		GetCertificate       func(ctx context.Context, token string, certId string) (*types.Certificate, error)
		ListCertificates     func(ctx context.Context, token string) ([]string, error)
		IsCertificateRevoked func(ctx context.Context, token string, certId string) (bool, error)

		MintReplyTicketHash          func(ctx context.Context, token string, gigId string, replierPubKey string) (string, error)
		MintRelatedTicketHash        func(ctx context.Context, token string, paymentHash string) (string, error)
		ValidateRelatedPaymentHashes func(ctx context.Context, token string, hash1, hash2 string) (bool, error)
		RevealPreimage               func(ctx context.Context, token string, paymentHash string) (string, error)
		RevealSymmetricKey           func(ctx context.Context, token string, gigId string, replierPubKey string) (string, error)

		GenerateSettlementTrust func(ctx context.Context, token string, message []byte, replyInvoice string, req *types.RequestPayload, replierCert *types.Certificate) (*types.SettlementTrust, error)
		ManageDispute           func(ctx context.Context, token string, gigId string, replierPubKey string, open bool) error
	}
}

var _ API = (*APIStruct)(nil)

func (c *APIStruct) AuthorityPublicKey(ctx context.Context) (string, error) {
	return c.Internal.AuthorityPublicKey(ctx)
}

func (c *APIStruct) GetToken(ctx context.Context, pubKey string) (string, error) {
	return c.Internal.GetToken(ctx, pubKey)
}

func (c *APIStruct) GrantProperty(ctx context.Context, token string, pubKey string, name string, value []byte, validTill time.Time) error {
	return c.Internal.GrantProperty(ctx, token, pubKey, name, value, validTill)
}

func (c *APIStruct) RevokeProperty(ctx context.Context, token string, pubKey string, name string) error {
	return c.Internal.RevokeProperty(ctx, token, pubKey, name)
}

func (c *APIStruct) IssueCertificate(ctx context.Context, token string, properties []string) (*types.Certificate, error) {
	return c.Internal.IssueCertificate(ctx, token, properties)
}

func (c *APIStruct) GetCertificate(ctx context.Context, token string, certId string) (*types.Certificate, error) {
	return c.Internal.GetCertificate(ctx, token, certId)
}

func (c *APIStruct) ListCertificates(ctx context.Context, token string) ([]string, error) {
	return c.Internal.ListCertificates(ctx, token)
}

func (c *APIStruct) IsCertificateRevoked(ctx context.Context, token string, certId string) (bool, error) {
	return c.Internal.IsCertificateRevoked(ctx, token, certId)
}

func (c *APIStruct) MintReplyTicketHash(ctx context.Context, token string, gigId string, replierPubKey string) (string, error) {
	return c.Internal.MintReplyTicketHash(ctx, token, gigId, replierPubKey)
}

func (c *APIStruct) MintRelatedTicketHash(ctx context.Context, token string, paymentHash string) (string, error) {
	return c.Internal.MintRelatedTicketHash(ctx, token, paymentHash)
}

func (c *APIStruct) ValidateRelatedPaymentHashes(ctx context.Context, token string, hash1, hash2 string) (bool, error) {
	return c.Internal.ValidateRelatedPaymentHashes(ctx, token, hash1, hash2)
}

func (c *APIStruct) RevealPreimage(ctx context.Context, token string, paymentHash string) (string, error) {
	return c.Internal.RevealPreimage(ctx, token, paymentHash)
}

func (c *APIStruct) RevealSymmetricKey(ctx context.Context, token string, gigId string, replierPubKey string) (string, error) {
	return c.Internal.RevealSymmetricKey(ctx, token, gigId, replierPubKey)
}

func (c *APIStruct) GenerateSettlementTrust(ctx context.Context, token string, message []byte, replyInvoice string, req *types.RequestPayload, replierCert *types.Certificate) (*types.SettlementTrust, error) {
	return c.Internal.GenerateSettlementTrust(ctx, token, message, replyInvoice, req, replierCert)
}

func (c *APIStruct) ManageDispute(ctx context.Context, token string, gigId string, replierPubKey string, open bool) error {
	return c.Internal.ManageDispute(ctx, token, gigId, replierPubKey, open)
}

// NewClient dials a settler at addr, e.g. http://host:port/rpc/v0.
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

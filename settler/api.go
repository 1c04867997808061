package settler

import (
	"context"
	"time"

	"github.com/giggossip/giggossip/types"
)

// API is the settlement authority surface consumed by gossip nodes. Every
// method but AuthorityPublicKey and GetToken takes a signed timed token
// (types.MakeAuthToken) identifying the caller.
type API interface {
	AuthorityPublicKey(ctx context.Context) (string, error)
	GetToken(ctx context.Context, pubKey string) (string, error)

	GrantProperty(ctx context.Context, token string, pubKey string, name string, value []byte, validTill time.Time) error
	RevokeProperty(ctx context.Context, token string, pubKey string, name string) error

	IssueCertificate(ctx context.Context, token string, properties []string) (*types.Certificate, error)
	GetCertificate(ctx context.Context, token string, certId string) (*types.Certificate, error)
	ListCertificates(ctx context.Context, token string) ([]string, error)
	IsCertificateRevoked(ctx context.Context, token string, certId string) (bool, error)

	MintReplyTicketHash(ctx context.Context, token string, gigId string, replierPubKey string) (string, error)
	MintRelatedTicketHash(ctx context.Context, token string, paymentHash string) (string, error)
	ValidateRelatedPaymentHashes(ctx context.Context, token string, hash1, hash2 string) (bool, error)
	RevealPreimage(ctx context.Context, token string, paymentHash string) (string, error)
	RevealSymmetricKey(ctx context.Context, token string, gigId string, replierPubKey string) (string, error)

	GenerateSettlementTrust(ctx context.Context, token string, message []byte, replyInvoice string, req *types.RequestPayload, replierCert *types.Certificate) (*types.SettlementTrust, error)
	ManageDispute(ctx context.Context, token string, gigId string, replierPubKey string, open bool) error
}

// SettlerAPI serves API from a Settler, authenticating every call.
type SettlerAPI struct {
	s *Settler
}

var _ API = (*SettlerAPI)(nil)

func NewAPI(s *Settler) *SettlerAPI {
	return &SettlerAPI{s: s}
}

func (a *SettlerAPI) AuthorityPublicKey(ctx context.Context) (string, error) {
	return a.s.PublicKey(), nil
}

func (a *SettlerAPI) GetToken(ctx context.Context, pubKey string) (string, error) {
	return a.s.GetToken(ctx, pubKey)
}

func (a *SettlerAPI) admin(ctx context.Context, token string) error {
	caller, err := a.s.ValidateAuthToken(ctx, token)
	if err != nil {
		return err
	}
	if !a.s.IsAdmin(caller) {
		return a.s.authFailure(ctx, "not_admin", nil)
	}
	return nil
}

func (a *SettlerAPI) GrantProperty(ctx context.Context, token string, pubKey string, name string, value []byte, validTill time.Time) error {
	if err := a.admin(ctx, token); err != nil {
		return err
	}
	return a.s.GrantProperty(ctx, pubKey, name, value, validTill)
}

func (a *SettlerAPI) RevokeProperty(ctx context.Context, token string, pubKey string, name string) error {
	if err := a.admin(ctx, token); err != nil {
		return err
	}
	return a.s.RevokeProperty(ctx, pubKey, name)
}

func (a *SettlerAPI) IssueCertificate(ctx context.Context, token string, properties []string) (*types.Certificate, error) {
	caller, err := a.s.ValidateAuthToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return a.s.IssueCertificate(ctx, caller, properties)
}

func (a *SettlerAPI) GetCertificate(ctx context.Context, token string, certId string) (*types.Certificate, error) {
	caller, err := a.s.ValidateAuthToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return a.s.GetCertificate(ctx, caller, certId)
}

func (a *SettlerAPI) ListCertificates(ctx context.Context, token string) ([]string, error) {
	caller, err := a.s.ValidateAuthToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return a.s.ListCertificates(ctx, caller)
}

func (a *SettlerAPI) IsCertificateRevoked(ctx context.Context, token string, certId string) (bool, error) {
	if _, err := a.s.ValidateAuthToken(ctx, token); err != nil {
		return false, err
	}
	return a.s.IsCertificateRevoked(ctx, certId)
}

func (a *SettlerAPI) MintReplyTicketHash(ctx context.Context, token string, gigId string, replierPubKey string) (string, error) {
	caller, err := a.s.ValidateAuthToken(ctx, token)
	if err != nil {
		return "", err
	}
	return a.s.MintReplyTicketHash(ctx, caller, gigId, replierPubKey)
}

func (a *SettlerAPI) MintRelatedTicketHash(ctx context.Context, token string, paymentHash string) (string, error) {
	caller, err := a.s.ValidateAuthToken(ctx, token)
	if err != nil {
		return "", err
	}
	return a.s.MintRelatedTicketHash(ctx, caller, paymentHash)
}

func (a *SettlerAPI) ValidateRelatedPaymentHashes(ctx context.Context, token string, hash1, hash2 string) (bool, error) {
	if _, err := a.s.ValidateAuthToken(ctx, token); err != nil {
		return false, err
	}
	return a.s.ValidateRelatedPaymentHashes(ctx, hash1, hash2)
}

func (a *SettlerAPI) RevealPreimage(ctx context.Context, token string, paymentHash string) (string, error) {
	caller, err := a.s.ValidateAuthToken(ctx, token)
	if err != nil {
		return "", err
	}
	return a.s.RevealPreimage(ctx, caller, paymentHash)
}

func (a *SettlerAPI) RevealSymmetricKey(ctx context.Context, token string, gigId string, replierPubKey string) (string, error) {
	caller, err := a.s.ValidateAuthToken(ctx, token)
	if err != nil {
		return "", err
	}
	return a.s.RevealSymmetricKey(ctx, caller, gigId, replierPubKey)
}

func (a *SettlerAPI) GenerateSettlementTrust(ctx context.Context, token string, message []byte, replyInvoice string, req *types.RequestPayload, replierCert *types.Certificate) (*types.SettlementTrust, error) {
	caller, err := a.s.ValidateAuthToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return a.s.GenerateSettlementTrust(ctx, caller, message, replyInvoice, req, replierCert)
}

// ManageDispute is open to the gig's sender and replier only.
func (a *SettlerAPI) ManageDispute(ctx context.Context, token string, gigId string, replierPubKey string, open bool) error {
	caller, err := a.s.ValidateAuthToken(ctx, token)
	if err != nil {
		return err
	}
	g, err := a.s.ledger.GetGig(ctx, gigId, replierPubKey)
	if err != nil {
		return err
	}
	if g == nil {
		return nil
	}
	if caller != g.SenderPublicKey && caller != g.ReplierPublicKey && !a.s.IsAdmin(caller) {
		return a.s.authFailure(ctx, "not_participant", nil)
	}
	return a.s.ManageDispute(ctx, gigId, replierPubKey, open)
}

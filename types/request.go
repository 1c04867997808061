package types

import (
	"context"
	"time"

	cbor "github.com/ipfs/go-ipld-cbor"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/lib/sigs"
)

func init() {
	cbor.RegisterCborType(RequestPayload{})
}

// RequestPayload is a job request as signed by its sender. PayloadId is the
// job identity throughout the system.
type RequestPayload struct {
	PayloadId         string
	Topic             []byte
	SenderCertificate *Certificate

	Signature []byte
}

func (rp *RequestPayload) SigningBytes() ([]byte, error) {
	orp := *rp
	orp.Signature = nil
	return cbor.DumpObject(orp)
}

func (rp *RequestPayload) Sign(priv *sigs.PrivateKey) error {
	if rp.SenderCertificate == nil || rp.SenderCertificate.PublicKey != sigs.Identity(priv) {
		return xerrors.New("request signer does not match sender certificate")
	}
	b, err := rp.SigningBytes()
	if err != nil {
		return xerrors.Errorf("serializing request: %w", err)
	}
	rp.Signature, err = sigs.Sign(priv, b)
	return err
}

// Verify checks the sender certificate and the request signature.
func (rp *RequestPayload) Verify(ctx context.Context, acc AuthorityAccessor, now time.Time) error {
	if rp.SenderCertificate == nil {
		return xerrors.New("request has no sender certificate")
	}
	if err := rp.SenderCertificate.Verify(ctx, acc, now); err != nil {
		return xerrors.Errorf("sender certificate: %w", err)
	}
	b, err := rp.SigningBytes()
	if err != nil {
		return xerrors.Errorf("serializing request: %w", err)
	}
	return sigs.Verify(rp.SenderCertificate.PublicKey, rp.Signature, b)
}

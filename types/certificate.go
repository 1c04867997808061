package types

import (
	"context"
	"errors"
	"time"

	cbor "github.com/ipfs/go-ipld-cbor"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/lib/sigs"
)

func init() {
	cbor.RegisterCborType(Certificate{})
}

var (
	ErrCertificateExpired   = errors.New("certificate is outside of its validity window")
	ErrCertificateRevoked   = errors.New("certificate is revoked")
	ErrUnknownAuthority     = errors.New("certificate issued by an unknown authority")
	ErrAuthorityKeyMismatch = errors.New("certificate authority key does not match the service")
)

// Certificate binds a public key to a set of named, time-bounded properties
// and is signed by the settlement authority serving ServiceUri.
type Certificate struct {
	CertificateId      string
	ServiceUri         string
	PublicKey          string
	AuthorityPublicKey string
	Properties         map[string][]byte

	NotValidBefore int64
	NotValidAfter  int64

	Signature []byte
}

// AuthorityAccessor resolves settlement authorities and answers live
// revocation queries.
type AuthorityAccessor interface {
	AuthorityPublicKey(ctx context.Context, serviceUri string) (string, error)
	IsRevoked(ctx context.Context, serviceUri string, certificateId string) (bool, error)
}

func (c *Certificate) SigningBytes() ([]byte, error) {
	oc := *c
	oc.Signature = nil
	return cbor.DumpObject(oc)
}

func (c *Certificate) Sign(authority *sigs.PrivateKey) error {
	if c.AuthorityPublicKey != sigs.Identity(authority) {
		return ErrAuthorityKeyMismatch
	}
	b, err := c.SigningBytes()
	if err != nil {
		return xerrors.Errorf("serializing certificate: %w", err)
	}
	sig, err := sigs.Sign(authority, b)
	if err != nil {
		return err
	}
	c.Signature = sig
	return nil
}

// VerifySignature checks the authority signature only.
func (c *Certificate) VerifySignature() error {
	b, err := c.SigningBytes()
	if err != nil {
		return xerrors.Errorf("serializing certificate: %w", err)
	}
	return sigs.Verify(c.AuthorityPublicKey, c.Signature, b)
}

func (c *Certificate) ValidAt(t time.Time) bool {
	n := t.UnixNano()
	return c.NotValidBefore <= n && n <= c.NotValidAfter
}

// Verify checks the certificate chains to the authority known for its
// ServiceUri, is inside its validity window and has not been revoked.
func (c *Certificate) Verify(ctx context.Context, acc AuthorityAccessor, now time.Time) error {
	if c == nil {
		return xerrors.New("nil certificate")
	}
	apk, err := acc.AuthorityPublicKey(ctx, c.ServiceUri)
	if err != nil {
		return xerrors.Errorf("resolving authority %s: %w", c.ServiceUri, err)
	}
	if apk != c.AuthorityPublicKey {
		return ErrAuthorityKeyMismatch
	}
	if !c.ValidAt(now) {
		return ErrCertificateExpired
	}
	if err := c.VerifySignature(); err != nil {
		return xerrors.Errorf("certificate signature: %w", err)
	}
	revoked, err := acc.IsRevoked(ctx, c.ServiceUri, c.CertificateId)
	if err != nil {
		return xerrors.Errorf("checking revocation: %w", err)
	}
	if revoked {
		return ErrCertificateRevoked
	}
	return nil
}

package types

import (
	"encoding/base64"
	"errors"
	"time"

	cbor "github.com/ipfs/go-ipld-cbor"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/lib/sigs"
)

func init() {
	cbor.RegisterCborType(AuthToken{})
}

var ErrTokenExpired = errors.New("auth token expired")

// AuthToken is a signed, timed session token. It travels base64 encoded.
type AuthToken struct {
	PublicKey string
	Timestamp int64
	TokenId   string

	Signature []byte
}

func (at *AuthToken) SigningBytes() ([]byte, error) {
	oat := *at
	oat.Signature = nil
	return cbor.DumpObject(oat)
}

func MakeAuthToken(priv *sigs.PrivateKey, tokenId string, now time.Time) (string, error) {
	at := AuthToken{
		PublicKey: sigs.Identity(priv),
		Timestamp: now.UnixNano(),
		TokenId:   tokenId,
	}
	b, err := at.SigningBytes()
	if err != nil {
		return "", xerrors.Errorf("serializing token: %w", err)
	}
	if at.Signature, err = sigs.Sign(priv, b); err != nil {
		return "", err
	}
	out, err := cbor.DumpObject(at)
	if err != nil {
		return "", xerrors.Errorf("serializing token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

func ParseAuthToken(s string) (*AuthToken, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, xerrors.Errorf("decoding token base64: %w", err)
	}
	var at AuthToken
	if err := cbor.DecodeInto(b, &at); err != nil {
		return nil, xerrors.Errorf("decoding token: %w", err)
	}
	return &at, nil
}

// Verify rejects tokens older than tolerance, issued in the future beyond
// tolerance, or carrying a bad signature.
func (at *AuthToken) Verify(now time.Time, tolerance time.Duration) error {
	issued := time.Unix(0, at.Timestamp)
	if issued.Add(tolerance).Before(now) || issued.After(now.Add(tolerance)) {
		return ErrTokenExpired
	}
	b, err := at.SigningBytes()
	if err != nil {
		return xerrors.Errorf("serializing token: %w", err)
	}
	return sigs.Verify(at.PublicKey, at.Signature, b)
}

// Package sigs holds the key handling and signing primitives shared by the
// gossip nodes and the settlement authority.
//
// Identities are secp256k1 keys; public keys travel as the hex encoding of
// the 33-byte compressed point.
package sigs

import (
	"encoding/hex"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
	"github.com/minio/sha256-simd"
	"golang.org/x/xerrors"
)

var ErrInvalidSignature = errors.New("invalid signature")

type PrivateKey = secp256k1.PrivateKey
type PublicKey = secp256k1.PublicKey

func GenerateKey() (*PrivateKey, error) {
	return secp256k1.GeneratePrivateKey()
}

func PublicKeyHex(pk *PublicKey) string {
	return hex.EncodeToString(pk.SerializeCompressed())
}

// Identity returns the hex public key of the given private key.
func Identity(priv *PrivateKey) string {
	return PublicKeyHex(priv.PubKey())
}

func ParsePublicKey(s string) (*PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, xerrors.Errorf("decoding public key hex: %w", err)
	}
	pk, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, xerrors.Errorf("parsing public key: %w", err)
	}
	return pk, nil
}

func ParsePrivateKey(s string) (*PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, xerrors.Errorf("decoding private key hex: %w", err)
	}
	if len(b) != secp256k1.PrivKeyBytesLen {
		return nil, xerrors.Errorf("private key must be %d bytes, got %d", secp256k1.PrivKeyBytesLen, len(b))
	}
	return secp256k1.PrivKeyFromBytes(b), nil
}

func PrivateKeyHex(priv *PrivateKey) string {
	return hex.EncodeToString(priv.Serialize())
}

// Hash is sha256 over the concatenation of its arguments.
func Hash(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p) //nolint:errcheck
	}
	return h.Sum(nil)
}

// Sign produces a schnorr signature over Hash(msg).
func Sign(priv *PrivateKey, msg []byte) ([]byte, error) {
	sig, err := schnorr.Sign(priv, Hash(msg))
	if err != nil {
		return nil, xerrors.Errorf("schnorr sign: %w", err)
	}
	return sig.Serialize(), nil
}

// Verify checks a signature made by Sign against a hex encoded public key.
func Verify(pubHex string, sig []byte, msg []byte) error {
	pk, err := ParsePublicKey(pubHex)
	if err != nil {
		return err
	}
	return VerifyKey(pk, sig, msg)
}

func VerifyKey(pk *PublicKey, sig []byte, msg []byte) error {
	s, err := schnorr.ParseSignature(sig)
	if err != nil {
		return xerrors.Errorf("parsing signature: %w", ErrInvalidSignature)
	}
	if !s.Verify(Hash(msg), pk) {
		return ErrInvalidSignature
	}
	return nil
}

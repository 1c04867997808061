package sigs

import (
	"crypto/rand"
	"errors"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/minio/sha256-simd"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/xerrors"
)

const (
	SymmetricKeySize = chacha20poly1305.KeySize
	PreimageSize     = 32
)

var ErrCiphertextTooShort = errors.New("ciphertext too short")

var sealInfo = []byte("giggossip/seal/v1")

// Seal encrypts plaintext to the holder of the private key for `to`.
// A fresh ephemeral key is used for every message, its compressed public key
// is prepended to the output.
func Seal(to *PublicKey, plaintext []byte) ([]byte, error) {
	eph, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, xerrors.Errorf("generating ephemeral key: %w", err)
	}
	ephPub := eph.PubKey().SerializeCompressed()

	key, err := sealKey(eph, to, ephPub)
	if err != nil {
		return nil, err
	}
	ct, err := SymmetricEncrypt(key, plaintext)
	if err != nil {
		return nil, err
	}
	return append(ephPub, ct...), nil
}

// Open reverses Seal.
func Open(priv *PrivateKey, sealed []byte) ([]byte, error) {
	if len(sealed) < secp256k1.PubKeyBytesLenCompressed {
		return nil, ErrCiphertextTooShort
	}
	ephPub := sealed[:secp256k1.PubKeyBytesLenCompressed]
	pk, err := secp256k1.ParsePubKey(ephPub)
	if err != nil {
		return nil, xerrors.Errorf("parsing ephemeral key: %w", err)
	}
	key, err := sealKey(priv, pk, ephPub)
	if err != nil {
		return nil, err
	}
	return SymmetricDecrypt(key, sealed[secp256k1.PubKeyBytesLenCompressed:])
}

func sealKey(priv *PrivateKey, pub *PublicKey, salt []byte) ([]byte, error) {
	shared := secp256k1.GenerateSharedSecret(priv, pub)
	key := make([]byte, SymmetricKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, sealInfo), key); err != nil {
		return nil, xerrors.Errorf("deriving key: %w", err)
	}
	return key, nil
}

func NewSymmetricKey() ([]byte, error) {
	key := make([]byte, SymmetricKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// SymmetricEncrypt seals plaintext with XChaCha20-Poly1305; the random nonce
// is prefixed to the ciphertext.
func SymmetricEncrypt(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, xerrors.Errorf("creating cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func SymmetricDecrypt(key, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, xerrors.Errorf("creating cipher: %w", err)
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	nonce, ct := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, xerrors.Errorf("decrypting: %w", err)
	}
	return pt, nil
}

// NewPreimage returns a random payment preimage and its payment hash.
func NewPreimage() (preimage []byte, hash []byte, err error) {
	preimage = make([]byte, PreimageSize)
	if _, err := rand.Read(preimage); err != nil {
		return nil, nil, err
	}
	return preimage, PaymentHash(preimage), nil
}

func PaymentHash(preimage []byte) []byte {
	h := sha256.Sum256(preimage)
	return h[:]
}

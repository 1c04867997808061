package sigs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)

	msg := []byte("ride from A to B")
	sig, err := Sign(priv, msg)
	require.NoError(t, err)

	require.NoError(t, Verify(Identity(priv), sig, msg))
	require.ErrorIs(t, Verify(Identity(priv), sig, []byte("ride from A to C")), ErrInvalidSignature)

	other, err := GenerateKey()
	require.NoError(t, err)
	require.ErrorIs(t, Verify(Identity(other), sig, msg), ErrInvalidSignature)
}

func TestKeyHexRoundTrip(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)

	back, err := ParsePrivateKey(PrivateKeyHex(priv))
	require.NoError(t, err)
	require.Equal(t, Identity(priv), Identity(back))

	pk, err := ParsePublicKey(Identity(priv))
	require.NoError(t, err)
	require.True(t, pk.IsEqual(priv.PubKey()))

	_, err = ParsePublicKey("zz")
	require.Error(t, err)
}

func TestSealOpen(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)

	sealed, err := Seal(priv.PubKey(), []byte("secret"))
	require.NoError(t, err)

	pt, err := Open(priv, sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), pt)

	other, err := GenerateKey()
	require.NoError(t, err)
	_, err = Open(other, sealed)
	require.Error(t, err)

	_, err = Open(priv, sealed[:10])
	require.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestSymmetric(t *testing.T) {
	key, err := NewSymmetricKey()
	require.NoError(t, err)

	ct, err := SymmetricEncrypt(key, []byte("hello"))
	require.NoError(t, err)
	pt, err := SymmetricDecrypt(key, ct)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), pt)

	ct[len(ct)-1] ^= 0xff
	_, err = SymmetricDecrypt(key, ct)
	require.Error(t, err)
}

func TestPreimage(t *testing.T) {
	pre, hash, err := NewPreimage()
	require.NoError(t, err)
	require.Len(t, pre, PreimageSize)
	require.Equal(t, hash, PaymentHash(pre))
	require.Equal(t, hash, Hash(pre))
}

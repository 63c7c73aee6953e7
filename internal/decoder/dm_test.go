package decoder

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestIdentity builds a private key in the radio's format: a clamped
// X25519 scalar followed by a 32-byte signing prefix.
func newTestIdentity(t *testing.T) (private, public []byte) {
	t.Helper()
	private = make([]byte, PrivateKeySize)
	_, err := rand.Read(private)
	require.NoError(t, err)
	private[0] &= 0xF8
	private[31] &= 0x7F
	private[31] |= 0x40

	public, err = PublicKeyFromPrivate(private)
	require.NoError(t, err)
	require.Len(t, public, PublicKeySize)
	return private, public
}

func TestPublicKeyFromPrivate_IgnoresSigningPrefix(t *testing.T) {
	private, public := newTestIdentity(t)

	altered := append([]byte{}, private...)
	for i := 32; i < 64; i++ {
		altered[i] ^= 0xFF
	}
	alteredPub, err := PublicKeyFromPrivate(altered)
	require.NoError(t, err)
	require.Equal(t, public, alteredPub)
}

func TestPublicKeyFromPrivate_RejectsShortKey(t *testing.T) {
	_, err := PublicKeyFromPrivate(make([]byte, 32))
	require.Error(t, err)
}

func TestSharedSecret_Symmetric(t *testing.T) {
	aPriv, aPub := newTestIdentity(t)
	bPriv, bPub := newTestIdentity(t)

	ab, err := SharedSecret(aPriv, bPub)
	require.NoError(t, err)
	ba, err := SharedSecret(bPriv, aPub)
	require.NoError(t, err)
	require.Equal(t, ab, ba)
	require.Len(t, ab, 32)
}

func TestDirectMessage_RoundTrip(t *testing.T) {
	alicePriv, alicePub := newTestIdentity(t)
	bobPriv, bobPub := newTestIdentity(t)

	secret, err := SharedSecret(alicePriv, bobPub)
	require.NoError(t, err)

	payload, err := EncryptDirect(bobPub[0], alicePub[0], secret, 1700000000, 0, "hello bob")
	require.NoError(t, err)

	env, err := ParseDirectEnvelope(payload)
	require.NoError(t, err)
	require.Equal(t, bobPub[0], env.DestHash)
	require.Equal(t, alicePub[0], env.SrcHash)

	msg, err := TryDecryptDM(payload, bobPriv, alicePub)
	require.NoError(t, err)
	require.Equal(t, int64(1700000000), msg.Timestamp)
	require.Equal(t, "hello bob", msg.Text)
}

func TestTryDecryptDM_WrongPeerFails(t *testing.T) {
	alicePriv, alicePub := newTestIdentity(t)
	bobPriv, bobPub := newTestIdentity(t)
	_, evePub := newTestIdentity(t)

	secret, err := SharedSecret(alicePriv, bobPub)
	require.NoError(t, err)
	payload, err := EncryptDirect(bobPub[0], alicePub[0], secret, 1, 0, "secret")
	require.NoError(t, err)

	_, err = TryDecryptDM(payload, bobPriv, evePub)
	require.Error(t, err)
}

func TestParseDirectEnvelope_TooShort(t *testing.T) {
	_, err := ParseDirectEnvelope([]byte{0x01, 0x02, 0x03})
	require.ErrorIs(t, err, ErrUnparseable)
}

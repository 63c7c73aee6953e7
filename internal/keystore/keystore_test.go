package keystore

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"meshcored/internal/decoder"
)

func testPrivate(t *testing.T) []byte {
	t.Helper()
	private := make([]byte, decoder.PrivateKeySize)
	_, err := rand.Read(private)
	require.NoError(t, err)
	private[0] &= 0xF8
	private[31] &= 0x7F
	private[31] |= 0x40
	return private
}

func TestKeystore_SetDerivesPublic(t *testing.T) {
	ks := New()
	require.False(t, ks.Has())
	require.Nil(t, ks.Private())
	require.Nil(t, ks.Public())

	private := testPrivate(t)
	require.NoError(t, ks.Set(private))
	require.True(t, ks.Has())
	require.Equal(t, private, ks.Private())

	want, err := decoder.PublicKeyFromPrivate(private)
	require.NoError(t, err)
	require.Equal(t, want, ks.Public())
}

func TestKeystore_SetRejectsWrongLength(t *testing.T) {
	ks := New()
	require.Error(t, ks.Set(make([]byte, 32)))
	require.False(t, ks.Has())
}

func TestKeystore_Clear(t *testing.T) {
	ks := New()
	require.NoError(t, ks.Set(testPrivate(t)))
	ks.Clear()
	require.False(t, ks.Has())
	require.Nil(t, ks.Private())
	require.Nil(t, ks.Public())
}

func TestKeystore_AccessorsCopy(t *testing.T) {
	ks := New()
	private := testPrivate(t)
	require.NoError(t, ks.Set(private))

	got := ks.Private()
	got[0] ^= 0xFF
	require.Equal(t, private, ks.Private())
}

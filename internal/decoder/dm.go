package decoder

import (
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
)

const (
	PrivateKeySize = 64
	PublicKeySize  = 32
)

// DirectEnvelope is the addressed header of a TEXT_MESSAGE payload. The two
// hash bytes are 1-byte truncations of the destination and source public
// keys.
type DirectEnvelope struct {
	DestHash   byte
	SrcHash    byte
	MAC        []byte
	Ciphertext []byte
}

func ParseDirectEnvelope(payload []byte) (DirectEnvelope, error) {
	if len(payload) < 4 {
		return DirectEnvelope{}, fmt.Errorf("%w: direct payload too short", ErrUnparseable)
	}
	return DirectEnvelope{
		DestHash:   payload[0],
		SrcHash:    payload[1],
		MAC:        payload[2:4],
		Ciphertext: payload[4:],
	}, nil
}

// PublicKeyFromPrivate derives the Ed25519 public key from the radio's
// 64-byte private key blob. The first 32 bytes are an already-clamped
// scalar, not a seed; bytes 32..63 are the signing prefix and take no part
// in key derivation.
func PublicKeyFromPrivate(private []byte) ([]byte, error) {
	if len(private) != PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", PrivateKeySize, len(private))
	}
	// SetBytesWithClamping re-applies the clamp; it is idempotent on an
	// already-clamped scalar.
	scalar, err := edwards25519.NewScalar().SetBytesWithClamping(private[:32])
	if err != nil {
		return nil, fmt.Errorf("load private scalar: %w", err)
	}
	return new(edwards25519.Point).ScalarBaseMult(scalar).Bytes(), nil
}

// SharedSecret computes the X25519 shared secret the wire protocol derives
// from two Ed25519 identities: our clamped scalar times the Montgomery form
// of the peer's Edwards public key.
func SharedSecret(ourPrivate, peerPublic []byte) ([]byte, error) {
	if len(ourPrivate) != PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", PrivateKeySize, len(ourPrivate))
	}
	if len(peerPublic) != PublicKeySize {
		return nil, fmt.Errorf("peer public key must be %d bytes, got %d", PublicKeySize, len(peerPublic))
	}

	peer, err := new(edwards25519.Point).SetBytes(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("peer key not on curve: %w", err)
	}

	secret, err := curve25519.X25519(ourPrivate[:32], peer.BytesMontgomery())
	if err != nil {
		return nil, fmt.Errorf("x25519: %w", err)
	}
	return secret, nil
}

// DecryptDirect decrypts a TEXT_MESSAGE payload with a precomputed shared
// secret: AES-128-ECB under the first 16 bytes, HMAC under all 32.
func DecryptDirect(payload, sharedSecret []byte) (PlainMessage, error) {
	if len(sharedSecret) != 32 {
		return PlainMessage{}, fmt.Errorf("shared secret must be 32 bytes, got %d", len(sharedSecret))
	}
	env, err := ParseDirectEnvelope(payload)
	if err != nil {
		return PlainMessage{}, err
	}
	plain, err := decryptEnvelope(sharedSecret[:16], sharedSecret, env.MAC, env.Ciphertext)
	if err != nil {
		return PlainMessage{}, err
	}
	return parsePlainMessage(plain)
}

// TryDecryptDM is the candidate-peer attempt used by the processor: derive
// the session secret for one peer and decrypt.
func TryDecryptDM(payload, ourPrivate, peerPublic []byte) (PlainMessage, error) {
	secret, err := SharedSecret(ourPrivate, peerPublic)
	if err != nil {
		return PlainMessage{}, err
	}
	return DecryptDirect(payload, secret)
}

// EncryptDirect builds a TEXT_MESSAGE payload addressed dest<-src under a
// precomputed shared secret.
func EncryptDirect(destHash, srcHash byte, sharedSecret []byte, timestamp int64, flags byte, text string) ([]byte, error) {
	if len(sharedSecret) != 32 {
		return nil, fmt.Errorf("shared secret must be 32 bytes, got %d", len(sharedSecret))
	}
	mac, ct, err := encryptEnvelope(sharedSecret[:16], sharedSecret, buildPlainMessage(timestamp, flags, text))
	if err != nil {
		return nil, err
	}
	payload := make([]byte, 0, 4+len(ct))
	payload = append(payload, destHash, srcHash)
	payload = append(payload, mac...)
	return append(payload, ct...), nil
}

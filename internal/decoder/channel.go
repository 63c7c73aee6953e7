package decoder

import (
	"crypto/sha256"
	"fmt"
)

const ChannelKeySize = 16

// DeriveHashtagKey derives a hashtag channel's key from its name:
// SHA-256(name) truncated to 16 bytes.
func DeriveHashtagKey(name string) []byte {
	sum := sha256.Sum256([]byte(name))
	return sum[:ChannelKeySize]
}

// ChannelHash is the 1-byte channel identifier carried in GROUP_TEXT
// payloads: the first byte of SHA-256 over the 16-byte channel key.
func ChannelHash(key []byte) byte {
	sum := sha256.Sum256(key)
	return sum[0]
}

// ChannelHashHex renders the channel hash as two hex digits.
func ChannelHashHex(key []byte) string {
	return fmt.Sprintf("%02x", ChannelHash(key))
}

// channelSecret is the HMAC key for group texts: the channel key padded with
// 16 zero bytes to 32.
func channelSecret(key []byte) []byte {
	secret := make([]byte, 32)
	copy(secret, key)
	return secret
}

// DecryptGroupText decrypts a GROUP_TEXT payload
// (channel_hash(1) || mac(2) || ciphertext) against one channel key.
// A channel-hash mismatch fails fast before any MAC work.
func DecryptGroupText(payload, key []byte) (PlainMessage, error) {
	if len(key) != ChannelKeySize {
		return PlainMessage{}, fmt.Errorf("channel key must be %d bytes, got %d", ChannelKeySize, len(key))
	}
	if len(payload) < 3 {
		return PlainMessage{}, fmt.Errorf("%w: group text payload too short", ErrUnparseable)
	}
	if payload[0] != ChannelHash(key) {
		return PlainMessage{}, fmt.Errorf("%w: channel hash mismatch", ErrBadMAC)
	}

	plain, err := decryptEnvelope(key, channelSecret(key), payload[1:3], payload[3:])
	if err != nil {
		return PlainMessage{}, err
	}
	return parsePlainMessage(plain)
}

// EncryptGroupText builds a GROUP_TEXT payload for the given wire text
// (already in "Sender: message" form when applicable).
func EncryptGroupText(key []byte, timestamp int64, flags byte, text string) ([]byte, error) {
	if len(key) != ChannelKeySize {
		return nil, fmt.Errorf("channel key must be %d bytes, got %d", ChannelKeySize, len(key))
	}
	mac, ct, err := encryptEnvelope(key, channelSecret(key), buildPlainMessage(timestamp, flags, text))
	if err != nil {
		return nil, err
	}
	payload := make([]byte, 0, 3+len(ct))
	payload = append(payload, ChannelHash(key))
	payload = append(payload, mac...)
	return append(payload, ct...), nil
}

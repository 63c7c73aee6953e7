package decoder

import (
	"bytes"
	"crypto/aes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	ErrBadMAC        = errors.New("mac mismatch")
	ErrBadCiphertext = errors.New("bad ciphertext")
)

// PlainMessage is the decrypted body shared by channel and direct messages:
// timestamp (4 LE) || flags (1) || utf8 text null-padded to the block edge.
type PlainMessage struct {
	Timestamp int64
	Flags     byte
	Sender    string // empty when the text carries no "Sender: " prefix
	Text      string
}

// WireText is the text exactly as it appeared on the wire, including any
// "Sender: " prefix. This is the canonical stored form for channel messages.
func (m PlainMessage) WireText() string {
	if m.Sender == "" {
		return m.Text
	}
	return m.Sender + ": " + m.Text
}

// decryptEnvelope verifies the 2-byte truncated HMAC-SHA256 over the
// ciphertext and decrypts it with AES-128-ECB. The wire format predates any
// sane AEAD; ECB is what the radios speak.
func decryptEnvelope(aesKey, macKey, mac, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: length %d", ErrBadCiphertext, len(ciphertext))
	}

	h := hmac.New(sha256.New, macKey)
	h.Write(ciphertext)
	if !hmac.Equal(h.Sum(nil)[:2], mac) {
		return nil, ErrBadMAC
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	plain := make([]byte, len(ciphertext))
	for i := 0; i < len(ciphertext); i += aes.BlockSize {
		block.Decrypt(plain[i:i+aes.BlockSize], ciphertext[i:i+aes.BlockSize])
	}
	return plain, nil
}

// encryptEnvelope pads plaintext with zero bytes to the block edge, encrypts
// with AES-128-ECB and returns the 2-byte MAC plus ciphertext.
func encryptEnvelope(aesKey, macKey, plaintext []byte) (mac, ciphertext []byte, err error) {
	padded := plaintext
	if rem := len(padded) % aes.BlockSize; rem != 0 || len(padded) == 0 {
		padded = append(append([]byte{}, plaintext...), make([]byte, aes.BlockSize-rem)...)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, nil, fmt.Errorf("aes cipher: %w", err)
	}
	ciphertext = make([]byte, len(padded))
	for i := 0; i < len(padded); i += aes.BlockSize {
		block.Encrypt(ciphertext[i:i+aes.BlockSize], padded[i:i+aes.BlockSize])
	}

	h := hmac.New(sha256.New, macKey)
	h.Write(ciphertext)
	return h.Sum(nil)[:2], ciphertext, nil
}

func parsePlainMessage(plain []byte) (PlainMessage, error) {
	if len(plain) < 5 {
		return PlainMessage{}, fmt.Errorf("%w: plaintext too short", ErrBadCiphertext)
	}
	msg := PlainMessage{
		Timestamp: int64(binary.LittleEndian.Uint32(plain[:4])),
		Flags:     plain[4],
	}
	text := plain[5:]
	if i := bytes.IndexByte(text, 0); i >= 0 {
		text = text[:i]
	}
	raw := string(text)
	if !utf8.ValidString(raw) {
		raw = strings.ToValidUTF8(raw, "")
	}
	msg.Sender, msg.Text = SplitSender(raw)
	return msg, nil
}

func buildPlainMessage(timestamp int64, flags byte, text string) []byte {
	out := make([]byte, 5, 5+len(text))
	binary.LittleEndian.PutUint32(out[:4], uint32(timestamp))
	out[4] = flags
	return append(out, text...)
}

// SplitSender applies the wire convention "Sender: message". The split only
// happens when ": " occurs within the first 50 characters and the prefix
// contains none of ':', '[', ']' or NUL.
func SplitSender(text string) (sender, message string) {
	idx := strings.Index(text, ": ")
	if idx < 0 || idx >= 50 {
		return "", text
	}
	prefix := text[:idx]
	if strings.ContainsAny(prefix, ":[]\x00") {
		return "", text
	}
	return prefix, text[idx+2:]
}

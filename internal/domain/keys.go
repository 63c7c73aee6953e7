package domain

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// NormalizeContactKey canonicalizes a contact public key: lower-case hex.
func NormalizeContactKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// NormalizeChannelKey canonicalizes a channel key: upper-case hex.
func NormalizeChannelKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// ValidContactKey reports whether key is a full 64-hex-char public key.
func ValidContactKey(key string) bool {
	if len(key) != 64 {
		return false
	}
	_, err := hex.DecodeString(key)
	return err == nil
}

// ValidContactKeyPrefix reports whether key is a plausible key prefix:
// even-length hex, 2..64 chars.
func ValidContactKeyPrefix(key string) bool {
	if len(key) < 2 || len(key) > 64 || len(key)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(key)
	return err == nil
}

// ChannelKeyBytes decodes a canonical channel key into its 16 raw bytes.
func ChannelKeyBytes(key string) ([]byte, error) {
	raw, err := hex.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("decode channel key: %w", err)
	}
	if len(raw) != 16 {
		return nil, fmt.Errorf("channel key must be 16 bytes, got %d", len(raw))
	}
	return raw, nil
}

package decoder

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode"
)

const advertFixedSize = 32 + 4 + 64 + 1

const (
	advertFlagHasLocation = 0x10
	advertFlagHasFeature1 = 0x20
	advertFlagHasFeature2 = 0x40
	advertFlagHasName     = 0x80
)

// Advert is a parsed self-describing beacon: identity, role, optional
// location and name.
type Advert struct {
	PublicKey []byte // 32 bytes
	Timestamp int64  // sender's clock, unix seconds
	Signature []byte // 64 bytes
	Flags     byte
	Role      int // low nibble of flags: 1 chat, 2 repeater, 3 room, 4 sensor
	Lat       *float64
	Lon       *float64
	Name      string // empty = absent
}

// ParseAdvert decodes an ADVERT payload:
// pubkey(32) || timestamp(4 LE) || signature(64) || flags(1) || variable.
// The variable section order is location, feature1, feature2, name.
func ParseAdvert(payload []byte) (*Advert, error) {
	if len(payload) < advertFixedSize {
		return nil, fmt.Errorf("%w: advert payload %d < %d", ErrUnparseable, len(payload), advertFixedSize)
	}

	a := &Advert{
		PublicKey: payload[:32],
		Timestamp: int64(binary.LittleEndian.Uint32(payload[32:36])),
		Signature: payload[36:100],
		Flags:     payload[100],
	}
	a.Role = int(a.Flags & 0x0F)

	rest := payload[advertFixedSize:]
	if a.Flags&advertFlagHasLocation != 0 {
		if len(rest) < 8 {
			return nil, fmt.Errorf("%w: advert location truncated", ErrUnparseable)
		}
		lat := float64(int32(binary.LittleEndian.Uint32(rest[0:4]))) / 1e6
		lon := float64(int32(binary.LittleEndian.Uint32(rest[4:8]))) / 1e6
		a.Lat, a.Lon = &lat, &lon
		rest = rest[8:]
	}
	if a.Flags&advertFlagHasFeature1 != 0 {
		if len(rest) < 2 {
			return nil, fmt.Errorf("%w: advert feature1 truncated", ErrUnparseable)
		}
		rest = rest[2:]
	}
	if a.Flags&advertFlagHasFeature2 != 0 {
		if len(rest) < 2 {
			return nil, fmt.Errorf("%w: advert feature2 truncated", ErrUnparseable)
		}
		rest = rest[2:]
	}
	if a.Flags&advertFlagHasName != 0 {
		a.Name = cleanAdvertName(rest)
	}

	return a, nil
}

// cleanAdvertName trims at the first NUL, strips control characters and
// rejects names with no alphanumeric content.
func cleanAdvertName(raw []byte) string {
	s := string(raw)
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	var b strings.Builder
	hasAlnum := false
	for _, r := range s {
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			hasAlnum = true
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if out == "" || !hasAlnum {
		return ""
	}
	return out
}

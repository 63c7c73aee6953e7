// Package decoder holds the pure over-the-air frame functions: header and
// path parsing, advertisement parsing, and the channel / direct-message
// crypto envelopes. Nothing here performs I/O.
package decoder

import (
	"errors"
	"fmt"
)

type RouteType byte

const (
	RouteTransportFlood  RouteType = 0x00
	RouteFlood           RouteType = 0x01
	RouteDirect          RouteType = 0x02
	RouteTransportDirect RouteType = 0x03
)

type PayloadType byte

const (
	PayloadTypeTextMessage PayloadType = 0x02
	PayloadTypeAck         PayloadType = 0x03
	PayloadTypeAdvert      PayloadType = 0x04
	PayloadTypeGroupText   PayloadType = 0x05
)

func PayloadTypeName(t PayloadType) string {
	switch t {
	case PayloadTypeTextMessage:
		return "TEXT_MESSAGE"
	case PayloadTypeAck:
		return "ACK"
	case PayloadTypeAdvert:
		return "ADVERT"
	case PayloadTypeGroupText:
		return "GROUP_TEXT"
	default:
		return "Unknown"
	}
}

var ErrUnparseable = errors.New("unparseable packet")

// Packet is a parsed over-the-air frame. Transport is non-nil only for
// TRANSPORT_* route types (4 opaque transport-code bytes).
type Packet struct {
	Header         byte
	RouteType      RouteType
	PayloadType    PayloadType
	PayloadVersion byte
	Transport      []byte
	Path           []byte
	Payload        []byte
}

// ParsePacket splits a raw frame into header, optional transport codes,
// path and payload. Any length-check failure yields ErrUnparseable with no
// partial result.
func ParsePacket(frame []byte) (*Packet, error) {
	if len(frame) < 2 {
		return nil, fmt.Errorf("%w: frame too short (%d)", ErrUnparseable, len(frame))
	}

	header := frame[0]
	p := &Packet{
		Header:         header,
		RouteType:      RouteType(header & 0x03),
		PayloadType:    PayloadType((header >> 2) & 0x0F),
		PayloadVersion: (header >> 6) & 0x03,
	}

	rest := frame[1:]
	if p.RouteType == RouteTransportFlood || p.RouteType == RouteTransportDirect {
		if len(rest) < 4 {
			return nil, fmt.Errorf("%w: missing transport codes", ErrUnparseable)
		}
		p.Transport = rest[:4]
		rest = rest[4:]
	}

	if len(rest) < 1 {
		return nil, fmt.Errorf("%w: missing path length", ErrUnparseable)
	}
	pathLen := int(rest[0])
	rest = rest[1:]
	if len(rest) < pathLen {
		return nil, fmt.Errorf("%w: path truncated (%d < %d)", ErrUnparseable, len(rest), pathLen)
	}
	p.Path = rest[:pathLen]
	p.Payload = rest[pathLen:]

	return p, nil
}

// Reassemble rebuilds the wire frame from its parsed parts.
func (p *Packet) Reassemble() []byte {
	out := make([]byte, 0, 1+len(p.Transport)+1+len(p.Path)+len(p.Payload))
	out = append(out, p.Header)
	out = append(out, p.Transport...)
	out = append(out, byte(len(p.Path)))
	out = append(out, p.Path...)
	out = append(out, p.Payload...)
	return out
}

// PayloadForHash returns the bytes the raw-packet dedup hash covers: the
// payload after the path for a well-formed frame, the whole frame otherwise.
func PayloadForHash(frame []byte) []byte {
	p, err := ParsePacket(frame)
	if err != nil {
		return frame
	}
	return p.Payload
}

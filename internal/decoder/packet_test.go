package decoder

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePacket_FloodWithPath(t *testing.T) {
	// route=FLOOD(1), payload=GROUP_TEXT(5), version=0 => header 0x15
	frame := []byte{0x15, 0x02, 0xAA, 0xBB, 0xDE, 0xAD, 0xBE, 0xEF}

	p, err := ParsePacket(frame)
	require.NoError(t, err)
	require.Equal(t, RouteFlood, p.RouteType)
	require.Equal(t, PayloadTypeGroupText, p.PayloadType)
	require.Equal(t, byte(0), p.PayloadVersion)
	require.Nil(t, p.Transport)
	require.Equal(t, []byte{0xAA, 0xBB}, p.Path)
	require.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, p.Payload)
}

func TestParsePacket_TransportRoutesSkipCodes(t *testing.T) {
	for _, route := range []byte{0x00, 0x03} {
		header := route | byte(PayloadTypeTextMessage)<<2
		frame := []byte{header, 0x01, 0x02, 0x03, 0x04, 0x00, 0xCA, 0xFE}

		p, err := ParsePacket(frame)
		require.NoError(t, err, "route %d", route)
		require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, p.Transport)
		require.Empty(t, p.Path)
		require.Equal(t, []byte{0xCA, 0xFE}, p.Payload)
	}
}

func TestParsePacket_Truncated(t *testing.T) {
	cases := [][]byte{
		nil,
		{0x15},
		{0x15, 0x05, 0xAA}, // path length 5, only one byte follows
		{0x00, 0x01, 0x02}, // transport route, codes truncated
	}
	for _, frame := range cases {
		_, err := ParsePacket(frame)
		require.ErrorIs(t, err, ErrUnparseable, "frame % X", frame)
	}
}

func TestReassemble_RoundTripsPayloadExtraction(t *testing.T) {
	frames := [][]byte{
		{0x15, 0x02, 0xAA, 0xBB, 0x01, 0x02, 0x03},
		{0x03 | byte(PayloadTypeAdvert)<<2, 0x11, 0x22, 0x33, 0x44, 0x00, 0x99},
		{0x09, 0x00},
	}
	for _, frame := range frames {
		p, err := ParsePacket(frame)
		require.NoError(t, err)
		require.Equal(t, frame, p.Reassemble())
		require.Equal(t, p.Payload, PayloadForHash(p.Reassemble()))
	}
}

func TestPayloadForHash_FallsBackToFullFrame(t *testing.T) {
	truncated := []byte{0x15, 0x10, 0x01}
	require.Equal(t, truncated, PayloadForHash(truncated))
}

func TestPayloadTypeName(t *testing.T) {
	require.Equal(t, "TEXT_MESSAGE", PayloadTypeName(PayloadTypeTextMessage))
	require.Equal(t, "ADVERT", PayloadTypeName(PayloadTypeAdvert))
	require.Equal(t, "GROUP_TEXT", PayloadTypeName(PayloadTypeGroupText))
	require.Equal(t, "Unknown", PayloadTypeName(PayloadType(0x0F)))
}

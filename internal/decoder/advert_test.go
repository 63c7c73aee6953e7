package decoder

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildAdvert(flags byte, variable []byte) []byte {
	payload := make([]byte, advertFixedSize, advertFixedSize+len(variable))
	for i := 0; i < 32; i++ {
		payload[i] = byte(i + 1)
	}
	binary.LittleEndian.PutUint32(payload[32:36], 1700000123)
	payload[100] = flags
	return append(payload, variable...)
}

func TestParseAdvert_Minimal(t *testing.T) {
	a, err := ParseAdvert(buildAdvert(0x02, nil))
	require.NoError(t, err)
	require.Equal(t, int64(1700000123), a.Timestamp)
	require.Equal(t, 2, a.Role)
	require.Nil(t, a.Lat)
	require.Nil(t, a.Lon)
	require.Empty(t, a.Name)
	require.Len(t, a.PublicKey, 32)
	require.Len(t, a.Signature, 64)
}

func TestParseAdvert_LocationAndName(t *testing.T) {
	variable := make([]byte, 8)
	lat := int32(52123456)
	lon := int32(-4567890)
	binary.LittleEndian.PutUint32(variable[0:4], uint32(lat))
	binary.LittleEndian.PutUint32(variable[4:8], uint32(lon))
	variable = append(variable, []byte("Base Camp\x00junk")...)

	a, err := ParseAdvert(buildAdvert(0x01|advertFlagHasLocation|advertFlagHasName, variable))
	require.NoError(t, err)
	require.Equal(t, 1, a.Role)
	require.NotNil(t, a.Lat)
	require.InDelta(t, 52.123456, *a.Lat, 1e-9)
	require.InDelta(t, -4.567890, *a.Lon, 1e-9)
	require.Equal(t, "Base Camp", a.Name)
}

func TestParseAdvert_FeatureFieldsSkipped(t *testing.T) {
	variable := []byte{0x11, 0x22, 0x33, 0x44}
	variable = append(variable, []byte("node-7")...)

	a, err := ParseAdvert(buildAdvert(0x01|advertFlagHasFeature1|advertFlagHasFeature2|advertFlagHasName, variable))
	require.NoError(t, err)
	require.Equal(t, "node-7", a.Name)
}

func TestParseAdvert_NameWithoutAlnumBecomesAbsent(t *testing.T) {
	a, err := ParseAdvert(buildAdvert(0x01|advertFlagHasName, []byte("---\x01\x02")))
	require.NoError(t, err)
	require.Empty(t, a.Name)
}

func TestParseAdvert_ControlCharsStripped(t *testing.T) {
	a, err := ParseAdvert(buildAdvert(0x01|advertFlagHasName, []byte("no\x07de")))
	require.NoError(t, err)
	require.Equal(t, "node", a.Name)
}

func TestParseAdvert_Truncated(t *testing.T) {
	_, err := ParseAdvert(make([]byte, advertFixedSize-1))
	require.ErrorIs(t, err, ErrUnparseable)

	_, err = ParseAdvert(buildAdvert(0x01|advertFlagHasLocation, []byte{0x01, 0x02}))
	require.ErrorIs(t, err, ErrUnparseable)
}

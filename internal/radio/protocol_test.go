package radio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildSendTxtMsgLayout(t *testing.T) {
	pubKey := make([]byte, 32)
	for i := range pubKey {
		pubKey[i] = byte(i)
	}
	cmd := BuildSendTxtMsg(TxtTypePlain, 0, 1766604717, pubKey, "hello")

	require.Equal(t, byte(CmdSendTxtMsg), cmd[0])
	require.Equal(t, byte(TxtTypePlain), cmd[1])
	require.Equal(t, uint32(1766604717), binary.LittleEndian.Uint32(cmd[3:7]))
	require.Equal(t, pubKey[:6], cmd[7:13])
	require.Equal(t, "hello", string(cmd[13:]))
}

func TestBuildSendChannelTxtMsgLayout(t *testing.T) {
	cmd := BuildSendChannelTxtMsg(3, 1000, "hi all")

	require.Equal(t, byte(CmdSendChannelTxtMsg), cmd[0])
	require.Equal(t, byte(3), cmd[2])
	require.Equal(t, uint32(1000), binary.LittleEndian.Uint32(cmd[3:7]))
	require.Equal(t, "hi all", string(cmd[7:]))
}

func TestParseSent(t *testing.T) {
	frame := make([]byte, 10)
	frame[0] = RespSent
	frame[1] = 1
	binary.LittleEndian.PutUint32(frame[2:6], 0xDEADBEEF)
	binary.LittleEndian.PutUint32(frame[6:10], 12000)

	sent, err := ParseSent(frame)
	require.NoError(t, err)
	require.Equal(t, uint32(0xDEADBEEF), sent.AckCode)
	require.Equal(t, uint32(12000), sent.TimeoutMS)
}

func TestParseSentRejectsErr(t *testing.T) {
	_, err := ParseSent([]byte{RespErr, 4})
	require.Error(t, err)
	require.Contains(t, err.Error(), "device error 4")
}

func TestContactRecordRoundTrip(t *testing.T) {
	orig := &ContactInfo{
		Type:       2,
		Flags:      1,
		OutPathLen: 3,
		OutPath:    []byte{0xAA, 0xBB, 0xCC},
		Name:       "Repeater One",
		LastAdvert: 1766604717,
		AdvLat:     52.520008,
		AdvLon:     13.404954,
		LastMod:    1766604800,
	}
	for i := range orig.PublicKey {
		orig.PublicKey[i] = byte(255 - i)
	}

	frame := BuildAddUpdateContact(orig)
	require.Equal(t, byte(CmdAddUpdateContact), frame[0])

	// Reuse the record bytes as a CONTACT response.
	resp := append([]byte{RespContact}, frame[1:]...)
	parsed, err := ParseContact(resp)
	require.NoError(t, err)
	require.Equal(t, orig.PublicKey, parsed.PublicKey)
	require.Equal(t, orig.Type, parsed.Type)
	require.Equal(t, orig.OutPathLen, parsed.OutPathLen)
	require.Equal(t, orig.OutPath, parsed.OutPath)
	require.Equal(t, orig.Name, parsed.Name)
	require.Equal(t, orig.LastAdvert, parsed.LastAdvert)
	require.InDelta(t, orig.AdvLat, parsed.AdvLat, 1e-6)
	require.InDelta(t, orig.AdvLon, parsed.AdvLon, 1e-6)
}

func TestParseContactsStart(t *testing.T) {
	frame := []byte{RespContactsStart, 7, 0, 0, 0}
	count, err := ParseContactsStart(frame)
	require.NoError(t, err)
	require.Equal(t, 7, count)
}

func TestParseSelfInfo(t *testing.T) {
	frame := make([]byte, selfInfoFixedSize, selfInfoFixedSize+8)
	frame[0] = RespSelfInfo
	frame[1] = 1  // chat
	frame[2] = 20 // tx power
	frame[3] = 22
	for i := 0; i < 32; i++ {
		frame[4+i] = byte(i)
	}
	binary.LittleEndian.PutUint32(frame[36:40], uint32(int32(52520008)))
	binary.LittleEndian.PutUint32(frame[40:44], uint32(int32(13404954)))
	binary.LittleEndian.PutUint32(frame[48:52], 869525)
	binary.LittleEndian.PutUint32(frame[52:56], 250000)
	frame[56] = 11
	frame[57] = 5
	frame = append(frame, "My Node"...)

	info, err := ParseSelfInfo(frame)
	require.NoError(t, err)
	require.Equal(t, "My Node", info.Name)
	require.InDelta(t, 52.520008, info.AdvLat, 1e-6)
	require.Equal(t, uint32(869525), info.RadioFreq)
	require.Equal(t, byte(11), info.SF)
	require.Equal(t, "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f", info.PublicKeyHex())
}

func TestParseSyncedMessageContact(t *testing.T) {
	frame := make([]byte, 13, 13+2)
	frame[0] = RespContactMsg
	copy(frame[1:7], []byte{0xAB, 0xCD, 0xEF, 0x01, 0x02, 0x03})
	frame[7] = 2 // path len
	frame[8] = TxtTypePlain
	binary.LittleEndian.PutUint32(frame[9:13], 1766604717)
	frame = append(frame, "hi"...)

	msg, err := ParseSyncedMessage(frame)
	require.NoError(t, err)
	require.Equal(t, "abcdef010203", msg.ContactPrefix)
	require.Equal(t, -1, msg.ChannelIndex)
	require.Equal(t, 2, msg.PathLen)
	require.Equal(t, int64(1766604717), msg.SenderTimestamp)
	require.Equal(t, "hi", msg.Text)
}

func TestParseSyncedMessageChannel(t *testing.T) {
	frame := make([]byte, 8, 8+3)
	frame[0] = RespChannelMsg
	frame[1] = 0 // channel slot
	frame[2] = 1
	frame[3] = TxtTypePlain
	binary.LittleEndian.PutUint32(frame[4:8], 1000)
	frame = append(frame, "yo!"...)

	msg, err := ParseSyncedMessage(frame)
	require.NoError(t, err)
	require.Equal(t, 0, msg.ChannelIndex)
	require.Empty(t, msg.ContactPrefix)
	require.Equal(t, "yo!", msg.Text)
}

func TestParseSyncedMessageNoMore(t *testing.T) {
	msg, err := ParseSyncedMessage([]byte{RespNoMoreMsgs})
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestParseChannelInfo(t *testing.T) {
	frame := make([]byte, 2+channelNameSize+channelSecretSize)
	frame[0] = RespChannelInfo
	frame[1] = 4
	copy(frame[2:], "Public")
	secret := []byte{0x8B, 0x33, 0x87, 0xE9, 0xC5, 0xCD, 0xEA, 0x6A, 0xC9, 0xE5, 0xED, 0xBA, 0xA1, 0x15, 0xCD, 0x72}
	copy(frame[2+channelNameSize:], secret)

	info, err := ParseChannelInfo(frame)
	require.NoError(t, err)
	require.Equal(t, 4, info.Index)
	require.Equal(t, "Public", info.Name)
	require.Equal(t, secret, info.Secret[:])
	require.False(t, info.Empty())
}

func TestParseChannelInfoEmptySlot(t *testing.T) {
	frame := make([]byte, 2+channelNameSize+channelSecretSize)
	frame[0] = RespChannelInfo
	frame[1] = 9

	info, err := ParseChannelInfo(frame)
	require.NoError(t, err)
	require.True(t, info.Empty())
}

func TestParsePrivateKey(t *testing.T) {
	frame := make([]byte, 65)
	frame[0] = RespPrivateKey
	for i := 0; i < 64; i++ {
		frame[1+i] = byte(i)
	}

	priv, err := ParsePrivateKey(frame)
	require.NoError(t, err)
	require.Len(t, priv, 64)
	require.Equal(t, byte(63), priv[63])
}

func TestParsePrivateKeyDisabled(t *testing.T) {
	_, err := ParsePrivateKey([]byte{RespDisabled})
	require.ErrorIs(t, err, ErrKeyExportDisabled)
}

func TestParseSendConfirmed(t *testing.T) {
	frame := make([]byte, 9)
	frame[0] = PushSendConfirmed
	binary.LittleEndian.PutUint32(frame[1:5], 42)
	binary.LittleEndian.PutUint32(frame[5:9], 1800)

	conf, err := ParseSendConfirmed(frame)
	require.NoError(t, err)
	require.Equal(t, uint32(42), conf.AckCode)
	require.Equal(t, uint32(1800), conf.RoundTripMS)
}

func TestParseLogRxData(t *testing.T) {
	frame := []byte{PushLogRxData, 0, 0x98, 0x14, 0, 0x15, 0x00, 0xE6}
	rx, err := ParseLogRxData(frame)
	require.NoError(t, err)
	require.Equal(t, -104, rx.RSSI)
	require.InDelta(t, 5.0, rx.SNR, 1e-9)
	require.Equal(t, []byte{0x15, 0x00, 0xE6}, rx.Frame)
}

func TestParseOKReportsDeviceError(t *testing.T) {
	require.NoError(t, ParseOK([]byte{RespOK}))
	require.Error(t, ParseOK([]byte{RespErr, 2}))
	require.Error(t, ParseOK(nil))
}

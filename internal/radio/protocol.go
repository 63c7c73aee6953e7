// Package radio speaks the companion protocol to the MeshCore device and
// owns the single connection to it.
package radio

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// Companion command codes (client -> device).
const (
	CmdAppStart          = 0x01
	CmdSendTxtMsg        = 0x02
	CmdSendChannelTxtMsg = 0x03
	CmdGetContacts       = 0x04
	CmdGetDeviceTime     = 0x05
	CmdSetDeviceTime     = 0x06
	CmdSendSelfAdvert    = 0x07
	CmdAddUpdateContact  = 0x09
	CmdSyncNextMessage   = 0x0A
	CmdRemoveContact     = 0x0F
	CmdExportPrivateKey  = 0x17
	CmdGetChannel        = 0x1F
	CmdSetChannel        = 0x20
	CmdSendTracePath     = 0x24
	CmdSendTelemetryReq  = 0x27
	CmdSetAutoFetch      = 0x2B
)

// Response codes (device -> client, < 0x80).
const (
	RespOK            = 0x00
	RespErr           = 0x01
	RespContactsStart = 0x02
	RespContact       = 0x03
	RespEndOfContacts = 0x04
	RespSelfInfo      = 0x05
	RespSent          = 0x06
	RespContactMsg    = 0x07
	RespChannelMsg    = 0x08
	RespCurrTime      = 0x09
	RespNoMoreMsgs    = 0x0A
	RespChannelInfo   = 0x12
	RespPrivateKey    = 0x0E
	RespDisabled      = 0x0F
)

// Push codes (device -> client, >= 0x80, unsolicited).
const (
	PushAdvert        = 0x80
	PushPathUpdated   = 0x81
	PushSendConfirmed = 0x82
	PushMsgsWaiting   = 0x83
	PushRawData       = 0x84
	PushLogRxData     = 0x88
	PushTraceData     = 0x89
	PushTelemetry     = 0x8B
	PushCliResponse   = 0x8C
)

// Text message types carried by SEND_TXT_MSG and the *_MSG_RECV frames.
const (
	TxtTypePlain = 0
	TxtTypeCLI   = 1
)

const (
	contactRecordSize = 147 // excluding the response code byte
	contactNameSize   = 32
	contactPathSize   = 64
	channelNameSize   = 32
	channelSecretSize = 16
)

func IsPushCode(code byte) bool {
	return code >= 0x80
}

// ---- command builders ----

func BuildAppStart(appName string) []byte {
	cmd := make([]byte, 8, 8+len(appName))
	cmd[0] = CmdAppStart
	cmd[1] = 1 // app version
	return append(cmd, appName...)
}

func BuildSendTxtMsg(txtType byte, attempt byte, senderTimestamp uint32, pubKey []byte, text string) []byte {
	cmd := make([]byte, 13, 13+len(text))
	cmd[0] = CmdSendTxtMsg
	cmd[1] = txtType
	cmd[2] = attempt
	binary.LittleEndian.PutUint32(cmd[3:7], senderTimestamp)
	copy(cmd[7:13], pubKey[:6])
	return append(cmd, text...)
}

func BuildSendChannelTxtMsg(channelIdx byte, senderTimestamp uint32, text string) []byte {
	cmd := make([]byte, 7, 7+len(text))
	cmd[0] = CmdSendChannelTxtMsg
	cmd[1] = TxtTypePlain
	cmd[2] = channelIdx
	binary.LittleEndian.PutUint32(cmd[3:7], senderTimestamp)
	return append(cmd, text...)
}

func BuildGetContacts(since uint32) []byte {
	cmd := make([]byte, 5)
	cmd[0] = CmdGetContacts
	binary.LittleEndian.PutUint32(cmd[1:5], since)
	return cmd
}

func BuildSetDeviceTime(epoch uint32) []byte {
	cmd := make([]byte, 5)
	cmd[0] = CmdSetDeviceTime
	binary.LittleEndian.PutUint32(cmd[1:5], epoch)
	return cmd
}

func BuildSendSelfAdvert(flood bool) []byte {
	cmd := []byte{CmdSendSelfAdvert, 0}
	if flood {
		cmd[1] = 1
	}
	return cmd
}

func BuildAddUpdateContact(c *ContactInfo) []byte {
	cmd := make([]byte, 1+contactRecordSize)
	cmd[0] = CmdAddUpdateContact
	encodeContactRecord(cmd[1:], c)
	return cmd
}

func BuildSyncNextMessage() []byte {
	return []byte{CmdSyncNextMessage}
}

func BuildRemoveContact(pubKey []byte) []byte {
	cmd := make([]byte, 33)
	cmd[0] = CmdRemoveContact
	copy(cmd[1:], pubKey[:32])
	return cmd
}

func BuildExportPrivateKey() []byte {
	return []byte{CmdExportPrivateKey}
}

func BuildGetChannel(idx byte) []byte {
	return []byte{CmdGetChannel, idx}
}

func BuildSetChannel(idx byte, name string, secret []byte) []byte {
	cmd := make([]byte, 2+channelNameSize+channelSecretSize)
	cmd[0] = CmdSetChannel
	cmd[1] = idx
	copy(cmd[2:2+channelNameSize], name)
	copy(cmd[2+channelNameSize:], secret[:channelSecretSize])
	return cmd
}

func BuildSendTracePath(tag, auth uint32, flags byte, path []byte) []byte {
	cmd := make([]byte, 10, 10+len(path))
	cmd[0] = CmdSendTracePath
	binary.LittleEndian.PutUint32(cmd[1:5], tag)
	binary.LittleEndian.PutUint32(cmd[5:9], auth)
	cmd[9] = flags
	return append(cmd, path...)
}

func BuildSendTelemetryReq(pubKey []byte) []byte {
	cmd := make([]byte, 33)
	cmd[0] = CmdSendTelemetryReq
	copy(cmd[1:], pubKey[:32])
	return cmd
}

func BuildSetAutoFetch(enabled bool) []byte {
	cmd := []byte{CmdSetAutoFetch, 0}
	if enabled {
		cmd[1] = 1
	}
	return cmd
}

// ---- response parsers ----

// SelfInfo is the device identity returned by APP_START.
type SelfInfo struct {
	AdvType    byte
	TxPower    byte
	MaxTxPower byte
	PublicKey  [32]byte
	AdvLat     float64
	AdvLon     float64
	RadioFreq  uint32
	RadioBW    uint32
	SF         byte
	CR         byte
	Name       string
}

func (s *SelfInfo) PublicKeyHex() string {
	return hex.EncodeToString(s.PublicKey[:])
}

const selfInfoFixedSize = 58

func ParseSelfInfo(data []byte) (*SelfInfo, error) {
	if len(data) < 1 || data[0] != RespSelfInfo {
		return nil, respError("SELF_INFO", data)
	}
	if len(data) < selfInfoFixedSize {
		return nil, fmt.Errorf("SELF_INFO too short: %d bytes", len(data))
	}

	info := &SelfInfo{
		AdvType:    data[1],
		TxPower:    data[2],
		MaxTxPower: data[3],
		AdvLat:     float64(int32(binary.LittleEndian.Uint32(data[36:40]))) / 1e6,
		AdvLon:     float64(int32(binary.LittleEndian.Uint32(data[40:44]))) / 1e6,
		RadioFreq:  binary.LittleEndian.Uint32(data[48:52]),
		RadioBW:    binary.LittleEndian.Uint32(data[52:56]),
		SF:         data[56],
		CR:         data[57],
	}
	copy(info.PublicKey[:], data[4:36])
	info.Name = trimPadded(data[selfInfoFixedSize:])
	return info, nil
}

// ContactInfo is one record of the device's contact list.
type ContactInfo struct {
	PublicKey  [32]byte
	Type       byte
	Flags      byte
	OutPathLen int8
	OutPath    []byte // at most 64 bytes, valid up to OutPathLen
	Name       string
	LastAdvert uint32
	AdvLat     float64
	AdvLon     float64
	LastMod    uint32
}

func (c *ContactInfo) PublicKeyHex() string {
	return hex.EncodeToString(c.PublicKey[:])
}

func ParseContactsStart(data []byte) (int, error) {
	if len(data) < 1 || data[0] != RespContactsStart {
		return 0, respError("CONTACTS_START", data)
	}
	if len(data) < 5 {
		return 0, fmt.Errorf("CONTACTS_START too short: %d bytes", len(data))
	}
	return int(binary.LittleEndian.Uint32(data[1:5])), nil
}

func ParseContact(data []byte) (*ContactInfo, error) {
	if len(data) < 1 || data[0] != RespContact {
		return nil, respError("CONTACT", data)
	}
	if len(data) < 1+contactRecordSize {
		return nil, fmt.Errorf("CONTACT too short: %d bytes", len(data))
	}

	rec := data[1:]
	c := &ContactInfo{
		Type:       rec[32],
		Flags:      rec[33],
		OutPathLen: int8(rec[34]),
		Name:       trimPadded(rec[99 : 99+contactNameSize]),
		LastAdvert: binary.LittleEndian.Uint32(rec[131:135]),
		AdvLat:     float64(int32(binary.LittleEndian.Uint32(rec[135:139]))) / 1e6,
		AdvLon:     float64(int32(binary.LittleEndian.Uint32(rec[139:143]))) / 1e6,
		LastMod:    binary.LittleEndian.Uint32(rec[143:147]),
	}
	copy(c.PublicKey[:], rec[:32])
	if c.OutPathLen > 0 {
		n := int(c.OutPathLen)
		if n > contactPathSize {
			n = contactPathSize
		}
		c.OutPath = append([]byte(nil), rec[35:35+n]...)
	}
	return c, nil
}

func encodeContactRecord(dst []byte, c *ContactInfo) {
	copy(dst[:32], c.PublicKey[:])
	dst[32] = c.Type
	dst[33] = c.Flags
	dst[34] = byte(c.OutPathLen)
	if c.OutPathLen > 0 {
		copy(dst[35:35+contactPathSize], c.OutPath)
	}
	copy(dst[99:99+contactNameSize], c.Name)
	binary.LittleEndian.PutUint32(dst[131:135], c.LastAdvert)
	binary.LittleEndian.PutUint32(dst[135:139], uint32(int32(c.AdvLat*1e6)))
	binary.LittleEndian.PutUint32(dst[139:143], uint32(int32(c.AdvLon*1e6)))
	binary.LittleEndian.PutUint32(dst[143:147], c.LastMod)
}

// SentInfo confirms the device queued an outgoing message. AckCode is the
// code a later SEND_CONFIRMED push will carry; TimeoutMS is the device's
// round-trip estimate.
type SentInfo struct {
	Type      byte
	AckCode   uint32
	TimeoutMS uint32
}

func ParseSent(data []byte) (*SentInfo, error) {
	if len(data) < 1 || data[0] != RespSent {
		return nil, respError("SENT", data)
	}
	if len(data) < 10 {
		return nil, fmt.Errorf("SENT too short: %d bytes", len(data))
	}
	return &SentInfo{
		Type:      data[1],
		AckCode:   binary.LittleEndian.Uint32(data[2:6]),
		TimeoutMS: binary.LittleEndian.Uint32(data[6:10]),
	}, nil
}

// SyncedMessage is one message drained via SYNC_NEXT_MESSAGE, already
// decrypted by the radio.
type SyncedMessage struct {
	ContactPrefix   string // 12 hex chars, set for CONTACT_MSG_RECV
	ChannelIndex    int    // set for CHANNEL_MSG_RECV, -1 otherwise
	PathLen         int
	TxtType         int
	SenderTimestamp int64
	Text            string
}

// ParseSyncedMessage handles CONTACT_MSG_RECV and CHANNEL_MSG_RECV frames.
// A NO_MORE_MSGS frame yields (nil, nil).
func ParseSyncedMessage(data []byte) (*SyncedMessage, error) {
	if len(data) < 1 {
		return nil, respError("*_MSG_RECV", data)
	}
	switch data[0] {
	case RespNoMoreMsgs:
		return nil, nil
	case RespContactMsg:
		if len(data) < 13 {
			return nil, fmt.Errorf("CONTACT_MSG_RECV too short: %d bytes", len(data))
		}
		return &SyncedMessage{
			ContactPrefix:   strings.ToLower(hex.EncodeToString(data[1:7])),
			ChannelIndex:    -1,
			PathLen:         int(data[7]),
			TxtType:         int(data[8]),
			SenderTimestamp: int64(binary.LittleEndian.Uint32(data[9:13])),
			Text:            string(data[13:]),
		}, nil
	case RespChannelMsg:
		if len(data) < 8 {
			return nil, fmt.Errorf("CHANNEL_MSG_RECV too short: %d bytes", len(data))
		}
		return &SyncedMessage{
			ChannelIndex:    int(data[1]),
			PathLen:         int(data[2]),
			TxtType:         int(data[3]),
			SenderTimestamp: int64(binary.LittleEndian.Uint32(data[4:8])),
			Text:            string(data[8:]),
		}, nil
	default:
		return nil, respError("*_MSG_RECV", data)
	}
}

func ParseCurrTime(data []byte) (int64, error) {
	if len(data) < 1 || data[0] != RespCurrTime {
		return 0, respError("CURR_TIME", data)
	}
	if len(data) < 5 {
		return 0, fmt.Errorf("CURR_TIME too short: %d bytes", len(data))
	}
	return int64(binary.LittleEndian.Uint32(data[1:5])), nil
}

// ChannelInfo is one of the device's channel slots. An all-zero secret
// means the slot is empty.
type ChannelInfo struct {
	Index  int
	Name   string
	Secret [16]byte
}

func (c *ChannelInfo) Empty() bool {
	return c.Secret == [16]byte{}
}

func ParseChannelInfo(data []byte) (*ChannelInfo, error) {
	if len(data) < 1 || data[0] != RespChannelInfo {
		return nil, respError("CHANNEL_INFO", data)
	}
	if len(data) < 2+channelNameSize+channelSecretSize {
		return nil, fmt.Errorf("CHANNEL_INFO too short: %d bytes", len(data))
	}
	info := &ChannelInfo{
		Index: int(data[1]),
		Name:  trimPadded(data[2 : 2+channelNameSize]),
	}
	copy(info.Secret[:], data[2+channelNameSize:])
	return info, nil
}

// ErrKeyExportDisabled reports firmware that refuses EXPORT_PRIVATE_KEY.
// It is an expected condition, not a failure.
var ErrKeyExportDisabled = fmt.Errorf("private key export is disabled by firmware")

func ParsePrivateKey(data []byte) ([]byte, error) {
	if len(data) >= 1 && data[0] == RespDisabled {
		return nil, ErrKeyExportDisabled
	}
	if len(data) < 1 || data[0] != RespPrivateKey {
		return nil, respError("PRIVATE_KEY", data)
	}
	if len(data) < 65 {
		return nil, fmt.Errorf("PRIVATE_KEY too short: %d bytes", len(data))
	}
	return append([]byte(nil), data[1:65]...), nil
}

func ParseOK(data []byte) error {
	if len(data) >= 1 && data[0] == RespOK {
		return nil
	}
	return respError("OK", data)
}

// ---- push parsers ----

// SendConfirmed is the delivery confirmation push for an earlier SENT
// ack code. RoundTripMS is the measured path round trip.
type SendConfirmed struct {
	AckCode     uint32
	RoundTripMS uint32
}

func ParseSendConfirmed(data []byte) (*SendConfirmed, error) {
	if len(data) < 9 || data[0] != PushSendConfirmed {
		return nil, fmt.Errorf("malformed SEND_CONFIRMED push (%d bytes)", len(data))
	}
	return &SendConfirmed{
		AckCode:     binary.LittleEndian.Uint32(data[1:5]),
		RoundTripMS: binary.LittleEndian.Uint32(data[5:9]),
	}, nil
}

// LogRxData is a raw RF capture push with the radio's signal readings.
type LogRxData struct {
	RSSI  int
	SNR   float64
	Frame []byte
}

func ParseLogRxData(data []byte) (*LogRxData, error) {
	if len(data) < 6 || data[0] != PushLogRxData {
		return nil, fmt.Errorf("malformed LOG_RX_DATA push (%d bytes)", len(data))
	}
	return &LogRxData{
		RSSI:  int(int8(data[2])),
		SNR:   float64(int8(data[3])) / 4.0,
		Frame: append([]byte(nil), data[5:]...),
	}, nil
}

// ParseRawData handles the RAW_DATA push: signal readings then the payload
// the radio received on the raw-data port.
func ParseRawData(data []byte) (*LogRxData, error) {
	if len(data) < 4 || data[0] != PushRawData {
		return nil, fmt.Errorf("malformed RAW_DATA push (%d bytes)", len(data))
	}
	return &LogRxData{
		SNR:   float64(int8(data[1])) / 4.0,
		RSSI:  int(int8(data[2])),
		Frame: append([]byte(nil), data[4:]...),
	}, nil
}

// ParseAdvertPush returns the advertised public key from an ADVERT or
// PATH_UPDATED push.
func ParseAdvertPush(data []byte) ([]byte, error) {
	if len(data) < 33 {
		return nil, fmt.Errorf("malformed advert push (%d bytes)", len(data))
	}
	return append([]byte(nil), data[1:33]...), nil
}

func respError(want string, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty response, expected %s", want)
	}
	if data[0] == RespErr {
		if len(data) >= 2 {
			return fmt.Errorf("device error %d, expected %s", data[1], want)
		}
		return fmt.Errorf("device error, expected %s", want)
	}
	return fmt.Errorf("unexpected response 0x%02X, expected %s", data[0], want)
}

// trimPadded decodes a NUL-padded fixed-width string field.
func trimPadded(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}

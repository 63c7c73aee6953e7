// Package processor turns raw RF captures and radio-decrypted messages
// into stored conversations. All ingest paths funnel through the same
// create-or-merge contract so echoes and dual-path races collapse to one
// row.
package processor

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"meshcored/internal/bus"
	"meshcored/internal/decoder"
	"meshcored/internal/domain"
	"meshcored/internal/eventbus"
	"meshcored/internal/keystore"
	"meshcored/internal/persistence"
)

// pathFreshnessWindow bounds how long a recently adopted short path is
// protected from being replaced by a longer one.
const pathFreshnessWindow = 60

type Processor struct {
	logger *slog.Logger
	store  *persistence.Store
	keys   *keystore.Keystore
	hub    *eventbus.Hub

	// now is swappable for tests.
	now func() int64

	slotMu   sync.Mutex
	slotKeys map[int]string // radio channel slot -> channel key

	syncMu             sync.Mutex
	requestContactSync func()
}

func New(logger *slog.Logger, store *persistence.Store, keys *keystore.Keystore, hub *eventbus.Hub) *Processor {
	return &Processor{
		logger:   logger,
		store:    store,
		keys:     keys,
		hub:      hub,
		now:      func() int64 { return time.Now().Unix() },
		slotKeys: map[int]string{0: domain.PublicChannelKey},
	}
}

// SetContactSyncRequester registers the throttled recent-contacts push
// trigger invoked after non-repeater adverts.
func (p *Processor) SetContactSyncRequester(fn func()) {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()
	p.requestContactSync = fn
}

// SetChannelSlot records which channel key currently occupies a radio
// slot, so radio-decrypted channel messages land in the right
// conversation.
func (p *Processor) SetChannelSlot(idx int, key string) {
	p.slotMu.Lock()
	defer p.slotMu.Unlock()
	p.slotKeys[idx] = domain.NormalizeChannelKey(key)
}

func (p *Processor) channelForSlot(idx int) (string, bool) {
	p.slotMu.Lock()
	defer p.slotMu.Unlock()
	key, ok := p.slotKeys[idx]
	return key, ok
}

// Run consumes RF frames and radio-decrypted messages from the bus until
// ctx is cancelled.
func (p *Processor) Run(ctx context.Context, b bus.MessageBus) {
	frames := b.Subscribe(bus.TopicFrameRX)
	radioMsgs := b.Subscribe(bus.TopicRadioMessage)
	defer b.Unsubscribe(frames, bus.TopicFrameRX)
	defer b.Unsubscribe(radioMsgs, bus.TopicRadioMessage)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-frames:
			if !ok {
				return
			}
			frame, ok := msg.(bus.RawFrame)
			if !ok {
				continue
			}
			if err := p.ProcessRawPacket(ctx, frame.Data, frame.SNR, frame.RSSI); err != nil && ctx.Err() == nil {
				p.logger.Error("raw packet processing failed", "error", err)
			}
		case msg, ok := <-radioMsgs:
			if !ok {
				return
			}
			rm, ok := msg.(bus.RadioMessage)
			if !ok {
				continue
			}
			if err := p.IngestRadioMessage(ctx, rm); err != nil && ctx.Err() == nil {
				p.logger.Error("radio message ingest failed", "error", err)
			}
		}
	}
}

// RawPacketEvent is the live-feed payload published for every capture,
// duplicates included.
type RawPacketEvent struct {
	PacketID    int64    `json:"packet_id"`
	Timestamp   int64    `json:"timestamp"`
	PayloadType string   `json:"payload_type"`
	Size        int      `json:"size"`
	IsNew       bool     `json:"is_new"`
	Decrypted   bool     `json:"decrypted"`
	ChannelName *string  `json:"channel_name,omitempty"`
	Sender      *string  `json:"sender,omitempty"`
	SNR         *float64 `json:"snr,omitempty"`
	RSSI        *int     `json:"rssi,omitempty"`
}

// ProcessRawPacket stores a capture, classifies it and dispatches to the
// payload-type handler. The raw_packet event fires even for duplicates so
// clients can render the live feed.
func (p *Processor) ProcessRawPacket(ctx context.Context, frame []byte, snr *float64, rssi *int) error {
	receivedAt := p.now()
	packetID, isNew, err := p.store.RawPackets.Upsert(ctx, frame, receivedAt)
	if err != nil {
		return fmt.Errorf("upsert raw packet: %w", err)
	}

	event := RawPacketEvent{
		PacketID:    packetID,
		Timestamp:   receivedAt,
		PayloadType: "Unknown",
		Size:        len(frame),
		IsNew:       isNew,
		SNR:         snr,
		RSSI:        rssi,
	}
	defer func() {
		p.hub.Broadcast(eventbus.EventRawPacket, event)
	}()

	packet, err := decoder.ParsePacket(frame)
	if err != nil {
		p.logger.Debug("unparseable frame stored raw", "packet_id", packetID, "size", len(frame))
		return nil
	}
	event.PayloadType = decoder.PayloadTypeName(packet.PayloadType)

	switch packet.PayloadType {
	case decoder.PayloadTypeGroupText:
		// Decrypt even duplicates: the message-level dedup turns the
		// echo path into an ack.
		p.processGroupText(ctx, packet, packetID, receivedAt, &event)
	case decoder.PayloadTypeAdvert:
		if isNew {
			p.processAdvert(ctx, packet, receivedAt)
		}
	case decoder.PayloadTypeTextMessage:
		if isNew && p.keys.Has() {
			p.processDirectMessage(ctx, packet, packetID, receivedAt, &event)
		}
	}
	return nil
}

func (p *Processor) processGroupText(ctx context.Context, packet *decoder.Packet, packetID, receivedAt int64, event *RawPacketEvent) {
	channels, err := p.store.Channels.List(ctx)
	if err != nil {
		p.logger.Error("channel list failed", "error", err)
		return
	}

	for _, ch := range channels {
		key, err := domain.ChannelKeyBytes(ch.Key)
		if err != nil {
			p.logger.Warn("channel has malformed key", "key", ch.Key)
			continue
		}
		plain, err := decoder.DecryptGroupText(packet.Payload, key)
		if err != nil {
			continue
		}

		path := hex.EncodeToString(packet.Path)
		ts := plain.Timestamp
		_, _, err = p.CreateOrMerge(ctx, domain.Message{
			Type:            domain.MessageTypeChannel,
			ConversationKey: ch.Key,
			Text:            plain.WireText(),
			SenderTimestamp: &ts,
			ReceivedAt:      receivedAt,
		}, &path, &packetID)
		if err != nil {
			p.logger.Error("channel message create failed", "channel", ch.Name, "error", err)
			return
		}

		event.Decrypted = true
		name := ch.Name
		event.ChannelName = &name
		if plain.Sender != "" {
			sender := plain.Sender
			event.Sender = &sender
		}
		return
	}
}

// processDirectMessage resolves direction from the 1-byte dest/src hashes
// and tries every contact whose key starts with the peer byte.
func (p *Processor) processDirectMessage(ctx context.Context, packet *decoder.Packet, packetID, receivedAt int64, event *RawPacketEvent) {
	env, err := decoder.ParseDirectEnvelope(packet.Payload)
	if err != nil {
		return
	}
	pub := p.keys.Public()
	if len(pub) == 0 {
		return
	}
	ours := pub[0]

	var peerByte byte
	outgoing := false
	switch {
	case env.DestHash == ours && env.SrcHash == ours:
		// 1/256 collision; the documented fallback is incoming.
		peerByte = env.SrcHash
	case env.DestHash == ours:
		peerByte = env.SrcHash
	case env.SrcHash == ours:
		peerByte = env.DestHash
		outgoing = true
	default:
		return
	}

	candidates, err := p.store.Contacts.ListByFirstByte(ctx, peerByte)
	if err != nil {
		p.logger.Error("contact candidate lookup failed", "error", err)
		return
	}

	for _, contact := range candidates {
		peerKey, err := hex.DecodeString(contact.PublicKey)
		if err != nil || len(peerKey) != 32 {
			continue
		}
		plain, err := decoder.TryDecryptDM(packet.Payload, p.keys.Private(), peerKey)
		if err != nil {
			continue
		}

		path := hex.EncodeToString(packet.Path)
		ts := plain.Timestamp
		// The radio ingest path stores the full plaintext, so the dedup
		// key only matches when the RF path keeps any "Sender: " prefix
		// the body happens to carry.
		_, _, err = p.CreateOrMerge(ctx, domain.Message{
			Type:            domain.MessageTypeDirect,
			ConversationKey: domain.NormalizeContactKey(contact.PublicKey),
			Text:            plain.WireText(),
			SenderTimestamp: &ts,
			ReceivedAt:      receivedAt,
			Outgoing:        outgoing,
		}, &path, &packetID)
		if err != nil {
			p.logger.Error("direct message create failed", "peer", contact.PublicKey, "error", err)
			return
		}

		event.Decrypted = true
		sender := contact.DisplayName()
		event.Sender = &sender
		return
	}
}

// ContactEvent mirrors the stored contact for push consumers.
type ContactEvent struct {
	PublicKey  string   `json:"public_key"`
	Name       *string  `json:"name,omitempty"`
	Type       int      `json:"type"`
	LastPath   *string  `json:"last_path,omitempty"`
	Lat        *float64 `json:"lat,omitempty"`
	Lon        *float64 `json:"lon,omitempty"`
	LastSeen   int64    `json:"last_seen"`
	LastAdvert *int64   `json:"last_advert,omitempty"`
}

func (p *Processor) processAdvert(ctx context.Context, packet *decoder.Packet, receivedAt int64) {
	advert, err := decoder.ParseAdvert(packet.Payload)
	if err != nil {
		p.logger.Debug("malformed advert", "error", err)
		return
	}

	key := domain.NormalizeContactKey(hex.EncodeToString(advert.PublicKey))
	existing, err := p.store.Contacts.GetByKey(ctx, key)
	if err != nil {
		p.logger.Error("contact lookup failed", "error", err)
		return
	}

	newPath := hex.EncodeToString(packet.Path)
	pathLen := len(packet.Path)
	keepStored := existing != nil &&
		existing.LastPathLen >= 0 &&
		receivedAt-existing.LastSeen < pathFreshnessWindow &&
		existing.LastPathLen <= pathLen

	contact := domain.Contact{
		PublicKey:   key,
		Type:        domain.ContactType(advert.Role),
		Flags:       int(advert.Flags),
		LastSeen:    receivedAt,
		LastPathLen: pathLen,
		LastPath:    &newPath,
	}
	if keepStored {
		contact.LastPath = existing.LastPath
		contact.LastPathLen = existing.LastPathLen
	}
	if advert.Name != "" {
		name := advert.Name
		contact.Name = &name
	}
	if advert.Lat != nil && advert.Lon != nil {
		contact.Lat = advert.Lat
		contact.Lon = advert.Lon
	}
	ts := advert.Timestamp
	contact.LastAdvert = &ts
	if existing != nil {
		contact.OnRadio = existing.OnRadio
	}

	if err := p.store.Contacts.Upsert(ctx, contact); err != nil {
		p.logger.Error("contact upsert failed", "error", err)
		return
	}

	stored, err := p.store.Contacts.GetByKey(ctx, key)
	if err != nil || stored == nil {
		return
	}
	p.hub.Broadcast(eventbus.EventContact, ContactEvent{
		PublicKey:  stored.PublicKey,
		Name:       stored.Name,
		Type:       int(stored.Type),
		LastPath:   stored.LastPath,
		Lat:        stored.Lat,
		Lon:        stored.Lon,
		LastSeen:   stored.LastSeen,
		LastAdvert: stored.LastAdvert,
	})

	if !stored.IsRepeater() {
		p.syncMu.Lock()
		request := p.requestContactSync
		p.syncMu.Unlock()
		if request != nil {
			request()
		}
	}
}

// MessageEvent is the payload for newly stored messages.
type MessageEvent struct {
	ID              int64  `json:"id"`
	Type            string `json:"type"`
	ConversationKey string `json:"conversation_key"`
	Text            string `json:"text"`
	SenderTimestamp *int64 `json:"sender_timestamp,omitempty"`
	ReceivedAt      int64  `json:"received_at"`
	Outgoing        bool   `json:"outgoing"`
}

// AckEvent is the payload when a duplicate arrival merges into an
// existing message.
type AckEvent struct {
	MessageID int64                `json:"message_id"`
	AckCount  int                  `json:"ack_count"`
	Paths     []domain.MessagePath `json:"paths"`
}

// CreateOrMerge stores a message, or merges a duplicate into the existing
// row: path appended when supplied, ack incremented only for outgoing
// rows. Returns the message id and whether a new row was created.
func (p *Processor) CreateOrMerge(ctx context.Context, m domain.Message, path *string, packetID *int64) (int64, bool, error) {
	id, err := p.store.Messages.Create(ctx, m)
	if err != nil {
		return 0, false, fmt.Errorf("create message: %w", err)
	}

	if id != 0 {
		if packetID != nil {
			if err := p.store.RawPackets.LinkMessage(ctx, *packetID, id); err != nil {
				return 0, false, fmt.Errorf("link raw packet: %w", err)
			}
		}
		p.hub.Broadcast(eventbus.EventMessage, MessageEvent{
			ID:              id,
			Type:            string(m.Type),
			ConversationKey: m.ConversationKey,
			Text:            m.Text,
			SenderTimestamp: m.SenderTimestamp,
			ReceivedAt:      m.ReceivedAt,
			Outgoing:        m.Outgoing,
		})
		return id, true, nil
	}

	existing, err := p.store.Messages.GetByContent(ctx, m.Type, m.ConversationKey, m.Text, m.SenderTimestamp)
	if err != nil {
		return 0, false, fmt.Errorf("locate duplicate: %w", err)
	}
	if existing == nil {
		return 0, false, fmt.Errorf("duplicate message vanished: %s %s", m.Type, m.ConversationKey)
	}

	if path != nil {
		if err := p.store.Messages.AddPath(ctx, existing.ID, *path, m.ReceivedAt); err != nil {
			return 0, false, fmt.Errorf("append path: %w", err)
		}
	}

	ackCount := existing.Acked
	if existing.Outgoing {
		ackCount, err = p.store.Messages.IncrementAck(ctx, existing.ID)
		if err != nil {
			return 0, false, fmt.Errorf("increment ack: %w", err)
		}
	}

	if packetID != nil {
		if err := p.store.RawPackets.LinkMessage(ctx, *packetID, existing.ID); err != nil {
			return 0, false, fmt.Errorf("link raw packet: %w", err)
		}
	}

	refreshed, err := p.store.Messages.GetByID(ctx, existing.ID)
	if err != nil {
		return 0, false, fmt.Errorf("reload merged message: %w", err)
	}
	p.hub.Broadcast(eventbus.EventMessageAcked, AckEvent{
		MessageID: existing.ID,
		AckCount:  ackCount,
		Paths:     refreshed.Paths,
	})
	return existing.ID, false, nil
}

// IngestRadioMessage stores a message the radio decrypted itself (the
// second DM ingest path and push-drained channel messages).
func (p *Processor) IngestRadioMessage(ctx context.Context, rm bus.RadioMessage) error {
	receivedAt := p.now()
	ts := rm.SenderTimestamp

	if rm.ContactPrefix != "" {
		conversationKey := domain.NormalizeContactKey(rm.ContactPrefix)
		contact, err := p.store.Contacts.FindByPrefix(ctx, conversationKey)
		if err == nil && contact != nil {
			conversationKey = contact.PublicKey
			if err := p.store.Contacts.SetLastContacted(ctx, contact.PublicKey, receivedAt); err != nil {
				p.logger.Warn("last_contacted update failed", "error", err)
			}
		}
		_, _, err = p.CreateOrMerge(ctx, domain.Message{
			Type:            domain.MessageTypeDirect,
			ConversationKey: conversationKey,
			Text:            rm.Text,
			SenderTimestamp: &ts,
			ReceivedAt:      receivedAt,
			TxtType:         rm.TxtType,
		}, nil, nil)
		return err
	}

	key, ok := p.channelForSlot(rm.ChannelIndex)
	if !ok {
		return fmt.Errorf("channel message for unmapped slot %d", rm.ChannelIndex)
	}
	_, _, err := p.CreateOrMerge(ctx, domain.Message{
		Type:            domain.MessageTypeChannel,
		ConversationKey: key,
		Text:            rm.Text,
		SenderTimestamp: &ts,
		ReceivedAt:      receivedAt,
		TxtType:         rm.TxtType,
	}, nil, nil)
	return err
}

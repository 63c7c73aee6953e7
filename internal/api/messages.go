package api

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"meshcored/internal/bus"
	"meshcored/internal/domain"
	"meshcored/internal/eventbus"
	"meshcored/internal/persistence"
	"meshcored/internal/processor"
	"meshcored/internal/radio"
)

const (
	defaultPageSize   = 50
	resendWindowSecs  = 30
	channelSendFormat = "%s: %s"
)

type messageJSON struct {
	ID              int64                `json:"id"`
	Type            string               `json:"type"`
	ConversationKey string               `json:"conversation_key"`
	Text            string               `json:"text"`
	SenderTimestamp *int64               `json:"sender_timestamp,omitempty"`
	ReceivedAt      int64                `json:"received_at"`
	Paths           []domain.MessagePath `json:"paths"`
	TxtType         int                  `json:"txt_type"`
	Outgoing        bool                 `json:"outgoing"`
	Acked           int                  `json:"acked"`
}

func toMessageJSON(m domain.Message) messageJSON {
	return messageJSON{
		ID:              m.ID,
		Type:            string(m.Type),
		ConversationKey: m.ConversationKey,
		Text:            m.Text,
		SenderTimestamp: m.SenderTimestamp,
		ReceivedAt:      m.ReceivedAt,
		Paths:           m.Paths,
		TxtType:         m.TxtType,
		Outgoing:        m.Outgoing,
		Acked:           m.Acked,
	}
}

// conversationType infers PRIV vs CHAN from the key shape: contact keys
// are 64 hex chars, channel keys 32.
func conversationType(key string) (domain.MessageType, string, error) {
	switch len(key) {
	case 64:
		return domain.MessageTypeDirect, domain.NormalizeContactKey(key), nil
	case 32:
		return domain.MessageTypeChannel, domain.NormalizeChannelKey(key), nil
	default:
		return "", "", fmt.Errorf("conversation key must be 32 or 64 hex chars, got %d", len(key))
	}
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	typ, key, err := conversationType(q.Get("conversation"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := defaultPageSize
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
	}

	var beforeReceivedAt, beforeID int64
	if cursor := q.Get("cursor"); cursor != "" {
		beforeReceivedAt, beforeID, err = parseCursor(cursor)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed cursor")
			return
		}
	}

	msgs, err := s.store.Messages.ListConversation(r.Context(), typ, key, limit, beforeReceivedAt, beforeID)
	if err != nil {
		s.writeOpError(w, err)
		return
	}

	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageJSON(m))
	}
	resp := struct {
		Messages   []messageJSON `json:"messages"`
		NextCursor string        `json:"next_cursor,omitempty"`
	}{Messages: out}
	if len(msgs) == limit {
		last := msgs[len(msgs)-1]
		resp.NextCursor = fmt.Sprintf("%d:%d", last.ReceivedAt, last.ID)
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseCursor(cursor string) (receivedAt, id int64, err error) {
	parts := strings.SplitN(cursor, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("cursor needs two fields")
	}
	receivedAt, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	id, err = strconv.ParseInt(parts[1], 10, 64)
	return receivedAt, id, err
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	direct, err := s.store.Messages.UnreadSummary(r.Context(), domain.MessageTypeDirect, name)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	channel, err := s.store.Messages.UnreadSummary(r.Context(), domain.MessageTypeChannel, name)
	if err != nil {
		s.writeOpError(w, err)
		return
	}

	type summaryJSON struct {
		Counts           map[string]int   `json:"counts"`
		Mentions         map[string]bool  `json:"mentions"`
		LastMessageTimes map[string]int64 `json:"last_message_times"`
	}
	writeJSON(w, http.StatusOK, map[string]summaryJSON{
		"direct":  {Counts: direct.Counts, Mentions: direct.Mentions, LastMessageTimes: direct.LastMessageTimes},
		"channel": {Counts: channel.Counts, Mentions: channel.Mentions, LastMessageTimes: channel.LastMessageTimes},
	})
}

// ---- outgoing sends ----

func (s *Server) handleSendDM(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To   string `json:"to"`
		Text string `json:"text"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text must not be empty")
		return
	}
	contact, err := s.store.Contacts.FindByPrefix(r.Context(), req.To)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	if contact == nil {
		writeError(w, http.StatusNotFound, "unknown contact")
		return
	}

	if err := s.sync.EnsureContactOnRadio(r.Context(), contact); err != nil {
		s.writeOpError(w, err)
		return
	}

	pubKey, err := hex.DecodeString(contact.PublicKey)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	now := s.now()
	sent, err := s.link.SendTextMessage(r.Context(), pubKey, radio.TxtTypePlain, now, req.Text)
	if err != nil {
		s.writeOpError(w, err)
		return
	}

	// Store before tracking, so the ack event can never precede the row.
	ts := now
	id, _, err := s.proc.CreateOrMerge(r.Context(), domain.Message{
		Type:            domain.MessageTypeDirect,
		ConversationKey: contact.PublicKey,
		Text:            req.Text,
		SenderTimestamp: &ts,
		ReceivedAt:      now,
		Outgoing:        true,
	}, nil, nil)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	if err := s.store.Contacts.SetLastContacted(r.Context(), contact.PublicKey, now); err != nil {
		s.logger.Warn("last_contacted update failed", "error", err)
	}
	s.acks.track(sent.AckCode, id, now, sent.TimeoutMS)

	writeJSON(w, http.StatusCreated, map[string]any{
		"message_id": id,
		"ack_code":   sent.AckCode,
		"timeout_ms": sent.TimeoutMS,
	})
}

func (s *Server) handleSendChannel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key  string `json:"key"`
		Text string `json:"text"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text must not be empty")
		return
	}
	channel, err := s.store.Channels.Get(r.Context(), req.Key)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	if channel == nil {
		writeError(w, http.StatusNotFound, "unknown channel")
		return
	}
	self := s.link.SelfInfo()
	if self == nil {
		writeError(w, http.StatusServiceUnavailable, "radio not connected")
		return
	}

	slot, err := s.sync.EnsureChannelOnRadio(r.Context(), channel)
	if err != nil {
		s.writeOpError(w, err)
		return
	}

	// The stored text and timestamp must match the echo byte for byte, or
	// the dedup key misses and the echo creates a second row.
	now := s.now()
	wireText := fmt.Sprintf(channelSendFormat, self.Name, req.Text)
	if err := s.link.SendChannelMessage(r.Context(), slot, now, wireText); err != nil {
		s.writeOpError(w, err)
		return
	}

	ts := now
	id, _, err := s.proc.CreateOrMerge(r.Context(), domain.Message{
		Type:            domain.MessageTypeChannel,
		ConversationKey: channel.Key,
		Text:            wireText,
		SenderTimestamp: &ts,
		ReceivedAt:      now,
		Outgoing:        true,
	}, nil, nil)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message_id": id})
}

func (s *Server) handleResendChannel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageID int64 `json:"message_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	msg, err := s.store.Messages.GetByID(r.Context(), req.MessageID)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	if msg == nil {
		writeError(w, http.StatusNotFound, "unknown message")
		return
	}
	if msg.Type != domain.MessageTypeChannel || !msg.Outgoing || msg.SenderTimestamp == nil {
		writeError(w, http.StatusBadRequest, "only outgoing channel messages can be resent")
		return
	}
	if s.now()-msg.ReceivedAt > resendWindowSecs {
		writeError(w, http.StatusBadRequest, "resend window elapsed")
		return
	}
	channel, err := s.store.Channels.Get(r.Context(), msg.ConversationKey)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	if channel == nil {
		writeError(w, http.StatusNotFound, "unknown channel")
		return
	}

	slot, err := s.sync.EnsureChannelOnRadio(r.Context(), channel)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	// Same text and timestamp as the stored row, so the mesh echo still
	// collapses into it.
	if err := s.link.SendChannelMessage(r.Context(), slot, *msg.SenderTimestamp, msg.Text); err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resent"})
}

// ---- ack tracking ----

type ackEntry struct {
	messageID int64
	createdAt int64
	timeoutMS uint32
}

// ackTracker maps expected-ack codes to outgoing messages. Confirmations
// from SEND_CONFIRMED pushes increment the ack counter; stale entries are
// swept lazily at 2x the radio's suggested timeout.
type ackTracker struct {
	logger *slog.Logger
	store  *persistence.Store
	hub    *eventbus.Hub

	mu      sync.Mutex
	entries map[uint32]ackEntry
	now     func() int64
}

func newAckTracker(logger *slog.Logger, store *persistence.Store, hub *eventbus.Hub) *ackTracker {
	return &ackTracker{
		logger:  logger,
		store:   store,
		hub:     hub,
		entries: make(map[uint32]ackEntry),
		now:     func() int64 { return time.Now().Unix() },
	}
}

func (t *ackTracker) track(code uint32, messageID, createdAt int64, timeoutMS uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked()
	t.entries[code] = ackEntry{messageID: messageID, createdAt: createdAt, timeoutMS: timeoutMS}
}

func (t *ackTracker) sweepLocked() {
	now := t.now()
	for code, e := range t.entries {
		ttl := int64(e.timeoutMS) * 2 / 1000
		if ttl < 1 {
			ttl = 1
		}
		if now-e.createdAt > ttl {
			delete(t.entries, code)
		}
	}
}

func (t *ackTracker) run(ctx context.Context, b bus.MessageBus) error {
	sub := b.Subscribe(bus.TopicAck)
	defer b.Unsubscribe(sub, bus.TopicAck)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub:
			if !ok {
				return nil
			}
			ack, ok := msg.(bus.AckConfirmed)
			if !ok {
				continue
			}
			t.confirm(ctx, ack.Code)
		}
	}
}

func (t *ackTracker) confirm(ctx context.Context, code uint32) {
	t.mu.Lock()
	entry, ok := t.entries[code]
	delete(t.entries, code)
	t.sweepLocked()
	t.mu.Unlock()
	if !ok {
		t.logger.Debug("confirmation for untracked ack code", "code", code)
		return
	}

	acked, err := t.store.Messages.IncrementAck(ctx, entry.messageID)
	if err != nil {
		t.logger.Error("ack increment failed", "message_id", entry.messageID, "error", err)
		return
	}
	refreshed, err := t.store.Messages.GetByID(ctx, entry.messageID)
	if err != nil || refreshed == nil {
		t.logger.Error("ack reload failed", "message_id", entry.messageID, "error", err)
		return
	}
	t.hub.Broadcast(eventbus.EventMessageAcked, processor.AckEvent{
		MessageID: entry.messageID,
		AckCount:  acked,
		Paths:     refreshed.Paths,
	})
}

// Package retrydecrypt sweeps stored-but-undecrypted captures with a
// newly supplied key, back-filling conversations through the same
// create-or-merge path live ingest uses.
package retrydecrypt

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"

	"meshcored/internal/decoder"
	"meshcored/internal/domain"
	"meshcored/internal/eventbus"
	"meshcored/internal/persistence"
	"meshcored/internal/processor"
)

type Service struct {
	logger *slog.Logger
	store  *persistence.Store
	proc   *processor.Processor
	hub    *eventbus.Hub
}

func New(logger *slog.Logger, store *persistence.Store, proc *processor.Processor, hub *eventbus.Hub) *Service {
	return &Service{logger: logger, store: store, proc: proc, hub: hub}
}

// Result is the success-event payload emitted when a sweep completes.
type Result struct {
	JobType        string `json:"job_type"`
	SweptPackets   int    `json:"swept_packets"`
	DecryptedCount int    `json:"decrypted_count"`
}

// RetryChannel sweeps every unlinked capture with the channel's key.
func (s *Service) RetryChannel(ctx context.Context, channel domain.Channel) (int, error) {
	key, err := domain.ChannelKeyBytes(channel.Key)
	if err != nil {
		return 0, fmt.Errorf("channel key: %w", err)
	}

	packets, err := s.store.RawPackets.ListUnlinked(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unlinked packets: %w", err)
	}

	decrypted := 0
	for i := range packets {
		pkt := &packets[i]
		packet, err := decoder.ParsePacket(pkt.Data)
		if err != nil || packet.PayloadType != decoder.PayloadTypeGroupText {
			continue
		}
		plain, err := decoder.DecryptGroupText(packet.Payload, key)
		if err != nil {
			continue
		}

		path := hex.EncodeToString(packet.Path)
		ts := plain.Timestamp
		if _, _, err := s.proc.CreateOrMerge(ctx, domain.Message{
			Type:            domain.MessageTypeChannel,
			ConversationKey: channel.Key,
			Text:            plain.WireText(),
			SenderTimestamp: &ts,
			ReceivedAt:      pkt.Timestamp,
		}, &path, &pkt.ID); err != nil {
			return decrypted, fmt.Errorf("backfill channel message: %w", err)
		}
		decrypted++
	}

	s.finish(ctx, "channel", len(packets), decrypted)
	return decrypted, nil
}

// RetryContact sweeps unlinked TEXT_MESSAGE captures with the supplied
// identity and peer key.
func (s *Service) RetryContact(ctx context.Context, privateKey, peerPublic []byte) (int, error) {
	if len(privateKey) != 64 {
		return 0, fmt.Errorf("private key must be 64 bytes, got %d", len(privateKey))
	}
	if len(peerPublic) != 32 {
		return 0, fmt.Errorf("peer public key must be 32 bytes, got %d", len(peerPublic))
	}
	ourPublic, err := decoder.PublicKeyFromPrivate(privateKey)
	if err != nil {
		return 0, fmt.Errorf("derive public key: %w", err)
	}
	ourByte, peerByte := ourPublic[0], peerPublic[0]
	conversationKey := domain.NormalizeContactKey(hex.EncodeToString(peerPublic))

	packets, err := s.store.RawPackets.ListUnlinked(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unlinked packets: %w", err)
	}

	decrypted := 0
	swept := 0
	for i := range packets {
		pkt := &packets[i]
		packet, err := decoder.ParsePacket(pkt.Data)
		if err != nil || packet.PayloadType != decoder.PayloadTypeTextMessage {
			continue
		}
		swept++
		env, err := decoder.ParseDirectEnvelope(packet.Payload)
		if err != nil {
			continue
		}

		outgoing := false
		switch {
		case env.DestHash == ourByte && env.SrcHash == peerByte:
		case env.DestHash == peerByte && env.SrcHash == ourByte:
			outgoing = true
		default:
			continue
		}

		plain, err := decoder.TryDecryptDM(packet.Payload, privateKey, peerPublic)
		if err != nil {
			continue
		}

		path := hex.EncodeToString(packet.Path)
		ts := plain.Timestamp
		if _, _, err := s.proc.CreateOrMerge(ctx, domain.Message{
			Type:            domain.MessageTypeDirect,
			ConversationKey: conversationKey,
			Text:            plain.WireText(),
			SenderTimestamp: &ts,
			ReceivedAt:      pkt.Timestamp,
			Outgoing:        outgoing,
		}, &path, &pkt.ID); err != nil {
			return decrypted, fmt.Errorf("backfill direct message: %w", err)
		}
		decrypted++
	}

	s.finish(ctx, "contact", swept, decrypted)
	return decrypted, nil
}

func (s *Service) finish(ctx context.Context, jobType string, swept, decrypted int) {
	s.logger.Info("decrypt retry finished", "job", jobType, "swept", swept, "decrypted", decrypted)
	s.hub.Broadcast(eventbus.EventSuccess, Result{
		JobType:        jobType,
		SweptPackets:   swept,
		DecryptedCount: decrypted,
	})
}

package api

import (
	"context"
	"encoding/hex"
	"net/http"
	"time"
)

// decryptRetryBudget bounds a background sweep; large backlogs are still
// covered since the sweep is per-packet cheap.
const decryptRetryBudget = 5 * time.Minute

func (s *Server) handleDecryptRetry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type       string `json:"type"`
		Key        string `json:"key"`
		Name       string `json:"name"`
		PrivateKey string `json:"private_key"`
		PublicKey  string `json:"public_key"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	targets, err := s.store.RawPackets.CountUnlinked(r.Context())
	if err != nil {
		s.writeOpError(w, err)
		return
	}

	switch req.Type {
	case "channel":
		channel, err := resolveChannelSpec(req.Key, req.Name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		// Persist the channel so backfilled messages have a conversation.
		if err := s.store.Channels.Upsert(r.Context(), channel); err != nil {
			s.writeOpError(w, err)
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), decryptRetryBudget)
			defer cancel()
			if _, err := s.retry.RetryChannel(ctx, channel); err != nil {
				s.logger.Error("channel decrypt retry failed", "channel", channel.Name, "error", err)
			}
		}()

	case "contact":
		privateKey, err := hex.DecodeString(req.PrivateKey)
		if err != nil || len(privateKey) != 64 {
			writeError(w, http.StatusBadRequest, "private_key must be 128 hex chars")
			return
		}
		publicKey, err := hex.DecodeString(req.PublicKey)
		if err != nil || len(publicKey) != 32 {
			writeError(w, http.StatusBadRequest, "public_key must be 64 hex chars")
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), decryptRetryBudget)
			defer cancel()
			if _, err := s.retry.RetryContact(ctx, privateKey, publicKey); err != nil {
				s.logger.Error("contact decrypt retry failed", "error", err)
			}
		}()

	default:
		writeError(w, http.StatusBadRequest, `type must be "channel" or "contact"`)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]int{"target_packets": targets})
}

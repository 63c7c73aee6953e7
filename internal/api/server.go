// Package api exposes the daemon to clients: REST under /api plus the
// WebSocket push channel. Handlers translate between HTTP and the store,
// link and job services; domain rules live in those packages.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"meshcored/internal/bus"
	"meshcored/internal/eventbus"
	"meshcored/internal/persistence"
	"meshcored/internal/processor"
	"meshcored/internal/radio"
	"meshcored/internal/retrydecrypt"
	"meshcored/internal/syncer"
	"meshcored/internal/transport"
)

type Deps struct {
	Logger    *slog.Logger
	Store     *persistence.Store
	Link      *radio.Link
	Syncer    *syncer.Syncer
	Processor *processor.Processor
	Retry     *retrydecrypt.Service
	Hub       *eventbus.Hub
	Bus       bus.MessageBus
}

type Server struct {
	logger *slog.Logger
	store  *persistence.Store
	link   *radio.Link
	sync   *syncer.Syncer
	proc   *processor.Processor
	retry  *retrydecrypt.Service
	hub    *eventbus.Hub
	bus    bus.MessageBus

	acks *ackTracker
	now  func() int64
}

func NewServer(d Deps) *Server {
	s := &Server{
		logger: d.Logger,
		store:  d.Store,
		link:   d.Link,
		sync:   d.Syncer,
		proc:   d.Processor,
		retry:  d.Retry,
		hub:    d.Hub,
		bus:    d.Bus,
		now:    func() int64 { return time.Now().Unix() },
	}
	s.acks = newAckTracker(d.Logger, d.Store, d.Hub)
	s.hub.SetSnapshot(s.snapshot)
	return s
}

// Run consumes delivery confirmations until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.acks.run(ctx, s.bus)
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.HandleFunc("GET /api/contacts", s.handleListContacts)
	mux.HandleFunc("POST /api/contacts", s.handleCreateContact)
	mux.HandleFunc("DELETE /api/contacts/{key}", s.handleDeleteContact)
	mux.HandleFunc("POST /api/contacts/{key}/read", s.handleContactRead)

	mux.HandleFunc("GET /api/channels", s.handleListChannels)
	mux.HandleFunc("POST /api/channels", s.handleCreateChannel)
	mux.HandleFunc("DELETE /api/channels/{key}", s.handleDeleteChannel)
	mux.HandleFunc("POST /api/channels/{key}/read", s.handleChannelRead)

	mux.HandleFunc("GET /api/messages", s.handleListMessages)
	mux.HandleFunc("GET /api/messages/unread", s.handleUnread)
	mux.HandleFunc("POST /api/messages/dm", s.handleSendDM)
	mux.HandleFunc("POST /api/messages/channel", s.handleSendChannel)
	mux.HandleFunc("POST /api/messages/channel/resend", s.handleResendChannel)

	mux.HandleFunc("POST /api/decrypt-retry", s.handleDecryptRetry)

	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.handlePutSettings)
	mux.HandleFunc("POST /api/read-all", s.handleReadAll)

	mux.HandleFunc("POST /api/repeater/{key}/telemetry", s.handleTelemetry)
	mux.HandleFunc("POST /api/repeater/{key}/trace", s.handleTrace)
	mux.HandleFunc("POST /api/repeater/{key}/cli", s.handleCLI)

	mux.HandleFunc("GET /api/ws", s.handleWS)

	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// ---- health ----

type healthPayload struct {
	Status                     string  `json:"status"`
	RadioConnected             bool    `json:"radio_connected"`
	ConnectionInfo             string  `json:"connection_info"`
	DatabaseSizeMB             float64 `json:"database_size_mb"`
	OldestUndecryptedTimestamp *int64  `json:"oldest_undecrypted_timestamp"`
}

func (s *Server) healthPayload(ctx context.Context) healthPayload {
	payload := healthPayload{
		Status:         "ok",
		RadioConnected: s.link.Connected(),
		ConnectionInfo: s.link.Target(),
	}
	if size, err := s.store.SizeMB(ctx); err == nil {
		payload.DatabaseSizeMB = size
	}
	if oldest, err := s.store.RawPackets.OldestUnlinkedTimestamp(ctx); err == nil {
		payload.OldestUndecryptedTimestamp = oldest
	}
	return payload
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.healthPayload(r.Context()))
}

// snapshot builds the initial-state replay for new push subscribers:
// health, then every contact, then every channel.
func (s *Server) snapshot() []eventbus.Envelope {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	envs := []eventbus.Envelope{
		{Type: eventbus.EventHealth, Data: s.healthPayload(ctx)},
	}
	contacts, err := s.store.Contacts.ListAll(ctx)
	if err != nil {
		s.logger.Error("snapshot contact list failed", "error", err)
		return envs
	}
	for _, c := range contacts {
		envs = append(envs, eventbus.Envelope{
			Type: eventbus.EventContact,
			Data: processor.ContactEvent{
				PublicKey:  c.PublicKey,
				Name:       c.Name,
				Type:       int(c.Type),
				LastPath:   c.LastPath,
				Lat:        c.Lat,
				Lon:        c.Lon,
				LastSeen:   c.LastSeen,
				LastAdvert: c.LastAdvert,
			},
		})
	}
	channels, err := s.store.Channels.List(ctx)
	if err != nil {
		s.logger.Error("snapshot channel list failed", "error", err)
		return envs
	}
	for _, ch := range channels {
		envs = append(envs, eventbus.Envelope{Type: eventbus.EventChannel, Data: channelJSON(ch)})
	}
	return envs
}

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

// jsonDecodeOptional tolerates an absent body.
func jsonDecodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// writeOpError maps the sentinel errors of the radio and store layers onto
// the documented status codes.
func (s *Server) writeOpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, radio.ErrBusy), errors.Is(err, radio.ErrReconnectPending):
		writeError(w, http.StatusConflict, "busy")
	case errors.Is(err, persistence.ErrAmbiguousPrefix):
		writeError(w, http.StatusConflict, "ambiguous contact key prefix")
	case errors.Is(err, transport.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, "radio not connected")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "radio did not respond in time")
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

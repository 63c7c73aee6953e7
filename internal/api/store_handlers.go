package api

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"meshcored/internal/decoder"
	"meshcored/internal/domain"
	"meshcored/internal/persistence"
)

type contactJSON struct {
	PublicKey     string   `json:"public_key"`
	Name          *string  `json:"name,omitempty"`
	DisplayName   string   `json:"display_name"`
	Type          int      `json:"type"`
	LastPath      *string  `json:"last_path,omitempty"`
	LastPathLen   int      `json:"last_path_len"`
	LastAdvert    *int64   `json:"last_advert,omitempty"`
	Lat           *float64 `json:"lat,omitempty"`
	Lon           *float64 `json:"lon,omitempty"`
	LastSeen      int64    `json:"last_seen"`
	OnRadio       bool     `json:"on_radio"`
	LastContacted *int64   `json:"last_contacted,omitempty"`
	LastReadAt    *int64   `json:"last_read_at,omitempty"`
}

func toContactJSON(c domain.Contact) contactJSON {
	return contactJSON{
		PublicKey:     c.PublicKey,
		Name:          c.Name,
		DisplayName:   c.DisplayName(),
		Type:          int(c.Type),
		LastPath:      c.LastPath,
		LastPathLen:   c.LastPathLen,
		LastAdvert:    c.LastAdvert,
		Lat:           c.Lat,
		Lon:           c.Lon,
		LastSeen:      c.LastSeen,
		OnRadio:       c.OnRadio,
		LastContacted: c.LastContacted,
		LastReadAt:    c.LastReadAt,
	}
}

type channelPayload struct {
	Key        string `json:"key"`
	Name       string `json:"name"`
	IsHashtag  bool   `json:"is_hashtag"`
	OnRadio    bool   `json:"on_radio"`
	LastReadAt *int64 `json:"last_read_at,omitempty"`
}

func channelJSON(c domain.Channel) channelPayload {
	return channelPayload{
		Key:        c.Key,
		Name:       c.Name,
		IsHashtag:  c.IsHashtag,
		OnRadio:    c.OnRadio,
		LastReadAt: c.LastReadAt,
	}
}

// ---- contacts ----

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := s.store.Contacts.ListAll(r.Context())
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	out := make([]contactJSON, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, toContactJSON(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateContact(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PublicKey string  `json:"public_key"`
		Name      *string `json:"name"`
		Type      int     `json:"type"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	key := domain.NormalizeContactKey(req.PublicKey)
	if !domain.ValidContactKey(key) {
		writeError(w, http.StatusBadRequest, "public_key must be 64 hex chars")
		return
	}

	contact := domain.Contact{
		PublicKey:   key,
		Name:        req.Name,
		Type:        domain.ContactType(req.Type),
		LastSeen:    s.now(),
		LastPathLen: -1,
	}
	if err := s.store.Contacts.Upsert(r.Context(), contact); err != nil {
		s.writeOpError(w, err)
		return
	}
	stored, err := s.store.Contacts.GetByKey(r.Context(), key)
	if err != nil || stored == nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toContactJSON(*stored))
}

func (s *Server) handleDeleteContact(w http.ResponseWriter, r *http.Request) {
	contact, ok := s.resolveContact(w, r)
	if !ok {
		return
	}
	if err := s.store.Contacts.Delete(r.Context(), contact.PublicKey); err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleContactRead(w http.ResponseWriter, r *http.Request) {
	contact, ok := s.resolveContact(w, r)
	if !ok {
		return
	}
	at := s.readTimestamp(r)
	if err := s.store.Contacts.SetLastReadAt(r.Context(), contact.PublicKey, at); err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"last_read_at": at})
}

// resolveContact looks the path key up as a full key or unambiguous
// prefix, writing the 404/409 response itself on failure.
func (s *Server) resolveContact(w http.ResponseWriter, r *http.Request) (*domain.Contact, bool) {
	contact, err := s.store.Contacts.FindByPrefix(r.Context(), r.PathValue("key"))
	if errors.Is(err, persistence.ErrAmbiguousPrefix) {
		writeError(w, http.StatusConflict, "ambiguous contact key prefix")
		return nil, false
	}
	if err != nil {
		s.writeOpError(w, err)
		return nil, false
	}
	if contact == nil {
		writeError(w, http.StatusNotFound, "unknown contact")
		return nil, false
	}
	return contact, true
}

// ---- channels ----

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.store.Channels.List(r.Context())
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	out := make([]channelPayload, 0, len(channels))
	for _, c := range channels {
		out = append(out, channelJSON(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key  string `json:"key"`
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	channel, err := resolveChannelSpec(req.Key, req.Name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.Channels.Upsert(r.Context(), channel); err != nil {
		s.writeOpError(w, err)
		return
	}
	stored, err := s.store.Channels.Get(r.Context(), channel.Key)
	if err != nil || stored == nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, channelJSON(*stored))
}

// resolveChannelSpec turns a key and/or name into a channel: hashtag
// names derive their key, explicit keys are validated as 16 bytes hex.
func resolveChannelSpec(key, name string) (domain.Channel, error) {
	name = strings.TrimSpace(name)
	if key == "" {
		if !strings.HasPrefix(name, "#") {
			return domain.Channel{}, errors.New("key required unless name is a #hashtag")
		}
		derived := decoder.DeriveHashtagKey(name)
		return domain.Channel{
			Key:       domain.NormalizeChannelKey(hex.EncodeToString(derived)),
			Name:      name,
			IsHashtag: true,
		}, nil
	}

	normalized := domain.NormalizeChannelKey(key)
	if len(normalized) != 32 {
		return domain.Channel{}, errors.New("key must be 32 hex chars")
	}
	if _, err := hex.DecodeString(normalized); err != nil {
		return domain.Channel{}, errors.New("key must be 32 hex chars")
	}
	if name == "" {
		name = normalized[:8]
	}
	return domain.Channel{
		Key:       normalized,
		Name:      name,
		IsHashtag: strings.HasPrefix(name, "#"),
	}, nil
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	channel, ok := s.lookupChannel(w, r)
	if !ok {
		return
	}
	err := s.store.Channels.Delete(r.Context(), channel.Key)
	if errors.Is(err, persistence.ErrProtectedChannel) {
		writeError(w, http.StatusBadRequest, "the Public channel cannot be deleted")
		return
	}
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleChannelRead(w http.ResponseWriter, r *http.Request) {
	channel, ok := s.lookupChannel(w, r)
	if !ok {
		return
	}
	at := s.readTimestamp(r)
	if err := s.store.Channels.SetLastReadAt(r.Context(), channel.Key, at); err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"last_read_at": at})
}

func (s *Server) lookupChannel(w http.ResponseWriter, r *http.Request) (*domain.Channel, bool) {
	channel, err := s.store.Channels.Get(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeOpError(w, err)
		return nil, false
	}
	if channel == nil {
		writeError(w, http.StatusNotFound, "unknown channel")
		return nil, false
	}
	return channel, true
}

// readTimestamp extracts an optional {"last_read_at": N} body, defaulting
// to now. Missing and empty bodies are both fine.
func (s *Server) readTimestamp(r *http.Request) int64 {
	var req struct {
		LastReadAt *int64 `json:"last_read_at"`
	}
	if err := jsonDecodeOptional(r, &req); err == nil && req.LastReadAt != nil {
		return *req.LastReadAt
	}
	return s.now()
}

// ---- settings, read-all ----

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.Settings.Get(r.Context())
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var settings domain.AppSettings
	if !decodeBody(w, r, &settings) {
		return
	}
	if settings.MaxRadioContacts <= 0 {
		writeError(w, http.StatusBadRequest, "max_radio_contacts must be positive")
		return
	}
	if err := s.store.Settings.Save(r.Context(), settings); err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleReadAll(w http.ResponseWriter, r *http.Request) {
	at := s.now()
	if err := s.store.Contacts.MarkAllRead(r.Context(), at); err != nil {
		s.writeOpError(w, err)
		return
	}
	if err := s.store.Channels.MarkAllRead(r.Context(), at); err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"last_read_at": at})
}

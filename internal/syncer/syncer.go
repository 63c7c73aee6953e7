// Package syncer runs the background loops that keep the radio and the
// store aligned: the periodic drain-and-offload cycle, the message-poll
// fallback, the self-advert timer and the bounded recent-contacts push.
package syncer

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"meshcored/internal/bus"
	"meshcored/internal/domain"
	"meshcored/internal/persistence"
	"meshcored/internal/processor"
	"meshcored/internal/radio"
)

const (
	syncInterval        = 300 * time.Second
	pollInterval        = 5 * time.Second
	advertCheckInterval = 60 * time.Second
	contactSyncThrottle = 30 * time.Second
	maxDrainIterations  = 100
	radioChannelSlots   = 40
	tempChannelSlot     = 39
	contactPrefixLen    = 12
	rawPacketRetention  = 14 * 24 * time.Hour
)

type Syncer struct {
	logger *slog.Logger
	link   *radio.Link
	store  *persistence.Store
	bus    bus.MessageBus
	proc   *processor.Processor

	pauseMu    sync.Mutex
	pauseCount int

	contactSyncMu   sync.Mutex
	lastContactSync time.Time
	contactSyncReq  chan struct{}

	now func() time.Time
}

func New(logger *slog.Logger, link *radio.Link, store *persistence.Store, b bus.MessageBus, proc *processor.Processor) *Syncer {
	return &Syncer{
		logger:         logger,
		link:           link,
		store:          store,
		bus:            b,
		proc:           proc,
		contactSyncReq: make(chan struct{}, 1),
		now:            time.Now,
	}
}

// Run drives every background loop until ctx is cancelled. Each loop
// treats a disconnected radio as a skip, so a single Run covers the whole
// daemon lifetime across reconnects.
func (s *Syncer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.syncLoop(ctx) })
	g.Go(func() error { return s.pollLoop(ctx) })
	g.Go(func() error { return s.advertLoop(ctx) })
	g.Go(func() error { return s.contactSyncLoop(ctx) })
	g.Go(func() error { return s.busLoop(ctx) })
	return g.Wait()
}

// OnConnect is the post-connect setup tail: drain the radio's tables,
// guarantee the canonical channel, re-enable auto-fetch and pull anything
// already queued.
func (s *Syncer) OnConnect(ctx context.Context) error {
	if err := s.RunSyncCycle(ctx); err != nil {
		return err
	}
	if err := s.link.SetAutoFetch(ctx, true); err != nil {
		return fmt.Errorf("enable auto-fetch: %w", err)
	}
	s.drainMessages(ctx)
	return nil
}

// ---- polling pause counter ----

// PausePolling suspends the message-poll fallback. Nests.
func (s *Syncer) PausePolling() {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	s.pauseCount++
}

func (s *Syncer) ResumePolling() {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	if s.pauseCount > 0 {
		s.pauseCount--
	}
}

func (s *Syncer) pollingPaused() bool {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	return s.pauseCount > 0
}

// ---- loops ----

func (s *Syncer) syncLoop(ctx context.Context) error {
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if !s.link.Connected() {
			continue
		}
		if err := s.RunSyncCycle(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sync cycle failed", "error", err)
		}
	}
}

func (s *Syncer) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if !s.link.Connected() || s.pollingPaused() {
			continue
		}
		s.drainMessages(ctx)
	}
}

func (s *Syncer) advertLoop(ctx context.Context) error {
	ticker := time.NewTicker(advertCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if !s.link.Connected() {
			continue
		}
		if err := s.maybeSendSelfAdvert(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("self advert failed", "error", err)
		}
	}
}

func (s *Syncer) contactSyncLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.contactSyncReq:
		}
		if !s.link.Connected() {
			continue
		}
		if err := s.SyncRecentContactsToRadio(ctx, false); err != nil && ctx.Err() == nil {
			s.logger.Error("recent-contacts push failed", "error", err)
		}
	}
}

func (s *Syncer) busLoop(ctx context.Context) error {
	waiting := s.bus.Subscribe(bus.TopicMessagesWaiting)
	adverts := s.bus.Subscribe(bus.TopicAdvertHeard)
	defer s.bus.Unsubscribe(waiting, bus.TopicMessagesWaiting)
	defer s.bus.Unsubscribe(adverts, bus.TopicAdvertHeard)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-waiting:
			if !ok {
				return nil
			}
			if s.link.Connected() && !s.pollingPaused() {
				s.drainMessages(ctx)
			}
		case _, ok := <-adverts:
			if !ok {
				return nil
			}
			// The radio learned a contact on its own; fold it into the
			// store right away.
			if s.link.Connected() {
				if err := s.drainAndOffloadContacts(ctx); err != nil && ctx.Err() == nil {
					s.logger.Warn("contact drain after advert failed", "error", err)
				}
			}
		}
	}
}

// ---- sync cycle ----

// RunSyncCycle drains the radio's contact and channel tables into the
// store, re-ensures the canonical Public channel, resyncs the clock and
// prunes aged undecrypted captures.
func (s *Syncer) RunSyncCycle(ctx context.Context) error {
	if err := s.drainAndOffloadContacts(ctx); err != nil {
		return fmt.Errorf("offload contacts: %w", err)
	}
	if err := s.drainAndOffloadChannels(ctx); err != nil {
		return fmt.Errorf("offload channels: %w", err)
	}
	if err := s.store.Channels.EnsurePublic(ctx); err != nil {
		return fmt.Errorf("ensure public channel: %w", err)
	}
	if err := s.link.SetDeviceTime(ctx, s.now().Unix()); err != nil {
		return fmt.Errorf("resync clock: %w", err)
	}
	cutoff := s.now().Add(-rawPacketRetention).Unix()
	pruned, err := s.store.RawPackets.PruneUnlinked(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune raw packets: %w", err)
	}
	if pruned > 0 {
		s.logger.Info("pruned undecrypted raw packets", "count", pruned)
	}
	return nil
}

func (s *Syncer) drainAndOffloadContacts(ctx context.Context) error {
	contacts, err := s.link.DrainContacts(ctx, 0)
	if err != nil {
		return err
	}
	nowUnix := s.now().Unix()

	for _, c := range contacts {
		fullKey := domain.NormalizeContactKey(c.PublicKeyHex())
		if err := s.store.Contacts.Upsert(ctx, contactFromRadio(c, nowUnix)); err != nil {
			return fmt.Errorf("upsert contact %s: %w", fullKey, err)
		}
		claimed, err := s.store.Messages.ClaimPrefixMessages(ctx, fullKey, contactPrefixLen)
		if err != nil {
			return fmt.Errorf("claim prefix messages for %s: %w", fullKey, err)
		}
		if claimed > 0 {
			s.logger.Info("promoted prefix conversation", "contact", fullKey, "messages", claimed)
		}
		if err := s.link.RemoveContact(ctx, c.PublicKey[:]); err != nil {
			return fmt.Errorf("remove contact from radio: %w", err)
		}
		if err := s.store.Contacts.SetOnRadio(ctx, fullKey, false); err != nil {
			return err
		}
	}
	return nil
}

func contactFromRadio(c *radio.ContactInfo, nowUnix int64) domain.Contact {
	contact := domain.Contact{
		PublicKey:   domain.NormalizeContactKey(c.PublicKeyHex()),
		Type:        domain.ContactType(c.Type),
		Flags:       int(c.Flags),
		LastSeen:    nowUnix,
		LastPathLen: -1,
	}
	if c.Name != "" {
		name := c.Name
		contact.Name = &name
	}
	if c.OutPathLen >= 0 {
		path := hex.EncodeToString(c.OutPath)
		contact.LastPath = &path
		contact.LastPathLen = int(c.OutPathLen)
	}
	if c.LastAdvert != 0 {
		advert := int64(c.LastAdvert)
		contact.LastAdvert = &advert
	}
	if c.AdvLat != 0 || c.AdvLon != 0 {
		lat, lon := c.AdvLat, c.AdvLon
		contact.Lat = &lat
		contact.Lon = &lon
	}
	return contact
}

func (s *Syncer) drainAndOffloadChannels(ctx context.Context) error {
	zeroSecret := make([]byte, 16)
	for slot := 0; slot < radioChannelSlots; slot++ {
		info, err := s.link.GetChannel(ctx, byte(slot))
		if err != nil {
			// Firmware with fewer slots answers ERR past the end.
			s.logger.Debug("channel slot read failed", "slot", slot, "error", err)
			return nil
		}
		if info.Empty() {
			continue
		}

		key := domain.NormalizeChannelKey(hex.EncodeToString(info.Secret[:]))
		name := info.Name
		if key == domain.PublicChannelKey {
			name = domain.PublicChannelName
		} else if name == "" {
			name = key[:8]
		}
		if err := s.store.Channels.Upsert(ctx, domain.Channel{
			Key:       key,
			Name:      name,
			IsHashtag: strings.HasPrefix(name, "#"),
		}); err != nil {
			return fmt.Errorf("upsert channel %s: %w", key, err)
		}
		if err := s.link.SetChannel(ctx, byte(slot), "", zeroSecret); err != nil {
			return fmt.Errorf("clear channel slot %d: %w", slot, err)
		}
	}
	return nil
}

// ---- message drain ----

// drainMessages pulls queued messages until the radio reports empty or the
// safety bound is hit, publishing each for the processor.
func (s *Syncer) drainMessages(ctx context.Context) {
	for i := 0; i < maxDrainIterations; i++ {
		msg, err := s.link.SyncNextMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("message sync failed", "error", err)
			}
			return
		}
		if msg == nil {
			return
		}
		s.bus.Publish(bus.TopicRadioMessage, bus.RadioMessage{
			ContactPrefix:   msg.ContactPrefix,
			ChannelIndex:    msg.ChannelIndex,
			PathLen:         msg.PathLen,
			TxtType:         msg.TxtType,
			SenderTimestamp: msg.SenderTimestamp,
			Text:            msg.Text,
		})
	}
	s.logger.Warn("message drain hit safety bound", "bound", maxDrainIterations)
}

// ---- self advert ----

func (s *Syncer) maybeSendSelfAdvert(ctx context.Context) error {
	settings, err := s.store.Settings.Get(ctx)
	if err != nil {
		return err
	}
	if settings.AdvertInterval == 0 {
		return nil
	}
	nowUnix := s.now().Unix()
	if nowUnix-settings.LastAdvertTime < settings.AdvertInterval {
		return nil
	}

	if err := s.link.SendSelfAdvert(ctx, true); err != nil {
		return err
	}
	_, err = s.store.Settings.Update(ctx, func(st *domain.AppSettings) {
		st.LastAdvertTime = nowUnix
	})
	return err
}

// ---- recent contacts push ----

// RequestContactSync queues a throttled recent-contacts push. Non-blocking.
func (s *Syncer) RequestContactSync() {
	select {
	case s.contactSyncReq <- struct{}{}:
	default:
	}
}

// SyncRecentContactsToRadio keeps the radio's working set bounded:
// favorites first, then the most recently active non-repeaters, capped at
// the configured maximum.
func (s *Syncer) SyncRecentContactsToRadio(ctx context.Context, force bool) error {
	s.contactSyncMu.Lock()
	if !force && s.now().Sub(s.lastContactSync) < contactSyncThrottle {
		s.contactSyncMu.Unlock()
		return nil
	}
	s.lastContactSync = s.now()
	s.contactSyncMu.Unlock()

	settings, err := s.store.Settings.Get(ctx)
	if err != nil {
		return err
	}
	maxContacts := settings.MaxRadioContacts
	if maxContacts <= 0 {
		maxContacts = domain.DefaultAppSettings().MaxRadioContacts
	}

	var targets []domain.Contact
	seen := map[string]bool{}
	for _, fav := range settings.Favorites {
		if fav.Type != domain.FavoriteContact {
			continue
		}
		contact, err := s.store.Contacts.GetByKey(ctx, fav.ID)
		if err != nil {
			return err
		}
		if contact != nil && !seen[contact.PublicKey] {
			targets = append(targets, *contact)
			seen[contact.PublicKey] = true
		}
	}

	recent, err := s.store.Contacts.ListRecentNonRepeaters(ctx, maxContacts)
	if err != nil {
		return err
	}
	for _, contact := range recent {
		if len(targets) >= maxContacts {
			break
		}
		if !seen[contact.PublicKey] {
			targets = append(targets, contact)
			seen[contact.PublicKey] = true
		}
	}
	if len(targets) > maxContacts {
		targets = targets[:maxContacts]
	}

	for _, contact := range targets {
		if contact.OnRadio {
			continue
		}
		if err := s.EnsureContactOnRadio(ctx, &contact); err != nil {
			s.logger.Warn("contact push failed", "contact", contact.PublicKey, "error", err)
		}
	}
	return nil
}

// EnsureContactOnRadio loads one contact into the radio's working set and
// records the flag. Idempotent.
func (s *Syncer) EnsureContactOnRadio(ctx context.Context, contact *domain.Contact) error {
	info, err := radioContactInfo(contact)
	if err != nil {
		return err
	}
	if err := s.link.AddContact(ctx, info); err != nil {
		return err
	}
	return s.store.Contacts.SetOnRadio(ctx, contact.PublicKey, true)
}

func radioContactInfo(contact *domain.Contact) (*radio.ContactInfo, error) {
	keyBytes, err := hex.DecodeString(contact.PublicKey)
	if err != nil || len(keyBytes) != 32 {
		return nil, fmt.Errorf("malformed contact key %q", contact.PublicKey)
	}

	info := &radio.ContactInfo{
		Type:       byte(contact.Type),
		Flags:      byte(contact.Flags),
		OutPathLen: -1,
		Name:       contact.DisplayName(),
	}
	copy(info.PublicKey[:], keyBytes)
	if contact.LastPath != nil && contact.LastPathLen >= 0 {
		path, err := hex.DecodeString(*contact.LastPath)
		if err == nil && len(path) <= 64 {
			info.OutPath = path
			info.OutPathLen = int8(len(path))
		}
	}
	if contact.LastAdvert != nil {
		info.LastAdvert = uint32(*contact.LastAdvert)
	}
	if contact.Lat != nil {
		info.AdvLat = *contact.Lat
	}
	if contact.Lon != nil {
		info.AdvLon = *contact.Lon
	}
	return info, nil
}

// EnsureChannelOnRadio loads a channel into the shared temporary slot for
// an outgoing send and keeps the processor's slot map current.
func (s *Syncer) EnsureChannelOnRadio(ctx context.Context, channel *domain.Channel) (byte, error) {
	secret, err := domain.ChannelKeyBytes(channel.Key)
	if err != nil {
		return 0, err
	}
	if err := s.link.SetChannel(ctx, tempChannelSlot, channel.Name, secret); err != nil {
		return 0, err
	}
	s.proc.SetChannelSlot(tempChannelSlot, channel.Key)
	return tempChannelSlot, nil
}

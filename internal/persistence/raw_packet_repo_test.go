package persistence

import (
	"testing"

	"meshcored/internal/domain"
)

func TestRawPacketUpsert_DedupByPayloadHash(t *testing.T) {
	ctx, store := openTestStore(t)

	frame := []byte{0x15, 0x02, 0xAA, 0xBB, 0x01, 0x02, 0x03}

	id, isNew, err := store.RawPackets.Upsert(ctx, frame, 100)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if !isNew || id == 0 {
		t.Fatalf("expected new row, got id=%d isNew=%v", id, isNew)
	}

	again, isNew, err := store.RawPackets.Upsert(ctx, frame, 200)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if isNew || again != id {
		t.Fatalf("expected dedup to id %d, got id=%d isNew=%v", id, again, isNew)
	}

	// Same payload via a different path is still the same packet.
	otherPath := []byte{0x15, 0x02, 0xCC, 0xDD, 0x01, 0x02, 0x03}
	again, isNew, err = store.RawPackets.Upsert(ctx, otherPath, 300)
	if err != nil {
		t.Fatalf("other-path upsert: %v", err)
	}
	if isNew || again != id {
		t.Fatalf("path must not affect the dedup hash: id=%d isNew=%v", again, isNew)
	}
}

func TestRawPacketLinkAndUnlinked(t *testing.T) {
	ctx, store := openTestStore(t)

	id, _, err := store.RawPackets.Upsert(ctx, []byte{0x15, 0x00, 0x01}, 100)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	unlinked, err := store.RawPackets.ListUnlinked(ctx)
	if err != nil {
		t.Fatalf("list unlinked: %v", err)
	}
	if len(unlinked) != 1 || unlinked[0].ID != id {
		t.Fatalf("expected one unlinked packet, got %+v", unlinked)
	}

	oldest, err := store.RawPackets.OldestUnlinkedTimestamp(ctx)
	if err != nil || oldest == nil || *oldest != 100 {
		t.Fatalf("oldest unlinked: %v, %v", oldest, err)
	}

	msgID, err := store.Messages.Create(ctx, domain.Message{
		Type:            domain.MessageTypeChannel,
		ConversationKey: chanKey,
		Text:            "Bob: linked",
		SenderTimestamp: i64p(1),
		ReceivedAt:      1,
	})
	if err != nil || msgID == 0 {
		t.Fatalf("create message: id=%d err=%v", msgID, err)
	}
	if err := store.RawPackets.LinkMessage(ctx, id, msgID); err != nil {
		t.Fatalf("link: %v", err)
	}

	unlinked, err = store.RawPackets.ListUnlinked(ctx)
	if err != nil {
		t.Fatalf("re-list unlinked: %v", err)
	}
	if len(unlinked) != 0 {
		t.Fatalf("expected no unlinked packets, got %d", len(unlinked))
	}
}

func TestRawPacketPruneUnlinked(t *testing.T) {
	ctx, store := openTestStore(t)

	if _, _, err := store.RawPackets.Upsert(ctx, []byte{0x15, 0x00, 0x01}, 100); err != nil {
		t.Fatalf("seed old: %v", err)
	}
	if _, _, err := store.RawPackets.Upsert(ctx, []byte{0x15, 0x00, 0x02}, 900); err != nil {
		t.Fatalf("seed recent: %v", err)
	}

	pruned, err := store.RawPackets.PruneUnlinked(ctx, 500)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned, got %d", pruned)
	}

	n, err := store.RawPackets.CountUnlinked(ctx)
	if err != nil || n != 1 {
		t.Fatalf("count after prune: %d, %v", n, err)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	ctx, store := openTestStore(t)

	defaults, err := store.Settings.Get(ctx)
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if defaults.MaxRadioContacts != 100 || defaults.SidebarSort != domain.SidebarSortRecent {
		t.Fatalf("unexpected defaults: %+v", defaults)
	}

	updated, err := store.Settings.Update(ctx, func(s *domain.AppSettings) {
		s.AdvertInterval = 3600
		s.Favorites = append(s.Favorites, domain.Favorite{Type: domain.FavoriteContact, ID: keyA})
		s.Bots = append(s.Bots, domain.BotConfig{ID: "b1", Name: "echo", Enabled: true, Code: "reply(msg)"})
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.AdvertInterval != 3600 {
		t.Fatalf("update not applied: %+v", updated)
	}

	loaded, err := store.Settings.Get(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(loaded.Favorites) != 1 || loaded.Favorites[0].ID != keyA {
		t.Fatalf("favorites lost: %+v", loaded.Favorites)
	}
	if len(loaded.Bots) != 1 || !loaded.Bots[0].Enabled {
		t.Fatalf("bots lost: %+v", loaded.Bots)
	}
}

func TestEnsurePublicChannel(t *testing.T) {
	ctx, store := openTestStore(t)

	if err := store.Channels.EnsurePublic(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := store.Channels.EnsurePublic(ctx); err != nil {
		t.Fatalf("ensure twice: %v", err)
	}

	channels, err := store.Channels.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(channels) != 1 {
		t.Fatalf("expected exactly one channel, got %d", len(channels))
	}
	if channels[0].Key != domain.PublicChannelKey || channels[0].Name != domain.PublicChannelName {
		t.Fatalf("public channel malformed: %+v", channels[0])
	}

	if err := store.Channels.Delete(ctx, domain.PublicChannelKey); err != ErrProtectedChannel {
		t.Fatalf("expected ErrProtectedChannel, got %v", err)
	}
}

package persistence

import (
	"testing"

	"meshcored/internal/domain"
)

const chanKey = "7ABA109EDCF304A84433CB71D0F3AB73"

func TestMessageCreate_DuplicateReturnsZero(t *testing.T) {
	ctx, store := openTestStore(t)

	msg := domain.Message{
		Type:            domain.MessageTypeChannel,
		ConversationKey: chanKey,
		Text:            "Alice: hi",
		SenderTimestamp: i64p(1700000000),
		ReceivedAt:      1700000001,
	}

	id, err := store.Messages.Create(ctx, msg)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id == 0 {
		t.Fatal("expected new id")
	}

	dup, err := store.Messages.Create(ctx, msg)
	if err != nil {
		t.Fatalf("duplicate create: %v", err)
	}
	if dup != 0 {
		t.Fatalf("expected duplicate to be dropped, got id %d", dup)
	}

	got, err := store.Messages.GetByContent(ctx, msg.Type, msg.ConversationKey, msg.Text, msg.SenderTimestamp)
	if err != nil {
		t.Fatalf("get by content: %v", err)
	}
	if got == nil || got.ID != id {
		t.Fatalf("get by content mismatch: %+v", got)
	}
}

func TestMessageAddPath_AppendsWithoutDedup(t *testing.T) {
	ctx, store := openTestStore(t)

	id, err := store.Messages.Create(ctx, domain.Message{
		Type:            domain.MessageTypeChannel,
		ConversationKey: chanKey,
		Text:            "Bob: path test",
		SenderTimestamp: i64p(10),
		ReceivedAt:      10,
	})
	if err != nil || id == 0 {
		t.Fatalf("create: id=%d err=%v", id, err)
	}

	for i, path := range []string{"aabb", "aabb", ""} {
		if err := store.Messages.AddPath(ctx, id, path, int64(100+i)); err != nil {
			t.Fatalf("add path %d: %v", i, err)
		}
	}

	m, err := store.Messages.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(m.Paths) != 3 {
		t.Fatalf("expected 3 path observations, got %d", len(m.Paths))
	}
	if m.Paths[0].Path != "aabb" || m.Paths[1].Path != "aabb" {
		t.Fatalf("identical paths must stay separate: %+v", m.Paths)
	}
	if m.Paths[2].Path != "" {
		t.Fatalf("empty path (direct hop) must be stored: %+v", m.Paths[2])
	}
	if m.Paths[2].ReceivedAt != 102 {
		t.Fatalf("arrival order lost: %+v", m.Paths)
	}
}

func TestMessageIncrementAck(t *testing.T) {
	ctx, store := openTestStore(t)

	id, err := store.Messages.Create(ctx, domain.Message{
		Type:            domain.MessageTypeChannel,
		ConversationKey: chanKey,
		Text:            "Me: mine",
		SenderTimestamp: i64p(20),
		ReceivedAt:      20,
		Outgoing:        true,
	})
	if err != nil || id == 0 {
		t.Fatalf("create: id=%d err=%v", id, err)
	}

	for want := 1; want <= 3; want++ {
		acked, err := store.Messages.IncrementAck(ctx, id)
		if err != nil {
			t.Fatalf("increment %d: %v", want, err)
		}
		if acked != want {
			t.Fatalf("expected ack count %d, got %d", want, acked)
		}
	}
}

func TestClaimPrefixMessages(t *testing.T) {
	ctx, store := openTestStore(t)

	prefix := keyA[:12]
	if _, err := store.Messages.Create(ctx, domain.Message{
		Type:            domain.MessageTypeDirect,
		ConversationKey: prefix,
		Text:            "early dm",
		SenderTimestamp: i64p(5),
		ReceivedAt:      5,
	}); err != nil {
		t.Fatalf("seed prefix message: %v", err)
	}

	if err := store.Contacts.Upsert(ctx, domain.Contact{PublicKey: keyA}); err != nil {
		t.Fatalf("seed contact: %v", err)
	}

	claimed, err := store.Messages.ClaimPrefixMessages(ctx, keyA, len(prefix))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != 1 {
		t.Fatalf("expected 1 claimed, got %d", claimed)
	}

	msgs, err := store.Messages.ListConversation(ctx, domain.MessageTypeDirect, keyA, 10, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "early dm" {
		t.Fatalf("message not promoted: %+v", msgs)
	}
}

func TestClaimPrefixMessages_AmbiguousPrefixLeftAlone(t *testing.T) {
	ctx, store := openTestStore(t)

	// keyA and keyB share their first byte, so "aa" matches both.
	prefix := keyA[:2]
	if _, err := store.Messages.Create(ctx, domain.Message{
		Type:            domain.MessageTypeDirect,
		ConversationKey: prefix,
		Text:            "ambiguous dm",
		SenderTimestamp: i64p(5),
		ReceivedAt:      5,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	for _, key := range []string{keyA, keyB} {
		if err := store.Contacts.Upsert(ctx, domain.Contact{PublicKey: key}); err != nil {
			t.Fatalf("seed contact: %v", err)
		}
	}

	claimed, err := store.Messages.ClaimPrefixMessages(ctx, keyA, len(prefix))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != 0 {
		t.Fatalf("expected no claim with two matching contacts, got %d", claimed)
	}
}

func TestListConversation_CursorPagination(t *testing.T) {
	ctx, store := openTestStore(t)

	for i := int64(1); i <= 5; i++ {
		if _, err := store.Messages.Create(ctx, domain.Message{
			Type:            domain.MessageTypeChannel,
			ConversationKey: chanKey,
			Text:            "Bob: msg",
			SenderTimestamp: i64p(i),
			ReceivedAt:      1000 + i,
		}); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	page, err := store.Messages.ListConversation(ctx, domain.MessageTypeChannel, chanKey, 2, 0, 0)
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(page) != 2 || page[0].ReceivedAt != 1005 || page[1].ReceivedAt != 1004 {
		t.Fatalf("unexpected first page: %+v", page)
	}

	last := page[len(page)-1]
	page, err = store.Messages.ListConversation(ctx, domain.MessageTypeChannel, chanKey, 2, last.ReceivedAt, last.ID)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(page) != 2 || page[0].ReceivedAt != 1003 || page[1].ReceivedAt != 1002 {
		t.Fatalf("unexpected second page: %+v", page)
	}
}

func TestUnreadSummary_CountsMentionsAndLastTimes(t *testing.T) {
	ctx, store := openTestStore(t)

	if err := store.Channels.Upsert(ctx, domain.Channel{Key: chanKey, Name: "#six77", IsHashtag: true}); err != nil {
		t.Fatalf("seed channel: %v", err)
	}
	if err := store.Channels.SetLastReadAt(ctx, chanKey, 1000); err != nil {
		t.Fatalf("set last read: %v", err)
	}

	seed := []struct {
		text       string
		receivedAt int64
		outgoing   bool
	}{
		{"Bob: hi", 1001, false},
		{"Bob: @[Me] hey", 1002, false},
		{"Bob: old", 999, false},
		{"Me: mine", 1003, true},
	}
	for i, m := range seed {
		if _, err := store.Messages.Create(ctx, domain.Message{
			Type:            domain.MessageTypeChannel,
			ConversationKey: chanKey,
			Text:            m.text,
			SenderTimestamp: i64p(int64(i)),
			ReceivedAt:      m.receivedAt,
			Outgoing:        m.outgoing,
		}); err != nil {
			t.Fatalf("seed %q: %v", m.text, err)
		}
	}

	summary, err := store.Messages.UnreadSummary(ctx, domain.MessageTypeChannel, "Me")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Counts[chanKey] != 2 {
		t.Fatalf("expected 2 unread, got %d", summary.Counts[chanKey])
	}
	if !summary.Mentions[chanKey] {
		t.Fatal("expected mention flag")
	}
	if summary.LastMessageTimes[chanKey] != 1003 {
		t.Fatalf("expected last message time 1003, got %d", summary.LastMessageTimes[chanKey])
	}
}

func TestUnreadSummary_EmptyNameNeverMentions(t *testing.T) {
	ctx, store := openTestStore(t)

	if err := store.Channels.Upsert(ctx, domain.Channel{Key: chanKey, Name: "#six77"}); err != nil {
		t.Fatalf("seed channel: %v", err)
	}
	if _, err := store.Messages.Create(ctx, domain.Message{
		Type:            domain.MessageTypeChannel,
		ConversationKey: chanKey,
		Text:            "Bob: @[] odd",
		SenderTimestamp: i64p(1),
		ReceivedAt:      1,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	summary, err := store.Messages.UnreadSummary(ctx, domain.MessageTypeChannel, "")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Mentions[chanKey] {
		t.Fatal("empty display name must not produce mentions")
	}
}

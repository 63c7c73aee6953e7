package persistence

import (
	"errors"
	"strings"
	"testing"

	"meshcored/internal/domain"
)

const (
	keyA = "aa11111111111111111111111111111111111111111111111111111111111111"
	keyB = "aa22222222222222222222222222222222222222222222222222222222222222"
	keyC = "bb33333333333333333333333333333333333333333333333333333333333333"
)

func strp(s string) *string { return &s }

func i64p(v int64) *int64 { return &v }

func f64p(v float64) *float64 { return &v }

func TestContactUpsert_MergePreservesKnownFields(t *testing.T) {
	ctx, store := openTestStore(t)

	if err := store.Contacts.Upsert(ctx, domain.Contact{
		PublicKey:   strings.ToUpper(keyA),
		Name:        strp("Alice"),
		Type:        domain.ContactTypeChat,
		LastPath:    strp("aabb"),
		LastPathLen: 2,
		Lat:         f64p(52.5),
		Lon:         f64p(13.4),
		LastSeen:    1000,
	}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	// Sparse update: no name, unknown type, no path, no location.
	if err := store.Contacts.Upsert(ctx, domain.Contact{
		PublicKey: keyA,
		Type:      domain.ContactTypeUnknown,
		LastSeen:  2000,
		OnRadio:   true,
	}); err != nil {
		t.Fatalf("sparse upsert: %v", err)
	}

	c, err := store.Contacts.GetByKey(ctx, keyA)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c == nil {
		t.Fatal("contact missing")
	}
	if c.PublicKey != keyA {
		t.Fatalf("key not stored lower-case: %q", c.PublicKey)
	}
	if c.Name == nil || *c.Name != "Alice" {
		t.Fatalf("name not preserved: %v", c.Name)
	}
	if c.Type != domain.ContactTypeChat {
		t.Fatalf("type not preserved: %d", c.Type)
	}
	if c.LastPath == nil || *c.LastPath != "aabb" || c.LastPathLen != 2 {
		t.Fatalf("path not preserved: %v/%d", c.LastPath, c.LastPathLen)
	}
	if c.Lat == nil || *c.Lat != 52.5 {
		t.Fatalf("lat not preserved: %v", c.Lat)
	}
	if c.LastSeen != 2000 {
		t.Fatalf("last_seen not overwritten: %d", c.LastSeen)
	}
	if !c.OnRadio {
		t.Fatal("on_radio not overwritten")
	}
}

func TestContactUpsert_NewValuesOverwrite(t *testing.T) {
	ctx, store := openTestStore(t)

	if err := store.Contacts.Upsert(ctx, domain.Contact{PublicKey: keyA, LastSeen: 1}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.Contacts.Upsert(ctx, domain.Contact{
		PublicKey:   keyA,
		Name:        strp("Renamed"),
		Type:        domain.ContactTypeRepeater,
		LastPath:    strp(""),
		LastPathLen: 0,
		LastSeen:    2,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	c, err := store.Contacts.GetByKey(ctx, keyA)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if *c.Name != "Renamed" || c.Type != domain.ContactTypeRepeater {
		t.Fatalf("overwrite failed: %+v", c)
	}
	if c.LastPath == nil || *c.LastPath != "" || c.LastPathLen != 0 {
		t.Fatalf("empty path (direct hop) not stored: %v/%d", c.LastPath, c.LastPathLen)
	}
}

func TestFindByPrefix(t *testing.T) {
	ctx, store := openTestStore(t)
	for _, key := range []string{keyA, keyB, keyC} {
		if err := store.Contacts.Upsert(ctx, domain.Contact{PublicKey: key}); err != nil {
			t.Fatalf("seed %s: %v", key, err)
		}
	}

	c, err := store.Contacts.FindByPrefix(ctx, "bb")
	if err != nil {
		t.Fatalf("unique prefix: %v", err)
	}
	if c == nil || c.PublicKey != keyC {
		t.Fatalf("expected %s, got %+v", keyC, c)
	}

	if _, err := store.Contacts.FindByPrefix(ctx, "aa"); !errors.Is(err, ErrAmbiguousPrefix) {
		t.Fatalf("expected ErrAmbiguousPrefix, got %v", err)
	}

	c, err = store.Contacts.FindByPrefix(ctx, "ff")
	if err != nil || c != nil {
		t.Fatalf("expected no match, got %+v, %v", c, err)
	}

	// Exact 64-char lookups are unambiguous by definition.
	c, err = store.Contacts.FindByPrefix(ctx, strings.ToUpper(keyA))
	if err != nil || c == nil || c.PublicKey != keyA {
		t.Fatalf("exact lookup failed: %+v, %v", c, err)
	}
}

func TestListByFirstByte(t *testing.T) {
	ctx, store := openTestStore(t)
	for _, key := range []string{keyA, keyB, keyC} {
		if err := store.Contacts.Upsert(ctx, domain.Contact{PublicKey: key}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	matches, err := store.Contacts.ListByFirstByte(ctx, 0xAA)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(matches))
	}
}

func TestListRecentNonRepeaters(t *testing.T) {
	ctx, store := openTestStore(t)

	seed := []domain.Contact{
		{PublicKey: keyA, Type: domain.ContactTypeChat, LastContacted: i64p(100)},
		{PublicKey: keyB, Type: domain.ContactTypeChat, LastAdvert: i64p(300)},
		{PublicKey: keyC, Type: domain.ContactTypeRepeater, LastContacted: i64p(999)},
	}
	for _, c := range seed {
		if err := store.Contacts.Upsert(ctx, c); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	out, err := store.Contacts.ListRecentNonRepeaters(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("repeater not excluded: %d", len(out))
	}
	if out[0].PublicKey != keyB || out[1].PublicKey != keyA {
		t.Fatalf("wrong activity order: %s, %s", out[0].PublicKey, out[1].PublicKey)
	}
}

package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"meshcored/internal/domain"
)

// ErrAmbiguousPrefix signals that a key prefix matched more than one
// contact; the caller must supply more bytes.
var ErrAmbiguousPrefix = errors.New("ambiguous contact key prefix")

type ContactRepo struct {
	db *sql.DB
}

func NewContactRepo(db *sql.DB) *ContactRepo {
	return &ContactRepo{db: db}
}

const contactColumns = `public_key, name, type, flags, last_path, last_path_len,
	last_advert, lat, lon, last_seen, on_radio, last_contacted, last_read_at`

// Upsert inserts or merges a contact. Merge rules: name/path/advert/lat/lon/
// last_contacted preserve the stored value when the new one is null, type
// preserves when the new one is unknown, flags/last_seen/on_radio overwrite.
// last_read_at is never touched here.
func (r *ContactRepo) Upsert(ctx context.Context, c domain.Contact) error {
	key := domain.NormalizeContactKey(c.PublicKey)
	if !domain.ValidContactKey(key) {
		return fmt.Errorf("invalid contact key %q", c.PublicKey)
	}

	pathLen := c.LastPathLen
	if c.LastPath == nil {
		pathLen = -1
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO contacts(public_key, name, type, flags, last_path, last_path_len,
			last_advert, lat, lon, last_seen, on_radio, last_contacted)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(public_key) DO UPDATE SET
			name = COALESCE(excluded.name, contacts.name),
			type = CASE WHEN excluded.type = 0 THEN contacts.type ELSE excluded.type END,
			flags = excluded.flags,
			last_path = COALESCE(excluded.last_path, contacts.last_path),
			last_path_len = CASE WHEN excluded.last_path IS NULL THEN contacts.last_path_len ELSE excluded.last_path_len END,
			last_advert = COALESCE(excluded.last_advert, contacts.last_advert),
			lat = COALESCE(excluded.lat, contacts.lat),
			lon = COALESCE(excluded.lon, contacts.lon),
			last_seen = excluded.last_seen,
			on_radio = excluded.on_radio,
			last_contacted = COALESCE(excluded.last_contacted, contacts.last_contacted)
	`, key, nullableString(c.Name), int(c.Type), c.Flags, nullableString(c.LastPath), pathLen,
		nullableInt64(c.LastAdvert), nullableFloat64(c.Lat), nullableFloat64(c.Lon),
		c.LastSeen, boolToInt(c.OnRadio), nullableInt64(c.LastContacted))
	if err != nil {
		return fmt.Errorf("upsert contact: %w", err)
	}
	return nil
}

// GetByKey returns the contact with the exact 64-char key, or nil.
func (r *ContactRepo) GetByKey(ctx context.Context, key string) (*domain.Contact, error) {
	key = domain.NormalizeContactKey(key)
	row := r.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE public_key = ?`, key)
	c, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return c, nil
}

// FindByPrefix resolves a possibly-shortened key. Exact 64-char keys are
// unambiguous by definition; shorter prefixes return ErrAmbiguousPrefix when
// more than one contact matches.
func (r *ContactRepo) FindByPrefix(ctx context.Context, prefix string) (*domain.Contact, error) {
	prefix = domain.NormalizeContactKey(prefix)
	if domain.ValidContactKey(prefix) {
		return r.GetByKey(ctx, prefix)
	}
	if !domain.ValidContactKeyPrefix(prefix) {
		return nil, fmt.Errorf("invalid contact key prefix %q", prefix)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+contactColumns+` FROM contacts
		WHERE public_key LIKE ? || '%'
		LIMIT 2
	`, prefix)
	if err != nil {
		return nil, fmt.Errorf("find contact by prefix: %w", err)
	}
	defer rows.Close()

	var matches []*domain.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		matches = append(matches, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}

	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return matches[0], nil
	default:
		return nil, ErrAmbiguousPrefix
	}
}

// ListByFirstByte returns the DM decryption candidates: contacts whose
// public key starts with the given hash byte.
func (r *ContactRepo) ListByFirstByte(ctx context.Context, first byte) ([]domain.Contact, error) {
	return r.list(ctx, `
		SELECT `+contactColumns+` FROM contacts
		WHERE public_key LIKE ? || '%'
		ORDER BY last_seen DESC
	`, fmt.Sprintf("%02x", first))
}

func (r *ContactRepo) ListAll(ctx context.Context) ([]domain.Contact, error) {
	return r.list(ctx, `SELECT `+contactColumns+` FROM contacts ORDER BY public_key`)
}

// ListRecentNonRepeaters returns non-repeater contacts ordered by recent
// activity (last contact or last advert, whichever is newer).
func (r *ContactRepo) ListRecentNonRepeaters(ctx context.Context, limit int) ([]domain.Contact, error) {
	return r.list(ctx, `
		SELECT `+contactColumns+` FROM contacts
		WHERE type != ?
		ORDER BY MAX(COALESCE(last_contacted, 0), COALESCE(last_advert, 0)) DESC
		LIMIT ?
	`, int(domain.ContactTypeRepeater), limit)
}

func (r *ContactRepo) SetOnRadio(ctx context.Context, key string, onRadio bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE contacts SET on_radio = ? WHERE public_key = ?`,
		boolToInt(onRadio), domain.NormalizeContactKey(key))
	if err != nil {
		return fmt.Errorf("set contact on_radio: %w", err)
	}
	return nil
}

func (r *ContactRepo) SetLastContacted(ctx context.Context, key string, at int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE contacts SET last_contacted = ? WHERE public_key = ?`,
		at, domain.NormalizeContactKey(key))
	if err != nil {
		return fmt.Errorf("set contact last_contacted: %w", err)
	}
	return nil
}

func (r *ContactRepo) SetLastReadAt(ctx context.Context, key string, at int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE contacts SET last_read_at = ? WHERE public_key = ?`,
		at, domain.NormalizeContactKey(key))
	if err != nil {
		return fmt.Errorf("set contact last_read_at: %w", err)
	}
	return nil
}

func (r *ContactRepo) MarkAllRead(ctx context.Context, at int64) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE contacts SET last_read_at = ?`, at); err != nil {
		return fmt.Errorf("mark all contacts read: %w", err)
	}
	return nil
}

func (r *ContactRepo) Delete(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM contacts WHERE public_key = ?`,
		domain.NormalizeContactKey(key)); err != nil {
		return fmt.Errorf("delete contact: %w", err)
	}
	return nil
}

func (r *ContactRepo) list(ctx context.Context, query string, args ...any) ([]domain.Contact, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []domain.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(row rowScanner) (*domain.Contact, error) {
	var (
		c             domain.Contact
		name          sql.NullString
		typ           int
		lastPath      sql.NullString
		lastAdvert    sql.NullInt64
		lat, lon      sql.NullFloat64
		onRadio       int
		lastContacted sql.NullInt64
		lastReadAt    sql.NullInt64
	)
	if err := row.Scan(&c.PublicKey, &name, &typ, &c.Flags, &lastPath, &c.LastPathLen,
		&lastAdvert, &lat, &lon, &c.LastSeen, &onRadio, &lastContacted, &lastReadAt); err != nil {
		return nil, err
	}
	c.Name = stringPtr(name)
	c.Type = domain.ContactType(typ)
	c.LastPath = stringPtr(lastPath)
	c.LastAdvert = int64Ptr(lastAdvert)
	c.Lat = float64Ptr(lat)
	c.Lon = float64Ptr(lon)
	c.OnRadio = onRadio != 0
	c.LastContacted = int64Ptr(lastContacted)
	c.LastReadAt = int64Ptr(lastReadAt)
	return &c, nil
}

package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"meshcored/internal/domain"
)

// ErrProtectedChannel is returned for writes that would remove or rename the
// canonical Public channel.
var ErrProtectedChannel = errors.New("the Public channel is protected")

type ChannelRepo struct {
	db *sql.DB
}

func NewChannelRepo(db *sql.DB) *ChannelRepo {
	return &ChannelRepo{db: db}
}

func (r *ChannelRepo) Upsert(ctx context.Context, c domain.Channel) error {
	key := domain.NormalizeChannelKey(c.Key)
	if len(key) != 32 {
		return fmt.Errorf("invalid channel key %q", c.Key)
	}
	name := c.Name
	if key == domain.PublicChannelKey {
		name = domain.PublicChannelName
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO channels(key, name, is_hashtag, on_radio)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			name = excluded.name,
			is_hashtag = excluded.is_hashtag,
			on_radio = excluded.on_radio
	`, key, name, boolToInt(c.IsHashtag), boolToInt(c.OnRadio))
	if err != nil {
		return fmt.Errorf("upsert channel: %w", err)
	}
	return nil
}

// EnsurePublic guarantees the canonical Public channel exists with its
// well-known key and name.
func (r *ChannelRepo) EnsurePublic(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO channels(key, name, is_hashtag, on_radio)
		VALUES(?, ?, 0, 0)
		ON CONFLICT(key) DO UPDATE SET name = excluded.name
	`, domain.PublicChannelKey, domain.PublicChannelName)
	if err != nil {
		return fmt.Errorf("ensure public channel: %w", err)
	}
	return nil
}

func (r *ChannelRepo) Get(ctx context.Context, key string) (*domain.Channel, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT key, name, is_hashtag, on_radio, last_read_at FROM channels WHERE key = ?
	`, domain.NormalizeChannelKey(key))
	c, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}
	return c, nil
}

func (r *ChannelRepo) List(ctx context.Context) ([]domain.Channel, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT key, name, is_hashtag, on_radio, last_read_at FROM channels ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []domain.Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return out, nil
}

func (r *ChannelRepo) SetOnRadio(ctx context.Context, key string, onRadio bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE channels SET on_radio = ? WHERE key = ?`,
		boolToInt(onRadio), domain.NormalizeChannelKey(key))
	if err != nil {
		return fmt.Errorf("set channel on_radio: %w", err)
	}
	return nil
}

func (r *ChannelRepo) SetLastReadAt(ctx context.Context, key string, at int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE channels SET last_read_at = ? WHERE key = ?`,
		at, domain.NormalizeChannelKey(key))
	if err != nil {
		return fmt.Errorf("set channel last_read_at: %w", err)
	}
	return nil
}

func (r *ChannelRepo) MarkAllRead(ctx context.Context, at int64) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE channels SET last_read_at = ?`, at); err != nil {
		return fmt.Errorf("mark all channels read: %w", err)
	}
	return nil
}

func (r *ChannelRepo) Delete(ctx context.Context, key string) error {
	key = domain.NormalizeChannelKey(key)
	if key == domain.PublicChannelKey {
		return ErrProtectedChannel
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM channels WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	return nil
}

func scanChannel(row rowScanner) (*domain.Channel, error) {
	var (
		c          domain.Channel
		isHashtag  int
		onRadio    int
		lastReadAt sql.NullInt64
	)
	if err := row.Scan(&c.Key, &c.Name, &isHashtag, &onRadio, &lastReadAt); err != nil {
		return nil, err
	}
	c.IsHashtag = isHashtag != 0
	c.OnRadio = onRadio != 0
	c.LastReadAt = int64Ptr(lastReadAt)
	return &c, nil
}

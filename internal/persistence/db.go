package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // register sqlite driver
)

// Open opens (creating if needed) the gateway database, applies pragmas and
// runs pending migrations.
func Open(ctx context.Context, logger *slog.Logger, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if err := migrate(ctx, logger, db); err != nil {
		_ = db.Close()

		return nil, err
	}

	return db, nil
}

// Store bundles the per-table repositories around one shared handle.
type Store struct {
	DB         *sql.DB
	Contacts   *ContactRepo
	Channels   *ChannelRepo
	Messages   *MessageRepo
	RawPackets *RawPacketRepo
	Settings   *SettingsRepo
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		DB:         db,
		Contacts:   NewContactRepo(db),
		Channels:   NewChannelRepo(db),
		Messages:   NewMessageRepo(db),
		RawPackets: NewRawPacketRepo(db),
		Settings:   NewSettingsRepo(db),
	}
}

// SizeMB reports the current database size from the page pragmas.
func (s *Store) SizeMB(ctx context.Context) (float64, error) {
	var pageCount, pageSize int64
	if err := s.DB.QueryRowContext(ctx, `PRAGMA page_count;`).Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("read page count: %w", err)
	}
	if err := s.DB.QueryRowContext(ctx, `PRAGMA page_size;`).Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("read page size: %w", err)
	}
	return float64(pageCount*pageSize) / (1024 * 1024), nil
}

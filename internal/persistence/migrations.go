package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, logger *slog.Logger, tx *sql.Tx) error
}

var migrations = []migration{
	{1, "core tables", migrateCoreTables},
	{2, "app settings", migrateAppSettings},
	{3, "query indexes", migrateQueryIndexes},
	{4, "drop raw packet signal columns", migrateDropSignalColumns},
}

// migrate runs pending migrations in order. Each runs inside its own
// transaction; user_version is bumped only after the migration succeeds.
func migrate(ctx context.Context, logger *slog.Logger, db *sql.DB) error {
	var current int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if err := m.apply(ctx, logger, tx); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
		// PRAGMA does not take bind parameters.
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, m.version)); err != nil {
			return fmt.Errorf("bump schema version to %d: %w", m.version, err)
		}
		logger.Info("applied migration", "version", m.version, "name", m.name)
		current = m.version
	}

	return nil
}

func execAll(ctx context.Context, tx *sql.Tx, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", strings.Fields(stmt)[0], err)
		}
	}
	return nil
}

func migrateCoreTables(ctx context.Context, _ *slog.Logger, tx *sql.Tx) error {
	return execAll(ctx, tx, []string{
		`CREATE TABLE IF NOT EXISTS contacts (
			public_key TEXT PRIMARY KEY,
			name TEXT NULL,
			type INTEGER NOT NULL DEFAULT 0,
			flags INTEGER NOT NULL DEFAULT 0,
			last_path TEXT NULL,
			last_path_len INTEGER NOT NULL DEFAULT -1,
			last_advert INTEGER NULL,
			lat REAL NULL,
			lon REAL NULL,
			last_seen INTEGER NOT NULL DEFAULT 0,
			on_radio INTEGER NOT NULL DEFAULT 0,
			last_contacted INTEGER NULL,
			last_read_at INTEGER NULL
		);`,
		`CREATE TABLE IF NOT EXISTS channels (
			key TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			is_hashtag INTEGER NOT NULL DEFAULT 0,
			on_radio INTEGER NOT NULL DEFAULT 0,
			last_read_at INTEGER NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			conversation_key TEXT NOT NULL,
			text TEXT NOT NULL,
			sender_timestamp INTEGER NULL,
			received_at INTEGER NOT NULL,
			paths TEXT NOT NULL DEFAULT '[]',
			txt_type INTEGER NOT NULL DEFAULT 0,
			signature TEXT NULL,
			outgoing INTEGER NOT NULL DEFAULT 0,
			acked INTEGER NOT NULL DEFAULT 0,
			UNIQUE(type, conversation_key, text, sender_timestamp)
		);`,
		`CREATE TABLE IF NOT EXISTS raw_packets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			data BLOB NOT NULL,
			message_id INTEGER NULL REFERENCES messages(id) ON DELETE SET NULL,
			payload_hash TEXT NOT NULL UNIQUE,
			snr REAL NULL,
			rssi INTEGER NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages(type, conversation_key);`,
	})
}

func migrateAppSettings(ctx context.Context, _ *slog.Logger, tx *sql.Tx) error {
	return execAll(ctx, tx, []string{
		`CREATE TABLE IF NOT EXISTS app_settings (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			settings TEXT NOT NULL
		);`,
	})
}

func migrateQueryIndexes(ctx context.Context, _ *slog.Logger, tx *sql.Tx) error {
	return execAll(ctx, tx, []string{
		`CREATE INDEX IF NOT EXISTS messages_received_at_idx ON messages(received_at);`,
		`CREATE INDEX IF NOT EXISTS raw_packets_message_id_idx ON raw_packets(message_id);`,
		`CREATE INDEX IF NOT EXISTS contacts_on_radio_idx ON contacts(on_radio);`,
	})
}

// Signal readings moved onto the live raw_packet event; the stored columns
// were never queried.
func migrateDropSignalColumns(ctx context.Context, logger *slog.Logger, tx *sql.Tx) error {
	dropColumn(ctx, logger, tx, "raw_packets", "snr")
	dropColumn(ctx, logger, tx, "raw_packets", "rssi")
	return nil
}

// dropColumn tolerates engines without ALTER TABLE DROP COLUMN support:
// the failure is logged and the column stays in place.
func dropColumn(ctx context.Context, logger *slog.Logger, tx *sql.Tx, table, column string) {
	stmt := fmt.Sprintf(`ALTER TABLE %s DROP COLUMN %s;`, table, column)
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		logger.Warn("drop column unsupported, leaving in place", "table", table, "column", column, "error", err)
	}
}

package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"meshcored/internal/decoder"
	"meshcored/internal/domain"
)

type RawPacketRepo struct {
	db *sql.DB
}

func NewRawPacketRepo(db *sql.DB) *RawPacketRepo {
	return &RawPacketRepo{db: db}
}

// PayloadHash is the dedup key: SHA-256 over the payload after the path, or
// over the whole frame when it cannot be parsed.
func PayloadHash(frame []byte) string {
	sum := sha256.Sum256(decoder.PayloadForHash(frame))
	return hex.EncodeToString(sum[:])
}

// Upsert stores a raw frame, deduplicating on payload hash. A duplicate is
// never an error: the existing row id is returned with isNew=false.
func (r *RawPacketRepo) Upsert(ctx context.Context, frame []byte, timestamp int64) (id int64, isNew bool, err error) {
	hash := PayloadHash(frame)

	if err := r.db.QueryRowContext(ctx, `SELECT id FROM raw_packets WHERE payload_hash = ?`, hash).Scan(&id); err == nil {
		return id, false, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("look up raw packet: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO raw_packets(timestamp, data, payload_hash) VALUES(?, ?, ?)
	`, timestamp, frame, hash)
	if err != nil {
		return 0, false, fmt.Errorf("insert raw packet: %w", err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		// Lost the unique-index race; the row exists now.
		if err := r.db.QueryRowContext(ctx, `SELECT id FROM raw_packets WHERE payload_hash = ?`, hash).Scan(&id); err != nil {
			return 0, false, fmt.Errorf("re-select raw packet: %w", err)
		}
		return id, false, nil
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("get raw packet id: %w", err)
	}
	return id, true, nil
}

// LinkMessage records which message a stored frame decrypted into.
func (r *RawPacketRepo) LinkMessage(ctx context.Context, packetID, messageID int64) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE raw_packets SET message_id = ? WHERE id = ?`, messageID, packetID); err != nil {
		return fmt.Errorf("link raw packet: %w", err)
	}
	return nil
}

// ListUnlinked returns stored frames that never produced a message, oldest
// first. These are the decrypt-retry candidates.
func (r *RawPacketRepo) ListUnlinked(ctx context.Context) ([]domain.RawPacket, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, timestamp, data, message_id, payload_hash FROM raw_packets
		WHERE message_id IS NULL
		ORDER BY timestamp ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list unlinked raw packets: %w", err)
	}
	defer rows.Close()

	var out []domain.RawPacket
	for rows.Next() {
		var (
			p         domain.RawPacket
			messageID sql.NullInt64
		)
		if err := rows.Scan(&p.ID, &p.Timestamp, &p.Data, &messageID, &p.PayloadHash); err != nil {
			return nil, fmt.Errorf("scan raw packet: %w", err)
		}
		p.MessageID = int64Ptr(messageID)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate raw packets: %w", err)
	}
	return out, nil
}

func (r *RawPacketRepo) CountUnlinked(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM raw_packets WHERE message_id IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unlinked raw packets: %w", err)
	}
	return n, nil
}

// OldestUnlinkedTimestamp returns the receive time of the oldest
// undecrypted frame, or nil when none exist.
func (r *RawPacketRepo) OldestUnlinkedTimestamp(ctx context.Context) (*int64, error) {
	var ts sql.NullInt64
	if err := r.db.QueryRowContext(ctx, `
		SELECT MIN(timestamp) FROM raw_packets WHERE message_id IS NULL
	`).Scan(&ts); err != nil {
		return nil, fmt.Errorf("oldest unlinked timestamp: %w", err)
	}
	return int64Ptr(ts), nil
}

// PruneUnlinked deletes undecrypted frames received before the cutoff.
func (r *RawPacketRepo) PruneUnlinked(ctx context.Context, before int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM raw_packets WHERE message_id IS NULL AND timestamp < ?
	`, before)
	if err != nil {
		return 0, fmt.Errorf("prune raw packets: %w", err)
	}
	pruned, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return pruned, nil
}

package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"meshcored/internal/domain"
)

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// Create inserts a message. Returns 0 when the row violates the
// (type, conversation_key, text, sender_timestamp) uniqueness and was
// silently dropped; callers treat 0 as an echo or dual-path race.
func (r *MessageRepo) Create(ctx context.Context, m domain.Message) (int64, error) {
	paths := m.Paths
	if paths == nil {
		paths = []domain.MessagePath{}
	}
	pathsJSON, err := json.Marshal(paths)
	if err != nil {
		return 0, fmt.Errorf("encode paths: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages(type, conversation_key, text, sender_timestamp,
			received_at, paths, txt_type, signature, outgoing, acked)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(m.Type), m.ConversationKey, m.Text, nullableInt64(m.SenderTimestamp),
		m.ReceivedAt, string(pathsJSON), m.TxtType, nullableString(m.Signature),
		boolToInt(m.Outgoing), m.Acked)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return 0, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get message id: %w", err)
	}
	return id, nil
}

const messageColumns = `id, type, conversation_key, text, sender_timestamp,
	received_at, paths, txt_type, signature, outgoing, acked`

func (r *MessageRepo) GetByID(ctx context.Context, id int64) (*domain.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// GetByContent locates the row behind a duplicate insert.
func (r *MessageRepo) GetByContent(ctx context.Context, typ domain.MessageType, conversationKey, text string, senderTimestamp *int64) (*domain.Message, error) {
	var row *sql.Row
	if senderTimestamp == nil {
		row = r.db.QueryRowContext(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE type = ? AND conversation_key = ? AND text = ? AND sender_timestamp IS NULL
		`, string(typ), conversationKey, text)
	} else {
		row = r.db.QueryRowContext(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE type = ? AND conversation_key = ? AND text = ? AND sender_timestamp = ?
		`, string(typ), conversationKey, text, *senderTimestamp)
	}
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message by content: %w", err)
	}
	return m, nil
}

// AddPath appends one path observation to the message's JSON array.
// Identical paths are separate observations and are not deduplicated.
func (r *MessageRepo) AddPath(ctx context.Context, id int64, path string, receivedAt int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add path: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT paths FROM messages WHERE id = ?`, id).Scan(&raw); err != nil {
		return fmt.Errorf("read message paths: %w", err)
	}
	var paths []domain.MessagePath
	if err := json.Unmarshal([]byte(raw), &paths); err != nil {
		return fmt.Errorf("decode message paths: %w", err)
	}
	paths = append(paths, domain.MessagePath{Path: path, ReceivedAt: receivedAt})
	encoded, err := json.Marshal(paths)
	if err != nil {
		return fmt.Errorf("encode message paths: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET paths = ? WHERE id = ?`, string(encoded), id); err != nil {
		return fmt.Errorf("write message paths: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit add path: %w", err)
	}
	return nil
}

// IncrementAck bumps the echo counter of an outgoing message and returns
// the new count.
func (r *MessageRepo) IncrementAck(ctx context.Context, id int64) (int, error) {
	if _, err := r.db.ExecContext(ctx, `UPDATE messages SET acked = acked + 1 WHERE id = ?`, id); err != nil {
		return 0, fmt.Errorf("increment ack: %w", err)
	}
	var acked int
	if err := r.db.QueryRowContext(ctx, `SELECT acked FROM messages WHERE id = ?`, id).Scan(&acked); err != nil {
		return 0, fmt.Errorf("read ack count: %w", err)
	}
	return acked, nil
}

// ClaimPrefixMessages promotes PRIV messages stored under a short prefix key
// to the full contact key, but only while exactly one contact matches the
// prefix. Two contacts sharing a prefix keep their conversations apart.
func (r *MessageRepo) ClaimPrefixMessages(ctx context.Context, fullKey string, prefixLen int) (int64, error) {
	fullKey = domain.NormalizeContactKey(fullKey)
	if !domain.ValidContactKey(fullKey) {
		return 0, fmt.Errorf("invalid contact key %q", fullKey)
	}
	if prefixLen <= 0 || prefixLen >= 64 {
		return 0, nil
	}
	prefix := fullKey[:prefixLen]

	res, err := r.db.ExecContext(ctx, `
		UPDATE messages SET conversation_key = ?
		WHERE type = ? AND conversation_key = ?
		AND 1 = (SELECT COUNT(*) FROM contacts WHERE public_key LIKE ? || '%')
	`, fullKey, string(domain.MessageTypeDirect), prefix, prefix)
	if err != nil {
		return 0, fmt.Errorf("claim prefix messages: %w", err)
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return claimed, nil
}

// ListConversation pages messages of one conversation, newest first, with a
// (received_at, id) cursor.
func (r *MessageRepo) ListConversation(ctx context.Context, typ domain.MessageType, conversationKey string, limit int, beforeReceivedAt, beforeID int64) ([]domain.Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if beforeReceivedAt > 0 {
		rows, err = r.db.QueryContext(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE type = ? AND conversation_key = ?
			AND (received_at < ? OR (received_at = ? AND id < ?))
			ORDER BY received_at DESC, id DESC
			LIMIT ?
		`, string(typ), conversationKey, beforeReceivedAt, beforeReceivedAt, beforeID, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE type = ? AND conversation_key = ?
			ORDER BY received_at DESC, id DESC
			LIMIT ?
		`, string(typ), conversationKey, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list conversation: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// UnreadSummary aggregates, per conversation of one type: the unread count,
// whether any unread message mentions the given display name (`@[name]`,
// case-insensitive), and the newest receive time regardless of read state.
func (r *MessageRepo) UnreadSummary(ctx context.Context, typ domain.MessageType, mentionName string) (domain.UnreadSummary, error) {
	joined := `channels c ON m.conversation_key = c.key`
	if typ == domain.MessageTypeDirect {
		joined = `contacts c ON m.conversation_key = c.public_key`
	}
	mention := strings.ToLower("@[" + mentionName + "]")

	rows, err := r.db.QueryContext(ctx, `
		SELECT m.conversation_key,
			SUM(CASE WHEN m.outgoing = 0 AND m.received_at > COALESCE(c.last_read_at, 0) THEN 1 ELSE 0 END),
			MAX(CASE WHEN m.outgoing = 0 AND m.received_at > COALESCE(c.last_read_at, 0)
				AND ? != '@[]' AND instr(lower(m.text), ?) > 0 THEN 1 ELSE 0 END),
			MAX(m.received_at)
		FROM messages m
		JOIN `+joined+`
		WHERE m.type = ?
		GROUP BY m.conversation_key
	`, mention, mention, string(typ))
	if err != nil {
		return domain.UnreadSummary{}, fmt.Errorf("unread summary: %w", err)
	}
	defer rows.Close()

	summary := domain.UnreadSummary{
		Counts:           map[string]int{},
		Mentions:         map[string]bool{},
		LastMessageTimes: map[string]int64{},
	}
	for rows.Next() {
		var (
			key      string
			count    int
			mention  int
			lastTime int64
		)
		if err := rows.Scan(&key, &count, &mention, &lastTime); err != nil {
			return domain.UnreadSummary{}, fmt.Errorf("scan unread row: %w", err)
		}
		summary.Counts[key] = count
		summary.Mentions[key] = mention != 0
		summary.LastMessageTimes[key] = lastTime
	}
	if err := rows.Err(); err != nil {
		return domain.UnreadSummary{}, fmt.Errorf("iterate unread rows: %w", err)
	}
	return summary, nil
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var (
		m               domain.Message
		typ             string
		senderTimestamp sql.NullInt64
		pathsRaw        string
		signature       sql.NullString
		outgoing        int
	)
	if err := row.Scan(&m.ID, &typ, &m.ConversationKey, &m.Text, &senderTimestamp,
		&m.ReceivedAt, &pathsRaw, &m.TxtType, &signature, &outgoing, &m.Acked); err != nil {
		return nil, err
	}
	m.Type = domain.MessageType(typ)
	m.SenderTimestamp = int64Ptr(senderTimestamp)
	m.Signature = stringPtr(signature)
	m.Outgoing = outgoing != 0
	if err := json.Unmarshal([]byte(pathsRaw), &m.Paths); err != nil {
		return nil, fmt.Errorf("decode paths: %w", err)
	}
	return &m, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/dealroom/internal/conversation"
)

var _ conversation.Store = (*DB)(nil)

const conversationSelect = `
	SELECT c.id, c.participant_a, c.participant_b, c.subject_id, c.subject_title, c.subject_price_cents,
		c.created_at, c.last_message_at, c.message_count, c.is_read_by_a, c.is_read_by_b,
		c.is_flagged, c.flag_reason, c.flagged_at,
		m.msg_id, m.sender, m.body, m.message_type, m.payload, m.timestamp, m.is_read
	FROM conversations c
	LEFT JOIN messages m ON m.conversation_id = c.id AND m.msg_id = c.last_message_id`

const messageSelect = `
	SELECT conversation_id, msg_id, sender, body, message_type, payload, timestamp, is_read
	FROM messages`

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// GetOrCreate inserts the conversation unless the key already exists.
func (db *DB) GetOrCreate(ctx context.Context, key conversation.Key, meta conversation.SubjectMeta) (*conversation.Conversation, bool, error) {
	if err := conversation.ValidateKey(key); err != nil {
		return nil, false, err
	}
	c := conversation.NewConversation(uuid.NewString(), key, meta, db.now())
	_, err := db.ExecContext(ctx, `
		INSERT INTO conversations (id, participant_a, participant_b, subject_id, subject_title, subject_price_cents,
			created_at, last_message_at, is_read_by_a, is_read_by_b)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(participant_a, participant_b, subject_id) DO NOTHING`,
		c.ID, c.ParticipantA, c.ParticipantB, c.SubjectID, c.SubjectTitle, c.SubjectPriceCents,
		c.CreatedAt.UnixMilli(), c.LastMessageAt.UnixMilli(), c.IsReadByA, c.IsReadByB)
	if err != nil {
		return nil, false, unavailable("insert conversation", err)
	}

	got, err := scanConversation(db.QueryRowContext(ctx,
		conversationSelect+` WHERE c.participant_a = ? AND c.participant_b = ? AND c.subject_id = ?`,
		key.ParticipantA, key.ParticipantB, key.SubjectID))
	if err != nil {
		return nil, false, err
	}
	// A conflicting insert leaves the row of whoever created it first.
	return got, got.ID == c.ID, nil
}

// Get returns a conversation with its last message.
func (db *DB) Get(ctx context.Context, id string) (*conversation.Conversation, error) {
	return getConversation(ctx, db, id)
}

func getConversation(ctx context.Context, q rowQueryer, id string) (*conversation.Conversation, error) {
	c, err := scanConversation(q.QueryRowContext(ctx, conversationSelect+` WHERE c.id = ?`, id))
	if errors.Is(err, conversation.ErrNotFound) {
		return nil, fmt.Errorf("conversation %s: %w", id, conversation.ErrNotFound)
	}
	return c, err
}

// Append writes msg inside an immediate transaction. A message id that is
// already stored returns the stored row untouched.
func (db *DB) Append(ctx context.Context, conversationID string, msg conversation.Message) (*conversation.AppendResult, error) {
	unlock := db.locks.Lock(conversationID)
	defer unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin append", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := getConversation(ctx, tx, conversationID)
	if err != nil {
		return nil, err
	}

	existing, err := scanMessage(tx.QueryRowContext(ctx,
		messageSelect+` WHERE conversation_id = ? AND msg_id = ?`, conversationID, msg.ID))
	switch {
	case err == nil:
		return &conversation.AppendResult{Conversation: cur, Message: *existing, Duplicate: true}, nil
	case !errors.Is(err, conversation.ErrNotFound):
		return nil, err
	}

	next, stored, err := conversation.PrepareAppend(*cur, msg, db.now())
	if err != nil {
		return nil, err
	}
	payload, err := conversation.EncodePayload(stored.Payload)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, msg_id, sender, body, message_type, payload, timestamp, is_read)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		stored.ConversationID, stored.ID, stored.Sender, stored.Text, string(stored.Type), nullString(payload), stored.Timestamp.UnixMilli()); err != nil {
		return nil, unavailable("insert message", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_at = ?, last_message_id = ?, message_count = ?, is_read_by_a = ?, is_read_by_b = ?
		WHERE id = ?`,
		next.LastMessageAt.UnixMilli(), stored.ID, next.MessageCount, next.IsReadByA, next.IsReadByB, conversationID); err != nil {
		return nil, unavailable("update conversation", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit append", err)
	}
	return &conversation.AppendResult{Conversation: &next, Message: stored}, nil
}

// ListForParticipant uses keyset pagination on last_message_at.
func (db *DB) ListForParticipant(ctx context.Context, participant string, page conversation.Page) ([]conversation.Conversation, error) {
	page = page.Normalize()
	rows, err := db.QueryContext(ctx, conversationSelect+`
		WHERE (c.participant_a = ? OR c.participant_b = ?) AND c.last_message_at < ?
		ORDER BY c.last_message_at DESC, c.id DESC
		LIMIT ?`, participant, participant, beforeMillis(page.Before), page.Limit)
	if err != nil {
		return nil, unavailable("list conversations", err)
	}
	defer func() { _ = rows.Close() }()

	var out []conversation.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list conversations", err)
	}
	return out, nil
}

// ListMessages returns the newest page before the cursor in chronological order.
func (db *DB) ListMessages(ctx context.Context, conversationID string, page conversation.Page) ([]conversation.Message, error) {
	page = page.Normalize()
	if err := db.requireConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, messageSelect+`
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, conversationID, beforeMillis(page.Before), page.Limit)
	if err != nil {
		return nil, unavailable("list messages", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []conversation.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list messages", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MarkRead sets the reader's flag and marks the counterpart's messages read.
func (db *DB) MarkRead(ctx context.Context, conversationID, reader string) (*conversation.Conversation, error) {
	unlock := db.locks.Lock(conversationID)
	defer unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin mark read", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := getConversation(ctx, tx, conversationID)
	if err != nil {
		return nil, err
	}
	next, err := conversation.Apply(*cur, conversation.MessageRead{Reader: reader})
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET is_read_by_a = ?, is_read_by_b = ? WHERE id = ?`,
		next.IsReadByA, next.IsReadByB, conversationID); err != nil {
		return nil, unavailable("update read state", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET is_read = 1 WHERE conversation_id = ? AND sender != ? AND is_read = 0`,
		conversationID, reader); err != nil {
		return nil, unavailable("mark messages read", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit mark read", err)
	}
	return db.Get(ctx, conversationID)
}

// SetFlag records a moderation flag.
func (db *DB) SetFlag(ctx context.Context, conversationID, reason string) (*conversation.Conversation, error) {
	unlock := db.locks.Lock(conversationID)
	defer unlock()

	cur, err := db.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	next, err := conversation.Apply(*cur, conversation.Flagged{Reason: reason, At: db.now()})
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, `UPDATE conversations SET is_flagged = 1, flag_reason = ?, flagged_at = ? WHERE id = ?`,
		next.FlagReason, next.FlaggedAt.UnixMilli(), conversationID); err != nil {
		return nil, unavailable("set flag", err)
	}
	return &next, nil
}

func (db *DB) requireConversation(ctx context.Context, id string) error {
	var one int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("conversation %s: %w", id, conversation.ErrNotFound)
	}
	if err != nil {
		return unavailable("lookup conversation", err)
	}
	return nil
}

func scanConversation(row scanner) (*conversation.Conversation, error) {
	var (
		c                          conversation.Conversation
		createdAt, lastAt          int64
		flaggedAt                  sql.NullInt64
		msgID, sender, body, mtype sql.NullString
		payload                    sql.NullString
		msgTS                      sql.NullInt64
		msgRead                    sql.NullBool
	)
	err := row.Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.SubjectID, &c.SubjectTitle, &c.SubjectPriceCents,
		&createdAt, &lastAt, &c.MessageCount, &c.IsReadByA, &c.IsReadByB,
		&c.IsFlagged, &c.FlagReason, &flaggedAt,
		&msgID, &sender, &body, &mtype, &payload, &msgTS, &msgRead)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, conversation.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("scan conversation", err)
	}
	c.CreatedAt = fromMillis(createdAt)
	c.LastMessageAt = fromMillis(lastAt)
	if flaggedAt.Valid {
		t := fromMillis(flaggedAt.Int64)
		c.FlaggedAt = &t
	}
	if msgID.Valid {
		p, err := conversation.DecodePayload(conversation.Kind(mtype.String), []byte(payload.String))
		if err != nil {
			return nil, err
		}
		c.LastMessage = &conversation.Message{
			ID:             msgID.String,
			ConversationID: c.ID,
			Sender:         sender.String,
			Text:           body.String,
			Type:           conversation.Kind(mtype.String),
			Payload:        p,
			Timestamp:      fromMillis(msgTS.Int64),
			IsRead:         msgRead.Bool,
		}
	}
	return &c, nil
}

func scanMessage(row scanner) (*conversation.Message, error) {
	var (
		m       conversation.Message
		mtype   string
		payload sql.NullString
		ts      int64
	)
	err := row.Scan(&m.ConversationID, &m.ID, &m.Sender, &m.Text, &mtype, &payload, &ts, &m.IsRead)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, conversation.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("scan message", err)
	}
	m.Type = conversation.Kind(mtype)
	m.Timestamp = fromMillis(ts)
	p, err := conversation.DecodePayload(m.Type, []byte(payload.String))
	if err != nil {
		return nil, err
	}
	m.Payload = p
	return &m, nil
}

func beforeMillis(t time.Time) int64 {
	if t.IsZero() {
		return math.MaxInt64
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

package store

import (
	"context"
	"time"
)

// Outbox statuses persisted in the client journal. Delivered and rejected
// entries are deleted, so only these appear on disk.
const (
	OutboxPending = "pending"
	OutboxSending = "sending"
	OutboxFailed  = "failed"
)

// OutboxEntry is one journaled outgoing message.
type OutboxEntry struct {
	ID             int64
	ConversationID string
	ClientMsgID    string
	Message        []byte // JSON-encoded conversation.Message
	Status         string
	Attempts       int
	ErrorMessage   string
	CreatedAt      int64
}

// QueueOutbox journals an entry. It reports false when the same
// (conversation, client message id) pair is already queued.
func (db *DB) QueueOutbox(ctx context.Context, e OutboxEntry) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.ExecContext(ctx, `
		INSERT INTO outbox (conversation_id, client_msg_id, message, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, client_msg_id) DO NOTHING`,
		e.ConversationID, e.ClientMsgID, string(e.Message), OutboxPending, now, now)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkOutbox updates status, attempt count and last error of an entry.
func (db *DB) MarkOutbox(ctx context.Context, conversationID, clientMsgID, status string, attempts int, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, attempts = ?, error_message = ?, updated_at = ?
		WHERE conversation_id = ? AND client_msg_id = ?`,
		status, attempts, errMsg, now, conversationID, clientMsgID)
	return err
}

// DeleteOutbox removes an entry once it is delivered or rejected.
func (db *DB) DeleteOutbox(ctx context.Context, conversationID, clientMsgID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM outbox WHERE conversation_id = ? AND client_msg_id = ?`, conversationID, clientMsgID)
	return err
}

// ClearOutbox drops every entry of a conversation and returns how many were removed.
func (db *DB) ClearOutbox(ctx context.Context, conversationID string) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM outbox WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PendingOutbox returns every journaled entry in enqueue order.
func (db *DB) PendingOutbox(ctx context.Context) ([]OutboxEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, conversation_id, client_msg_id, message, status, attempts, error_message, created_at
		FROM outbox ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var (
			e   OutboxEntry
			msg string
		)
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.ClientMsgID, &msg, &e.Status, &e.Attempts, &e.ErrorMessage, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Message = []byte(msg)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

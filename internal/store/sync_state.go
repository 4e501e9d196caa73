package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"
)

// GetSyncState reads a key from the sync_state table.
func (db *DB) GetSyncState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetSyncState upserts a key in the sync_state table.
func (db *DB) SetSyncState(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func checkpointKey(conversationID string) string {
	return "checkpoint:" + conversationID
}

// Checkpoint returns the timestamp of the newest message the client has seen
// in a conversation, or the zero time.
func (db *DB) Checkpoint(ctx context.Context, conversationID string) (time.Time, error) {
	v, ok, err := db.GetSyncState(ctx, checkpointKey(conversationID))
	if err != nil || !ok {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}, nil
	}
	return fromMillis(ms), nil
}

// AdvanceCheckpoint moves the checkpoint forward. Older values are ignored.
func (db *DB) AdvanceCheckpoint(ctx context.Context, conversationID string, ts time.Time) error {
	cur, err := db.Checkpoint(ctx, conversationID)
	if err != nil {
		return err
	}
	if !ts.After(cur) {
		return nil
	}
	return db.SetSyncState(ctx, checkpointKey(conversationID), strconv.FormatInt(ts.UnixMilli(), 10))
}

// TrackConversation registers a conversation for resync without moving its checkpoint.
func (db *DB) TrackConversation(ctx context.Context, conversationID string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value) VALUES (?, '0')
		ON CONFLICT(key) DO NOTHING`, checkpointKey(conversationID))
	return err
}

// TrackedConversations returns every conversation that has a checkpoint.
func (db *DB) TrackedConversations(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT key FROM sync_state WHERE key LIKE 'checkpoint:%' ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		ids = append(ids, key[len("checkpoint:"):])
	}
	return ids, rows.Err()
}

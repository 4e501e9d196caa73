// Package postgres implements conversation.Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/matheus3301/dealroom/internal/conversation"
	"go.uber.org/zap"
)

// Compile-time check to ensure Store implements conversation.Store.
var _ conversation.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id                  TEXT PRIMARY KEY,
	participant_a       TEXT NOT NULL,
	participant_b       TEXT NOT NULL,
	subject_id          TEXT NOT NULL,
	subject_title       TEXT NOT NULL DEFAULT '',
	subject_price_cents BIGINT NOT NULL DEFAULT 0,
	created_at          TIMESTAMPTZ NOT NULL,
	last_message_at     TIMESTAMPTZ NOT NULL,
	last_message_id     TEXT NOT NULL DEFAULT '',
	message_count       INTEGER NOT NULL DEFAULT 0,
	is_read_by_a        BOOLEAN NOT NULL DEFAULT TRUE,
	is_read_by_b        BOOLEAN NOT NULL DEFAULT TRUE,
	is_flagged          BOOLEAN NOT NULL DEFAULT FALSE,
	flag_reason         TEXT NOT NULL DEFAULT '',
	flagged_at          TIMESTAMPTZ,
	UNIQUE (participant_a, participant_b, subject_id)
);
CREATE INDEX IF NOT EXISTS idx_conversations_a ON conversations (participant_a, last_message_at DESC);
CREATE INDEX IF NOT EXISTS idx_conversations_b ON conversations (participant_b, last_message_at DESC);
CREATE TABLE IF NOT EXISTS messages (
	conversation_id TEXT NOT NULL REFERENCES conversations (id),
	msg_id          TEXT NOT NULL,
	sender          TEXT NOT NULL,
	body            TEXT NOT NULL DEFAULT '',
	message_type    TEXT NOT NULL,
	payload         JSONB,
	ts              TIMESTAMPTZ NOT NULL,
	is_read         BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (conversation_id, msg_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages (conversation_id, ts);`

const conversationSelect = `
	SELECT c.id, c.participant_a, c.participant_b, c.subject_id, c.subject_title, c.subject_price_cents,
		c.created_at, c.last_message_at, c.message_count, c.is_read_by_a, c.is_read_by_b,
		c.is_flagged, c.flag_reason, c.flagged_at,
		m.msg_id, m.sender, m.body, m.message_type, m.payload, m.ts, m.is_read
	FROM conversations c
	LEFT JOIN messages m ON m.conversation_id = c.id AND m.msg_id = c.last_message_id`

const messageSelect = `
	SELECT conversation_id, msg_id, sender, body, message_type, payload, ts, is_read
	FROM messages`

// Store keeps conversations in PostgreSQL. Appends lock the conversation row.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	now    func() time.Time
}

// Open connects, pings and ensures the schema exists.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w: %w", conversation.ErrStoreUnavailable, err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	logger.Info("postgres connected", zap.String("database", pool.Config().ConnConfig.Database))
	return &Store{pool: pool, logger: logger, now: time.Now}, nil
}

func (s *Store) GetOrCreate(ctx context.Context, key conversation.Key, meta conversation.SubjectMeta) (*conversation.Conversation, bool, error) {
	if err := conversation.ValidateKey(key); err != nil {
		return nil, false, err
	}
	c := conversation.NewConversation(uuid.NewString(), key, meta, s.now())
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, participant_a, participant_b, subject_id, subject_title, subject_price_cents,
			created_at, last_message_at, is_read_by_a, is_read_by_b)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (participant_a, participant_b, subject_id) DO NOTHING`,
		c.ID, c.ParticipantA, c.ParticipantB, c.SubjectID, c.SubjectTitle, c.SubjectPriceCents,
		c.CreatedAt, c.LastMessageAt, c.IsReadByA, c.IsReadByB)
	if err != nil {
		return nil, false, unavailable("insert conversation", err)
	}
	got, err := scanConversation(s.pool.QueryRow(ctx,
		conversationSelect+` WHERE c.participant_a = $1 AND c.participant_b = $2 AND c.subject_id = $3`,
		key.ParticipantA, key.ParticipantB, key.SubjectID))
	if err != nil {
		return nil, false, err
	}
	return got, tag.RowsAffected() == 1, nil
}

func (s *Store) Get(ctx context.Context, id string) (*conversation.Conversation, error) {
	return getConversation(ctx, s.pool, id, false)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getConversation(ctx context.Context, q queryRower, id string, forUpdate bool) (*conversation.Conversation, error) {
	query := conversationSelect + ` WHERE c.id = $1`
	if forUpdate {
		query += ` FOR UPDATE OF c`
	}
	c, err := scanConversation(q.QueryRow(ctx, query, id))
	if errors.Is(err, conversation.ErrNotFound) {
		return nil, fmt.Errorf("conversation %s: %w", id, conversation.ErrNotFound)
	}
	return c, err
}

func (s *Store) Append(ctx context.Context, conversationID string, msg conversation.Message) (*conversation.AppendResult, error) {
	var result *conversation.AppendResult
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := getConversation(ctx, tx, conversationID, true)
		if err != nil {
			return err
		}
		existing, err := scanMessage(tx.QueryRow(ctx, messageSelect+` WHERE conversation_id = $1 AND msg_id = $2`, conversationID, msg.ID))
		if err == nil {
			result = &conversation.AppendResult{Conversation: cur, Message: *existing, Duplicate: true}
			return nil
		}
		if !errors.Is(err, conversation.ErrNotFound) {
			return err
		}

		next, stored, err := conversation.PrepareAppend(*cur, msg, s.now())
		if err != nil {
			return err
		}
		payload, err := conversation.EncodePayload(stored.Payload)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO messages (conversation_id, msg_id, sender, body, message_type, payload, ts, is_read)
			VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)`,
			stored.ConversationID, stored.ID, stored.Sender, stored.Text, string(stored.Type), jsonb(payload), stored.Timestamp); err != nil {
			return unavailable("insert message", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE conversations
			SET last_message_at = $1, last_message_id = $2, message_count = $3, is_read_by_a = $4, is_read_by_b = $5
			WHERE id = $6`,
			next.LastMessageAt, stored.ID, next.MessageCount, next.IsReadByA, next.IsReadByB, conversationID); err != nil {
			return unavailable("update conversation", err)
		}
		result = &conversation.AppendResult{Conversation: &next, Message: stored}
		return nil
	})
	if err != nil {
		return nil, classify("append", err)
	}
	return result, nil
}

func (s *Store) ListForParticipant(ctx context.Context, participant string, page conversation.Page) ([]conversation.Conversation, error) {
	page = page.Normalize()
	rows, err := s.pool.Query(ctx, conversationSelect+`
		WHERE (c.participant_a = $1 OR c.participant_b = $1) AND ($2::timestamptz IS NULL OR c.last_message_at < $2)
		ORDER BY c.last_message_at DESC, c.id DESC
		LIMIT $3`, participant, cursor(page.Before), page.Limit)
	if err != nil {
		return nil, unavailable("list conversations", err)
	}
	defer rows.Close()

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

func (s *Store) ListMessages(ctx context.Context, conversationID string, page conversation.Page) ([]conversation.Message, error) {
	page = page.Normalize()
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1)`, conversationID).Scan(&exists); err != nil {
		return nil, unavailable("lookup conversation", err)
	}
	if !exists {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, conversation.ErrNotFound)
	}
	rows, err := s.pool.Query(ctx, messageSelect+`
		WHERE conversation_id = $1 AND ($2::timestamptz IS NULL OR ts < $2)
		ORDER BY ts DESC
		LIMIT $3`, conversationID, cursor(page.Before), page.Limit)
	if err != nil {
		return nil, unavailable("list messages", err)
	}
	defer rows.Close()

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

func (s *Store) MarkRead(ctx context.Context, conversationID, reader string) (*conversation.Conversation, error) {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := getConversation(ctx, tx, conversationID, true)
		if err != nil {
			return err
		}
		next, err := conversation.Apply(*cur, conversation.MessageRead{Reader: reader})
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE conversations SET is_read_by_a = $1, is_read_by_b = $2 WHERE id = $3`,
			next.IsReadByA, next.IsReadByB, conversationID); err != nil {
			return unavailable("update read state", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE messages SET is_read = TRUE WHERE conversation_id = $1 AND sender <> $2 AND NOT is_read`,
			conversationID, reader); err != nil {
			return unavailable("mark messages read", err)
		}
		return nil
	})
	if err != nil {
		return nil, classify("mark read", err)
	}
	return s.Get(ctx, conversationID)
}

func (s *Store) SetFlag(ctx context.Context, conversationID, reason string) (*conversation.Conversation, error) {
	var result *conversation.Conversation
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := getConversation(ctx, tx, conversationID, true)
		if err != nil {
			return err
		}
		next, err := conversation.Apply(*cur, conversation.Flagged{Reason: reason, At: s.now()})
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE conversations SET is_flagged = TRUE, flag_reason = $1, flagged_at = $2 WHERE id = $3`,
			next.FlagReason, *next.FlaggedAt, conversationID); err != nil {
			return unavailable("set flag", err)
		}
		result = &next
		return nil
	})
	if err != nil {
		return nil, classify("set flag", err)
	}
	return result, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*conversation.Conversation, error) {
	var (
		c                          conversation.Conversation
		flaggedAt                  *time.Time
		msgID, sender, body, mtype *string
		payload                    []byte
		msgTS                      *time.Time
		msgRead                    *bool
	)
	err := row.Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.SubjectID, &c.SubjectTitle, &c.SubjectPriceCents,
		&c.CreatedAt, &c.LastMessageAt, &c.MessageCount, &c.IsReadByA, &c.IsReadByB,
		&c.IsFlagged, &c.FlagReason, &flaggedAt,
		&msgID, &sender, &body, &mtype, &payload, &msgTS, &msgRead)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, conversation.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("scan conversation", err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.LastMessageAt = c.LastMessageAt.UTC()
	if flaggedAt != nil {
		t := flaggedAt.UTC()
		c.FlaggedAt = &t
	}
	if msgID != nil {
		kind := conversation.Kind(*mtype)
		p, err := conversation.DecodePayload(kind, payload)
		if err != nil {
			return nil, err
		}
		c.LastMessage = &conversation.Message{
			ID:             *msgID,
			ConversationID: c.ID,
			Sender:         *sender,
			Text:           *body,
			Type:           kind,
			Payload:        p,
			Timestamp:      msgTS.UTC(),
			IsRead:         *msgRead,
		}
	}
	return &c, nil
}

func scanMessage(row rowScanner) (*conversation.Message, error) {
	var (
		m       conversation.Message
		mtype   string
		payload []byte
	)
	err := row.Scan(&m.ConversationID, &m.ID, &m.Sender, &m.Text, &mtype, &payload, &m.Timestamp, &m.IsRead)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, conversation.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("scan message", err)
	}
	m.Type = conversation.Kind(mtype)
	m.Timestamp = m.Timestamp.UTC()
	p, err := conversation.DecodePayload(m.Type, payload)
	if err != nil {
		return nil, err
	}
	m.Payload = p
	return &m, nil
}

func cursor(before time.Time) *time.Time {
	if before.IsZero() {
		return nil
	}
	return &before
}

func jsonb(raw []byte) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, conversation.ErrStoreUnavailable, err)
}

// classify keeps taxonomy errors from inside a transaction and wraps the rest.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, conversation.ErrNotFound),
		errors.Is(err, conversation.ErrValidation),
		errors.Is(err, conversation.ErrStoreUnavailable):
		return err
	}
	return unavailable(op, err)
}

package scylla

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"github.com/matheus3301/dealroom/internal/conversation"
	"go.uber.org/zap"
)

var _ conversation.Store = (*Store)(nil)

// maxCASAttempts bounds the compare-and-set loop on the conversation row.
const maxCASAttempts = 8

const conversationColumns = `id, participant_a, participant_b, subject_id, subject_title, subject_price_cents,
	created_at, last_message_at, last_message_id, message_count, is_read_by_a, is_read_by_b,
	is_flagged, flag_reason, flagged_at`

// Store wraps Scylla queries for conversations and messages.
// Appends serialize in-process per conversation and across nodes through a
// lightweight transaction on conversations.message_count.
type Store struct {
	session *gocql.Session
	logger  *zap.Logger
	locks   conversation.Locks
	now     func() time.Time
}

// NewStore builds a Store on an established session.
func NewStore(session *gocql.Session, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{session: session, logger: logger, now: time.Now}
}

func (s *Store) GetOrCreate(ctx context.Context, key conversation.Key, meta conversation.SubjectMeta) (*conversation.Conversation, bool, error) {
	if err := conversation.ValidateKey(key); err != nil {
		return nil, false, err
	}
	c := conversation.NewConversation(uuid.NewString(), key, meta, s.now())

	// The row is written before the key is claimed so a winning claim never
	// points at a missing conversation. A losing row is removed again.
	if err := s.session.Query(`INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ParticipantA, c.ParticipantB, c.SubjectID, c.SubjectTitle, c.SubjectPriceCents,
		c.CreatedAt, c.LastMessageAt, "", 0, c.IsReadByA, c.IsReadByB, false, "", nil).
		WithContext(ctx).Exec(); err != nil {
		return nil, false, unavailable("insert conversation", err)
	}

	existing := make(map[string]any)
	applied, err := s.session.Query(`INSERT INTO conversation_keys (participant_a, participant_b, subject_id, conversation_id)
		VALUES (?, ?, ?, ?) IF NOT EXISTS`,
		key.ParticipantA, key.ParticipantB, key.SubjectID, c.ID).
		WithContext(ctx).MapScanCAS(existing)
	if err != nil {
		return nil, false, unavailable("claim conversation key", err)
	}
	if !applied {
		if err := s.session.Query(`DELETE FROM conversations WHERE id = ?`, c.ID).WithContext(ctx).Exec(); err != nil {
			s.logger.Warn("failed to remove losing conversation row", zap.String("conversation_id", c.ID), zap.Error(err))
		}
		id, _ := existing["conversation_id"].(string)
		got, err := s.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return got, false, nil
	}

	b := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	b.Query(`INSERT INTO conversations_by_participant (participant, conversation_id) VALUES (?, ?)`, key.ParticipantA, c.ID)
	b.Query(`INSERT INTO conversations_by_participant (participant, conversation_id) VALUES (?, ?)`, key.ParticipantB, c.ID)
	if err := s.session.ExecuteBatch(b); err != nil {
		return nil, false, unavailable("index conversation", err)
	}
	return &c, true, nil
}

func (s *Store) Get(ctx context.Context, id string) (*conversation.Conversation, error) {
	var (
		c         conversation.Conversation
		lastID    string
		flaggedAt time.Time
	)
	err := s.session.Query(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id).
		WithContext(ctx).
		Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.SubjectID, &c.SubjectTitle, &c.SubjectPriceCents,
			&c.CreatedAt, &c.LastMessageAt, &lastID, &c.MessageCount, &c.IsReadByA, &c.IsReadByB,
			&c.IsFlagged, &c.FlagReason, &flaggedAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, fmt.Errorf("conversation %s: %w", id, conversation.ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("get conversation", err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.LastMessageAt = c.LastMessageAt.UTC()
	if !flaggedAt.IsZero() {
		t := flaggedAt.UTC()
		c.FlaggedAt = &t
	}
	if lastID != "" {
		m, err := s.lookupMessage(ctx, id, lastID)
		if err != nil && !errors.Is(err, conversation.ErrNotFound) {
			return nil, err
		}
		c.LastMessage = m
	}
	return &c, nil
}

func (s *Store) lookupMessage(ctx context.Context, conversationID, msgID string) (*conversation.Message, error) {
	var ts time.Time
	err := s.session.Query(`SELECT ts FROM message_ids WHERE conversation_id = ? AND msg_id = ?`, conversationID, msgID).
		WithContext(ctx).Scan(&ts)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, conversation.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("lookup message id", err)
	}
	iter := s.session.Query(`SELECT conversation_id, ts, msg_id, sender, body, message_type, payload, is_read
		FROM messages WHERE conversation_id = ? AND ts = ? AND msg_id = ?`, conversationID, ts, msgID).
		WithContext(ctx).Iter()
	msgs, err := scanMessages(iter)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, conversation.ErrNotFound
	}
	return &msgs[0], nil
}

func (s *Store) Append(ctx context.Context, conversationID string, msg conversation.Message) (*conversation.AppendResult, error) {
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	for range maxCASAttempts {
		cur, err := s.Get(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		if msg.ID != "" {
			existing, err := s.lookupMessage(ctx, conversationID, msg.ID)
			if err == nil {
				if !existing.Timestamp.After(cur.LastMessageAt) {
					return &conversation.AppendResult{Conversation: cur, Message: *existing, Duplicate: true}, nil
				}
				// Rows of an earlier attempt whose compare-and-set never landed.
				next, err := conversation.Apply(*cur, conversation.MessageSent{Sender: existing.Sender, At: existing.Timestamp})
				if err != nil {
					return nil, err
				}
				next.LastMessage = existing
				next.MessageCount++
				applied, err := s.advance(ctx, cur, &next, existing.ID)
				if err != nil {
					return nil, err
				}
				if applied {
					return &conversation.AppendResult{Conversation: &next, Message: *existing}, nil
				}
				continue
			}
			if !errors.Is(err, conversation.ErrNotFound) {
				return nil, err
			}
		}

		next, stored, err := conversation.PrepareAppend(*cur, msg, s.now())
		if err != nil {
			return nil, err
		}
		payload, err := conversation.EncodePayload(stored.Payload)
		if err != nil {
			return nil, err
		}

		// Message rows go first so the conversation never points at a
		// message that was not written.
		b := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
		b.Query(`INSERT INTO messages (conversation_id, ts, msg_id, sender, body, message_type, payload, is_read)
			VALUES (?, ?, ?, ?, ?, ?, ?, false)`,
			conversationID, stored.Timestamp, stored.ID, stored.Sender, stored.Text, string(stored.Type), string(payload))
		b.Query(`INSERT INTO message_ids (conversation_id, msg_id, ts) VALUES (?, ?, ?)`,
			conversationID, stored.ID, stored.Timestamp)
		if err := s.session.ExecuteBatch(b); err != nil {
			return nil, unavailable("insert message", err)
		}

		applied, err := s.advance(ctx, cur, &next, stored.ID)
		if err != nil {
			return nil, err
		}
		if applied {
			return &conversation.AppendResult{Conversation: &next, Message: stored}, nil
		}
		s.logger.Debug("append lost compare-and-set, retrying", zap.String("conversation_id", conversationID))
		if err := s.dropMessageRows(ctx, conversationID, stored); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("append to %s: %w: too much contention", conversationID, conversation.ErrStoreUnavailable)
}

// advance moves the conversation summary from cur to next if nobody else
// appended in between.
func (s *Store) advance(ctx context.Context, cur, next *conversation.Conversation, lastID string) (bool, error) {
	applied, err := s.session.Query(`UPDATE conversations
		SET last_message_at = ?, last_message_id = ?, message_count = ?, is_read_by_a = ?, is_read_by_b = ?
		WHERE id = ? IF message_count = ?`,
		next.LastMessageAt, lastID, next.MessageCount, next.IsReadByA, next.IsReadByB,
		cur.ID, cur.MessageCount).
		WithContext(ctx).MapScanCAS(make(map[string]any))
	if err != nil {
		return false, unavailable("update conversation", err)
	}
	return applied, nil
}

func (s *Store) dropMessageRows(ctx context.Context, conversationID string, m conversation.Message) error {
	b := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	b.Query(`DELETE FROM messages WHERE conversation_id = ? AND ts = ? AND msg_id = ?`, conversationID, m.Timestamp, m.ID)
	b.Query(`DELETE FROM message_ids WHERE conversation_id = ? AND msg_id = ?`, conversationID, m.ID)
	if err := s.session.ExecuteBatch(b); err != nil {
		return unavailable("drop message rows", err)
	}
	return nil
}

func (s *Store) ListForParticipant(ctx context.Context, participant string, page conversation.Page) ([]conversation.Conversation, error) {
	page = page.Normalize()
	iter := s.session.Query(`SELECT conversation_id FROM conversations_by_participant WHERE participant = ?`, participant).
		WithContext(ctx).Iter()
	var (
		id  string
		ids []string
	)
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, unavailable("list participant index", err)
	}

	out := make([]conversation.Conversation, 0, len(ids))
	for _, id := range ids {
		c, err := s.Get(ctx, id)
		if errors.Is(err, conversation.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !page.Before.IsZero() && !c.LastMessageAt.Before(page.Before) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	if len(out) > page.Limit {
		out = out[:page.Limit]
	}
	return out, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, page conversation.Page) ([]conversation.Message, error) {
	page = page.Normalize()
	if _, err := s.Get(ctx, conversationID); err != nil {
		return nil, err
	}
	q := `SELECT conversation_id, ts, msg_id, sender, body, message_type, payload, is_read
		FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if !page.Before.IsZero() {
		q += ` AND ts < ?`
		args = append(args, page.Before)
	}
	q += ` LIMIT ?`
	args = append(args, page.Limit)

	msgs, err := scanMessages(s.session.Query(q, args...).WithContext(ctx).Iter())
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) MarkRead(ctx context.Context, conversationID, reader string) (*conversation.Conversation, error) {
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	cur, err := s.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	next, err := conversation.Apply(*cur, conversation.MessageRead{Reader: reader})
	if err != nil {
		return nil, err
	}

	iter := s.session.Query(`SELECT ts, msg_id, sender, is_read FROM messages WHERE conversation_id = ?`, conversationID).
		WithContext(ctx).Iter()
	b := s.session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	var (
		ts     time.Time
		msgID  string
		sender string
		read   bool
	)
	for iter.Scan(&ts, &msgID, &sender, &read) {
		if read || sender == reader {
			continue
		}
		b.Query(`UPDATE messages SET is_read = true WHERE conversation_id = ? AND ts = ? AND msg_id = ?`, conversationID, ts, msgID)
	}
	if err := iter.Close(); err != nil {
		return nil, unavailable("scan unread messages", err)
	}
	b.Query(`UPDATE conversations SET is_read_by_a = ?, is_read_by_b = ? WHERE id = ?`, next.IsReadByA, next.IsReadByB, conversationID)
	if err := s.session.ExecuteBatch(b); err != nil {
		return nil, unavailable("mark read", err)
	}
	return s.Get(ctx, conversationID)
}

func (s *Store) SetFlag(ctx context.Context, conversationID, reason string) (*conversation.Conversation, error) {
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	cur, err := s.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	next, err := conversation.Apply(*cur, conversation.Flagged{Reason: reason, At: s.now()})
	if err != nil {
		return nil, err
	}
	if err := s.session.Query(`UPDATE conversations SET is_flagged = true, flag_reason = ?, flagged_at = ? WHERE id = ?`,
		next.FlagReason, *next.FlaggedAt, conversationID).WithContext(ctx).Exec(); err != nil {
		return nil, unavailable("set flag", err)
	}
	return &next, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.session.Closed() {
		return fmt.Errorf("%w: session closed", conversation.ErrStoreUnavailable)
	}
	if err := s.session.Query(`SELECT release_version FROM system.local`).WithContext(ctx).Exec(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.session.Close()
	return nil
}

func scanMessages(iter *gocql.Iter) ([]conversation.Message, error) {
	var (
		out     []conversation.Message
		m       conversation.Message
		mtype   string
		payload string
	)
	for iter.Scan(&m.ConversationID, &m.Timestamp, &m.ID, &m.Sender, &m.Text, &mtype, &payload, &m.IsRead) {
		m.Type = conversation.Kind(mtype)
		m.Timestamp = m.Timestamp.UTC()
		p, err := conversation.DecodePayload(m.Type, []byte(payload))
		if err != nil {
			_ = iter.Close()
			return nil, err
		}
		m.Payload = p
		out = append(out, m)
		m = conversation.Message{}
	}
	if err := iter.Close(); err != nil {
		return nil, unavailable("scan messages", err)
	}
	return out, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, conversation.ErrStoreUnavailable, err)
}

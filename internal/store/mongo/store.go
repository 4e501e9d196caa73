// Package mongo implements conversation.Store on MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/dealroom/internal/conversation"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

var _ conversation.Store = (*Store)(nil)

const maxCASAttempts = 8

// Store keeps conversation documents with an embedded last-message summary and
// messages in their own collection. Appends compare-and-set message_count on
// the conversation document, so concurrent writers on other nodes retry.
type Store struct {
	client        *mongo.Client
	conversations *mongo.Collection
	messages      *mongo.Collection
	logger        *zap.Logger
	locks         conversation.Locks
	now           func() time.Time
}

// Open connects, pings and ensures indexes.
func Open(ctx context.Context, uri, database string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := options.Client().ApplyURI(uri).SetRetryWrites(true)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w: %w", conversation.ErrStoreUnavailable, err)
	}
	db := client.Database(database)
	s := &Store{
		client:        client,
		conversations: db.Collection("conversations"),
		messages:      db.Collection("messages"),
		logger:        logger,
		now:           time.Now,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	logger.Info("mongo connected", zap.String("database", database))
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "participant_a", Value: 1}, {Key: "participant_b", Value: 1}, {Key: "subject_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "participant_a", Value: 1}, {Key: "last_message_at", Value: -1}}},
		{Keys: bson.D{{Key: "participant_b", Value: 1}, {Key: "last_message_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("conversation indexes: %w", err)
	}
	_, err = s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "msg_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "ts", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("message indexes: %w", err)
	}
	return nil
}

type messageDocument struct {
	ConversationID string    `bson:"conversation_id"`
	MsgID          string    `bson:"msg_id"`
	Sender         string    `bson:"sender"`
	Body           string    `bson:"body"`
	Type           string    `bson:"type"`
	Payload        string    `bson:"payload,omitempty"`
	Timestamp      time.Time `bson:"ts"`
	IsRead         bool      `bson:"is_read"`
}

type conversationDocument struct {
	ID                string           `bson:"_id"`
	ParticipantA      string           `bson:"participant_a"`
	ParticipantB      string           `bson:"participant_b"`
	SubjectID         string           `bson:"subject_id"`
	SubjectTitle      string           `bson:"subject_title"`
	SubjectPriceCents int64            `bson:"subject_price_cents"`
	CreatedAt         time.Time        `bson:"created_at"`
	LastMessageAt     time.Time        `bson:"last_message_at"`
	LastMessage       *messageDocument `bson:"last_message,omitempty"`
	MessageCount      int              `bson:"message_count"`
	IsReadByA         bool             `bson:"is_read_by_a"`
	IsReadByB         bool             `bson:"is_read_by_b"`
	IsFlagged         bool             `bson:"is_flagged"`
	FlagReason        string           `bson:"flag_reason"`
	FlaggedAt         *time.Time       `bson:"flagged_at,omitempty"`
}

func toMessageDocument(m conversation.Message) (*messageDocument, error) {
	payload, err := conversation.EncodePayload(m.Payload)
	if err != nil {
		return nil, err
	}
	return &messageDocument{
		ConversationID: m.ConversationID,
		MsgID:          m.ID,
		Sender:         m.Sender,
		Body:           m.Text,
		Type:           string(m.Type),
		Payload:        string(payload),
		Timestamp:      m.Timestamp,
		IsRead:         m.IsRead,
	}, nil
}

func (d *messageDocument) toMessage() (conversation.Message, error) {
	kind := conversation.Kind(d.Type)
	p, err := conversation.DecodePayload(kind, []byte(d.Payload))
	if err != nil {
		return conversation.Message{}, err
	}
	return conversation.Message{
		ID:             d.MsgID,
		ConversationID: d.ConversationID,
		Sender:         d.Sender,
		Text:           d.Body,
		Type:           kind,
		Payload:        p,
		Timestamp:      d.Timestamp.UTC(),
		IsRead:         d.IsRead,
	}, nil
}

func toConversationDocument(c conversation.Conversation) conversationDocument {
	return conversationDocument{
		ID:                c.ID,
		ParticipantA:      c.ParticipantA,
		ParticipantB:      c.ParticipantB,
		SubjectID:         c.SubjectID,
		SubjectTitle:      c.SubjectTitle,
		SubjectPriceCents: c.SubjectPriceCents,
		CreatedAt:         c.CreatedAt,
		LastMessageAt:     c.LastMessageAt,
		MessageCount:      c.MessageCount,
		IsReadByA:         c.IsReadByA,
		IsReadByB:         c.IsReadByB,
	}
}

func (d *conversationDocument) toConversation() (*conversation.Conversation, error) {
	c := &conversation.Conversation{
		ID:                d.ID,
		ParticipantA:      d.ParticipantA,
		ParticipantB:      d.ParticipantB,
		SubjectID:         d.SubjectID,
		SubjectTitle:      d.SubjectTitle,
		SubjectPriceCents: d.SubjectPriceCents,
		CreatedAt:         d.CreatedAt.UTC(),
		LastMessageAt:     d.LastMessageAt.UTC(),
		MessageCount:      d.MessageCount,
		IsReadByA:         d.IsReadByA,
		IsReadByB:         d.IsReadByB,
		IsFlagged:         d.IsFlagged,
		FlagReason:        d.FlagReason,
	}
	if d.FlaggedAt != nil {
		t := d.FlaggedAt.UTC()
		c.FlaggedAt = &t
	}
	if d.LastMessage != nil {
		m, err := d.LastMessage.toMessage()
		if err != nil {
			return nil, err
		}
		c.LastMessage = &m
	}
	return c, nil
}

func (s *Store) GetOrCreate(ctx context.Context, key conversation.Key, meta conversation.SubjectMeta) (*conversation.Conversation, bool, error) {
	if err := conversation.ValidateKey(key); err != nil {
		return nil, false, err
	}
	fresh := toConversationDocument(conversation.NewConversation(uuid.NewString(), key, meta, s.now()))
	filter := bson.M{"participant_a": key.ParticipantA, "participant_b": key.ParticipantB, "subject_id": key.SubjectID}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc conversationDocument
	err := s.conversations.FindOneAndUpdate(ctx, filter, bson.M{"$setOnInsert": fresh}, opts).Decode(&doc)
	if mongo.IsDuplicateKeyError(err) {
		// Lost a concurrent upsert on the unique key; the winner's document exists now.
		err = s.conversations.FindOne(ctx, filter).Decode(&doc)
	}
	if err != nil {
		return nil, false, unavailable("get or create conversation", err)
	}
	c, err := doc.toConversation()
	if err != nil {
		return nil, false, err
	}
	return c, doc.ID == fresh.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (*conversation.Conversation, error) {
	var doc conversationDocument
	err := s.conversations.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("conversation %s: %w", id, conversation.ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("get conversation", err)
	}
	return doc.toConversation()
}

func (s *Store) findMessage(ctx context.Context, conversationID, msgID string) (*conversation.Message, error) {
	var doc messageDocument
	err := s.messages.FindOne(ctx, bson.M{"conversation_id": conversationID, "msg_id": msgID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, conversation.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("find message", err)
	}
	m, err := doc.toMessage()
	if err != nil {
		return nil, err
	}
	return &m, nil
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
			existing, err := s.findMessage(ctx, conversationID, msg.ID)
			if err == nil {
				return &conversation.AppendResult{Conversation: cur, Message: *existing, Duplicate: true}, nil
			}
			if !errors.Is(err, conversation.ErrNotFound) {
				return nil, err
			}
		}

		next, stored, err := conversation.PrepareAppend(*cur, msg, s.now())
		if err != nil {
			return nil, err
		}
		mdoc, err := toMessageDocument(stored)
		if err != nil {
			return nil, err
		}

		res := s.conversations.FindOneAndUpdate(ctx,
			bson.M{"_id": conversationID, "message_count": cur.MessageCount},
			bson.M{"$set": bson.M{
				"last_message_at": next.LastMessageAt,
				"last_message":    mdoc,
				"message_count":   next.MessageCount,
				"is_read_by_a":    next.IsReadByA,
				"is_read_by_b":    next.IsReadByB,
			}})
		if errors.Is(res.Err(), mongo.ErrNoDocuments) {
			s.logger.Debug("append lost compare-and-set, retrying", zap.String("conversation_id", conversationID))
			continue
		}
		if err := res.Err(); err != nil {
			return nil, unavailable("update conversation", err)
		}

		if _, err := s.messages.InsertOne(ctx, mdoc); err != nil {
			return nil, unavailable("insert message", err)
		}
		return &conversation.AppendResult{Conversation: &next, Message: stored}, nil
	}
	return nil, fmt.Errorf("append to %s: %w: too much contention", conversationID, conversation.ErrStoreUnavailable)
}

func (s *Store) ListForParticipant(ctx context.Context, participant string, page conversation.Page) ([]conversation.Conversation, error) {
	page = page.Normalize()
	filter := bson.M{"$or": bson.A{
		bson.M{"participant_a": participant},
		bson.M{"participant_b": participant},
	}}
	if !page.Before.IsZero() {
		filter["last_message_at"] = bson.M{"$lt": page.Before}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "last_message_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(page.Limit))
	cur, err := s.conversations.Find(ctx, filter, opts)
	if err != nil {
		return nil, unavailable("list conversations", err)
	}
	var docs []conversationDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, unavailable("list conversations", err)
	}
	out := make([]conversation.Conversation, 0, len(docs))
	for i := range docs {
		c, err := docs[i].toConversation()
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, page conversation.Page) ([]conversation.Message, error) {
	page = page.Normalize()
	if _, err := s.Get(ctx, conversationID); err != nil {
		return nil, err
	}
	filter := bson.M{"conversation_id": conversationID}
	if !page.Before.IsZero() {
		filter["ts"] = bson.M{"$lt": page.Before}
	}
	opts := options.Find().SetSort(bson.D{{Key: "ts", Value: -1}}).SetLimit(int64(page.Limit))
	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, unavailable("list messages", err)
	}
	var docs []messageDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, unavailable("list messages", err)
	}
	msgs := make([]conversation.Message, len(docs))
	for i := range docs {
		m, err := docs[i].toMessage()
		if err != nil {
			return nil, err
		}
		msgs[len(docs)-1-i] = m
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
	if _, err := s.messages.UpdateMany(ctx,
		bson.M{"conversation_id": conversationID, "sender": bson.M{"$ne": reader}, "is_read": false},
		bson.M{"$set": bson.M{"is_read": true}}); err != nil {
		return nil, unavailable("mark messages read", err)
	}
	set := bson.M{"is_read_by_a": next.IsReadByA, "is_read_by_b": next.IsReadByB}
	if cur.LastMessage != nil && cur.LastMessage.Sender != reader {
		set["last_message.is_read"] = true
	}
	if _, err := s.conversations.UpdateOne(ctx, bson.M{"_id": conversationID}, bson.M{"$set": set}); err != nil {
		return nil, unavailable("update read state", err)
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
	if _, err := s.conversations.UpdateOne(ctx, bson.M{"_id": conversationID}, bson.M{"$set": bson.M{
		"is_flagged":  true,
		"flag_reason": next.FlagReason,
		"flagged_at":  next.FlaggedAt,
	}}); err != nil {
		return nil, unavailable("set flag", err)
	}
	return &next, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Drop removes both collections. Tests use it to start from an empty database.
func (s *Store) Drop(ctx context.Context) error {
	if err := s.messages.Drop(ctx); err != nil {
		return err
	}
	if err := s.conversations.Drop(ctx); err != nil {
		return err
	}
	return s.ensureIndexes(ctx)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, conversation.ErrStoreUnavailable, err)
}

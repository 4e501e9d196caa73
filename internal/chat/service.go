// Package chat is the application service behind the HTTP and live surfaces.
// It authorizes callers, appends to the store, then fans out through the hub.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/matheus3301/dealroom/internal/conversation"
	"github.com/matheus3301/dealroom/internal/hub"
	"go.uber.org/zap"
)

// Service implements the conversation use cases.
type Service struct {
	store    conversation.Store
	hub      *hub.Hub
	catalog  Catalog
	notifier Notifier
	logger   *zap.Logger
}

// NewService wires a service. A nil catalog knows no subjects; a nil notifier drops.
func NewService(store conversation.Store, h *hub.Hub, catalog Catalog, notifier Notifier, logger *zap.Logger) *Service {
	if catalog == nil {
		catalog = StaticCatalog{}
	}
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, hub: h, catalog: catalog, notifier: notifier, logger: logger}
}

// StartRequest opens (or reopens) a conversation about a subject.
type StartRequest struct {
	SubjectID        string `json:"subjectId"`
	RecipientID      string `json:"recipientId,omitempty"`
	InitialMessage   string `json:"initialMessage"`
	InitialMessageID string `json:"initialMessageId,omitempty"`
}

// StartResult is the conversation after the first message was appended.
type StartResult struct {
	Conversation *conversation.Conversation
	Message      conversation.Message
	Created      bool
	Duplicate    bool
}

// Start resolves the subject owner, gets or creates the conversation between
// the caller and the owner, and appends the initial message.
func (s *Service) Start(ctx context.Context, id Identity, req StartRequest) (*StartResult, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if err := conversation.ValidateID("subjectId", req.SubjectID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.InitialMessage) == "" {
		return nil, fmt.Errorf("%w: initialMessage is required", conversation.ErrValidation)
	}

	key := conversation.Key{ParticipantA: id.ParticipantID, SubjectID: req.SubjectID}
	var meta conversation.SubjectMeta
	subject, err := s.catalog.Lookup(ctx, req.SubjectID)
	switch {
	case err == nil:
		key.ParticipantB = subject.OwnerID
		meta = conversation.SubjectMeta{Title: subject.Title, PriceCents: subject.PriceCents}
	case errors.Is(err, conversation.ErrNotFound):
		if req.RecipientID == "" {
			return nil, fmt.Errorf("%w: unknown subject %s and no recipientId", conversation.ErrValidation, req.SubjectID)
		}
		key.ParticipantB = req.RecipientID
	default:
		return nil, fmt.Errorf("catalog lookup: %w", err)
	}

	conv, created, err := s.store.GetOrCreate(ctx, key, meta)
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info("conversation created",
			zap.String("conversation_id", conv.ID),
			zap.String("subject_id", conv.SubjectID))
	}

	res, err := s.append(ctx, conv.ID, conversation.Message{
		ID:     req.InitialMessageID,
		Sender: id.ParticipantID,
		Text:   req.InitialMessage,
		Type:   conversation.KindText,
	})
	if err != nil {
		return nil, err
	}
	return &StartResult{
		Conversation: res.Conversation,
		Message:      res.Message,
		Created:      created,
		Duplicate:    res.Duplicate,
	}, nil
}

// Send appends msg as the caller. Participants write as themselves;
// a moderator who is not a participant writes as the system sender.
func (s *Service) Send(ctx context.Context, id Identity, conversationID string, msg conversation.Message) (*conversation.AppendResult, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	conv, err := s.store.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	switch {
	case conv.HasParticipant(id.ParticipantID):
		if msg.Sender != "" && msg.Sender != id.ParticipantID {
			return nil, fmt.Errorf("%w: cannot send as %s", conversation.ErrUnauthorized, msg.Sender)
		}
		msg.Sender = id.ParticipantID
	case id.IsModerator():
		msg.Sender = conversation.SystemSender
	default:
		return nil, denied(id, conversationID)
	}
	return s.append(ctx, conversationID, msg)
}

func (s *Service) append(ctx context.Context, conversationID string, msg conversation.Message) (*conversation.AppendResult, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Type == "" {
		msg.Type = conversation.KindText
	}
	res, err := s.store.Append(ctx, conversationID, msg)
	if err != nil {
		return nil, err
	}
	if res.Duplicate {
		s.logger.Debug("duplicate append ignored",
			zap.String("conversation_id", conversationID),
			zap.String("message_id", msg.ID))
		return res, nil
	}

	m := res.Message
	d, err := s.hub.Publish(conversationID, hub.Event{
		Kind:         hub.EventNewMessage,
		Message:      &m,
		Conversation: res.Conversation,
	})
	if err != nil {
		s.logger.Warn("publish failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	s.logDelivery(res.Conversation, m, d)

	if err := s.notifier.MessageAccepted(ctx, *res.Conversation, m); err != nil {
		s.logger.Warn("notifier failed",
			zap.String("conversation_id", conversationID),
			zap.String("message_id", m.ID),
			zap.Error(err))
	}
	return res, nil
}

// logDelivery tells apart a recipient with no live connection from one that
// is connected but has not joined the room.
func (s *Service) logDelivery(conv *conversation.Conversation, msg conversation.Message, d hub.Delivery) {
	for _, p := range []string{conv.ParticipantA, conv.ParticipantB} {
		if p == msg.Sender || s.hub.InRoom(p, conv.ID) {
			continue
		}
		state := "offline"
		if s.hub.Online(p) {
			state = "connected_not_joined"
		}
		s.logger.Debug("recipient not in room",
			zap.String("conversation_id", conv.ID),
			zap.String("message_id", msg.ID),
			zap.String("recipient", p),
			zap.String("state", state),
			zap.Int("delivered", d.Recipients))
	}
}

// Get returns a conversation the caller may read.
func (s *Service) Get(ctx context.Context, id Identity, conversationID string) (*conversation.Conversation, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	conv, err := s.store.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !id.canRead(conv) {
		return nil, denied(id, conversationID)
	}
	return conv, nil
}

// List returns the conversations of participant, newest first. Only a
// moderator may list someone else's; an empty participant means the caller.
func (s *Service) List(ctx context.Context, id Identity, participant string, page conversation.Page) ([]conversation.Conversation, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if participant == "" {
		participant = id.ParticipantID
	}
	if participant != id.ParticipantID && !id.IsModerator() {
		return nil, fmt.Errorf("%w: cannot list conversations of %s", conversation.ErrUnauthorized, participant)
	}
	return s.store.ListForParticipant(ctx, participant, page)
}

// History returns one page of messages, oldest first.
func (s *Service) History(ctx context.Context, id Identity, conversationID string, page conversation.Page) ([]conversation.Message, error) {
	if _, err := s.Get(ctx, id, conversationID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, conversationID, page)
}

// MarkRead sets the caller's read flag and tells the room.
func (s *Service) MarkRead(ctx context.Context, id Identity, conversationID string) (*conversation.Conversation, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	conv, err := s.store.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(id.ParticipantID) {
		return nil, denied(id, conversationID)
	}
	conv, err = s.store.MarkRead(ctx, conversationID, id.ParticipantID)
	if err != nil {
		return nil, err
	}
	if _, err := s.hub.Publish(conversationID, hub.Event{
		Kind:         hub.EventConversationRead,
		Participant:  id.ParticipantID,
		Conversation: conv,
	}); err != nil {
		s.logger.Warn("publish failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return conv, nil
}

// Flag marks a conversation for review. Moderators only.
func (s *Service) Flag(ctx context.Context, id Identity, conversationID, reason string) (*conversation.Conversation, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if !id.IsModerator() {
		return nil, fmt.Errorf("%w: flagging requires the moderator role", conversation.ErrUnauthorized)
	}
	conv, err := s.store.SetFlag(ctx, conversationID, reason)
	if err != nil {
		return nil, err
	}
	s.logger.Info("conversation flagged",
		zap.String("conversation_id", conversationID),
		zap.String("moderator", id.ParticipantID))
	return conv, nil
}

// Join subscribes a live connection to a conversation the caller may read.
func (s *Service) Join(ctx context.Context, id Identity, connID, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("%w: %w", conversation.ErrValidation, hub.ErrInvalidRoom)
	}
	if _, err := s.Get(ctx, id, conversationID); err != nil {
		return err
	}
	return s.hub.Join(connID, conversationID)
}

// Leave unsubscribes a live connection.
func (s *Service) Leave(connID, conversationID string) error {
	if err := s.hub.Leave(connID, conversationID); err != nil {
		if errors.Is(err, hub.ErrInvalidRoom) {
			return fmt.Errorf("%w: %w", conversation.ErrValidation, err)
		}
		return err
	}
	return nil
}

// Typing relays an ephemeral indicator. The caller must have joined the
// room, which already proved read access.
func (s *Service) Typing(id Identity, conversationID string, isTyping bool) error {
	if !s.hub.InRoom(id.ParticipantID, conversationID) {
		return fmt.Errorf("%w: join %s before typing", conversation.ErrUnauthorized, conversationID)
	}
	_, err := s.hub.PublishTyping(conversationID, id.ParticipantID, isTyping)
	return err
}

// Ping reports store health.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

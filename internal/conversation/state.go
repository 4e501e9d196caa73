package conversation

import (
	"fmt"
	"strings"
	"time"
)

// Event is an input to Apply.
type Event interface {
	isEvent()
}

// MessageSent records that Sender wrote a message at At.
type MessageSent struct {
	Sender string
	At     time.Time
}

// MessageRead records that Reader acknowledged the conversation.
type MessageRead struct {
	Reader string
}

// Flagged records a moderation flag.
type Flagged struct {
	Reason string
	At     time.Time
}

func (MessageSent) isEvent() {}
func (MessageRead) isEvent() {}
func (Flagged) isEvent()     {}

// Apply returns c after event e. It does no I/O and never mutates c.
//
//	MessageSent{sender}  sender read, other unread, lastMessageAt bumped
//	MessageSent{system}  both unread
//	MessageRead{reader}  reader read, other untouched
//	Flagged{reason}      flag fields set
func Apply(c Conversation, e Event) (Conversation, error) {
	switch ev := e.(type) {
	case MessageSent:
		switch ev.Sender {
		case SystemSender:
			c.IsReadByA = false
			c.IsReadByB = false
		case c.ParticipantA:
			c.IsReadByA = true
			c.IsReadByB = false
		case c.ParticipantB:
			c.IsReadByB = true
			c.IsReadByA = false
		default:
			return c, fmt.Errorf("%w: sender %q is not a participant", ErrValidation, ev.Sender)
		}
		if ev.At.After(c.LastMessageAt) {
			c.LastMessageAt = ev.At
		}
		return c, nil

	case MessageRead:
		switch ev.Reader {
		case c.ParticipantA:
			c.IsReadByA = true
		case c.ParticipantB:
			c.IsReadByB = true
		default:
			return c, fmt.Errorf("%w: reader %q is not a participant", ErrValidation, ev.Reader)
		}
		return c, nil

	case Flagged:
		reason := strings.TrimSpace(ev.Reason)
		if reason == "" {
			return c, fmt.Errorf("%w: flag reason is required", ErrValidation)
		}
		at := ev.At.UTC()
		c.IsFlagged = true
		c.FlagReason = reason
		c.FlaggedAt = &at
		return c, nil
	}
	return c, fmt.Errorf("%w: unknown event %T", ErrValidation, e)
}

// NextTimestamp returns the store timestamp for a message written at now.
// Timestamps are millisecond precision and strictly increase per conversation.
func NextTimestamp(last, now time.Time) time.Time {
	ts := now.UTC().Truncate(time.Millisecond)
	if !ts.After(last) {
		ts = last.UTC().Truncate(time.Millisecond).Add(time.Millisecond)
	}
	return ts
}

// PrepareAppend validates msg for c, stamps it and returns the updated
// conversation together with the message as it must be stored.
// Every backend calls it under its per-conversation serialization.
func PrepareAppend(c Conversation, msg Message, now time.Time) (Conversation, Message, error) {
	msg.ConversationID = c.ID
	if err := ValidateMessage(msg); err != nil {
		return c, msg, err
	}
	if msg.Sender != SystemSender && !c.HasParticipant(msg.Sender) {
		return c, msg, fmt.Errorf("%w: sender %q is not a participant", ErrValidation, msg.Sender)
	}
	msg.Timestamp = NextTimestamp(c.lastStamp(), now)
	msg.IsRead = false

	next, err := Apply(c, MessageSent{Sender: msg.Sender, At: msg.Timestamp})
	if err != nil {
		return c, msg, err
	}
	stored := msg
	next.LastMessage = &stored
	next.MessageCount++
	return next, msg, nil
}

// NewConversation builds a fresh conversation for key. Nobody has unread messages yet.
func NewConversation(id string, key Key, meta SubjectMeta, now time.Time) Conversation {
	now = now.UTC().Truncate(time.Millisecond)
	return Conversation{
		ID:                id,
		ParticipantA:      key.ParticipantA,
		ParticipantB:      key.ParticipantB,
		SubjectID:         key.SubjectID,
		SubjectTitle:      meta.Title,
		SubjectPriceCents: meta.PriceCents,
		CreatedAt:         now,
		LastMessageAt:     now,
		IsReadByA:         true,
		IsReadByB:         true,
	}
}

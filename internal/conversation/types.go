package conversation

import (
	"encoding/json"
	"fmt"
	"time"
)

// SystemSender marks messages written by the platform or a moderator.
const SystemSender = "system"

// Key identifies a conversation: one per buyer, seller and subject.
type Key struct {
	ParticipantA string // initiator (buyer)
	ParticipantB string // subject owner (seller)
	SubjectID    string
}

// SubjectMeta is the listing snapshot stored with a conversation.
type SubjectMeta struct {
	Title      string
	PriceCents int64
}

// Conversation is a two-party thread about one subject.
type Conversation struct {
	ID                string     `json:"id"`
	ParticipantA      string     `json:"participantA"`
	ParticipantB      string     `json:"participantB"`
	SubjectID         string     `json:"subjectId"`
	SubjectTitle      string     `json:"subjectTitle,omitempty"`
	SubjectPriceCents int64      `json:"subjectPriceCents,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	LastMessageAt     time.Time  `json:"lastMessageAt"`
	LastMessage       *Message   `json:"lastMessage,omitempty"`
	MessageCount      int        `json:"messageCount"`
	IsReadByA         bool       `json:"isReadByA"`
	IsReadByB         bool       `json:"isReadByB"`
	IsFlagged         bool       `json:"isFlagged"`
	FlagReason        string     `json:"flagReason,omitempty"`
	FlaggedAt         *time.Time `json:"flaggedAt,omitempty"`
}

// Key returns the identity key of the conversation.
func (c *Conversation) Key() Key {
	return Key{ParticipantA: c.ParticipantA, ParticipantB: c.ParticipantB, SubjectID: c.SubjectID}
}

// HasParticipant reports whether p is one of the two parties.
func (c *Conversation) HasParticipant(p string) bool {
	return p != "" && (p == c.ParticipantA || p == c.ParticipantB)
}

// Other returns the counterpart of p, or "" when p is not a participant.
func (c *Conversation) Other(p string) string {
	switch p {
	case c.ParticipantA:
		return c.ParticipantB
	case c.ParticipantB:
		return c.ParticipantA
	}
	return ""
}

// IsReadBy returns the read flag of participant p.
func (c *Conversation) IsReadBy(p string) bool {
	switch p {
	case c.ParticipantA:
		return c.IsReadByA
	case c.ParticipantB:
		return c.IsReadByB
	}
	return false
}

// Clone returns a copy that shares no pointers with c.
func (c *Conversation) Clone() *Conversation {
	out := *c
	if c.LastMessage != nil {
		m := *c.LastMessage
		out.LastMessage = &m
	}
	if c.FlaggedAt != nil {
		t := *c.FlaggedAt
		out.FlaggedAt = &t
	}
	return &out
}

// lastStamp is the timestamp of the newest stored message.
func (c *Conversation) lastStamp() time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.Timestamp
	}
	return time.Time{}
}

// Message is one entry of a conversation.
type Message struct {
	ID             string
	ConversationID string
	Sender         string
	Text           string
	Type           Kind
	Payload        Payload
	Timestamp      time.Time
	IsRead         bool
}

type messageJSON struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId,omitempty"`
	Sender         string          `json:"sender,omitempty"`
	Text           string          `json:"text"`
	Type           Kind            `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      *time.Time      `json:"timestamp,omitempty"`
	IsRead         bool            `json:"isRead"`
}

// MarshalJSON encodes the payload under the message type.
func (m Message) MarshalJSON() ([]byte, error) {
	raw, err := EncodePayload(m.Payload)
	if err != nil {
		return nil, err
	}
	w := messageJSON{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Sender:         m.Sender,
		Text:           m.Text,
		Type:           m.Type,
		Payload:        raw,
		IsRead:         m.IsRead,
	}
	if !m.Timestamp.IsZero() {
		ts := m.Timestamp
		w.Timestamp = &ts
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the payload according to the message type.
// A missing type means text.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: decode message: %v", ErrValidation, err)
	}
	if w.Type == "" {
		w.Type = KindText
	}
	payload, err := DecodePayload(w.Type, w.Payload)
	if err != nil {
		return err
	}
	*m = Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		Sender:         w.Sender,
		Text:           w.Text,
		Type:           w.Type,
		Payload:        payload,
		IsRead:         w.IsRead,
	}
	if w.Timestamp != nil {
		m.Timestamp = *w.Timestamp
	}
	return nil
}

// Page bounds a list query. Before is an exclusive timestamp cursor; zero means newest.
type Page struct {
	Limit  int
	Before time.Time
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Normalize clamps the limit into [1, MaxPageSize].
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	return p
}

// AppendResult is the outcome of Store.Append.
type AppendResult struct {
	Conversation *Conversation
	Message      Message
	// Duplicate is true when the message id was already stored; nothing changed.
	Duplicate bool
}

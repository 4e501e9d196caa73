// Package wire defines the JSON envelopes exchanged over the live connection.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/dealroom/internal/conversation"
)

// Type discriminates an Envelope.
type Type string

// Client to server.
const (
	TypeJoinConversation  Type = "join-conversation"
	TypeLeaveConversation Type = "leave-conversation"
	TypeSendMessage       Type = "send-message"
	TypeMarkRead          Type = "mark-read"
)

// Server to client. TypeTyping travels both ways.
const (
	TypeTyping           Type = "typing"
	TypeNewMessage       Type = "new-message"
	TypeConversationRead Type = "conversation-read"
	TypeJoined           Type = "joined"
	TypeAck              Type = "ack"
	TypeError            Type = "error"
)

// Envelope is one frame on the socket.
type Envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type JoinConversation struct {
	ConversationID string `json:"conversationId"`
}

type LeaveConversation struct {
	ConversationID string `json:"conversationId"`
}

type MarkRead struct {
	ConversationID string `json:"conversationId"`
}

type SendMessage struct {
	RequestID      string               `json:"requestId"`
	ConversationID string               `json:"conversationId"`
	Message        conversation.Message `json:"message"`
}

// Typing is sent by a client without Participant; the server fills it in.
type Typing struct {
	ConversationID string `json:"conversationId"`
	Participant    string `json:"participant,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

type NewMessage struct {
	ConversationID string                     `json:"conversationId"`
	Message        conversation.Message       `json:"message"`
	Conversation   *conversation.Conversation `json:"conversation,omitempty"`
}

type ConversationRead struct {
	ConversationID string                     `json:"conversationId"`
	Participant    string                     `json:"participant"`
	Conversation   *conversation.Conversation `json:"conversation,omitempty"`
}

type Joined struct {
	ConversationID string `json:"conversationId"`
}

type Ack struct {
	RequestID    string                     `json:"requestId"`
	Message      conversation.Message       `json:"message"`
	Conversation *conversation.Conversation `json:"conversation,omitempty"`
	Duplicate    bool                       `json:"duplicate,omitempty"`
}

// Error reports a failed client request. RequestID is empty for errors not
// tied to a send.
type Error struct {
	RequestID string `json:"requestId,omitempty"`
	Code      Code   `json:"code"`
	Message   string `json:"message"`
}

// Encode wraps v in an envelope of type t.
func Encode(t Type, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Data: data})
}

// Decode parses a frame into its envelope.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: malformed frame: %v", conversation.ErrValidation, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: frame without type", conversation.ErrValidation)
	}
	return env, nil
}

// Into unmarshals the envelope data into v.
func (e Envelope) Into(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s without data", conversation.ErrValidation, e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", conversation.ErrValidation, e.Type, err)
	}
	return nil
}

// RequestID reads data.requestId on its own, so a request whose other
// fields fail to decode can still be answered.
func (e Envelope) RequestID() string {
	var ref struct {
		RequestID string `json:"requestId"`
	}
	_ = json.Unmarshal(e.Data, &ref)
	return ref.RequestID
}

// Code is the machine-readable error class carried by Error frames and
// HTTP error bodies.
type Code string

const (
	CodeValidation   Code = "validation"
	CodeNotFound     Code = "not_found"
	CodeUnauthorized Code = "unauthorized"
	CodeUnavailable  Code = "unavailable"
	CodeInternal     Code = "internal"
)

// CodeOf classifies err.
func CodeOf(err error) Code {
	switch {
	case errors.Is(err, conversation.ErrValidation):
		return CodeValidation
	case errors.Is(err, conversation.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, conversation.ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, conversation.ErrStoreUnavailable):
		return CodeUnavailable
	}
	return CodeInternal
}

// Sentinel maps a code back to the taxonomy. Internal errors are treated as
// unavailable so clients retry them.
func (c Code) Sentinel() error {
	switch c {
	case CodeValidation:
		return conversation.ErrValidation
	case CodeNotFound:
		return conversation.ErrNotFound
	case CodeUnauthorized:
		return conversation.ErrUnauthorized
	}
	return conversation.ErrStoreUnavailable
}

// NewError builds an Error frame body for err.
func NewError(requestID string, err error) Error {
	return Error{RequestID: requestID, Code: CodeOf(err), Message: err.Error()}
}

// Err turns the frame back into an error that matches the taxonomy.
func (e Error) Err() error {
	return fmt.Errorf("%w: %s", e.Code.Sentinel(), e.Message)
}

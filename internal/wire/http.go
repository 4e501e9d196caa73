package wire

import (
	"time"

	"github.com/matheus3301/dealroom/internal/conversation"
)

// ConversationList is the body of GET /conversations. NextBefore is the
// exclusive lastMessageAt cursor of the following page; conversations that
// share that exact millisecond with the last item are not repeated there.
type ConversationList struct {
	Items      []conversation.Conversation `json:"items"`
	NextBefore *time.Time                  `json:"nextBefore,omitempty"`
}

// MessageList is the body of GET /conversations/{id}/messages.
type MessageList struct {
	Items      []conversation.Message `json:"items"`
	NextBefore *time.Time             `json:"nextBefore,omitempty"`
}

// StartResponse is the body of POST /conversations.
type StartResponse struct {
	Conversation *conversation.Conversation `json:"conversation"`
	Message      conversation.Message       `json:"message"`
	Created      bool                       `json:"created"`
}

// FlagRequest is the body of PUT /conversations/{id}/flag.
type FlagRequest struct {
	Reason string `json:"reason"`
}

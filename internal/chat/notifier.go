package chat

import (
	"context"

	"github.com/matheus3301/dealroom/internal/conversation"
)

// Notifier hands accepted messages to out-of-band delivery (email, push).
type Notifier interface {
	MessageAccepted(ctx context.Context, conv conversation.Conversation, msg conversation.Message) error
}

// NoopNotifier drops everything.
type NoopNotifier struct{}

func (NoopNotifier) MessageAccepted(context.Context, conversation.Conversation, conversation.Message) error {
	return nil
}

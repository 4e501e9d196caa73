package client

import (
	"context"
	"errors"

	"github.com/matheus3301/dealroom/internal/conversation"
	"go.uber.org/zap"
)

// Dispatcher delivers outbox items over the live link when it is online
// and over REST otherwise. Both paths hit the same idempotent append, so a
// message retried across transports is still stored once.
type Dispatcher struct {
	link   *Link
	rest   *REST
	logger *zap.Logger
}

// NewDispatcher combines both transports. link may be nil.
func NewDispatcher(link *Link, rest *REST, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{link: link, rest: rest, logger: logger}
}

func (d *Dispatcher) Send(ctx context.Context, conversationID string, msg conversation.Message) (conversation.Message, error) {
	if d.link != nil && d.link.Online() {
		out, err := d.link.Send(ctx, conversationID, msg)
		if !errors.Is(err, ErrLinkDown) {
			return out, err
		}
		d.logger.Debug("live send failed, using rest", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return d.rest.Send(ctx, conversationID, msg)
}

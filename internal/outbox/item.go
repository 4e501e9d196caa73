package outbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/dealroom/internal/backoff"
	"github.com/matheus3301/dealroom/internal/conversation"
)

// Status is the lifecycle of a queued message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusRejected  Status = "rejected"
)

// ErrInvalidTransition is returned for a status change the table forbids.
var ErrInvalidTransition = errors.New("invalid outbox transition")

var transitions = map[Status][]Status{
	StatusPending: {StatusSending},
	StatusSending: {StatusDelivered, StatusFailed, StatusRejected},
	StatusFailed:  {StatusPending},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Item is one queued message.
type Item struct {
	ConversationID string
	Message        conversation.Message
	Status         Status
	Backoff        backoff.State
	Stalled        bool
	LastError      string
	EnqueuedAt     time.Time
}

func (it *Item) moveTo(to Status) error {
	if !CanTransition(it.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, it.Status, to)
	}
	it.Status = to
	return nil
}

// Notice is the payload of every outbox.* bus event.
type Notice struct {
	ConversationID string
	MessageID      string
	Attempt        int
	RetryIn        time.Duration
	Err            string
	Message        *conversation.Message
}

func (it *Item) notice() Notice {
	return Notice{
		ConversationID: it.ConversationID,
		MessageID:      it.Message.ID,
		Attempt:        it.Backoff.Attempt,
		RetryIn:        it.Backoff.NextDelay,
		Err:            it.LastError,
	}
}

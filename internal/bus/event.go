package bus

import "time"

// Kind names an event. The part before the dot is its namespace.
type Kind string

const (
	NamespaceLink    = "link."
	NamespaceOutbox  = "outbox."
	NamespaceMessage = "message."
	NamespaceSync    = "sync."
)

// Link events.
const (
	LinkStatusChanged Kind = "link.status_changed"
	LinkReconnected   Kind = "link.reconnected"
)

// Outbox events, one per item transition the user can see.
const (
	OutboxQueued         Kind = "outbox.queued"
	OutboxSending        Kind = "outbox.sending"
	OutboxDelivered      Kind = "outbox.delivered"
	OutboxRetryScheduled Kind = "outbox.retry_scheduled"
	OutboxStalled        Kind = "outbox.stalled"
	OutboxRejected       Kind = "outbox.rejected"
)

// Inbound events from the live connection and the resync engine.
const (
	MessageReceived  Kind = "message.received"
	MessageTyping    Kind = "message.typing"
	MessageRead      Kind = "message.read"
	MessageLinkError Kind = "message.error"
)

// Resync progress.
const (
	SyncStarted   Kind = "sync.started"
	SyncCompleted Kind = "sync.completed"
	SyncFailed    Kind = "sync.failed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   any
}

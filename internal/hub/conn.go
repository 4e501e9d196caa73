package hub

import (
	"errors"
	"sync"

	"github.com/matheus3301/dealroom/internal/conversation"
)

var (
	// ErrSlowConsumer is the close reason of a connection evicted on a full buffer.
	ErrSlowConsumer = errors.New("connection evicted: event buffer full")
	// ErrHubClosed is the close reason of connections dropped at shutdown.
	ErrHubClosed = errors.New("hub closed")
)

// EventKind names what happened in a room.
type EventKind string

const (
	EventNewMessage       EventKind = "new-message"
	EventTyping           EventKind = "typing"
	EventConversationRead EventKind = "conversation-read"
)

// Event is delivered to every connection joined to ConversationID.
type Event struct {
	Kind           EventKind
	ConversationID string
	Message        *conversation.Message
	Conversation   *conversation.Conversation
	Participant    string
	IsTyping       bool
}

// Conn is one live connection's view of the hub. The writer goroutine
// selects on Events and Done; the events channel is never closed.
type Conn struct {
	id          string
	participant string
	events      chan Event
	done        chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func (c *Conn) ID() string          { return c.id }
func (c *Conn) Participant() string { return c.participant }

// Events yields room events in publish order.
func (c *Conn) Events() <-chan Event { return c.events }

// Done is closed when the hub releases the connection.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the hub released the connection, or nil.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

type offerResult int

const (
	offerQueued offerResult = iota
	offerFull
	offerReleased
)

// offer enqueues evt without blocking. A released connection takes nothing.
func (c *Conn) offer(evt Event) offerResult {
	select {
	case <-c.done:
		return offerReleased
	default:
	}
	select {
	case c.events <- evt:
		return offerQueued
	default:
		return offerFull
	}
}

func (c *Conn) close(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = reason
		c.mu.Unlock()
		close(c.done)
	})
}

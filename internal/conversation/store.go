package conversation

import (
	"context"
	"sync"
)

// Store persists conversations and their messages.
// Implementations wrap backend failures in ErrStoreUnavailable and missing
// rows in ErrNotFound; they never retry on their own.
type Store interface {
	// GetOrCreate returns the conversation for key, creating it when absent.
	GetOrCreate(ctx context.Context, key Key, meta SubjectMeta) (conv *Conversation, created bool, err error)
	Get(ctx context.Context, id string) (*Conversation, error)
	// Append stores msg. It is idempotent on msg.ID within the conversation and
	// atomic with respect to other appends to the same conversation.
	Append(ctx context.Context, conversationID string, msg Message) (*AppendResult, error)
	// ListForParticipant returns conversations ordered by LastMessageAt, newest first.
	ListForParticipant(ctx context.Context, participant string, page Page) ([]Conversation, error)
	// ListMessages returns the newest page before page.Before, oldest first.
	ListMessages(ctx context.Context, conversationID string, page Page) ([]Message, error)
	// MarkRead sets only reader's read flag and marks the other party's messages read.
	MarkRead(ctx context.Context, conversationID, reader string) (*Conversation, error)
	SetFlag(ctx context.Context, conversationID, reason string) (*Conversation, error)
	Ping(ctx context.Context) error
	Close() error
}

// Locks is a set of mutexes keyed by conversation id.
// Entries are dropped once no goroutine holds or waits on them.
type Locks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until key is held and returns its release func.
func (l *Locks) Lock(key string) func() {
	l.mu.Lock()
	if l.entries == nil {
		l.entries = make(map[string]*lockEntry)
	}
	e, ok := l.entries[key]
	if !ok {
		e = &lockEntry{}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, key)
		}
		l.mu.Unlock()
	}
}

// Len returns the number of live entries.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

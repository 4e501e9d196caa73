// Package memory is an in-process conversation.Store used by tests and single-node demos.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/dealroom/internal/conversation"
)

type thread struct {
	conv     conversation.Conversation
	messages []conversation.Message
	index    map[string]int // message id -> position
}

// Store keeps everything in maps. Appends serialize per conversation.
type Store struct {
	locks conversation.Locks
	now   func() time.Time

	mu      sync.RWMutex
	threads map[string]*thread
	byKey   map[conversation.Key]string
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		now:     time.Now,
		threads: make(map[string]*thread),
		byKey:   make(map[conversation.Key]string),
	}
}

func (s *Store) GetOrCreate(_ context.Context, key conversation.Key, meta conversation.SubjectMeta) (*conversation.Conversation, bool, error) {
	if err := conversation.ValidateKey(key); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[key]; ok {
		return s.threads[id].conv.Clone(), false, nil
	}
	c := conversation.NewConversation(uuid.NewString(), key, meta, s.now())
	s.threads[c.ID] = &thread{conv: c, index: make(map[string]int)}
	s.byKey[key] = c.ID
	return c.Clone(), true, nil
}

func (s *Store) Get(_ context.Context, id string) (*conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	th, ok := s.threads[id]
	if !ok {
		return nil, notFound(id)
	}
	return th.conv.Clone(), nil
}

func (s *Store) Append(_ context.Context, conversationID string, msg conversation.Message) (*conversation.AppendResult, error) {
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	s.mu.RLock()
	th, ok := s.threads[conversationID]
	var (
		cur      conversation.Conversation
		existing *conversation.Message
	)
	if ok {
		cur = th.conv
		if i, dup := th.index[msg.ID]; dup {
			m := th.messages[i]
			existing = &m
		}
	}
	s.mu.RUnlock()
	if !ok {
		return nil, notFound(conversationID)
	}
	if existing != nil {
		return &conversation.AppendResult{Conversation: cur.Clone(), Message: *existing, Duplicate: true}, nil
	}

	next, stored, err := conversation.PrepareAppend(cur, msg, s.now())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	th.conv = next
	th.index[stored.ID] = len(th.messages)
	th.messages = append(th.messages, stored)
	s.mu.Unlock()

	return &conversation.AppendResult{Conversation: next.Clone(), Message: stored}, nil
}

func (s *Store) ListForParticipant(_ context.Context, participant string, page conversation.Page) ([]conversation.Conversation, error) {
	page = page.Normalize()
	s.mu.RLock()
	var out []conversation.Conversation
	for _, th := range s.threads {
		if !th.conv.HasParticipant(participant) {
			continue
		}
		if !page.Before.IsZero() && !th.conv.LastMessageAt.Before(page.Before) {
			continue
		}
		out = append(out, *th.conv.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	if len(out) > page.Limit {
		out = out[:page.Limit]
	}
	return out, nil
}

func (s *Store) ListMessages(_ context.Context, conversationID string, page conversation.Page) ([]conversation.Message, error) {
	page = page.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()
	th, ok := s.threads[conversationID]
	if !ok {
		return nil, notFound(conversationID)
	}
	end := len(th.messages)
	if !page.Before.IsZero() {
		end = sort.Search(len(th.messages), func(i int) bool {
			return !th.messages[i].Timestamp.Before(page.Before)
		})
	}
	start := max(end-page.Limit, 0)
	return append([]conversation.Message(nil), th.messages[start:end]...), nil
}

func (s *Store) MarkRead(_ context.Context, conversationID, reader string) (*conversation.Conversation, error) {
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[conversationID]
	if !ok {
		return nil, notFound(conversationID)
	}
	next, err := conversation.Apply(th.conv, conversation.MessageRead{Reader: reader})
	if err != nil {
		return nil, err
	}
	for i := range th.messages {
		if th.messages[i].Sender != reader {
			th.messages[i].IsRead = true
		}
	}
	if next.LastMessage != nil && next.LastMessage.Sender != reader {
		m := *next.LastMessage
		m.IsRead = true
		next.LastMessage = &m
	}
	th.conv = next
	return next.Clone(), nil
}

func (s *Store) SetFlag(_ context.Context, conversationID, reason string) (*conversation.Conversation, error) {
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[conversationID]
	if !ok {
		return nil, notFound(conversationID)
	}
	next, err := conversation.Apply(th.conv, conversation.Flagged{Reason: reason, At: s.now()})
	if err != nil {
		return nil, err
	}
	th.conv = next
	return next.Clone(), nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func notFound(id string) error {
	return fmt.Errorf("conversation %s: %w", id, conversation.ErrNotFound)
}

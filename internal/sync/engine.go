// Package sync replays conversation history the client missed while its
// live link was down.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/dealroom/internal/bus"
	"github.com/matheus3301/dealroom/internal/conversation"
	"github.com/matheus3301/dealroom/internal/wire"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 50
	maxPages        = 40
)

// Source pages through a conversation's history, newest page first.
type Source interface {
	History(ctx context.Context, conversationID string, page conversation.Page) (*wire.MessageList, error)
}

// Checkpoints stores the newest timestamp seen per conversation. *store.DB
// implements it.
type Checkpoints interface {
	Checkpoint(ctx context.Context, conversationID string) (time.Time, error)
	AdvanceCheckpoint(ctx context.Context, conversationID string, ts time.Time) error
	TrackConversation(ctx context.Context, conversationID string) error
	TrackedConversations(ctx context.Context) ([]string, error)
}

// Report summarizes one resync pass.
type Report struct {
	Conversations int
	Replayed      int
	Skipped       []string
}

// Engine publishes missed messages as message.received, oldest first, and
// keeps the checkpoints current from live traffic.
type Engine struct {
	src      Source
	cp       Checkpoints
	bus      *bus.Bus
	logger   *zap.Logger
	pageSize int
}

// NewEngine creates a new sync engine.
func NewEngine(src Source, cp Checkpoints, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{src: src, cp: cp, bus: b, logger: logger, pageSize: defaultPageSize}
}

// Track registers a conversation for resync.
func (e *Engine) Track(ctx context.Context, conversationID string) error {
	if err := e.cp.TrackConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("track %s: %w", conversationID, err)
	}
	return nil
}

// Observe records a message seen live so a later resync does not replay it.
func (e *Engine) Observe(ctx context.Context, msg conversation.Message) error {
	if msg.ConversationID == "" || msg.Timestamp.IsZero() {
		return nil
	}
	if err := e.cp.AdvanceCheckpoint(ctx, msg.ConversationID, msg.Timestamp); err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	return nil
}

// Resync walks every tracked conversation. A conversation that no longer
// exists or is no longer readable is skipped; an unavailable server aborts
// the pass.
func (e *Engine) Resync(ctx context.Context) (Report, error) {
	var r Report
	ids, err := e.cp.TrackedConversations(ctx)
	if err != nil {
		return r, fmt.Errorf("tracked conversations: %w", err)
	}
	e.emit(bus.SyncStarted, len(ids))

	for _, id := range ids {
		n, err := e.resyncOne(ctx, id)
		switch {
		case err == nil:
			r.Conversations++
			r.Replayed += n
		case conversation.IsPermanent(err) || errors.Is(err, conversation.ErrNotFound):
			e.logger.Warn("resync skipped conversation", zap.String("conversation_id", id), zap.Error(err))
			r.Skipped = append(r.Skipped, id)
		default:
			e.emit(bus.SyncFailed, err)
			return r, err
		}
	}

	e.emit(bus.SyncCompleted, r)
	e.logger.Info("resync complete",
		zap.Int("conversations", r.Conversations),
		zap.Int("replayed", r.Replayed),
		zap.Int("skipped", len(r.Skipped)))
	return r, nil
}

func (e *Engine) resyncOne(ctx context.Context, id string) (int, error) {
	since, err := e.cp.Checkpoint(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("checkpoint %s: %w", id, err)
	}

	// Pages arrive newest first; each is oldest first inside.
	var pages [][]conversation.Message
	page := conversation.Page{Limit: e.pageSize}
	for i := 0; i < maxPages; i++ {
		res, err := e.src.History(ctx, id, page)
		if err != nil {
			return 0, err
		}
		fresh := newerThan(res.Items, since)
		if len(fresh) > 0 {
			pages = append(pages, fresh)
		}
		if len(fresh) < len(res.Items) || res.NextBefore == nil || len(res.Items) < page.Limit {
			break
		}
		page.Before = *res.NextBefore
	}

	n := 0
	for i := len(pages) - 1; i >= 0; i-- {
		for _, m := range pages[i] {
			if m.ConversationID == "" {
				m.ConversationID = id
			}
			e.emit(bus.MessageReceived, wire.NewMessage{ConversationID: id, Message: m})
			if err := e.cp.AdvanceCheckpoint(ctx, id, m.Timestamp); err != nil {
				return n, fmt.Errorf("advance checkpoint: %w", err)
			}
			n++
		}
	}
	if n > 0 {
		e.logger.Debug("replayed messages", zap.String("conversation_id", id), zap.Int("count", n))
	}
	return n, nil
}

func newerThan(items []conversation.Message, since time.Time) []conversation.Message {
	for i, m := range items {
		if m.Timestamp.After(since) {
			return items[i:]
		}
	}
	return nil
}

func (e *Engine) emit(kind bus.Kind, payload any) {
	if e.bus != nil {
		e.bus.Emit(kind, payload)
	}
}

// Run keeps checkpoints in step with live messages and resyncs after
// every reconnect. It returns when ctx is done.
func (e *Engine) Run(ctx context.Context, reconnected <-chan struct{}) {
	var live <-chan bus.Event
	if e.bus != nil {
		ch, unsub := e.bus.Subscribe(string(bus.MessageReceived), 256)
		defer unsub()
		live = ch
	}
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-live:
			nm, ok := evt.Payload.(wire.NewMessage)
			if !ok {
				continue
			}
			if nm.Message.ConversationID == "" {
				nm.Message.ConversationID = nm.ConversationID
			}
			if err := e.Track(ctx, nm.Message.ConversationID); err != nil {
				e.logger.Warn("track failed", zap.Error(err))
				continue
			}
			if err := e.Observe(ctx, nm.Message); err != nil {
				e.logger.Warn("observe failed", zap.Error(err))
			}
		case <-reconnected:
			if _, err := e.Resync(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("resync failed", zap.Error(err))
			}
		}
	}
}

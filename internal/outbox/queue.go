// Package outbox is the client-side send queue. Messages are kept in one
// FIFO lane per conversation and delivered at least once; the server's
// idempotent append turns that into exactly once.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/dealroom/internal/backoff"
	"github.com/matheus3301/dealroom/internal/bus"
	"github.com/matheus3301/dealroom/internal/conversation"
	"github.com/matheus3301/dealroom/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultFlushInterval is the periodic trigger of Run.
const DefaultFlushInterval = 5 * time.Second

const maxParallelLanes = 8

// Transport delivers one message and returns it as the server stored it.
type Transport interface {
	Send(ctx context.Context, conversationID string, msg conversation.Message) (conversation.Message, error)
}

// Journal persists queued items across restarts. *store.DB implements it.
type Journal interface {
	QueueOutbox(ctx context.Context, e store.OutboxEntry) (bool, error)
	MarkOutbox(ctx context.Context, conversationID, clientMsgID, status string, attempts int, errMsg string) error
	DeleteOutbox(ctx context.Context, conversationID, clientMsgID string) error
	ClearOutbox(ctx context.Context, conversationID string) (int64, error)
	PendingOutbox(ctx context.Context) ([]store.OutboxEntry, error)
}

// Options configures a Queue. Journal and Bus are optional.
type Options struct {
	Policy        backoff.Policy
	FlushInterval time.Duration
	Journal       Journal
	Bus           *bus.Bus
	Logger        *zap.Logger
}

type lane struct {
	conversationID string
	items          []*Item
	inFlight       bool
	dueAt          time.Time
}

// Queue holds the lanes. One Run loop drives it; Flush may also be called
// directly and never overlaps with itself on the same lane.
type Queue struct {
	transport Transport
	journal   Journal
	bus       *bus.Bus
	policy    backoff.Policy
	interval  time.Duration
	logger    *zap.Logger
	now       func() time.Time

	mu    sync.Mutex
	lanes map[string]*lane
	wake  chan struct{}
}

// New creates an empty queue.
func New(t Transport, opts Options) *Queue {
	if opts.Policy == (backoff.Policy{}) {
		opts.Policy = backoff.DefaultPolicy
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Queue{
		transport: t,
		journal:   opts.Journal,
		bus:       opts.Bus,
		policy:    opts.Policy,
		interval:  opts.FlushInterval,
		logger:    opts.Logger,
		now:       time.Now,
		lanes:     make(map[string]*lane),
		wake:      make(chan struct{}, 1),
	}
}

func (q *Queue) emit(kind bus.Kind, n Notice) {
	if q.bus != nil {
		q.bus.Emit(kind, n)
	}
}

// Load restores journaled items. Entries caught mid-send go back to pending.
func (q *Queue) Load(ctx context.Context) (int, error) {
	if q.journal == nil {
		return 0, nil
	}
	entries, err := q.journal.PendingOutbox(ctx)
	if err != nil {
		return 0, fmt.Errorf("load outbox: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	loaded := 0
	for _, e := range entries {
		var msg conversation.Message
		if err := json.Unmarshal(e.Message, &msg); err != nil {
			q.logger.Warn("skipping unreadable outbox entry",
				zap.String("conversation_id", e.ConversationID),
				zap.String("message_id", e.ClientMsgID),
				zap.Error(err))
			continue
		}
		l := q.laneLocked(e.ConversationID)
		if l.find(msg.ID) != nil {
			continue
		}
		l.items = append(l.items, &Item{
			ConversationID: e.ConversationID,
			Message:        msg,
			Status:         StatusPending,
			Backoff:        backoff.State{Attempt: e.Attempts},
			LastError:      e.ErrorMessage,
			EnqueuedAt:     time.UnixMilli(e.CreatedAt),
		})
		loaded++
	}
	return loaded, nil
}

func (q *Queue) laneLocked(conversationID string) *lane {
	l, ok := q.lanes[conversationID]
	if !ok {
		l = &lane{conversationID: conversationID}
		q.lanes[conversationID] = l
	}
	return l
}

func (l *lane) find(messageID string) *Item {
	for _, it := range l.items {
		if it.Message.ID == messageID {
			return it
		}
	}
	return nil
}

func (l *lane) remove(it *Item) {
	for i, cur := range l.items {
		if cur == it {
			l.items = append(l.items[:i], l.items[i+1:]...)
			return
		}
	}
}

// Enqueue appends msg to its conversation's lane and returns at once.
// A message without an id gets one; an id already queued is a no-op.
// Drafts the server would reject are refused here and never journaled.
func (q *Queue) Enqueue(ctx context.Context, conversationID string, msg conversation.Message) (Item, error) {
	if err := conversation.ValidateID("conversationId", conversationID); err != nil {
		return Item{}, err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Type == "" {
		msg.Type = conversation.KindText
	}
	if err := conversation.ValidateDraft(msg); err != nil {
		return Item{}, err
	}
	msg.ConversationID = conversationID

	q.mu.Lock()
	l := q.laneLocked(conversationID)
	if existing := l.find(msg.ID); existing != nil {
		it := *existing
		q.mu.Unlock()
		return it, nil
	}
	it := &Item{
		ConversationID: conversationID,
		Message:        msg,
		Status:         StatusPending,
		EnqueuedAt:     q.now(),
	}
	if q.journal != nil {
		raw, err := json.Marshal(msg)
		if err != nil {
			q.mu.Unlock()
			return Item{}, fmt.Errorf("encode queued message: %w", err)
		}
		if _, err := q.journal.QueueOutbox(ctx, store.OutboxEntry{
			ConversationID: conversationID,
			ClientMsgID:    msg.ID,
			Message:        raw,
		}); err != nil {
			q.mu.Unlock()
			return Item{}, fmt.Errorf("journal message: %w", err)
		}
	}
	l.items = append(l.items, it)
	snapshot := *it
	q.mu.Unlock()

	q.emit(bus.OutboxQueued, snapshot.notice())
	q.RequestFlush()
	return snapshot, nil
}

// RequestFlush wakes Run without waiting.
func (q *Queue) RequestFlush() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Retry makes every lane due now and gives stalled items a fresh backoff.
func (q *Queue) Retry() {
	q.mu.Lock()
	for _, l := range q.lanes {
		l.dueAt = time.Time{}
		for _, it := range l.items {
			if it.Stalled {
				it.Stalled = false
				it.Backoff.Reset()
			}
		}
	}
	q.mu.Unlock()
	q.RequestFlush()
}

// Rejection is a message the server refused for good.
type Rejection struct {
	ConversationID string
	Message        conversation.Message
	Err            error
}

// Report summarizes one Flush.
type Report struct {
	Delivered []conversation.Message
	Rejected  []Rejection
	Retrying  []Item
	Stalled   []Item
}

// Flush sends every due lane in FIFO order. Lanes run in parallel; a lane
// stops at its first retryable failure.
func (q *Queue) Flush(ctx context.Context) Report {
	now := q.now()
	q.mu.Lock()
	var due []*lane
	for _, l := range q.lanes {
		if l.inFlight || len(l.items) == 0 || now.Before(l.dueAt) {
			continue
		}
		l.inFlight = true
		due = append(due, l)
	}
	q.mu.Unlock()

	reports := make([]Report, len(due))
	var g errgroup.Group
	g.SetLimit(maxParallelLanes)
	for i, l := range due {
		g.Go(func() error {
			reports[i] = q.flushLane(ctx, l)
			return nil
		})
	}
	_ = g.Wait()

	var out Report
	for _, r := range reports {
		out.Delivered = append(out.Delivered, r.Delivered...)
		out.Rejected = append(out.Rejected, r.Rejected...)
		out.Retrying = append(out.Retrying, r.Retrying...)
		out.Stalled = append(out.Stalled, r.Stalled...)
	}
	q.gc()
	return out
}

func (q *Queue) flushLane(ctx context.Context, l *lane) (r Report) {
	defer func() {
		q.mu.Lock()
		l.inFlight = false
		q.mu.Unlock()
	}()

	for {
		q.mu.Lock()
		if len(l.items) == 0 {
			q.mu.Unlock()
			return r
		}
		it := l.items[0]
		if it.Status == StatusFailed {
			_ = it.moveTo(StatusPending)
		}
		if it.Stalled {
			it.Stalled = false
			it.Backoff.Reset()
		}
		if err := it.moveTo(StatusSending); err != nil {
			q.mu.Unlock()
			q.logger.Error("outbox item in unexpected state", zap.String("message_id", it.Message.ID), zap.Error(err))
			return r
		}
		msg := it.Message
		n := it.notice()
		q.mu.Unlock()

		q.mark(ctx, it, store.OutboxSending)
		q.emit(bus.OutboxSending, n)

		sent, err := q.transport.Send(ctx, l.conversationID, msg)

		q.mu.Lock()
		switch {
		case err == nil:
			_ = it.moveTo(StatusDelivered)
			l.remove(it)
			q.mu.Unlock()

			q.forget(ctx, it)
			q.logger.Debug("message delivered", zap.String("conversation_id", l.conversationID), zap.String("message_id", msg.ID))
			n.Message = &sent
			q.emit(bus.OutboxDelivered, n)
			r.Delivered = append(r.Delivered, sent)

		case conversation.IsPermanent(err):
			_ = it.moveTo(StatusRejected)
			it.LastError = err.Error()
			l.remove(it)
			n = it.notice()
			q.mu.Unlock()

			q.forget(ctx, it)
			q.logger.Warn("message rejected", zap.String("conversation_id", l.conversationID), zap.String("message_id", msg.ID), zap.Error(err))
			q.emit(bus.OutboxRejected, n)
			r.Rejected = append(r.Rejected, Rejection{ConversationID: l.conversationID, Message: msg, Err: err})

		default:
			_ = it.moveTo(StatusFailed)
			it.LastError = err.Error()
			delay, stalled := it.Backoff.Fail(q.policy)
			it.Stalled = stalled
			if stalled {
				l.dueAt = time.Time{}
			} else {
				l.dueAt = q.now().Add(delay)
			}
			snapshot := *it
			q.mu.Unlock()

			q.mark(ctx, &snapshot, store.OutboxFailed)
			if stalled {
				q.logger.Warn("message stalled", zap.String("conversation_id", l.conversationID), zap.String("message_id", msg.ID), zap.Int("attempts", snapshot.Backoff.Attempt), zap.Error(err))
				q.emit(bus.OutboxStalled, snapshot.notice())
				r.Stalled = append(r.Stalled, snapshot)
			} else {
				q.logger.Debug("retry scheduled", zap.String("conversation_id", l.conversationID), zap.String("message_id", msg.ID), zap.Duration("delay", delay), zap.Error(err))
				q.emit(bus.OutboxRetryScheduled, snapshot.notice())
				r.Retrying = append(r.Retrying, snapshot)
			}
			return r
		}
	}
}

func (q *Queue) mark(ctx context.Context, it *Item, status string) {
	if q.journal == nil {
		return
	}
	if err := q.journal.MarkOutbox(ctx, it.ConversationID, it.Message.ID, status, it.Backoff.Attempt, it.LastError); err != nil {
		q.logger.Warn("journal update failed", zap.String("message_id", it.Message.ID), zap.Error(err))
	}
}

func (q *Queue) forget(ctx context.Context, it *Item) {
	if q.journal == nil {
		return
	}
	if err := q.journal.DeleteOutbox(ctx, it.ConversationID, it.Message.ID); err != nil {
		q.logger.Warn("journal delete failed", zap.String("message_id", it.Message.ID), zap.Error(err))
	}
}

// gc drops idle empty lanes.
func (q *Queue) gc() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, l := range q.lanes {
		if len(l.items) == 0 && !l.inFlight {
			delete(q.lanes, id)
		}
	}
}

// nextDue returns how long until the earliest backed-off lane is due, or
// false when nothing is waiting on a delay.
func (q *Queue) nextDue() (time.Duration, bool) {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	var (
		next  time.Duration
		found bool
	)
	for _, l := range q.lanes {
		if len(l.items) == 0 || l.dueAt.IsZero() || l.inFlight {
			continue
		}
		d := l.dueAt.Sub(now)
		if d < 0 {
			d = 0
		}
		if !found || d < next {
			next, found = d, true
		}
	}
	return next, found
}

// Run is the scheduling loop. It flushes on RequestFlush, on every value
// from reconnected, when a backoff expires and on the periodic interval.
func (q *Queue) Run(ctx context.Context, reconnected <-chan struct{}) error {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	timer := time.NewTimer(q.interval)
	defer timer.Stop()

	for {
		q.Flush(ctx)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if d, ok := q.nextDue(); ok {
			timer.Reset(d)
		} else {
			timer.Reset(q.interval)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
		case <-reconnected:
			q.Retry()
		case <-ticker.C:
		case <-timer.C:
		}
	}
}

// Pending returns a snapshot of every queued item, oldest first.
func (q *Queue) Pending() []Item {
	q.mu.Lock()
	var out []Item
	for _, l := range q.lanes {
		for _, it := range l.items {
			out = append(out, *it)
		}
	}
	q.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, l := range q.lanes {
		n += len(l.items)
	}
	return n
}

// Clear drops every queued message of a conversation. A send already in
// flight still completes.
func (q *Queue) Clear(ctx context.Context, conversationID string) (int, error) {
	q.mu.Lock()
	n := 0
	if l, ok := q.lanes[conversationID]; ok {
		n = len(l.items)
		l.items = nil
	}
	q.mu.Unlock()
	if q.journal != nil {
		if _, err := q.journal.ClearOutbox(ctx, conversationID); err != nil {
			return n, fmt.Errorf("clear journal: %w", err)
		}
	}
	return n, nil
}

// Remove drops one queued message. It reports whether it was queued.
func (q *Queue) Remove(ctx context.Context, conversationID, messageID string) (bool, error) {
	q.mu.Lock()
	var it *Item
	if l, ok := q.lanes[conversationID]; ok {
		if it = l.find(messageID); it != nil {
			l.remove(it)
		}
	}
	q.mu.Unlock()
	if it == nil {
		return false, nil
	}
	if q.journal != nil {
		if err := q.journal.DeleteOutbox(ctx, conversationID, messageID); err != nil {
			return true, fmt.Errorf("remove from journal: %w", err)
		}
	}
	return true, nil
}

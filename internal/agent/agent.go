// Package agent runs the client side of one profile: the outbox journal,
// the live link, the send queue and the resync engine.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/dealroom/internal/backoff"
	"github.com/matheus3301/dealroom/internal/bus"
	"github.com/matheus3301/dealroom/internal/chat"
	"github.com/matheus3301/dealroom/internal/client"
	"github.com/matheus3301/dealroom/internal/conversation"
	"github.com/matheus3301/dealroom/internal/lock"
	"github.com/matheus3301/dealroom/internal/outbox"
	"github.com/matheus3301/dealroom/internal/profile"
	"github.com/matheus3301/dealroom/internal/store"
	dsync "github.com/matheus3301/dealroom/internal/sync"
	"github.com/matheus3301/dealroom/internal/wire"
	"go.uber.org/zap"
)

// Options configures an Agent.
type Options struct {
	Profile       profile.Profile
	ServerURL     string
	Participant   string
	Role          string
	Policy        backoff.Policy
	FlushInterval time.Duration
	// LinkPolicy paces redials of the live link.
	LinkPolicy backoff.Policy
	Logger     *zap.Logger
}

// Agent owns every client component of a profile. Only one process can
// hold a profile at a time, so only one flushes its queue.
type Agent struct {
	opts   Options
	logger *zap.Logger

	lock   *lock.Lock
	db     *store.DB
	bus    *bus.Bus
	rest   *client.REST
	link   *client.Link
	queue  *outbox.Queue
	engine *dsync.Engine

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// Open locks the profile, opens its journal and restores queued messages.
// Nothing talks to the server until Start or Flush.
func Open(ctx context.Context, opts Options) (*Agent, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := opts.Profile.EnsureDir(); err != nil {
		return nil, fmt.Errorf("profile dir: %w", err)
	}
	lk, err := lock.Acquire(opts.Profile.Dir)
	if err != nil {
		return nil, err
	}

	a := &Agent{opts: opts, logger: opts.Logger, lock: lk, bus: bus.New()}
	if err := a.open(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Agent) open(ctx context.Context) error {
	db, err := store.Open(a.opts.Profile.QueuePath())
	if err != nil {
		return fmt.Errorf("open queue db: %w", err)
	}
	a.db = db
	if _, err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate queue db: %w", err)
	}

	rest, err := client.NewREST(a.opts.ServerURL, a.opts.Participant, a.opts.Role, nil)
	if err != nil {
		return err
	}
	a.rest = rest
	a.link = client.NewLink(client.LinkOptions{
		URL:         rest.LiveURL(),
		Participant: a.opts.Participant,
		Role:        a.opts.Role,
		Policy:      a.opts.LinkPolicy,
		Bus:         a.bus,
		Logger:      a.logger,
	})
	a.queue = outbox.New(client.NewDispatcher(a.link, rest, a.logger), outbox.Options{
		Policy:        a.opts.Policy,
		FlushInterval: a.opts.FlushInterval,
		Journal:       db,
		Bus:           a.bus,
		Logger:        a.logger.With(zap.String("component", "outbox")),
	})
	a.engine = dsync.NewEngine(rest, db, a.bus, a.logger.With(zap.String("component", "sync")))

	n, err := a.queue.Load(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		a.logger.Info("restored queued messages", zap.Int("count", n))
	}
	return nil
}

// Bus is the event stream of this agent.
func (a *Agent) Bus() *bus.Bus { return a.bus }

func (a *Agent) REST() *client.REST { return a.rest }

func (a *Agent) Link() *client.Link { return a.link }

func (a *Agent) Queue() *outbox.Queue { return a.queue }

// Start opens the live link and runs the queue and resync loops until
// Close. Every reconnect flushes the queue and resyncs tracked conversations.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return errors.New("agent already started")
	}
	ctx, a.cancel = context.WithCancel(ctx)
	if err := a.link.Init(ctx); err != nil {
		a.cancel()
		return err
	}
	a.running = true

	toQueue := make(chan struct{}, 1)
	toSync := make(chan struct{}, 1)
	a.wg.Add(3)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.link.Reconnected():
				signal(toQueue)
				signal(toSync)
			}
		}
	}()
	go func() {
		defer a.wg.Done()
		_ = a.queue.Run(ctx, toQueue)
	}()
	go func() {
		defer a.wg.Done()
		a.engine.Run(ctx, toSync)
	}()
	return nil
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Send queues msg for delivery and returns at once.
func (a *Agent) Send(ctx context.Context, conversationID string, msg conversation.Message) (outbox.Item, error) {
	it, err := a.queue.Enqueue(ctx, conversationID, msg)
	if err != nil {
		return it, err
	}
	if err := a.engine.Track(ctx, conversationID); err != nil {
		a.logger.Warn("track conversation", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return it, nil
}

// StartConversation opens a conversation about a subject over REST, then
// tracks and joins it.
func (a *Agent) StartConversation(ctx context.Context, req chat.StartRequest) (*wire.StartResponse, error) {
	res, err := a.rest.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := a.Watch(ctx, res.Conversation.ID); err != nil {
		return res, err
	}
	if err := a.engine.Observe(ctx, res.Message); err != nil {
		a.logger.Warn("observe initial message", zap.Error(err))
	}
	return res, nil
}

// Watch tracks a conversation for resync and joins its room on the link.
func (a *Agent) Watch(ctx context.Context, conversationID string) error {
	if err := a.engine.Track(ctx, conversationID); err != nil {
		return err
	}
	return a.link.Join(ctx, conversationID)
}

// Tracked lists conversations this profile resyncs.
func (a *Agent) Tracked(ctx context.Context) ([]string, error) {
	return a.db.TrackedConversations(ctx)
}

// Flush sends whatever is due now, without the live link or the Run loop.
func (a *Agent) Flush(ctx context.Context) outbox.Report {
	return a.queue.Flush(ctx)
}

// Resync replays missed history once.
func (a *Agent) Resync(ctx context.Context) (dsync.Report, error) {
	return a.engine.Resync(ctx)
}

// Close stops the loops, closes the link and the journal and releases the
// profile lock.
func (a *Agent) Close() error {
	a.mu.Lock()
	running := a.running
	a.running = false
	a.mu.Unlock()

	if running {
		a.cancel()
		a.link.Close()
		a.wg.Wait()
	}
	var errs []error
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	errs = append(errs, a.lock.Release())
	return errors.Join(errs...)
}

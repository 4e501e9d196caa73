package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/matheus3301/dealroom/internal/backoff"
	"github.com/matheus3301/dealroom/internal/bus"
	"github.com/matheus3301/dealroom/internal/chat"
	"github.com/matheus3301/dealroom/internal/conversation"
	"github.com/matheus3301/dealroom/internal/status"
	"github.com/matheus3301/dealroom/internal/wire"
	"go.uber.org/zap"
)

// ErrLinkDown is returned by live operations while the link is not online.
var ErrLinkDown = fmt.Errorf("%w: live link down", conversation.ErrStoreUnavailable)

// DefaultReconnectPolicy paces redials. MaxAttempts is ignored: the link
// keeps trying until closed.
var DefaultReconnectPolicy = backoff.Policy{Base: 500 * time.Millisecond, Max: 15 * time.Second}

const (
	linkReadLimit     = 64 << 10
	linkWriteTimeout  = 10 * time.Second
	defaultAckTimeout = 15 * time.Second
)

// LinkOptions configures a Link.
type LinkOptions struct {
	URL         string
	Participant string
	Role        string
	Policy      backoff.Policy
	AckTimeout  time.Duration
	HTTPClient  *http.Client
	Bus         *bus.Bus
	Logger      *zap.Logger
}

type ackResult struct {
	msg conversation.Message
	err error
}

// Link keeps one WebSocket to the server open, redialing with backoff and
// re-joining every room it was asked to join.
type Link struct {
	opts   LinkOptions
	state  *status.Machine
	logger *zap.Logger

	mu      sync.Mutex
	ws      *websocket.Conn
	rooms   map[string]struct{}
	pending map[string]chan ackResult

	reconnected chan struct{}
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewLink creates a link in the Offline state. Call Init to connect.
func NewLink(opts LinkOptions) *Link {
	if opts.Policy == (backoff.Policy{}) {
		opts.Policy = DefaultReconnectPolicy
	}
	if opts.Role == "" {
		opts.Role = chat.RoleParticipant
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = defaultAckTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Link{
		opts:        opts,
		state:       status.NewMachine(opts.Bus),
		logger:      opts.Logger.With(zap.String("component", "link")),
		rooms:       make(map[string]struct{}),
		pending:     make(map[string]chan ackResult),
		reconnected: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// Init starts the connect loop. It returns without waiting for the first dial.
func (l *Link) Init(ctx context.Context) error {
	if err := l.state.Transition(status.Connecting); err != nil {
		return fmt.Errorf("init link: %w", err)
	}
	ctx, l.cancel = context.WithCancel(ctx)
	go l.run(ctx)
	return nil
}

// Close stops the link and waits for the connect loop to exit.
func (l *Link) Close() {
	if l.cancel == nil {
		_ = l.state.Transition(status.Closed)
		return
	}
	l.cancel()
	<-l.done
}

// Status returns the current link state.
func (l *Link) Status() status.State { return l.state.Current() }

// Online reports whether frames can be written right now.
func (l *Link) Online() bool { return l.state.Current() == status.Online }

// Reconnected fires after every successful dial, including the first.
// Missed signals coalesce.
func (l *Link) Reconnected() <-chan struct{} { return l.reconnected }

// Rooms returns the conversations the link re-joins after a redial.
func (l *Link) Rooms() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.rooms))
	for id := range l.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (l *Link) run(ctx context.Context) {
	defer close(l.done)
	defer func() { _ = l.state.Transition(status.Closed) }()

	var retry backoff.State
	for {
		ws, err := l.dial(ctx)
		if err == nil {
			retry.Reset()
			l.serve(ctx, ws)
		} else if ctx.Err() == nil {
			l.logger.Debug("dial failed", zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}

		_ = l.state.Transition(status.Reconnecting)
		delay, _ := retry.Fail(l.opts.Policy)
		l.logger.Info("link down, redialing", zap.Duration("in", delay), zap.Int("attempt", retry.Attempt))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		_ = l.state.Transition(status.Connecting)
	}
}

func (l *Link) dial(ctx context.Context) (*websocket.Conn, error) {
	h := http.Header{}
	h.Set(headerParticipantID, l.opts.Participant)
	h.Set(headerParticipantRole, l.opts.Role)
	ws, _, err := websocket.Dial(ctx, l.opts.URL, &websocket.DialOptions{
		HTTPClient: l.opts.HTTPClient,
		HTTPHeader: h,
	})
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(linkReadLimit)
	return ws, nil
}

// serve runs one connection until it drops.
func (l *Link) serve(ctx context.Context, ws *websocket.Conn) {
	l.mu.Lock()
	l.ws = ws
	l.mu.Unlock()
	rooms := l.Rooms()

	for _, id := range rooms {
		if err := l.write(ctx, ws, wire.TypeJoinConversation, wire.JoinConversation{ConversationID: id}); err != nil {
			l.logger.Debug("rejoin failed", zap.String("conversation_id", id), zap.Error(err))
		}
	}

	_ = l.state.Transition(status.Online)
	l.logger.Info("link online", zap.String("url", l.opts.URL), zap.Int("rooms", len(rooms)))

	select {
	case l.reconnected <- struct{}{}:
	default:
	}
	if l.opts.Bus != nil {
		l.opts.Bus.Emit(bus.LinkReconnected, l.opts.URL)
	}

	err := l.readLoop(ctx, ws)

	l.mu.Lock()
	l.ws = nil
	pending := l.pending
	l.pending = make(map[string]chan ackResult)
	l.mu.Unlock()
	for _, ch := range pending {
		ch <- ackResult{err: ErrLinkDown}
	}
	_ = ws.Close(websocket.StatusNormalClosure, "")

	if ctx.Err() == nil {
		l.logger.Warn("link dropped", zap.Error(err))
	}
}

func (l *Link) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		_, frame, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		env, err := wire.Decode(frame)
		if err != nil {
			l.logger.Debug("bad frame from server", zap.Error(err))
			continue
		}
		l.dispatch(env)
	}
}

func (l *Link) dispatch(env wire.Envelope) {
	switch env.Type {
	case wire.TypeAck:
		var ack wire.Ack
		if err := env.Into(&ack); err != nil {
			l.logger.Debug("bad ack", zap.Error(err))
			return
		}
		l.resolve(ack.RequestID, ackResult{msg: ack.Message})

	case wire.TypeError:
		var e wire.Error
		if err := env.Into(&e); err != nil {
			l.logger.Debug("bad error frame", zap.Error(err))
			return
		}
		if e.RequestID != "" && l.resolve(e.RequestID, ackResult{err: e.Err()}) {
			return
		}
		l.emit(bus.MessageLinkError, e)

	case wire.TypeNewMessage:
		var m wire.NewMessage
		if err := env.Into(&m); err == nil {
			l.emit(bus.MessageReceived, m)
		}

	case wire.TypeTyping:
		var t wire.Typing
		if err := env.Into(&t); err == nil {
			l.emit(bus.MessageTyping, t)
		}

	case wire.TypeConversationRead:
		var r wire.ConversationRead
		if err := env.Into(&r); err == nil {
			l.emit(bus.MessageRead, r)
		}

	case wire.TypeJoined:
		l.logger.Debug("joined", zap.ByteString("data", env.Data))

	default:
		l.logger.Debug("unhandled frame", zap.String("type", string(env.Type)))
	}
}

func (l *Link) emit(kind bus.Kind, payload any) {
	if l.opts.Bus != nil {
		l.opts.Bus.Emit(kind, payload)
	}
}

func (l *Link) resolve(requestID string, r ackResult) bool {
	l.mu.Lock()
	ch, ok := l.pending[requestID]
	delete(l.pending, requestID)
	l.mu.Unlock()
	if ok {
		ch <- r
	}
	return ok
}

func (l *Link) forget(requestID string) {
	l.mu.Lock()
	delete(l.pending, requestID)
	l.mu.Unlock()
}

func (l *Link) current() *websocket.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ws
}

func (l *Link) write(ctx context.Context, ws *websocket.Conn, t wire.Type, v any) error {
	frame, err := wire.Encode(t, v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, linkWriteTimeout)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("%w: %v", ErrLinkDown, err)
	}
	return nil
}

func (l *Link) writeOnline(ctx context.Context, t wire.Type, v any) error {
	ws := l.current()
	if ws == nil {
		return ErrLinkDown
	}
	return l.write(ctx, ws, t, v)
}

// Join subscribes to a conversation now and after every redial.
// Join errors from the server arrive on the bus as message.error.
func (l *Link) Join(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("%w: conversation id is required", conversation.ErrValidation)
	}
	l.mu.Lock()
	l.rooms[conversationID] = struct{}{}
	l.mu.Unlock()
	err := l.writeOnline(ctx, wire.TypeJoinConversation, wire.JoinConversation{ConversationID: conversationID})
	if errors.Is(err, ErrLinkDown) {
		return nil
	}
	return err
}

// Leave drops a conversation from the rejoin set.
func (l *Link) Leave(ctx context.Context, conversationID string) error {
	l.mu.Lock()
	delete(l.rooms, conversationID)
	l.mu.Unlock()
	err := l.writeOnline(ctx, wire.TypeLeaveConversation, wire.LeaveConversation{ConversationID: conversationID})
	if errors.Is(err, ErrLinkDown) {
		return nil
	}
	return err
}

// Typing is best effort and fails fast while offline.
func (l *Link) Typing(ctx context.Context, conversationID string, isTyping bool) error {
	return l.writeOnline(ctx, wire.TypeTyping, wire.Typing{ConversationID: conversationID, IsTyping: isTyping})
}

func (l *Link) MarkRead(ctx context.Context, conversationID string) error {
	return l.writeOnline(ctx, wire.TypeMarkRead, wire.MarkRead{ConversationID: conversationID})
}

// Send writes a send-message frame and waits for its ack or error. A send
// with no answer within AckTimeout fails with ErrLinkDown; the append is
// idempotent, so retrying with the same message id is safe.
func (l *Link) Send(ctx context.Context, conversationID string, msg conversation.Message) (conversation.Message, error) {
	reqID := uuid.NewString()
	ch := make(chan ackResult, 1)

	l.mu.Lock()
	ws := l.ws
	if ws == nil {
		l.mu.Unlock()
		return conversation.Message{}, ErrLinkDown
	}
	l.pending[reqID] = ch
	l.mu.Unlock()

	err := l.write(ctx, ws, wire.TypeSendMessage, wire.SendMessage{
		RequestID:      reqID,
		ConversationID: conversationID,
		Message:        msg,
	})
	if err != nil {
		l.forget(reqID)
		return conversation.Message{}, err
	}

	timer := time.NewTimer(l.opts.AckTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.msg, r.err
	case <-timer.C:
		l.forget(reqID)
		l.logger.Warn("no ack for send", zap.String("conversation_id", conversationID),
			zap.String("message_id", msg.ID), zap.Duration("waited", l.opts.AckTimeout))
		return conversation.Message{}, fmt.Errorf("%w: no ack within %s", ErrLinkDown, l.opts.AckTimeout)
	case <-ctx.Done():
		l.forget(reqID)
		return conversation.Message{}, fmt.Errorf("%w: %v", conversation.ErrStoreUnavailable, ctx.Err())
	}
}

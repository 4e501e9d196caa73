package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/matheus3301/dealroom/internal/chat"
	"github.com/matheus3301/dealroom/internal/conversation"
	"github.com/matheus3301/dealroom/internal/hub"
	"github.com/matheus3301/dealroom/internal/wire"
	"go.uber.org/zap"
)

const (
	maxFrameBytes = 64 << 10
	writeTimeout  = 10 * time.Second
	pingInterval  = 30 * time.Second
	replyBuffer   = 16
)

// live upgrades to a WebSocket and serves one connection until either side
// closes it or the hub evicts it.
func (a *API) live(c *gin.Context) {
	id := identity(c)
	ws, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: a.opts.AllowOrigins,
	})
	if err != nil {
		a.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	conn := a.hub.Connect(id.ParticipantID)
	s := &liveSession{
		api:     a,
		ws:      ws,
		conn:    conn,
		id:      id,
		replies: make(chan []byte, replyBuffer),
		logger:  a.logger.With(zap.String("conn_id", conn.ID()), zap.String("participant", id.ParticipantID)),
	}
	s.serve(c.Request.Context())
}

type liveSession struct {
	api     *API
	ws      *websocket.Conn
	conn    *hub.Conn
	id      chat.Identity
	replies chan []byte
	logger  *zap.Logger
}

func (s *liveSession) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	s.logger.Info("live connection opened")
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		s.writeLoop(ctx)
	}()

	err := s.readLoop(ctx)
	cancel()
	<-writerDone
	s.api.hub.Disconnect(s.conn.ID())

	status := websocket.StatusNormalClosure
	reason := ""
	if errors.Is(s.conn.Err(), hub.ErrSlowConsumer) {
		status = websocket.StatusPolicyViolation
		reason = "slow consumer"
	}
	_ = s.ws.Close(status, reason)

	closeStatus := websocket.CloseStatus(err)
	if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
		err = nil
	}
	s.logger.Info("live connection closed", zap.NamedError("cause", err), zap.NamedError("hub_reason", s.conn.Err()))
}

func (s *liveSession) readLoop(ctx context.Context) error {
	for {
		_, frame, err := s.ws.Read(ctx)
		if err != nil {
			return err
		}
		env, err := wire.Decode(frame)
		if err != nil {
			s.replyError(ctx, "", err)
			continue
		}
		s.handle(ctx, env)
	}
}

func (s *liveSession) handle(ctx context.Context, env wire.Envelope) {
	svc := s.api.svc
	switch env.Type {
	case wire.TypeJoinConversation:
		var req wire.JoinConversation
		if err := env.Into(&req); err != nil {
			s.replyError(ctx, "", err)
			return
		}
		if err := svc.Join(ctx, s.id, s.conn.ID(), req.ConversationID); err != nil {
			s.replyError(ctx, "", err)
			return
		}
		s.reply(ctx, wire.TypeJoined, wire.Joined{ConversationID: req.ConversationID})

	case wire.TypeLeaveConversation:
		var req wire.LeaveConversation
		if err := env.Into(&req); err != nil {
			s.replyError(ctx, "", err)
			return
		}
		if err := svc.Leave(s.conn.ID(), req.ConversationID); err != nil {
			s.replyError(ctx, "", err)
		}

	case wire.TypeSendMessage:
		var req wire.SendMessage
		if err := env.Into(&req); err != nil {
			s.replyError(ctx, env.RequestID(), err)
			return
		}
		res, err := svc.Send(ctx, s.id, req.ConversationID, req.Message)
		if err != nil {
			s.replyError(ctx, req.RequestID, err)
			return
		}
		s.reply(ctx, wire.TypeAck, wire.Ack{
			RequestID:    req.RequestID,
			Message:      res.Message,
			Conversation: res.Conversation,
			Duplicate:    res.Duplicate,
		})

	case wire.TypeTyping:
		var req wire.Typing
		if err := env.Into(&req); err != nil {
			s.replyError(ctx, "", err)
			return
		}
		if err := svc.Typing(s.id, req.ConversationID, req.IsTyping); err != nil {
			s.replyError(ctx, "", err)
		}

	case wire.TypeMarkRead:
		var req wire.MarkRead
		if err := env.Into(&req); err != nil {
			s.replyError(ctx, "", err)
			return
		}
		if _, err := svc.MarkRead(ctx, s.id, req.ConversationID); err != nil {
			s.replyError(ctx, "", err)
		}

	default:
		s.replyError(ctx, "", fmt.Errorf("%w: unknown frame type %q", conversation.ErrValidation, env.Type))
	}
}

func (s *liveSession) reply(ctx context.Context, t wire.Type, v any) {
	frame, err := wire.Encode(t, v)
	if err != nil {
		s.logger.Error("encode reply", zap.String("type", string(t)), zap.Error(err))
		return
	}
	select {
	case s.replies <- frame:
	case <-ctx.Done():
	case <-s.conn.Done():
	}
}

func (s *liveSession) replyError(ctx context.Context, requestID string, err error) {
	body := wire.NewError(requestID, err)
	if body.Code == wire.CodeInternal {
		s.logger.Error("live request failed", zap.Error(err))
		body.Message = "internal error"
	}
	s.reply(ctx, wire.TypeError, body)
}

func (s *liveSession) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		var frame []byte
		select {
		case <-ctx.Done():
			return
		case <-s.conn.Done():
			return
		case frame = <-s.replies:
		case evt := <-s.conn.Events():
			var err error
			frame, err = eventFrame(evt)
			if err != nil {
				s.logger.Error("encode event", zap.String("kind", string(evt.Kind)), zap.Error(err))
				continue
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := s.ws.Ping(pctx)
			cancel()
			if err != nil {
				s.logger.Debug("ping failed", zap.Error(err))
				return
			}
			continue
		}
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := s.ws.Write(wctx, websocket.MessageText, frame)
		cancel()
		if err != nil {
			s.logger.Debug("write failed", zap.Error(err))
			return
		}
	}
}

func eventFrame(evt hub.Event) ([]byte, error) {
	switch evt.Kind {
	case hub.EventNewMessage:
		if evt.Message == nil {
			return nil, fmt.Errorf("new-message without message")
		}
		return wire.Encode(wire.TypeNewMessage, wire.NewMessage{
			ConversationID: evt.ConversationID,
			Message:        *evt.Message,
			Conversation:   evt.Conversation,
		})
	case hub.EventTyping:
		return wire.Encode(wire.TypeTyping, wire.Typing{
			ConversationID: evt.ConversationID,
			Participant:    evt.Participant,
			IsTyping:       evt.IsTyping,
		})
	case hub.EventConversationRead:
		return wire.Encode(wire.TypeConversationRead, wire.ConversationRead{
			ConversationID: evt.ConversationID,
			Participant:    evt.Participant,
			Conversation:   evt.Conversation,
		})
	}
	return nil, fmt.Errorf("unknown event kind %q", evt.Kind)
}

package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/matheus3301/dealroom/internal/api"
	"github.com/matheus3301/dealroom/internal/backoff"
	"github.com/matheus3301/dealroom/internal/bus"
	"github.com/matheus3301/dealroom/internal/chat"
	"github.com/matheus3301/dealroom/internal/conversation"
	"github.com/matheus3301/dealroom/internal/hub"
	"github.com/matheus3301/dealroom/internal/status"
	"github.com/matheus3301/dealroom/internal/store/memory"
	"github.com/matheus3301/dealroom/internal/wire"
)

const (
	buyer  = "buyer@x"
	seller = "seller@y"
)

type testServer struct {
	hub   *hub.Hub
	store *memory.Store
	srv   *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := memory.New()
	h := hub.New(16, nil)
	catalog := chat.NewStaticCatalog([]chat.Subject{{ID: "42", OwnerID: seller, Title: "Civic 2019", PriceCents: 8_500_000}})
	svc := chat.NewService(st, h, catalog, nil, nil)
	srv := httptest.NewServer(api.NewRouter(svc, h, api.Options{Env: "test"}))
	t.Cleanup(func() {
		srv.Close()
		h.Close()
	})
	return &testServer{hub: h, store: st, srv: srv}
}

func (s *testServer) rest(t *testing.T, who, role string) *REST {
	t.Helper()
	c, err := NewREST(s.srv.URL, who, role, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func (s *testServer) link(t *testing.T, who string, b *bus.Bus) *Link {
	t.Helper()
	rest := s.rest(t, who, "")
	l := NewLink(LinkOptions{
		URL:         rest.LiveURL(),
		Participant: who,
		Policy:      backoff.Policy{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond},
		Bus:         b,
	})
	if err := l.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(l.Close)
	return l
}

func startConversation(t *testing.T, c *REST) *conversation.Conversation {
	t.Helper()
	res, err := c.Start(context.Background(), chat.StartRequest{SubjectID: "42", InitialMessage: "still available?"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return res.Conversation
}

func waitReconnected(t *testing.T, l *Link) {
	t.Helper()
	select {
	case <-l.Reconnected():
	case <-time.After(5 * time.Second):
		t.Fatalf("link never connected, status %s", l.Status())
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func nextEvent(t *testing.T, ch <-chan bus.Event, kind bus.Kind) bus.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
		}
	}
}

func TestRESTConversationFlow(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	b := s.rest(t, buyer, "")
	sl := s.rest(t, seller, "")

	start, err := b.Start(ctx, chat.StartRequest{SubjectID: "42", InitialMessage: "hi", InitialMessageID: "m-1"})
	if err != nil {
		t.Fatal(err)
	}
	if !start.Created || start.Conversation.ParticipantB != seller {
		t.Fatalf("start = %+v", start)
	}
	id := start.Conversation.ID

	reply, err := sl.Send(ctx, id, conversation.Message{ID: "m-2", Text: "yes"})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Sender != seller {
		t.Errorf("sender = %q", reply.Sender)
	}
	if _, err := sl.Send(ctx, id, conversation.Message{ID: "m-2", Text: "yes"}); err != nil {
		t.Fatalf("duplicate send: %v", err)
	}

	hist, err := b.History(ctx, id, conversation.Page{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(hist.Items) != 2 || hist.Items[0].ID != "m-1" || hist.Items[1].ID != "m-2" {
		t.Fatalf("history = %+v", hist.Items)
	}

	list, err := sl.List(ctx, "", conversation.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Items) != 1 || list.Items[0].ID != id {
		t.Fatalf("list = %+v", list.Items)
	}

	conv, err := b.MarkRead(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !conv.IsReadByA || conv.IsReadByB {
		t.Errorf("read flags = %v/%v", conv.IsReadByA, conv.IsReadByB)
	}

	mod := s.rest(t, "mod@ops", chat.RoleModerator)
	flagged, err := mod.Flag(ctx, id, "spam")
	if err != nil {
		t.Fatal(err)
	}
	if !flagged.IsFlagged || flagged.FlagReason != "spam" {
		t.Errorf("flag = %+v", flagged)
	}
	if err := b.Ready(ctx); err != nil {
		t.Errorf("ready: %v", err)
	}
}

func TestRESTErrorsKeepTaxonomy(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	id := startConversation(t, s.rest(t, buyer, "")).ID

	if _, err := s.rest(t, buyer, "").Get(ctx, "nope"); !errors.Is(err, conversation.ErrNotFound) {
		t.Errorf("missing = %v", err)
	}
	if _, err := s.rest(t, "eve@z", "").Get(ctx, id); !errors.Is(err, conversation.ErrUnauthorized) {
		t.Errorf("stranger = %v", err)
	}
	if _, err := s.rest(t, "", "").Get(ctx, id); !errors.Is(err, conversation.ErrUnauthorized) {
		t.Errorf("anonymous = %v", err)
	}
	if _, err := s.rest(t, buyer, "").Send(ctx, id, conversation.Message{Text: ""}); !errors.Is(err, conversation.ErrValidation) {
		t.Errorf("empty text = %v", err)
	}

	dead, err := NewREST("http://127.0.0.1:1", buyer, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = dead.Get(ctx, id)
	if !errors.Is(err, conversation.ErrStoreUnavailable) || conversation.IsPermanent(err) {
		t.Errorf("unreachable = %v", err)
	}
}

func TestNewRESTRejectsBadURL(t *testing.T) {
	if _, err := NewREST("ftp://x", buyer, "", nil); err == nil {
		t.Fatal("expected error")
	}
	c, err := NewREST("https://chat.example.com/api/", buyer, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := c.LiveURL(); got != "wss://chat.example.com/api/live" {
		t.Errorf("live url = %q", got)
	}
}

func TestLinkSendAndFanOut(t *testing.T) {
	s := newTestServer(t)
	conv := startConversation(t, s.rest(t, buyer, ""))

	sellerBus := bus.New()
	events, unsub := sellerBus.Subscribe(bus.NamespaceMessage, 16)
	defer unsub()
	sellerLink := s.link(t, seller, sellerBus)
	waitReconnected(t, sellerLink)
	if err := sellerLink.Join(context.Background(), conv.ID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "seller join", func() bool { return s.hub.InRoom(seller, conv.ID) })

	buyerLink := s.link(t, buyer, nil)
	waitReconnected(t, buyerLink)
	got, err := buyerLink.Send(context.Background(), conv.ID, conversation.Message{ID: "live-1", Text: "offer?"})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "live-1" || got.Sender != buyer {
		t.Fatalf("ack = %+v", got)
	}

	evt := nextEvent(t, events, bus.MessageReceived)
	nm, ok := evt.Payload.(wire.NewMessage)
	if !ok || nm.Message.ID != "live-1" {
		t.Fatalf("payload = %#v", evt.Payload)
	}
}

func TestLinkSendErrorIsCorrelated(t *testing.T) {
	s := newTestServer(t)
	conv := startConversation(t, s.rest(t, buyer, ""))

	stranger := s.link(t, "eve@z", nil)
	waitReconnected(t, stranger)
	_, err := stranger.Send(context.Background(), conv.ID, conversation.Message{Text: "hi"})
	if !errors.Is(err, conversation.ErrUnauthorized) {
		t.Fatalf("err = %v", err)
	}
}

func TestLinkSendUndecodableMessageIsRejected(t *testing.T) {
	s := newTestServer(t)
	conv := startConversation(t, s.rest(t, buyer, ""))

	b := bus.New()
	events, unsub := b.Subscribe(bus.NamespaceMessage, 16)
	defer unsub()
	l := s.link(t, buyer, b)
	waitReconnected(t, l)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := l.Send(ctx, conv.ID, conversation.Message{ID: "bad1", Type: "bogus", Text: "x"})
	if !errors.Is(err, conversation.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	select {
	case evt := <-events:
		if evt.Kind == bus.MessageLinkError {
			t.Errorf("correlated error also published as %s", evt.Kind)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

// silentServer accepts live connections and never answers.
func silentServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		for {
			if _, _, err := ws.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/live"
}

func TestLinkSendTimesOutWithoutAck(t *testing.T) {
	l := NewLink(LinkOptions{
		URL:         silentServer(t),
		Participant: buyer,
		Policy:      backoff.Policy{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond},
		AckTimeout:  100 * time.Millisecond,
	})
	if err := l.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(l.Close)
	waitReconnected(t, l)

	done := make(chan error, 1)
	go func() {
		_, err := l.Send(context.Background(), "c1", conversation.Message{ID: "m1", Text: "hello"})
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, ErrLinkDown) || !errors.Is(err, conversation.ErrStoreUnavailable) {
			t.Fatalf("err = %v, want retryable ErrLinkDown", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("send still waiting for an ack")
	}
}

func TestDispatcherFallsBackWhenAckNeverArrives(t *testing.T) {
	s := newTestServer(t)
	conv := startConversation(t, s.rest(t, buyer, ""))

	l := NewLink(LinkOptions{
		URL:         silentServer(t),
		Participant: buyer,
		Policy:      backoff.Policy{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond},
		AckTimeout:  100 * time.Millisecond,
	})
	if err := l.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(l.Close)
	waitReconnected(t, l)

	d := NewDispatcher(l, s.rest(t, buyer, ""), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := d.Send(ctx, conv.ID, conversation.Message{ID: "late", Text: "anyone?"})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "late" {
		t.Fatalf("got %+v", got)
	}
	if _, err := d.Send(ctx, conv.ID, conversation.Message{ID: "bad2", Type: "bogus", Text: "x"}); !errors.Is(err, conversation.ErrValidation) {
		t.Fatalf("bogus send: err = %v, want ErrValidation", err)
	}
}

func TestLinkOfflineFailsFast(t *testing.T) {
	l := NewLink(LinkOptions{URL: "ws://127.0.0.1:1/live", Participant: buyer})
	if _, err := l.Send(context.Background(), "c", conversation.Message{Text: "x"}); !errors.Is(err, ErrLinkDown) {
		t.Errorf("send = %v", err)
	}
	if err := l.Typing(context.Background(), "c", true); !errors.Is(err, ErrLinkDown) {
		t.Errorf("typing = %v", err)
	}
	if err := l.Join(context.Background(), "c"); err != nil {
		t.Errorf("join offline = %v", err)
	}
	if rooms := l.Rooms(); len(rooms) != 1 || rooms[0] != "c" {
		t.Errorf("rooms = %v", rooms)
	}
	l.Close()
	if l.Status() != status.Closed {
		t.Errorf("status = %s", l.Status())
	}
}

func TestLinkReconnectsAndRejoins(t *testing.T) {
	s := newTestServer(t)
	conv := startConversation(t, s.rest(t, buyer, ""))

	b := bus.New()
	events, unsub := b.Subscribe(bus.NamespaceMessage, 16)
	defer unsub()
	l := s.link(t, seller, b)
	waitReconnected(t, l)
	if err := l.Join(context.Background(), conv.ID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "join", func() bool { return s.hub.InRoom(seller, conv.ID) })

	s.hub.Close()
	waitReconnected(t, l)
	waitFor(t, "rejoin", func() bool { return s.hub.InRoom(seller, conv.ID) })
	waitFor(t, "online", func() bool { return l.Status() == status.Online })

	if _, err := s.rest(t, buyer, "").Send(context.Background(), conv.ID, conversation.Message{ID: "after", Text: "back?"}); err != nil {
		t.Fatal(err)
	}
	evt := nextEvent(t, events, bus.MessageReceived)
	if nm := evt.Payload.(wire.NewMessage); nm.Message.ID != "after" {
		t.Fatalf("got %+v", nm.Message)
	}
}

func TestDispatcherFallsBackToREST(t *testing.T) {
	s := newTestServer(t)
	conv := startConversation(t, s.rest(t, buyer, ""))

	offline := NewLink(LinkOptions{URL: "ws://127.0.0.1:1/live", Participant: buyer})
	d := NewDispatcher(offline, s.rest(t, buyer, ""), nil)
	got, err := d.Send(context.Background(), conv.ID, conversation.Message{ID: "via-rest", Text: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "via-rest" {
		t.Fatalf("got %+v", got)
	}

	online := s.link(t, buyer, nil)
	waitReconnected(t, online)
	d = NewDispatcher(online, s.rest(t, buyer, ""), nil)
	if _, err := d.Send(context.Background(), conv.ID, conversation.Message{ID: "via-live", Text: "again"}); err != nil {
		t.Fatal(err)
	}
	msgs, err := s.store.ListMessages(context.Background(), conv.ID, conversation.Page{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("stored %d messages", len(msgs))
	}
}

package model

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/dealroom/internal/bus"
	"github.com/matheus3301/dealroom/internal/chat"
	"github.com/matheus3301/dealroom/internal/conversation"
	"github.com/matheus3301/dealroom/internal/outbox"
	"github.com/matheus3301/dealroom/internal/status"
	"github.com/matheus3301/dealroom/internal/wire"
)

const me = "buyer@x"

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeBackend struct {
	conversations []conversation.Conversation
	history       map[string][]conversation.Message
	sent          []conversation.Message
	watched       []string
	marked        []string
	sendErr       error
}

func (f *fakeBackend) List(context.Context, string, conversation.Page) (*wire.ConversationList, error) {
	return &wire.ConversationList{Items: f.conversations}, nil
}

func (f *fakeBackend) History(_ context.Context, id string, _ conversation.Page) (*wire.MessageList, error) {
	msgs, ok := f.history[id]
	if !ok {
		return nil, conversation.ErrNotFound
	}
	return &wire.MessageList{Items: append([]conversation.Message(nil), msgs...)}, nil
}

func (f *fakeBackend) MarkRead(_ context.Context, id string) (*conversation.Conversation, error) {
	f.marked = append(f.marked, id)
	for _, c := range f.conversations {
		if c.ID == id {
			c.IsReadByA = true
			return &c, nil
		}
	}
	return nil, conversation.ErrNotFound
}

func (f *fakeBackend) Flag(context.Context, string, string) (*conversation.Conversation, error) {
	return nil, conversation.ErrUnauthorized
}

func (f *fakeBackend) StartConversation(context.Context, chat.StartRequest) (*wire.StartResponse, error) {
	return nil, errors.New("not used")
}

func (f *fakeBackend) Send(_ context.Context, id string, msg conversation.Message) (outbox.Item, error) {
	if f.sendErr != nil {
		return outbox.Item{}, f.sendErr
	}
	f.sent = append(f.sent, msg)
	return outbox.Item{ConversationID: id, Message: msg, Status: outbox.StatusPending, EnqueuedAt: t0.Add(time.Hour)}, nil
}

func (f *fakeBackend) Watch(_ context.Context, id string) error {
	f.watched = append(f.watched, id)
	return nil
}

func msg(id, sender string, at time.Time) conversation.Message {
	return conversation.Message{ID: id, ConversationID: "c1", Sender: sender, Text: id, Type: conversation.KindText, Timestamp: at}
}

func newFixture(t *testing.T) (*ViewModel, *fakeBackend) {
	t.Helper()
	f := &fakeBackend{
		conversations: []conversation.Conversation{
			{ID: "c1", ParticipantA: me, ParticipantB: "seller@y", LastMessageAt: t0.Add(time.Minute)},
			{ID: "c2", ParticipantA: me, ParticipantB: "seller@z", LastMessageAt: t0.Add(2 * time.Minute), IsReadByA: true},
		},
		history: map[string][]conversation.Message{
			"c1": {msg("m1", me, t0), msg("m2", "seller@y", t0.Add(time.Minute))},
		},
	}
	vm := NewViewModel(f, me)
	if err := vm.LoadConversations(context.Background()); err != nil {
		t.Fatal(err)
	}
	return vm, f
}

func TestLoadConversationsNewestFirst(t *testing.T) {
	vm, _ := newFixture(t)
	got := vm.GetConversations()
	if len(got) != 2 || got[0].ID != "c2" || got[1].ID != "c1" {
		t.Fatalf("order = %v", ids(got))
	}
}

func TestOpenWatchesAndMarksUnreadRead(t *testing.T) {
	vm, f := newFixture(t)
	if err := vm.Open(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if vm.Active() != "c1" {
		t.Errorf("active = %q", vm.Active())
	}
	if len(f.watched) != 1 || f.watched[0] != "c1" {
		t.Errorf("watched = %v", f.watched)
	}
	if len(f.marked) != 1 {
		t.Errorf("marked = %v, want c1 marked once", f.marked)
	}
	lines := vm.GetLines()
	if len(lines) != 2 || !lines[0].Mine || lines[1].Mine {
		t.Fatalf("lines = %+v", lines)
	}
}

func TestOpenUnknownConversation(t *testing.T) {
	vm, _ := newFixture(t)
	if err := vm.Open(context.Background(), "nope"); !errors.Is(err, conversation.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if vm.Active() != "" {
		t.Error("a failed open must not change the active conversation")
	}
}

func TestSendShowsQueuedUntilDelivered(t *testing.T) {
	vm, f := newFixture(t)
	ctx := context.Background()
	if err := vm.SendText(ctx, "hello"); err == nil {
		t.Fatal("send without an open conversation should fail")
	}
	if err := vm.Open(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := vm.SendText(ctx, "hello"); err != nil {
		t.Fatal(err)
	}
	if len(f.sent) != 1 || f.sent[0].ID == "" {
		t.Fatalf("sent = %+v, want one message with a generated id", f.sent)
	}
	id := f.sent[0].ID

	lines := vm.GetLines()
	last := lines[len(lines)-1]
	if last.Message.ID != id || last.Delivery != Queued || !last.Mine {
		t.Fatalf("last line = %+v", last)
	}

	stored := msg(id, me, t0.Add(3*time.Minute))
	stored.Text = "hello"
	vm.Apply(bus.Event{Kind: bus.OutboxDelivered, Payload: outbox.Notice{ConversationID: "c1", MessageID: id, Message: &stored}})

	lines = vm.GetLines()
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3 (queued copy replaced)", len(lines))
	}
	if lines[2].Delivery != Delivered || !lines[2].Message.Timestamp.Equal(stored.Timestamp) {
		t.Errorf("delivered line = %+v", lines[2])
	}
	if got := vm.GetConversations()[0]; got.ID != "c1" {
		t.Errorf("c1 should move to the top after a delivery, got %s", got.ID)
	}
}

func TestRejectedMessageIsMarkedFailed(t *testing.T) {
	vm, f := newFixture(t)
	ctx := context.Background()
	if err := vm.Open(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := vm.SendText(ctx, "bad"); err != nil {
		t.Fatal(err)
	}
	id := f.sent[0].ID
	vm.Apply(bus.Event{Kind: bus.OutboxRejected, Payload: outbox.Notice{ConversationID: "c1", MessageID: id, Err: "validation"}})

	lines := vm.GetLines()
	if lines[len(lines)-1].Delivery != Failed {
		t.Errorf("delivery = %q, want failed", lines[len(lines)-1].Delivery)
	}
	if vm.Flash.Get() == "" {
		t.Error("a rejection should raise a flash notice")
	}
}

func TestLiveMessagesInsertInOrderOnce(t *testing.T) {
	vm, _ := newFixture(t)
	if err := vm.Open(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	late := msg("m0", "seller@y", t0.Add(-time.Minute))
	fresh := msg("m3", "seller@y", t0.Add(3*time.Minute))
	for _, m := range []conversation.Message{fresh, late, fresh} {
		vm.Apply(bus.Event{Kind: bus.MessageReceived, Payload: wire.NewMessage{ConversationID: "c1", Message: m}})
	}
	lines := vm.GetLines()
	want := []string{"m0", "m1", "m2", "m3"}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d", len(lines), len(want))
	}
	for i, id := range want {
		if lines[i].Message.ID != id {
			t.Errorf("line %d = %s, want %s", i, lines[i].Message.ID, id)
		}
	}
}

func TestMessagesForOtherConversationsOnlyBumpTheList(t *testing.T) {
	vm, f := newFixture(t)
	f.history["c2"] = []conversation.Message{}
	if err := vm.Open(context.Background(), "c2"); err != nil {
		t.Fatal(err)
	}
	vm.Apply(bus.Event{Kind: bus.MessageReceived, Payload: wire.NewMessage{ConversationID: "c1", Message: msg("m9", "seller@y", t0.Add(time.Hour))}})
	got := vm.GetConversations()
	if got[0].ID != "c1" || got[0].MessageCount != 1 {
		t.Errorf("top = %+v", got[0])
	}
	for _, l := range vm.GetLines() {
		if l.Message.ID == "m9" {
			t.Error("message for another conversation leaked into the open thread")
		}
	}
}

func TestTypingAndLinkStatus(t *testing.T) {
	vm, _ := newFixture(t)
	if err := vm.Open(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if vm.Apply(bus.Event{Kind: bus.MessageTyping, Payload: wire.Typing{ConversationID: "c1", Participant: me, IsTyping: true}}) {
		t.Error("own typing echo should be ignored")
	}
	vm.Apply(bus.Event{Kind: bus.MessageTyping, Payload: wire.Typing{ConversationID: "c1", Participant: "seller@y", IsTyping: true}})
	if vm.Typing() != "seller@y" {
		t.Errorf("typing = %q", vm.Typing())
	}
	vm.Apply(bus.Event{Kind: bus.MessageReceived, Payload: wire.NewMessage{ConversationID: "c1", Message: msg("m5", "seller@y", t0.Add(time.Hour))}})
	if vm.Typing() != "" {
		t.Error("a new message should clear the typing indicator")
	}

	if vm.LinkStatus() != status.Offline {
		t.Errorf("initial link = %s", vm.LinkStatus())
	}
	vm.Apply(bus.Event{Kind: bus.LinkStatusChanged, Payload: status.StatusChange{From: status.Connecting, To: status.Online}})
	if vm.LinkStatus() != status.Online {
		t.Errorf("link = %s, want ONLINE", vm.LinkStatus())
	}
}

func TestRefreshIsSignalled(t *testing.T) {
	vm, _ := newFixture(t)
	select {
	case <-vm.RefreshCh():
	default:
		t.Fatal("LoadConversations should signal a refresh")
	}
	vm.Apply(bus.Event{Kind: bus.LinkStatusChanged, Payload: status.StatusChange{To: status.Connecting}})
	select {
	case <-vm.RefreshCh():
	default:
		t.Fatal("Apply should signal a refresh")
	}
}

func TestFlashExpires(t *testing.T) {
	var f Flash
	f.Set("hi", time.Hour)
	if f.Get() != "hi" {
		t.Errorf("flash = %q", f.Get())
	}
	f.Set("gone", -time.Second)
	if f.Get() != "" {
		t.Errorf("expired flash = %q", f.Get())
	}
}

func ids(cs []conversation.Conversation) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

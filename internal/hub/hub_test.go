package hub

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/dealroom/internal/conversation"
)

func recv(t *testing.T, c *Conn) Event {
	t.Helper()
	select {
	case evt := <-c.Events():
		return evt
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event on %s", c.ID())
		return Event{}
	}
}

func assertQuiet(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case evt := <-c.Events():
		t.Fatalf("unexpected event %+v on %s", evt, c.ID())
	default:
	}
}

func TestPublishReachesOnlyRoomMembers(t *testing.T) {
	h := New(8, nil)
	a := h.Connect("buyer")
	b := h.Connect("seller")
	other := h.Connect("stranger")

	for _, c := range []*Conn{a, b} {
		if err := h.Join(c.ID(), "conv-1"); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.Join(other.ID(), "conv-2"); err != nil {
		t.Fatal(err)
	}

	msg := &conversation.Message{ID: "m1", Sender: "buyer", Text: "hi"}
	d, err := h.Publish("conv-1", Event{Kind: EventNewMessage, Message: msg})
	if err != nil {
		t.Fatal(err)
	}
	if d.Recipients != 2 || d.BestEffort() {
		t.Errorf("delivery = %+v, want 2 recipients", d)
	}

	for _, c := range []*Conn{a, b} {
		evt := recv(t, c)
		if evt.Kind != EventNewMessage || evt.ConversationID != "conv-1" || evt.Message.ID != "m1" {
			t.Errorf("event = %+v", evt)
		}
	}
	assertQuiet(t, other)
}

func TestPublishEmptyRoomIsBestEffort(t *testing.T) {
	h := New(8, nil)
	d, err := h.Publish("nobody-here", Event{Kind: EventNewMessage})
	if err != nil {
		t.Fatal(err)
	}
	if !d.BestEffort() {
		t.Errorf("delivery = %+v, want best effort", d)
	}
}

func TestInvalidRoom(t *testing.T) {
	h := New(8, nil)
	c := h.Connect("buyer")
	if err := h.Join(c.ID(), ""); !errors.Is(err, ErrInvalidRoom) {
		t.Errorf("Join err = %v, want ErrInvalidRoom", err)
	}
	if _, err := h.Publish("", Event{Kind: EventNewMessage}); !errors.Is(err, ErrInvalidRoom) {
		t.Errorf("Publish err = %v, want ErrInvalidRoom", err)
	}
	if err := h.Join("missing", "conv-1"); !errors.Is(err, ErrUnknownConn) {
		t.Errorf("Join unknown err = %v, want ErrUnknownConn", err)
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	h := New(8, nil)
	c := h.Connect("buyer")
	for i := 0; i < 3; i++ {
		if err := h.Join(c.ID(), "conv-1"); err != nil {
			t.Fatal(err)
		}
	}
	d, _ := h.Publish("conv-1", Event{Kind: EventNewMessage})
	if d.Recipients != 1 {
		t.Errorf("recipients = %d, want 1", d.Recipients)
	}
	recv(t, c)
	assertQuiet(t, c)
}

func TestLeaveStopsDelivery(t *testing.T) {
	h := New(8, nil)
	c := h.Connect("buyer")
	_ = h.Join(c.ID(), "conv-1")
	if err := h.Leave(c.ID(), "conv-1"); err != nil {
		t.Fatal(err)
	}
	d, _ := h.Publish("conv-1", Event{Kind: EventNewMessage})
	if d.Recipients != 0 {
		t.Errorf("recipients = %d, want 0", d.Recipients)
	}
	assertQuiet(t, c)
	if s := h.Stats(); s.Rooms != 0 {
		t.Errorf("rooms = %d, want empty room removed", s.Rooms)
	}
}

func TestLeaveAllAndDisconnect(t *testing.T) {
	h := New(8, nil)
	c := h.Connect("buyer")
	_ = h.Join(c.ID(), "conv-1")
	_ = h.Join(c.ID(), "conv-2")

	left := h.LeaveAll(c.ID())
	if len(left) != 2 {
		t.Errorf("left = %v, want 2 rooms", left)
	}
	if h.InRoom("buyer", "conv-1") || h.InRoom("buyer", "conv-2") {
		t.Error("still in a room after LeaveAll")
	}
	if !h.Online("buyer") {
		t.Error("LeaveAll should not unregister the connection")
	}

	_ = h.Join(c.ID(), "conv-1")
	h.Disconnect(c.ID())
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after Disconnect")
	}
	if c.Err() != nil {
		t.Errorf("Err = %v, want nil for a clean disconnect", c.Err())
	}
	if h.Online("buyer") {
		t.Error("buyer still online after Disconnect")
	}
	if d, _ := h.Publish("conv-1", Event{Kind: EventNewMessage}); d.Recipients != 0 {
		t.Errorf("recipients = %d after disconnect", d.Recipients)
	}
	h.Disconnect(c.ID())
	if s := h.Stats(); s.Connections != 0 || s.Rooms != 0 {
		t.Errorf("stats = %+v, want empty", s)
	}
}

func TestSlowConsumerIsEvicted(t *testing.T) {
	h := New(2, nil)
	slow := h.Connect("buyer")
	fast := h.Connect("seller")
	_ = h.Join(slow.ID(), "conv-1")
	_ = h.Join(fast.ID(), "conv-1")

	var evicted int
	for i := 0; i < 3; i++ {
		d, err := h.Publish("conv-1", Event{Kind: EventNewMessage})
		if err != nil {
			t.Fatal(err)
		}
		evicted += d.Evicted
		// fast keeps up
		recv(t, fast)
	}
	if evicted != 1 {
		t.Errorf("evicted = %d, want 1", evicted)
	}
	select {
	case <-slow.Done():
	default:
		t.Fatal("slow consumer was not released")
	}
	if !errors.Is(slow.Err(), ErrSlowConsumer) {
		t.Errorf("Err = %v, want ErrSlowConsumer", slow.Err())
	}
	if h.Online("buyer") {
		t.Error("evicted participant still online")
	}
	if !h.InRoom("seller", "conv-1") {
		t.Error("fast consumer lost its room")
	}
}

func TestTypingSkipsTyper(t *testing.T) {
	h := New(8, nil)
	typer := h.Connect("buyer")
	typerTab := h.Connect("buyer")
	peer := h.Connect("seller")
	for _, c := range []*Conn{typer, typerTab, peer} {
		_ = h.Join(c.ID(), "conv-1")
	}

	d, err := h.PublishTyping("conv-1", "buyer", true)
	if err != nil {
		t.Fatal(err)
	}
	if d.Recipients != 1 {
		t.Errorf("recipients = %d, want 1", d.Recipients)
	}
	evt := recv(t, peer)
	if evt.Kind != EventTyping || evt.Participant != "buyer" || !evt.IsTyping {
		t.Errorf("event = %+v", evt)
	}
	assertQuiet(t, typer)
	assertQuiet(t, typerTab)
}

func TestOnlineAndInRoom(t *testing.T) {
	h := New(8, nil)
	if h.Online("buyer") {
		t.Fatal("online before connect")
	}
	c1 := h.Connect("buyer")
	c2 := h.Connect("buyer")
	_ = h.Join(c2.ID(), "conv-1")

	if !h.Online("buyer") || !h.InRoom("buyer", "conv-1") {
		t.Fatal("expected online and in room")
	}
	h.Disconnect(c2.ID())
	if !h.Online("buyer") {
		t.Error("second connection should keep buyer online")
	}
	if h.InRoom("buyer", "conv-1") {
		t.Error("buyer still in room after its only joined connection left")
	}
	h.Disconnect(c1.ID())
	if h.Online("buyer") {
		t.Error("buyer online with no connections")
	}
}

func TestCloseReleasesEveryone(t *testing.T) {
	h := New(8, nil)
	conns := []*Conn{h.Connect("a"), h.Connect("b")}
	h.Close()
	for _, c := range conns {
		select {
		case <-c.Done():
		default:
			t.Fatalf("%s not released", c.ID())
		}
		if !errors.Is(c.Err(), ErrHubClosed) {
			t.Errorf("Err = %v, want ErrHubClosed", c.Err())
		}
	}
}

func TestConcurrentJoinPublishDisconnect(t *testing.T) {
	h := New(4, nil)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := h.Connect("p")
			_ = h.Join(c.ID(), "conv-1")
			for j := 0; j < 20; j++ {
				_, _ = h.Publish("conv-1", Event{Kind: EventNewMessage})
			}
			h.Disconnect(c.ID())
		}()
	}
	wg.Wait()
	if s := h.Stats(); s.Connections != 0 || s.Rooms != 0 {
		t.Errorf("stats = %+v, want empty", s)
	}
}

func TestReleasedConnectionIsNotARecipient(t *testing.T) {
	h := New(8, nil)
	c := h.Connect("seller")
	if err := h.Join(c.ID(), "conv-1"); err != nil {
		t.Fatal(err)
	}
	// Released but not yet removed from the room index.
	c.close(ErrHubClosed)

	d, err := h.Publish("conv-1", Event{Kind: EventNewMessage, Message: &conversation.Message{ID: "m1", Text: "hi"}})
	if err != nil {
		t.Fatal(err)
	}
	if d.Recipients != 0 || d.Evicted != 0 || !d.BestEffort() {
		t.Errorf("delivery = %+v, want best effort with no evictions", d)
	}
	if !errors.Is(c.Err(), ErrHubClosed) {
		t.Errorf("close reason = %v", c.Err())
	}
}

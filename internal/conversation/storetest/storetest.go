// Package storetest is the behavioural suite every conversation.Store backend must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/dealroom/internal/conversation"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) conversation.Store

var key42 = conversation.Key{ParticipantA: "buyer@x", ParticipantB: "seller@y", SubjectID: "42"}

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s conversation.Store)
	}{
		{"GetOrCreateIdempotent", testGetOrCreateIdempotent},
		{"GetOrCreateRejectsBadKey", testGetOrCreateRejectsBadKey},
		{"GetUnknown", testGetUnknown},
		{"AppendIdempotent", testAppendIdempotent},
		{"AppendUnknownConversation", testAppendUnknownConversation},
		{"AppendValidation", testAppendValidation},
		{"AppendUpdatesReadState", testAppendUpdatesReadState},
		{"Ordering", testOrdering},
		{"ListMessagesPaging", testListMessagesPaging},
		{"ListForParticipant", testListForParticipant},
		{"ReadStateIndependence", testReadStateIndependence},
		{"MarkReadFlipsMessages", testMarkReadFlipsMessages},
		{"SetFlag", testSetFlag},
		{"ConcurrentAppend", testConcurrentAppend},
		{"ConcurrentGetOrCreate", testConcurrentGetOrCreate},
		{"Ping", testPing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return c
}

func create(t *testing.T, s conversation.Store, key conversation.Key) *conversation.Conversation {
	t.Helper()
	c, _, err := s.GetOrCreate(ctx(t), key, conversation.SubjectMeta{Title: "2019 Volvo V60", PriceCents: 2190000})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	return c
}

func text(id, sender, body string) conversation.Message {
	return conversation.Message{ID: id, Sender: sender, Text: body, Type: conversation.KindText}
}

func appendOK(t *testing.T, s conversation.Store, convID string, m conversation.Message) *conversation.AppendResult {
	t.Helper()
	res, err := s.Append(ctx(t), convID, m)
	if err != nil {
		t.Fatalf("Append(%s): %v", m.ID, err)
	}
	return res
}

func testGetOrCreateIdempotent(t *testing.T, s conversation.Store) {
	first, created, err := s.GetOrCreate(ctx(t), key42, conversation.SubjectMeta{Title: "Volvo"})
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("first GetOrCreate reported created=false")
	}
	if first.ID == "" || first.MessageCount != 0 {
		t.Errorf("new conversation = %+v", first)
	}
	if first.SubjectTitle != "Volvo" {
		t.Errorf("subjectTitle = %q, want Volvo", first.SubjectTitle)
	}

	second, created, err := s.GetOrCreate(ctx(t), key42, conversation.SubjectMeta{Title: "ignored"})
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second GetOrCreate reported created=true")
	}
	if second.ID != first.ID {
		t.Errorf("second id = %s, want %s", second.ID, first.ID)
	}

	other := key42
	other.SubjectID = "43"
	third := create(t, s, other)
	if third.ID == first.ID {
		t.Error("different subject reused conversation")
	}
}

func testGetOrCreateRejectsBadKey(t *testing.T, s conversation.Store) {
	_, _, err := s.GetOrCreate(ctx(t), conversation.Key{ParticipantA: "a", ParticipantB: "a", SubjectID: "1"}, conversation.SubjectMeta{})
	if !errors.Is(err, conversation.ErrValidation) {
		t.Errorf("error = %v, want ErrValidation", err)
	}
}

func testGetUnknown(t *testing.T, s conversation.Store) {
	if _, err := s.Get(ctx(t), "00000000-0000-0000-0000-000000000000"); !errors.Is(err, conversation.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func testAppendIdempotent(t *testing.T, s conversation.Store) {
	c := create(t, s, key42)
	first := appendOK(t, s, c.ID, text("m1", "buyer@x", "Is this available?"))
	if first.Duplicate {
		t.Error("first append reported duplicate")
	}

	again := text("m1", "buyer@x", "different body")
	second := appendOK(t, s, c.ID, again)
	if !second.Duplicate {
		t.Error("second append not reported as duplicate")
	}
	if second.Message.Text != "Is this available?" {
		t.Errorf("duplicate returned text %q, want stored text", second.Message.Text)
	}
	if !second.Message.Timestamp.Equal(first.Message.Timestamp) {
		t.Errorf("duplicate timestamp %v, want %v", second.Message.Timestamp, first.Message.Timestamp)
	}

	msgs, err := s.ListMessages(ctx(t), c.ID, conversation.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("stored %d messages, want 1", len(msgs))
	}
	got, err := s.Get(ctx(t), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.MessageCount != 1 {
		t.Errorf("messageCount = %d, want 1", got.MessageCount)
	}
}

func testAppendUnknownConversation(t *testing.T, s conversation.Store) {
	_, err := s.Append(ctx(t), "00000000-0000-0000-0000-000000000000", text("m1", "buyer@x", "hi"))
	if !errors.Is(err, conversation.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func testAppendValidation(t *testing.T, s conversation.Store) {
	c := create(t, s, key42)
	bad := []conversation.Message{
		{ID: "", Sender: "buyer@x", Text: "hi", Type: conversation.KindText},
		{ID: "m1", Sender: "buyer@x", Text: "", Type: conversation.KindText},
		{ID: "m2", Sender: "stranger", Text: "hi", Type: conversation.KindText},
	}
	for _, m := range bad {
		if _, err := s.Append(ctx(t), c.ID, m); !errors.Is(err, conversation.ErrValidation) {
			t.Errorf("Append(%+v) error = %v, want ErrValidation", m, err)
		}
	}
}

func testAppendUpdatesReadState(t *testing.T, s conversation.Store) {
	c := create(t, s, key42)
	res := appendOK(t, s, c.ID, text("m1", "buyer@x", "Is this available?"))
	if !res.Conversation.IsReadByA || res.Conversation.IsReadByB {
		t.Errorf("after buyer message read = (%v,%v), want (true,false)", res.Conversation.IsReadByA, res.Conversation.IsReadByB)
	}
	if !res.Conversation.LastMessageAt.Equal(res.Message.Timestamp) {
		t.Errorf("lastMessageAt = %v, want %v", res.Conversation.LastMessageAt, res.Message.Timestamp)
	}

	res = appendOK(t, s, c.ID, text("m2", "seller@y", "Yes"))
	if res.Conversation.IsReadByA || !res.Conversation.IsReadByB {
		t.Errorf("after seller message read = (%v,%v), want (false,true)", res.Conversation.IsReadByA, res.Conversation.IsReadByB)
	}
	if res.Conversation.LastMessage == nil || res.Conversation.LastMessage.ID != "m2" {
		t.Errorf("lastMessage = %+v, want m2", res.Conversation.LastMessage)
	}

	stored, err := s.Get(ctx(t), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.IsReadByA || !stored.IsReadByB || stored.MessageCount != 2 {
		t.Errorf("stored = %+v", stored)
	}
}

func testOrdering(t *testing.T, s conversation.Store) {
	c := create(t, s, key42)
	for i := range 10 {
		sender := "buyer@x"
		if i%2 == 1 {
			sender = "seller@y"
		}
		appendOK(t, s, c.ID, text(fmt.Sprintf("m%02d", i), sender, fmt.Sprintf("msg %d", i)))
	}
	msgs, err := s.ListMessages(ctx(t), c.ID, conversation.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 10 {
		t.Fatalf("got %d messages, want 10", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if !msgs[i].Timestamp.After(msgs[i-1].Timestamp) {
			t.Errorf("message %d timestamp %v not after %v", i, msgs[i].Timestamp, msgs[i-1].Timestamp)
		}
		if want := fmt.Sprintf("m%02d", i); msgs[i].ID != want {
			t.Errorf("message %d = %s, want %s", i, msgs[i].ID, want)
		}
	}
}

func testListMessagesPaging(t *testing.T, s conversation.Store) {
	c := create(t, s, key42)
	for i := range 7 {
		appendOK(t, s, c.ID, text(fmt.Sprintf("m%d", i), "buyer@x", "x"))
	}
	newest, err := s.ListMessages(ctx(t), c.ID, conversation.Page{Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if ids := messageIDs(newest); fmt.Sprint(ids) != "[m4 m5 m6]" {
		t.Errorf("newest page = %v, want [m4 m5 m6]", ids)
	}
	older, err := s.ListMessages(ctx(t), c.ID, conversation.Page{Limit: 3, Before: newest[0].Timestamp})
	if err != nil {
		t.Fatal(err)
	}
	if ids := messageIDs(older); fmt.Sprint(ids) != "[m1 m2 m3]" {
		t.Errorf("older page = %v, want [m1 m2 m3]", ids)
	}

	if _, err := s.ListMessages(ctx(t), "00000000-0000-0000-0000-000000000000", conversation.Page{}); !errors.Is(err, conversation.ErrNotFound) {
		t.Errorf("unknown conversation error = %v, want ErrNotFound", err)
	}
}

func testListForParticipant(t *testing.T, s conversation.Store) {
	k1 := key42
	k2 := conversation.Key{ParticipantA: "buyer@x", ParticipantB: "dealer@z", SubjectID: "7"}
	k3 := conversation.Key{ParticipantA: "other@q", ParticipantB: "seller@y", SubjectID: "42"}
	c1 := create(t, s, k1)
	c2 := create(t, s, k2)
	c3 := create(t, s, k3)

	appendOK(t, s, c1.ID, text("a", "buyer@x", "first"))
	appendOK(t, s, c3.ID, text("b", "other@q", "unrelated"))
	// Timestamps are per conversation; keep c2 in a later millisecond.
	time.Sleep(5 * time.Millisecond)
	appendOK(t, s, c2.ID, text("c", "buyer@x", "second"))

	list, err := s.ListForParticipant(ctx(t), "buyer@x", conversation.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d conversations, want 2", len(list))
	}
	if list[0].ID != c2.ID || list[1].ID != c1.ID {
		t.Errorf("order = [%s %s], want [%s %s]", list[0].ID, list[1].ID, c2.ID, c1.ID)
	}

	page, err := s.ListForParticipant(ctx(t), "buyer@x", conversation.Page{Limit: 10, Before: list[0].LastMessageAt})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].ID != c1.ID {
		t.Errorf("page after cursor = %v, want [%s]", conversationIDs(page), c1.ID)
	}

	none, err := s.ListForParticipant(ctx(t), "nobody", conversation.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("stranger sees %d conversations", len(none))
	}
}

func testReadStateIndependence(t *testing.T, s conversation.Store) {
	c := create(t, s, key42)
	appendOK(t, s, c.ID, text("m1", "buyer@x", "hi"))
	appendOK(t, s, c.ID, text("m2", conversation.SystemSender, "Offer expires tomorrow"))

	before, err := s.Get(ctx(t), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if before.IsReadByA || before.IsReadByB {
		t.Fatalf("after system message read = (%v,%v), want both false", before.IsReadByA, before.IsReadByB)
	}

	after, err := s.MarkRead(ctx(t), c.ID, "buyer@x")
	if err != nil {
		t.Fatal(err)
	}
	if !after.IsReadByA {
		t.Error("isReadByA = false after MarkRead")
	}
	if after.IsReadByB != before.IsReadByB {
		t.Error("marking A read changed isReadByB")
	}

	if _, err := s.MarkRead(ctx(t), c.ID, "mallory"); !errors.Is(err, conversation.ErrValidation) {
		t.Errorf("stranger MarkRead error = %v, want ErrValidation", err)
	}
	if _, err := s.MarkRead(ctx(t), "00000000-0000-0000-0000-000000000000", "buyer@x"); !errors.Is(err, conversation.ErrNotFound) {
		t.Errorf("unknown MarkRead error = %v, want ErrNotFound", err)
	}
}

func testMarkReadFlipsMessages(t *testing.T, s conversation.Store) {
	c := create(t, s, key42)
	appendOK(t, s, c.ID, text("m1", "buyer@x", "hi"))
	appendOK(t, s, c.ID, text("m2", "seller@y", "hello"))

	if _, err := s.MarkRead(ctx(t), c.ID, "seller@y"); err != nil {
		t.Fatal(err)
	}
	msgs, err := s.ListMessages(ctx(t), c.ID, conversation.Page{})
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range msgs {
		want := m.Sender == "buyer@x"
		if m.IsRead != want {
			t.Errorf("message %s isRead = %v, want %v", m.ID, m.IsRead, want)
		}
	}
}

func testSetFlag(t *testing.T, s conversation.Store) {
	c := create(t, s, key42)
	got, err := s.SetFlag(ctx(t), c.ID, "suspected scam")
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsFlagged || got.FlagReason != "suspected scam" || got.FlaggedAt == nil {
		t.Errorf("flagged = %+v", got)
	}
	stored, err := s.Get(ctx(t), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.IsFlagged || stored.FlagReason != "suspected scam" {
		t.Errorf("stored flag = (%v,%q)", stored.IsFlagged, stored.FlagReason)
	}
	if _, err := s.SetFlag(ctx(t), c.ID, ""); !errors.Is(err, conversation.ErrValidation) {
		t.Errorf("empty reason error = %v, want ErrValidation", err)
	}
	if _, err := s.SetFlag(ctx(t), "00000000-0000-0000-0000-000000000000", "x"); !errors.Is(err, conversation.ErrNotFound) {
		t.Errorf("unknown SetFlag error = %v, want ErrNotFound", err)
	}
}

func testConcurrentAppend(t *testing.T, s conversation.Store) {
	c := create(t, s, key42)
	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sender := "buyer@x"
			if i%2 == 0 {
				sender = "seller@y"
			}
			if _, err := s.Append(context.Background(), c.ID, text(fmt.Sprintf("c%02d", i), sender, "x")); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent append: %v", err)
	}

	msgs, err := s.ListMessages(ctx(t), c.ID, conversation.Page{Limit: n * 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != n {
		t.Fatalf("stored %d messages, want %d", len(msgs), n)
	}
	seen := make(map[string]bool)
	for i, m := range msgs {
		seen[m.ID] = true
		if i > 0 && !m.Timestamp.After(msgs[i-1].Timestamp) {
			t.Errorf("timestamps not strictly increasing at %d", i)
		}
	}
	if len(seen) != n {
		t.Errorf("got %d distinct ids, want %d", len(seen), n)
	}
	got, err := s.Get(ctx(t), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.MessageCount != n {
		t.Errorf("messageCount = %d, want %d", got.MessageCount, n)
	}
}

func testConcurrentGetOrCreate(t *testing.T, s conversation.Store) {
	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = make(map[string]bool)
		created int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, ok, err := s.GetOrCreate(context.Background(), key42, conversation.SubjectMeta{})
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[c.ID] = true
			if ok {
				created++
			}
		}()
	}
	wg.Wait()
	if len(ids) != 1 {
		t.Errorf("got %d distinct conversations, want 1", len(ids))
	}
	if created != 1 {
		t.Errorf("created reported %d times, want 1", created)
	}
}

func testPing(t *testing.T, s conversation.Store) {
	if err := s.Ping(ctx(t)); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func messageIDs(msgs []conversation.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

func conversationIDs(cs []conversation.Conversation) []string {
	ids := make([]string, len(cs))
	for i, c := range cs {
		ids[i] = c.ID
	}
	return ids
}

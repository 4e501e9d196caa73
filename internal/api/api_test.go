package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/matheus3301/dealroom/internal/chat"
	"github.com/matheus3301/dealroom/internal/conversation"
	"github.com/matheus3301/dealroom/internal/hub"
	"github.com/matheus3301/dealroom/internal/store/memory"
	"github.com/matheus3301/dealroom/internal/wire"
)

const (
	buyer  = "buyer@x"
	seller = "seller@y"
)

// flakyStore fails every call with ErrStoreUnavailable when down is set.
type flakyStore struct {
	*memory.Store
	down bool
}

func (s *flakyStore) Get(ctx context.Context, id string) (*conversation.Conversation, error) {
	if s.down {
		return nil, conversation.ErrStoreUnavailable
	}
	return s.Store.Get(ctx, id)
}

func (s *flakyStore) Ping(ctx context.Context) error {
	if s.down {
		return conversation.ErrStoreUnavailable
	}
	return s.Store.Ping(ctx)
}

type testEnv struct {
	store  *flakyStore
	hub    *hub.Hub
	server *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := &flakyStore{Store: memory.New()}
	h := hub.New(16, nil)
	catalog := chat.NewStaticCatalog([]chat.Subject{{ID: "42", OwnerID: seller, Title: "Civic 2019"}})
	svc := chat.NewService(st, h, catalog, nil, nil)
	srv := httptest.NewServer(NewRouter(svc, h, Options{Env: "test"}))
	t.Cleanup(func() {
		srv.Close()
		h.Close()
	})
	return &testEnv{store: st, hub: h, server: srv}
}

func (e *testEnv) do(t *testing.T, method, path, who, role string, body any) (*http.Response, []byte) {
	t.Helper()
	var r *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(raw)
	} else {
		r = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	if who != "" {
		req.Header.Set(HeaderParticipantID, who)
	}
	if role != "" {
		req.Header.Set(HeaderParticipantRole, role)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func (e *testEnv) start(t *testing.T) wire.StartResponse {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/conversations", buyer, "", chat.StartRequest{SubjectID: "42", InitialMessage: "Is this available?"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d: %s", resp.StatusCode, body)
	}
	var out wire.StartResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func errorCode(t *testing.T, body []byte) wire.Code {
	t.Helper()
	var e wire.Error
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("error body %q: %v", body, err)
	}
	return e.Code
}

func TestMissingIdentityIsUnauthenticated(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/conversations", "", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if errorCode(t, body) != wire.CodeUnauthorized {
		t.Errorf("code = %q", errorCode(t, body))
	}
	resp, _ = env.do(t, http.MethodGet, "/conversations", buyer, "admin", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unknown role status = %d, want 401", resp.StatusCode)
	}
	if resp.Header.Get(HeaderRequestID) == "" {
		t.Error("missing X-Request-ID on response")
	}
}

func TestStartListAndHistory(t *testing.T) {
	env := newTestEnv(t)
	started := env.start(t)
	if !started.Created || started.Conversation.IsReadByB || !started.Conversation.IsReadByA {
		t.Fatalf("started = %+v", started.Conversation)
	}
	id := started.Conversation.ID

	resp, body := env.do(t, http.MethodGet, "/conversations", seller, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d: %s", resp.StatusCode, body)
	}
	var list wire.ConversationList
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Items) != 1 || list.Items[0].ID != id || list.NextBefore != nil {
		t.Errorf("list = %+v", list)
	}

	for i := 0; i < 3; i++ {
		resp, body := env.do(t, http.MethodPost, "/conversations/"+id+"/messages", seller, "", map[string]string{"text": "reply"})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("send status = %d: %s", resp.StatusCode, body)
		}
	}

	resp, body = env.do(t, http.MethodGet, "/conversations/"+id+"/messages?limit=2", buyer, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d: %s", resp.StatusCode, body)
	}
	var page wire.MessageList
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 || page.NextBefore == nil {
		t.Fatalf("page = %+v", page)
	}
	if !page.Items[0].Timestamp.Before(page.Items[1].Timestamp) {
		t.Error("page not oldest first")
	}

	older := "/conversations/" + id + "/messages?limit=2&before=" + url.QueryEscape(page.NextBefore.Format(time.RFC3339Nano))
	resp, body = env.do(t, http.MethodGet, older, buyer, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("older status = %d: %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 || page.Items[0].Text != "Is this available?" {
		t.Errorf("older page = %+v", page.Items)
	}
}

func TestListPagesFollowCursor(t *testing.T) {
	env := newTestEnv(t)
	started := map[string]bool{}
	for _, who := range []string{"a@x", "b@x", "c@x"} {
		resp, body := env.do(t, http.MethodPost, "/conversations", who, "", chat.StartRequest{SubjectID: "42", InitialMessage: "hi"})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("start status = %d: %s", resp.StatusCode, body)
		}
		var out wire.StartResponse
		if err := json.Unmarshal(body, &out); err != nil {
			t.Fatal(err)
		}
		started[out.Conversation.ID] = true
		// The cursor is millisecond precision.
		time.Sleep(3 * time.Millisecond)
	}

	seen := map[string]bool{}
	path := "/conversations?limit=2"
	for pages := 0; path != ""; pages++ {
		if pages > 3 {
			t.Fatal("pagination did not terminate")
		}
		resp, body := env.do(t, http.MethodGet, path, seller, "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("list status = %d: %s", resp.StatusCode, body)
		}
		var list wire.ConversationList
		if err := json.Unmarshal(body, &list); err != nil {
			t.Fatal(err)
		}
		for _, c := range list.Items {
			if seen[c.ID] {
				t.Errorf("conversation %s listed twice", c.ID)
			}
			seen[c.ID] = true
		}
		path = ""
		if list.NextBefore != nil {
			if last := list.Items[len(list.Items)-1]; !list.NextBefore.Equal(last.LastMessageAt) {
				t.Errorf("nextBefore = %v, want %v", list.NextBefore, last.LastMessageAt)
			}
			path = "/conversations?limit=2&before=" + url.QueryEscape(list.NextBefore.Format(time.RFC3339Nano))
		}
	}
	if len(seen) != len(started) {
		t.Errorf("listed %d conversations, want %d", len(seen), len(started))
	}
}

func TestReadyReportsHubStats(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t).Conversation.ID
	join(t, dialLive(t, env, buyer), id)

	resp, body := env.do(t, http.MethodGet, "/readyz", "", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz = %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Rooms       int    `json:"rooms"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Status != "ready" || out.Connections != 1 || out.Rooms != 1 {
		t.Errorf("readyz body = %+v", out)
	}
}

func TestSendIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t).Conversation.ID
	msg := map[string]string{"id": "m2", "text": "Yes"}

	resp, _ := env.do(t, http.MethodPost, "/conversations/"+id+"/messages", seller, "", msg)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first send = %d", resp.StatusCode)
	}
	resp, body := env.do(t, http.MethodPost, "/conversations/"+id+"/messages", seller, "", msg)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replay = %d", resp.StatusCode)
	}
	var m conversation.Message
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatal(err)
	}
	if m.ID != "m2" || m.Sender != seller {
		t.Errorf("message = %+v", m)
	}

	resp, body = env.do(t, http.MethodGet, "/conversations/"+id, buyer, "", nil)
	var conv conversation.Conversation
	_ = json.Unmarshal(body, &conv)
	if resp.StatusCode != http.StatusOK || conv.MessageCount != 2 {
		t.Errorf("status %d, count %d", resp.StatusCode, conv.MessageCount)
	}
}

func TestErrorStatuses(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t).Conversation.ID

	tests := []struct {
		name   string
		method string
		path   string
		who    string
		role   string
		body   any
		status int
		code   wire.Code
	}{
		{"unknown conversation", http.MethodGet, "/conversations/00000000-0000-0000-0000-000000000000", buyer, "", nil, http.StatusNotFound, wire.CodeNotFound},
		{"stranger", http.MethodGet, "/conversations/" + id, "other@z", "", nil, http.StatusForbidden, wire.CodeUnauthorized},
		{"empty message", http.MethodPost, "/conversations/" + id + "/messages", buyer, "", map[string]string{"text": ""}, http.StatusBadRequest, wire.CodeValidation},
		{"bad payload", http.MethodPost, "/conversations/" + id + "/messages", buyer, "", map[string]any{"type": "offer", "payload": map[string]any{"amountCents": -1}}, http.StatusBadRequest, wire.CodeValidation},
		{"bad limit", http.MethodGet, "/conversations?limit=abc", buyer, "", nil, http.StatusBadRequest, wire.CodeValidation},
		{"bad cursor", http.MethodGet, "/conversations/" + id + "/messages?before=yesterday", buyer, "", nil, http.StatusBadRequest, wire.CodeValidation},
		{"participant flag", http.MethodPut, "/conversations/" + id + "/flag", buyer, "", wire.FlagRequest{Reason: "spam"}, http.StatusForbidden, wire.CodeUnauthorized},
		{"empty flag reason", http.MethodPut, "/conversations/" + id + "/flag", "mod@ops", chat.RoleModerator, wire.FlagRequest{}, http.StatusBadRequest, wire.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, tt.method, tt.path, tt.who, tt.role, tt.body)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d: %s", resp.StatusCode, tt.status, body)
			}
			if got := errorCode(t, body); got != tt.code {
				t.Errorf("code = %q, want %q", got, tt.code)
			}
		})
	}
}

func TestMarkReadAndFlag(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t).Conversation.ID

	resp, body := env.do(t, http.MethodPut, "/conversations/"+id+"/read", seller, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("read status = %d: %s", resp.StatusCode, body)
	}
	var conv conversation.Conversation
	_ = json.Unmarshal(body, &conv)
	if !conv.IsReadByB {
		t.Error("seller flag not set")
	}

	resp, body = env.do(t, http.MethodPut, "/conversations/"+id+"/flag", "mod@ops", chat.RoleModerator, wire.FlagRequest{Reason: "suspicious link"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("flag status = %d: %s", resp.StatusCode, body)
	}
	_ = json.Unmarshal(body, &conv)
	if !conv.IsFlagged || conv.FlagReason != "suspicious link" {
		t.Errorf("conv = %+v", conv)
	}
}

func TestStoreUnavailable(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t).Conversation.ID
	env.store.down = true

	resp, body := env.do(t, http.MethodGet, "/conversations/"+id, buyer, "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if errorCode(t, body) != wire.CodeUnavailable {
		t.Errorf("code = %q", errorCode(t, body))
	}

	resp, _ = env.do(t, http.MethodGet, "/readyz", "", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readyz = %d, want 503", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/livez", "", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("livez = %d, want 200", resp.StatusCode)
	}
}

func dialLive(t *testing.T, env *testEnv, who string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(env.server.URL, "http")+"/live", &websocket.DialOptions{
		HTTPHeader: http.Header{HeaderParticipantID: []string{who}},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func writeFrame(t *testing.T, ws *websocket.Conn, typ wire.Type, v any) {
	t.Helper()
	frame, err := wire.Encode(typ, v)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatal(err)
	}
}

func readFrame(t *testing.T, ws *websocket.Conn) wire.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, frame, err := ws.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	env, err := wire.Decode(frame)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func join(t *testing.T, ws *websocket.Conn, id string) {
	t.Helper()
	writeFrame(t, ws, wire.TypeJoinConversation, wire.JoinConversation{ConversationID: id})
	if env := readFrame(t, ws); env.Type != wire.TypeJoined {
		t.Fatalf("join reply = %s %s", env.Type, env.Data)
	}
}

func TestLiveSendFansOutAndAcks(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t).Conversation.ID

	b := dialLive(t, env, buyer)
	s := dialLive(t, env, seller)
	join(t, b, id)
	join(t, s, id)

	writeFrame(t, s, wire.TypeSendMessage, wire.SendMessage{
		RequestID:      "r1",
		ConversationID: id,
		Message:        conversation.Message{ID: "m2", Text: "Yes"},
	})

	got := readFrame(t, b)
	if got.Type != wire.TypeNewMessage {
		t.Fatalf("buyer got %s", got.Type)
	}
	var nm wire.NewMessage
	if err := got.Into(&nm); err != nil {
		t.Fatal(err)
	}
	if nm.Message.ID != "m2" || nm.Conversation == nil || nm.Conversation.IsReadByA {
		t.Errorf("new-message = %+v", nm)
	}

	var sawAck bool
	for i := 0; i < 2; i++ {
		f := readFrame(t, s)
		if f.Type != wire.TypeAck {
			continue
		}
		var ack wire.Ack
		if err := f.Into(&ack); err != nil {
			t.Fatal(err)
		}
		if ack.RequestID != "r1" || ack.Message.ID != "m2" {
			t.Errorf("ack = %+v", ack)
		}
		sawAck = true
	}
	if !sawAck {
		t.Error("sender never received an ack")
	}
}

func TestLiveTypingAndErrors(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t).Conversation.ID

	b := dialLive(t, env, buyer)
	s := dialLive(t, env, seller)
	join(t, b, id)
	join(t, s, id)

	writeFrame(t, b, wire.TypeTyping, wire.Typing{ConversationID: id, IsTyping: true})
	got := readFrame(t, s)
	var typing wire.Typing
	if err := got.Into(&typing); err != nil {
		t.Fatal(err)
	}
	if got.Type != wire.TypeTyping || typing.Participant != buyer || !typing.IsTyping {
		t.Errorf("typing = %s %+v", got.Type, typing)
	}

	writeFrame(t, b, wire.TypeSendMessage, wire.SendMessage{
		RequestID:      "r9",
		ConversationID: "00000000-0000-0000-0000-000000000000",
		Message:        conversation.Message{Text: "hello?"},
	})
	got = readFrame(t, b)
	if got.Type != wire.TypeError {
		t.Fatalf("got %s, want error", got.Type)
	}
	var e wire.Error
	if err := got.Into(&e); err != nil {
		t.Fatal(err)
	}
	if e.RequestID != "r9" || e.Code != wire.CodeNotFound {
		t.Errorf("error = %+v", e)
	}
	if !errors.Is(e.Err(), conversation.ErrNotFound) {
		t.Errorf("Err() = %v", e.Err())
	}

	writeFrame(t, b, "bogus", struct{}{})
	if got := readFrame(t, b); got.Type != wire.TypeError {
		t.Errorf("unknown frame reply = %s", got.Type)
	}
}

func TestLiveUndecodableSendKeepsRequestID(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t).Conversation.ID
	b := dialLive(t, env, buyer)

	frame := `{"type":"send-message","data":{"requestId":"r7","conversationId":"` + id +
		`","message":{"id":"bad1","type":"bogus","text":"x"}}}`
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		t.Fatal(err)
	}

	got := readFrame(t, b)
	if got.Type != wire.TypeError {
		t.Fatalf("got %s, want error", got.Type)
	}
	var e wire.Error
	if err := got.Into(&e); err != nil {
		t.Fatal(err)
	}
	if e.RequestID != "r7" || e.Code != wire.CodeValidation {
		t.Errorf("error = %+v", e)
	}
}

func TestLiveCloseLeavesRooms(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t).Conversation.ID

	b := dialLive(t, env, buyer)
	join(t, b, id)
	if !env.hub.InRoom(buyer, id) {
		t.Fatal("buyer not in room after join")
	}
	_ = b.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Online(buyer) {
		if time.Now().After(deadline) {
			t.Fatal("connection still registered after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if env.hub.InRoom(buyer, id) {
		t.Error("buyer still in room after close")
	}
}

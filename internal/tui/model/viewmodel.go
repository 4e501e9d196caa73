package model

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/dealroom/internal/bus"
	"github.com/matheus3301/dealroom/internal/chat"
	"github.com/matheus3301/dealroom/internal/conversation"
	"github.com/matheus3301/dealroom/internal/outbox"
	"github.com/matheus3301/dealroom/internal/status"
	"github.com/matheus3301/dealroom/internal/wire"
)

const (
	listLimit    = 100
	historyLimit = 100
	flashTTL     = 5 * time.Second
)

// Backend is the slice of the client agent the view model drives.
type Backend interface {
	List(ctx context.Context, participant string, page conversation.Page) (*wire.ConversationList, error)
	History(ctx context.Context, conversationID string, page conversation.Page) (*wire.MessageList, error)
	MarkRead(ctx context.Context, conversationID string) (*conversation.Conversation, error)
	Flag(ctx context.Context, conversationID, reason string) (*conversation.Conversation, error)
	StartConversation(ctx context.Context, req chat.StartRequest) (*wire.StartResponse, error)
	Send(ctx context.Context, conversationID string, msg conversation.Message) (outbox.Item, error)
	Watch(ctx context.Context, conversationID string) error
}

// Delivery is the local state of a message in the open thread.
type Delivery string

const (
	Delivered Delivery = ""
	Queued    Delivery = "queued"
	Failed    Delivery = "failed"
)

// Line is one message of the open thread as the view renders it.
type Line struct {
	Message  conversation.Message
	Delivery Delivery
	Mine     bool
}

// ViewModel caches conversations and the open thread, fed by REST loads
// and bus events, and signals UI refreshes.
type ViewModel struct {
	mu sync.RWMutex

	backend       Backend
	me            string
	conversations []conversation.Conversation
	active        string
	messages      []conversation.Message
	delivery      map[string]Delivery
	typing        map[string]string
	link          status.State
	Flash         Flash

	refreshCh chan struct{}
}

// NewViewModel creates a view model acting as participant me.
func NewViewModel(b Backend, me string) *ViewModel {
	return &ViewModel{
		backend:   b,
		me:        me,
		delivery:  make(map[string]Delivery),
		typing:    make(map[string]string),
		link:      status.Offline,
		refreshCh: make(chan struct{}, 1),
	}
}

// RefreshCh returns the channel that signals UI refresh.
func (vm *ViewModel) RefreshCh() <-chan struct{} {
	return vm.refreshCh
}

func (vm *ViewModel) signalRefresh() {
	select {
	case vm.refreshCh <- struct{}{}:
	default:
	}
}

// Me returns the participant the model acts as.
func (vm *ViewModel) Me() string { return vm.me }

// LoadConversations fetches the first page of the conversation list.
func (vm *ViewModel) LoadConversations(ctx context.Context) error {
	res, err := vm.backend.List(ctx, "", conversation.Page{Limit: listLimit})
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.conversations = res.Items
	vm.sortLocked()
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// Open loads a conversation's latest messages, joins its room and marks it
// read when it has unread messages.
func (vm *ViewModel) Open(ctx context.Context, conversationID string) error {
	res, err := vm.backend.History(ctx, conversationID, conversation.Page{Limit: historyLimit})
	if err != nil {
		return err
	}
	if err := vm.backend.Watch(ctx, conversationID); err != nil {
		vm.Flash.Set("watch failed: "+err.Error(), flashTTL)
	}

	vm.mu.Lock()
	vm.active = conversationID
	vm.messages = res.Items
	vm.delivery = make(map[string]Delivery)
	unread := false
	if c := vm.findLocked(conversationID); c != nil {
		unread = c.HasParticipant(vm.me) && !c.IsReadBy(vm.me)
	}
	vm.mu.Unlock()
	vm.signalRefresh()

	if unread {
		if conv, err := vm.backend.MarkRead(ctx, conversationID); err == nil {
			vm.upsertConversation(*conv)
		}
	}
	return nil
}

// Close leaves the open thread.
func (vm *ViewModel) Close() {
	vm.mu.Lock()
	vm.active = ""
	vm.messages = nil
	vm.mu.Unlock()
	vm.signalRefresh()
}

// Active returns the open conversation id, or "".
func (vm *ViewModel) Active() string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.active
}

// SendText queues a text message to the open conversation.
func (vm *ViewModel) SendText(ctx context.Context, text string) error {
	return vm.Send(ctx, conversation.Message{Text: text})
}

// Send queues msg to the open conversation and shows it at once as queued.
func (vm *ViewModel) Send(ctx context.Context, msg conversation.Message) error {
	convID := vm.Active()
	if convID == "" {
		return fmt.Errorf("no conversation open")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	it, err := vm.backend.Send(ctx, convID, msg)
	if err != nil {
		return err
	}

	local := it.Message
	local.ConversationID = convID
	local.Sender = vm.me
	if local.Timestamp.IsZero() {
		local.Timestamp = it.EnqueuedAt
	}
	if local.Type == "" {
		local.Type = conversation.KindText
	}
	vm.mu.Lock()
	if vm.active == convID && !vm.hasMessageLocked(local.ID) {
		vm.delivery[local.ID] = Queued
		vm.messages = append(vm.messages, local)
	}
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// Start opens (or reopens) a conversation about a subject and makes it the
// open thread.
func (vm *ViewModel) Start(ctx context.Context, subjectID, text string) error {
	res, err := vm.backend.StartConversation(ctx, chat.StartRequest{SubjectID: subjectID, InitialMessage: text})
	if err != nil {
		return err
	}
	vm.upsertConversation(*res.Conversation)
	return vm.Open(ctx, res.Conversation.ID)
}

// MarkRead marks the open conversation read.
func (vm *ViewModel) MarkRead(ctx context.Context) error {
	convID := vm.Active()
	if convID == "" {
		return fmt.Errorf("no conversation open")
	}
	conv, err := vm.backend.MarkRead(ctx, convID)
	if err != nil {
		return err
	}
	vm.upsertConversation(*conv)
	return nil
}

// Flag flags the open conversation. The server allows it for moderators only.
func (vm *ViewModel) Flag(ctx context.Context, reason string) error {
	convID := vm.Active()
	if convID == "" {
		return fmt.Errorf("no conversation open")
	}
	conv, err := vm.backend.Flag(ctx, convID, reason)
	if err != nil {
		return err
	}
	vm.upsertConversation(*conv)
	return nil
}

// Apply folds one bus event into the model. It reports whether anything
// visible changed.
func (vm *ViewModel) Apply(evt bus.Event) bool {
	changed := vm.apply(evt)
	if changed {
		vm.signalRefresh()
	}
	return changed
}

func (vm *ViewModel) apply(evt bus.Event) bool {
	switch p := evt.Payload.(type) {
	case wire.NewMessage:
		vm.mu.Lock()
		defer vm.mu.Unlock()
		vm.bumpLocked(p.ConversationID, p.Message, p.Conversation)
		if p.ConversationID == vm.active {
			vm.putMessageLocked(p.Message)
		}
		delete(vm.typing, p.ConversationID)
		return true

	case wire.Typing:
		if p.Participant == vm.me {
			return false
		}
		vm.mu.Lock()
		defer vm.mu.Unlock()
		if p.IsTyping {
			vm.typing[p.ConversationID] = p.Participant
		} else {
			delete(vm.typing, p.ConversationID)
		}
		return p.ConversationID == vm.active

	case wire.ConversationRead:
		if p.Conversation == nil {
			return false
		}
		vm.upsertConversation(*p.Conversation)
		return true

	case wire.Error:
		vm.Flash.Set(fmt.Sprintf("server: %s", p.Message), flashTTL)
		return true

	case status.StatusChange:
		vm.mu.Lock()
		vm.link = p.To
		vm.mu.Unlock()
		return true

	case outbox.Notice:
		return vm.applyNotice(evt.Kind, p)

	case error:
		if evt.Kind == bus.SyncFailed {
			vm.Flash.Set("resync failed: "+p.Error(), flashTTL)
			return true
		}
	}
	return false
}

func (vm *ViewModel) applyNotice(kind bus.Kind, n outbox.Notice) bool {
	switch kind {
	case bus.OutboxDelivered:
		vm.mu.Lock()
		defer vm.mu.Unlock()
		delete(vm.delivery, n.MessageID)
		if n.Message != nil {
			vm.bumpLocked(n.ConversationID, *n.Message, nil)
			if n.ConversationID == vm.active {
				vm.putMessageLocked(*n.Message)
			}
		}
		return true
	case bus.OutboxRejected:
		vm.mu.Lock()
		if n.ConversationID == vm.active {
			vm.delivery[n.MessageID] = Failed
		}
		vm.mu.Unlock()
		vm.Flash.Set("message rejected: "+n.Err, flashTTL)
		return true
	case bus.OutboxStalled:
		vm.Flash.Set(fmt.Sprintf("message stuck after %d attempts, run retry", n.Attempt), flashTTL)
		return true
	}
	return false
}

// putMessageLocked inserts m into the open thread in timestamp order,
// replacing a queued copy with the same id.
func (vm *ViewModel) putMessageLocked(m conversation.Message) {
	delete(vm.delivery, m.ID)
	vm.messages = slices.DeleteFunc(vm.messages, func(x conversation.Message) bool { return x.ID == m.ID })
	i, _ := slices.BinarySearchFunc(vm.messages, m.Timestamp, func(x conversation.Message, t time.Time) int {
		return x.Timestamp.Compare(t)
	})
	vm.messages = slices.Insert(vm.messages, i, m)
}

func (vm *ViewModel) hasMessageLocked(id string) bool {
	return slices.ContainsFunc(vm.messages, func(m conversation.Message) bool { return m.ID == id })
}

// bumpLocked records a new message on the conversation list. A server copy
// of the conversation wins over the local patch.
func (vm *ViewModel) bumpLocked(convID string, m conversation.Message, conv *conversation.Conversation) {
	if conv != nil {
		vm.replaceLocked(*conv)
		return
	}
	c := vm.findLocked(convID)
	if c == nil {
		return
	}
	if m.Timestamp.After(c.LastMessageAt) {
		msg := m
		c.LastMessage = &msg
		c.LastMessageAt = m.Timestamp
		c.MessageCount++
	}
	vm.sortLocked()
}

func (vm *ViewModel) upsertConversation(c conversation.Conversation) {
	vm.mu.Lock()
	vm.replaceLocked(c)
	vm.mu.Unlock()
	vm.signalRefresh()
}

func (vm *ViewModel) replaceLocked(c conversation.Conversation) {
	if existing := vm.findLocked(c.ID); existing != nil {
		*existing = c
	} else {
		vm.conversations = append(vm.conversations, c)
	}
	vm.sortLocked()
}

func (vm *ViewModel) findLocked(id string) *conversation.Conversation {
	for i := range vm.conversations {
		if vm.conversations[i].ID == id {
			return &vm.conversations[i]
		}
	}
	return nil
}

func (vm *ViewModel) sortLocked() {
	slices.SortStableFunc(vm.conversations, func(a, b conversation.Conversation) int {
		return b.LastMessageAt.Compare(a.LastMessageAt)
	})
}

// GetConversations returns a snapshot of the conversation list, newest first.
func (vm *ViewModel) GetConversations() []conversation.Conversation {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return slices.Clone(vm.conversations)
}

// GetLines returns a snapshot of the open thread, oldest first.
func (vm *ViewModel) GetLines() []Line {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	out := make([]Line, len(vm.messages))
	for i, m := range vm.messages {
		out[i] = Line{Message: m, Delivery: vm.delivery[m.ID], Mine: m.Sender == vm.me}
	}
	return out
}

// Typing returns who is typing in the open conversation, or "".
func (vm *ViewModel) Typing() string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.typing[vm.active]
}

// LinkStatus returns the last known live link state.
func (vm *ViewModel) LinkStatus() status.State {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.link
}

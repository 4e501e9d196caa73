// Package hub fans conversation events out to live connections.
// Each conversation id is a room; a connection may join many rooms.
package hub

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultBufferSize is the per-connection event buffer when none is configured.
const DefaultBufferSize = 64

var (
	// ErrInvalidRoom is returned for an empty conversation id.
	ErrInvalidRoom = errors.New("invalid room")
	// ErrUnknownConn is returned for a connection that is not registered.
	ErrUnknownConn = errors.New("unknown connection")
)

// Delivery reports how many connections received a publish.
type Delivery struct {
	ConversationID string
	Recipients     int
	Evicted        int
}

// BestEffort is true when nobody was listening. That is a normal outcome:
// the message is durable and offline parties catch up through history.
func (d Delivery) BestEffort() bool {
	return d.Recipients == 0
}

// Hub is the room index. All membership state sits behind one mutex;
// it lives only in memory and is rebuilt as clients reconnect.
type Hub struct {
	mu            sync.RWMutex
	conns         map[string]*Conn
	rooms         map[string]map[string]*Conn    // conversation id -> conn id -> conn
	joined        map[string]map[string]struct{} // conn id -> conversation ids
	byParticipant map[string]map[string]*Conn    // participant -> conn id -> conn

	bufSize int
	logger  *zap.Logger
}

// New creates an empty hub. bufSize bounds each connection's event buffer.
func New(bufSize int, logger *zap.Logger) *Hub {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		conns:         make(map[string]*Conn),
		rooms:         make(map[string]map[string]*Conn),
		joined:        make(map[string]map[string]struct{}),
		byParticipant: make(map[string]map[string]*Conn),
		bufSize:       bufSize,
		logger:        logger,
	}
}

// Connect registers a live connection for an authenticated participant.
func (h *Hub) Connect(participant string) *Conn {
	c := &Conn{
		id:          uuid.NewString(),
		participant: participant,
		events:      make(chan Event, h.bufSize),
		done:        make(chan struct{}),
	}
	h.mu.Lock()
	h.conns[c.id] = c
	h.joined[c.id] = make(map[string]struct{})
	peers, ok := h.byParticipant[participant]
	if !ok {
		peers = make(map[string]*Conn)
		h.byParticipant[participant] = peers
	}
	peers[c.id] = c
	h.mu.Unlock()

	h.logger.Debug("connection registered", zap.String("conn_id", c.id), zap.String("participant", participant))
	return c
}

// Join adds a connection to a room. Joining twice is a no-op.
func (h *Hub) Join(connID, conversationID string) error {
	if conversationID == "" {
		h.logger.Warn("join dropped: empty conversation id", zap.String("conn_id", connID))
		return ErrInvalidRoom
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return ErrUnknownConn
	}
	room, ok := h.rooms[conversationID]
	if !ok {
		room = make(map[string]*Conn)
		h.rooms[conversationID] = room
	}
	room[connID] = c
	h.joined[connID][conversationID] = struct{}{}
	return nil
}

// Leave removes a connection from a room.
func (h *Hub) Leave(connID, conversationID string) error {
	if conversationID == "" {
		h.logger.Warn("leave dropped: empty conversation id", zap.String("conn_id", connID))
		return ErrInvalidRoom
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[connID]; !ok {
		return ErrUnknownConn
	}
	h.leaveLocked(connID, conversationID)
	return nil
}

// LeaveAll removes a connection from every room it joined and returns them.
func (h *Hub) LeaveAll(connID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveAllLocked(connID)
}

func (h *Hub) leaveLocked(connID, conversationID string) {
	if room, ok := h.rooms[conversationID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(h.rooms, conversationID)
		}
	}
	if rooms, ok := h.joined[connID]; ok {
		delete(rooms, conversationID)
	}
}

func (h *Hub) leaveAllLocked(connID string) []string {
	rooms := h.joined[connID]
	left := make([]string, 0, len(rooms))
	for id := range rooms {
		h.leaveLocked(connID, id)
		left = append(left, id)
	}
	return left
}

// Disconnect leaves every room and unregisters the connection. It returns
// once the connection is unreachable from any room.
func (h *Hub) Disconnect(connID string) {
	h.disconnect(connID, nil)
}

func (h *Hub) disconnect(connID string, reason error) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	left := h.leaveAllLocked(connID)
	delete(h.joined, connID)
	delete(h.conns, connID)
	if peers, ok := h.byParticipant[c.participant]; ok {
		delete(peers, connID)
		if len(peers) == 0 {
			delete(h.byParticipant, c.participant)
		}
	}
	h.mu.Unlock()

	c.close(reason)
	h.logger.Debug("connection released",
		zap.String("conn_id", connID),
		zap.String("participant", c.participant),
		zap.Int("rooms_left", len(left)),
		zap.NamedError("reason", reason))
}

// Publish delivers evt to every connection in the room without blocking.
// A connection whose buffer is full is evicted instead of slowing the room.
func (h *Hub) Publish(conversationID string, evt Event) (Delivery, error) {
	return h.publish(conversationID, evt, "")
}

// PublishTyping sends an ephemeral typing indicator to the room, skipping
// the typer's own connections.
func (h *Hub) PublishTyping(conversationID, who string, isTyping bool) (Delivery, error) {
	return h.publish(conversationID, Event{
		Kind:        EventTyping,
		Participant: who,
		IsTyping:    isTyping,
	}, who)
}

func (h *Hub) publish(conversationID string, evt Event, exclude string) (Delivery, error) {
	d := Delivery{ConversationID: conversationID}
	if conversationID == "" {
		h.logger.Warn("publish dropped: empty conversation id", zap.String("kind", string(evt.Kind)))
		return d, ErrInvalidRoom
	}
	evt.ConversationID = conversationID

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.rooms[conversationID]))
	for _, c := range h.rooms[conversationID] {
		if exclude != "" && c.participant == exclude {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	var slow []*Conn
	for _, c := range targets {
		switch c.offer(evt) {
		case offerQueued:
			d.Recipients++
		case offerFull:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		h.logger.Warn("evicting slow connection",
			zap.String("conn_id", c.id),
			zap.String("participant", c.participant),
			zap.String("conversation_id", conversationID))
		h.disconnect(c.id, ErrSlowConsumer)
		d.Evicted++
	}
	return d, nil
}

// Online reports whether the participant has at least one live connection.
func (h *Hub) Online(participant string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byParticipant[participant]) > 0
}

// InRoom reports whether any connection of the participant joined the room.
func (h *Hub) InRoom(participant, conversationID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.rooms[conversationID] {
		if c.participant == participant {
			return true
		}
	}
	return false
}

// Stats is a point-in-time view of the index.
type Stats struct {
	Connections int
	Rooms       int
}

// Stats returns the current number of connections and non-empty rooms.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{Connections: len(h.conns), Rooms: len(h.rooms)}
}

// Close disconnects everyone.
func (h *Hub) Close() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.disconnect(id, ErrHubClosed)
	}
}

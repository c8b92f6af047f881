package collabserver

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/citruslab/collab/internal/events"
	"github.com/citruslab/collab/internal/observability"
	"github.com/citruslab/collab/pkg/models"
)

const (
	hubMaxPayloadBytes = 64 << 10
	hubPingInterval    = 25 * time.Second
	hubPongWait        = 60 * time.Second
	hubWriteWait       = 10 * time.Second
	hubSendBuffer      = 64
)

// Hub is the event channel endpoint. It tracks which connections are in
// which room and routes frames between them.
type Hub struct {
	presence *Presence
	logger   *slog.Logger
	metrics  *observability.Metrics
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*hubClient]struct{}
	rooms   map[string]map[*hubClient]struct{}
}

type hubClient struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	identity models.Identity
	rooms    map[string]struct{}
}

// NewHub creates a Hub sharing presence with the REST API.
func NewHub(presence *Presence, logger *slog.Logger, metrics *observability.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		presence: presence,
		logger:   logger.With("component", "hub"),
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		clients: make(map[*hubClient]struct{}),
		rooms:   make(map[string]map[*hubClient]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &hubClient{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, hubSendBuffer),
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]struct{}),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.HubConnected(1)
	h.logger.Debug("client connected", "conn_id", c.id)

	defer h.disconnect(c)
	go h.writeLoop(c)
	h.readLoop(c)
}

// Connections returns the number of open connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Members returns the identities connected to room.
func (h *Hub) Members(room string) []models.Identity {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []models.Identity
	for c := range h.rooms[room] {
		out = append(out, c.ident())
	}
	return out
}

func (h *Hub) readLoop(c *hubClient) {
	c.conn.SetReadLimit(hubMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(hubPongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		// Any frame proves liveness.
		_ = c.conn.SetReadDeadline(time.Now().Add(hubPongWait)) //nolint:errcheck

		frame, err := events.ValidateClientFrame(data)
		if err != nil {
			h.sendError(c, "", "invalid frame: "+err.Error())
			continue
		}
		h.metrics.FrameReceived(string(frame.Event))
		h.handle(c, frame)
	}
}

func (h *Hub) writeLoop(c *hubClient) {
	ticker := time.NewTicker(hubPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(hubWriteWait)); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (h *Hub) handle(c *hubClient, frame events.Frame) {
	payload, err := frame.Payload()
	if err != nil {
		h.sendError(c, frame.Room, err.Error())
		return
	}

	if frame.Event == events.KindIdentify {
		c.mu.Lock()
		c.identity = models.Identity{Email: models.NormalizeEmail(payload.User.Email), Name: payload.User.Name}
		c.mu.Unlock()
		h.logger.Debug("client identified", "conn_id", c.id, "email", payload.User.Email)
		return
	}
	self := c.ident()
	if self.Email == "" {
		h.sendError(c, frame.Room, "identify before sending "+string(frame.Event))
		return
	}

	room := frame.Room
	switch frame.Event {
	case events.KindJoinChat:
		user := h.participant(self, payload)
		h.join(c, room)
		h.presence.Touch(room, user)
		h.broadcast(room, events.UserFrame(events.KindUserJoined, room, user), c)
		h.sendActiveUsers(c, room)

	case events.KindLeaveChat:
		h.leave(c, room)

	case events.KindTyping, events.KindStopTyping:
		if !c.inRoom(room) {
			return
		}
		kind := events.KindUserTyping
		if frame.Event == events.KindStopTyping {
			kind = events.KindUserStopTyping
		}
		h.broadcast(room, events.UserFrame(kind, room, h.participant(self, payload)), c)

	case events.KindPresenceUpdate:
		user := h.participant(self, payload)
		if payload.Cursor != nil {
			user.Cursor = payload.Cursor
		}
		if h.presence.Touch(room, user) {
			h.broadcast(room, events.UserFrame(events.KindUserJoined, room, user), c)
		}

	case events.KindSendMessage:
		if !c.inRoom(room) {
			h.sendError(c, room, "join the room before sending messages")
			return
		}
		h.relay(room, self, *payload.Message)

	case events.KindInvitationAccepted:
		h.logger.Info("invitation accepted", "room", room, "email", self.Email)
		h.broadcastActiveUsers(room)
	}
}

// participant is the acting user: the identified email with the frame's
// display name when one is given.
func (h *Hub) participant(self models.Identity, payload events.Payload) models.Participant {
	p := models.ParticipantFromIdentity(self)
	if payload.User != nil && payload.User.Name != "" {
		p.Name = payload.User.Name
	}
	return p
}

func (h *Hub) relay(room string, sender models.Identity, msg models.Message) {
	msg.ChatID = room
	msg.Sender = sender
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	frame, err := events.NewFrame(events.KindNewMessage, room, events.Payload{Message: &msg})
	if err != nil {
		h.logger.Error("encode message", "room", room, "error", err)
		return
	}

	if !msg.IsDirect() {
		h.broadcast(room, frame, nil)
		return
	}
	h.mu.RLock()
	var targets []*hubClient
	for c := range h.rooms[room] {
		if msg.Involves(c.ident().Email) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.sendFrame(c, frame)
	}
}

func (h *Hub) join(c *hubClient, room string) {
	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*hubClient]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	h.mu.Unlock()

	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

// leave removes c from room. The user is announced as gone only when no
// other connection of the same email remains in the room.
func (h *Hub) leave(c *hubClient, room string) {
	self := c.ident()

	c.mu.Lock()
	_, joined := c.rooms[room]
	delete(c.rooms, room)
	c.mu.Unlock()
	if !joined {
		return
	}

	h.mu.Lock()
	delete(h.rooms[room], c)
	stillPresent := false
	for other := range h.rooms[room] {
		if other.ident().Email == self.Email {
			stillPresent = true
			break
		}
	}
	if len(h.rooms[room]) == 0 {
		delete(h.rooms, room)
	}
	h.mu.Unlock()

	if stillPresent {
		return
	}
	h.presence.Remove(room, self.Email)
	h.broadcast(room, events.UserFrame(events.KindUserLeft, room, models.ParticipantFromIdentity(self)), nil)
}

func (h *Hub) disconnect(c *hubClient) {
	c.cancel()
	_ = c.conn.Close()

	c.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.mu.Unlock()
	for _, room := range rooms {
		h.leave(c, room)
	}

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	h.metrics.HubConnected(-1)
	h.logger.Debug("client disconnected", "conn_id", c.id)
}

// Evict announces users removed from room by the presence sweep.
func (h *Hub) Evict(room string, users []models.Participant) {
	for _, u := range users {
		h.broadcast(room, events.UserFrame(events.KindUserLeft, room, u), nil)
	}
}

// AnnounceJoin tells room that user registered presence over REST.
func (h *Hub) AnnounceJoin(room string, user models.Participant) {
	h.broadcast(room, events.UserFrame(events.KindUserJoined, room, user), nil)
}

func (h *Hub) broadcastActiveUsers(room string) {
	frame, err := events.NewFrame(events.KindActiveUsers, room, events.Payload{Users: h.presence.List(room)})
	if err != nil {
		return
	}
	h.broadcast(room, frame, nil)
}

func (h *Hub) sendActiveUsers(c *hubClient, room string) {
	frame, err := events.NewFrame(events.KindActiveUsers, room, events.Payload{Users: h.presence.List(room)})
	if err != nil {
		return
	}
	h.sendFrame(c, frame)
}

func (h *Hub) broadcast(room string, frame events.Frame, except *hubClient) {
	h.mu.RLock()
	targets := make([]*hubClient, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		if c != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendFrame(c, frame)
	}
}

func (h *Hub) sendError(c *hubClient, room, msg string) {
	frame, err := events.NewFrame(events.KindError, room, events.Payload{Error: msg})
	if err != nil {
		return
	}
	h.sendFrame(c, frame)
}

func (h *Hub) sendFrame(c *hubClient, frame events.Frame) {
	data, err := frame.Encode()
	if err != nil {
		h.logger.Error("encode frame", "event", frame.Event, "error", err)
		return
	}
	select {
	case <-c.ctx.Done():
		return
	default:
	}
	select {
	case c.send <- data:
		h.metrics.FrameEmitted(string(frame.Event))
	default:
		h.metrics.FrameDropped(string(frame.Event), "queue_full")
		h.logger.Warn("client send queue full, dropping frame", "conn_id", c.id, "event", frame.Event)
	}
}

func (c *hubClient) ident() models.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *hubClient) inRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

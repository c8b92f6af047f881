// Package relay sends and collects chat messages for collaboration rooms.
// Transcripts live in memory for the session only.
package relay

import (
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/citruslab/collab/internal/events"
	"github.com/citruslab/collab/internal/realtime"
	"github.com/citruslab/collab/pkg/models"
)

// DefaultMaxMessages bounds each room transcript.
const DefaultMaxMessages = 500

var (
	// ErrEmptyMessage is returned when the content is blank.
	ErrEmptyMessage = errors.New("message content is empty")
	// ErrNoIdentity is returned when no local identity is known yet.
	ErrNoIdentity = errors.New("no local identity")
)

// Channel is the subset of the connection manager the relay uses.
type Channel interface {
	Emit(kind events.Kind, room string, payload any) error
	Subscribe(kind events.Kind, handler realtime.Handler) (unsubscribe func())
}

// Config configures the relay.
type Config struct {
	MaxMessages int
}

// MessageFunc receives every message appended to a transcript.
type MessageFunc func(models.Message)

// Relay keeps one bounded transcript per tracked room.
type Relay struct {
	channel Channel
	self    func() models.Identity
	config  Config
	logger  *slog.Logger
	now     func() time.Time

	mu          sync.Mutex
	transcripts map[string][]models.Message
	seen        map[string]map[string]struct{}
	tracked     map[string]func()
	nextID      uint64
	listeners   map[uint64]MessageFunc
}

// NewRelay creates a Relay. self reports the local identity at send time.
func NewRelay(channel Channel, self func() models.Identity, config Config, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxMessages <= 0 {
		config.MaxMessages = DefaultMaxMessages
	}
	return &Relay{
		channel:     channel,
		self:        self,
		config:      config,
		logger:      logger.With("component", "relay"),
		now:         time.Now,
		transcripts: make(map[string][]models.Message),
		seen:        make(map[string]map[string]struct{}),
		tracked:     make(map[string]func()),
		listeners:   make(map[uint64]MessageFunc),
	}
}

// Send emits a message to room. An empty recipient addresses the whole
// room. The message is appended to the transcript only once emitted.
func (r *Relay) Send(room, recipient, content string) (models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return models.Message{}, ErrEmptyMessage
	}
	self := r.self()
	if self.Email == "" {
		return models.Message{}, ErrNoIdentity
	}

	msg := models.Message{
		ID:        uuid.NewString(),
		ChatID:    room,
		Sender:    self,
		Recipient: strings.TrimSpace(recipient),
		Content:   content,
		Type:      "text",
		CreatedAt: r.now().UTC(),
	}
	if msg.IsDirect() {
		msg.Type = "direct"
	}
	user := models.ParticipantFromIdentity(self)
	if err := r.channel.Emit(events.KindSendMessage, room, events.Payload{User: &user, Message: &msg}); err != nil {
		return models.Message{}, err
	}
	r.append(room, msg)
	return msg, nil
}

// Receive appends an inbound message when it belongs to the local user's
// view of room: room-wide messages and direct messages to or from self.
func (r *Relay) Receive(room string, msg models.Message) bool {
	if msg.ChatID == "" {
		msg.ChatID = room
	}
	if msg.ChatID != room {
		return false
	}
	if msg.IsDirect() && !msg.Involves(r.self().Email) {
		return false
	}
	return r.append(room, msg)
}

func (r *Relay) append(room string, msg models.Message) bool {
	r.mu.Lock()
	seen := r.seen[room]
	if seen == nil {
		seen = make(map[string]struct{})
		r.seen[room] = seen
	}
	if msg.ID != "" {
		if _, dup := seen[msg.ID]; dup {
			r.mu.Unlock()
			return false
		}
		seen[msg.ID] = struct{}{}
	}

	transcript := append(r.transcripts[room], msg)
	if over := len(transcript) - r.config.MaxMessages; over > 0 {
		for _, dropped := range transcript[:over] {
			delete(seen, dropped.ID)
		}
		transcript = slices.Clone(transcript[over:])
	}
	r.transcripts[room] = transcript
	listeners := r.listenersLocked()
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(msg)
	}
	return true
}

// Messages returns the transcript of room, oldest first.
func (r *Relay) Messages(room string) []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.transcripts[room])
}

// Conversation returns the direct messages exchanged between the local
// user and peer in room.
func (r *Relay) Conversation(room, peer string) []models.Message {
	self := r.self().Email
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Message
	for _, msg := range r.transcripts[room] {
		if msg.IsDirect() && msg.Involves(self) && msg.Involves(peer) {
			out = append(out, msg)
		}
	}
	return out
}

// Track subscribes to new-message frames for room.
func (r *Relay) Track(room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tracked[room]; ok {
		return
	}
	r.tracked[room] = r.channel.Subscribe(events.KindNewMessage, func(f events.Frame) {
		if f.Room != room {
			return
		}
		p, err := f.Payload()
		if err != nil || p.Message == nil {
			r.logger.Debug("dropping malformed message frame", "room", room, "error", err)
			return
		}
		r.Receive(room, *p.Message)
	})
}

// Release stops tracking room and discards its transcript.
func (r *Relay) Release(room string) {
	r.mu.Lock()
	unsub := r.tracked[room]
	delete(r.tracked, room)
	delete(r.transcripts, room)
	delete(r.seen, room)
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

// OnMessage registers fn for every appended message.
func (r *Relay) OnMessage(fn MessageFunc) (unsubscribe func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Relay) listenersLocked() []MessageFunc {
	ids := make([]uint64, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]MessageFunc, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.listeners[id])
	}
	return out
}

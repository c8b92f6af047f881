// Package typing coordinates typing indicators for collaboration rooms.
//
// Local keystrokes are collapsed into bursts: the first keystroke after idle
// emits typing, and one stop-typing follows once input pauses for the idle
// timeout. Remote indicators are kept per room and expire on their own if
// the matching stop never arrives.
package typing

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/citruslab/collab/internal/events"
	"github.com/citruslab/collab/internal/realtime"
	"github.com/citruslab/collab/pkg/models"
)

const (
	// DefaultIdleTimeout ends a local typing burst.
	DefaultIdleTimeout = 2000 * time.Millisecond
	// DefaultRemoteTTL expires a remote indicator without a stop event.
	DefaultRemoteTTL = 6 * time.Second
)

// Channel is the subset of the connection manager the coordinator uses.
type Channel interface {
	Emit(kind events.Kind, room string, payload any) error
	Subscribe(kind events.Kind, handler realtime.Handler) (unsubscribe func())
}

// Config configures the coordinator.
type Config struct {
	IdleTimeout time.Duration
	RemoteTTL   time.Duration
}

// ChangeFunc receives a room's typing emails after every change.
type ChangeFunc func(room string, emails []string)

// Coordinator owns the local typing slot and remote typing set of each room.
type Coordinator struct {
	channel Channel
	config  Config
	logger  *slog.Logger

	mu        sync.Mutex
	local     map[string]*localSlot
	remote    map[string]map[string]*remoteEntry
	tracked   map[string][]func()
	nextID    uint64
	listeners map[uint64]ChangeFunc
}

// localSlot is the single idle timer of a room. gen increases on every
// keystroke and stop so a stale timer fire is ignored.
type localSlot struct {
	participant models.Participant
	active      bool
	gen         uint64
	timer       *time.Timer
}

type remoteEntry struct {
	gen   uint64
	timer *time.Timer
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(channel Channel, config Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.RemoteTTL <= 0 {
		config.RemoteTTL = DefaultRemoteTTL
	}
	return &Coordinator{
		channel:   channel,
		config:    config,
		logger:    logger.With("component", "typing"),
		local:     make(map[string]*localSlot),
		remote:    make(map[string]map[string]*remoteEntry),
		tracked:   make(map[string][]func()),
		listeners: make(map[uint64]ChangeFunc),
	}
}

// OnLocalInput records a keystroke by participant in room.
func (c *Coordinator) OnLocalInput(room string, participant models.Participant) {
	c.mu.Lock()
	slot, ok := c.local[room]
	if !ok {
		slot = &localSlot{}
		c.local[room] = slot
	}
	first := !slot.active
	slot.active = true
	slot.participant = participant
	slot.gen++
	gen := slot.gen
	if slot.timer != nil {
		slot.timer.Stop()
	}
	slot.timer = time.AfterFunc(c.config.IdleTimeout, func() { c.idle(room, gen) })
	c.mu.Unlock()

	if first {
		c.emit(events.KindTyping, room, participant)
	}
}

// StopLocal ends the local burst in room immediately, e.g. when a message
// is sent. It is a no-op when no burst is active.
func (c *Coordinator) StopLocal(room string) {
	c.mu.Lock()
	participant, ok := c.endBurstLocked(room)
	c.mu.Unlock()

	if ok {
		c.emit(events.KindStopTyping, room, participant)
	}
}

// LocalActive reports whether a local burst is in progress in room.
func (c *Coordinator) LocalActive(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	slot, ok := c.local[room]
	return ok && slot.active
}

func (c *Coordinator) idle(room string, gen uint64) {
	c.mu.Lock()
	slot, ok := c.local[room]
	if !ok || !slot.active || slot.gen != gen {
		c.mu.Unlock()
		return
	}
	slot.active = false
	slot.timer = nil
	participant := slot.participant
	c.mu.Unlock()

	c.emit(events.KindStopTyping, room, participant)
}

// endBurstLocked deactivates the room's slot. c.mu must be held.
func (c *Coordinator) endBurstLocked(room string) (models.Participant, bool) {
	slot, ok := c.local[room]
	if !ok || !slot.active {
		return models.Participant{}, false
	}
	slot.active = false
	slot.gen++
	if slot.timer != nil {
		slot.timer.Stop()
		slot.timer = nil
	}
	return slot.participant, true
}

func (c *Coordinator) emit(kind events.Kind, room string, participant models.Participant) {
	if err := c.channel.Emit(kind, room, events.Payload{User: &participant}); err != nil {
		c.logger.Debug("typing emit dropped", "event", kind, "room", room, "error", err)
	}
}

// OnRemoteTyping marks email as typing in room until a stop arrives or the
// remote TTL passes.
func (c *Coordinator) OnRemoteTyping(room, email string) {
	key := models.NormalizeEmail(email)
	if key == "" {
		return
	}

	c.mu.Lock()
	users, ok := c.remote[room]
	if !ok {
		users = make(map[string]*remoteEntry)
		c.remote[room] = users
	}
	e, existed := users[key]
	if !existed {
		e = &remoteEntry{}
		users[key] = e
	}
	e.gen++
	gen := e.gen
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(c.config.RemoteTTL, func() { c.expire(room, key, gen) })
	c.mu.Unlock()

	if !existed {
		c.notify(room)
	}
}

// OnRemoteStopTyping removes email from room's typing set.
func (c *Coordinator) OnRemoteStopTyping(room, email string) {
	key := models.NormalizeEmail(email)

	c.mu.Lock()
	removed := c.removeRemoteLocked(room, key, 0)
	c.mu.Unlock()

	if removed {
		c.notify(room)
	}
}

func (c *Coordinator) expire(room, key string, gen uint64) {
	c.mu.Lock()
	removed := c.removeRemoteLocked(room, key, gen)
	c.mu.Unlock()

	if removed {
		c.notify(room)
	}
}

// removeRemoteLocked deletes a remote entry. A non-zero gen only matches
// the entry it was scheduled for.
func (c *Coordinator) removeRemoteLocked(room, key string, gen uint64) bool {
	users, ok := c.remote[room]
	if !ok {
		return false
	}
	e, ok := users[key]
	if !ok || (gen != 0 && e.gen != gen) {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(users, key)
	if len(users) == 0 {
		delete(c.remote, room)
	}
	return true
}

// TypingUsers returns the sorted emails typing in room.
func (c *Coordinator) TypingUsers(room string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typingUsersLocked(room)
}

func (c *Coordinator) typingUsersLocked(room string) []string {
	users := c.remote[room]
	out := make([]string, 0, len(users))
	for email := range users {
		out = append(out, email)
	}
	slices.Sort(out)
	return out
}

// Track subscribes to remote typing events for room.
func (c *Coordinator) Track(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tracked[room]; ok {
		return
	}
	c.tracked[room] = []func(){
		c.channel.Subscribe(events.KindUserTyping, func(f events.Frame) {
			if email, ok := frameUser(f, room); ok {
				c.OnRemoteTyping(room, email)
			}
		}),
		c.channel.Subscribe(events.KindUserStopTyping, func(f events.Frame) {
			if email, ok := frameUser(f, room); ok {
				c.OnRemoteStopTyping(room, email)
			}
		}),
	}
}

// Release stops tracking room. An active local burst is ended with a
// stop-typing and every remote timer is cancelled.
func (c *Coordinator) Release(room string) {
	c.mu.Lock()
	participant, active := c.endBurstLocked(room)
	delete(c.local, room)
	unsubs := c.tracked[room]
	delete(c.tracked, room)
	hadRemote := len(c.remote[room]) > 0
	for _, e := range c.remote[room] {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	delete(c.remote, room)
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if active {
		c.emit(events.KindStopTyping, room, participant)
	}
	if hadRemote {
		c.notify(room)
	}
}

// OnChange registers fn for typing set changes.
func (c *Coordinator) OnChange(fn ChangeFunc) (unsubscribe func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Coordinator) notify(room string) {
	c.mu.Lock()
	emails := c.typingUsersLocked(room)
	ids := make([]uint64, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	listeners := make([]ChangeFunc, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, c.listeners[id])
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(room, slices.Clone(emails))
	}
}

func frameUser(f events.Frame, room string) (string, bool) {
	if f.Room != room {
		return "", false
	}
	p, err := f.Payload()
	if err != nil || p.User == nil {
		return "", false
	}
	return p.User.Email, true
}

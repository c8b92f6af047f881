// Package presence tracks who is currently in each collaboration room.
//
// Membership is reconciled from three sources: optimistic local joins, push
// events from the event channel and periodic polls of the backend.
package presence

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/citruslab/collab/internal/events"
	"github.com/citruslab/collab/internal/observability"
	"github.com/citruslab/collab/internal/realtime"
	"github.com/citruslab/collab/pkg/models"
)

// Channel is the subset of the connection manager the registry uses.
type Channel interface {
	Emit(kind events.Kind, room string, payload any) error
	Subscribe(kind events.Kind, handler realtime.Handler) (unsubscribe func())
}

// Backend fetches and registers presence over REST.
type Backend interface {
	ActiveUsers(ctx context.Context, room string) ([]models.Participant, error)
	RegisterPresence(ctx context.Context, room string, participant models.Participant) error
}

// Mode selects how poll snapshots are reconciled with push events.
type Mode string

const (
	// ModeMerge keeps entries confirmed by push after a poll was issued and
	// never resurrects entries removed by push after it was issued.
	ModeMerge Mode = "merge"
	// ModeReplace swaps in every snapshot wholesale.
	ModeReplace Mode = "replace"
)

// Config configures the registry.
type Config struct {
	// PollInterval is how often an open view fetches active users (default 5s).
	PollInterval time.Duration
	// HeartbeatInterval is how often an open view registers presence (default 30s).
	HeartbeatInterval time.Duration
	// Mode is the snapshot reconcile mode (default merge).
	Mode Mode
}

// ChangeFunc receives a room's participants after every change.
type ChangeFunc func(room string, users []models.Participant)

// Registry holds the active participants of every tracked room.
type Registry struct {
	channel Channel
	backend Backend
	config  Config
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu        sync.Mutex
	rooms     map[string]*roomState
	nextID    uint64
	listeners map[uint64]ChangeFunc
}

type entry struct {
	participant models.Participant
	seenAt      time.Time
}

type roomState struct {
	// self is the local participant; merge never drops it.
	self       string
	order      []string
	entries    map[string]*entry
	tombstones map[string]time.Time
}

func newRoomState() *roomState {
	return &roomState{
		entries:    make(map[string]*entry),
		tombstones: make(map[string]time.Time),
	}
}

// NewRegistry creates a Registry.
func NewRegistry(channel Channel, backend Backend, config Config, logger *slog.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.Mode == "" {
		config.Mode = ModeMerge
	}
	return &Registry{
		channel:   channel,
		backend:   backend,
		config:    config,
		logger:    logger.With("component", "presence"),
		metrics:   metrics,
		now:       time.Now,
		rooms:     make(map[string]*roomState),
		listeners: make(map[uint64]ChangeFunc),
	}
}

// Join announces participant in room and adds it locally without waiting
// for confirmation. The emit error is informational; the local add happens
// regardless.
func (r *Registry) Join(room string, participant models.Participant) error {
	err := r.channel.Emit(events.KindJoinChat, room, events.Payload{User: &participant})
	r.ApplyJoined(room, participant, r.now())
	r.mu.Lock()
	if state, ok := r.rooms[room]; ok {
		state.self = models.NormalizeEmail(participant.Email)
	}
	r.mu.Unlock()
	return err
}

// Leave announces that participant left room and removes it locally.
func (r *Registry) Leave(room string, participant models.Participant) error {
	err := r.channel.Emit(events.KindLeaveChat, room, events.Payload{User: &participant})
	r.mu.Lock()
	if state, ok := r.rooms[room]; ok && state.self == models.NormalizeEmail(participant.Email) {
		state.self = ""
	}
	r.mu.Unlock()
	r.ApplyLeft(room, participant.Email, r.now())
	return err
}

// Heartbeat registers participant with the backend and broadcasts its
// cursor. A REST failure is returned but the broadcast is still attempted.
func (r *Registry) Heartbeat(ctx context.Context, room string, participant models.Participant, cursor *models.Cursor) error {
	participant.Cursor = cursor
	participant.LastActive = r.now()

	var err error
	if r.backend != nil {
		err = r.backend.RegisterPresence(ctx, room, participant)
		if err != nil {
			r.logger.Debug("presence registration failed", "room", room, "error", err)
		}
	}
	_ = r.channel.Emit(events.KindPresenceUpdate, room, events.Payload{User: &participant, Cursor: cursor})

	r.mutate(room, func(state *roomState) bool {
		e, ok := state.entries[models.NormalizeEmail(participant.Email)]
		if !ok {
			return false
		}
		e.participant.Cursor = cursor
		e.participant.LastActive = participant.LastActive
		return true
	})
	return err
}

// ApplyJoined inserts participant, or refreshes it when already present.
func (r *Registry) ApplyJoined(room string, participant models.Participant, at time.Time) {
	key := models.NormalizeEmail(participant.Email)
	if key == "" {
		return
	}
	r.mutate(room, func(state *roomState) bool {
		delete(state.tombstones, key)
		if e, ok := state.entries[key]; ok {
			merged := mergeParticipant(e.participant, participant)
			changed := !sameParticipant(e.participant, merged)
			e.participant = merged
			if at.After(e.seenAt) {
				e.seenAt = at
			}
			return changed
		}
		state.entries[key] = &entry{participant: participant, seenAt: at}
		state.order = append(state.order, key)
		return true
	})
}

// ApplyLeft removes the participant with email from room.
func (r *Registry) ApplyLeft(room, email string, at time.Time) {
	key := models.NormalizeEmail(email)
	if key == "" {
		return
	}
	r.mutate(room, func(state *roomState) bool {
		if prev, ok := state.tombstones[key]; !ok || at.After(prev) {
			state.tombstones[key] = at
		}
		if _, ok := state.entries[key]; !ok {
			return false
		}
		delete(state.entries, key)
		state.order = slices.DeleteFunc(state.order, func(k string) bool { return k == key })
		return true
	})
}

// ApplySnapshot reconciles room with an authoritative list fetched by a
// request issued at requestedAt.
func (r *Registry) ApplySnapshot(room string, users []models.Participant, requestedAt time.Time) {
	users = lo.UniqBy(
		lo.Filter(users, func(p models.Participant, _ int) bool { return models.NormalizeEmail(p.Email) != "" }),
		func(p models.Participant) string { return models.NormalizeEmail(p.Email) },
	)

	r.mutate(room, func(state *roomState) bool {
		if r.config.Mode == ModeReplace {
			return replaceState(state, users, requestedAt)
		}
		return mergeState(state, users, requestedAt)
	})
}

func replaceState(state *roomState, users []models.Participant, at time.Time) bool {
	before := snapshot(state)
	state.order = state.order[:0]
	state.entries = make(map[string]*entry, len(users))
	clear(state.tombstones)
	for _, u := range users {
		key := models.NormalizeEmail(u.Email)
		state.entries[key] = &entry{participant: u, seenAt: at}
		state.order = append(state.order, key)
	}
	return !slices.EqualFunc(before, snapshot(state), sameParticipant)
}

func mergeState(state *roomState, users []models.Participant, requestedAt time.Time) bool {
	before := snapshot(state)
	incoming := lo.KeyBy(users, func(p models.Participant) string { return models.NormalizeEmail(p.Email) })

	// Existing entries missing from the snapshot survive only when a push
	// confirmed them after the request went out.
	kept := state.order[:0]
	for _, key := range state.order {
		e := state.entries[key]
		if u, ok := incoming[key]; ok {
			e.participant = mergeParticipant(e.participant, u)
			kept = append(kept, key)
			continue
		}
		if e.seenAt.After(requestedAt) || key == state.self {
			kept = append(kept, key)
			continue
		}
		delete(state.entries, key)
	}
	state.order = kept

	for _, u := range users {
		key := models.NormalizeEmail(u.Email)
		if _, ok := state.entries[key]; ok {
			continue
		}
		if leftAt, ok := state.tombstones[key]; ok && leftAt.After(requestedAt) {
			continue
		}
		state.entries[key] = &entry{participant: u, seenAt: requestedAt}
		state.order = append(state.order, key)
	}

	for key, leftAt := range state.tombstones {
		if !leftAt.After(requestedAt) {
			delete(state.tombstones, key)
		}
	}
	return !slices.EqualFunc(before, snapshot(state), sameParticipant)
}

// ActiveUsers returns the participants of room in insertion order.
func (r *Registry) ActiveUsers(room string) []models.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.rooms[room]
	if !ok {
		return nil
	}
	return snapshot(state)
}

// OnChange registers fn for room membership changes.
func (r *Registry) OnChange(fn ChangeFunc) (unsubscribe func()) {
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

// Forget drops all state for room.
func (r *Registry) Forget(room string) {
	r.mu.Lock()
	delete(r.rooms, room)
	r.mu.Unlock()
	r.metrics.ForgetRoom(room)
}

// mutate applies fn to room under the lock and notifies listeners outside
// it when fn reports a change.
func (r *Registry) mutate(room string, fn func(*roomState) bool) {
	r.mu.Lock()
	state, ok := r.rooms[room]
	if !ok {
		state = newRoomState()
		r.rooms[room] = state
	}
	if !fn(state) {
		r.mu.Unlock()
		return
	}
	users := snapshot(state)
	ids := lo.Keys(r.listeners)
	slices.Sort(ids)
	listeners := make([]ChangeFunc, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, r.listeners[id])
	}
	r.mu.Unlock()

	r.metrics.SetActiveParticipants(room, len(users))
	for _, fn := range listeners {
		fn(room, slices.Clone(users))
	}
}

func snapshot(state *roomState) []models.Participant {
	out := make([]models.Participant, 0, len(state.order))
	for _, key := range state.order {
		out = append(out, state.entries[key].participant)
	}
	return out
}

// mergeParticipant overlays non-empty fields of update onto current.
func mergeParticipant(current, update models.Participant) models.Participant {
	if update.Name != "" {
		current.Name = update.Name
	}
	if update.Cursor != nil {
		current.Cursor = update.Cursor
	}
	if !update.LastActive.IsZero() {
		current.LastActive = update.LastActive
	}
	return current
}

func sameParticipant(a, b models.Participant) bool {
	if models.NormalizeEmail(a.Email) != models.NormalizeEmail(b.Email) || a.Name != b.Name {
		return false
	}
	switch {
	case a.Cursor == nil && b.Cursor == nil:
	case a.Cursor == nil || b.Cursor == nil:
		return false
	case *a.Cursor != *b.Cursor:
		return false
	}
	return a.LastActive.Equal(b.LastActive)
}

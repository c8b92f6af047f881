package presence

import (
	"context"
	"sync"
	"time"

	"github.com/citruslab/collab/internal/events"
	"github.com/citruslab/collab/pkg/models"
)

// View keeps one room's presence fresh while it is open: it joins the room,
// applies push events, polls the backend and sends heartbeats.
type View struct {
	registry *Registry
	room     string
	self     models.Participant

	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsubs []func()

	mu     sync.Mutex
	cursor *models.Cursor
	once   sync.Once

	// gate is held shared by push handlers while they apply a frame and
	// exclusively by Close to mark the view closed.
	gate   sync.RWMutex
	closed bool
}

// Open joins room as self and starts the view's loops. Close must be called
// to stop them.
func (r *Registry) Open(ctx context.Context, room string, self models.Participant) *View {
	ctx, cancel := context.WithCancel(ctx)
	v := &View{
		registry: r,
		room:     room,
		self:     self,
		cancel:   cancel,
	}

	v.unsubs = []func(){
		r.channel.Subscribe(events.KindUserJoined, v.onUserJoined),
		r.channel.Subscribe(events.KindUserLeft, v.onUserLeft),
		r.channel.Subscribe(events.KindActiveUsers, v.onActiveUsers),
	}
	_ = r.Join(room, self)

	v.wg.Add(2)
	go v.pollLoop(ctx)
	go v.heartbeatLoop(ctx)
	return v
}

// Room returns the room id.
func (v *View) Room() string { return v.room }

// Users returns the room's current participants.
func (v *View) Users() []models.Participant {
	return v.registry.ActiveUsers(v.room)
}

// Rejoin re-announces the local participant, e.g. after a reconnect.
func (v *View) Rejoin() error {
	return v.registry.channel.Emit(events.KindJoinChat, v.room, events.Payload{User: &v.self})
}

// SetCursor updates the cursor sent with the next heartbeat.
func (v *View) SetCursor(cursor *models.Cursor) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cursor = cursor
}

// Close stops the loops, unsubscribes push handlers and leaves the room.
// It returns after every loop and in-flight push handler has exited; frames
// dispatched later are ignored.
func (v *View) Close() {
	v.once.Do(func() {
		v.gate.Lock()
		v.closed = true
		v.gate.Unlock()

		v.cancel()
		v.wg.Wait()
		for _, unsub := range v.unsubs {
			unsub()
		}
		_ = v.registry.Leave(v.room, v.self)
		v.registry.Forget(v.room)
	})
}

func (v *View) onUserJoined(frame events.Frame) {
	v.gate.RLock()
	defer v.gate.RUnlock()
	if v.closed || frame.Room != v.room {
		return
	}
	p, err := frame.Payload()
	if err != nil || p.User == nil {
		return
	}
	at := v.registry.now()
	if !p.Timestamp.IsZero() && p.Timestamp.After(at) {
		at = p.Timestamp
	}
	v.registry.ApplyJoined(v.room, *p.User, at)
}

func (v *View) onUserLeft(frame events.Frame) {
	v.gate.RLock()
	defer v.gate.RUnlock()
	if v.closed || frame.Room != v.room {
		return
	}
	p, err := frame.Payload()
	if err != nil || p.User == nil {
		return
	}
	v.registry.ApplyLeft(v.room, p.User.Email, v.registry.now())
}

func (v *View) onActiveUsers(frame events.Frame) {
	v.gate.RLock()
	defer v.gate.RUnlock()
	if v.closed || frame.Room != v.room {
		return
	}
	p, err := frame.Payload()
	if err != nil {
		return
	}
	v.registry.ApplySnapshot(v.room, p.Users, v.registry.now())
}

func (v *View) pollLoop(ctx context.Context) {
	defer v.wg.Done()
	v.poll(ctx)

	ticker := time.NewTicker(v.registry.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.poll(ctx)
		}
	}
}

// poll fetches active users. Failures keep the last known set.
func (v *View) poll(ctx context.Context) {
	r := v.registry
	if r.backend == nil {
		return
	}
	requestedAt := r.now()
	users, err := r.backend.ActiveUsers(ctx, v.room)
	if err != nil {
		if ctx.Err() == nil {
			r.metrics.PresencePollFailed()
			r.logger.Debug("active users fetch failed", "room", v.room, "error", err)
		}
		return
	}
	if ctx.Err() != nil {
		return
	}
	r.ApplySnapshot(v.room, users, requestedAt)
}

func (v *View) heartbeatLoop(ctx context.Context) {
	defer v.wg.Done()
	v.heartbeat(ctx)

	ticker := time.NewTicker(v.registry.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.heartbeat(ctx)
		}
	}
}

func (v *View) heartbeat(ctx context.Context) {
	v.mu.Lock()
	cursor := v.cursor
	v.mu.Unlock()
	_ = v.registry.Heartbeat(ctx, v.room, v.self, cursor)
}

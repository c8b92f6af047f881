// Package collab wires one event channel into the presence, typing, access
// and relay components and manages the rooms a client has open.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/citruslab/collab/internal/access"
	"github.com/citruslab/collab/internal/events"
	"github.com/citruslab/collab/internal/observability"
	"github.com/citruslab/collab/internal/presence"
	"github.com/citruslab/collab/internal/realtime"
	"github.com/citruslab/collab/internal/relay"
	"github.com/citruslab/collab/internal/typing"
	"github.com/citruslab/collab/pkg/models"
)

var (
	// ErrClosed is returned by operations on a closed App.
	ErrClosed = errors.New("collab: closed")
	// ErrIdentityMismatch is returned by Resume when the event channel is
	// already connected as a different user than the saved profile.
	ErrIdentityMismatch = errors.New("collab: connected as a different user")
)

// Connection is the event channel. *realtime.Manager implements it.
type Connection interface {
	Connect(ctx context.Context, identity models.Identity) error
	Disconnect()
	Identity() models.Identity
	State() models.ConnectionState
	Emit(kind events.Kind, room string, payload any) error
	Subscribe(kind events.Kind, handler realtime.Handler) (unsubscribe func())
	OnStateChange(fn func(models.ConnectionState)) (unsubscribe func())
}

// Backend is the collaboration REST API. *collabapi.Client implements it.
type Backend interface {
	presence.Backend
	access.Backend
}

// Deps holds what New needs.
type Deps struct {
	Connection Connection
	Backend    Backend
	Profiles   access.ProfileStore
	Identity   models.Identity

	Presence presence.Config
	Typing   typing.Config
	Access   access.Config
	Relay    relay.Config

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// App is the client application context.
type App struct {
	Presence *presence.Registry
	Typing   *typing.Coordinator
	Access   *access.Controller
	Relay    *relay.Relay

	conn     Connection
	profiles access.ProfileStore
	logger   *slog.Logger

	mu         sync.Mutex
	identity   models.Identity
	rooms      map[string]*Room
	closed     bool
	unsubState func()
}

// New builds an App around deps.Connection. Nothing connects until Start.
func New(deps Deps) *App {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conn := deps.Connection
	a := &App{
		Presence: presence.NewRegistry(conn, deps.Backend, deps.Presence, logger, deps.Metrics),
		Typing:   typing.NewCoordinator(conn, deps.Typing, logger),
		Access:   access.NewController(deps.Backend, deps.Profiles, conn, deps.Access, logger, deps.Metrics),
		conn:     conn,
		profiles: deps.Profiles,
		logger:   logger.With("component", "collab"),
		identity: deps.Identity,
		rooms:    make(map[string]*Room),
	}
	a.Relay = relay.NewRelay(conn, a.self, deps.Relay, logger)
	a.unsubState = conn.OnStateChange(a.onStateChange)
	return a
}

// Start connects the event channel as the configured identity.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	identity := a.identity
	a.mu.Unlock()

	if err := a.conn.Connect(ctx, identity); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// Resume loads the saved session profile, connects as that user and
// reopens the saved room. An App already connected as someone else returns
// ErrIdentityMismatch and keeps its identity.
func (a *App) Resume(ctx context.Context) (*Room, error) {
	prof, err := a.profiles.Load()
	if err != nil {
		return nil, err
	}
	want := models.Identity{Email: prof.Email, Name: prof.Name}

	a.mu.Lock()
	previous := a.identity
	a.identity = want
	a.mu.Unlock()

	err = a.Start(ctx)
	if errors.Is(err, realtime.ErrAlreadyConnected) {
		if live := a.conn.Identity(); models.NormalizeEmail(live.Email) != models.NormalizeEmail(want.Email) {
			a.mu.Lock()
			a.identity = previous
			a.mu.Unlock()
			return nil, fmt.Errorf("%w: connected as %s, profile is %s", ErrIdentityMismatch, live.Email, want.Email)
		}
		err = nil
	}
	if err != nil {
		return nil, err
	}
	return a.OpenRoom(ctx, prof.RoomID)
}

// Identity returns the identity the App connects as.
func (a *App) Identity() models.Identity {
	return a.self()
}

func (a *App) self() models.Identity {
	if id := a.conn.Identity(); id.Email != "" {
		return id
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.identity
}

// OpenRoom joins room and starts tracking its presence, typing and
// messages. The room's background loops stop when ctx ends or the Room
// is closed. Opening an already open room returns the existing Room.
func (a *App) OpenRoom(ctx context.Context, room string) (*Room, error) {
	if room == "" {
		return nil, errors.New("collab: room id required")
	}
	self := a.self()
	if self.Email == "" {
		return nil, realtime.ErrIdentityRequired
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrClosed
	}
	if r, ok := a.rooms[room]; ok {
		a.mu.Unlock()
		return r, nil
	}
	participant := models.ParticipantFromIdentity(self)
	a.Typing.Track(room)
	a.Relay.Track(room)
	r := &Room{
		app:  a,
		id:   room,
		self: participant,
		view: a.Presence.Open(ctx, room, participant),
	}
	a.rooms[room] = r
	a.mu.Unlock()

	if _, err := a.Access.Load(ctx, room); err != nil {
		a.logger.Debug("collaboration not loaded", "room", room, "error", err)
	}
	a.logger.Info("room opened", "room", room)
	return r, nil
}

// Rooms returns the ids of the open rooms, sorted.
func (a *App) Rooms() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Sorted(maps.Keys(a.rooms))
}

// Close closes every open room and disconnects.
func (a *App) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	rooms := slices.Collect(maps.Values(a.rooms))
	a.mu.Unlock()

	for _, r := range rooms {
		r.Close()
	}
	a.unsubState()
	a.conn.Disconnect()
}

// onStateChange re-joins every open room once the channel is connected,
// so the server learns about rooms opened offline or before a drop.
func (a *App) onStateChange(state models.ConnectionState) {
	if state != models.ConnectionConnected {
		return
	}
	a.mu.Lock()
	rooms := slices.Collect(maps.Values(a.rooms))
	a.mu.Unlock()

	for _, r := range rooms {
		if err := r.view.Rejoin(); err != nil {
			a.logger.Warn("rejoin failed", "room", r.id, "error", err)
		}
	}
}

func (a *App) forget(room string) {
	a.mu.Lock()
	delete(a.rooms, room)
	a.mu.Unlock()
}

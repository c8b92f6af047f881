package testharness

import (
	"context"
	"slices"
	"sync"

	"github.com/citruslab/collab/internal/events"
	"github.com/citruslab/collab/internal/realtime"
	"github.com/citruslab/collab/pkg/models"
)

// Channel is an in-memory event channel. It records emitted frames and lets
// tests deliver inbound frames to subscribers synchronously.
type Channel struct {
	mu           sync.Mutex
	disconnected bool
	running      bool
	emitted      []events.Frame
	identity     models.Identity
	nextID       int
	handlers     map[events.Kind]map[int]realtime.Handler
	stateFns     map[int]func(models.ConnectionState)
}

// NewChannel returns a connected Channel.
func NewChannel() *Channel {
	return &Channel{
		handlers: make(map[events.Kind]map[int]realtime.Handler),
		stateFns: make(map[int]func(models.ConnectionState)),
	}
}

// SetConnected toggles whether Emit accepts frames and notifies state
// handlers of the transition.
func (c *Channel) SetConnected(connected bool) {
	c.mu.Lock()
	c.disconnected = !connected
	ids := make([]int, 0, len(c.stateFns))
	for id := range c.stateFns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(models.ConnectionState), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.stateFns[id])
	}
	c.mu.Unlock()

	state := models.ConnectionDisconnected
	if connected {
		state = models.ConnectionConnected
	}
	for _, fn := range fns {
		fn(state)
	}
}

// Connect records identity and reports connected. Like the Manager, it
// refuses a second Connect until Disconnect.
func (c *Channel) Connect(_ context.Context, identity models.Identity) error {
	if identity.Email == "" {
		return realtime.ErrIdentityRequired
	}
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return realtime.ErrAlreadyConnected
	}
	c.running = true
	c.identity = identity
	c.mu.Unlock()
	c.SetConnected(true)
	return nil
}

// Disconnect reports disconnected.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	c.SetConnected(false)
}

// Identity returns the identity passed to the last Connect.
func (c *Channel) Identity() models.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// State returns connected or disconnected.
func (c *Channel) State() models.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return models.ConnectionDisconnected
	}
	return models.ConnectionConnected
}

// OnStateChange registers fn for SetConnected transitions.
func (c *Channel) OnStateChange(fn func(models.ConnectionState)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.stateFns[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.stateFns, id)
	}
}

// Emit records the frame, or returns realtime.ErrNotConnected.
func (c *Channel) Emit(kind events.Kind, room string, payload any) error {
	frame, err := events.NewFrame(kind, room, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return realtime.ErrNotConnected
	}
	c.emitted = append(c.emitted, frame)
	return nil
}

// Subscribe registers a handler for inbound frames.
func (c *Channel) Subscribe(kind events.Kind, handler realtime.Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if c.handlers[kind] == nil {
		c.handlers[kind] = make(map[int]realtime.Handler)
	}
	c.handlers[kind][id] = handler
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[kind], id)
	}
}

// Deliver hands frame to its subscribers in registration order.
func (c *Channel) Deliver(frame events.Frame) {
	c.mu.Lock()
	ids := make([]int, 0, len(c.handlers[frame.Event]))
	for id := range c.handlers[frame.Event] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	handlers := make([]realtime.Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, c.handlers[frame.Event][id])
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(frame)
	}
}

// Subscribers returns the number of live handlers for kind.
func (c *Channel) Subscribers(kind events.Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers[kind])
}

// Emitted returns the recorded frames of kind, or all frames when kind is empty.
func (c *Channel) Emitted(kind events.Kind) []events.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Frame
	for _, f := range c.emitted {
		if kind == "" || f.Event == kind {
			out = append(out, f)
		}
	}
	return out
}

// Reset clears the recorded frames.
func (c *Channel) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitted = nil
}

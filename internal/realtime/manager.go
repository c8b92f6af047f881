// Package realtime maintains the client's single event channel to the
// collaboration backend.
//
// The Manager dials the channel, announces the local identity, reconnects on
// a fixed policy and fans inbound frames out to subscribers. Emits are
// fire-and-forget: a frame is either queued for the wire or dropped.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/citruslab/collab/internal/backoff"
	"github.com/citruslab/collab/internal/events"
	"github.com/citruslab/collab/internal/observability"
	"github.com/citruslab/collab/pkg/models"
)

var (
	// ErrNotConnected is returned by Emit when the channel is not connected.
	ErrNotConnected = errors.New("realtime: not connected")
	// ErrSendQueueFull is returned by Emit when the outbound queue is full.
	ErrSendQueueFull = errors.New("realtime: send queue full")
	// ErrRateLimited is returned by Emit when the emit limiter rejects a frame.
	ErrRateLimited = errors.New("realtime: emit rate exceeded")
	// ErrIdentityRequired is returned by Connect without an email.
	ErrIdentityRequired = errors.New("realtime: identity email required")
	// ErrAlreadyConnected is returned by Connect while a session is active.
	ErrAlreadyConnected = errors.New("realtime: already connected")

	errSessionDropped = errors.New("session dropped before it was established")
)

// Conn is one established event channel connection.
type Conn interface {
	ReadFrame() (events.Frame, error)
	WriteFrame(events.Frame) error
	Close() error
}

// Dialer opens event channel connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Handler receives inbound frames of a subscribed kind.
type Handler func(events.Frame)

// Config configures the Manager.
type Config struct {
	// URL is the event channel endpoint.
	URL string

	// ReconnectDelay is the fixed wait between dial attempts (default 1s).
	ReconnectDelay time.Duration

	// MaxAttempts bounds consecutive failed attempts before giving up
	// (default 5). A failed dial, a failed identify and a session that drops
	// before it is established each count as one attempt.
	MaxAttempts int

	// StableAfter is how long a silent session must stay open to count as
	// established (default 5s). Receiving any frame establishes it earlier.
	StableAfter time.Duration

	// SendBuffer is the outbound queue size (default 64).
	SendBuffer int

	// EmitRate limits outbound frames per second. Zero disables the limiter.
	EmitRate float64

	// EmitBurst is the limiter burst size (default 1 when EmitRate is set).
	EmitBurst int
}

// Manager owns the event channel for one client process.
type Manager struct {
	config  Config
	dialer  Dialer
	logger  *slog.Logger
	metrics *observability.Metrics
	policy  backoff.Policy
	limiter *rate.Limiter

	mu            sync.Mutex
	state         models.ConnectionState
	stateCh       chan struct{}
	retries       int
	identity      models.Identity
	running       bool
	cancel        context.CancelFunc
	done          chan struct{}
	send          chan events.Frame
	nextID        uint64
	handlers      map[events.Kind]map[uint64]Handler
	stateHandlers map[uint64]func(models.ConnectionState)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// NewManager creates a Manager. No connection is made until Connect.
func NewManager(config Config, dialer Dialer, opts ...Option) *Manager {
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = 64
	}
	if config.StableAfter <= 0 {
		config.StableAfter = 5 * time.Second
	}

	m := &Manager{
		config:        config,
		dialer:        dialer,
		logger:        slog.Default(),
		policy:        backoff.Fixed(config.ReconnectDelay, config.MaxAttempts),
		state:         models.ConnectionDisconnected,
		stateCh:       make(chan struct{}),
		handlers:      make(map[events.Kind]map[uint64]Handler),
		stateHandlers: make(map[uint64]func(models.ConnectionState)),
	}
	if config.EmitRate > 0 {
		burst := config.EmitBurst
		if burst <= 0 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(config.EmitRate), burst)
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "realtime")
	return m
}

// Connect starts the connection supervisor for identity. Transport failures
// are absorbed into the state machine and never returned here.
func (m *Manager) Connect(ctx context.Context, identity models.Identity) error {
	identity.Email = strings.TrimSpace(identity.Email)
	if identity.Email == "" {
		return ErrIdentityRequired
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	sctx, cancel := context.WithCancel(ctx)
	m.running = true
	m.identity = identity
	m.retries = 0
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	m.setState(models.ConnectionConnecting)
	go m.supervise(sctx, cancel, identity, done)
	return nil
}

// Disconnect closes the channel without reconnecting. It returns once the
// supervisor has stopped.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Identity returns the identity passed to the last Connect.
func (m *Manager) Identity() models.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// State returns the current connection state.
func (m *Manager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Retries returns the number of consecutive failed dials.
func (m *Manager) Retries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retries
}

// MaxRetries returns the configured attempt limit.
func (m *Manager) MaxRetries() int {
	return m.config.MaxAttempts
}

// WaitForState blocks until the manager reaches state or ctx ends.
func (m *Manager) WaitForState(ctx context.Context, state models.ConnectionState) error {
	for {
		m.mu.Lock()
		current, changed := m.state, m.stateCh
		m.mu.Unlock()

		if current == state {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Emit queues a frame for the wire. The frame is dropped, and an error
// returned, when the channel is not connected, the limiter rejects it or
// the send queue is full. Callers may ignore the error.
func (m *Manager) Emit(kind events.Kind, room string, payload any) error {
	frame, err := events.NewFrame(kind, room, payload)
	if err != nil {
		return err
	}
	return m.EmitFrame(frame)
}

// EmitFrame is Emit for a prebuilt frame.
func (m *Manager) EmitFrame(frame events.Frame) error {
	event := string(frame.Event)

	m.mu.Lock()
	state, send := m.state, m.send
	m.mu.Unlock()

	if state != models.ConnectionConnected || send == nil {
		m.metrics.FrameDropped(event, "not_connected")
		return ErrNotConnected
	}
	if m.limiter != nil && !m.limiter.Allow() {
		m.metrics.FrameDropped(event, "rate_limited")
		return ErrRateLimited
	}

	select {
	case send <- frame:
		m.metrics.FrameEmitted(event)
		return nil
	default:
		m.metrics.FrameDropped(event, "queue_full")
		m.logger.Warn("send queue full, dropping frame", "event", event)
		return ErrSendQueueFull
	}
}

// Subscribe registers handler for inbound frames of kind. Handlers run on
// the read goroutine, so frames of one kind are observed in delivery order.
func (m *Manager) Subscribe(kind events.Kind, handler Handler) (unsubscribe func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	if m.handlers[kind] == nil {
		m.handlers[kind] = make(map[uint64]Handler)
	}
	m.handlers[kind][id] = handler
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.handlers[kind], id)
			if len(m.handlers[kind]) == 0 {
				delete(m.handlers, kind)
			}
			m.mu.Unlock()
		})
	}
}

// OnStateChange registers fn for connection state transitions.
func (m *Manager) OnStateChange(fn func(models.ConnectionState)) (unsubscribe func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.stateHandlers[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.stateHandlers, id)
			m.mu.Unlock()
		})
	}
}

func (m *Manager) supervise(ctx context.Context, cancel context.CancelFunc, identity models.Identity, done chan struct{}) {
	defer func() {
		cancel()
		m.mu.Lock()
		m.running = false
		m.send = nil
		m.cancel = nil
		handlers := m.transitionLocked(models.ConnectionDisconnected)
		m.mu.Unlock()
		m.notify(models.ConnectionDisconnected, handlers)
		close(done)
	}()

	for {
		// Each Retry run counts consecutive failed attempts. It only
		// succeeds once a session was established and later dropped.
		result, err := backoff.Retry(ctx, m.policy, func(attempt int) (struct{}, error) {
			err := m.session(ctx, identity)
			if err == nil || ctx.Err() != nil {
				return struct{}{}, err
			}
			m.mu.Lock()
			m.retries = attempt
			m.mu.Unlock()
			m.metrics.ReconnectAttempt()
			m.logger.Warn("event channel attempt failed", "attempt", attempt, "max_attempts", m.config.MaxAttempts, "error", err)
			if !m.policy.Exhausted(attempt) {
				m.setState(models.ConnectionReconnecting)
			}
			return struct{}{}, err
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, backoff.ErrAttemptsExhausted) {
				m.logger.Error("event channel unavailable, giving up", "attempts", result.Attempts)
			}
			return
		}

		m.setState(models.ConnectionReconnecting)
		if err := backoff.Sleep(ctx, m.config.ReconnectDelay); err != nil {
			return
		}
	}
}

// session dials, announces identity and serves the connection until it
// drops. It returns nil only when the session was established before it
// ended.
func (m *Manager) session(ctx context.Context, identity models.Identity) error {
	conn, err := m.dialer.Dial(ctx, m.config.URL)
	if err != nil {
		return err
	}
	identify := events.UserFrame(events.KindIdentify, "", models.ParticipantFromIdentity(identity))
	if err := conn.WriteFrame(identify); err != nil {
		_ = conn.Close()
		return fmt.Errorf("identify: %w", err)
	}
	if !m.serve(ctx, conn, identity) {
		return errSessionDropped
	}
	return nil
}

// serve runs one identified connection until it drops or ctx ends. The
// session counts as established once a frame arrives or it stays open for
// StableAfter; only then is the retry counter reset.
func (m *Manager) serve(ctx context.Context, conn Conn, identity models.Identity) (established bool) {
	send := make(chan events.Frame, m.config.SendBuffer)
	sessionDone := make(chan struct{})
	var writers sync.WaitGroup
	writers.Add(1)
	go func() {
		defer writers.Done()
		m.writeLoop(conn, send, sessionDone)
	}()

	m.mu.Lock()
	m.send = send
	m.mu.Unlock()
	m.logger.Info("event channel connected", "email", identity.Email)
	m.setState(models.ConnectionConnected)

	var stable atomic.Bool
	establish := func() {
		if stable.CompareAndSwap(false, true) {
			m.mu.Lock()
			m.retries = 0
			m.mu.Unlock()
		}
	}
	timer := time.AfterFunc(m.config.StableAfter, establish)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	m.readLoop(conn, establish)
	stop()
	timer.Stop()

	m.mu.Lock()
	m.send = nil
	m.mu.Unlock()
	close(sessionDone)
	_ = conn.Close()
	writers.Wait()
	if ctx.Err() == nil {
		m.logger.Warn("event channel dropped", "established", stable.Load())
	}
	return stable.Load()
}

func (m *Manager) readLoop(conn Conn, received func()) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return
		}
		received()
		m.metrics.FrameReceived(string(frame.Event))
		m.dispatch(frame)
	}
}

func (m *Manager) writeLoop(conn Conn, send <-chan events.Frame, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case frame := <-send:
			if err := conn.WriteFrame(frame); err != nil {
				m.logger.Debug("write failed", "event", frame.Event, "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}

func (m *Manager) dispatch(frame events.Frame) {
	m.mu.Lock()
	registered := m.handlers[frame.Event]
	ids := make([]uint64, 0, len(registered))
	for id := range registered {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, registered[id])
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(frame)
	}
}

// setState transitions to state and notifies state subscribers outside the
// lock. State handlers must not call Disconnect.
func (m *Manager) setState(state models.ConnectionState) {
	m.mu.Lock()
	handlers := m.transitionLocked(state)
	m.mu.Unlock()
	m.notify(state, handlers)
}

// transitionLocked records the new state and returns the handlers to notify,
// or nil when the state did not change. m.mu must be held.
func (m *Manager) transitionLocked(state models.ConnectionState) []func(models.ConnectionState) {
	if m.state == state {
		return nil
	}
	m.state = state
	close(m.stateCh)
	m.stateCh = make(chan struct{})

	ids := make([]uint64, 0, len(m.stateHandlers))
	for id := range m.stateHandlers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	handlers := make([]func(models.ConnectionState), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, m.stateHandlers[id])
	}
	return handlers
}

func (m *Manager) notify(state models.ConnectionState, handlers []func(models.ConnectionState)) {
	if handlers == nil {
		return
	}
	m.metrics.SetConnectionState(state)
	m.logger.Debug("connection state changed", "state", state)
	for _, h := range handlers {
		h(state)
	}
}

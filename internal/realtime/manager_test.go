package realtime

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/citruslab/collab/internal/events"
	"github.com/citruslab/collab/pkg/models"
)

var ann = models.Identity{Email: "ann@example.com", Name: "Ann"}

func testConfig() Config {
	return Config{URL: "ws://collab.test/ws", ReconnectDelay: 5 * time.Millisecond, MaxAttempts: 5}
}

func waitState(t *testing.T, m *Manager, state models.ConnectionState) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.WaitForState(ctx, state); err != nil {
		t.Fatalf("WaitForState(%s) error = %v (state %s)", state, err, m.State())
	}
}

func nextFrame(t *testing.T, c *pipeConn) events.Frame {
	t.Helper()
	select {
	case f := <-c.outbound:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return events.Frame{}
	}
}

// establish delivers one inbound frame on conn so the session counts as
// established, and waits until it has been dispatched.
func establish(t *testing.T, m *Manager, conn *pipeConn) {
	t.Helper()
	got := make(chan struct{}, 1)
	unsub := m.Subscribe(events.KindActiveUsers, func(events.Frame) {
		select {
		case got <- struct{}{}:
		default:
		}
	})
	defer unsub()
	conn.inbound <- events.Frame{Event: events.KindActiveUsers, Room: "lobby"}
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound frame")
	}
}

func TestNewManagerDefaults(t *testing.T) {
	m := NewManager(Config{}, &scriptedDialer{})
	if m.config.ReconnectDelay != time.Second {
		t.Errorf("ReconnectDelay = %v, want 1s", m.config.ReconnectDelay)
	}
	if m.MaxRetries() != 5 {
		t.Errorf("MaxRetries() = %d, want 5", m.MaxRetries())
	}
	if m.config.StableAfter != 5*time.Second {
		t.Errorf("StableAfter = %v, want 5s", m.config.StableAfter)
	}
	if m.State() != models.ConnectionDisconnected {
		t.Errorf("State() = %s, want disconnected", m.State())
	}
}

func TestConnectRequiresEmail(t *testing.T) {
	m := NewManager(testConfig(), &scriptedDialer{})
	if err := m.Connect(context.Background(), models.Identity{Name: "nobody"}); !errors.Is(err, ErrIdentityRequired) {
		t.Fatalf("Connect() error = %v, want ErrIdentityRequired", err)
	}
}

func TestConnectSendsIdentifyFirst(t *testing.T) {
	conn := newPipeConn()
	dialer := &scriptedDialer{conns: []*pipeConn{conn}}
	m := NewManager(testConfig(), dialer)

	if err := m.Connect(context.Background(), ann); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer m.Disconnect()
	waitState(t, m, models.ConnectionConnected)

	if err := m.Emit(events.KindJoinChat, "r1", events.Payload{User: &models.Participant{Email: ann.Email}}); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	first := nextFrame(t, conn)
	if first.Event != events.KindIdentify {
		t.Fatalf("first frame = %s, want identify", first.Event)
	}
	p, err := first.Payload()
	if err != nil {
		t.Fatalf("Payload() error = %v", err)
	}
	if p.User == nil || p.User.Email != ann.Email || p.User.Name != ann.Name {
		t.Errorf("identify user = %+v", p.User)
	}
	if second := nextFrame(t, conn); second.Event != events.KindJoinChat || second.Room != "r1" {
		t.Errorf("second frame = %+v", second)
	}
	if dialer.urls[0] != "ws://collab.test/ws" {
		t.Errorf("dialed %q", dialer.urls[0])
	}
}

func TestConnectTwice(t *testing.T) {
	m := NewManager(testConfig(), &scriptedDialer{conns: []*pipeConn{newPipeConn()}})
	if err := m.Connect(context.Background(), ann); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer m.Disconnect()
	if err := m.Connect(context.Background(), ann); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second Connect() error = %v, want ErrAlreadyConnected", err)
	}
}

func TestEmitWhileDisconnectedIsDropped(t *testing.T) {
	m := NewManager(testConfig(), &scriptedDialer{})
	if err := m.Emit(events.KindTyping, "r1", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Emit() error = %v, want ErrNotConnected", err)
	}
}

func TestInitialDialGivesUpAfterMaxAttempts(t *testing.T) {
	dialer := &scriptedDialer{}
	m := NewManager(testConfig(), dialer)

	var mu sync.Mutex
	var states []models.ConnectionState
	m.OnStateChange(func(s models.ConnectionState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	if err := m.Connect(context.Background(), ann); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitState(t, m, models.ConnectionDisconnected)
	m.Disconnect()

	if got := dialer.dials.Load(); got != 5 {
		t.Errorf("dials = %d, want 5", got)
	}
	if got := m.Retries(); got != 5 {
		t.Errorf("Retries() = %d, want 5", got)
	}

	// No attempts after the terminal state.
	time.Sleep(30 * time.Millisecond)
	if got := dialer.dials.Load(); got != 5 {
		t.Errorf("dials after terminal = %d, want 5", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) < 3 || states[0] != models.ConnectionConnecting || states[1] != models.ConnectionReconnecting || states[len(states)-1] != models.ConnectionDisconnected {
		t.Errorf("states = %v", states)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	first, second := newPipeConn(), newPipeConn()
	dialer := &scriptedDialer{conns: []*pipeConn{first, nil, nil, second}}
	m := NewManager(testConfig(), dialer)

	transitions := make(chan models.ConnectionState, 16)
	m.OnStateChange(func(s models.ConnectionState) { transitions <- s })

	if err := m.Connect(context.Background(), ann); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer m.Disconnect()
	waitState(t, m, models.ConnectionConnected)
	nextFrame(t, first)
	establish(t, m, first)

	_ = first.Close()
	if f := nextFrame(t, second); f.Event != events.KindIdentify {
		t.Errorf("first frame after reconnect = %s, want identify", f.Event)
	}
	waitState(t, m, models.ConnectionConnected)
	establish(t, m, second)

	if got := m.Retries(); got != 0 {
		t.Errorf("Retries() after success = %d, want 0", got)
	}
	if got := dialer.dials.Load(); got != 4 {
		t.Errorf("dials = %d, want 4", got)
	}

	want := []models.ConnectionState{
		models.ConnectionConnecting,
		models.ConnectionConnected,
		models.ConnectionReconnecting,
		models.ConnectionConnected,
	}
	for i, w := range want {
		select {
		case got := <-transitions:
			if got != w {
				t.Fatalf("transition %d = %s, want %s", i, got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for transition %d", i)
		}
	}
}

func TestDropThenExhaustion(t *testing.T) {
	conn := newPipeConn()
	dialer := &scriptedDialer{conns: []*pipeConn{conn}}
	m := NewManager(testConfig(), dialer)

	if err := m.Connect(context.Background(), ann); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitState(t, m, models.ConnectionConnected)
	establish(t, m, conn)
	_ = conn.Close()

	waitState(t, m, models.ConnectionDisconnected)
	m.Disconnect()

	if got := dialer.dials.Load(); got != 6 {
		t.Errorf("dials = %d, want 1 + 5 reconnect attempts", got)
	}
}

// closedDialer succeeds at every dial but hands out connections that are
// already closed, so identify never reaches the server.
type closedDialer struct {
	dials atomic.Int32
}

func (d *closedDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.dials.Add(1)
	conn := newPipeConn()
	_ = conn.Close()
	return conn, nil
}

// hangupConn accepts identify and then reports the peer gone.
type hangupConn struct{}

func (hangupConn) ReadFrame() (events.Frame, error) { return events.Frame{}, io.EOF }
func (hangupConn) WriteFrame(events.Frame) error    { return nil }
func (hangupConn) Close() error                     { return nil }

type hangupDialer struct {
	dials atomic.Int32
}

func (d *hangupDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.dials.Add(1)
	return hangupConn{}, nil
}

func TestFailedIdentifyCountsAsAttempt(t *testing.T) {
	dialer := &closedDialer{}
	m := NewManager(testConfig(), dialer)

	if err := m.Connect(context.Background(), ann); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitState(t, m, models.ConnectionDisconnected)
	m.Disconnect()

	if got := dialer.dials.Load(); got != 5 {
		t.Errorf("dials = %d, want 5", got)
	}
	if got := m.Retries(); got != 5 {
		t.Errorf("Retries() = %d, want 5", got)
	}
}

func TestImmediateHangupCountsAsAttempt(t *testing.T) {
	dialer := &hangupDialer{}
	m := NewManager(testConfig(), dialer)

	if err := m.Connect(context.Background(), ann); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitState(t, m, models.ConnectionDisconnected)
	m.Disconnect()

	if got := dialer.dials.Load(); got != 5 {
		t.Errorf("dials = %d, want 5", got)
	}
	time.Sleep(30 * time.Millisecond)
	if got := dialer.dials.Load(); got != 5 {
		t.Errorf("dials after terminal = %d, want 5", got)
	}
}

func TestSilentSessionEstablishesAfterStableWindow(t *testing.T) {
	first, second := newPipeConn(), newPipeConn()
	dialer := &scriptedDialer{conns: []*pipeConn{nil, nil, first, second}}
	cfg := testConfig()
	cfg.StableAfter = 20 * time.Millisecond
	m := NewManager(cfg, dialer)

	if err := m.Connect(context.Background(), ann); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer m.Disconnect()
	waitState(t, m, models.ConnectionConnected)

	deadline := time.Now().Add(2 * time.Second)
	for m.Retries() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Retries() = %d, want reset after stable window", m.Retries())
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = first.Close()
	if f := nextFrame(t, second); f.Event != events.KindIdentify {
		t.Errorf("first frame after reconnect = %s, want identify", f.Event)
	}
	waitState(t, m, models.ConnectionConnected)
}

func TestDisconnectIsTerminal(t *testing.T) {
	conn := newPipeConn()
	dialer := &scriptedDialer{conns: []*pipeConn{conn, newPipeConn()}}
	m := NewManager(testConfig(), dialer)

	if err := m.Connect(context.Background(), ann); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitState(t, m, models.ConnectionConnected)

	m.Disconnect()
	if m.State() != models.ConnectionDisconnected {
		t.Fatalf("State() = %s, want disconnected", m.State())
	}
	time.Sleep(30 * time.Millisecond)
	if got := dialer.dials.Load(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
	if err := m.Emit(events.KindTyping, "r1", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Emit() after Disconnect error = %v", err)
	}

	// A fresh Connect starts a new session.
	if err := m.Connect(context.Background(), ann); err != nil {
		t.Fatalf("reconnect Connect() error = %v", err)
	}
	defer m.Disconnect()
	waitState(t, m, models.ConnectionConnected)
}

func TestSubscribeDeliversInOrder(t *testing.T) {
	conn := newPipeConn()
	m := NewManager(testConfig(), &scriptedDialer{conns: []*pipeConn{conn}})

	received := make(chan string, 10)
	m.Subscribe(events.KindUserJoined, func(f events.Frame) { received <- "a:" + f.Room })
	unsub := m.Subscribe(events.KindUserJoined, func(f events.Frame) { received <- "b:" + f.Room })
	m.Subscribe(events.KindUserLeft, func(f events.Frame) { received <- "left:" + f.Room })

	if err := m.Connect(context.Background(), ann); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer m.Disconnect()
	waitState(t, m, models.ConnectionConnected)

	conn.inbound <- events.Frame{Event: events.KindUserJoined, Room: "1"}
	conn.inbound <- events.Frame{Event: events.KindUserLeft, Room: "2"}

	want := []string{"a:1", "b:1", "left:2"}
	for _, w := range want {
		select {
		case got := <-received:
			if got != w {
				t.Fatalf("received %q, want %q", got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", w)
		}
	}

	unsub()
	unsub()
	conn.inbound <- events.Frame{Event: events.KindUserJoined, Room: "3"}
	select {
	case got := <-received:
		if got != "a:3" {
			t.Fatalf("received %q, want a:3", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	select {
	case got := <-received:
		t.Fatalf("unsubscribed handler received %q", got)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestEmitQueueFullDrops(t *testing.T) {
	conn := newPipeConn()
	conn.gate = make(chan struct{})
	cfg := testConfig()
	cfg.SendBuffer = 1
	m := NewManager(cfg, &scriptedDialer{conns: []*pipeConn{conn}})

	if err := m.Connect(context.Background(), ann); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer m.Disconnect()
	waitState(t, m, models.ConnectionConnected)

	var full bool
	for i := 0; i < 5; i++ {
		if err := m.Emit(events.KindTyping, "r1", nil); errors.Is(err, ErrSendQueueFull) {
			full = true
			break
		}
	}
	if !full {
		t.Fatal("expected ErrSendQueueFull with a blocked writer")
	}
	close(conn.gate)
}

func TestEmitRateLimited(t *testing.T) {
	conn := newPipeConn()
	cfg := testConfig()
	cfg.EmitRate = 0.001
	cfg.EmitBurst = 1
	m := NewManager(cfg, &scriptedDialer{conns: []*pipeConn{conn}})

	if err := m.Connect(context.Background(), ann); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer m.Disconnect()
	waitState(t, m, models.ConnectionConnected)

	if err := m.Emit(events.KindTyping, "r1", nil); err != nil {
		t.Fatalf("first Emit() error = %v", err)
	}
	if err := m.Emit(events.KindTyping, "r1", nil); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second Emit() error = %v, want ErrRateLimited", err)
	}
}

func TestWaitForStateContext(t *testing.T) {
	m := NewManager(testConfig(), &scriptedDialer{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := m.WaitForState(ctx, models.ConnectionConnected); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitForState() error = %v, want DeadlineExceeded", err)
	}
}

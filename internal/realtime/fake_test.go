package realtime

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/citruslab/collab/internal/events"
)

var errDialRefused = errors.New("connection refused")

// pipeConn is the client half of an in-memory connection. The test holds
// the same value and plays the server through Inbound and Outbound.
type pipeConn struct {
	inbound  chan events.Frame
	outbound chan events.Frame
	gate     chan struct{}
	closed   chan struct{}
	once     sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		inbound:  make(chan events.Frame, 16),
		outbound: make(chan events.Frame, 64),
		closed:   make(chan struct{}),
	}
}

func (c *pipeConn) ReadFrame() (events.Frame, error) {
	select {
	case f := <-c.inbound:
		return f, nil
	case <-c.closed:
		return events.Frame{}, io.EOF
	}
}

func (c *pipeConn) WriteFrame(f events.Frame) error {
	if c.gate != nil && f.Event != events.KindIdentify {
		select {
		case <-c.gate:
		case <-c.closed:
			return io.ErrClosedPipe
		}
	}
	select {
	case c.outbound <- f:
		return nil
	case <-c.closed:
		return io.ErrClosedPipe
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// scriptedDialer hands out connections from conns; a nil entry, or running
// out of entries, fails the dial.
type scriptedDialer struct {
	mu    sync.Mutex
	conns []*pipeConn
	dials atomic.Int32
	urls  []string
}

func (d *scriptedDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if len(d.conns) == 0 {
		return nil, errDialRefused
	}
	next := d.conns[0]
	d.conns = d.conns[1:]
	if next == nil {
		return nil, errDialRefused
	}
	return next, nil
}

package realtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/citruslab/collab/internal/events"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

// WebSocketDialer dials the event channel over gorilla/websocket.
type WebSocketDialer struct {
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// Header is sent with the upgrade request.
	Header http.Header
	// PingInterval defaults to 15s. PongWait must exceed it.
	PingInterval time.Duration
	PongWait     time.Duration
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	pingInterval := d.PingInterval
	if pingInterval <= 0 {
		pingInterval = wsPingInterval
	}
	pongWait := d.PongWait
	if pongWait <= pingInterval {
		pongWait = 3 * pingInterval
	}
	return newWSConn(conn, pingInterval, pongWait), nil
}

type wsConn struct {
	conn     *websocket.Conn
	pongWait time.Duration
	done     chan struct{}
	once     sync.Once
}

func newWSConn(conn *websocket.Conn, pingInterval, pongWait time.Duration) *wsConn {
	c := &wsConn{conn: conn, pongWait: pongWait, done: make(chan struct{})}
	conn.SetReadLimit(wsMaxPayloadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.pingLoop(pingInterval)
	return c
}

func (c *wsConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

func (c *wsConn) ReadFrame() (events.Frame, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return events.Frame{}, err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait)) //nolint:errcheck
		frame, err := events.Decode(data)
		if err != nil {
			// Malformed frames are skipped; the connection stays up.
			continue
		}
		return frame, nil
	}
}

func (c *wsConn) WriteFrame(frame events.Frame) error {
	data, err := frame.Encode()
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

// ABOUTME: One WebSocket connection with a send queue and read/write pumps.
// ABOUTME: Implements the coordinator's Peer; Send never blocks and Close flushes first.

package transport

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// maxCloseReason is the longest reason a close frame can carry.
const maxCloseReason = 123

// Conn adapts a WebSocket connection to the coordinator.
type Conn struct {
	id     string
	remote string
	ws     *websocket.Conn
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	queue   [][]byte
	limit   int // 0 means unbounded
	closing bool
	reason  string
	wake    chan struct{}
}

func newConn(id, remote string, ws *websocket.Conn, opts Options, logger *slog.Logger) *Conn {
	return &Conn{
		id:     id,
		remote: remote,
		ws:     ws,
		opts:   opts,
		logger: logger.With("conn_id", id),
		limit:  opts.SendQueueSize,
		wake:   make(chan struct{}, 1),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the peer address as reported by the HTTP request.
func (c *Conn) RemoteAddr() string { return c.remote }

// Send enqueues a frame. It returns false when the queue is full or the
// connection is closing.
func (c *Conn) Send(frame []byte) bool {
	c.mu.Lock()
	if c.closing || (c.limit > 0 && len(c.queue) >= c.limit) {
		c.mu.Unlock()
		return false
	}
	c.queue = append(c.queue, frame)
	c.mu.Unlock()

	c.signal()
	return true
}

// LiftQueueLimit makes the send queue unbounded. Writes still fail after
// WriteWait, which closes a peer that stops reading.
func (c *Conn) LiftQueueLimit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limit = 0
}

// Close stops accepting frames. The write pump sends what is already queued,
// then a close frame carrying reason, then closes the socket.
func (c *Conn) Close(reason string) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.reason = reason
	c.mu.Unlock()

	c.signal()
}

func (c *Conn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// takeQueued hands the queued frames to the write pump.
func (c *Conn) takeQueued() (frames [][]byte, closing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	frames, c.queue = c.queue, nil
	return frames, c.closing
}

// readPump delivers frames to the hub until the socket fails, then reports the disconnect.
func (c *Conn) readPump(hub Hub) {
	reason := "connection closed"
	defer func() {
		c.Close(reason)
		hub.Disconnect(c.id, reason)
	}()

	c.ws.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			reason = closeReason(err)
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		hub.Receive(c.id, data)
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.wake:
			frames, closing := c.takeQueued()
			for _, frame := range frames {
				_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
				if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
					c.logger.Debug("websocket write error", "error", err)
					c.Close("write failed")
					return
				}
			}
			if closing {
				c.writeClose()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close("ping failed")
				return
			}
		}
	}
}

func (c *Conn) writeClose() {
	c.mu.Lock()
	reason := c.reason
	c.mu.Unlock()

	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteWait))
}

func closeReason(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Text != "" {
			return ce.Text
		}
		return "closed by peer"
	}
	return "connection lost"
}

package hub

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/w0ne23/MultiFlexer/internal/metrics"
	"github.com/w0ne23/MultiFlexer/internal/ratelimit"
	"github.com/w0ne23/MultiFlexer/internal/wire"
)

const (
	writeWait = 10 * time.Second

	// sendQueueSize bounds per-client outbound buffering; a client that cannot
	// drain its queue loses messages rather than stalling the hub loop.
	sendQueueSize = 32
)

// Client wraps one websocket connection. The hub goroutine owns role and name
// after registration; the pumps only touch the connection and the channels.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	log  *slog.Logger

	id         string
	remoteAddr string

	// Mutated only on the hub goroutine.
	role   string
	name   string
	closed bool

	limiter *ratelimit.TokenBucket
	send    chan wire.Message

	readLimit    int64
	idleTimeout  time.Duration
	pingInterval time.Duration
}

// trySend queues an outbound message without blocking the hub loop. Must only
// be called from the hub goroutine.
func (c *Client) trySend(msg wire.Message) {
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		c.log.Warn("send queue full, dropping message", "conn_id", c.id, "type", msg.Type)
	}
}

// readPump reads frames off the websocket and hands parsed messages to the
// hub. There is at most one reader per connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(c.readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read error", "conn_id", c.id, "err", err)
			}
			return
		}
		if !c.limiter.Allow(1) {
			c.hub.metrics.Inc(metrics.DropReasonRateLimited)
			c.log.Warn("signaling rate limit exceeded, dropping message", "conn_id", c.id)
			continue
		}
		msg, err := wire.ParseMessage(data)
		if err != nil {
			c.log.Warn("unparseable message", "conn_id", c.id, "err", err)
			continue
		}
		c.hub.inbound <- inbound{client: c, msg: msg}
	}
}

// writePump serializes all writes to the connection, including keepalive
// pings. Exits when the hub closes the send channel.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Debug("websocket write error", "conn_id", c.id, "err", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Package sigclient is the receiver-side websocket connection to the
// signaling hub. It owns the socket, runs the read/write pumps, and fans
// hub events out to registered callbacks.
package sigclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/w0ne23/MultiFlexer/internal/wire"
)

// Join rejections the hub reports, surfaced for errors.Is checks.
var (
	ErrNoReceiver = errors.New("no receiver in room")
	ErrNameTaken  = errors.New("sender name already taken")
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long we tolerate silence from the hub.
	pongWait = 60 * time.Second
	// pingInterval must be under pongWait.
	pingInterval = 20 * time.Second

	sendQueueSize = 32
	joinWait      = 10 * time.Second
)

// Events are hub notifications. Callbacks run on the client's read goroutine;
// handlers must hand work off rather than block.
type Events struct {
	OnSenderList         func(list []wire.SenderInfo)
	OnSenderShareStarted func(id, name string)
	OnSenderShareStopped func(id string)
	OnSenderDisconnected func(id string)
	OnRoomDeleted        func()
	OnSignal             func(sig wire.Signal)
	OnFrameTS            func(frame wire.FrameTS)
	OnServerError        func(e wire.Error)
	// OnClosed fires once when the connection dies, with the read error.
	OnClosed func(err error)
}

// Client is a single websocket connection to the hub. It satisfies the
// session signaling interface via SendOffer and SendCandidate.
type Client struct {
	log    *slog.Logger
	url    string
	events Events

	conn *websocket.Conn
	send chan wire.Message

	joinResults chan wire.JoinResult

	closeOnce sync.Once
	closed    chan struct{}
}

func New(logger *slog.Logger, url string, events Events) *Client {
	return &Client{
		log:         logger,
		url:         url,
		events:      events,
		send:        make(chan wire.Message, sendQueueSize),
		joinResults: make(chan wire.JoinResult, 1),
		closed:      make(chan struct{}),
	}
}

// Connect dials the hub and starts the pumps.
func (c *Client) Connect(ctx context.Context) error {
	c.log.Info("dialing signaling hub", "url", c.url)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial signaling hub: %w", err)
	}
	c.conn = conn

	go c.writePump()
	go c.readPump()
	return nil
}

// JoinRoom announces this endpoint as the room receiver and waits for the
// hub's verdict. Returns the granted name.
func (c *Client) JoinRoom(ctx context.Context, role, name string) (string, error) {
	msg, err := wire.NewMessage(wire.TypeJoinRoom, wire.JoinRoom{Role: role, Name: name})
	if err != nil {
		return "", err
	}
	if err := c.enqueue(msg); err != nil {
		return "", err
	}

	timer := time.NewTimer(joinWait)
	defer timer.Stop()
	select {
	case res := <-c.joinResults:
		if !res.Success {
			switch res.Message {
			case wire.ReasonNoReceiver:
				return "", ErrNoReceiver
			case wire.ReasonNameTaken:
				return "", ErrNameTaken
			default:
				return "", fmt.Errorf("join rejected: %s", res.Message)
			}
		}
		granted := res.Name
		if granted == "" {
			granted = name
		}
		c.log.Info("joined room", "role", role, "name", granted)
		return granted, nil
	case <-timer.C:
		return "", fmt.Errorf("join: no result within %s", joinWait)
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.closed:
		return "", fmt.Errorf("join: connection closed")
	}
}

// SendOffer relays a local offer to one sender through the hub.
func (c *Client) SendOffer(senderID string, offer wire.SDP) error {
	return c.sendSignal(senderID, wire.SignalOffer, offer)
}

// SendCandidate relays a local ICE candidate to one sender through the hub.
func (c *Client) SendCandidate(senderID string, cand wire.Candidate) error {
	return c.sendSignal(senderID, wire.SignalCandidate, cand)
}

// SendShareRequest asks one sender to start sharing.
func (c *Client) SendShareRequest(senderID string) error {
	msg, err := wire.NewMessage(wire.TypeShareRequest, wire.ShareRequest{To: senderID})
	if err != nil {
		return err
	}
	return c.enqueue(msg)
}

func (c *Client) sendSignal(senderID, sigType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", sigType, err)
	}
	msg, err := wire.NewMessage(wire.TypeSignal, wire.Signal{
		To:      senderID,
		Type:    sigType,
		Payload: raw,
	})
	if err != nil {
		return err
	}
	return c.enqueue(msg)
}

func (c *Client) enqueue(msg wire.Message) error {
	select {
	case <-c.closed:
		return fmt.Errorf("signaling connection closed")
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return fmt.Errorf("signaling send queue full, dropping %s", msg.Type)
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.conn != nil {
			deadline := time.Now().Add(writeWait)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = c.conn.Close()
		}
	})
}

func (c *Client) readPump() {
	defer func() {
		c.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.events.OnClosed != nil {
				c.events.OnClosed(err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := wire.ParseMessage(data)
		if err != nil {
			c.log.Warn("unparseable hub message, dropping", "err", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg wire.Message) {
	switch msg.Type {
	case wire.TypeJoinResult:
		var res wire.JoinResult
		if err := wire.DecodeRaw(msg.Data, &res); err != nil {
			c.log.Warn("bad join-result payload", "err", err)
			return
		}
		select {
		case c.joinResults <- res:
		default:
		}

	case wire.TypeSenderList:
		var list []wire.SenderInfo
		if err := wire.DecodeRaw(msg.Data, &list); err != nil {
			c.log.Warn("bad sender-list payload", "err", err)
			return
		}
		if c.events.OnSenderList != nil {
			c.events.OnSenderList(list)
		}

	case wire.TypeSenderShareStarted:
		var p wire.SenderShareStarted
		if err := wire.DecodeRaw(msg.Data, &p); err != nil {
			c.log.Warn("bad sender-share-started payload", "err", err)
			return
		}
		if c.events.OnSenderShareStarted != nil {
			c.events.OnSenderShareStarted(p.ID, p.Name)
		}

	case wire.TypeSenderShareStopped:
		var p wire.SenderShareStopped
		if err := wire.DecodeRaw(msg.Data, &p); err != nil {
			c.log.Warn("bad sender-share-stopped payload", "err", err)
			return
		}
		if c.events.OnSenderShareStopped != nil {
			c.events.OnSenderShareStopped(p.ID)
		}

	case wire.TypeSenderDisconnected:
		var p wire.SenderDisconnected
		if err := wire.DecodeRaw(msg.Data, &p); err != nil {
			c.log.Warn("bad sender-disconnected payload", "err", err)
			return
		}
		if c.events.OnSenderDisconnected != nil {
			c.events.OnSenderDisconnected(p.ID)
		}

	case wire.TypeRoomDeleted:
		if c.events.OnRoomDeleted != nil {
			c.events.OnRoomDeleted()
		}

	case wire.TypeSignal:
		var sig wire.Signal
		if err := wire.DecodeRaw(msg.Data, &sig); err != nil {
			c.log.Warn("bad signal payload", "err", err)
			return
		}
		if c.events.OnSignal != nil {
			c.events.OnSignal(sig)
		}

	case wire.TypeFrameTS:
		var frame wire.FrameTS
		if err := wire.DecodeRaw(msg.Data, &frame); err != nil {
			c.log.Warn("bad frame-ts payload", "err", err)
			return
		}
		if c.events.OnFrameTS != nil {
			c.events.OnFrameTS(frame)
		}

	case wire.TypeError:
		var e wire.Error
		if err := wire.DecodeRaw(msg.Data, &e); err != nil {
			c.log.Warn("bad error payload", "err", err)
			return
		}
		c.log.Warn("hub reported error", "code", e.Code, "message", e.Message)
		if c.events.OnServerError != nil {
			c.events.OnServerError(e)
		}

	default:
		c.log.Debug("ignoring hub message", "type", msg.Type)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Warn("signaling write failed", "err", err)
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Package hub implements the signaling hub: authoritative room membership for
// one receiver and N senders, plus best-effort relay of signaling payloads
// between them.
//
// All room state is confined to the single goroutine running Hub.Run; client
// connections hand events in over channels and receive outbound messages on
// their own buffered send channels.
package hub

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/w0ne23/MultiFlexer/internal/metrics"
	"github.com/w0ne23/MultiFlexer/internal/wire"
)

type inbound struct {
	client *Client
	msg    wire.Message
}

type leaveRequest struct {
	idOrName string
}

// Hub owns the room registry. Mutations happen only on the Run goroutine.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	leave      chan leaveRequest

	room *room
}

// room holds the singleton membership: at most one receiver, senders keyed by
// connection id with insertion order preserved for sender-list broadcasts.
type room struct {
	receiver *Client
	senders  map[string]*Client
	order    []string
}

func newRoom() *room {
	return &room{senders: make(map[string]*Client)}
}

func (r *room) addSender(c *Client) {
	r.senders[c.id] = c
	r.order = append(r.order, c.id)
}

func (r *room) removeSender(id string) (*Client, bool) {
	c, ok := r.senders[id]
	if !ok {
		return nil, false
	}
	delete(r.senders, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return c, true
}

func (r *room) senderByName(name string) (*Client, bool) {
	for _, id := range r.order {
		if c := r.senders[id]; c != nil && c.name == name {
			return c, true
		}
	}
	return nil, false
}

func (r *room) nameTaken(name string) bool {
	_, taken := r.senderByName(name)
	return taken
}

func (r *room) senderList() []wire.SenderInfo {
	list := make([]wire.SenderInfo, 0, len(r.order))
	for _, id := range r.order {
		if c := r.senders[id]; c != nil {
			list = append(list, wire.SenderInfo{ID: c.id, Name: c.name})
		}
	}
	return list
}

func New(logger *slog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		log:        logger,
		metrics:    m,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound, 64),
		leave:      make(chan leaveRequest, 16),
		room:       newRoom(),
	}
}

// Run processes registry events until ctx is cancelled. It is the only
// goroutine that touches h.room.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.log.Debug("client connected", "conn_id", c.id, "remote_addr", c.remoteAddr)
		case c := <-h.unregister:
			h.handleDisconnect(c)
		case in := <-h.inbound:
			h.dispatch(in.client, in.msg)
		case req := <-h.leave:
			h.handleExplicitLeave(req.idOrName)
		}
	}
}

// Leave requests best-effort removal of a sender by connection id or display
// name. Safe to call from any goroutine; idempotent if the sender is gone.
func (h *Hub) Leave(idOrName string) {
	idOrName = strings.TrimSpace(idOrName)
	if idOrName == "" {
		return
	}
	select {
	case h.leave <- leaveRequest{idOrName: idOrName}:
	default:
		h.log.Warn("leave queue full, dropping", "id_or_name", idOrName)
	}
}

func (h *Hub) dispatch(c *Client, msg wire.Message) {
	switch msg.Type {
	case wire.TypeJoinRoom:
		h.handleJoinRoom(c, msg)
	case wire.TypeShareRequest:
		h.handleShareRequest(c, msg)
	case wire.TypeShareStarted:
		h.handleShareStarted(c, msg)
	case wire.TypeSenderShareStopped:
		h.handleShareStopped(c)
	case wire.TypeSignal:
		h.handleSignal(c, msg)
	case wire.TypeFrameTS:
		h.handleFrameTS(c, msg)
	case wire.TypeDelRoom:
		h.handleDelRoom(c, msg)
	default:
		h.log.Warn("unknown message type", "type", msg.Type, "conn_id", c.id)
		c.trySend(wire.MustMessage(wire.TypeError, wire.Error{
			Code:    "unknown-type",
			Message: "unknown message type",
		}))
	}
}

func (h *Hub) handleJoinRoom(c *Client, msg wire.Message) {
	var req wire.JoinRoom
	if err := msg.DecodeData(&req); err != nil {
		h.log.Warn("bad join-room payload", "conn_id", c.id, "err", err)
		c.trySend(wire.MustMessage(wire.TypeError, wire.Error{Code: "bad-payload", Message: err.Error()}))
		return
	}

	switch req.Role {
	case wire.RoleReceiver:
		// Last writer wins: a second receiver silently replaces the first.
		if prev := h.room.receiver; prev != nil && prev != c {
			h.log.Info("receiver replaced", "prev_conn_id", prev.id, "conn_id", c.id)
		}
		h.room.receiver = c
		c.role = wire.RoleReceiver
		c.name = req.Name
		h.metrics.Inc(metrics.ReceiverJoined)
		c.trySend(wire.MustMessage(wire.TypeJoinResult, wire.JoinResult{Success: true, Name: req.Name}))
		c.trySend(wire.MustMessage(wire.TypeSenderList, h.room.senderList()))
		h.log.Info("receiver joined", "conn_id", c.id, "name", req.Name, "senders", len(h.room.order))

	case wire.RoleSender:
		if h.room.receiver == nil {
			h.metrics.Inc(metrics.JoinRejectedNoRecv)
			c.trySend(wire.MustMessage(wire.TypeJoinResult, wire.JoinResult{Success: false, Message: wire.ReasonNoReceiver}))
			return
		}
		name := strings.TrimSpace(req.Name)
		if name == "" {
			name = generatedSenderName()
		} else if h.room.nameTaken(name) {
			h.metrics.Inc(metrics.JoinRejectedNameTaken)
			c.trySend(wire.MustMessage(wire.TypeJoinResult, wire.JoinResult{Success: false, Message: wire.ReasonNameTaken}))
			return
		}
		c.role = wire.RoleSender
		c.name = name
		h.room.addSender(c)
		h.metrics.Inc(metrics.SenderJoined)
		c.trySend(wire.MustMessage(wire.TypeJoinResult, wire.JoinResult{Success: true, Name: name}))
		c.trySend(wire.MustMessage(wire.TypeJoinedRoom, wire.JoinedRoom{Name: name}))
		h.broadcastSenderList()
		h.log.Info("sender joined", "conn_id", c.id, "name", name)

	default:
		c.trySend(wire.MustMessage(wire.TypeJoinResult, wire.JoinResult{Success: false, Message: "unknown role"}))
	}
}

func (h *Hub) handleShareRequest(c *Client, msg wire.Message) {
	if c != h.room.receiver {
		return
	}
	var req wire.ShareRequest
	if err := msg.DecodeData(&req); err != nil {
		h.log.Warn("bad share-request payload", "conn_id", c.id, "err", err)
		return
	}
	if target, ok := h.room.senders[req.To]; ok {
		target.trySend(wire.MustMessage(wire.TypeShareRequest, req))
	}
}

func (h *Hub) handleShareStarted(c *Client, msg wire.Message) {
	sender, ok := h.room.senders[c.id]
	if !ok {
		return
	}
	// Registry name wins; fall back to a payload-provided name, then generate.
	name := sender.name
	if name == "" && len(msg.Data) > 0 {
		var req wire.ShareStarted
		if err := msg.DecodeData(&req); err == nil {
			name = req.Name
		}
	}
	if name == "" {
		name = generatedSenderName()
		sender.name = name
	}
	if r := h.room.receiver; r != nil {
		r.trySend(wire.MustMessage(wire.TypeSenderShareStarted, wire.SenderShareStarted{ID: c.id, Name: name}))
	}
}

func (h *Hub) handleShareStopped(c *Client) {
	if _, ok := h.room.senders[c.id]; !ok {
		return
	}
	if r := h.room.receiver; r != nil {
		r.trySend(wire.MustMessage(wire.TypeSenderShareStopped, wire.SenderShareStopped{ID: c.id}))
	}
}

// handleSignal relays offer/answer/candidate/bye payloads. A sender may only
// target the current receiver; the receiver may target any registered sender.
// Anything else is silently dropped to tolerate disconnect races.
func (h *Hub) handleSignal(c *Client, msg wire.Message) {
	var sig wire.Signal
	if err := msg.DecodeData(&sig); err != nil {
		h.log.Warn("bad signal payload", "conn_id", c.id, "err", err)
		h.metrics.Inc(metrics.SignalDropped)
		return
	}
	if err := wire.ValidateSignal(sig); err != nil {
		h.log.Warn("invalid signal", "conn_id", c.id, "err", err)
		h.metrics.Inc(metrics.SignalDropped)
		return
	}
	sig.From = c.id

	var target *Client
	switch {
	case c == h.room.receiver:
		target = h.room.senders[sig.To]
	default:
		if _, registered := h.room.senders[c.id]; registered {
			target = h.room.receiver
		}
	}
	if target == nil {
		h.metrics.Inc(metrics.SignalDropped)
		return
	}
	target.trySend(wire.MustMessage(wire.TypeSignal, sig))
	h.metrics.Inc(metrics.SignalRelayed)
}

func (h *Hub) handleFrameTS(c *Client, msg wire.Message) {
	sender, ok := h.room.senders[c.id]
	if !ok || h.room.receiver == nil {
		return
	}
	var frame wire.FrameTS
	if err := msg.DecodeData(&frame); err != nil {
		h.log.Warn("bad frame-ts payload", "conn_id", c.id, "err", err)
		return
	}
	frame.SenderID = ""
	frame.From = c.id
	frame.Name = sender.name
	h.room.receiver.trySend(wire.MustMessage(wire.TypeFrameTS, frame))
}

func (h *Hub) handleDelRoom(c *Client, msg wire.Message) {
	var req wire.DelRoom
	if err := msg.DecodeData(&req); err != nil {
		h.log.Warn("bad del-room payload", "conn_id", c.id, "err", err)
		return
	}
	if req.Role != wire.RoleReceiver || c != h.room.receiver {
		return
	}
	h.deleteRoom()
}

func (h *Hub) handleDisconnect(c *Client) {
	// Inbound events for this client may still be queued; the closed flag keeps
	// trySend from hitting the closed channel.
	c.closed = true
	defer close(c.send)

	if c == h.room.receiver {
		h.log.Info("receiver disconnected", "conn_id", c.id)
		h.deleteRoom()
		return
	}
	if _, ok := h.room.senders[c.id]; ok {
		h.removeSenderAndNotify(c.id)
	}
}

func (h *Hub) handleExplicitLeave(idOrName string) {
	id := idOrName
	if _, ok := h.room.senders[id]; !ok {
		c, found := h.room.senderByName(idOrName)
		if !found {
			return
		}
		id = c.id
	}
	h.metrics.Inc(metrics.LeaveNotification)
	h.removeSenderAndNotify(id)
}

func (h *Hub) removeSenderAndNotify(id string) {
	c, ok := h.room.removeSender(id)
	if !ok {
		return
	}
	h.metrics.Inc(metrics.SenderRemoved)
	h.log.Info("sender removed", "conn_id", id, "name", c.name)
	if r := h.room.receiver; r != nil {
		r.trySend(wire.MustMessage(wire.TypeSenderDisconnected, wire.SenderDisconnected{ID: id}))
	}
	h.broadcastSenderList()
}

// deleteRoom notifies every sender and clears the registry. Used for receiver
// disconnect and explicit del-room.
func (h *Hub) deleteRoom() {
	for _, id := range h.room.order {
		if c := h.room.senders[id]; c != nil {
			c.trySend(wire.Message{Type: wire.TypeRoomDeleted})
		}
	}
	h.room = newRoom()
	h.metrics.Inc(metrics.RoomDeleted)
	h.log.Info("room deleted")
}

func (h *Hub) broadcastSenderList() {
	if r := h.room.receiver; r != nil {
		r.trySend(wire.MustMessage(wire.TypeSenderList, h.room.senderList()))
	}
}

func generatedSenderName() string {
	return "Sender-" + uuid.NewString()[:8]
}

package hub

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/w0ne23/MultiFlexer/internal/metrics"
	"github.com/w0ne23/MultiFlexer/internal/wire"
)

func newTestHub() *Hub {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(log, metrics.New())
}

func newTestClient(id string) *Client {
	return &Client{
		id:   id,
		log:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		send: make(chan wire.Message, sendQueueSize),
	}
}

func mustEnvelope(t *testing.T, typ wire.MessageType, data any) wire.Message {
	t.Helper()
	msg, err := wire.NewMessage(typ, data)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	return msg
}

func drain(c *Client) []wire.Message {
	var out []wire.Message
	for {
		select {
		case msg := <-c.send:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func lastOfType(msgs []wire.Message, typ wire.MessageType) (wire.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == typ {
			return msgs[i], true
		}
	}
	return wire.Message{}, false
}

func joinReceiver(t *testing.T, h *Hub, c *Client) {
	t.Helper()
	h.dispatch(c, mustEnvelope(t, wire.TypeJoinRoom, wire.JoinRoom{Role: wire.RoleReceiver, Name: "Receiver-1"}))
	msgs := drain(c)
	res, ok := lastOfType(msgs, wire.TypeJoinResult)
	if !ok {
		t.Fatalf("receiver got no join-result: %v", msgs)
	}
	var jr wire.JoinResult
	if err := res.DecodeData(&jr); err != nil {
		t.Fatalf("decode join-result: %v", err)
	}
	if !jr.Success {
		t.Fatalf("receiver join failed: %+v", jr)
	}
}

func joinSender(t *testing.T, h *Hub, c *Client, name string) wire.JoinResult {
	t.Helper()
	h.dispatch(c, mustEnvelope(t, wire.TypeJoinRoom, wire.JoinRoom{Role: wire.RoleSender, Name: name}))
	res, ok := lastOfType(drain(c), wire.TypeJoinResult)
	if !ok {
		t.Fatalf("sender got no join-result")
	}
	var jr wire.JoinResult
	if err := res.DecodeData(&jr); err != nil {
		t.Fatalf("decode join-result: %v", err)
	}
	return jr
}

func TestSenderJoinWithoutReceiver(t *testing.T) {
	h := newTestHub()
	s := newTestClient("s1")

	jr := joinSender(t, h, s, "alice")
	if jr.Success {
		t.Fatalf("expected failure, got %+v", jr)
	}
	if jr.Message != wire.ReasonNoReceiver {
		t.Fatalf("reason=%q, want %q", jr.Message, wire.ReasonNoReceiver)
	}
	if len(h.room.senders) != 0 {
		t.Fatalf("registry mutated on rejected join")
	}
}

func TestCollidingNamesOnlyFirstSucceeds(t *testing.T) {
	h := newTestHub()
	r := newTestClient("r1")
	joinReceiver(t, h, r)

	a := newTestClient("s1")
	b := newTestClient("s2")

	if jr := joinSender(t, h, a, "alice"); !jr.Success || jr.Name != "alice" {
		t.Fatalf("first join: %+v", jr)
	}
	jr := joinSender(t, h, b, "alice")
	if jr.Success {
		t.Fatalf("colliding join succeeded")
	}
	if jr.Message != wire.ReasonNameTaken {
		t.Fatalf("reason=%q, want %q", jr.Message, wire.ReasonNameTaken)
	}
	if len(h.room.senders) != 1 {
		t.Fatalf("registry has %d senders, want 1", len(h.room.senders))
	}
}

func TestEmptyNameGeneratesSenderName(t *testing.T) {
	h := newTestHub()
	r := newTestClient("r1")
	joinReceiver(t, h, r)

	s := newTestClient("s1")
	jr := joinSender(t, h, s, "")
	if !jr.Success {
		t.Fatalf("join failed: %+v", jr)
	}
	if len(jr.Name) == 0 || jr.Name[:7] != "Sender-" {
		t.Fatalf("generated name=%q, want Sender-<shortid>", jr.Name)
	}
}

func TestSecondReceiverReplacesFirst(t *testing.T) {
	h := newTestHub()
	r1 := newTestClient("r1")
	r2 := newTestClient("r2")

	joinReceiver(t, h, r1)
	joinReceiver(t, h, r2)

	if h.room.receiver != r2 {
		t.Fatalf("receiver not replaced")
	}

	// Relay from a registered sender must reach the new receiver only.
	s := newTestClient("s1")
	joinSender(t, h, s, "alice")
	drain(r2)
	h.dispatch(s, mustEnvelope(t, wire.TypeSignal, wire.Signal{Type: wire.SignalOffer, Payload: json.RawMessage(`{"type":"offer","sdp":"v=0"}`)}))
	if _, ok := lastOfType(drain(r2), wire.TypeSignal); !ok {
		t.Fatalf("new receiver did not get the signal")
	}
	if _, ok := lastOfType(drain(r1), wire.TypeSignal); ok {
		t.Fatalf("old receiver still receiving signals")
	}
}

func TestSignalRoleRules(t *testing.T) {
	h := newTestHub()
	r := newTestClient("r1")
	joinReceiver(t, h, r)
	a := newTestClient("s1")
	b := newTestClient("s2")
	joinSender(t, h, a, "alice")
	joinSender(t, h, b, "bob")
	drain(r)
	drain(a)
	drain(b)

	// Sender signals always go to the receiver, with from overwritten.
	h.dispatch(a, mustEnvelope(t, wire.TypeSignal, wire.Signal{
		To:      "s2", // ignored for senders
		From:    "spoofed",
		Type:    wire.SignalOffer,
		Payload: json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	}))
	msg, ok := lastOfType(drain(r), wire.TypeSignal)
	if !ok {
		t.Fatalf("receiver did not get sender signal")
	}
	var sig wire.Signal
	if err := msg.DecodeData(&sig); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sig.From != "s1" {
		t.Fatalf("from=%q, want s1 (hub overwrites)", sig.From)
	}
	if got := drain(b); len(got) != 0 {
		t.Fatalf("sender-to-sender relay leaked: %v", got)
	}

	// Receiver targets a registered sender by id.
	h.dispatch(r, mustEnvelope(t, wire.TypeSignal, wire.Signal{
		To:      "s2",
		Type:    wire.SignalAnswer,
		Payload: json.RawMessage(`{"type":"answer","sdp":"v=0"}`),
	}))
	if _, ok := lastOfType(drain(b), wire.TypeSignal); !ok {
		t.Fatalf("targeted sender did not get receiver signal")
	}

	// Unknown target is silently dropped.
	h.dispatch(r, mustEnvelope(t, wire.TypeSignal, wire.Signal{
		To:      "ghost",
		Type:    wire.SignalBye,
	}))
	if got := drain(a); len(got) != 0 {
		t.Fatalf("unexpected delivery: %v", got)
	}
}

func TestSenderDisconnectNotifiesReceiver(t *testing.T) {
	h := newTestHub()
	r := newTestClient("r1")
	joinReceiver(t, h, r)
	s := newTestClient("s1")
	joinSender(t, h, s, "alice")
	drain(r)

	h.handleDisconnect(s)

	msgs := drain(r)
	if _, ok := lastOfType(msgs, wire.TypeSenderDisconnected); !ok {
		t.Fatalf("no sender-disconnected: %v", msgs)
	}
	listMsg, ok := lastOfType(msgs, wire.TypeSenderList)
	if !ok {
		t.Fatalf("no sender-list rebroadcast")
	}
	var list []wire.SenderInfo
	if err := listMsg.DecodeData(&list); err != nil {
		t.Fatalf("decode sender-list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("sender-list=%v, want empty", list)
	}
}

func TestReceiverDisconnectCascadesRoomDeleted(t *testing.T) {
	h := newTestHub()
	r := newTestClient("r1")
	joinReceiver(t, h, r)
	a := newTestClient("s1")
	b := newTestClient("s2")
	joinSender(t, h, a, "alice")
	joinSender(t, h, b, "bob")
	drain(a)
	drain(b)

	h.handleDisconnect(r)

	for _, c := range []*Client{a, b} {
		if _, ok := lastOfType(drain(c), wire.TypeRoomDeleted); !ok {
			t.Fatalf("sender %s did not get room-deleted", c.id)
		}
	}
	if h.room.receiver != nil || len(h.room.senders) != 0 {
		t.Fatalf("registry not cleared")
	}
}

func TestExplicitLeaveByIDAndNameIdempotent(t *testing.T) {
	h := newTestHub()
	r := newTestClient("r1")
	joinReceiver(t, h, r)
	a := newTestClient("s1")
	b := newTestClient("s2")
	joinSender(t, h, a, "alice")
	joinSender(t, h, b, "bob")
	drain(r)

	h.handleExplicitLeave("s1")
	if _, ok := h.room.senders["s1"]; ok {
		t.Fatalf("alice still registered after leave by id")
	}
	// Already gone: no-op, no notification.
	drain(r)
	h.handleExplicitLeave("s1")
	if got := drain(r); len(got) != 0 {
		t.Fatalf("idempotent leave notified again: %v", got)
	}

	h.handleExplicitLeave("bob")
	if _, ok := h.room.senders["s2"]; ok {
		t.Fatalf("bob still registered after leave by name")
	}
}

func TestShareStartedResolvesRegistryName(t *testing.T) {
	h := newTestHub()
	r := newTestClient("r1")
	joinReceiver(t, h, r)
	s := newTestClient("s1")
	joinSender(t, h, s, "alice")
	drain(r)

	h.dispatch(s, wire.Message{Type: wire.TypeShareStarted})

	msg, ok := lastOfType(drain(r), wire.TypeSenderShareStarted)
	if !ok {
		t.Fatalf("receiver did not get sender-share-started")
	}
	var started wire.SenderShareStarted
	if err := msg.DecodeData(&started); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if started.ID != "s1" || started.Name != "alice" {
		t.Fatalf("got %+v", started)
	}
}

func TestFrameTSEnrichedWithRegistryName(t *testing.T) {
	h := newTestHub()
	r := newTestClient("r1")
	joinReceiver(t, h, r)
	s := newTestClient("s1")
	joinSender(t, h, s, "alice")
	drain(r)

	h.dispatch(s, mustEnvelope(t, wire.TypeFrameTS, wire.FrameTS{TsMs: 123456.5, Seq: 7}))

	msg, ok := lastOfType(drain(r), wire.TypeFrameTS)
	if !ok {
		t.Fatalf("receiver did not get frame-ts")
	}
	var frame wire.FrameTS
	if err := msg.DecodeData(&frame); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.From != "s1" || frame.Name != "alice" || frame.Seq != 7 {
		t.Fatalf("got %+v", frame)
	}
}

func TestDelRoomOnlyFromReceiver(t *testing.T) {
	h := newTestHub()
	r := newTestClient("r1")
	joinReceiver(t, h, r)
	s := newTestClient("s1")
	joinSender(t, h, s, "alice")
	drain(s)

	// A sender cannot delete the room.
	h.dispatch(s, mustEnvelope(t, wire.TypeDelRoom, wire.DelRoom{Role: wire.RoleReceiver}))
	if h.room.receiver == nil {
		t.Fatalf("sender deleted the room")
	}

	h.dispatch(r, mustEnvelope(t, wire.TypeDelRoom, wire.DelRoom{Role: wire.RoleReceiver}))
	if _, ok := lastOfType(drain(s), wire.TypeRoomDeleted); !ok {
		t.Fatalf("sender did not get room-deleted")
	}
	if len(h.room.senders) != 0 {
		t.Fatalf("registry not cleared")
	}
}

func TestSenderShareStoppedRelayedToReceiver(t *testing.T) {
	h := newTestHub()
	r := newTestClient("r1")
	joinReceiver(t, h, r)
	s := newTestClient("s1")
	joinSender(t, h, s, "alice")
	drain(r)

	h.dispatch(s, mustEnvelope(t, wire.TypeSenderShareStopped, nil))

	msg, ok := lastOfType(drain(r), wire.TypeSenderShareStopped)
	if !ok {
		t.Fatalf("receiver was not told the share stopped")
	}
	var p wire.SenderShareStopped
	if err := msg.DecodeData(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.ID != "s1" {
		t.Fatalf("id=%q, want s1", p.ID)
	}

	// Unknown senders and the receiver itself are ignored.
	h.dispatch(r, mustEnvelope(t, wire.TypeSenderShareStopped, nil))
	if _, ok := lastOfType(drain(r), wire.TypeSenderShareStopped); ok {
		t.Fatalf("receiver stop announcement relayed back")
	}
}

package mqttbus

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/w0ne23/MultiFlexer/internal/orchestrator"
	"github.com/w0ne23/MultiFlexer/internal/wire"
)

type fakeCore struct {
	rosterCalls  int
	layoutCalls  []int
	participants [][]wire.SenderInfo
	entries      []orchestrator.RosterEntry
}

func (f *fakeCore) Roster(reply func([]orchestrator.RosterEntry)) {
	f.rosterCalls++
	reply(f.entries)
}

func (f *fakeCore) HandleLayout(layout int, participants []wire.SenderInfo) {
	f.layoutCalls = append(f.layoutCalls, layout)
	f.participants = append(f.participants, participants)
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func newTestBus(core *fakeCore) *Bus {
	b := New(slog.New(slog.NewTextHandler(io.Discard, nil)), "127.0.0.1:1883", "test-client")
	b.AttachOrchestrator(core)
	return b
}

func TestScreenUpdateAppliesLayout(t *testing.T) {
	core := &fakeCore{}
	b := newTestBus(core)

	payload := []byte(`{"layout":2,"participants":[{"id":"a","name":"Alice"},{"id":"b","name":"Bob"}]}`)
	b.onScreenUpdate(nil, &fakeMessage{topic: TopicScreenUpdate, payload: payload})

	if len(core.layoutCalls) != 1 || core.layoutCalls[0] != 2 {
		t.Fatalf("expected one HandleLayout(2) call, got %v", core.layoutCalls)
	}
	got := core.participants[0]
	if len(got) != 2 || got[0].ID != "a" || got[1].Name != "Bob" {
		t.Fatalf("participants not forwarded: %+v", got)
	}
	b.mu.Lock()
	last := b.lastLayout
	b.mu.Unlock()
	if last != 2 {
		t.Fatalf("lastLayout = %d, want 2", last)
	}
}

func TestScreenUpdateMalformedPayloadIgnored(t *testing.T) {
	core := &fakeCore{}
	b := newTestBus(core)

	b.onScreenUpdate(nil, &fakeMessage{topic: TopicScreenUpdate, payload: []byte(`{grid`)})

	if len(core.layoutCalls) != 0 {
		t.Fatalf("malformed payload must not reach the orchestrator, got %v", core.layoutCalls)
	}
}

func TestParticipantRequestQueriesRoster(t *testing.T) {
	core := &fakeCore{entries: []orchestrator.RosterEntry{{ID: "a", Name: "Alice", Active: true}}}
	b := newTestBus(core)

	b.onParticipantRequest(nil, &fakeMessage{topic: TopicParticipantRequest})
	if core.rosterCalls != 1 {
		t.Fatalf("rosterCalls = %d, want 1", core.rosterCalls)
	}
}

func TestConnectRequiresAttachedOrchestrator(t *testing.T) {
	b := New(slog.New(slog.NewTextHandler(io.Discard, nil)), "127.0.0.1:1883", "test-client")
	if err := b.Connect(); err == nil {
		t.Fatal("Connect without orchestrator must fail")
	}
}

func TestPayloadShapes(t *testing.T) {
	left, err := json.Marshal(Left{ID: "s1", Name: "Alice"})
	if err != nil {
		t.Fatal(err)
	}
	if string(left) != `{"id":"s1","name":"Alice"}` {
		t.Fatalf("unexpected left payload: %s", left)
	}

	state, err := json.Marshal(ScreenState{
		Layout:       1,
		Participants: []wire.SenderInfo{{ID: "s1", Name: "Alice"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(state) != `{"layout":1,"participants":[{"id":"s1","name":"Alice"}]}` {
		t.Fatalf("unexpected screen payload: %s", state)
	}
}

func TestPublishDroppedWhileDisconnected(t *testing.T) {
	core := &fakeCore{}
	b := newTestBus(core)

	// Must not panic or block with no broker behind the client.
	b.PublishRoster([]orchestrator.RosterEntry{{ID: "a", Name: "Alice"}})
	b.PublishLeft("a", "Alice")
}

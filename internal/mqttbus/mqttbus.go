// Package mqttbus bridges the orchestration core to the external pub/sub
// channel. Outbound: roster snapshots, leave notices, rate-limited stats.
// Inbound: roster/layout requests and layout updates, each marshaled onto the
// orchestrator's reactor; nothing touches orchestrator state on a paho
// callback goroutine.
package mqttbus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/w0ne23/MultiFlexer/internal/orchestrator"
	"github.com/w0ne23/MultiFlexer/internal/statspub"
	"github.com/w0ne23/MultiFlexer/internal/wire"
)

const (
	TopicParticipantUpdate   = "participant/update"
	TopicParticipantLeft     = "participant/left"
	TopicParticipantRequest  = "participant/request"
	TopicParticipantResponse = "participant/response"
	TopicStatsUpdate         = "stats/update"
	TopicScreenUpdate        = "screen/update"
	TopicScreenRequest       = "screen/request"
	TopicScreenResponse      = "screen/response"
)

const (
	connectTimeout   = 5 * time.Second
	subscribeTimeout = 5 * time.Second
)

// ScreenState is the screen/update and screen/response payload.
type ScreenState struct {
	Layout       int               `json:"layout"`
	Participants []wire.SenderInfo `json:"participants"`
}

// Left is the participant/left payload.
type Left struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Core is the slice of the orchestrator the bus drives. Both methods hand
// work to the reactor and are safe from any goroutine.
type Core interface {
	Roster(reply func([]orchestrator.RosterEntry))
	HandleLayout(layout int, participants []wire.SenderInfo)
}

// Bus wraps the paho client. It satisfies orchestrator.RosterSink.
type Bus struct {
	log    *slog.Logger
	broker string
	client mqtt.Client

	mu         sync.Mutex
	connected  bool
	lastLayout int

	orch Core
}

func New(logger *slog.Logger, broker, clientID string) *Bus {
	b := &Bus{
		log:    logger,
		broker: broker,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", broker))
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		b.mu.Lock()
		b.connected = true
		b.mu.Unlock()
		logger.Info("mqtt connection established", "broker", broker, "client_id", clientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		b.mu.Lock()
		b.connected = false
		b.mu.Unlock()
		logger.Warn("mqtt connection lost, will auto-reconnect", "err", err, "broker", broker)
	}

	b.client = mqtt.NewClient(opts)
	return b
}

// Connect dials the broker and subscribes the inbound control topics.
// AttachOrchestrator must have been called first.
func (b *Bus) Connect() error {
	if b.orch == nil {
		return fmt.Errorf("mqttbus: orchestrator not attached")
	}

	b.log.Info("connecting to mqtt broker", "broker", b.broker)
	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()

	subs := map[string]mqtt.MessageHandler{
		TopicParticipantRequest: b.onParticipantRequest,
		TopicScreenRequest:      b.onScreenRequest,
		TopicScreenUpdate:       b.onScreenUpdate,
	}
	for topic, handler := range subs {
		token := b.client.Subscribe(topic, 0, handler)
		if !token.WaitTimeout(subscribeTimeout) {
			return fmt.Errorf("subscribe %s: timeout", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

// AttachOrchestrator wires the inbound message target. Call before Connect.
func (b *Bus) AttachOrchestrator(o Core) {
	b.orch = o
}

func (b *Bus) Disconnect() {
	if b.client.IsConnected() {
		b.client.Disconnect(250)
		b.log.Info("mqtt disconnected")
	}
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
}

// PublishRoster implements orchestrator.RosterSink. Called on the reactor, so
// the publish is fire-and-forget.
func (b *Bus) PublishRoster(entries []orchestrator.RosterEntry) {
	b.publishJSON(TopicParticipantUpdate, entries)
}

// PublishLeft implements orchestrator.RosterSink.
func (b *Bus) PublishLeft(id, name string) {
	b.publishJSON(TopicParticipantLeft, Left{ID: id, Name: name})
}

// PublishStats is handed to statspub as its outbound func.
func (b *Bus) PublishStats(u statspub.Update) {
	b.publishJSON(TopicStatsUpdate, u)
}

func (b *Bus) publishJSON(topic string, v any) {
	if !b.isConnected() {
		b.log.Debug("mqtt not connected, dropping publish", "topic", topic)
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		b.log.Error("marshal mqtt payload", "topic", topic, "err", err)
		return
	}
	token := b.client.Publish(topic, 0, false, payload)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			b.log.Warn("mqtt publish failed", "topic", topic, "err", err)
		}
	}()
}

func (b *Bus) isConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Inbound handlers run on paho goroutines and only post work.

func (b *Bus) onParticipantRequest(_ mqtt.Client, _ mqtt.Message) {
	b.orch.Roster(func(entries []orchestrator.RosterEntry) {
		b.publishJSON(TopicParticipantResponse, entries)
	})
}

func (b *Bus) onScreenRequest(_ mqtt.Client, _ mqtt.Message) {
	b.mu.Lock()
	layout := b.lastLayout
	b.mu.Unlock()
	b.orch.Roster(func(entries []orchestrator.RosterEntry) {
		participants := make([]wire.SenderInfo, 0, len(entries))
		for _, e := range entries {
			participants = append(participants, wire.SenderInfo{ID: e.ID, Name: e.Name})
		}
		b.publishJSON(TopicScreenResponse, ScreenState{Layout: layout, Participants: participants})
	})
}

func (b *Bus) onScreenUpdate(_ mqtt.Client, msg mqtt.Message) {
	var state ScreenState
	if err := json.Unmarshal(msg.Payload(), &state); err != nil {
		b.log.Error("bad screen/update payload", "err", err)
		return
	}
	b.mu.Lock()
	b.lastLayout = state.Layout
	b.mu.Unlock()
	b.log.Info("layout instruction received", "layout", state.Layout, "participants", len(state.Participants))
	b.orch.HandleLayout(state.Layout, state.Participants)
}

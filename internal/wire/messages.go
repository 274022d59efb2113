// Package wire defines the signaling messages exchanged between the hub, the
// receiver, and senders over the persistent WebSocket channel.
//
// Every frame is a JSON envelope {type, data}; the payload shape is fixed per
// type and parsed strictly (unknown fields rejected) so protocol drift between
// hub and clients fails loudly instead of silently.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	// Client -> hub.
	TypeJoinRoom     MessageType = "join-room"
	TypeShareRequest MessageType = "share-request"
	TypeShareStarted MessageType = "share-started"
	TypeSignal       MessageType = "signal"
	TypeFrameTS      MessageType = "frame-ts"
	TypeDelRoom      MessageType = "del-room"

	// Hub -> client. TypeSenderShareStopped is also what a sender sends to
	// announce its own stop; the hub relays it under the same name.
	TypeJoinResult         MessageType = "join-result"
	TypeJoinedRoom         MessageType = "joined-room"
	TypeSenderList         MessageType = "sender-list"
	TypeSenderShareStarted MessageType = "sender-share-started"
	TypeSenderShareStopped MessageType = "sender-share-stopped"
	TypeSenderDisconnected MessageType = "sender-disconnected"
	TypeRoomDeleted        MessageType = "room-deleted"
	TypeError              MessageType = "error"
)

// Roles accepted by join-room.
const (
	RoleReceiver = "receiver"
	RoleSender   = "sender"
)

// Join failure reasons carried in JoinResult.Message.
const (
	ReasonNoReceiver = "no-receiver"
	ReasonNameTaken  = "name-taken"
)

// Signal payload types relayed verbatim between peers.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
	SignalBye       = "bye"
	SignalHangup    = "hangup"
	SignalClose     = "close"
)

// Message is the wire envelope. Data is decoded per Type.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type JoinRoom struct {
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
}

type JoinResult struct {
	Success bool   `json:"success"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`
}

type JoinedRoom struct {
	Name string `json:"name"`
}

type SenderInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ShareRequest struct {
	To string `json:"to"`
}

type ShareStarted struct {
	Name string `json:"name,omitempty"`
}

type SenderShareStarted struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type SenderShareStopped struct {
	ID string `json:"id"`
}

type SenderDisconnected struct {
	ID string `json:"id"`
}

type DelRoom struct {
	Role string `json:"role"`
}

// Signal carries offer/answer/candidate/bye payloads. The hub overwrites From
// with the authenticated connection id before relaying.
type Signal struct {
	To      string          `json:"to,omitempty"`
	From    string          `json:"from,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// FrameTS is the sender-side frame marker used for end-to-end latency. The hub
// fills From and Name from the registry before relaying to the receiver.
type FrameTS struct {
	SenderID string  `json:"senderId,omitempty"`
	From     string  `json:"from,omitempty"`
	Name     string  `json:"name,omitempty"`
	TsMs     float64 `json:"ts_ms"`
	Seq      int64   `json:"seq"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SDP is the inner payload of offer/answer signals.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is the inner payload of candidate signals.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:     init.Candidate,
		SDPMid:        init.SDPMid,
		SDPMLineIndex: init.SDPMLineIndex,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}

// NewMessage encodes data as the payload of a typed envelope.
func NewMessage(t MessageType, data any) (Message, error) {
	if data == nil {
		return Message{Type: t}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Message{Type: t, Data: raw}, nil
}

// MustMessage is NewMessage for payload types that cannot fail to marshal.
func MustMessage(t MessageType, data any) Message {
	m, err := NewMessage(t, data)
	if err != nil {
		panic(err)
	}
	return m
}

// ParseMessage decodes an envelope, rejecting unknown fields and trailing
// data.
func ParseMessage(data []byte) (Message, error) {
	var msg Message
	if err := decodeStrict(data, &msg); err != nil {
		return Message{}, err
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("message missing type")
	}
	return msg, nil
}

// DecodeData decodes the envelope payload into v, rejecting unknown fields.
func (m Message) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s message missing data", m.Type)
	}
	if err := decodeStrict(m.Data, v); err != nil {
		return fmt.Errorf("%s payload: %w", m.Type, err)
	}
	return nil
}

// DecodeRaw strictly decodes an inner signal payload into v.
func DecodeRaw(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("missing payload")
	}
	return decodeStrict(data, v)
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

// ValidateSignal checks the fields a client-supplied signal must carry before
// the hub relays it. From is ignored; the hub overwrites it.
func ValidateSignal(s Signal) error {
	switch s.Type {
	case SignalOffer, SignalAnswer:
		if len(s.Payload) == 0 {
			return fmt.Errorf("%s signal missing payload", s.Type)
		}
	case SignalCandidate:
		if len(s.Payload) == 0 {
			return fmt.Errorf("candidate signal missing payload")
		}
	case SignalBye, SignalHangup, SignalClose:
	default:
		return fmt.Errorf("unsupported signal type %q", s.Type)
	}
	return nil
}

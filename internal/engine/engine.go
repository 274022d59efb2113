// Package engine defines the media engine boundary. The orchestration core
// drives one engine instance per sender through this interface and never sees
// pipeline internals; candidates, negotiation prompts, ICE state changes, and
// frames come back through Callbacks on engine-owned goroutines.
package engine

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Engine is one per-sender media pipeline. Implementations may invoke the
// completion callbacks (onCreated, onSet) and any Callbacks member from
// internal goroutines; callers are responsible for marshaling back onto their
// own event loop.
type Engine interface {
	// Start brings the pipeline up. The engine reports readiness through
	// Callbacks.OnPlaying.
	Start() error
	Pause() error
	Resume() error
	// Stop tears the pipeline down and releases its resources. No callbacks
	// fire after Stop returns.
	Stop() error

	// AddReceiveTransceiver ensures the recvonly video transceiver exists.
	// Idempotent; adding twice is a no-op.
	AddReceiveTransceiver() error

	// CreateOffer produces a local offer asynchronously.
	CreateOffer(onCreated func(sdp webrtc.SessionDescription, err error))
	// SetLocalDescription applies the local offer; onSet fires when the set
	// completes and the offer may be transmitted.
	SetLocalDescription(sdp webrtc.SessionDescription, onSet func(err error))
	ApplyRemoteAnswer(sdp webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	ICEConnectionState() webrtc.ICEConnectionState

	// BindOverlay attaches the pipeline's video output to a display surface
	// handle. Zero means no surface.
	BindOverlay(surface uintptr) error

	// StatsSnapshot returns the current sampled pipeline statistics.
	StatsSnapshot() Snapshot
}

// Callbacks are the engine-to-session notifications. Nil members are skipped.
type Callbacks struct {
	OnPlaying           func()
	OnNegotiationNeeded func()
	OnICECandidate      func(candidate webrtc.ICECandidateInit)
	OnICEStateChange    func(state webrtc.ICEConnectionState)
	// OnFrame fires per decoded frame handoff.
	OnFrame func()
	// OnEngineError reports a pipeline wiring failure fatal to this engine.
	OnEngineError func(err error)
}

// Factory builds an engine for one sender.
type Factory func(senderID string, cb Callbacks) (Engine, error)

// Snapshot is the pipeline stats sample published to telemetry. Value type;
// safe to copy.
type Snapshot struct {
	FPS         float64
	DropRate    float64
	AvgFPS      float64
	BitrateMbps float64
	Width       int
	Height      int
}

// SnapshotBox is the mutex-guarded cell engine implementations write samples
// into from their internal threads. Readers take a copy.
type SnapshotBox struct {
	mu   sync.Mutex
	snap Snapshot
}

func (b *SnapshotBox) Store(s Snapshot) {
	b.mu.Lock()
	b.snap = s
	b.mu.Unlock()
}

func (b *SnapshotBox) Load() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap
}

// IsTerminalICEState reports whether the state counts as a liveness failure
// for debounce purposes.
func IsTerminalICEState(s webrtc.ICEConnectionState) bool {
	switch s {
	case webrtc.ICEConnectionStateFailed,
		webrtc.ICEConnectionStateDisconnected,
		webrtc.ICEConnectionStateClosed:
		return true
	default:
		return false
	}
}

package engine

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Fake is an in-memory Engine used by tests and by headless receiver builds.
// Callbacks fire synchronously on the calling goroutine; tests drive async
// behavior explicitly.
type Fake struct {
	mu sync.Mutex

	cb Callbacks

	Started bool
	Paused  bool
	Stopped bool

	TransceiverAdds int
	OfferSDP        webrtc.SessionDescription
	LocalSet        []webrtc.SessionDescription
	RemoteAnswers   []webrtc.SessionDescription
	Candidates      []webrtc.ICECandidateInit
	Overlays        []uintptr
	ICEServers      []webrtc.ICEServer

	ICEState webrtc.ICEConnectionState

	StartErr        error
	ApplyAnswerErr  error
	CreateOfferErr  error
	SetLocalErr     error
	snapshot        SnapshotBox
	DeferOfferCalls bool
	pendingOffer    func()
}

func NewFake() *Fake {
	return &Fake{
		OfferSDP: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"},
		ICEState: webrtc.ICEConnectionStateNew,
	}
}

// SetCallbacks wires the session's callbacks; the real factory does this at
// construction time.
func (f *Fake) SetCallbacks(cb Callbacks) { f.cb = cb }

// HeadlessFactory builds in-memory engines carrying the configured ICE
// servers, the same construction contract a real pipeline factory follows.
func HeadlessFactory(iceServers []webrtc.ICEServer) Factory {
	return func(_ string, cb Callbacks) (Engine, error) {
		f := NewFake()
		f.ICEServers = iceServers
		f.SetCallbacks(cb)
		return f, nil
	}
}

func (f *Fake) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return f.StartErr
	}
	f.Started = true
	return nil
}

func (f *Fake) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Paused = true
	return nil
}

func (f *Fake) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Paused = false
	return nil
}

func (f *Fake) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Stopped = true
	return nil
}

func (f *Fake) AddReceiveTransceiver() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TransceiverAdds++
	return nil
}

func (f *Fake) CreateOffer(onCreated func(sdp webrtc.SessionDescription, err error)) {
	if f.CreateOfferErr != nil {
		onCreated(webrtc.SessionDescription{}, f.CreateOfferErr)
		return
	}
	call := func() { onCreated(f.OfferSDP, nil) }
	if f.DeferOfferCalls {
		f.pendingOffer = call
		return
	}
	call()
}

// FlushOffer delivers a deferred CreateOffer completion.
func (f *Fake) FlushOffer() {
	if f.pendingOffer != nil {
		call := f.pendingOffer
		f.pendingOffer = nil
		call()
	}
}

func (f *Fake) SetLocalDescription(sdp webrtc.SessionDescription, onSet func(err error)) {
	if f.SetLocalErr != nil {
		onSet(f.SetLocalErr)
		return
	}
	f.mu.Lock()
	f.LocalSet = append(f.LocalSet, sdp)
	f.mu.Unlock()
	onSet(nil)
}

func (f *Fake) ApplyRemoteAnswer(sdp webrtc.SessionDescription) error {
	if f.ApplyAnswerErr != nil {
		return f.ApplyAnswerErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RemoteAnswers = append(f.RemoteAnswers, sdp)
	return nil
}

func (f *Fake) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Candidates = append(f.Candidates, candidate)
	return nil
}

func (f *Fake) ICEConnectionState() webrtc.ICEConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ICEState
}

// SetICEState updates the reported state and fires the state-change callback.
func (f *Fake) SetICEState(s webrtc.ICEConnectionState) {
	f.mu.Lock()
	f.ICEState = s
	cb := f.cb.OnICEStateChange
	f.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (f *Fake) EmitPlaying() {
	if f.cb.OnPlaying != nil {
		f.cb.OnPlaying()
	}
}

func (f *Fake) EmitNegotiationNeeded() {
	if f.cb.OnNegotiationNeeded != nil {
		f.cb.OnNegotiationNeeded()
	}
}

func (f *Fake) EmitFrame() {
	if f.cb.OnFrame != nil {
		f.cb.OnFrame()
	}
}

func (f *Fake) EmitEngineError(err error) {
	if f.cb.OnEngineError != nil {
		f.cb.OnEngineError(err)
	}
}

func (f *Fake) BindOverlay(surface uintptr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Overlays = append(f.Overlays, surface)
	return nil
}

func (f *Fake) SetSnapshot(s Snapshot) { f.snapshot.Store(s) }

func (f *Fake) StatsSnapshot() Snapshot { return f.snapshot.Load() }

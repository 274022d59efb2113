// Package session implements the per-sender negotiation and liveness state
// machine. One Session wraps one media engine instance; all state transitions
// run on the owning reactor goroutine, with engine callbacks marshaled back
// through the Scheduler.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/w0ne23/MultiFlexer/internal/engine"
	"github.com/w0ne23/MultiFlexer/internal/metrics"
	"github.com/w0ne23/MultiFlexer/internal/ratelimit"
	"github.com/w0ne23/MultiFlexer/internal/statspub"
	"github.com/w0ne23/MultiFlexer/internal/wire"
)

var (
	ErrMalformedSDP = errors.New("malformed sdp answer")
	ErrClosed       = errors.New("session closed")
)

type State int

const (
	StateNew State = iota
	StateNegotiating
	StateOfferSent
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateOfferSent:
		return "offer-sent"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Scheduler is the reactor surface sessions need: run a task on the loop now,
// or after a delay. Schedule returns a cancel func; cancelling after the task
// ran is a no-op.
type Scheduler interface {
	Post(fn func())
	Schedule(d time.Duration, fn func()) (cancel func())
}

// Signaler sends session-originated signaling toward the sender.
type Signaler interface {
	SendOffer(senderID string, offer wire.SDP) error
	SendCandidate(senderID string, cand wire.Candidate) error
}

// Hooks are orchestrator notifications, invoked on the reactor goroutine.
type Hooks struct {
	// OnDown fires when a terminal ICE state survives the debounce window.
	OnDown func()
	// OnFrame fires for every decoded-frame event.
	OnFrame func()
	// OnEngineError fires when the engine reports a fatal pipeline failure.
	OnEngineError func(err error)
}

type Config struct {
	ICECheckDelay time.Duration
	OverlayDelay  time.Duration
	StatsInterval time.Duration
}

// statsJoinWait bounds how long Close blocks on the stats worker before
// abandoning it.
const statsJoinWait = 2 * time.Second

type Session struct {
	id    string
	name  string
	epoch uint64

	log      *slog.Logger
	metrics  *metrics.Metrics
	sched    Scheduler
	signaler Signaler
	stats    *statspub.Publisher
	clock    ratelimit.Clock
	cfg      Config
	hooks    Hooks

	eng engine.Engine

	// Reactor-confined state.
	state            State
	negotiating      bool
	playing          bool
	pendingOffer     *webrtc.SessionDescription
	transceiverAdded bool
	surface          uintptr
	iceCheckCancel   func()
	overlayCancel    func()
	lastSeq          int64
	lastTsMs         float64
	lastLatencyMs    float64

	// Read by the stats worker goroutine.
	shareActive atomic.Bool

	statsStarted bool
	statsStop    chan struct{}
	statsDone    chan struct{}
}

// New constructs the session and its engine. The engine is not started;
// call Start once the session is registered.
func New(id, name string, epoch uint64, factory engine.Factory, deps Deps) (*Session, error) {
	s := &Session{
		id:        id,
		name:      name,
		epoch:     epoch,
		log:       deps.Log.With("sender_id", id, "sender_name", name),
		metrics:   deps.Metrics,
		sched:     deps.Scheduler,
		signaler:  deps.Signaler,
		stats:     deps.Stats,
		clock:     deps.Clock,
		cfg:       deps.Config,
		hooks:     deps.Hooks,
		state:     StateNew,
		statsStop: make(chan struct{}),
		statsDone: make(chan struct{}),
	}

	eng, err := factory(id, engine.Callbacks{
		OnPlaying:           func() { s.sched.Post(s.handlePlaying) },
		OnNegotiationNeeded: func() { s.sched.Post(s.handleNegotiationNeeded) },
		OnICECandidate:      func(c webrtc.ICECandidateInit) { s.sched.Post(func() { s.handleLocalCandidate(c) }) },
		OnICEStateChange:    func(st webrtc.ICEConnectionState) { s.sched.Post(func() { s.handleICEState(st) }) },
		OnFrame:             func() { s.sched.Post(s.handleFrame) },
		OnEngineError:       func(err error) { s.sched.Post(func() { s.handleEngineError(err) }) },
	})
	if err != nil {
		return nil, fmt.Errorf("construct engine for %s: %w", id, err)
	}
	s.eng = eng
	return s, nil
}

// Deps bundles what every session shares.
type Deps struct {
	Log       *slog.Logger
	Metrics   *metrics.Metrics
	Scheduler Scheduler
	Signaler  Signaler
	Stats     *statspub.Publisher
	Clock     ratelimit.Clock
	Config    Config
	Hooks     Hooks
}

func (s *Session) ID() string         { return s.id }
func (s *Session) Name() string       { return s.name }
func (s *Session) Epoch() uint64      { return s.epoch }
func (s *Session) State() State       { return s.state }
func (s *Session) ShareActive() bool  { return s.shareActive.Load() }
func (s *Session) LatencyMs() float64 { return s.lastLatencyMs }

// Start brings up the engine and the stats worker.
func (s *Session) Start() error {
	if s.state == StateClosed {
		return ErrClosed
	}
	if err := s.eng.Start(); err != nil {
		return fmt.Errorf("start engine for %s: %w", s.id, err)
	}
	s.statsStarted = true
	go s.statsLoop()
	return nil
}

func (s *Session) handlePlaying() {
	if s.state == StateClosed {
		return
	}
	s.playing = true
	s.ensureTransceiver()

	if s.pendingOffer != nil {
		offer := *s.pendingOffer
		s.pendingOffer = nil
		s.transmitOffer(offer)
		return
	}
	if !s.negotiating {
		s.requestOffer()
	}
}

func (s *Session) handleNegotiationNeeded() {
	if s.state == StateClosed {
		return
	}
	if s.negotiating {
		s.log.Debug("negotiation already in flight, dropping")
		return
	}
	s.ensureTransceiver()
	s.requestOffer()
}

// ensureTransceiver is idempotent: the recvonly transceiver is added once.
func (s *Session) ensureTransceiver() {
	if s.transceiverAdded {
		return
	}
	if err := s.eng.AddReceiveTransceiver(); err != nil {
		s.log.Warn("add transceiver failed", "err", err)
		return
	}
	s.transceiverAdded = true
}

func (s *Session) requestOffer() {
	s.negotiating = true
	s.state = StateNegotiating
	s.eng.CreateOffer(func(offer webrtc.SessionDescription, err error) {
		s.sched.Post(func() { s.handleOfferCreated(offer, err) })
	})
}

func (s *Session) handleOfferCreated(offer webrtc.SessionDescription, err error) {
	if s.state == StateClosed {
		return
	}
	if err != nil {
		s.log.Warn("create offer failed", "err", err)
		s.negotiating = false
		return
	}
	// Local description is set before the offer leaves the process.
	s.eng.SetLocalDescription(offer, func(err error) {
		s.sched.Post(func() { s.handleLocalDescriptionSet(offer, err) })
	})
}

func (s *Session) handleLocalDescriptionSet(offer webrtc.SessionDescription, err error) {
	if s.state == StateClosed {
		return
	}
	if err != nil {
		s.log.Warn("set local description failed", "err", err)
		s.negotiating = false
		return
	}
	if !s.playing {
		// Held until the engine reports playing; the negotiating guard stays up
		// so further negotiation-needed events are dropped meanwhile.
		s.pendingOffer = &offer
		return
	}
	s.transmitOffer(offer)
}

func (s *Session) transmitOffer(offer webrtc.SessionDescription) {
	if err := s.signaler.SendOffer(s.id, wire.SDPFromPion(offer)); err != nil {
		s.log.Warn("send offer failed", "err", err)
	}
	s.state = StateOfferSent
	s.negotiating = false
	s.log.Debug("offer sent")
}

func (s *Session) handleLocalCandidate(c webrtc.ICECandidateInit) {
	if s.state == StateClosed {
		return
	}
	if err := s.signaler.SendCandidate(s.id, wire.CandidateFromPion(c)); err != nil {
		s.log.Warn("send candidate failed", "err", err)
	}
}

// ApplyRemoteAnswer validates and applies the sender's answer. A parse
// failure leaves the session in OFFER_SENT; the answer is not re-requested.
func (s *Session) ApplyRemoteAnswer(answer wire.SDP) error {
	if s.state == StateClosed {
		return ErrClosed
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(answer.SDP)); err != nil {
		s.metrics.Inc(metrics.MalformedAnswer)
		s.log.Warn("malformed sdp answer", "err", err)
		return fmt.Errorf("%w: %v", ErrMalformedSDP, err)
	}
	desc, err := answer.ToPion()
	if err != nil {
		s.metrics.Inc(metrics.MalformedAnswer)
		return fmt.Errorf("%w: %v", ErrMalformedSDP, err)
	}
	if err := s.eng.ApplyRemoteAnswer(desc); err != nil {
		s.log.Warn("apply remote answer failed", "err", err)
		return err
	}
	s.log.Debug("remote answer applied")
	return nil
}

func (s *Session) AddRemoteCandidate(cand wire.Candidate) error {
	if s.state == StateClosed {
		return ErrClosed
	}
	return s.eng.AddICECandidate(cand.ToPion())
}

// handleICEState drives liveness. Terminal observations are debounced: a
// re-check is scheduled and only a still-terminal engine state at that point
// counts as down.
func (s *Session) handleICEState(st webrtc.ICEConnectionState) {
	if s.state == StateClosed {
		return
	}
	s.log.Debug("ice state", "state", st.String())

	if st == webrtc.ICEConnectionStateConnected || st == webrtc.ICEConnectionStateCompleted {
		if s.state == StateOfferSent || s.state == StateNegotiating {
			s.state = StateConnected
			s.log.Info("session connected")
		}
		return
	}

	if engine.IsTerminalICEState(st) && s.iceCheckCancel == nil {
		s.iceCheckCancel = s.sched.Schedule(s.cfg.ICECheckDelay, s.recheckICE)
	}
}

func (s *Session) recheckICE() {
	s.iceCheckCancel = nil
	if s.state == StateClosed {
		return
	}
	current := s.eng.ICEConnectionState()
	if !engine.IsTerminalICEState(current) {
		s.metrics.Inc(metrics.IceBlipAbsorbed)
		s.log.Debug("ice blip absorbed", "state", current.String())
		return
	}
	s.metrics.Inc(metrics.IceDownConfirmed)
	s.log.Warn("ice down confirmed", "state", current.String())
	if s.hooks.OnDown != nil {
		s.hooks.OnDown()
	}
}

// Pause suspends media without touching negotiation state; the session can
// resume later without a fresh offer.
func (s *Session) Pause(reason string) {
	if s.state == StateClosed {
		return
	}
	if !s.shareActive.Swap(false) {
		return
	}
	s.metrics.Inc(metrics.SessionPaused)
	s.log.Info("session paused", "reason", reason)
	if err := s.eng.Pause(); err != nil {
		s.log.Warn("engine pause failed", "err", err)
	}
}

// Resume reactivates media and rebinds the display surface after the overlay
// delay, tolerating asynchronous surface creation.
func (s *Session) Resume(surface uintptr) {
	if s.state == StateClosed {
		return
	}
	s.surface = surface
	s.shareActive.Store(true)
	s.metrics.Inc(metrics.SessionResumed)
	if err := s.eng.Resume(); err != nil {
		s.log.Warn("engine resume failed", "err", err)
	}
	if s.overlayCancel != nil {
		s.overlayCancel()
	}
	s.overlayCancel = s.sched.Schedule(s.cfg.OverlayDelay, func() {
		s.overlayCancel = nil
		if s.state == StateClosed || s.surface == 0 {
			return
		}
		if err := s.eng.BindOverlay(s.surface); err != nil {
			s.log.Warn("bind overlay failed", "err", err)
		}
	})
}

// UpdateTxMeta records the sender-side frame marker for latency computation.
func (s *Session) UpdateTxMeta(seq int64, tsMs float64) {
	if s.state == StateClosed {
		return
	}
	s.lastSeq = seq
	s.lastTsMs = tsMs
}

func (s *Session) handleFrame() {
	if s.state == StateClosed {
		return
	}
	if s.lastTsMs > 0 {
		latency := float64(s.clock.Now().UnixMilli()) - s.lastTsMs
		// Negative latency is clock skew, not information.
		if latency >= 0 {
			s.lastLatencyMs = latency
			s.log.Debug("frame latency", "latency_ms", latency, "seq", s.lastSeq)
		}
	}
	if s.hooks.OnFrame != nil {
		s.hooks.OnFrame()
	}
}

func (s *Session) handleEngineError(err error) {
	if s.state == StateClosed {
		return
	}
	s.log.Error("engine failure", "err", err)
	if s.hooks.OnEngineError != nil {
		s.hooks.OnEngineError(err)
	}
}

/// Close is terminal: timers cancelled, stats worker joined (bounded), engine
// released. Idempotent.
func (s *Session) Close() {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.shareActive.Store(false)
	if s.iceCheckCancel != nil {
		s.iceCheckCancel()
		s.iceCheckCancel = nil
	}
	if s.overlayCancel != nil {
		s.overlayCancel()
		s.overlayCancel = nil
	}

	close(s.statsStop)
	if s.statsStarted {
		select {
		case <-s.statsDone:
		case <-time.After(statsJoinWait):
			s.log.Warn("stats worker did not stop in time, abandoning")
		}
	}

	if err := s.eng.Stop(); err != nil {
		s.log.Warn("engine stop failed", "err", err)
	}
	s.stats.Forget(s.id)
	s.log.Info("session closed")
}

// statsLoop samples the engine snapshot on its own goroutine. It never
// touches reactor state; shareActive is the only shared flag.
func (s *Session) statsLoop() {
	defer close(s.statsDone)
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.statsStop:
			return
		case <-ticker.C:
			if !s.shareActive.Load() {
				continue
			}
			s.stats.Publish(s.id, s.name, s.eng.StatsSnapshot())
		}
	}
}

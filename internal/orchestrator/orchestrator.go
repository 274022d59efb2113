// Package orchestrator reconciles signaling events into the per-sender
// session collection: who is a sender, which slot shows whom, and when the
// bounded live-session window ends.
//
// All state lives on the reactor goroutine. Public Handle* methods post
// closures; nothing here is safe to call concurrently with direct handler
// invocation.
package orchestrator

import (
	"log/slog"
	"time"

	"github.com/w0ne23/MultiFlexer/internal/engine"
	"github.com/w0ne23/MultiFlexer/internal/metrics"
	"github.com/w0ne23/MultiFlexer/internal/session"
	"github.com/w0ne23/MultiFlexer/internal/wire"
)

// Presenter is the GUI-facing surface abstraction. Implementations live
// outside this module; slot indices are logical positions.
type Presenter interface {
	// Surface returns the native handle for a slot, or false while the
	// surface is still being constructed.
	Surface(slot int) (uintptr, bool)
	// ShowPlaceholder puts the vacated slot into its waiting state.
	ShowPlaceholder(slot int)
	// FirstSenderConnected fires once, on the first nonempty sender list.
	FirstSenderConnected()
	// AllSendersGone fires whenever the session set becomes empty.
	AllSendersGone()
}

// RosterEntry is one membership snapshot row.
type RosterEntry struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// RosterSink receives membership snapshots whenever the session set or any
// shareActive flag changes.
type RosterSink interface {
	PublishRoster(entries []RosterEntry)
	PublishLeft(id, name string)
}

// ShareRequester re-invites a sender to share. Satisfied by the signaling
// client.
type ShareRequester interface {
	SendShareRequest(senderID string) error
}

type Config struct {
	SessionTimeout    time.Duration
	SurfaceRetryMax   int
	SurfaceRetryDelay time.Duration
	Session           session.Config
}

type Orchestrator struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	sched   session.Scheduler
	cfg     Config

	factory     engine.Factory
	sessionDeps session.Deps

	presenter Presenter
	roster    RosterSink
	shareReq  ShareRequester

	// Reactor-confined state.
	sessions    map[string]*session.Session
	order       []string
	cellAssign  map[int]string
	nextEpoch   uint64
	firstSender bool
	firstFrame  bool
	termCancel  func()

	done chan struct{}
}

func New(logger *slog.Logger, m *metrics.Metrics, sched session.Scheduler, cfg Config,
	factory engine.Factory, deps session.Deps, presenter Presenter, roster RosterSink) *Orchestrator {
	if cfg.SurfaceRetryDelay <= 0 {
		cfg.SurfaceRetryDelay = 10 * time.Millisecond
	}
	return &Orchestrator{
		log:         logger,
		metrics:     m,
		sched:       sched,
		cfg:         cfg,
		factory:     factory,
		sessionDeps: deps,
		presenter:   presenter,
		roster:      roster,
		sessions:    make(map[string]*session.Session),
		cellAssign:  make(map[int]string),
		done:        make(chan struct{}),
	}
}

// SetShareRequester enables re-inviting a sender after an engine failure.
// Must be called before Run; optional (nil skips the re-invite).
func (o *Orchestrator) SetShareRequester(sr ShareRequester) {
	o.shareReq = sr
}

// Done is closed when the live-session window expires and the process should
// shut down.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Post-based entry points, callable from any goroutine.

func (o *Orchestrator) HandleSenderList(list []wire.SenderInfo) {
	o.sched.Post(func() { o.senderList(list) })
}

func (o *Orchestrator) HandleSenderShareStarted(id, name string) {
	o.sched.Post(func() { o.shareStarted(id, name) })
}

func (o *Orchestrator) HandleSenderShareStopped(id string) {
	o.sched.Post(func() { o.shareStopped(id) })
}

func (o *Orchestrator) HandleSenderDisconnected(id string) {
	o.sched.Post(func() { o.pauseSender(id, "disconnected") })
}

func (o *Orchestrator) HandleSenderLeft(id string) {
	o.sched.Post(func() { o.pauseSender(id, "left") })
}

func (o *Orchestrator) HandleRemoveSender(id string) {
	o.sched.Post(func() { o.removeSession(id, "remove-sender") })
}

func (o *Orchestrator) HandleRoomDeleted() {
	o.sched.Post(o.roomDeleted)
}

func (o *Orchestrator) HandleSignal(sig wire.Signal) {
	o.sched.Post(func() { o.signal(sig) })
}

func (o *Orchestrator) HandleFrameTS(frame wire.FrameTS) {
	o.sched.Post(func() { o.frameTS(frame) })
}

func (o *Orchestrator) HandleLayout(layout int, participants []wire.SenderInfo) {
	o.sched.Post(func() { o.applyLayout(layout, participants) })
}

// Roster asynchronously delivers the current membership snapshot.
func (o *Orchestrator) Roster(reply func([]RosterEntry)) {
	o.sched.Post(func() { reply(o.rosterSnapshot()) })
}

// CellAssignments asynchronously delivers a copy of slot assignments.
func (o *Orchestrator) CellAssignments(reply func(map[int]string)) {
	o.sched.Post(func() {
		out := make(map[int]string, len(o.cellAssign))
		for k, v := range o.cellAssign {
			out[k] = v
		}
		reply(out)
	})
}

// Reactor-side handlers.

// senderList reconciles the advertised list: unknown senders are created,
// missing ones are paused. Missing means a transient share-stop, not a hard
// disconnect.
func (o *Orchestrator) senderList(list []wire.SenderInfo) {
	listed := make(map[string]bool, len(list))
	for _, info := range list {
		listed[info.ID] = true
		if _, known := o.sessions[info.ID]; !known {
			o.createSession(info.ID, info.Name)
		}
	}
	for _, id := range o.order {
		if !listed[id] {
			if s := o.sessions[id]; s != nil && s.ShareActive() {
				o.pauseSender(id, "dropped-from-list")
			}
		}
	}
	if len(list) > 0 && !o.firstSender {
		o.firstSender = true
		o.presenter.FirstSenderConnected()
	}
	o.notifyMembershipChanged()
}

func (o *Orchestrator) shareStarted(id, name string) {
	s, known := o.sessions[id]
	if !known {
		s = o.createSession(id, name)
		if s == nil {
			return
		}
	}

	surface, _ := o.surfaceForSender(id)
	s.Resume(surface)

	if len(o.cellAssign) == 0 {
		o.autoAssign(id, s.Epoch(), 0)
	}
	o.notifyMembershipChanged()
}

// autoAssign puts the sender into slot 0 once its surface exists, retrying on
// the loop with a bounded budget.
func (o *Orchestrator) autoAssign(id string, epoch uint64, attempt int) {
	s, ok := o.sessions[id]
	if !ok || s.Epoch() != epoch {
		return
	}
	if _, ready := o.presenter.Surface(0); !ready {
		if attempt >= o.cfg.SurfaceRetryMax {
			o.log.Warn("giving up waiting for display surface", "sender_id", id, "attempts", attempt)
			return
		}
		o.sched.Schedule(o.cfg.SurfaceRetryDelay, func() { o.autoAssign(id, epoch, attempt+1) })
		return
	}
	o.assignSenderToCell(0, id)
}

func (o *Orchestrator) shareStopped(id string) {
	o.pauseSender(id, "share-stopped")
}

// pauseSender suspends the session, vacates its cell, and announces the
// departure. Every pause source lands here: share-stopped, disconnected,
// left, dropped-from-list, ice-down.
func (o *Orchestrator) pauseSender(id, reason string) {
	s, ok := o.sessions[id]
	if !ok {
		return
	}
	s.Pause(reason)
	for slot, sid := range o.cellAssign {
		if sid == id {
			delete(o.cellAssign, slot)
			o.presenter.ShowPlaceholder(slot)
		}
	}
	o.roster.PublishLeft(id, s.Name())
	o.notifyMembershipChanged()
}

func (o *Orchestrator) signal(sig wire.Signal) {
	s, ok := o.sessions[sig.From]
	if !ok {
		o.log.Warn("signal for unknown sender, dropping", "sender_id", sig.From, "type", sig.Type)
		return
	}
	switch sig.Type {
	case wire.SignalBye, wire.SignalHangup, wire.SignalClose:
		o.removeSession(sig.From, sig.Type)
	case wire.SignalAnswer:
		var answer wire.SDP
		if err := wire.DecodeRaw(sig.Payload, &answer); err != nil {
			o.log.Warn("bad answer payload", "sender_id", sig.From, "err", err)
			return
		}
		// Malformed answers are logged by the session; nothing to retry here.
		_ = s.ApplyRemoteAnswer(answer)
	case wire.SignalCandidate:
		var cand wire.Candidate
		if err := wire.DecodeRaw(sig.Payload, &cand); err != nil {
			o.log.Warn("bad candidate payload", "sender_id", sig.From, "err", err)
			return
		}
		if err := s.AddRemoteCandidate(cand); err != nil {
			o.log.Warn("add candidate failed", "sender_id", sig.From, "err", err)
		}
	default:
		o.log.Warn("unhandled signal type", "type", sig.Type)
	}
}

func (o *Orchestrator) frameTS(frame wire.FrameTS) {
	if s, ok := o.sessions[frame.From]; ok {
		s.UpdateTxMeta(frame.Seq, frame.TsMs)
	}
}

func (o *Orchestrator) roomDeleted() {
	for _, id := range append([]string(nil), o.order...) {
		o.removeSession(id, "room-deleted")
	}
}

func (o *Orchestrator) createSession(id, name string) *session.Session {
	if s, ok := o.sessions[id]; ok {
		return s
	}
	o.nextEpoch++
	deps := o.sessionDeps
	epoch := o.nextEpoch
	deps.Hooks = session.Hooks{
		OnDown:        func() { o.sessionDown(id, epoch) },
		OnFrame:       func() { o.sessionFrame(id) },
		OnEngineError: func(err error) { o.sessionEngineError(id, epoch, err) },
	}
	s, err := session.New(id, name, epoch, o.factory, deps)
	if err != nil {
		o.log.Error("create session failed", "sender_id", id, "err", err)
		return nil
	}
	if err := s.Start(); err != nil {
		o.log.Error("start session failed", "sender_id", id, "err", err)
		s.Close()
		return nil
	}
	o.sessions[id] = s
	o.order = append(o.order, id)
	o.metrics.Inc(metrics.SessionCreated)
	o.log.Info("session created", "sender_id", id, "sender_name", name)
	return s
}

// sessionDown pauses a session whose ICE stayed terminal past the debounce.
// The epoch guard keeps a stale notification from touching a successor
// session reusing the same sender id.
func (o *Orchestrator) sessionDown(id string, epoch uint64) {
	s, ok := o.sessions[id]
	if !ok || s.Epoch() != epoch {
		return
	}
	o.pauseSender(id, "ice-down")
}

func (o *Orchestrator) sessionEngineError(id string, epoch uint64, err error) {
	s, ok := o.sessions[id]
	if !ok || s.Epoch() != epoch {
		return
	}
	// A broken pipeline is fatal to this one session only.
	o.log.Error("tearing down session after engine failure", "sender_id", id, "err", err)
	o.removeSession(id, "engine-failure")
	// Re-invite the sender; a fresh share-started will build a new session.
	if o.shareReq != nil {
		if err := o.shareReq.SendShareRequest(id); err != nil {
			o.log.Warn("share re-request failed", "sender_id", id, "err", err)
		}
	}
}

// sessionFrame arms the global one-shot termination countdown on the first
// frame from any session.
func (o *Orchestrator) sessionFrame(id string) {
	if o.firstFrame {
		return
	}
	o.firstFrame = true
	o.log.Info("first frame received, arming termination timer",
		"sender_id", id, "timeout", o.cfg.SessionTimeout)
	o.termCancel = o.sched.Schedule(o.cfg.SessionTimeout, func() {
		o.log.Info("live-session window expired")
		close(o.done)
	})
}

func (o *Orchestrator) removeSession(id, reason string) {
	s, ok := o.sessions[id]
	if !ok {
		return
	}
	delete(o.sessions, id)
	for i, oid := range o.order {
		if oid == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	for slot, sid := range o.cellAssign {
		if sid == id {
			delete(o.cellAssign, slot)
			o.presenter.ShowPlaceholder(slot)
		}
	}
	name := s.Name()
	s.Close()
	o.metrics.Inc(metrics.SessionRemoved)
	o.log.Info("session removed", "sender_id", id, "reason", reason)
	o.roster.PublishLeft(id, name)
	if len(o.sessions) == 0 {
		o.presenter.AllSendersGone()
	}
	o.notifyMembershipChanged()
}

// assignSenderToCell enforces the slot bijection by eviction: the sender
// leaves any slot it held, and the target slot's previous occupant is simply
// displaced.
func (o *Orchestrator) assignSenderToCell(slot int, id string) {
	s, ok := o.sessions[id]
	if !ok || slot < 0 {
		return
	}
	for existingSlot, sid := range o.cellAssign {
		if sid == id && existingSlot != slot {
			delete(o.cellAssign, existingSlot)
		}
	}
	o.cellAssign[slot] = id

	surface, ready := o.presenter.Surface(slot)
	if !ready {
		surface = 0
	}
	s.Resume(surface)
	o.log.Debug("cell assigned", "slot", slot, "sender_id", id)
}

// applyLayout clears assignments and re-assigns the listed participants to
// slots in order, skipping ids with no session.
func (o *Orchestrator) applyLayout(layout int, participants []wire.SenderInfo) {
	o.log.Info("applying layout", "layout", layout, "participants", len(participants))
	o.cellAssign = make(map[int]string)
	slot := 0
	for _, p := range participants {
		if _, known := o.sessions[p.ID]; !known {
			o.log.Warn("layout references unknown sender, skipping", "sender_id", p.ID)
			continue
		}
		o.assignSenderToCell(slot, p.ID)
		slot++
	}
	o.notifyMembershipChanged()
}

func (o *Orchestrator) surfaceForSender(id string) (uintptr, bool) {
	for slot, sid := range o.cellAssign {
		if sid == id {
			return o.presenter.Surface(slot)
		}
	}
	return 0, false
}

func (o *Orchestrator) rosterSnapshot() []RosterEntry {
	out := make([]RosterEntry, 0, len(o.order))
	for _, id := range o.order {
		if s := o.sessions[id]; s != nil {
			out = append(out, RosterEntry{ID: id, Name: s.Name(), Active: s.ShareActive()})
		}
	}
	return out
}

func (o *Orchestrator) notifyMembershipChanged() {
	o.roster.PublishRoster(o.rosterSnapshot())
}

package metrics

import "sync"

// Counter names used by the signaling hub and the receiver core.
const (
	SenderJoined          = "sender_joined"
	ReceiverJoined        = "receiver_joined"
	JoinRejectedNoRecv    = "join_rejected_no_receiver"
	JoinRejectedNameTaken = "join_rejected_name_taken"
	SignalRelayed         = "signal_relayed"
	SignalDropped         = "signal_dropped"
	SenderRemoved         = "sender_removed"
	RoomDeleted           = "room_deleted"
	LeaveNotification     = "leave_notification"
	DropReasonRateLimited = "rate_limited"

	SessionCreated   = "session_created"
	SessionRemoved   = "session_removed"
	SessionPaused    = "session_paused"
	SessionResumed   = "session_resumed"
	MalformedAnswer  = "malformed_answer"
	IceDownConfirmed = "ice_down_confirmed"
	IceBlipAbsorbed  = "ice_blip_absorbed"
	StatsPublished   = "stats_published"
	StatsSuppressed  = "stats_suppressed"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It keeps lifecycle and enforcement logic testable without pulling a metrics
// backend into the core; the hub exposes it via the Prometheus text handler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

// Package statspub rate-limits outbound telemetry: at most one stats message
// per sender per interval, no matter how often the engine samples.
package statspub

import (
	"sync"
	"time"

	"github.com/w0ne23/MultiFlexer/internal/engine"
	"github.com/w0ne23/MultiFlexer/internal/metrics"
	"github.com/w0ne23/MultiFlexer/internal/ratelimit"
)

// Update is the stats/update payload.
type Update struct {
	Name   string  `json:"name"`
	FPS    float64 `json:"fps"`
	Drop   float64 `json:"drop"`
	AvgFPS float64 `json:"avg_fps"`
	Mbps   float64 `json:"mbps"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
}

// Publisher forwards snapshots to the publish func, dropping samples that
// arrive inside the per-sender interval. Safe for concurrent use by the
// per-session stats workers.
type Publisher struct {
	clock    ratelimit.Clock
	interval time.Duration
	publish  func(Update)
	metrics  *metrics.Metrics

	mu   sync.Mutex
	last map[string]time.Time
}

func New(clock ratelimit.Clock, interval time.Duration, m *metrics.Metrics, publish func(Update)) *Publisher {
	return &Publisher{
		clock:    clock,
		interval: interval,
		publish:  publish,
		metrics:  m,
		last:     make(map[string]time.Time),
	}
}

// Publish emits the snapshot for senderID unless one was emitted less than the
// interval ago. Returns whether a message went out.
func (p *Publisher) Publish(senderID, name string, snap engine.Snapshot) bool {
	now := p.clock.Now()

	p.mu.Lock()
	if last, ok := p.last[senderID]; ok && now.Sub(last) < p.interval {
		p.mu.Unlock()
		p.metrics.Inc(metrics.StatsSuppressed)
		return false
	}
	p.last[senderID] = now
	p.mu.Unlock()

	p.publish(Update{
		Name:   name,
		FPS:    snap.FPS,
		Drop:   snap.DropRate,
		AvgFPS: snap.AvgFPS,
		Mbps:   snap.BitrateMbps,
		Width:  snap.Width,
		Height: snap.Height,
	})
	p.metrics.Inc(metrics.StatsPublished)
	return true
}

// Forget clears the rate-limit entry for a removed sender.
func (p *Publisher) Forget(senderID string) {
	p.mu.Lock()
	delete(p.last, senderID)
	p.mu.Unlock()
}

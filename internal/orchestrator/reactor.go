package orchestrator

import (
	"context"
	"sync/atomic"
	"time"
)

// Reactor is the single-threaded event loop the orchestration core runs on.
// Post hands a task to the loop; Schedule runs one later, also on the loop.
// It satisfies session.Scheduler.
type Reactor struct {
	tasks chan func()
}

func NewReactor() *Reactor {
	return &Reactor{tasks: make(chan func(), 256)}
}

// Run consumes tasks until ctx is cancelled.
func (r *Reactor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-r.tasks:
			fn()
		}
	}
}

func (r *Reactor) Post(fn func()) {
	r.tasks <- fn
}

// Schedule arms a timer that posts fn to the loop when it fires. The returned
// cancel is safe to call from the loop; a task already posted but cancelled is
// skipped.
func (r *Reactor) Schedule(d time.Duration, fn func()) (cancel func()) {
	var cancelled atomic.Bool
	timer := time.AfterFunc(d, func() {
		r.Post(func() {
			if !cancelled.Load() {
				fn()
			}
		})
	})
	return func() {
		cancelled.Store(true)
		timer.Stop()
	}
}

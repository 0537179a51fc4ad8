// ABOUTME: In-flight task handle and the per-conversation lifecycle states
// ABOUTME: Settlement is a closed channel so supersession can await full teardown

package dispatch

import (
	"context"
	"sync"

	"github.com/2389/seance/internal/backend"
	"github.com/2389/seance/internal/status"
)

// State is one conversation's position in the turn lifecycle.
type State int

const (
	StateIdle State = iota
	StateDispatching
	StateActive
	StateSuperseding
	StateCompleted
	StateCancelled
	StateFailed
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatching:
		return "dispatching"
	case StateActive:
		return "active"
	case StateSuperseding:
		return "superseding"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	case StateTornDown:
		return "torn_down"
	default:
		return "unknown"
	}
}

// task is one dispatched turn. The settled channel closes only when the
// turn has fully finished, including status finalization and slot release,
// so a superseder that awaits it knows the old resources are gone.
type task struct {
	id      string
	backend string
	req     *backend.Request
	ctx     context.Context
	cancel  context.CancelFunc
	settled chan struct{}

	mu       sync.Mutex
	reporter *status.Reporter
}

func newTask(ctx context.Context, cancel context.CancelFunc, backendName string, req *backend.Request) *task {
	return &task{
		id:      req.RequestID,
		backend: backendName,
		req:     req,
		ctx:     ctx,
		cancel:  cancel,
		settled: make(chan struct{}),
	}
}

// finished reports whether the turn has settled.
func (t *task) finished() bool {
	select {
	case <-t.settled:
		return true
	default:
		return false
	}
}

func (t *task) setReporter(r *status.Reporter) {
	t.mu.Lock()
	t.reporter = r
	t.mu.Unlock()
}

func (t *task) statusReporter() *status.Reporter {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reporter
}

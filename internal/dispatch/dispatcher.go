// ABOUTME: Dispatcher routes conversation turns to named backend adapters.
// ABOUTME: Enforces per-conversation single-flight with supersession and owns the ack lifecycle.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/2389/seance/internal/backend"
	"github.com/2389/seance/internal/fault"
	"github.com/2389/seance/internal/notify"
	"github.com/2389/seance/internal/status"
)

// ErrBackendRegistered indicates a backend with the same name is already registered.
var ErrBackendRegistered = errors.New("backend already registered")

// finalizeTimeout bounds the status reporter's final edit after a turn.
const finalizeTimeout = 5 * time.Second

// entry pairs a registered adapter with its declared capabilities.
type entry struct {
	adapter backend.Adapter
	caps    backend.Capabilities
}

// Dispatcher routes turns to registered adapters and guarantees at most
// one active task per conversation. The flight lock is held only across
// the check-and-claim decision, never across a turn, so long-running tasks
// stay cancellable.
type Dispatcher struct {
	sink     notify.Sink
	notifier *backend.Notifier
	policy   status.Policy
	logger   *slog.Logger

	mu       sync.RWMutex
	backends map[string]entry

	flightMu sync.Mutex
	inflight map[string]*task // base scope id -> unfinished turn

	stateMu sync.Mutex
	states  map[string]State // composite key -> last observed state
}

// New creates a dispatcher delivering user-visible output through sink.
func New(sink notify.Sink, policy status.Policy, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sink:     sink,
		notifier: backend.NewNotifier(sink, logger),
		policy:   policy,
		logger:   logger.With("component", "dispatch"),
		backends: make(map[string]entry),
		inflight: make(map[string]*task),
		states:   make(map[string]State),
	}
}

// Register adds a named adapter. Returns ErrBackendRegistered if the name
// is taken.
func (d *Dispatcher) Register(name string, adapter backend.Adapter, caps backend.Capabilities) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.backends[name]; exists {
		return fmt.Errorf("%w: %s", ErrBackendRegistered, name)
	}
	d.backends[name] = entry{adapter: adapter, caps: caps}
	d.logger.Info("=== BACKEND REGISTERED ===",
		"backend", name,
		"supports_stop", caps.SupportsStop,
		"supports_clear", caps.SupportsClear,
		"total_backends", len(d.backends))
	return nil
}

// Backends returns the registered backend names, sorted.
func (d *Dispatcher) Backends() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.backends))
	for name := range d.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Capabilities reports the declared capabilities of a backend.
func (d *Dispatcher) Capabilities(name string) (backend.Capabilities, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.backends[name]
	return e.caps, ok
}

func (d *Dispatcher) adapterFor(name string) (backend.Adapter, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.backends[name]
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// HandleMessage runs one full turn: acknowledge, claim the conversation's
// single-flight slot (superseding any unfinished task holding it), call
// the adapter, then finalize status and release the slot. It blocks until
// the turn settles.
func (d *Dispatcher) HandleMessage(ctx context.Context, backendName string, req *backend.Request) error {
	ad, ok := d.adapterFor(backendName)
	if !ok {
		d.notifier.Emit(ctx, req.Scope, notify.CategoryNotify,
			fmt.Sprintf("❌ Backend %q is not configured. Check backends.toml and the routing table.", backendName))
		return fault.Wrap(fault.BackendUnavailable,
			fmt.Errorf("backend %q not registered", backendName))
	}

	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	if req.StartedAt.IsZero() {
		req.StartedAt = time.Now()
	}

	d.sweepFinished()
	reporter := d.acknowledge(ctx, backendName, req)

	t, err := d.claim(ctx, backendName, req)
	if err != nil {
		d.finalizeReporter(reporter, "cancelled")
		return err
	}
	t.setReporter(reporter)

	return d.run(ctx, t, ad)
}

// claim takes the conversation's single-flight slot, superseding an
// unfinished task if one holds it. A third arrival can win the race while
// we await the old task's settle, so the check loops.
func (d *Dispatcher) claim(ctx context.Context, backendName string, req *backend.Request) (*task, error) {
	for {
		d.flightMu.Lock()
		prev := d.inflight[req.BaseScopeID]
		if prev == nil || prev.finished() {
			tctx, cancel := context.WithCancel(ctx)
			t := newTask(tctx, cancel, backendName, req)
			d.inflight[req.BaseScopeID] = t
			d.flightMu.Unlock()
			d.setState(req.CompositeKey, StateDispatching)
			return t, nil
		}
		d.flightMu.Unlock()

		if err := d.supersede(ctx, prev, req); err != nil {
			return nil, err
		}
	}
}

// supersede tears down a prior unfinished task: backend abort first, then
// local cancel, then await settlement so the old resource is gone before
// the new request proceeds.
func (d *Dispatcher) supersede(ctx context.Context, prev *task, req *backend.Request) error {
	d.logger.Info("superseding active task",
		"scope_key", req.BaseScopeID,
		"old_request_id", prev.id,
		"new_request_id", req.RequestID)
	d.setState(prev.req.CompositeKey, StateSuperseding)
	d.notifier.Emit(ctx, req.Scope, notify.CategoryNotify,
		fmt.Sprintf("⚠️ %s is already processing a request in this conversation. Cancelling the previous run...",
			displayName(prev.backend)))

	if prevAd, ok := d.adapterFor(prev.backend); ok {
		if _, err := prevAd.HandleStop(ctx, prev.req); err != nil {
			d.logger.Warn("backend stop during supersession failed",
				"backend", prev.backend,
				"request_id", prev.id,
				"error", err)
		}
	}
	prev.cancel()
	select {
	case <-prev.settled:
	case <-ctx.Done():
		return ctx.Err()
	}

	d.notifier.Emit(ctx, req.Scope, notify.CategoryNotify,
		fmt.Sprintf("⏹ Previous %s task cancelled. Starting the new request...",
			displayName(prev.backend)))
	return nil
}

// run executes the turn on the caller's goroutine and settles the task.
func (d *Dispatcher) run(ctx context.Context, t *task, ad backend.Adapter) error {
	defer t.cancel()

	d.setState(t.req.CompositeKey, StateActive)
	d.logger.Info("dispatching message",
		"backend", t.backend,
		"request_id", t.id,
		"scope_key", t.req.BaseScopeID,
		"working_path", t.req.WorkingPath)

	err := ad.HandleMessage(t.ctx, t.req)

	var final State
	switch {
	case err == nil:
		final = StateCompleted
	case ctx.Err() != nil:
		// The caller's own context died; propagate.
		final = StateCancelled
	case t.ctx.Err() != nil:
		// Local cancel: supersession or an explicit stop. Informational,
		// not an error for the caller.
		final = StateCancelled
		err = nil
	default:
		final = d.surfaceFailure(ctx, t, err)
	}

	d.setState(t.req.CompositeKey, final)
	switch final {
	case StateCompleted:
		d.finalizeReporter(t.statusReporter(), "")
	case StateCancelled:
		d.finalizeReporter(t.statusReporter(), "cancelled")
	default:
		d.finalizeReporter(t.statusReporter(), "failed")
	}
	d.release(t.req.BaseScopeID, t)
	close(t.settled)

	d.logger.Info("turn settled",
		"backend", t.backend,
		"request_id", t.id,
		"state", final.String(),
		"elapsed", time.Since(t.req.StartedAt))
	return err
}

// surfaceFailure notifies the user according to the failure kind and
// returns the terminal state for the key.
func (d *Dispatcher) surfaceFailure(ctx context.Context, t *task, err error) State {
	kind := fault.KindOf(err)
	if kind == fault.Unknown {
		kind = fault.Classify(err)
	}
	name := displayName(t.backend)

	var msg string
	state := StateFailed
	switch kind {
	case fault.ConfigMissing:
		msg = fmt.Sprintf("❌ %s is not configured correctly. Check the binary path and environment in backends.toml.", name)
	case fault.BackendUnavailable:
		msg = fmt.Sprintf("❌ %s is unavailable right now. Check that the backend can start.", name)
	case fault.SessionBroken:
		msg = fmt.Sprintf("⚠️ The %s session broke mid-turn. Please resend your message.", name)
		state = StateTornDown
	case fault.TransientIO:
		msg = fmt.Sprintf("⚠️ %s kept timing out. Please try again in a moment.", name)
	case fault.Superseded:
		// A newer request took over; the superseder already notified.
		return StateCancelled
	default:
		msg = fmt.Sprintf("❌ %s error: %v", name, err)
	}

	d.logger.Error("turn failed",
		"backend", t.backend,
		"request_id", t.id,
		"kind", kind.String(),
		"error", err)
	d.notifier.Emit(ctx, t.req.Scope, notify.CategoryNotify, msg)
	return state
}

// acknowledge posts the receipt message and binds a status reporter to it.
// A failed ack is logged and skipped: the turn proceeds without progress
// edits rather than failing before the backend ever runs.
func (d *Dispatcher) acknowledge(ctx context.Context, backendName string, req *backend.Request) *status.Reporter {
	text := fmt.Sprintf("📨 %s received, processing...", displayName(backendName))
	id, err := d.sink.Send(ctx, req.Scope, notify.CategoryNotify, text)
	if err != nil {
		d.logger.Debug("ack send failed", "scope", req.Scope, "error", err)
		return nil
	}
	req.AckMessageID = id

	ticket := status.NewTicket(req.Scope, id, req.StartedAt)
	req.Ticket = ticket
	r := status.NewReporter(d.policy, d.sink, ticket, displayName(backendName), d.logger)
	r.Start()
	return r
}

func (d *Dispatcher) finalizeReporter(r *status.Reporter, finalActivity string) {
	if r == nil {
		return
	}
	// Detached context: the turn's context may already be cancelled and the
	// final edit still has to go out.
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	r.Stop(ctx, finalActivity)
}

// HandleStop interrupts the scope's active work: backend abort first, then
// local task cancellation, awaiting settlement. Returns true only if
// something was actually interrupted.
func (d *Dispatcher) HandleStop(ctx context.Context, backendName string, req *backend.Request) (bool, error) {
	ad, ok := d.adapterFor(backendName)
	if !ok {
		return false, fault.Wrap(fault.BackendUnavailable,
			fmt.Errorf("backend %q not registered", backendName))
	}

	stopped, err := ad.HandleStop(ctx, req)
	if err != nil {
		return false, err
	}

	d.flightMu.Lock()
	t := d.inflight[req.BaseScopeID]
	d.flightMu.Unlock()
	if t == nil || t.finished() {
		return stopped, nil
	}

	t.cancel()
	select {
	case <-t.settled:
	case <-ctx.Done():
		return true, ctx.Err()
	}
	return true, nil
}

// ClearSessions delegates to every registered adapter and aggregates
// non-zero counts by backend name. Individual failures are logged and do
// not block the other backends.
func (d *Dispatcher) ClearSessions(ctx context.Context, scopeKey string) map[string]int {
	counts := make(map[string]int)
	for _, name := range d.Backends() {
		ad, ok := d.adapterFor(name)
		if !ok {
			continue
		}
		n, err := ad.ClearSessions(ctx, scopeKey)
		if err != nil {
			d.logger.Warn("clear sessions failed",
				"backend", name,
				"scope_key", scopeKey,
				"error", err)
			continue
		}
		if n > 0 {
			counts[name] = n
		}
	}
	return counts
}

// State returns the last observed lifecycle state for a composite key.
func (d *Dispatcher) State(compositeKey string) State {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	s, ok := d.states[compositeKey]
	if !ok {
		return StateIdle
	}
	return s
}

func (d *Dispatcher) setState(compositeKey string, s State) {
	d.stateMu.Lock()
	d.states[compositeKey] = s
	d.stateMu.Unlock()
	d.logger.Debug("state transition",
		"composite_key", compositeKey,
		"state", s.String())
}

// sweepFinished drops settled tasks from the in-flight table. Cleanup is
// on demand at dispatch time; there is no periodic sweeper.
func (d *Dispatcher) sweepFinished() {
	d.flightMu.Lock()
	defer d.flightMu.Unlock()
	for key, t := range d.inflight {
		if t.finished() {
			delete(d.inflight, key)
		}
	}
}

// release removes the task from the in-flight table, but only if it still
// owns the slot. A superseder may have already replaced it.
func (d *Dispatcher) release(scopeKey string, t *task) {
	d.flightMu.Lock()
	defer d.flightMu.Unlock()
	if d.inflight[scopeKey] == t {
		delete(d.inflight, scopeKey)
	}
}

// Shutdown cancels all in-flight tasks and abandons their reporters. It is
// best-effort and non-blocking: settles are not awaited because process
// exit must not hang on a stuck backend.
func (d *Dispatcher) Shutdown() {
	d.flightMu.Lock()
	tasks := make([]*task, 0, len(d.inflight))
	for _, t := range d.inflight {
		tasks = append(tasks, t)
	}
	d.flightMu.Unlock()

	for _, t := range tasks {
		t.cancel()
		if r := t.statusReporter(); r != nil {
			r.Abandon()
		}
	}
	d.logger.Info("dispatcher shut down", "cancelled_tasks", len(tasks))
}

// IsStopCommand reports whether text is the inline stop shortcut users can
// type as a reply while a task runs.
func IsStopCommand(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "stop", "/stop":
		return true
	}
	return false
}

// displayName renders a backend name for user-facing messages.
func displayName(name string) string {
	if name == "" {
		return name
	}
	r := []rune(name)
	return string(unicode.ToUpper(r[0])) + string(r[1:])
}

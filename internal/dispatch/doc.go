// Package dispatch routes conversation turns to backend adapters.
//
// # Overview
//
// The dispatch package owns the orchestration guarantees the adapters rely
// on: at most one active task per conversation, clean supersession when a
// new message arrives mid-turn, and a bound acknowledgment/status lifecycle
// for every dispatched request.
//
// # Dispatcher
//
// The Dispatcher holds the named adapters and the in-flight task table:
//
//	d := dispatch.New(sink, statusPolicy, logger)
//	d.Register("claude", persistentAdapter, caps)
//
// Key operations:
//
//   - Register(name, adapter, caps): add a named backend
//   - HandleMessage(ctx, name, req): run one turn end to end
//   - HandleStop(ctx, name, req): interrupt the scope's active task
//   - ClearSessions(ctx, scopeKey): forget stored sessions on every backend
//   - Shutdown(): best-effort cancellation of everything in flight
//
// # Single-flight supervision
//
// Before a turn starts, the dispatcher checks the in-flight table for the
// conversation's base scope id. An unfinished task there is superseded:
// the user is notified, the adapter's backend-specific stop runs, the old
// task's context is cancelled and its settlement awaited, and only then
// does the new turn claim the slot. The table lock is held only across the
// check-and-claim decision, so a running turn stays cancellable.
//
// # Lifecycle states
//
// Each composite key moves through
//
//	Idle -> Dispatching -> Active -> Completed | Cancelled | Failed
//
// with Superseding covering the teardown window when a newer request
// replaces an active one, and TornDown marking a failure that invalidated
// the backend resource. State(key) exposes the last observed state for
// diagnostics and tests.
package dispatch

// ABOUTME: Backend adapter contract shared by all execution variants
// ABOUTME: Defines the Request shape and the Adapter interface the dispatcher drives

package backend

import (
	"context"
	"time"

	"github.com/2389/seance/internal/status"
)

// Capabilities declares which optional operations an adapter supports.
type Capabilities struct {
	SupportsStop  bool
	SupportsClear bool
}

// Request carries one inbound message to a backend. The core fields are
// immutable once constructed; progressive turn state lives in the adapter's
// own TurnAccumulator, and the status ticket is the one deliberately shared
// mutable surface (activity text for the reporter).
type Request struct {
	// RequestID uniquely identifies this dispatch for logs and supersession.
	RequestID string

	// Text is the user's message.
	Text string

	// Scope is the notification coordinate the sink delivers to.
	Scope string

	// BaseScopeID is the stable conversation identifier.
	BaseScopeID string

	// CompositeKey is BaseScopeID + ":" + WorkingPath.
	CompositeKey string

	// SettingsKey addresses scope-level settings (overrides).
	SettingsKey string

	// WorkingPath is the resolved working directory for this turn.
	WorkingPath string

	// AckMessageID is the acknowledgment message bound to the status
	// reporter, when one was sent.
	AckMessageID string

	// Overrides are per-conversation call parameters. Empty values fall
	// back to the backend profile, then to the backend's own defaults.
	AgentOverride     string
	ModelOverride     string
	ReasoningOverride string

	// Ticket receives activity updates while the turn runs. May be nil.
	Ticket *status.Ticket

	// StartedAt is when the dispatcher accepted the message.
	StartedAt time.Time
}

// Adapter is implemented by each backend execution variant. HandleMessage
// may run for the whole turn; it must honor ctx cancellation at every
// blocking point so supersession can interrupt it.
type Adapter interface {
	// Name returns the registered backend name.
	Name() string

	// HandleMessage runs one turn against the backend, funneling all
	// user-visible output through the notification sink.
	HandleMessage(ctx context.Context, req *Request) error

	// HandleStop interrupts the active task for the request's scope.
	// Returns true only if something was actually interrupted.
	HandleStop(ctx context.Context, req *Request) (bool, error)

	// ClearSessions forgets every stored session under the scope key and
	// returns how many were cleared.
	ClearSessions(ctx context.Context, scopeKey string) (int, error)
}

// ABOUTME: Status ticket carrying the mutable activity line for one request
// ABOUTME: Written by backend adapters as sub-steps occur, read by the reporter loop

package status

import (
	"sync"
	"time"
)

// Ticket points at the acknowledgment message for one request and carries
// the activity text the backend is currently performing. Adapters update
// the activity from their own goroutines; the reporter reads it on every
// tick, so access is mutex-guarded.
type Ticket struct {
	mu        sync.Mutex
	scope     string
	messageID string
	activity  string
	started   time.Time
}

// NewTicket creates a ticket for the given message coordinate.
func NewTicket(scope, messageID string, started time.Time) *Ticket {
	return &Ticket{
		scope:     scope,
		messageID: messageID,
		started:   started,
	}
}

// SetActivity replaces the current activity line.
func (t *Ticket) SetActivity(activity string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.activity = activity
}

// Activity returns the current activity line.
func (t *Ticket) Activity() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activity
}

// Scope returns the notification scope the ticket's message lives in.
func (t *Ticket) Scope() string {
	return t.scope
}

// MessageID returns the id of the message the reporter edits.
func (t *Ticket) MessageID() string {
	return t.messageID
}

// Started returns when the request began.
func (t *Ticket) Started() time.Time {
	return t.started
}

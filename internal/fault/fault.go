// ABOUTME: Failure classification for backend and orchestration errors
// ABOUTME: Maps raw errors to recovery kinds so callers never branch on transport details

package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind categorizes a failure by the recovery it demands.
type Kind int

const (
	// Unknown failures are logged with context and surfaced generically;
	// the session is left intact.
	Unknown Kind = iota

	// TransientIO covers network and timeout failures worth retrying.
	TransientIO

	// SessionBroken means the cached backend resource is no longer usable.
	// The owner must tear it down and invalidate its cache entry; never
	// retry on the stale resource.
	SessionBroken

	// ConfigMissing means a required configuration value is absent.
	// Surfaced immediately, no retry, no state change.
	ConfigMissing

	// BackendUnavailable means the named backend is not registered or not
	// reachable at all. Surfaced immediately.
	BackendUnavailable

	// Superseded is not an error: a newer request for the same scope
	// cancelled this one. Reported as an informational notice only.
	Superseded
)

func (k Kind) String() string {
	switch k {
	case TransientIO:
		return "transient_io"
	case SessionBroken:
		return "session_broken"
	case ConfigMissing:
		return "config_missing"
	case BackendUnavailable:
		return "backend_unavailable"
	case Superseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// Error carries a Kind alongside the underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error from a message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// Wrap attaches a kind to an existing error. A nil err returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind carried by err. Errors without an explicit kind
// are classified by inspection via Classify.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Classify(err)
}

// sessionBrokenMarkers are substrings that identify a dead persistent
// connection or a concurrent-access violation on one.
var sessionBrokenMarkers = []string{
	"session is broken",
	"connection closed",
	"connection lost",
	"concurrent read",
}

// Classify inspects an unwrapped error and assigns the closest kind.
// Explicit wrapping at the failure site always wins over this fallback.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return TransientIO
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TransientIO
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return TransientIO
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range sessionBrokenMarkers {
		if strings.Contains(msg, marker) {
			return SessionBroken
		}
	}

	return Unknown
}

// Retryable reports whether the error should re-enter a retry loop.
// Only transient I/O failures qualify.
func Retryable(err error) bool {
	return KindOf(err) == TransientIO
}

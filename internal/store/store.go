// ABOUTME: Store interface and data types for session-id persistence
// ABOUTME: Defines the Session mapping and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Session maps a conversation scope and working path to a backend's native
// session identifier, so a conversation can resume across process restarts.
type Session struct {
	Backend     string
	ScopeKey    string
	WorkingPath string
	NativeID    string
	UpdatedAt   time.Time
}

// Store defines the interface for session-id persistence
type Store interface {
	// Get returns the native session id for (scopeKey, backend, workingPath),
	// or ErrNotFound if no mapping exists.
	Get(ctx context.Context, scopeKey, backend, workingPath string) (string, error)

	// Set records the native session id for (scopeKey, backend, workingPath),
	// replacing any previous mapping.
	Set(ctx context.Context, scopeKey, backend, workingPath, nativeID string) error

	// ClearAll removes every mapping for (scopeKey, backend) across all
	// working paths and returns the number of mappings removed.
	ClearAll(ctx context.Context, scopeKey, backend string) (int, error)

	// ListByBackend returns all sessions stored for a backend, newest first.
	ListByBackend(ctx context.Context, backend string) ([]*Session, error)

	// Close releases any resources held by the store
	Close() error
}

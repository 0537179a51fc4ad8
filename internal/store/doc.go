// Package store provides persistent session-id storage using SQLite.
//
// A session row maps (backend, scope key, working path) to the backend's
// native resumable session identifier. The mapping is the anchor for
// conversation continuity across process restarts: adapters look up a
// stored native id before connecting and write one back as soon as the
// backend reports it.
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// All methods accept context.Context for cancellation support. Get returns
// ErrNotFound when no mapping exists; callers treat that as "start fresh",
// not as a failure.
package store

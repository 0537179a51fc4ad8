// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session-id persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			backend      TEXT NOT NULL,
			scope_key    TEXT NOT NULL,
			working_path TEXT NOT NULL,
			native_id    TEXT NOT NULL,
			updated_at   DATETIME NOT NULL,

			PRIMARY KEY (backend, scope_key, working_path)
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_backend
			ON sessions(backend, updated_at);

		CREATE INDEX IF NOT EXISTS idx_sessions_scope
			ON sessions(scope_key);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Get returns the native session id for (scopeKey, backend, workingPath)
func (s *SQLiteStore) Get(ctx context.Context, scopeKey, backend, workingPath string) (string, error) {
	var nativeID string
	err := s.db.QueryRowContext(ctx,
		`SELECT native_id FROM sessions WHERE backend = ? AND scope_key = ? AND working_path = ?`,
		backend, scopeKey, workingPath,
	).Scan(&nativeID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying session: %w", err)
	}
	return nativeID, nil
}

// Set records the native session id, replacing any previous mapping
func (s *SQLiteStore) Set(ctx context.Context, scopeKey, backend, workingPath, nativeID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (backend, scope_key, working_path, native_id, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(backend, scope_key, working_path)
		 DO UPDATE SET native_id = excluded.native_id, updated_at = excluded.updated_at`,
		backend, scopeKey, workingPath, nativeID, now,
	)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}

	s.logger.Debug("session saved",
		"backend", backend,
		"scope_key", scopeKey,
		"working_path", workingPath)
	return nil
}

// ClearAll removes every mapping for (scopeKey, backend)
func (s *SQLiteStore) ClearAll(ctx context.Context, scopeKey, backend string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE backend = ? AND scope_key = ?`,
		backend, scopeKey,
	)
	if err != nil {
		return 0, fmt.Errorf("clearing sessions: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting cleared sessions: %w", err)
	}

	if n > 0 {
		s.logger.Info("sessions cleared",
			"backend", backend,
			"scope_key", scopeKey,
			"count", n)
	}
	return int(n), nil
}

// ListByBackend returns all sessions stored for a backend, newest first
func (s *SQLiteStore) ListByBackend(ctx context.Context, backend string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT backend, scope_key, working_path, native_id, updated_at
		 FROM sessions WHERE backend = ? ORDER BY updated_at DESC`,
		backend,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.Backend, &sess.ScopeKey, &sess.WorkingPath, &sess.NativeID, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

// Close releases the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

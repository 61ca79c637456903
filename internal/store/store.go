// Package store persists session lifecycle and permission decisions to
// a local sqlite database for the status API and post-hoc inspection.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the sqlite handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies
// pending migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SessionRow is one persisted session.
type SessionRow struct {
	SessionID        string
	WorkingDirectory string
	Phase            string
	StartedAt        time.Time
	LastActivityAt   time.Time
	EndedAt          sql.NullTime
}

// DecisionRow is one persisted permission decision.
type DecisionRow struct {
	ToolUseID string
	SessionID string
	Tool      string
	Decision  string
	Reason    string
	DecidedAt time.Time
}

// UpsertSession records a session start, or refreshes activity for a
// session already known.
func (s *Store) UpsertSession(ctx context.Context, sessionID, workDir string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, working_directory, phase, started_at, last_activity_at)
		VALUES (?, ?, 'idle', ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET last_activity_at = excluded.last_activity_at
	`, sessionID, workDir, at, at)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// UpdateSessionPhase records the session's current phase.
func (s *Store) UpdateSessionPhase(ctx context.Context, sessionID, phase string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET phase = ?, last_activity_at = ? WHERE session_id = ?
	`, phase, at, sessionID)
	if err != nil {
		return fmt.Errorf("update session phase: %w", err)
	}
	return nil
}

// EndSession marks a session ended.
func (s *Store) EndSession(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET phase = 'ended', ended_at = ?, last_activity_at = ? WHERE session_id = ?
	`, at, at, sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// RecordDecision logs a permission decision.
func (s *Store) RecordDecision(ctx context.Context, d DecisionRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permission_decisions (tool_use_id, session_id, tool, decision, reason, decided_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, d.ToolUseID, d.SessionID, d.Tool, d.Decision, d.Reason, d.DecidedAt)
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}

// GetSession returns one session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (SessionRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, working_directory, phase, started_at, last_activity_at, ended_at
		FROM sessions WHERE session_id = ?
	`, sessionID)

	var r SessionRow
	if err := row.Scan(&r.SessionID, &r.WorkingDirectory, &r.Phase, &r.StartedAt, &r.LastActivityAt, &r.EndedAt); err != nil {
		return SessionRow{}, err
	}
	return r, nil
}

// ListRecentSessions returns the most recently active sessions.
func (s *Store) ListRecentSessions(ctx context.Context, limit int) ([]SessionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, working_directory, phase, started_at, last_activity_at, ended_at
		FROM sessions ORDER BY last_activity_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		if err := rows.Scan(&r.SessionID, &r.WorkingDirectory, &r.Phase, &r.StartedAt, &r.LastActivityAt, &r.EndedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListDecisions returns the decisions recorded for a session, oldest
// first.
func (s *Store) ListDecisions(ctx context.Context, sessionID string) ([]DecisionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_use_id, session_id, tool, decision, reason, decided_at
		FROM permission_decisions WHERE session_id = ? ORDER BY decided_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionRow
	for rows.Next() {
		var d DecisionRow
		if err := rows.Scan(&d.ToolUseID, &d.SessionID, &d.Tool, &d.Decision, &d.Reason, &d.DecidedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

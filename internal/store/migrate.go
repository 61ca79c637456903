package store

import (
	"database/sql"
	"fmt"
)

// migrations are applied in order; each entry runs once, tracked in the
// schema_migrations table.
var migrations = []struct {
	version string
	up      string
}{
	{
		version: "001_sessions",
		up: `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id        TEXT PRIMARY KEY,
			working_directory TEXT NOT NULL,
			phase             TEXT NOT NULL DEFAULT 'idle',
			started_at        TIMESTAMP NOT NULL,
			last_activity_at  TIMESTAMP NOT NULL,
			ended_at          TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity_at);
		`,
	},
	{
		version: "002_permission_decisions",
		up: `
		CREATE TABLE IF NOT EXISTS permission_decisions (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			tool_use_id TEXT NOT NULL,
			session_id  TEXT NOT NULL,
			tool        TEXT NOT NULL,
			decision    TEXT NOT NULL,
			reason      TEXT NOT NULL DEFAULT '',
			decided_at  TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_decisions_session ON permission_decisions(session_id);
		`,
	},
}

// migrate applies pending migrations inside transactions.
func migrate(db *sql.DB) error {
	if err := createMigrationsTable(db); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	for _, m := range migrations {
		applied, err := isMigrationApplied(db, m.version)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", m.version, err)
		}
		if applied {
			continue
		}
		if err := executeMigration(db, m.version, m.up); err != nil {
			return fmt.Errorf("execute migration %s: %w", m.version, err)
		}
	}
	return nil
}

func createMigrationsTable(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)
	`
	_, err := db.Exec(query)
	return err
}

func isMigrationApplied(db *sql.DB, version string) (bool, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func executeMigration(db *sql.DB, version, content string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(content); err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
		return err
	}
	return tx.Commit()
}

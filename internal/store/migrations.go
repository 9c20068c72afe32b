package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int    `json:"version"`
	Description string `json:"description"`
	Up          string `json:"-"`
}

// migrations contains all database migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with users, enrollment profiles and scored sessions",
		Up:          migrationV1Up,
	},
	{
		Version:     2,
		Description: "Add policy_rules table",
		Up:          migrationV2Up,
	},
	{
		Version:     3,
		Description: "Track rescoring of sessions",
		Up:          migrationV3Up,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS users (
    user_id     TEXT PRIMARY KEY,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS enrollment_profiles (
    user_id       TEXT PRIMARY KEY REFERENCES users(user_id) ON DELETE CASCADE,
    strategy      TEXT NOT NULL,
    profile       TEXT NOT NULL,
    sample_count  INTEGER NOT NULL,
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
    session_id          TEXT PRIMARY KEY,
    user_id             TEXT REFERENCES users(user_id) ON DELETE SET NULL,
    trust_score         REAL NOT NULL,
    is_anomaly          INTEGER NOT NULL,
    is_bot              INTEGER NOT NULL,
    adaptive_threshold  REAL NOT NULL,
    forest_score        REAL,
    reasons             TEXT NOT NULL,
    action              TEXT,
    created_at          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at);
`

const migrationV2Up = `
CREATE TABLE IF NOT EXISTS policy_rules (
    rule_id     TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    condition   TEXT NOT NULL,
    action      TEXT NOT NULL,
    priority    INTEGER NOT NULL DEFAULT 0,
    enabled     INTEGER NOT NULL DEFAULT 1,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rules_priority ON policy_rules(priority, created_at);
`

const migrationV3Up = `
ALTER TABLE sessions ADD COLUMN scored_at INTEGER NOT NULL DEFAULT 0;
ALTER TABLE sessions ADD COLUMN score_count INTEGER NOT NULL DEFAULT 1;
UPDATE sessions SET scored_at = created_at;

CREATE INDEX IF NOT EXISTS idx_sessions_scored_at ON sessions(scored_at);
`

// MigrateDB applies all pending migrations to the database.
func MigrateDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// MigrationStatus reports which schema versions are applied.
type MigrationStatus struct {
	CurrentVersion int                `json:"currentVersion"`
	LatestVersion  int                `json:"latestVersion"`
	Applied        []AppliedMigration `json:"applied"`
	Pending        []Migration        `json:"pending,omitempty"`
}

// AppliedMigration is one row of schema_migrations.
type AppliedMigration struct {
	Version     int       `json:"version"`
	Description string    `json:"description"`
	AppliedAt   time.Time `json:"appliedAt"`
}

// MigrationStatus reads the applied versions and lists what is still pending.
func (s *Store) MigrationStatus(ctx context.Context) (*MigrationStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT version, description, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("query migrations: %w", err)
	}
	defer rows.Close()

	status := &MigrationStatus{LatestVersion: migrations[len(migrations)-1].Version}
	for rows.Next() {
		var am AppliedMigration
		var desc sql.NullString
		var appliedAt int64
		if err := rows.Scan(&am.Version, &desc, &appliedAt); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		am.Description = desc.String
		am.AppliedAt = time.Unix(0, appliedAt).UTC()
		status.Applied = append(status.Applied, am)
		status.CurrentVersion = max(status.CurrentVersion, am.Version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	for _, m := range migrations {
		if m.Version > status.CurrentVersion {
			status.Pending = append(status.Pending, m)
		}
	}
	return status, nil
}

// ValidateSchema checks that every table the store writes to exists.
func ValidateSchema(db *sql.DB) error {
	for _, table := range []string{"users", "enrollment_profiles", "sessions", "policy_rules", "schema_migrations"} {
		var n int
		if err := db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&n); err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if n == 0 {
			return fmt.Errorf("missing table %s", table)
		}
	}
	return nil
}

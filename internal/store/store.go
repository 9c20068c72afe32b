// Package store provides SQLite-backed persistence for enrollment profiles,
// policy rules and scored sessions.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"fluxauth/internal/policy"
	"fluxauth/internal/profile"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Options tunes the SQLite connection.
type Options struct {
	// BusyTimeoutMs is how long a writer waits on a locked database.
	BusyTimeoutMs int
}

// Store is the SQLite persistence layer.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, Options{BusyTimeoutMs: 5000})
}

// OpenWithOptions is Open with explicit connection options.
func OpenWithOptions(path string, opts Options) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", path, opts.BusyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	if err := ValidateSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("validate schema: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying handle for migrations and diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// =============================================================================
// Profiles
// =============================================================================

// SaveProfile inserts or replaces a user's profile.
func (s *Store) SaveProfile(ctx context.Context, p *profile.Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (user_id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET updated_at = excluded.updated_at`,
		p.UserID, now, now,
	); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO enrollment_profiles (user_id, strategy, profile, sample_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			strategy = excluded.strategy,
			profile = excluded.profile,
			sample_count = excluded.sample_count,
			updated_at = excluded.updated_at`,
		p.UserID, string(p.Strategy), string(data), p.SampleCount,
		p.CreatedAt.UnixNano(), p.UpdatedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit profile: %w", err)
	}
	return nil
}

// GetProfile returns a user's profile or ErrNotFound.
func (s *Store) GetProfile(ctx context.Context, userID string) (*profile.Profile, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT profile FROM enrollment_profiles WHERE user_id = ?", userID,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("profile %q: %w", userID, ErrNotFound)
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}

	var p profile.Profile
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("decode profile %q: %w", userID, err)
	}
	return &p, nil
}

// ListProfiles returns every stored profile ordered by user id.
func (s *Store) ListProfiles(ctx context.Context) ([]*profile.Profile, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT user_id, profile FROM enrollment_profiles ORDER BY user_id")
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []*profile.Profile
	for rows.Next() {
		var userID, data string
		if err := rows.Scan(&userID, &data); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		var p profile.Profile
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("decode profile %q: %w", userID, err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// DeleteProfile removes a user and their profile. Their sessions are kept
// with the user detached.
func (s *Store) DeleteProfile(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE user_id = ?", userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return expectOne(res, "user", userID)
}

// =============================================================================
// Policy rules
// =============================================================================

// CreateRule validates and stores a rule. A missing ID is filled with a
// random UUID. The stored rule is returned.
func (s *Store) CreateRule(ctx context.Context, r policy.Rule) (policy.Rule, error) {
	if err := r.Validate(); err != nil {
		return policy.Rule{}, fmt.Errorf("invalid rule: %w", err)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	now := time.Now().UnixNano()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policy_rules (rule_id, name, condition, action, priority, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Condition, string(r.Action), r.Priority, r.Enabled, now, now,
	)
	if err != nil {
		return policy.Rule{}, fmt.Errorf("insert rule: %w", err)
	}
	return r, nil
}

// GetRule returns a rule or ErrNotFound.
func (s *Store) GetRule(ctx context.Context, id string) (policy.Rule, error) {
	var r policy.Rule
	var action string
	err := s.db.QueryRowContext(ctx, `
		SELECT rule_id, name, condition, action, priority, enabled
		FROM policy_rules WHERE rule_id = ?`, id,
	).Scan(&r.ID, &r.Name, &r.Condition, &action, &r.Priority, &r.Enabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return policy.Rule{}, fmt.Errorf("rule %q: %w", id, ErrNotFound)
		}
		return policy.Rule{}, fmt.Errorf("get rule: %w", err)
	}
	r.Action = policy.ActionType(action)
	return r, nil
}

// ListRules returns all rules, enabled or not, in evaluation order.
func (s *Store) ListRules(ctx context.Context) ([]policy.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, name, condition, action, priority, enabled
		FROM policy_rules ORDER BY priority, created_at, rule_id`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []policy.Rule
	for rows.Next() {
		var r policy.Rule
		var action string
		if err := rows.Scan(&r.ID, &r.Name, &r.Condition, &action, &r.Priority, &r.Enabled); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r.Action = policy.ActionType(action)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetRuleEnabled toggles a rule.
func (s *Store) SetRuleEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE policy_rules SET enabled = ?, updated_at = ? WHERE rule_id = ?",
		enabled, time.Now().UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	return expectOne(res, "rule", id)
}

// DeleteRule removes a rule.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM policy_rules WHERE rule_id = ?", id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return expectOne(res, "rule", id)
}

// =============================================================================
// Sessions
// =============================================================================

// SessionRecord is the persisted outcome of one scored session. Raw events
// are never stored.
type SessionRecord struct {
	ID                string    `json:"sessionId"`
	UserID            string    `json:"userId"`
	TrustScore        float64   `json:"trustScore"`
	IsAnomaly         bool      `json:"isAnomaly"`
	IsBot             bool      `json:"isBot"`
	AdaptiveThreshold float64   `json:"adaptiveThreshold"`
	ForestScore       *float64  `json:"forestScore,omitempty"`
	Reasons           []string  `json:"reasons"`
	Action            string    `json:"action,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	// ScoredAt is the time of the latest scoring; ScoreCount how many
	// times the session has been scored.
	ScoredAt   time.Time `json:"scoredAt"`
	ScoreCount int       `json:"scoreCount"`
}

// RecordSession stores a scoring outcome and returns its session id. A
// missing ID is filled with a random UUID. Recording an id that already
// exists overwrites the outcome, keeps CreatedAt and bumps ScoreCount.
func (s *Store) RecordSession(ctx context.Context, rec SessionRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	switch {
	case rec.ScoredAt.IsZero() && rec.CreatedAt.IsZero():
		rec.ScoredAt = time.Now().UTC()
		rec.CreatedAt = rec.ScoredAt
	case rec.ScoredAt.IsZero():
		rec.ScoredAt = rec.CreatedAt
	case rec.CreatedAt.IsZero():
		rec.CreatedAt = rec.ScoredAt
	}
	if rec.Reasons == nil {
		rec.Reasons = []string{}
	}
	reasons, err := json.Marshal(rec.Reasons)
	if err != nil {
		return "", fmt.Errorf("encode reasons: %w", err)
	}

	var forestScore sql.NullFloat64
	if rec.ForestScore != nil {
		forestScore = sql.NullFloat64{Float64: *rec.ForestScore, Valid: true}
	}
	var action sql.NullString
	if rec.Action != "" {
		action = sql.NullString{String: rec.Action, Valid: true}
	}
	var userID sql.NullString
	if rec.UserID != "" {
		userID = sql.NullString{String: rec.UserID, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Users scored against the default baseline have no row yet.
	if userID.Valid {
		now := rec.CreatedAt.UnixNano()
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO users (user_id, created_at, updated_at) VALUES (?, ?, ?)",
			rec.UserID, now, now,
		); err != nil {
			return "", fmt.Errorf("ensure user: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id, user_id, trust_score, is_anomaly, is_bot, adaptive_threshold, forest_score, reasons, action, created_at, scored_at, score_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(session_id) DO UPDATE SET
			user_id = excluded.user_id,
			trust_score = excluded.trust_score,
			is_anomaly = excluded.is_anomaly,
			is_bot = excluded.is_bot,
			adaptive_threshold = excluded.adaptive_threshold,
			forest_score = excluded.forest_score,
			reasons = excluded.reasons,
			action = excluded.action,
			scored_at = excluded.scored_at,
			score_count = sessions.score_count + 1`,
		rec.ID, userID, rec.TrustScore, rec.IsAnomaly, rec.IsBot, rec.AdaptiveThreshold,
		forestScore, string(reasons), action, rec.CreatedAt.UnixNano(), rec.ScoredAt.UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("upsert session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit session: %w", err)
	}
	return rec.ID, nil
}

// RecentSessions returns up to limit of a user's sessions, most recently
// scored first.
func (s *Store) RecentSessions(ctx context.Context, userID string, limit int) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, user_id, trust_score, is_anomaly, is_bot, adaptive_threshold, forest_score, reasons, action, created_at, scored_at, score_count
		FROM sessions WHERE user_id = ? ORDER BY scored_at DESC, rowid DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var user, action sql.NullString
		var forestScore sql.NullFloat64
		var reasons string
		var createdAt, scoredAt int64
		if err := rows.Scan(&rec.ID, &user, &rec.TrustScore, &rec.IsAnomaly, &rec.IsBot,
			&rec.AdaptiveThreshold, &forestScore, &reasons, &action, &createdAt,
			&scoredAt, &rec.ScoreCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		rec.UserID = user.String
		rec.Action = action.String
		if forestScore.Valid {
			fs := forestScore.Float64
			rec.ForestScore = &fs
		}
		if err := json.Unmarshal([]byte(reasons), &rec.Reasons); err != nil {
			return nil, fmt.Errorf("decode reasons: %w", err)
		}
		rec.CreatedAt = time.Unix(0, createdAt).UTC()
		rec.ScoredAt = time.Unix(0, scoredAt).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func expectOne(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
	}
	return nil
}

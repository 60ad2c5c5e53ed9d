// Package journal keeps a local sqlite record of capture attempts so an
// operator can reconstruct what happened on a workstation after the fact.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const busyTimeout = 5 * time.Second

// Attempt is one recorded helper invocation triggered by an enroll request.
type Attempt struct {
	ID          string
	ClientID    string
	FingerLabel string
	Outcome     string
	ErrorCode   string
	SupabaseID  string
	CreatedAt   time.Time
}

// Journal is the sqlite-backed attempt log. Safe for concurrent use.
type Journal struct {
	db *sql.DB
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS capture_attempts (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		finger_label TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		error_code TEXT NOT NULL DEFAULT '',
		supabase_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_capture_attempts_created
		ON capture_attempts(created_at DESC)`,
}

// Open initialises the journal database at path, creating the schema on
// first use.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("journal: apply pragma: %w", err)
		}
	}

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("journal: apply schema: %w", err)
		}
	}

	return &Journal{db: db}, nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores one attempt. CreatedAt defaults to now when zero.
func (j *Journal) Record(ctx context.Context, a Attempt) error {
	if a.ID == "" {
		return fmt.Errorf("journal: attempt id is required")
	}
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO capture_attempts (id, client_id, finger_label, outcome, error_code, supabase_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ClientID, a.FingerLabel, a.Outcome, a.ErrorCode, a.SupabaseID,
		createdAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("journal: record attempt: %w", err)
	}
	return nil
}

// Recent returns up to limit attempts, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, client_id, finger_label, outcome, error_code, supabase_id, created_at
		 FROM capture_attempts ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var a Attempt
		var createdAt string
		if err := rows.Scan(&a.ID, &a.ClientID, &a.FingerLabel, &a.Outcome, &a.ErrorCode, &a.SupabaseID, &createdAt); err != nil {
			return nil, fmt.Errorf("journal: scan attempt: %w", err)
		}
		if ts, parseErr := time.Parse(time.RFC3339, createdAt); parseErr == nil {
			a.CreatedAt = ts
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterate attempts: %w", err)
	}
	return attempts, nil
}

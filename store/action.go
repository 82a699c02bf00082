package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ActionStore is the audit trail of reconcile actions: every order
// the engine created, amended or cancelled, plus stop updates. Useful
// for post-mortems when the venue and the plan disagree.
type ActionStore struct {
	db *sql.DB
}

// Action is one recorded reconcile step.
type Action struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Kind      string    `json:"kind"` // "create", "cancel", "amend", "set_stop", "adopt"
	Detail    string    `json:"detail"`
	DryRun    bool      `json:"dry_run"`
}

func (s *ActionStore) initTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS reconcile_actions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			symbol TEXT NOT NULL,
			kind TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			dry_run INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_symbol_time ON reconcile_actions(symbol, timestamp DESC)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute SQL: %w", err)
		}
	}
	return nil
}

// Record appends one action.
func (s *ActionStore) Record(a Action) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	dryRun := 0
	if a.DryRun {
		dryRun = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO reconcile_actions (timestamp, symbol, kind, detail, dry_run)
		VALUES (?, ?, ?, ?, ?)
	`, a.Timestamp.UTC().Format(time.RFC3339), a.Symbol, a.Kind, a.Detail, dryRun)
	if err != nil {
		return fmt.Errorf("failed to record action: %w", err)
	}
	return nil
}

// Recent returns up to limit most recent actions, newest first.
func (s *ActionStore) Recent(limit int) ([]Action, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, timestamp, symbol, kind, detail, dry_run
		FROM reconcile_actions ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		var (
			a      Action
			ts     string
			dryRun int
		)
		if err := rows.Scan(&a.ID, &ts, &a.Symbol, &a.Kind, &a.Detail, &dryRun); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		t, perr := time.Parse(time.RFC3339, ts)
		if perr != nil {
			return nil, fmt.Errorf("failed to parse action timestamp: %w", perr)
		}
		a.Timestamp = t
		a.DryRun = dryRun != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

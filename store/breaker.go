package store

import (
	"database/sql"
	"fmt"
	"time"
)

// BreakerStore persists the trading halt flag so it survives restarts.
type BreakerStore struct {
	db *sql.DB
}

// BreakerState is the single persisted breaker row.
type BreakerState struct {
	Active     bool      `json:"active"`
	Reason     string    `json:"reason"`
	SetAt      time.Time `json:"set_at"`
	TTLSeconds int64     `json:"ttl_seconds"` // 0 = no expiry
	Source     string    `json:"source"`      // "manual", "risk_guard", "api"
}

// ExpiresAt returns the expiry time, or the zero time when the state
// never expires.
func (b BreakerState) ExpiresAt() time.Time {
	if b.TTLSeconds <= 0 {
		return time.Time{}
	}
	return b.SetAt.Add(time.Duration(b.TTLSeconds) * time.Second)
}

// Expired reports whether an active state's TTL has lapsed at now.
func (b BreakerState) Expired(now time.Time) bool {
	if !b.Active || b.TTLSeconds <= 0 {
		return false
	}
	return !now.Before(b.ExpiresAt())
}

func (s *BreakerStore) initTables() error {
	queries := []string{
		// Single-row table; id is fixed to 1
		`CREATE TABLE IF NOT EXISTS breaker_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			active INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			set_at DATETIME,
			ttl_seconds INTEGER NOT NULL DEFAULT 0,
			source TEXT NOT NULL DEFAULT '',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`INSERT OR IGNORE INTO breaker_state (id, active) VALUES (1, 0)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute SQL: %w", err)
		}
	}
	return nil
}

// Get loads the persisted breaker state. TTL expiry is the caller's
// concern; this returns the row as stored.
func (s *BreakerStore) Get() (BreakerState, error) {
	var (
		state  BreakerState
		active int
		setAt  sql.NullString
	)
	err := s.db.QueryRow(`
		SELECT active, reason, set_at, ttl_seconds, source
		FROM breaker_state WHERE id = 1
	`).Scan(&active, &state.Reason, &setAt, &state.TTLSeconds, &state.Source)
	if err != nil {
		return BreakerState{}, fmt.Errorf("failed to load breaker state: %w", err)
	}
	state.Active = active != 0
	if setAt.Valid && setAt.String != "" {
		t, perr := time.Parse(time.RFC3339, setAt.String)
		if perr != nil {
			return BreakerState{}, fmt.Errorf("failed to parse breaker set_at: %w", perr)
		}
		state.SetAt = t
	}
	return state, nil
}

// Save replaces the persisted breaker state.
func (s *BreakerStore) Save(state BreakerState) error {
	active := 0
	if state.Active {
		active = 1
	}
	var setAt string
	if !state.SetAt.IsZero() {
		setAt = state.SetAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.Exec(`
		UPDATE breaker_state
		SET active = ?, reason = ?, set_at = ?, ttl_seconds = ?, source = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = 1
	`, active, state.Reason, setAt, state.TTLSeconds, state.Source)
	if err != nil {
		return fmt.Errorf("failed to save breaker state: %w", err)
	}
	return nil
}

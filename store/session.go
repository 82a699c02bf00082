package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SessionStore persists per-day risk sessions: the equity baseline
// taken at the first sweep after the session boundary, and realized
// losses accumulated against the daily cap.
type SessionStore struct {
	db *sql.DB
}

// Session is one daily risk accounting window. Day is the session key
// in YYYY-MM-DD form (UTC, shifted by the configured reset hour).
// Attempts counts closed trades booked into the session; LastLossAt
// is zero until the first losing trade.
type Session struct {
	Day         string    `json:"day"`
	StartEquity float64   `json:"start_equity"`
	RealizedPnL float64   `json:"realized_pnl"`
	Attempts    int       `json:"attempts"`
	LastLossAt  time.Time `json:"last_loss_at"`
}

func (s *SessionStore) initTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS risk_sessions (
			day TEXT PRIMARY KEY,
			start_equity REAL NOT NULL DEFAULT 0,
			realized_pnl REAL NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_loss_at TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute SQL: %w", err)
		}
	}
	return nil
}

// Get loads the session for a day. found is false when no session has
// been opened for that day yet.
func (s *SessionStore) Get(day string) (Session, bool, error) {
	var sess Session
	var lossAt sql.NullString
	err := s.db.QueryRow(`
		SELECT day, start_equity, realized_pnl, attempts, last_loss_at
		FROM risk_sessions WHERE day = ?
	`, day).Scan(&sess.Day, &sess.StartEquity, &sess.RealizedPnL, &sess.Attempts, &lossAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("failed to load session %s: %w", day, err)
	}
	if lossAt.Valid {
		t, perr := time.Parse(time.RFC3339, lossAt.String)
		if perr != nil {
			return Session{}, false, fmt.Errorf("failed to parse last_loss_at for %s: %w", day, perr)
		}
		sess.LastLossAt = t
	}
	return sess, true, nil
}

// Open creates the session for a day with its starting equity. An
// existing row is left untouched so the baseline is taken only once.
func (s *SessionStore) Open(day string, startEquity float64) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO risk_sessions (day, start_equity) VALUES (?, ?)
	`, day, startEquity)
	if err != nil {
		return fmt.Errorf("failed to open session %s: %w", day, err)
	}
	return nil
}

// AddRealizedPnL accumulates realized profit or loss (negative =
// loss) into the day's session, counts the attempt, and stamps
// last_loss_at when the trade lost money.
func (s *SessionStore) AddRealizedPnL(day string, pnl float64, at time.Time) error {
	res, err := s.db.Exec(`
		UPDATE risk_sessions
		SET realized_pnl = realized_pnl + ?,
		    attempts = attempts + 1,
		    last_loss_at = CASE WHEN ? < 0 THEN ? ELSE last_loss_at END,
		    updated_at = CURRENT_TIMESTAMP
		WHERE day = ?
	`, pnl, pnl, at.UTC().Format(time.RFC3339), day)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", day, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not open", day)
	}
	return nil
}

// Package store provides the SQLite persistence layer.
// All database operations go through this package.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"exitguard/logger"
)

// Store is the unified storage handle. Sub-stores are created lazily
// and share one connection pool.
type Store struct {
	db *sql.DB

	breaker *BreakerStore
	session *SessionStore
	action  *ActionStore

	mu sync.RWMutex
}

// New opens (creating if needed) the SQLite database at dbPath and
// initializes all tables.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// WAL keeps the control API readable while the engine writes;
	// busy_timeout covers the brief overlap.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize table structure: %w", err)
	}

	logger.Infof("Database initialized at %s", dbPath)
	return s, nil
}

// NewFromDB wraps an existing connection, used by tests with an
// in-memory database.
func NewFromDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initTables(); err != nil {
		return nil, fmt.Errorf("failed to initialize table structure: %w", err)
	}
	return s, nil
}

func (s *Store) initTables() error {
	if err := s.Breaker().initTables(); err != nil {
		return err
	}
	if err := s.Session().initTables(); err != nil {
		return err
	}
	if err := s.Action().initTables(); err != nil {
		return err
	}
	return nil
}

// Breaker returns the breaker state sub-store.
func (s *Store) Breaker() *BreakerStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.breaker == nil {
		s.breaker = &BreakerStore{db: s.db}
	}
	return s.breaker
}

// Session returns the risk session sub-store.
func (s *Store) Session() *SessionStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		s.session = &SessionStore{db: s.db}
	}
	return s.session
}

// Action returns the reconcile action audit sub-store.
func (s *Store) Action() *ActionStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.action == nil {
		s.action = &ActionStore{db: s.db}
	}
	return s.action
}

// DB exposes the raw connection.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

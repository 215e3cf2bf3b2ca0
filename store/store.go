// Package store is the durable storage layer. All database access goes
// through this package so the rest of the bot never touches SQL.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"ocobot/logger"
)

// Store owns the sqlite connection and hands out sub-stores.
type Store struct {
	db *sql.DB

	bracket *BracketStore

	mu sync.Mutex
}

// New opens (or creates) the database at dbPath and initializes tables.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes all writers, which is the
	// consistency model the tracker is specified against.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize table structure: %w", err)
	}

	logger.Infof("✅ Database initialized (%s)", dbPath)
	return s, nil
}

// NewFromDB wraps an existing connection (tests).
func NewFromDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initTables(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initTables() error {
	return s.Bracket().initTables()
}

// Bracket gets the bracket record storage.
func (s *Store) Bracket() *BracketStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bracket == nil {
		s.bracket = &BracketStore{db: s.db}
	}
	return s.bracket
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

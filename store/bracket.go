package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// BracketRecord tracks one live OCO bracket on the exchange. A record
// exists only for a position that had a live protective order at
// creation time; the outcome classifier deletes it once either leg
// fills. Readers must tolerate a record disappearing between List and
// use.
type BracketRecord struct {
	OrderListID int64     `json:"order_list_id"` // exchange OCO order list id
	Symbol      string    `json:"symbol"`
	EntryPrice  float64   `json:"entry_price"`
	CreatedAt   time.Time `json:"created_at"`
}

// BracketStore persists bracket records. All writes are serialized
// through one mutex so concurrent loops cannot interleave a
// read-modify-write.
type BracketStore struct {
	db *sql.DB
	mu sync.Mutex
}

func (s *BracketStore) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS bracket_records (
			order_list_id INTEGER PRIMARY KEY,
			symbol TEXT NOT NULL,
			entry_price REAL NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create bracket_records table: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_bracket_records_symbol ON bracket_records(symbol)`)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// Put inserts or replaces a bracket record.
func (s *BracketStore) Put(rec *BracketRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO bracket_records (order_list_id, symbol, entry_price, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(order_list_id) DO UPDATE SET
			symbol = excluded.symbol,
			entry_price = excluded.entry_price
	`, rec.OrderListID, rec.Symbol, rec.EntryPrice, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save bracket record %d: %w", rec.OrderListID, err)
	}
	return nil
}

// Get returns a record or nil when it does not exist.
func (s *BracketStore) Get(orderListID int64) (*BracketRecord, error) {
	var rec BracketRecord
	err := s.db.QueryRow(`
		SELECT order_list_id, symbol, entry_price, created_at
		FROM bracket_records WHERE order_list_id = ?
	`, orderListID).Scan(&rec.OrderListID, &rec.Symbol, &rec.EntryPrice, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns all tracked brackets, oldest first.
func (s *BracketStore) List() ([]*BracketRecord, error) {
	rows, err := s.db.Query(`
		SELECT order_list_id, symbol, entry_price, created_at
		FROM bracket_records ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*BracketRecord
	for rows.Next() {
		var rec BracketRecord
		if err := rows.Scan(&rec.OrderListID, &rec.Symbol, &rec.EntryPrice, &rec.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

// Delete removes a record. Deleting an already-removed record is not an
// error: two loops may race to classify the same bracket.
func (s *BracketStore) Delete(orderListID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM bracket_records WHERE order_list_id = ?`, orderListID)
	return err
}

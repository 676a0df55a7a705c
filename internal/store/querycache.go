package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// QuerySnapshot freezes a filter with the count and size it produced at
// evaluation time. An agent refers to the snapshot by handle when asking the
// user to confirm a bulk mutation; the stored filter, not a re-evaluation,
// is what the confirmation applies to. Snapshots never expire because they
// also back the rendering of historical chat results.
type QuerySnapshot struct {
	QueryID   string
	AccountID string
	Filter    *Filter
	Count     int64
	SizeBytes int64
	CreatedAt int64
}

// SaveQuerySnapshot stores a filter with its point-in-time totals and
// returns the opaque handle.
func (s *Store) SaveQuerySnapshot(accountID string, f *Filter, count, sizeBytes int64) (string, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("marshal filter: %w", err)
	}

	id := NewID()
	_, err = s.exec(`
		INSERT INTO ai_query_cache (query_id, account_id, filter, count, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, accountID, string(raw), count, sizeBytes, time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("save query snapshot: %w", err)
	}
	return id, nil
}

// GetQuerySnapshot loads a snapshot by handle, or ErrNotFound.
func (s *Store) GetQuerySnapshot(queryID string) (*QuerySnapshot, error) {
	var snap QuerySnapshot
	var raw string
	err := s.queryRow(`
		SELECT query_id, account_id, filter, count, size_bytes, created_at
		FROM ai_query_cache WHERE query_id = ?`, queryID).
		Scan(&snap.QueryID, &snap.AccountID, &raw, &snap.Count, &snap.SizeBytes, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get query snapshot: %w", err)
	}

	var f Filter
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return nil, fmt.Errorf("decode cached filter: %w", err)
	}
	snap.Filter = &f
	return &snap, nil
}

package store

import (
	"database/sql"
	"fmt"
)

// QueryEmails returns one page of filtered rows. Page is 1-based; limit is
// clamped to 100.
func (s *Store) QueryEmails(accountID string, f *Filter, page, limit int, sort string) ([]*EmailRecord, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	where, args := buildFilterSQL(accountID, f)
	q := `SELECT ` + emailColumns + ` FROM emails WHERE ` + where +
		` ORDER BY ` + sortClause(sort) + ` LIMIT ? OFFSET ?`
	args = append(args, limit, (page-1)*limit)

	rows, err := s.query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query emails: %w", err)
	}
	defer rows.Close()

	var records []*EmailRecord
	for rows.Next() {
		r, err := scanEmail(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan email: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// CountFiltered returns how many rows match the filter.
func (s *Store) CountFiltered(accountID string, f *Filter) (int64, error) {
	where, args := buildFilterSQL(accountID, f)
	var n int64
	err := s.queryRow(`SELECT COUNT(*) FROM emails WHERE `+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count filtered: %w", err)
	}
	return n, nil
}

// SumFilteredSize returns the byte total of rows matching the filter.
func (s *Store) SumFilteredSize(accountID string, f *Filter) (int64, error) {
	where, args := buildFilterSQL(accountID, f)
	var size int64
	err := s.queryRow(`SELECT COALESCE(SUM(size_bytes), 0) FROM emails WHERE `+where, args...).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("sum filtered size: %w", err)
	}
	return size, nil
}

// IDsForFilter materializes the full id set matching the filter, newest
// first. Bulk mutation drivers chunk this list themselves.
func (s *Store) IDsForFilter(accountID string, f *Filter) ([]string, error) {
	where, args := buildFilterSQL(accountID, f)
	rows, err := s.query(`SELECT message_id FROM emails WHERE `+where+
		` ORDER BY internal_date DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("ids for filter: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IDsWithSizeForFilter returns the matching ids plus the byte total in one
// pass, so a job's total_messages and expected freed storage agree on the
// same snapshot.
func (s *Store) IDsWithSizeForFilter(accountID string, f *Filter) ([]string, int64, error) {
	where, args := buildFilterSQL(accountID, f)
	rows, err := s.query(`SELECT message_id, size_bytes FROM emails WHERE `+where+
		` ORDER BY internal_date DESC`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ids with size: %w", err)
	}
	defer rows.Close()

	var ids []string
	var total int64
	for rows.Next() {
		var id string
		var size int64
		if err := rows.Scan(&id, &size); err != nil {
			return nil, 0, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
		total += size
	}
	return ids, total, rows.Err()
}

// DistinctCategories returns the categories present for an account with
// per-category counts, largest first.
func (s *Store) DistinctCategories(accountID string) (map[string]int64, error) {
	rows, err := s.query(`
		SELECT category, COUNT(*) FROM emails
		WHERE account_id = ? AND category IS NOT NULL
		GROUP BY category ORDER BY COUNT(*) DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("distinct categories: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var cat string
		var n int64
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out[cat] = n
	}
	return out, rows.Err()
}

// BreakdownRow is one aggregate bucket.
type BreakdownRow struct {
	Key       string `json:"key"`
	Label     string `json:"label"`
	Count     int64  `json:"count"`
	TotalSize int64  `json:"total_size"`
}

// Breakdown buckets for the agent query tool.
const (
	BreakdownSender   = "sender"
	BreakdownCategory = "category"
	BreakdownMonth    = "month"
)

// Breakdown aggregates the filtered set by sender, category, or month.
// sortBy is count or size; limit is clamped to 20.
func (s *Store) Breakdown(accountID string, f *Filter, by, sortBy string, asc bool, limit int) ([]BreakdownRow, error) {
	if limit <= 0 || limit > 20 {
		limit = 20
	}

	var keyExpr, labelExpr string
	switch by {
	case BreakdownSender:
		keyExpr = "from_email"
		labelExpr = "MAX(from_name)"
	case BreakdownCategory:
		keyExpr = "COALESCE(category, '')"
		labelExpr = "COALESCE(category, '')"
	case BreakdownMonth:
		keyExpr = s.monthExpr()
		labelExpr = keyExpr
	default:
		return nil, fmt.Errorf("unknown breakdown %q", by)
	}

	order := "COUNT(*)"
	if sortBy == "size" {
		order = "SUM(size_bytes)"
	}
	dir := "DESC"
	if asc {
		dir = "ASC"
	}

	where, args := buildFilterSQL(accountID, f)
	q := fmt.Sprintf(`
		SELECT %s AS k, %s, COUNT(*), SUM(size_bytes)
		FROM emails WHERE %s
		GROUP BY k ORDER BY %s %s LIMIT ?`,
		keyExpr, labelExpr, where, order, dir)
	args = append(args, limit)

	rows, err := s.query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("breakdown by %s: %w", by, err)
	}
	defer rows.Close()

	var out []BreakdownRow
	for rows.Next() {
		var r BreakdownRow
		if err := rows.Scan(&r.Key, &r.Label, &r.Count, &r.TotalSize); err != nil {
			return nil, fmt.Errorf("scan breakdown: %w", err)
		}
		if r.Label == "" {
			r.Label = r.Key
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EmailsByIDs fetches mirror rows for an explicit id list, chunked.
func (s *Store) EmailsByIDs(accountID string, messageIDs []string) ([]*EmailRecord, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var records []*EmailRecord
	err := s.queryInChunks(messageIDs, []interface{}{accountID},
		`SELECT `+emailColumns+` FROM emails WHERE account_id = ? AND message_id IN (%s)`,
		func(rows *sql.Rows) error {
			r, err := scanEmail(rows.Scan)
			if err != nil {
				return err
			}
			records = append(records, r)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("emails by ids: %w", err)
	}
	return records, nil
}

// Package store provides the relational metadata store for Inboxorcist.
//
// It is the exclusive persister of accounts, emails, senders, jobs and the
// deleted-email archive, and the single source of truth both the UI and the
// agent tools query. Two engines are supported behind one repository: an
// embedded SQLite file and a PostgreSQL server, selected by the database URL.
package store

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Store provides database operations for Inboxorcist.
type Store struct {
	db      *sql.DB
	dialect dialect
}

const sqliteParams = "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=ON"

// Open opens the database at the given URL. A postgres:// URL selects the
// server engine via lib/pq; anything else is treated as an SQLite file path.
func Open(dbURL string) (*Store, error) {
	if strings.HasPrefix(dbURL, "postgres://") || strings.HasPrefix(dbURL, "postgresql://") {
		db, err := sql.Open("postgres", dbURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return &Store{db: db, dialect: dialectPostgres}, nil
	}

	// Ensure directory exists for the embedded engine
	if dir := filepath.Dir(dbURL); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbURL+sqliteParams)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db, dialect: dialectSQLite}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// rebind converts ? placeholders to $1, $2, ... for PostgreSQL.
// SQLite queries pass through unchanged.
func (s *Store) rebind(query string) string {
	if s.dialect == dialectSQLite {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
		} else {
			sb.WriteByte(query[i])
		}
	}
	return sb.String()
}

// exec runs a rebound statement.
func (s *Store) exec(query string, args ...interface{}) (sql.Result, error) {
	return s.db.Exec(s.rebind(query), args...)
}

// queryRow runs a rebound single-row query.
func (s *Store) queryRow(query string, args ...interface{}) *sql.Row {
	return s.db.QueryRow(s.rebind(query), args...)
}

// query runs a rebound multi-row query.
func (s *Store) query(query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.Query(s.rebind(query), args...)
}

// withTx executes fn within a database transaction. If fn returns an error,
// the transaction is rolled back; otherwise it is committed.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// monthExpr returns the SQL expression bucketing internal_date (ms epoch)
// into YYYY-MM keys for the current dialect.
func (s *Store) monthExpr() string {
	if s.dialect == dialectPostgres {
		return "to_char(to_timestamp(internal_date / 1000.0), 'YYYY-MM')"
	}
	return "strftime('%Y-%m', internal_date / 1000, 'unixepoch')"
}

// queryInChunks executes a parameterized IN-query in chunks to stay within
// the SQLite parameter limit. queryTemplate must contain a single %s
// placeholder for the comma-separated "?" list; prefixArgs are prepended
// before each chunk's args.
func (s *Store) queryInChunks(ids []string, prefixArgs []interface{}, queryTemplate string, fn func(*sql.Rows) error) error {
	const chunkSize = 500
	for i := 0; i < len(ids); i += chunkSize {
		end := i + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[i:end]

		placeholders := make([]string, len(chunk))
		args := make([]interface{}, 0, len(prefixArgs)+len(chunk))
		args = append(args, prefixArgs...)
		for j, id := range chunk {
			placeholders[j] = "?"
			args = append(args, id)
		}

		query := fmt.Sprintf(queryTemplate, strings.Join(placeholders, ","))
		rows, err := s.query(query, args...)
		if err != nil {
			return err
		}
		for rows.Next() {
			if err := fn(rows); err != nil {
				rows.Close()
				return err
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
	}
	return nil
}

// execInChunksTx runs a statement with an IN (...) list in chunks inside
// an existing transaction.
func (s *Store) execInChunksTx(tx *sql.Tx, ids []string, prefixArgs []interface{}, queryTemplate string) error {
	const chunkSize = 500
	for i := 0; i < len(ids); i += chunkSize {
		end := i + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[i:end]

		placeholders := make([]string, len(chunk))
		args := make([]interface{}, 0, len(prefixArgs)+len(chunk))
		args = append(args, prefixArgs...)
		for j, id := range chunk {
			placeholders[j] = "?"
			args = append(args, id)
		}

		query := fmt.Sprintf(queryTemplate, strings.Join(placeholders, ","))
		if _, err := tx.Exec(s.rebind(query), args...); err != nil {
			return err
		}
	}
	return nil
}

const idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-_"

// NewID returns a 21-character opaque identifier.
func NewID() string {
	buf := make([]byte, 21)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("store: id entropy unavailable: %v", err))
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)&63]
	}
	return string(buf)
}

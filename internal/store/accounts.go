package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Sync status values for an account.
const (
	SyncIdle        = "idle"
	SyncStatsOnly   = "stats_only"
	SyncSyncing     = "syncing"
	SyncCompleted   = "completed"
	SyncError       = "error"
	SyncAuthExpired = "auth_expired"
)

// Account represents one user's connection to one mailbox.
type Account struct {
	ID              string
	UserID          string
	Provider        string
	Email           string
	SyncStatus      string
	SyncStartedAt   sql.NullInt64
	SyncCompletedAt sql.NullInt64
	SyncError       sql.NullString
	HistoryID       uint64
	CreatedAt       int64
	UpdatedAt       int64
}

const accountColumns = `id, user_id, provider, email, sync_status,
	sync_started_at, sync_completed_at, sync_error, history_id, created_at, updated_at`

func scanAccount(scan func(dest ...interface{}) error) (*Account, error) {
	var a Account
	err := scan(&a.ID, &a.UserID, &a.Provider, &a.Email, &a.SyncStatus,
		&a.SyncStartedAt, &a.SyncCompletedAt, &a.SyncError, &a.HistoryID,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetOrCreateAccount returns the account for (user, provider, email),
// creating it in idle status if absent.
func (s *Store) GetOrCreateAccount(userID, provider, email string) (*Account, error) {
	a, err := s.getAccountBy(`user_id = ? AND provider = ? AND email = ?`, userID, provider, email)
	if err == nil {
		return a, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	now := time.Now().UnixMilli()
	a = &Account{
		ID:         NewID(),
		UserID:     userID,
		Provider:   provider,
		Email:      email,
		SyncStatus: SyncIdle,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err = s.exec(`
		INSERT INTO mail_accounts (id, user_id, provider, email, sync_status, history_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		a.ID, a.UserID, a.Provider, a.Email, a.SyncStatus, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	return a, nil
}

// GetAccount returns an account by id, or ErrNotFound.
func (s *Store) GetAccount(accountID string) (*Account, error) {
	return s.getAccountBy(`id = ?`, accountID)
}

func (s *Store) getAccountBy(where string, args ...interface{}) (*Account, error) {
	row := s.queryRow(`SELECT `+accountColumns+` FROM mail_accounts WHERE `+where, args...)
	a, err := scanAccount(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// ListAccounts returns all accounts, oldest first.
func (s *Store) ListAccounts() ([]*Account, error) {
	rows, err := s.query(`SELECT ` + accountColumns + ` FROM mail_accounts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// SetSyncStatus transitions an account's sync status. The error message is
// cleared unless the new status is error or auth_expired.
func (s *Store) SetSyncStatus(accountID, status string, syncErr string) error {
	now := time.Now().UnixMilli()

	var errVal sql.NullString
	if syncErr != "" && (status == SyncError || status == SyncAuthExpired) {
		errVal = sql.NullString{String: syncErr, Valid: true}
	}

	q := `UPDATE mail_accounts SET sync_status = ?, sync_error = ?, updated_at = ?`
	args := []interface{}{status, errVal, now}
	switch status {
	case SyncSyncing:
		q += `, sync_started_at = ?`
		args = append(args, now)
	case SyncCompleted:
		q += `, sync_completed_at = ?`
		args = append(args, now)
	}
	q += ` WHERE id = ?`
	args = append(args, accountID)

	if _, err := s.exec(q, args...); err != nil {
		return fmt.Errorf("set sync status: %w", err)
	}
	return nil
}

// AdvanceHistoryID raises the account's delta cursor to historyID.
// The cursor is monotonic: a smaller value is never written.
func (s *Store) AdvanceHistoryID(accountID string, historyID uint64) error {
	_, err := s.exec(`
		UPDATE mail_accounts SET history_id = ?, updated_at = ?
		WHERE id = ? AND history_id < ?`,
		historyID, time.Now().UnixMilli(), accountID, historyID)
	if err != nil {
		return fmt.Errorf("advance history id: %w", err)
	}
	return nil
}

// DeleteAccount removes an account; emails, senders, jobs and tokens
// cascade. The deleted_emails archive is intentionally left untouched.
func (s *Store) DeleteAccount(accountID string) error {
	if _, err := s.exec(`DELETE FROM mail_accounts WHERE id = ?`, accountID); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

package store

import (
	"database/sql"
	"fmt"
	"time"
)

// TokenRecord holds an account's OAuth tokens as stored. The access and
// refresh tokens are ciphertext; the oauth package owns encryption.
type TokenRecord struct {
	AccountID    string
	AccessToken  string
	RefreshToken string
	Scope        string
	ExpiresAt    int64
	UpdatedAt    int64
}

// SaveTokens inserts or replaces the token row for an account.
func (s *Store) SaveTokens(t *TokenRecord) error {
	now := time.Now().UnixMilli()
	_, err := s.exec(`
		INSERT INTO oauth_tokens (account_id, access_token, refresh_token, scope, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			scope = excluded.scope,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		t.AccountID, t.AccessToken, t.RefreshToken, t.Scope, t.ExpiresAt, now)
	if err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}
	return nil
}

// GetTokens returns the token row for an account, or ErrNotFound.
func (s *Store) GetTokens(accountID string) (*TokenRecord, error) {
	var t TokenRecord
	err := s.queryRow(`
		SELECT account_id, access_token, refresh_token, scope, expires_at, updated_at
		FROM oauth_tokens WHERE account_id = ?`, accountID).
		Scan(&t.AccountID, &t.AccessToken, &t.RefreshToken, &t.Scope, &t.ExpiresAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tokens: %w", err)
	}
	return &t, nil
}

// DeleteTokens removes an account's token row.
func (s *Store) DeleteTokens(accountID string) error {
	if _, err := s.exec(`DELETE FROM oauth_tokens WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("delete tokens: %w", err)
	}
	return nil
}

// Package oauth manages Google OAuth2 tokens for mail accounts.
//
// Tokens live encrypted in the store's oauth_tokens table; this package is
// the only place ciphertext is opened. Refreshes are single-flighted per
// account so concurrent jobs never race two refreshes against Google.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"

	"github.com/inboxorcist/inboxorcist/internal/crypto"
	"github.com/inboxorcist/inboxorcist/internal/store"
)

// Scopes required for mirroring and bulk cleanup. gmail.modify covers
// read, label changes and trash but not batchDelete; permanent delete
// needs the full mail scope.
var Scopes = []string{
	"https://www.googleapis.com/auth/gmail.modify",
	"https://mail.google.com/",
}

// ErrReauthRequired indicates the refresh token is dead and the user must
// run the consent flow again.
var ErrReauthRequired = errors.New("oauth: reauthorization required")

// expirySlack refreshes tokens slightly before Google's stated expiry.
const expirySlack = 2 * time.Minute

// Manager owns token persistence, decryption, and refresh for all accounts.
type Manager struct {
	config *oauth2.Config
	store  *store.Store
	cipher *crypto.Cipher
	logger *slog.Logger

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]*oauth2.Token // accountID -> decrypted token
}

// NewManager creates an OAuth manager backed by the store.
func NewManager(st *store.Store, cipher *crypto.Cipher, clientID, clientSecret, redirectURL string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       Scopes,
			Endpoint:     google.Endpoint,
		},
		store:  st,
		cipher: cipher,
		logger: logger,
		cache:  make(map[string]*oauth2.Token),
	}
}

// AuthURL returns the consent page URL for a new authorization.
// offline access is requested so Google issues a refresh token.
func (m *Manager) AuthURL(state string) string {
	return m.config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"))
}

// NewState returns a random state parameter for the consent flow.
func NewState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Exchange trades an authorization code for tokens and persists them
// encrypted for the account.
func (m *Manager) Exchange(ctx context.Context, accountID, code string) error {
	token, err := m.config.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}
	if token.RefreshToken == "" {
		return fmt.Errorf("no refresh token granted; re-run consent with prompt=consent")
	}
	return m.saveToken(accountID, token)
}

// TokenSource returns an oauth2.TokenSource bound to one account. Every
// Token() call goes through the manager so refreshes persist and
// single-flight.
func (m *Manager) TokenSource(accountID string) oauth2.TokenSource {
	return &accountTokenSource{m: m, accountID: accountID}
}

type accountTokenSource struct {
	m         *Manager
	accountID string
}

func (ts *accountTokenSource) Token() (*oauth2.Token, error) {
	return ts.m.token(context.Background(), ts.accountID)
}

// token returns a valid access token for the account, refreshing if needed.
func (m *Manager) token(ctx context.Context, accountID string) (*oauth2.Token, error) {
	m.mu.Lock()
	cached := m.cache[accountID]
	m.mu.Unlock()

	if cached != nil && time.Until(cached.Expiry) > expirySlack {
		return cached, nil
	}

	v, err, _ := m.group.Do(accountID, func() (interface{}, error) {
		return m.refresh(ctx, accountID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

// refresh loads the persisted token and exchanges the refresh token for a
// fresh access token when the stored one is stale.
func (m *Manager) refresh(ctx context.Context, accountID string) (*oauth2.Token, error) {
	stored, err := m.loadToken(accountID)
	if err != nil {
		return nil, err
	}
	if time.Until(stored.Expiry) > expirySlack {
		m.cacheToken(accountID, stored)
		return stored, nil
	}

	fresh, err := m.config.TokenSource(ctx, stored).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			m.logger.Warn("token refresh rejected",
				"account_id", accountID, "status", retrieveErr.Response.StatusCode)
			return nil, fmt.Errorf("%w: %v", ErrReauthRequired, err)
		}
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	// Google usually omits the refresh token on rotation; keep the old one.
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = stored.RefreshToken
	}
	if err := m.saveToken(accountID, fresh); err != nil {
		m.logger.Warn("failed to persist refreshed token", "account_id", accountID, "error", err)
	}
	return fresh, nil
}

func (m *Manager) cacheToken(accountID string, token *oauth2.Token) {
	m.mu.Lock()
	m.cache[accountID] = token
	m.mu.Unlock()
}

// HasToken reports whether the account has stored credentials.
func (m *Manager) HasToken(accountID string) bool {
	_, err := m.store.GetTokens(accountID)
	return err == nil
}

// Revoke drops the stored credentials for an account.
func (m *Manager) Revoke(accountID string) error {
	m.mu.Lock()
	delete(m.cache, accountID)
	m.mu.Unlock()
	return m.store.DeleteTokens(accountID)
}

func (m *Manager) saveToken(accountID string, token *oauth2.Token) error {
	access, err := m.cipher.Encrypt(token.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := m.cipher.Encrypt(token.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	err = m.store.SaveTokens(&store.TokenRecord{
		AccountID:    accountID,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    token.Expiry.UnixMilli(),
	})
	if err != nil {
		return err
	}
	m.cacheToken(accountID, token)
	return nil
}

func (m *Manager) loadToken(accountID string) (*oauth2.Token, error) {
	rec, err := m.store.GetTokens(accountID)
	if err == store.ErrNotFound {
		return nil, fmt.Errorf("%w: no stored credentials", ErrReauthRequired)
	}
	if err != nil {
		return nil, err
	}

	access, err := m.cipher.Decrypt(rec.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	refresh, err := m.cipher.Decrypt(rec.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}

	return &oauth2.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		Expiry:       time.UnixMilli(rec.ExpiresAt),
	}, nil
}

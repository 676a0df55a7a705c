package oauth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/inboxorcist/inboxorcist/internal/crypto"
	"github.com/inboxorcist/inboxorcist/internal/testutil"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	st := testutil.NewTestStore(t)
	acct, err := st.GetOrCreateAccount("u", "gmail", "a@b.c")
	testutil.MustNoErr(t, err, "create account")

	cipher, err := crypto.New("0123456789abcdef0123456789abcdef")
	testutil.MustNoErr(t, err, "create cipher")

	return NewManager(st, cipher, "client-id", "client-secret", "http://localhost/cb", nil), acct.ID
}

func TestSaveAndLoadTokenEncrypted(t *testing.T) {
	m, accountID := newTestManager(t)

	tok := &oauth2.Token{
		AccessToken:  "plain-access",
		RefreshToken: "plain-refresh",
		Expiry:       time.Now().Add(time.Hour),
	}
	testutil.MustNoErr(t, m.saveToken(accountID, tok), "saveToken")

	// The stored row must be ciphertext, never the plaintext token.
	rec, err := m.store.GetTokens(accountID)
	testutil.MustNoErr(t, err, "GetTokens")
	if rec.AccessToken == "plain-access" || !strings.Contains(rec.AccessToken, ":") {
		t.Errorf("access token stored unencrypted: %q", rec.AccessToken)
	}

	got, err := m.loadToken(accountID)
	testutil.MustNoErr(t, err, "loadToken")
	if got.AccessToken != "plain-access" || got.RefreshToken != "plain-refresh" {
		t.Errorf("round trip = (%q, %q)", got.AccessToken, got.RefreshToken)
	}
}

func TestTokenUsesCacheWhileFresh(t *testing.T) {
	m, accountID := newTestManager(t)

	tok := &oauth2.Token{
		AccessToken:  "cached",
		RefreshToken: "r",
		Expiry:       time.Now().Add(time.Hour),
	}
	testutil.MustNoErr(t, m.saveToken(accountID, tok), "saveToken")

	got, err := m.TokenSource(accountID).Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if got.AccessToken != "cached" {
		t.Errorf("access token = %q", got.AccessToken)
	}
}

func TestTokenWithoutCredentials(t *testing.T) {
	m, accountID := newTestManager(t)

	_, err := m.TokenSource(accountID).Token()
	if !errors.Is(err, ErrReauthRequired) {
		t.Errorf("err = %v, want ErrReauthRequired", err)
	}
}

func TestHasTokenAndRevoke(t *testing.T) {
	m, accountID := newTestManager(t)

	if m.HasToken(accountID) {
		t.Error("HasToken before save")
	}
	tok := &oauth2.Token{AccessToken: "a", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)}
	testutil.MustNoErr(t, m.saveToken(accountID, tok), "saveToken")
	if !m.HasToken(accountID) {
		t.Error("HasToken after save")
	}

	testutil.MustNoErr(t, m.Revoke(accountID), "Revoke")
	if m.HasToken(accountID) {
		t.Error("HasToken after revoke")
	}
	if _, err := m.TokenSource(accountID).Token(); !errors.Is(err, ErrReauthRequired) {
		t.Errorf("err after revoke = %v, want ErrReauthRequired", err)
	}
}

func TestAuthURLRequestsOfflineAccess(t *testing.T) {
	m, _ := newTestManager(t)
	u := m.AuthURL("state-123")
	for _, want := range []string{"access_type=offline", "prompt=consent", "state=state-123"} {
		if !strings.Contains(u, want) {
			t.Errorf("auth URL missing %q: %s", want, u)
		}
	}
}

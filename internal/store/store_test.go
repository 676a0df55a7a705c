package store_test

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/inboxorcist/inboxorcist/internal/store"
	"github.com/inboxorcist/inboxorcist/internal/testutil"
)

func setupAccount(t *testing.T) (*store.Store, *store.Account) {
	t.Helper()
	st := testutil.NewTestStore(t)
	acct, err := st.GetOrCreateAccount("user-1", "gmail", "test@example.com")
	testutil.MustNoErr(t, err, "setup: GetOrCreateAccount")
	return st, acct
}

func makeEmail(msgID string, labels []string) *store.EmailRecord {
	return &store.EmailRecord{
		MessageID:    msgID,
		ThreadID:     "t-" + msgID,
		Subject:      "Subject " + msgID,
		Snippet:      "snippet",
		FromEmail:    "sender@example.com",
		FromName:     "Sender",
		Labels:       labels,
		SizeBytes:    1000,
		InternalDate: 1700000000000,
		SyncedAt:     1700000001000,
	}
}

func upsertEmails(t *testing.T, st *store.Store, accountID string, records ...*store.EmailRecord) {
	t.Helper()
	testutil.MustNoErr(t, st.UpsertEmails(accountID, records), "UpsertEmails")
}

func TestGetOrCreateAccountIdempotent(t *testing.T) {
	st := testutil.NewTestStore(t)

	a1, err := st.GetOrCreateAccount("u", "gmail", "a@b.c")
	testutil.MustNoErr(t, err, "first GetOrCreateAccount")
	a2, err := st.GetOrCreateAccount("u", "gmail", "a@b.c")
	testutil.MustNoErr(t, err, "second GetOrCreateAccount")

	if a1.ID != a2.ID {
		t.Errorf("second call created a new account: %s vs %s", a1.ID, a2.ID)
	}
	if a1.SyncStatus != store.SyncIdle {
		t.Errorf("new account status = %q, want idle", a1.SyncStatus)
	}
}

func TestAdvanceHistoryIDMonotonic(t *testing.T) {
	st, acct := setupAccount(t)

	testutil.MustNoErr(t, st.AdvanceHistoryID(acct.ID, 100), "advance to 100")
	testutil.MustNoErr(t, st.AdvanceHistoryID(acct.ID, 50), "advance to 50")

	got, err := st.GetAccount(acct.ID)
	testutil.MustNoErr(t, err, "GetAccount")
	if got.HistoryID != 100 {
		t.Errorf("history_id = %d, want 100 (must never decrease)", got.HistoryID)
	}

	testutil.MustNoErr(t, st.AdvanceHistoryID(acct.ID, 150), "advance to 150")
	got, err = st.GetAccount(acct.ID)
	testutil.MustNoErr(t, err, "GetAccount after advance")
	if got.HistoryID != 150 {
		t.Errorf("history_id = %d, want 150", got.HistoryID)
	}
}

func TestSetSyncStatusTimestamps(t *testing.T) {
	st, acct := setupAccount(t)

	testutil.MustNoErr(t, st.SetSyncStatus(acct.ID, store.SyncSyncing, ""), "to syncing")
	got, _ := st.GetAccount(acct.ID)
	if !got.SyncStartedAt.Valid {
		t.Error("sync_started_at not set on syncing transition")
	}

	testutil.MustNoErr(t, st.SetSyncStatus(acct.ID, store.SyncCompleted, ""), "to completed")
	got, _ = st.GetAccount(acct.ID)
	if !got.SyncCompletedAt.Valid {
		t.Error("sync_completed_at not set on completed transition")
	}
	if got.SyncError.Valid {
		t.Errorf("sync_error should be cleared, got %q", got.SyncError.String)
	}

	testutil.MustNoErr(t, st.SetSyncStatus(acct.ID, store.SyncError, "boom"), "to error")
	got, _ = st.GetAccount(acct.ID)
	if got.SyncError.String != "boom" {
		t.Errorf("sync_error = %q, want boom", got.SyncError.String)
	}
}

func TestDeriveLabelState(t *testing.T) {
	tests := []struct {
		name         string
		labels       []string
		wantCategory string
		wantUnread   bool
		wantTrash    bool
	}{
		{"category wins over sent", []string{"SENT", "CATEGORY_UPDATES"}, "CATEGORY_UPDATES", false, false},
		{"sent fallback", []string{"SENT", "INBOX"}, "SENT", false, false},
		{"first category", []string{"CATEGORY_SOCIAL", "CATEGORY_PROMOTIONS"}, "CATEGORY_SOCIAL", false, false},
		{"no category", []string{"INBOX", "UNREAD"}, "", true, false},
		{"trash", []string{"TRASH", "UNREAD"}, "", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.DeriveLabelState(tt.labels)
			if st.Category.String != tt.wantCategory {
				t.Errorf("category = %q, want %q", st.Category.String, tt.wantCategory)
			}
			if st.Category.Valid != (tt.wantCategory != "") {
				t.Errorf("category valid = %v, want %v", st.Category.Valid, tt.wantCategory != "")
			}
			if st.IsUnread != tt.wantUnread {
				t.Errorf("is_unread = %v, want %v", st.IsUnread, tt.wantUnread)
			}
			if st.IsTrash != tt.wantTrash {
				t.Errorf("is_trash = %v, want %v", st.IsTrash, tt.wantTrash)
			}
		})
	}
}

func TestUpsertEmailsIdempotent(t *testing.T) {
	st, acct := setupAccount(t)
	rec := makeEmail("m1", []string{"INBOX", "UNREAD", "CATEGORY_PROMOTIONS"})

	upsertEmails(t, st, acct.ID, rec)
	upsertEmails(t, st, acct.ID, rec)

	n, err := st.CountFiltered(acct.ID, nil)
	testutil.MustNoErr(t, err, "CountFiltered")
	if n != 1 {
		t.Fatalf("count = %d, want 1 after double upsert", n)
	}

	got, err := st.GetEmail(acct.ID, "m1")
	testutil.MustNoErr(t, err, "GetEmail")
	if !got.IsUnread {
		t.Error("is_unread flag not derived from UNREAD label")
	}
	if got.Category.String != "CATEGORY_PROMOTIONS" {
		t.Errorf("category = %q, want CATEGORY_PROMOTIONS", got.Category.String)
	}
	testutil.AssertStrings(t, got.Labels, "INBOX", "UNREAD", "CATEGORY_PROMOTIONS")
}

func TestUpdateLabelsMergesAndRederives(t *testing.T) {
	st, acct := setupAccount(t)
	upsertEmails(t, st, acct.ID, makeEmail("m1", []string{"INBOX", "UNREAD"}))

	err := st.UpdateLabels(acct.ID, "m1", []string{"TRASH", "STARRED"}, []string{"INBOX", "UNREAD"})
	testutil.MustNoErr(t, err, "UpdateLabels")

	got, err := st.GetEmail(acct.ID, "m1")
	testutil.MustNoErr(t, err, "GetEmail")
	testutil.AssertStrings(t, got.Labels, "TRASH", "STARRED")
	if !got.IsTrash || !got.IsStarred {
		t.Errorf("flags not re-derived: trash=%v starred=%v", got.IsTrash, got.IsStarred)
	}
	if got.IsUnread {
		t.Error("is_unread should be cleared after UNREAD removal")
	}
}

func TestUpdateLabelsMissingRow(t *testing.T) {
	st, acct := setupAccount(t)
	err := st.UpdateLabels(acct.ID, "ghost", []string{"TRASH"}, nil)
	if err != store.ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMarkTrashed(t *testing.T) {
	st, acct := setupAccount(t)
	upsertEmails(t, st, acct.ID,
		makeEmail("m1", []string{"INBOX"}),
		makeEmail("m2", []string{"INBOX", "UNREAD"}))

	testutil.MustNoErr(t, st.MarkTrashed(acct.ID, []string{"m1", "m2", "missing"}), "MarkTrashed")

	for _, id := range []string{"m1", "m2"} {
		got, err := st.GetEmail(acct.ID, id)
		testutil.MustNoErr(t, err, "GetEmail "+id)
		if !got.IsTrash {
			t.Errorf("%s: is_trash not set", id)
		}
		for _, l := range got.Labels {
			if l == "INBOX" {
				t.Errorf("%s: INBOX still present after trash", id)
			}
		}
	}
}

func TestArchiveAndDelete(t *testing.T) {
	st, acct := setupAccount(t)
	upsertEmails(t, st, acct.ID,
		makeEmail("m1", []string{"INBOX"}),
		makeEmail("m2", []string{"INBOX"}),
		makeEmail("m3", []string{"INBOX"}))

	testutil.MustNoErr(t, st.ArchiveAndDelete(acct.ID, []string{"m1", "m2"}), "ArchiveAndDelete")

	// Archived rows are gone from emails but present in the archive.
	if _, err := st.GetEmail(acct.ID, "m1"); err != store.ErrNotFound {
		t.Errorf("m1 still in emails: err = %v", err)
	}
	if _, err := st.GetEmail(acct.ID, "m3"); err != nil {
		t.Errorf("untouched m3 missing: %v", err)
	}

	n, err := st.CountDeleted(acct.ID)
	testutil.MustNoErr(t, err, "CountDeleted")
	if n != 2 {
		t.Errorf("deleted count = %d, want 2", n)
	}

	// Retrying is safe: archive insert is conflict-tolerant.
	testutil.MustNoErr(t, st.ArchiveAndDelete(acct.ID, []string{"m1", "m2"}), "retry ArchiveAndDelete")
	n, _ = st.CountDeleted(acct.ID)
	if n != 2 {
		t.Errorf("deleted count after retry = %d, want 2", n)
	}
}

func TestDeleteByIDsChunked(t *testing.T) {
	st, acct := setupAccount(t)

	var records []*store.EmailRecord
	var ids []string
	for i := 0; i < 600; i++ {
		id := fmt.Sprintf("m%03d", i)
		records = append(records, makeEmail(id, []string{"INBOX"}))
		ids = append(ids, id)
	}
	upsertEmails(t, st, acct.ID, records...)

	testutil.MustNoErr(t, st.DeleteByIDs(acct.ID, ids), "DeleteByIDs")
	n, err := st.CountFiltered(acct.ID, nil)
	testutil.MustNoErr(t, err, "CountFiltered")
	if n != 0 {
		t.Errorf("count = %d, want 0 after chunked delete", n)
	}
}

func TestRebuildSenderAggregates(t *testing.T) {
	st, acct := setupAccount(t)

	mk := func(id, from, name string, size int64, labels []string) *store.EmailRecord {
		r := makeEmail(id, labels)
		r.FromEmail = from
		r.FromName = name
		r.SizeBytes = size
		return r
	}
	upsertEmails(t, st, acct.ID,
		mk("m1", "a@x.com", "Alice", 100, []string{"INBOX"}),
		mk("m2", "a@x.com", "Alice", 200, []string{"INBOX"}),
		mk("m3", "b@y.com", "Bob", 50, []string{"INBOX"}),
		mk("m4", "c@z.com", "Carol", 999, []string{"TRASH"}))

	testutil.MustNoErr(t, st.RebuildSenderAggregates(acct.ID), "RebuildSenderAggregates")

	senders, err := st.TopSenders(acct.ID, 10)
	testutil.MustNoErr(t, err, "TopSenders")

	want := []store.Sender{
		{Email: "a@x.com", Name: "Alice", Count: 2, TotalSize: 300},
		{Email: "b@y.com", Name: "Bob", Count: 1, TotalSize: 50},
	}
	if diff := cmp.Diff(want, senders); diff != "" {
		t.Errorf("senders mismatch (-want +got):\n%s", diff)
	}
}

func TestQuerySnapshotRoundTrip(t *testing.T) {
	st, acct := setupAccount(t)

	f := &store.Filter{Category: "CATEGORY_PROMOTIONS", Search: "sale"}
	id, err := st.SaveQuerySnapshot(acct.ID, f, 42, 123456)
	testutil.MustNoErr(t, err, "SaveQuerySnapshot")

	snap, err := st.GetQuerySnapshot(id)
	testutil.MustNoErr(t, err, "GetQuerySnapshot")
	if snap.Count != 42 || snap.SizeBytes != 123456 {
		t.Errorf("totals = (%d, %d), want (42, 123456)", snap.Count, snap.SizeBytes)
	}
	if diff := cmp.Diff(f, snap.Filter); diff != "" {
		t.Errorf("filter mismatch (-want +got):\n%s", diff)
	}
}

func TestTokensRoundTrip(t *testing.T) {
	st, acct := setupAccount(t)

	rec := &store.TokenRecord{
		AccountID:    acct.ID,
		AccessToken:  "ct-access",
		RefreshToken: "ct-refresh",
		Scope:        "gmail.modify",
		ExpiresAt:    1800000000000,
	}
	testutil.MustNoErr(t, st.SaveTokens(rec), "SaveTokens")

	got, err := st.GetTokens(acct.ID)
	testutil.MustNoErr(t, err, "GetTokens")
	if got.AccessToken != "ct-access" || got.RefreshToken != "ct-refresh" {
		t.Errorf("tokens = (%q, %q)", got.AccessToken, got.RefreshToken)
	}

	// Replacing rotated tokens keeps one row per account.
	rec.AccessToken = "ct-access-2"
	testutil.MustNoErr(t, st.SaveTokens(rec), "SaveTokens rotate")
	got, _ = st.GetTokens(acct.ID)
	if got.AccessToken != "ct-access-2" {
		t.Errorf("rotated access token = %q", got.AccessToken)
	}
}

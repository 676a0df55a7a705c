package store_test

import (
	"sort"
	"testing"

	"github.com/inboxorcist/inboxorcist/internal/store"
	"github.com/inboxorcist/inboxorcist/internal/testutil"
	"github.com/inboxorcist/inboxorcist/internal/testutil/ptr"
)

// seedMailbox inserts a small fixed mailbox used by the filter tests.
func seedMailbox(t *testing.T) (*store.Store, *store.Account) {
	t.Helper()
	st, acct := setupAccount(t)

	mk := func(id, from, name, subject string, size, date int64, labels ...string) *store.EmailRecord {
		return &store.EmailRecord{
			MessageID:    id,
			Subject:      subject,
			FromEmail:    from,
			FromName:     name,
			Labels:       labels,
			SizeBytes:    size,
			InternalDate: date,
		}
	}
	upsertEmails(t, st, acct.ID,
		mk("m1", "news@shop.com", "Shop News", "Big Sale Today", 1000, 100, "INBOX", "UNREAD", "CATEGORY_PROMOTIONS"),
		mk("m2", "alice@work.com", "Alice", "Quarterly report", 2000, 200, "INBOX", "IMPORTANT"),
		mk("m3", "bob@shop.com", "Bob", "Sale receipt", 3000, 300, "UNREAD"),
		mk("m4", "carol@other.org", "Carol", "Weekend plans", 500, 400, "INBOX", "STARRED"),
		mk("m5", "spammer@junk.net", "", "You won", 100, 500, "SPAM", "UNREAD"),
		mk("m6", "me@example.com", "Me", "Re: plans", 800, 600, "SENT"),
	)
	return st, acct
}

func filterIDs(t *testing.T, st *store.Store, accountID string, f *store.Filter) []string {
	t.Helper()
	ids, err := st.IDsForFilter(accountID, f)
	testutil.MustNoErr(t, err, "IDsForFilter")
	sort.Strings(ids)
	return ids
}

func TestFilterSenderSubstring(t *testing.T) {
	st, acct := seedMailbox(t)
	// Matches from_name or from_email, case-insensitive.
	ids := filterIDs(t, st, acct.ID, &store.Filter{Sender: "SHOP"})
	testutil.AssertStrings(t, ids, "m1", "m3")
}

func TestFilterSenderEmailList(t *testing.T) {
	st, acct := seedMailbox(t)
	ids := filterIDs(t, st, acct.ID, &store.Filter{SenderEmail: "Alice@Work.com, carol@other.org"})
	testutil.AssertStrings(t, ids, "m2", "m4")
}

func TestFilterSenderDomainList(t *testing.T) {
	st, acct := seedMailbox(t)
	ids := filterIDs(t, st, acct.ID, &store.Filter{SenderDomain: "shop.com,junk.net"})
	testutil.AssertStrings(t, ids, "m1", "m3", "m5")
}

func TestFilterTriStateBooleans(t *testing.T) {
	st, acct := seedMailbox(t)

	// Absent imposes no constraint.
	if got := filterIDs(t, st, acct.ID, &store.Filter{}); len(got) != 6 {
		t.Errorf("unconstrained filter matched %d rows, want 6", len(got))
	}
	// Explicit true and explicit false are distinct constraints.
	testutil.AssertStrings(t, filterIDs(t, st, acct.ID, &store.Filter{IsUnread: ptr.Bool(true)}), "m1", "m3", "m5")
	testutil.AssertStrings(t, filterIDs(t, st, acct.ID, &store.Filter{IsUnread: ptr.Bool(false)}), "m2", "m4", "m6")
}

func TestFilterHasAttachmentsIsACount(t *testing.T) {
	st, acct := setupAccount(t)
	upsertEmails(t, st, acct.ID,
		&store.EmailRecord{MessageID: "none", FromEmail: "a@x.com", Labels: []string{"INBOX"}},
		&store.EmailRecord{MessageID: "one", FromEmail: "a@x.com", Labels: []string{"INBOX"}, HasAttachments: 1},
		&store.EmailRecord{MessageID: "three", FromEmail: "a@x.com", Labels: []string{"INBOX"}, HasAttachments: 3},
	)

	// The column holds the attachment count; true matches any positive
	// value, not just 1.
	testutil.AssertStrings(t, filterIDs(t, st, acct.ID, &store.Filter{HasAttachments: ptr.Bool(true)}), "one", "three")
	testutil.AssertStrings(t, filterIDs(t, st, acct.ID, &store.Filter{HasAttachments: ptr.Bool(false)}), "none")
}

func TestFilterIsSent(t *testing.T) {
	st, acct := seedMailbox(t)
	testutil.AssertStrings(t, filterIDs(t, st, acct.ID, &store.Filter{IsSent: ptr.Bool(true)}), "m6")
}

func TestFilterIsArchived(t *testing.T) {
	st, acct := seedMailbox(t)
	// Archived: no INBOX, not trash, not spam. m3 (no INBOX) and m6 (sent).
	testutil.AssertStrings(t, filterIDs(t, st, acct.ID, &store.Filter{IsArchived: ptr.Bool(true)}), "m3", "m6")
	testutil.AssertStrings(t, filterIDs(t, st, acct.ID, &store.Filter{IsArchived: ptr.Bool(false)}), "m1", "m2", "m4", "m5")
}

func TestFilterLabelIDsAny(t *testing.T) {
	st, acct := seedMailbox(t)
	ids := filterIDs(t, st, acct.ID, &store.Filter{LabelIDs: "STARRED,IMPORTANT"})
	testutil.AssertStrings(t, ids, "m2", "m4")
}

func TestFilterDateAndSizeBounds(t *testing.T) {
	st, acct := seedMailbox(t)
	ids := filterIDs(t, st, acct.ID, &store.Filter{DateFrom: 200, DateTo: 400, SizeMin: 1000})
	testutil.AssertStrings(t, ids, "m2", "m3")
}

func TestFilterSearchSingle(t *testing.T) {
	st, acct := seedMailbox(t)
	testutil.AssertStrings(t, filterIDs(t, st, acct.ID, &store.Filter{Search: "sale"}), "m1", "m3")
}

func TestFilterSearchOr(t *testing.T) {
	st, acct := seedMailbox(t)
	ids := filterIDs(t, st, acct.ID, &store.Filter{Search: `"report" OR 'plans'`})
	testutil.AssertStrings(t, ids, "m2", "m4", "m6")
}

func TestFilterSearchAnd(t *testing.T) {
	st, acct := seedMailbox(t)
	ids := filterIDs(t, st, acct.ID, &store.Filter{Search: "sale AND today"})
	testutil.AssertStrings(t, ids, "m1")
}

func TestFilterSearchOrWinsOverAnd(t *testing.T) {
	st, acct := seedMailbox(t)
	// Mixed query: the OR split happens first, so "sale AND receipt" is one
	// OR token and matches nothing, while "plans" matches m4 and m6.
	ids := filterIDs(t, st, acct.ID, &store.Filter{Search: "sale AND receipt OR plans"})
	testutil.AssertStrings(t, ids, "m4", "m6")
}

func TestCountAndSumFiltered(t *testing.T) {
	st, acct := seedMailbox(t)
	f := &store.Filter{SenderDomain: "shop.com"}

	n, err := st.CountFiltered(acct.ID, f)
	testutil.MustNoErr(t, err, "CountFiltered")
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
	size, err := st.SumFilteredSize(acct.ID, f)
	testutil.MustNoErr(t, err, "SumFilteredSize")
	if size != 4000 {
		t.Errorf("size = %d, want 4000", size)
	}

	ids, total, err := st.IDsWithSizeForFilter(acct.ID, f)
	testutil.MustNoErr(t, err, "IDsWithSizeForFilter")
	if len(ids) != 2 || total != 4000 {
		t.Errorf("ids=%v total=%d, want 2 ids and 4000", ids, total)
	}
}

func TestQueryEmailsPagination(t *testing.T) {
	st, acct := seedMailbox(t)

	page1, err := st.QueryEmails(acct.ID, nil, 1, 4, "date_asc")
	testutil.MustNoErr(t, err, "QueryEmails page 1")
	page2, err := st.QueryEmails(acct.ID, nil, 2, 4, "date_asc")
	testutil.MustNoErr(t, err, "QueryEmails page 2")

	if len(page1) != 4 || len(page2) != 2 {
		t.Fatalf("page sizes = %d, %d; want 4, 2", len(page1), len(page2))
	}
	if page1[0].MessageID != "m1" || page2[1].MessageID != "m6" {
		t.Errorf("ordering wrong: first=%s last=%s", page1[0].MessageID, page2[1].MessageID)
	}
}

func TestBreakdownBySender(t *testing.T) {
	st, acct := seedMailbox(t)

	rows, err := st.Breakdown(acct.ID, nil, store.BreakdownSender, "count", false, 2)
	testutil.MustNoErr(t, err, "Breakdown")
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].Count < rows[1].Count {
		t.Errorf("rows not sorted by count desc: %+v", rows)
	}
}

func TestBreakdownByCategory(t *testing.T) {
	st, acct := seedMailbox(t)

	rows, err := st.Breakdown(acct.ID, &store.Filter{IsSpam: ptr.Bool(false)},
		store.BreakdownCategory, "size", false, 20)
	testutil.MustNoErr(t, err, "Breakdown category")

	var keys []string
	for _, r := range rows {
		keys = append(keys, r.Key)
	}
	sort.Strings(keys)
	testutil.AssertStrings(t, keys, "", "CATEGORY_PROMOTIONS", "SENT")
}

package store_test

import (
	"testing"
	"time"

	"github.com/inboxorcist/inboxorcist/internal/store"
	"github.com/inboxorcist/inboxorcist/internal/testutil"
)

func TestCalculateStats(t *testing.T) {
	st, acct := setupAccount(t)

	now := time.Now().UnixMilli()
	yearAndHalf := time.Now().AddDate(-1, -6, 0).UnixMilli()
	threeYears := time.Now().AddDate(-3, 0, 0).UnixMilli()

	mk := func(id string, size, date int64, labels ...string) *store.EmailRecord {
		return &store.EmailRecord{
			MessageID:    id,
			FromEmail:    id + "@example.com",
			Labels:       labels,
			SizeBytes:    size,
			InternalDate: date,
		}
	}
	upsertEmails(t, st, acct.ID,
		// Inbox mail.
		mk("fresh-unread", 1000, now, "INBOX", "UNREAD", "CATEGORY_PROMOTIONS"),
		mk("read-promo", 2000, now, "INBOX", "CATEGORY_PROMOTIONS"),
		mk("big", 6*1024*1024, now, "INBOX", "CATEGORY_UPDATES"),
		mk("huge-starred", 11*1024*1024, now, "INBOX", "STARRED"),
		mk("old", 500, yearAndHalf, "INBOX"),
		mk("ancient", 500, threeYears, "INBOX", "CATEGORY_SOCIAL"),
		// Out of the inbox set.
		mk("trashed", 4000, now, "TRASH"),
		mk("junk", 300, now, "SPAM", "UNREAD"),
	)

	stats, err := st.CalculateStats(acct.ID)
	testutil.MustNoErr(t, err, "CalculateStats")

	// Inbox counts exclude trash and spam.
	if stats.Total != 6 {
		t.Errorf("total = %d, want 6", stats.Total)
	}
	if stats.Unread != 1 {
		t.Errorf("unread = %d, want 1 (spam unread excluded)", stats.Unread)
	}
	if stats.Categories.Promotions != 2 || stats.Categories.Updates != 1 || stats.Categories.Social != 1 {
		t.Errorf("categories = %+v", stats.Categories)
	}
	if stats.Size.Larger5MB != 2 || stats.Size.Larger10MB != 1 {
		t.Errorf("size buckets = %+v", stats.Size)
	}
	if stats.Size.TrashStorageBytes != 4000 {
		t.Errorf("trash bytes = %d, want 4000", stats.Size.TrashStorageBytes)
	}
	if stats.Age.OlderThan1Year != 2 || stats.Age.OlderThan2Years != 1 {
		t.Errorf("age = %+v", stats.Age)
	}
	if stats.Trash.Count != 1 || stats.Spam.Count != 1 || stats.Spam.SizeBytes != 300 {
		t.Errorf("trash/spam = %+v / %+v", stats.Trash, stats.Spam)
	}
	if stats.Senders.UniqueCount != 6 {
		t.Errorf("unique senders = %d, want 6", stats.Senders.UniqueCount)
	}

	// Cleanup cohorts exclude starred and important mail on top of the
	// inbox exclusions, so the 11MB starred message is not cleanable.
	if stats.Cleanup.Larger10MB.Count != 0 {
		t.Errorf("cleanup larger10MB = %+v, want empty", stats.Cleanup.Larger10MB)
	}
	if stats.Cleanup.Larger5MB.Count != 1 {
		t.Errorf("cleanup larger5MB = %+v, want the 6MB message", stats.Cleanup.Larger5MB)
	}
	if stats.Cleanup.Promotions.Count != 2 || stats.Cleanup.Promotions.SizeBytes != 3000 {
		t.Errorf("cleanup promotions = %+v", stats.Cleanup.Promotions)
	}
	if stats.Cleanup.ReadPromotions.Count != 1 || stats.Cleanup.ReadPromotions.SizeBytes != 2000 {
		t.Errorf("cleanup readPromotions = %+v", stats.Cleanup.ReadPromotions)
	}
	if stats.Cleanup.OlderThan1Year.Count != 2 || stats.Cleanup.OlderThan2Year.Count != 1 {
		t.Errorf("cleanup age cohorts = %+v / %+v", stats.Cleanup.OlderThan1Year, stats.Cleanup.OlderThan2Year)
	}
}

func TestJobLifecycle(t *testing.T) {
	st, acct := setupAccount(t)

	j, err := st.CreateJob(acct.ID, acct.UserID, store.JobTypeTrash, map[string]string{"sender_email": "x@y.z"})
	testutil.MustNoErr(t, err, "CreateJob")
	if j.Status != store.JobPending {
		t.Fatalf("new job status = %q", j.Status)
	}

	// CAS claim: only one transition out of pending succeeds.
	testutil.MustNoErr(t, st.TransitionJob(j.ID, store.JobRunning, store.JobPending), "claim")
	if err := st.TransitionJob(j.ID, store.JobRunning, store.JobPending); err != store.ErrNotFound {
		t.Errorf("second claim err = %v, want ErrNotFound", err)
	}

	testutil.MustNoErr(t, st.UpdateJobProgress(j.ID, 500, 1500, "page-2"), "progress")
	got, err := st.GetJob(j.ID)
	testutil.MustNoErr(t, err, "GetJob")
	if got.ProcessedMessages != 500 || got.TotalMessages != 1500 || got.NextPageToken != "page-2" {
		t.Errorf("progress = %+v", got)
	}

	testutil.MustNoErr(t, st.TransitionJob(j.ID, store.JobCompleted, store.JobRunning), "complete")
	got, _ = st.GetJob(j.ID)
	if !got.Terminal() || !got.CompletedAt.Valid {
		t.Errorf("terminal state not recorded: %+v", got)
	}
}

func TestTransitionJobResumeTracksProgress(t *testing.T) {
	st, acct := setupAccount(t)

	j, err := st.CreateJob(acct.ID, acct.UserID, store.JobTypeSync, nil)
	testutil.MustNoErr(t, err, "CreateJob")

	testutil.MustNoErr(t, st.TransitionJob(j.ID, store.JobRunning, store.JobPending), "start")
	testutil.MustNoErr(t, st.UpdateJobProgress(j.ID, 800, 2000, "tok"), "progress")
	testutil.MustNoErr(t, st.TransitionJob(j.ID, store.JobPaused, store.JobRunning), "pause")

	// Resuming snapshots processed_messages so throughput and ETA are
	// computed against post-resume work only.
	testutil.MustNoErr(t, st.TransitionJob(j.ID, store.JobRunning, store.JobPaused), "resume")
	got, err := st.GetJob(j.ID)
	testutil.MustNoErr(t, err, "GetJob")
	if got.ProcessedAtResume != 800 {
		t.Errorf("processed_at_resume = %d, want 800", got.ProcessedAtResume)
	}
	if !got.ResumedAt.Valid {
		t.Error("resumed_at not set")
	}
}

func TestHasActiveJob(t *testing.T) {
	st, acct := setupAccount(t)

	active, err := st.HasActiveJob(acct.ID, store.JobTypeSync)
	testutil.MustNoErr(t, err, "HasActiveJob empty")
	if active {
		t.Error("no jobs yet, want inactive")
	}

	j, _ := st.CreateJob(acct.ID, acct.UserID, store.JobTypeSync, nil)
	active, _ = st.HasActiveJob(acct.ID, store.JobTypeSync)
	if !active {
		t.Error("pending job should count as active")
	}

	testutil.MustNoErr(t, st.TransitionJob(j.ID, store.JobCancelled, store.JobPending), "cancel")
	active, _ = st.HasActiveJob(acct.ID, store.JobTypeSync)
	if active {
		t.Error("cancelled job should not count as active")
	}
}

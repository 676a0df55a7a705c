package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/inboxorcist/inboxorcist/internal/gmail"
	"github.com/inboxorcist/inboxorcist/internal/store"
	mailsync "github.com/inboxorcist/inboxorcist/internal/sync"
	"github.com/inboxorcist/inboxorcist/internal/testutil"
	"github.com/inboxorcist/inboxorcist/internal/testutil/gmailtest"
)

func setupRunner(t *testing.T) (*Runner, *store.Store, *store.Account, *gmailtest.Fake) {
	t.Helper()
	st := testutil.NewTestStore(t)
	acct, err := st.GetOrCreateAccount("u", "gmail", "test@example.com")
	testutil.MustNoErr(t, err, "create account")

	fake := gmailtest.New()
	factory := func(accountID string) (*Backend, error) {
		return &Backend{API: fake, Throttle: gmail.NewThrottle(1000, 4)}, nil
	}
	r := NewRunner(st, factory)
	return r, st, acct, fake
}

// seedMirror puts the same message into the fake mailbox and the local
// mirror, as if a sync already ran.
func seedMirror(t *testing.T, st *store.Store, fake *gmailtest.Fake, acct *store.Account, id, fromEmail string, sizeBytes int64, labels ...string) {
	t.Helper()
	fake.Add(&gmail.MessageMeta{
		ID: id, ThreadID: "t-" + id, LabelIDs: labels,
		FromEmail: fromEmail, FromName: "Sender",
		SizeEstimate: sizeBytes, InternalDate: 1700000000000,
	})
	err := st.UpsertEmails(acct.ID, []*store.EmailRecord{{
		MessageID: id, AccountID: acct.ID, ThreadID: "t-" + id,
		FromEmail: fromEmail, FromName: "Sender", Labels: labels,
		SizeBytes: sizeBytes, InternalDate: 1700000000000,
		SyncedAt: time.Now().UnixMilli(),
	}})
	testutil.MustNoErr(t, err, "seed mirror row")
}

// runJob claims the job and executes it synchronously.
func runJob(t *testing.T, r *Runner, job *store.Job) *store.Job {
	t.Helper()
	if !r.claim(job) {
		t.Fatalf("could not claim job %s", job.ID)
	}
	r.execute(context.Background(), job)
	got, err := r.store.GetJob(job.ID)
	testutil.MustNoErr(t, err, "reload job")
	return got
}

func TestTrashBySenderMirrorsBothSides(t *testing.T) {
	r, st, acct, fake := setupRunner(t)

	for i := 0; i < 5; i++ {
		seedMirror(t, st, fake, acct, fmt.Sprintf("promo%d", i), "news@example.com", 1000, "INBOX", "UNREAD")
	}
	seedMirror(t, st, fake, acct, "keep", "friend@example.com", 1000, "INBOX")

	job, err := r.Enqueue(acct.ID, acct.UserID, store.JobTypeTrash,
		BulkPayload{Filter: &store.Filter{SenderEmail: "news@example.com"}})
	testutil.MustNoErr(t, err, "enqueue")

	got := runJob(t, r, job)
	if got.Status != store.JobCompleted {
		t.Fatalf("status = %q (%s), want completed", got.Status, got.LastError)
	}
	if got.TotalMessages != 5 || got.ProcessedMessages != 5 {
		t.Errorf("progress = %d/%d, want 5/5", got.ProcessedMessages, got.TotalMessages)
	}

	// Remote saw one modify with the trash diff.
	if len(fake.ModifyCalls) != 1 {
		t.Fatalf("ModifyCalls = %d, want 1", len(fake.ModifyCalls))
	}
	call := fake.ModifyCalls[0]
	if diff := cmp.Diff([]string{"TRASH"}, call.Add); diff != "" {
		t.Errorf("add diff (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"INBOX"}, call.Remove); diff != "" {
		t.Errorf("remove diff (-want +got):\n%s", diff)
	}
	if len(call.IDs) != 5 {
		t.Errorf("modified %d ids, want 5", len(call.IDs))
	}

	// Mirror rows re-derived their flags.
	trashed, err := st.GetEmail(acct.ID, "promo0")
	testutil.MustNoErr(t, err, "GetEmail promo0")
	if !trashed.IsTrash {
		t.Error("promo0 should be trash in the mirror")
	}
	kept, err := st.GetEmail(acct.ID, "keep")
	testutil.MustNoErr(t, err, "GetEmail keep")
	if kept.IsTrash {
		t.Error("keep should be untouched")
	}
}

func TestDeleteArchivesThenDeletesRemotely(t *testing.T) {
	r, st, acct, fake := setupRunner(t)

	seedMirror(t, st, fake, acct, "big1", "hoard@example.com", 5<<20, "INBOX")
	seedMirror(t, st, fake, acct, "big2", "hoard@example.com", 6<<20, "INBOX")
	seedMirror(t, st, fake, acct, "small", "friend@example.com", 100, "INBOX")

	job, err := r.Enqueue(acct.ID, acct.UserID, store.JobTypeDelete,
		BulkPayload{Filter: &store.Filter{SenderEmail: "hoard@example.com"}})
	testutil.MustNoErr(t, err, "enqueue")

	got := runJob(t, r, job)
	if got.Status != store.JobCompleted {
		t.Fatalf("status = %q (%s), want completed", got.Status, got.LastError)
	}

	if len(fake.DeleteCalls) != 1 || len(fake.DeleteCalls[0]) != 2 {
		t.Errorf("DeleteCalls = %+v, want one call with 2 ids", fake.DeleteCalls)
	}
	if fake.Get("big1") != nil || fake.Get("small") == nil {
		t.Error("remote mailbox state wrong after delete")
	}

	// Mirror rows are gone but tombstoned.
	if _, err := st.GetEmail(acct.ID, "big1"); err != store.ErrNotFound {
		t.Errorf("deleted row still mirrored: %v", err)
	}
	archived, err := st.CountDeleted(acct.ID)
	testutil.MustNoErr(t, err, "CountDeleted")
	if archived != 2 {
		t.Errorf("archived = %d, want 2", archived)
	}
}

func TestDeleteRemoteFailureKeepsArchive(t *testing.T) {
	r, st, acct, fake := setupRunner(t)
	seedMirror(t, st, fake, acct, "doomed", "x@example.com", 100, "INBOX")
	fake.FailBatchDelete = errors.New("backend exploded")

	job, err := r.Enqueue(acct.ID, acct.UserID, store.JobTypeDelete,
		BulkPayload{Filter: &store.Filter{SenderEmail: "x@example.com"}})
	testutil.MustNoErr(t, err, "enqueue")

	got := runJob(t, r, job)
	if got.Status != store.JobFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", got.RetryCount)
	}

	// The archive write landed before the remote call, so nothing is lost.
	archived, _ := st.CountDeleted(acct.ID)
	if archived != 1 {
		t.Errorf("archived = %d, want 1", archived)
	}
}

func TestApplyLabelBothSides(t *testing.T) {
	r, st, acct, fake := setupRunner(t)
	seedMirror(t, st, fake, acct, "m1", "a@example.com", 100, "INBOX", "UNREAD")

	job, err := r.Enqueue(acct.ID, acct.UserID, store.JobTypeApplyLabel,
		BulkPayload{
			Filter: &store.Filter{SenderEmail: "a@example.com"},
			Add:    []string{"STARRED"},
			Remove: []string{"UNREAD"},
		})
	testutil.MustNoErr(t, err, "enqueue")

	got := runJob(t, r, job)
	if got.Status != store.JobCompleted {
		t.Fatalf("status = %q (%s), want completed", got.Status, got.LastError)
	}

	want := []string{"INBOX", "STARRED"}
	if diff := cmp.Diff(want, fake.Labels("m1")); diff != "" {
		t.Errorf("remote labels (-want +got):\n%s", diff)
	}
	row, err := st.GetEmail(acct.ID, "m1")
	testutil.MustNoErr(t, err, "GetEmail")
	if !row.IsStarred || row.IsUnread {
		t.Errorf("mirror flags: starred=%v unread=%v", row.IsStarred, row.IsUnread)
	}
}

func TestApplyLabelRejectsEmptyDiff(t *testing.T) {
	r, _, acct, _ := setupRunner(t)

	job, err := r.Enqueue(acct.ID, acct.UserID, store.JobTypeApplyLabel,
		BulkPayload{Filter: &store.Filter{}})
	testutil.MustNoErr(t, err, "enqueue")

	got := runJob(t, r, job)
	if got.Status != store.JobFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
}

func TestBulkResumeActsOnFrozenSnapshot(t *testing.T) {
	r, st, acct, fake := setupRunner(t)
	for i := 0; i < 4; i++ {
		seedMirror(t, st, fake, acct, fmt.Sprintf("m%d", i), "a@example.com", 100, "INBOX")
	}

	// A previously interrupted job already materialized its targets and
	// got through the first two.
	job, err := r.Enqueue(acct.ID, acct.UserID, store.JobTypeTrash, BulkPayload{
		Materialized: true,
		IDs:          []string{"m0", "m1", "m2", "m3"},
	})
	testutil.MustNoErr(t, err, "enqueue")
	testutil.MustNoErr(t, st.UpdateJobProgress(job.ID, 2, 4, ""), "seed checkpoint")
	job, _ = st.GetJob(job.ID)

	got := runJob(t, r, job)
	if got.Status != store.JobCompleted {
		t.Fatalf("status = %q (%s), want completed", got.Status, got.LastError)
	}

	// Only the unprocessed tail went to the remote.
	if len(fake.ModifyCalls) != 1 {
		t.Fatalf("ModifyCalls = %d, want 1", len(fake.ModifyCalls))
	}
	if diff := cmp.Diff([]string{"m2", "m3"}, fake.ModifyCalls[0].IDs); diff != "" {
		t.Errorf("resumed ids (-want +got):\n%s", diff)
	}
}

func TestBulkFromQuerySnapshot(t *testing.T) {
	r, st, acct, fake := setupRunner(t)
	seedMirror(t, st, fake, acct, "m1", "a@example.com", 100, "INBOX")
	seedMirror(t, st, fake, acct, "m2", "b@example.com", 100, "INBOX")

	f := &store.Filter{SenderEmail: "a@example.com"}
	queryID, err := st.SaveQuerySnapshot(acct.ID, f, 1, 100)
	testutil.MustNoErr(t, err, "SaveQuerySnapshot")

	job, err := r.Enqueue(acct.ID, acct.UserID, store.JobTypeTrash,
		BulkPayload{QueryID: queryID})
	testutil.MustNoErr(t, err, "enqueue")

	got := runJob(t, r, job)
	if got.Status != store.JobCompleted {
		t.Fatalf("status = %q (%s), want completed", got.Status, got.LastError)
	}
	if len(fake.ModifyCalls) != 1 || len(fake.ModifyCalls[0].IDs) != 1 {
		t.Errorf("ModifyCalls = %+v, want exactly m1", fake.ModifyCalls)
	}
}

func TestCancelledJobStopsBeforeMutating(t *testing.T) {
	r, st, acct, fake := setupRunner(t)
	seedMirror(t, st, fake, acct, "m1", "a@example.com", 100, "INBOX")

	job, err := r.Enqueue(acct.ID, acct.UserID, store.JobTypeTrash,
		BulkPayload{Filter: &store.Filter{}})
	testutil.MustNoErr(t, err, "enqueue")

	if !r.claim(job) {
		t.Fatal("claim failed")
	}
	// The user cancels while the job is running; the worker sees the flip
	// at the next chunk boundary.
	testutil.MustNoErr(t, r.Cancel(job.ID), "Cancel")
	r.execute(context.Background(), job)

	got, _ := st.GetJob(job.ID)
	if got.Status != store.JobCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}
	if len(fake.ModifyCalls) != 0 {
		t.Errorf("cancelled job still mutated the remote: %+v", fake.ModifyCalls)
	}
}

func TestRunnerRunsSyncJob(t *testing.T) {
	r, st, acct, fake := setupRunner(t)
	fake.Profile.HistoryID = 300
	fake.AddSimple("m1", "INBOX")
	fake.AddSimple("m2", "INBOX", "UNREAD")

	job, err := r.Enqueue(acct.ID, acct.UserID, store.JobTypeSync,
		mailsync.Payload{Mode: mailsync.ModeFull})
	testutil.MustNoErr(t, err, "enqueue sync")

	got := runJob(t, r, job)
	if got.Status != store.JobCompleted {
		t.Fatalf("status = %q (%s), want completed", got.Status, got.LastError)
	}
	n, _ := st.CountFiltered(acct.ID, nil)
	if n != 2 {
		t.Errorf("mirrored %d messages, want 2", n)
	}
}

func TestEnqueueDeduplicatesSync(t *testing.T) {
	r, _, acct, _ := setupRunner(t)

	_, err := r.Enqueue(acct.ID, acct.UserID, store.JobTypeSync,
		mailsync.Payload{Mode: mailsync.ModeFull})
	testutil.MustNoErr(t, err, "first enqueue")

	if _, err := r.Enqueue(acct.ID, acct.UserID, store.JobTypeSync,
		mailsync.Payload{Mode: mailsync.ModeFull}); err == nil {
		t.Error("second sync enqueue should be rejected while one is active")
	}
}

func TestRecoverDemotesOrphanedRunningJobs(t *testing.T) {
	r, st, acct, _ := setupRunner(t)

	job, err := r.Enqueue(acct.ID, acct.UserID, store.JobTypeTrash,
		BulkPayload{Filter: &store.Filter{}})
	testutil.MustNoErr(t, err, "enqueue")
	testutil.MustNoErr(t, st.TransitionJob(job.ID, store.JobRunning, store.JobPending), "fake crash mid-run")

	testutil.MustNoErr(t, r.recover(), "recover")

	got, _ := st.GetJob(job.ID)
	if got.Status != store.JobPaused {
		t.Errorf("status = %q, want paused after recovery", got.Status)
	}
}

func TestClaimSkipsAuthExpiredAccount(t *testing.T) {
	r, st, acct, _ := setupRunner(t)
	testutil.MustNoErr(t, st.SetSyncStatus(acct.ID, store.SyncAuthExpired, "expired"), "set auth_expired")

	job, err := r.Enqueue(acct.ID, acct.UserID, store.JobTypeTrash,
		BulkPayload{Filter: &store.Filter{}})
	testutil.MustNoErr(t, err, "enqueue")

	if r.claim(job) {
		t.Error("claim should skip accounts awaiting re-auth")
	}
	got, _ := st.GetJob(job.ID)
	if got.Status != store.JobPending {
		t.Errorf("status = %q, want still pending", got.Status)
	}
}

func TestQuotaExhaustionParksJob(t *testing.T) {
	r, st, acct, _ := setupRunner(t)

	job, err := r.Enqueue(acct.ID, acct.UserID, store.JobTypeTrash,
		BulkPayload{Filter: &store.Filter{}})
	testutil.MustNoErr(t, err, "enqueue")
	testutil.MustNoErr(t, st.TransitionJob(job.ID, store.JobRunning, store.JobPending), "claim")

	r.failOrPark(job, mailsync.ErrPausedOnQuota, slog.Default())

	got, _ := st.GetJob(job.ID)
	if got.Status != store.JobPaused {
		t.Errorf("status = %q, want paused on quota", got.Status)
	}
}

func TestAuthExpiryPausesAccountJobs(t *testing.T) {
	r, st, acct, _ := setupRunner(t)

	job, err := r.Enqueue(acct.ID, acct.UserID, store.JobTypeTrash,
		BulkPayload{Filter: &store.Filter{}})
	testutil.MustNoErr(t, err, "enqueue")
	testutil.MustNoErr(t, st.TransitionJob(job.ID, store.JobRunning, store.JobPending), "claim")

	r.failOrPark(job, fmt.Errorf("refresh: %w", gmail.ErrAuthExpired), slog.Default())

	got, _ := st.GetJob(job.ID)
	if got.Status != store.JobPaused {
		t.Errorf("job status = %q, want paused", got.Status)
	}
	a, _ := st.GetAccount(acct.ID)
	if a.SyncStatus != store.SyncAuthExpired {
		t.Errorf("account status = %q, want auth_expired", a.SyncStatus)
	}
}

func TestPauseAndResumeRoundTrip(t *testing.T) {
	r, st, acct, _ := setupRunner(t)

	job, err := r.Enqueue(acct.ID, acct.UserID, store.JobTypeTrash,
		BulkPayload{Filter: &store.Filter{}})
	testutil.MustNoErr(t, err, "enqueue")

	testutil.MustNoErr(t, r.Pause(job.ID), "Pause")
	got, _ := st.GetJob(job.ID)
	if got.Status != store.JobPaused {
		t.Fatalf("status = %q, want paused", got.Status)
	}

	testutil.MustNoErr(t, r.Resume(job.ID), "Resume")
	got, _ = st.GetJob(job.ID)
	if got.Status != store.JobPending {
		t.Fatalf("status = %q, want pending", got.Status)
	}

	if err := r.Resume(job.ID); err == nil {
		t.Error("resuming a pending job should fail")
	}
}

func TestSchedulerEnqueuesDueDeltaSyncs(t *testing.T) {
	r, st, acct, _ := setupRunner(t)

	// completed long before a nanosecond interval's cutoff
	testutil.MustNoErr(t, st.SetSyncStatus(acct.ID, store.SyncCompleted, ""), "mark completed")
	stale, err := st.GetOrCreateAccount("u", "gmail", "second@example.com")
	testutil.MustNoErr(t, err, "second account")
	testutil.MustNoErr(t, st.SetSyncStatus(stale.ID, store.SyncSyncing, ""), "mark syncing")

	time.Sleep(5 * time.Millisecond)
	sched := NewScheduler(st, r, time.Nanosecond, nil)
	sched.enqueueDue()

	jobs, err := st.ListJobs(acct.ID, store.JobPending, 10)
	testutil.MustNoErr(t, err, "ListJobs")
	if len(jobs) != 1 || jobs[0].Type != store.JobTypeSync {
		t.Fatalf("jobs = %+v, want one pending sync", jobs)
	}
	var p mailsync.Payload
	testutil.MustNoErr(t, json.Unmarshal(jobs[0].Payload, &p), "decode payload")
	if p.Mode != mailsync.ModeDelta {
		t.Errorf("mode = %q, want delta", p.Mode)
	}

	// Accounts mid-sync are left alone.
	other, err := st.ListJobs(stale.ID, "", 10)
	testutil.MustNoErr(t, err, "ListJobs syncing account")
	if len(other) != 0 {
		t.Errorf("syncing account got jobs: %+v", other)
	}

	// A second pass does not stack another sync.
	sched.enqueueDue()
	jobs, _ = st.ListJobs(acct.ID, store.JobPending, 10)
	if len(jobs) != 1 {
		t.Errorf("second pass stacked jobs: %d", len(jobs))
	}
}

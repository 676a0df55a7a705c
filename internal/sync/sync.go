// Package sync reconciles the local mail mirror with Gmail.
//
// Two modes exist, both running as durable jobs: a full sync that pages
// through every message id and mirrors metadata in batches, and a delta
// sync that replays Gmail's history log from the account's cursor.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/inboxorcist/inboxorcist/internal/gmail"
	"github.com/inboxorcist/inboxorcist/internal/store"
)

// ErrCancelled is returned when a sync stops at a chunk boundary because
// its job was cancelled. It is not a failure.
var ErrCancelled = errors.New("sync: cancelled")

// ErrPausedOnQuota is returned when a rate limit persisted past the
// throttle's patience; the job runner parks the job and retries later.
var ErrPausedOnQuota = errors.New("sync: paused on quota exhaustion")

// Mode selects full or delta reconciliation for a sync job.
const (
	ModeFull  = "full"
	ModeDelta = "delta"
)

// Payload is the JSON body of a sync job.
type Payload struct {
	Mode string `json:"mode"`
}

// Engine drives sync jobs for one account at a time.
type Engine struct {
	store    *store.Store
	api      gmail.API
	throttle *gmail.Throttle
	logger   *slog.Logger
	pageSize int
	progress func(processed, total int64)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithProgress registers a callback invoked after each persisted chunk.
func WithProgress(fn func(processed, total int64)) Option {
	return func(e *Engine) { e.progress = fn }
}

// WithPageSize overrides the list page size (Gmail caps it at 500).
func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 && n <= 500 {
			e.pageSize = n
		}
	}
}

// NewEngine creates a sync engine over the given store, Gmail API, and
// throttle.
func NewEngine(st *store.Store, api gmail.API, throttle *gmail.Throttle, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		api:      api,
		throttle: throttle,
		logger:   slog.Default(),
		pageSize: 500,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one sync job. Delta mode falls back to a full sync when the
// account has no cursor yet or Gmail has expired its history window.
func (e *Engine) Run(ctx context.Context, job *store.Job, cancelled func() bool) error {
	account, err := e.store.GetAccount(job.AccountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}

	var p Payload
	if len(job.Payload) > 0 {
		_ = json.Unmarshal(job.Payload, &p)
	}

	if p.Mode == ModeDelta && account.HistoryID > 0 {
		err = e.DeltaSync(ctx, account, job, cancelled)
		if !errors.Is(err, gmail.ErrHistoryExpired) {
			return err
		}
		e.logger.Info("history expired, rebuilding mirror with a full sync",
			"account_id", account.ID, "history_id", account.HistoryID)

		// Deletions inside the expired window left no history entries, so
		// an upsert-only resync would keep their rows forever. Drop the
		// mirror, then flip the job to full mode so a restarted job does
		// not replay the delta against the fresh cursor.
		if err := e.store.ClearEmails(account.ID); err != nil {
			return fmt.Errorf("clear stale mirror: %w", err)
		}
		if err := e.store.UpdateJobPayload(job.ID, Payload{Mode: ModeFull}); err != nil {
			return fmt.Errorf("rewrite job to full sync: %w", err)
		}
		job.ProcessedMessages = 0
		job.NextPageToken = ""
		e.reportProgress(job, 0, 0, "")
	}

	return e.FullSync(ctx, account, job, cancelled)
}

// finish marks the account and mirror state after a successful sync.
func (e *Engine) finish(account *store.Account) error {
	if err := e.store.RebuildSenderAggregates(account.ID); err != nil {
		return fmt.Errorf("rebuild sender aggregates: %w", err)
	}
	if err := e.store.SetSyncStatus(account.ID, store.SyncCompleted, ""); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// fail records a sync failure on the account. Auth failures get their own
// status so the scheduler stops re-enqueueing until re-auth.
func (e *Engine) fail(account *store.Account, err error) error {
	status := store.SyncError
	if errors.Is(err, gmail.ErrAuthExpired) {
		status = store.SyncAuthExpired
		if perr := e.store.PauseJobsForAccount(account.ID, "authorization expired"); perr != nil {
			e.logger.Error("failed to pause jobs after auth expiry",
				"account_id", account.ID, "error", perr)
		}
	}
	if serr := e.store.SetSyncStatus(account.ID, status, userFacingError(err)); serr != nil {
		e.logger.Error("failed to record sync error", "account_id", account.ID, "error", serr)
	}
	return err
}

// userFacingError strips internals down to a short human message. No ids,
// no tokens.
func userFacingError(err error) string {
	switch {
	case errors.Is(err, gmail.ErrAuthExpired):
		return "Gmail authorization expired; please reconnect the account"
	case errors.Is(err, ErrPausedOnQuota):
		return "Gmail rate limit reached; sync will resume automatically"
	default:
		return "sync failed; see server logs"
	}
}

// reportProgress persists job progress and notifies any listener.
func (e *Engine) reportProgress(job *store.Job, processed, total int64, pageToken string) {
	if err := e.store.UpdateJobProgress(job.ID, processed, total, pageToken); err != nil {
		e.logger.Error("failed to persist job progress", "job_id", job.ID, "error", err)
	}
	if e.progress != nil {
		e.progress(processed, total)
	}
}

// fetchChunk runs one ≤100-id metadata batch through the throttle, retrying
// on quota pushback until the context dies or the server relents.
func (e *Engine) fetchChunk(ctx context.Context, ids []string) (*gmail.BatchResponse, error) {
	const maxQuotaRetries = 5
	for attempt := 0; ; attempt++ {
		if err := e.throttle.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := e.api.GetMessagesMetadata(ctx, ids)
		if err == nil {
			e.throttle.OnBatchComplete(time.Duration(resp.Latency) * time.Millisecond)
			return resp, nil
		}

		var rle *gmail.RateLimitError
		if errors.As(err, &rle) {
			e.throttle.OnRateLimit(rle.RetryAfterSec)
			if attempt >= maxQuotaRetries {
				return nil, ErrPausedOnQuota
			}
			continue
		}
		return nil, err
	}
}

// retryThrottledItems re-fetches ids whose parts of a batch came back 429.
// Whole-batch 429s are retried inside fetchChunk; this covers partial
// pushback, where Gmail throttles some parts of an otherwise successful
// response. Returns items free of rate-limit errors, or ErrPausedOnQuota
// when the pushback outlasts the retry budget.
func (e *Engine) retryThrottledItems(ctx context.Context, ids []string) ([]gmail.BatchItem, error) {
	const maxQuotaRetries = 5
	var resolved []gmail.BatchItem
	for attempt := 0; len(ids) > 0; attempt++ {
		if attempt >= maxQuotaRetries {
			return nil, ErrPausedOnQuota
		}
		e.throttle.OnRateLimit(0)

		resp, err := e.fetchChunk(ctx, ids)
		if err != nil {
			return nil, err
		}
		var still []string
		for _, item := range resp.Items {
			if item.Err != nil && item.Err.IsRateLimited() {
				still = append(still, item.ID)
				continue
			}
			resolved = append(resolved, item)
		}
		ids = still
	}
	return resolved, nil
}

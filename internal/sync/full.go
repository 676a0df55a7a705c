package sync

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/inboxorcist/inboxorcist/internal/gmail"
	"github.com/inboxorcist/inboxorcist/internal/store"
)

// FullSync mirrors the whole mailbox. The job's next_page_token makes it
// resumable: a restarted job continues from the last fully persisted page.
func (e *Engine) FullSync(ctx context.Context, account *store.Account, job *store.Job, cancelled func() bool) error {
	// Phase 1: estimate the mailbox and snapshot the history cursor, so
	// the first delta sync after completion covers everything that changed
	// while the full sync was running.
	if err := e.store.SetSyncStatus(account.ID, store.SyncStatsOnly, ""); err != nil {
		return fmt.Errorf("mark stats_only: %w", err)
	}

	profile, err := e.api.GetProfile(ctx)
	if err != nil {
		return e.fail(account, fmt.Errorf("get profile: %w", err))
	}

	probe, err := e.api.ListMessages(ctx, "", 1)
	if err != nil {
		return e.fail(account, fmt.Errorf("estimate mailbox: %w", err))
	}

	total := probe.ResultSizeEstimate
	processed := job.ProcessedMessages
	e.reportProgress(job, processed, total, job.NextPageToken)

	if err := e.store.AdvanceHistoryID(account.ID, profile.HistoryID); err != nil {
		return e.fail(account, err)
	}

	// Phase 2: page through ids and mirror metadata.
	if err := e.store.SetSyncStatus(account.ID, store.SyncSyncing, ""); err != nil {
		return fmt.Errorf("mark syncing: %w", err)
	}
	e.logger.Info("full sync started",
		"account_id", account.ID, "email", profile.EmailAddress,
		"estimated_total", total, "resuming", job.NextPageToken != "")

	pageToken := job.NextPageToken
	for {
		if cancelled() {
			return ErrCancelled
		}

		page, err := e.api.ListMessages(ctx, pageToken, e.pageSize)
		if err != nil {
			return e.fail(account, fmt.Errorf("list messages: %w", err))
		}
		if len(page.Messages) == 0 {
			break
		}

		ids := make([]string, len(page.Messages))
		for i, m := range page.Messages {
			ids[i] = m.ID
		}

		n, err := e.syncPage(ctx, account.ID, ids, cancelled)
		processed += n
		if err != nil {
			e.reportProgress(job, processed, total, pageToken)
			if err == ErrCancelled || err == ErrPausedOnQuota {
				return err
			}
			return e.fail(account, err)
		}

		// The token is persisted only after the page fully lands, so a
		// crash replays the page; upserts make the replay harmless.
		pageToken = page.NextPageToken
		e.reportProgress(job, processed, total, pageToken)

		if pageToken == "" {
			break
		}
	}

	if err := e.finish(account); err != nil {
		return err
	}
	e.logger.Info("full sync completed", "account_id", account.ID, "messages", processed)
	return nil
}

// syncPage fetches one list page's metadata in parallel ≤100-id chunks and
// persists them sequentially in chunk order, so a crash leaves a clean
// prefix of the page. Returns the number of messages persisted.
func (e *Engine) syncPage(ctx context.Context, accountID string, ids []string, cancelled func() bool) (int64, error) {
	chunks := chunkIDs(ids, gmail.MaxBatchSize)
	results := make([]*gmail.BatchResponse, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.throttle.Concurrency())
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			resp, err := e.fetchChunk(gctx, chunk)
			if err != nil {
				return err
			}
			results[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return 0, ErrCancelled
		}
		return 0, err
	}

	var persisted int64
	for _, resp := range results {
		if cancelled() {
			return persisted, ErrCancelled
		}

		resolved := make([]gmail.BatchItem, 0, len(resp.Items))
		var throttled []string
		for _, item := range resp.Items {
			if item.Err != nil && item.Err.IsRateLimited() {
				throttled = append(throttled, item.ID)
				continue
			}
			resolved = append(resolved, item)
		}
		// Partial pushback throttles some parts of an otherwise good
		// batch; only those ids retry, the rest of the chunk proceeds.
		if len(throttled) > 0 {
			retried, err := e.retryThrottledItems(ctx, throttled)
			if err != nil {
				return persisted, err
			}
			resolved = append(resolved, retried...)
		}

		records := make([]*store.EmailRecord, 0, len(resolved))
		for _, item := range resolved {
			if item.Err != nil {
				// A 404 means the message vanished between listing
				// and fetching; nothing to mirror.
				if item.Err.IsNotFound() {
					continue
				}
				if item.Err.Code == 403 {
					e.logger.Warn("skipping message without permission",
						"account_id", accountID, "message_id", item.ID)
					continue
				}
				return persisted, fmt.Errorf("fetch message %s: %w", item.ID, item.Err)
			}
			records = append(records, toEmailRecord(accountID, item.Message))
		}

		if err := e.store.UpsertEmails(accountID, records); err != nil {
			return persisted, fmt.Errorf("persist chunk: %w", err)
		}
		persisted += int64(len(resp.Items))
	}
	return persisted, nil
}

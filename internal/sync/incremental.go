package sync

import (
	"context"
	"fmt"

	"github.com/inboxorcist/inboxorcist/internal/gmail"
	"github.com/inboxorcist/inboxorcist/internal/store"
)

// labelDiff accumulates history label changes for one message.
type labelDiff struct {
	added   []string
	removed []string
}

// DeltaSync replays Gmail's history log from the account's cursor and
// applies adds, deletes, and label changes to the mirror. Returns
// gmail.ErrHistoryExpired when the cursor is older than Gmail's retention;
// the caller escalates to a full sync.
func (e *Engine) DeltaSync(ctx context.Context, account *store.Account, job *store.Job, cancelled func() bool) error {
	e.logger.Info("delta sync started", "account_id", account.ID, "history_id", account.HistoryID)

	added := make(map[string]bool)
	deleted := make(map[string]bool)
	diffs := make(map[string]*labelDiff)
	var order []string // message ids in first-seen label-change order

	maxHistoryID := account.HistoryID
	pageToken := ""
	for {
		if cancelled() {
			return ErrCancelled
		}

		resp, err := e.api.ListHistory(ctx, account.HistoryID, pageToken)
		if err != nil {
			if err == gmail.ErrHistoryExpired {
				return err
			}
			return e.fail(account, fmt.Errorf("list history: %w", err))
		}
		if resp.HistoryID > maxHistoryID {
			maxHistoryID = resp.HistoryID
		}

		for _, h := range resp.History {
			if h.ID > maxHistoryID {
				maxHistoryID = h.ID
			}
			for _, m := range h.MessagesAdded {
				added[m.ID] = true
				delete(deleted, m.ID)
			}
			for _, m := range h.MessagesDeleted {
				deleted[m.ID] = true
				delete(added, m.ID)
				delete(diffs, m.ID)
			}
			for _, lc := range h.LabelsAdded {
				d := ensureDiff(diffs, &order, lc.Message.ID)
				d.added = append(d.added, lc.LabelIDs...)
			}
			for _, lc := range h.LabelsRemoved {
				d := ensureDiff(diffs, &order, lc.Message.ID)
				d.removed = append(d.removed, lc.LabelIDs...)
			}
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	// Label changes on messages we never mirrored get a metadata fetch
	// instead of a blind diff.
	fetch := make([]string, 0, len(added))
	for id := range added {
		fetch = append(fetch, id)
	}
	for _, id := range order {
		if added[id] || deleted[id] {
			continue
		}
		d := diffs[id]
		err := e.store.UpdateLabels(account.ID, id, d.added, d.removed)
		if err == store.ErrNotFound {
			fetch = append(fetch, id)
			continue
		}
		if err != nil {
			return e.fail(account, fmt.Errorf("apply label change: %w", err))
		}
	}

	if len(fetch) > 0 {
		if err := e.fetchAndUpsert(ctx, account.ID, fetch, cancelled); err != nil {
			if err == ErrCancelled || err == ErrPausedOnQuota {
				return err
			}
			return e.fail(account, err)
		}
	}

	if len(deleted) > 0 {
		ids := make([]string, 0, len(deleted))
		for id := range deleted {
			ids = append(ids, id)
		}
		if err := e.store.DeleteByIDs(account.ID, ids); err != nil {
			return e.fail(account, fmt.Errorf("apply deletions: %w", err))
		}
	}

	// The cursor only ever moves forward.
	if err := e.store.AdvanceHistoryID(account.ID, maxHistoryID); err != nil {
		return e.fail(account, err)
	}
	if err := e.finish(account); err != nil {
		return err
	}

	e.logger.Info("delta sync completed",
		"account_id", account.ID,
		"added", len(added), "deleted", len(deleted), "label_changes", len(order),
		"history_id", maxHistoryID)
	return nil
}

func ensureDiff(diffs map[string]*labelDiff, order *[]string, id string) *labelDiff {
	if d, ok := diffs[id]; ok {
		return d
	}
	d := &labelDiff{}
	diffs[id] = d
	*order = append(*order, id)
	return d
}

// fetchAndUpsert mirrors an explicit id list in throttled ≤100 chunks.
// Items that 404 were deleted after the history event and are dropped from
// the mirror instead.
func (e *Engine) fetchAndUpsert(ctx context.Context, accountID string, ids []string, cancelled func() bool) error {
	for _, chunk := range chunkIDs(ids, gmail.MaxBatchSize) {
		if cancelled() {
			return ErrCancelled
		}

		resp, err := e.fetchChunk(ctx, chunk)
		if err != nil {
			return err
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
		if len(throttled) > 0 {
			retried, err := e.retryThrottledItems(ctx, throttled)
			if err != nil {
				return err
			}
			resolved = append(resolved, retried...)
		}

		var records []*store.EmailRecord
		var gone []string
		for _, item := range resolved {
			if item.Err != nil {
				if item.Err.IsNotFound() {
					gone = append(gone, item.ID)
					continue
				}
				return fmt.Errorf("fetch message %s: %w", item.ID, item.Err)
			}
			records = append(records, toEmailRecord(accountID, item.Message))
		}

		if err := e.store.UpsertEmails(accountID, records); err != nil {
			return fmt.Errorf("persist delta chunk: %w", err)
		}
		if err := e.store.DeleteByIDs(accountID, gone); err != nil {
			return fmt.Errorf("drop vanished messages: %w", err)
		}
	}
	return nil
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/inboxorcist/inboxorcist/internal/gmail"
	"github.com/inboxorcist/inboxorcist/internal/store"
	mailsync "github.com/inboxorcist/inboxorcist/internal/sync"
)

// BulkPayload is the JSON body of a trash, delete, or apply_label job.
// Callers supply either a filter or a query snapshot handle; the first run
// materializes the id set and writes it back, so a resumed job acts on the
// exact set the user confirmed, not a re-evaluation.
type BulkPayload struct {
	Filter  *store.Filter `json:"filter,omitempty"`
	QueryID string        `json:"query_id,omitempty"`

	// Label diff for apply_label jobs.
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`

	// Filled in by materialization.
	Materialized bool     `json:"materialized"`
	IDs          []string `json:"ids,omitempty"`
	SizeBytes    int64    `json:"size_bytes"`
}

// runBulk executes a trash, delete, or apply_label job in chunks of at most
// the remote mutation cap, checkpointing after each chunk.
func (r *Runner) runBulk(ctx context.Context, backend *Backend, job *store.Job, cancelled func() bool) error {
	logger := r.logger.With("job_id", job.ID, "account_id", job.AccountID, "type", job.Type)

	var p BulkPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if job.Type == store.JobTypeApplyLabel && len(p.Add) == 0 && len(p.Remove) == 0 {
		return fmt.Errorf("apply_label job has an empty label diff")
	}

	if !p.Materialized {
		if err := r.materialize(job, &p, logger); err != nil {
			return err
		}
	}

	total := int64(len(p.IDs))
	processed := job.ProcessedMessages
	if processed > total {
		processed = total
	}

	for processed < total {
		if cancelled() {
			return mailsync.ErrCancelled
		}

		end := processed + int64(gmail.MaxMutationBatchSize)
		if end > total {
			end = total
		}
		chunk := p.IDs[processed:end]

		if err := r.applyChunk(ctx, backend, job, &p, chunk); err != nil {
			if !errors.Is(err, mailsync.ErrPausedOnQuota) && ctx.Err() == nil {
				if serr := r.store.SetJobError(job.ID, err.Error()); serr != nil {
					logger.Error("record job error", "error", serr)
				}
			}
			return err
		}

		processed = end
		if err := r.store.UpdateJobProgress(job.ID, processed, total, ""); err != nil {
			return fmt.Errorf("checkpoint progress: %w", err)
		}
		logger.Debug("chunk applied", "processed", processed, "total", total)
	}

	// Trash and delete change what counts as inbox mail; keep the sender
	// rollup in step.
	if job.Type == store.JobTypeTrash || job.Type == store.JobTypeDelete {
		if err := r.store.RebuildSenderAggregates(job.AccountID); err != nil {
			return fmt.Errorf("rebuild sender aggregates: %w", err)
		}
	}
	return nil
}

// materialize resolves the payload's filter or snapshot handle into a
// concrete id list and persists it into the job.
func (r *Runner) materialize(job *store.Job, p *BulkPayload, logger *slog.Logger) error {
	f := p.Filter
	if p.QueryID != "" {
		snap, err := r.store.GetQuerySnapshot(p.QueryID)
		if err != nil {
			return fmt.Errorf("resolve query snapshot %s: %w", p.QueryID, err)
		}
		if snap.AccountID != job.AccountID {
			return fmt.Errorf("query snapshot belongs to a different account")
		}
		f = snap.Filter
	}
	if f == nil {
		return fmt.Errorf("bulk job has neither filter nor query_id")
	}

	ids, size, err := r.store.IDsWithSizeForFilter(job.AccountID, f)
	if err != nil {
		return fmt.Errorf("materialize ids: %w", err)
	}

	p.Materialized = true
	p.IDs = ids
	p.SizeBytes = size
	if err := r.store.UpdateJobPayload(job.ID, p); err != nil {
		return fmt.Errorf("persist id snapshot: %w", err)
	}
	if err := r.store.UpdateJobProgress(job.ID, 0, int64(len(ids)), ""); err != nil {
		return fmt.Errorf("set job total: %w", err)
	}
	logger.Info("materialized bulk target set", "count", len(ids), "size_bytes", size)
	return nil
}

// applyChunk performs the remote mutation for one chunk, then mirrors it
// locally. Remote before local: a crash between the two re-runs the chunk
// on resume, and every local step tolerates the replay.
func (r *Runner) applyChunk(ctx context.Context, backend *Backend, job *store.Job, p *BulkPayload, chunk []string) error {
	switch job.Type {
	case store.JobTypeTrash:
		err := r.mutate(ctx, backend, func() error {
			return backend.API.BatchModify(ctx, chunk, []string{"TRASH"}, []string{"INBOX"})
		})
		if err != nil {
			return err
		}
		return r.store.MarkTrashed(job.AccountID, chunk)

	case store.JobTypeDelete:
		// Archive before the irreversible remote delete so the tombstone
		// exists even if the process dies mid-chunk. Replays are safe on
		// both sides: re-archival is a no-op and Gmail treats deleting an
		// already-gone id as success.
		if err := r.store.ArchiveAndDelete(job.AccountID, chunk); err != nil {
			return fmt.Errorf("archive chunk: %w", err)
		}
		return r.mutate(ctx, backend, func() error {
			return backend.API.BatchDelete(ctx, chunk)
		})

	case store.JobTypeApplyLabel:
		err := r.mutate(ctx, backend, func() error {
			return backend.API.BatchModify(ctx, chunk, p.Add, p.Remove)
		})
		if err != nil {
			return err
		}
		return r.store.ApplyLabelDiff(job.AccountID, chunk, p.Add, p.Remove)
	}
	return fmt.Errorf("unknown bulk job type %q", job.Type)
}

// mutate runs one remote mutation through the account throttle, retrying on
// quota pushback a bounded number of times before parking the job.
func (r *Runner) mutate(ctx context.Context, backend *Backend, call func() error) error {
	const maxQuotaRetries = 5
	for attempt := 0; ; attempt++ {
		if err := backend.Throttle.Wait(ctx); err != nil {
			return err
		}

		start := time.Now()
		err := call()
		if err == nil {
			backend.Throttle.OnBatchComplete(time.Since(start))
			return nil
		}

		var rle *gmail.RateLimitError
		if errors.As(err, &rle) {
			backend.Throttle.OnRateLimit(rle.RetryAfterSec)
			if attempt >= maxQuotaRetries {
				return mailsync.ErrPausedOnQuota
			}
			continue
		}
		backend.Throttle.OnError()
		return err
	}
}

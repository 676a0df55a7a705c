// Package jobs runs durable, serial-per-account work items: syncs and bulk
// mailbox mutations. All job state lives in the jobs table; the runner can
// die at any point and resume from the last chunk boundary.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/inboxorcist/inboxorcist/internal/gmail"
	"github.com/inboxorcist/inboxorcist/internal/store"
	mailsync "github.com/inboxorcist/inboxorcist/internal/sync"
)

// Backend bundles the per-account Gmail client and throttle a job runs
// against. The runner asks the factory for one per account so throttle
// state is account-local.
type Backend struct {
	API      gmail.API
	Throttle *gmail.Throttle
}

// BackendFactory builds or returns the cached Backend for an account.
// Returning oauth-level failures here pauses the account's jobs.
type BackendFactory func(accountID string) (*Backend, error)

// Runner schedules and executes jobs.
type Runner struct {
	store   *store.Store
	factory BackendFactory
	logger  *slog.Logger

	tick time.Duration

	mu     sync.Mutex
	active map[string]bool // "accountID/type" currently running in this process
	wg     sync.WaitGroup
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithTickInterval overrides how often the runner polls for work.
func WithTickInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.tick = d
		}
	}
}

// NewRunner creates a job runner.
func NewRunner(st *store.Store, factory BackendFactory, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:   st,
		factory: factory,
		logger:  slog.Default(),
		tick:    5 * time.Second,
		active:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Enqueue inserts a pending job. Sync jobs are deduplicated: an account
// with an active sync keeps it instead of stacking another.
func (r *Runner) Enqueue(accountID, userID, jobType string, payload interface{}) (*store.Job, error) {
	if jobType == store.JobTypeSync {
		active, err := r.store.HasActiveJob(accountID, store.JobTypeSync)
		if err != nil {
			return nil, err
		}
		if active {
			return nil, fmt.Errorf("account already has an active sync job")
		}
	}
	return r.store.CreateJob(accountID, userID, jobType, payload)
}

// Cancel transitions a job to cancelled. Running workers observe the
// status flip at the next chunk boundary and stop cleanly.
func (r *Runner) Cancel(jobID string) error {
	err := r.store.TransitionJob(jobID, store.JobCancelled,
		store.JobPending, store.JobRunning, store.JobPaused)
	if err == store.ErrNotFound {
		return fmt.Errorf("job is not cancellable")
	}
	return err
}

// Pause transitions a job to paused.
func (r *Runner) Pause(jobID string) error {
	err := r.store.TransitionJob(jobID, store.JobPaused, store.JobPending, store.JobRunning)
	if err == store.ErrNotFound {
		return fmt.Errorf("job is not pausable")
	}
	return err
}

// Resume transitions a paused job back to pending; the next tick picks it
// up.
func (r *Runner) Resume(jobID string) error {
	err := r.store.TransitionJob(jobID, store.JobPending, store.JobPaused)
	if err == store.ErrNotFound {
		return fmt.Errorf("job is not resumable")
	}
	return err
}

// Start recovers interrupted jobs and begins the tick loop. It blocks
// until ctx is cancelled, then waits for in-flight jobs to reach a chunk
// boundary.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.recover(); err != nil {
		return err
	}

	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	r.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return nil
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// recover demotes jobs left in running by a dead process to paused; the
// tick loop resumes them in creation order with their page tokens intact.
func (r *Runner) recover() error {
	orphans, err := r.store.JobsInStatus(store.JobRunning)
	if err != nil {
		return fmt.Errorf("find orphaned jobs: %w", err)
	}
	for _, j := range orphans {
		r.logger.Info("recovering orphaned job", "job_id", j.ID, "type", j.Type,
			"processed", j.ProcessedMessages)
		if err := r.store.TransitionJob(j.ID, store.JobPaused, store.JobRunning); err != nil {
			return fmt.Errorf("demote job %s: %w", j.ID, err)
		}
	}
	return nil
}

// Tick promotes eligible jobs to running, one per (account, type).
func (r *Runner) Tick(ctx context.Context) {
	candidates, err := r.store.JobsInStatus(store.JobPending, store.JobPaused)
	if err != nil {
		r.logger.Error("list candidate jobs", "error", err)
		return
	}

	for _, job := range candidates {
		key := job.AccountID + "/" + job.Type

		r.mu.Lock()
		busy := r.active[key]
		if !busy {
			r.active[key] = true
		}
		r.mu.Unlock()
		if busy {
			continue
		}

		if !r.claim(job) {
			r.release(key)
			continue
		}

		r.wg.Add(1)
		go func(job *store.Job) {
			defer r.wg.Done()
			defer r.release(key)
			r.execute(ctx, job)
		}(job)
	}
}

func (r *Runner) release(key string) {
	r.mu.Lock()
	delete(r.active, key)
	r.mu.Unlock()
}

// claim CAS-transitions the job to running. Accounts whose auth has
// expired are skipped until re-auth.
func (r *Runner) claim(job *store.Job) bool {
	account, err := r.store.GetAccount(job.AccountID)
	if err != nil {
		r.logger.Error("load account for job", "job_id", job.ID, "error", err)
		return false
	}
	if account.SyncStatus == store.SyncAuthExpired {
		return false
	}

	err = r.store.TransitionJob(job.ID, store.JobRunning, store.JobPending, store.JobPaused)
	if err == store.ErrNotFound {
		return false // lost the race or state changed under us
	}
	if err != nil {
		r.logger.Error("claim job", "job_id", job.ID, "error", err)
		return false
	}
	return true
}

// execute runs one claimed job to a terminal or parked state.
func (r *Runner) execute(ctx context.Context, job *store.Job) {
	job, err := r.store.GetJob(job.ID)
	if err != nil {
		r.logger.Error("reload job", "job_id", job.ID, "error", err)
		return
	}

	logger := r.logger.With("job_id", job.ID, "account_id", job.AccountID, "type", job.Type)
	logger.Info("job started", "processed", job.ProcessedMessages)

	backend, err := r.factory(job.AccountID)
	if err != nil {
		r.failOrPark(job, err, logger)
		return
	}

	cancelled := r.cancellationCheck(job.ID)

	switch job.Type {
	case store.JobTypeSync:
		engine := mailsync.NewEngine(r.store, backend.API, backend.Throttle,
			mailsync.WithLogger(logger))
		err = engine.Run(ctx, job, cancelled)
	case store.JobTypeTrash, store.JobTypeDelete, store.JobTypeApplyLabel:
		err = r.runBulk(ctx, backend, job, cancelled)
	default:
		err = fmt.Errorf("unknown job type %q", job.Type)
	}

	if err == nil {
		if terr := r.store.TransitionJob(job.ID, store.JobCompleted, store.JobRunning); terr != nil {
			logger.Error("mark job completed", "error", terr)
		}
		logger.Info("job completed")
		return
	}

	if errors.Is(err, mailsync.ErrCancelled) || ctx.Err() != nil {
		// The status was already flipped by Cancel/Pause, or the process
		// is shutting down; park a still-running job for recovery.
		if terr := r.store.TransitionJob(job.ID, store.JobPaused, store.JobRunning); terr != nil && terr != store.ErrNotFound {
			logger.Error("park job", "error", terr)
		}
		logger.Info("job stopped at chunk boundary")
		return
	}

	r.failOrPark(job, err, logger)
}

// failOrPark decides between a terminal failure and a retryable parked
// state. Quota exhaustion and auth expiry both pause rather than fail.
func (r *Runner) failOrPark(job *store.Job, err error, logger *slog.Logger) {
	switch {
	case errors.Is(err, mailsync.ErrPausedOnQuota):
		logger.Warn("job paused on quota exhaustion")
		if terr := r.store.TransitionJob(job.ID, store.JobPaused, store.JobRunning); terr != nil && terr != store.ErrNotFound {
			logger.Error("park job", "error", terr)
		}
	case errors.Is(err, gmail.ErrAuthExpired):
		logger.Warn("job paused, authorization expired")
		if serr := r.store.SetSyncStatus(job.AccountID, store.SyncAuthExpired, "authorization expired"); serr != nil {
			logger.Error("mark account auth_expired", "error", serr)
		}
		if perr := r.store.PauseJobsForAccount(job.AccountID, "authorization expired"); perr != nil {
			logger.Error("pause account jobs", "error", perr)
		}
	default:
		logger.Error("job failed", "error", err)
		if ferr := r.store.FailJob(job.ID, err.Error()); ferr != nil {
			logger.Error("mark job failed", "error", ferr)
		}
	}
}

// cancellationCheck returns the chunk-boundary predicate: true once the
// job is no longer in running status.
func (r *Runner) cancellationCheck(jobID string) func() bool {
	return func() bool {
		j, err := r.store.GetJob(jobID)
		if err != nil {
			return true
		}
		return j.Status != store.JobRunning
	}
}

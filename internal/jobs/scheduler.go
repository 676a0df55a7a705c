package jobs

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/inboxorcist/inboxorcist/internal/store"
	mailsync "github.com/inboxorcist/inboxorcist/internal/sync"
)

// Scheduler periodically enqueues delta syncs so completed mirrors stay
// fresh without the user asking.
type Scheduler struct {
	store    *store.Store
	runner   *Runner
	logger   *slog.Logger
	interval time.Duration
	cron     *cron.Cron
}

// NewScheduler creates a delta-sync scheduler with the given refresh
// interval.
func NewScheduler(st *store.Store, runner *Runner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    st,
		runner:   runner,
		logger:   logger,
		interval: interval,
		cron:     cron.New(),
	}
}

// Start begins the periodic enqueue loop.
func (s *Scheduler) Start() {
	s.cron.Schedule(cron.Every(s.interval), cron.FuncJob(s.enqueueDue))
	s.cron.Start()
}

// Stop halts the loop and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// enqueueDue creates a delta sync job for every account whose last sync
// completed at least one interval ago. Accounts mid-sync, errored, or with
// expired auth are left alone.
func (s *Scheduler) enqueueDue() {
	accounts, err := s.store.ListAccounts()
	if err != nil {
		s.logger.Error("scheduler: list accounts", "error", err)
		return
	}

	cutoff := time.Now().Add(-s.interval).UnixMilli()
	for _, a := range accounts {
		if a.SyncStatus != store.SyncCompleted {
			continue
		}
		if a.SyncCompletedAt.Valid && a.SyncCompletedAt.Int64 > cutoff {
			continue
		}

		_, err := s.runner.Enqueue(a.ID, a.UserID, store.JobTypeSync,
			mailsync.Payload{Mode: mailsync.ModeDelta})
		if err != nil {
			// Enqueue refuses to stack syncs; that is expected here.
			s.logger.Debug("scheduler: skip account", "account_id", a.ID, "reason", err)
			continue
		}
		s.logger.Info("scheduled delta sync", "account_id", a.ID, "email", a.Email)
	}
}

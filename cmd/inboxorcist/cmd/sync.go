package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/inboxorcist/inboxorcist/internal/gmail"
	"github.com/inboxorcist/inboxorcist/internal/store"
	mailsync "github.com/inboxorcist/inboxorcist/internal/sync"
)

var syncDelta bool

var syncCmd = &cobra.Command{
	Use:   "sync <email>",
	Short: "Sync a mailbox in the foreground",
	Long: `Mirror a mailbox's metadata into the local database, showing progress.

By default runs a full sync (resuming any interrupted one). With --delta,
replays Gmail's history log from the last sync cursor instead; falls back
to a full sync if the cursor has expired.`,
	Args: cobra.ExactArgs(1),
	RunE: runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncDelta, "delta", false, "incremental sync from the history cursor")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	account, err := findAccount(s, args[0])
	if err != nil {
		return err
	}

	mgr, err := newOAuthManager(s)
	if err != nil {
		return err
	}
	if !mgr.HasToken(account.ID) {
		return fmt.Errorf("no stored credentials for %s; run 'inboxorcist add-account %s'", account.Email, account.Email)
	}

	mode := mailsync.ModeFull
	if syncDelta {
		mode = mailsync.ModeDelta
	}

	// Resume an interrupted sync job if one exists, otherwise create one.
	job, err := pendingSyncJob(s, account)
	if err != nil {
		return err
	}
	if job == nil {
		job, err = s.CreateJob(account.ID, account.UserID, store.JobTypeSync, mailsync.Payload{Mode: mode})
		if err != nil {
			return fmt.Errorf("create sync job: %w", err)
		}
	}
	if err := s.TransitionJob(job.ID, store.JobRunning, store.JobPending, store.JobPaused); err != nil {
		return fmt.Errorf("claim sync job: %w", err)
	}
	job, err = s.GetJob(job.ID)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	engine := mailsync.NewEngine(s,
		gmail.NewClient(mgr.TokenSource(account.ID)),
		gmail.NewThrottle(float64(cfg.Gmail.TargetMsgPerSec), cfg.Gmail.MaxConcurrency),
		mailsync.WithLogger(logger),
		mailsync.WithPageSize(cfg.Sync.PageSize),
		mailsync.WithProgress(func(processed, total int64) {
			if total > 0 {
				fmt.Printf("\r  %d / %d messages", processed, total)
			}
		}),
	)

	start := time.Now()
	runErr := engine.Run(ctx, job, func() bool { return ctx.Err() != nil })
	fmt.Println()

	if runErr != nil {
		// Park the job so a later run resumes from the checkpoint.
		if terr := s.TransitionJob(job.ID, store.JobPaused, store.JobRunning); terr != nil && terr != store.ErrNotFound {
			logger.Error("park sync job", "error", terr)
		}
		return fmt.Errorf("sync: %w", runErr)
	}

	if err := s.TransitionJob(job.ID, store.JobCompleted, store.JobRunning); err != nil {
		return fmt.Errorf("complete sync job: %w", err)
	}

	job, _ = s.GetJob(job.ID)
	fmt.Printf("Synced %d messages in %s.\n", job.ProcessedMessages, time.Since(start).Round(time.Second))
	return nil
}

// pendingSyncJob returns a resumable sync job for the account, if any.
func pendingSyncJob(s *store.Store, account *store.Account) (*store.Job, error) {
	candidates, err := s.JobsInStatus(store.JobPending, store.JobPaused)
	if err != nil {
		return nil, err
	}
	for _, j := range candidates {
		if j.AccountID == account.ID && j.Type == store.JobTypeSync {
			return j, nil
		}
	}
	return nil, nil
}

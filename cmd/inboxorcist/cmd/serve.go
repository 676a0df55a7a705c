package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/inboxorcist/inboxorcist/internal/api"
	"github.com/inboxorcist/inboxorcist/internal/gmail"
	"github.com/inboxorcist/inboxorcist/internal/jobs"
	"github.com/inboxorcist/inboxorcist/internal/oauth"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run Inboxorcist as a daemon",
	Long: `Run Inboxorcist as a long-running daemon:
  - HTTP API server on the configured port (default: 8080)
  - Job runner executing sync and bulk mutation jobs
  - Periodic delta syncs keeping completed mirrors fresh

Interrupted jobs are resumed automatically on startup. Use Ctrl+C to stop
the daemon gracefully; running jobs park at the next chunk boundary.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// backendCache builds one Gmail client and throttle per account and reuses
// them, so throttle state survives across jobs for the same mailbox.
type backendCache struct {
	mu       sync.Mutex
	oauth    *oauth.Manager
	target   float64
	maxConc  int
	backends map[string]*jobs.Backend
}

func (c *backendCache) get(accountID string) (*jobs.Backend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.backends[accountID]; ok {
		return b, nil
	}
	b := &jobs.Backend{
		API:      gmail.NewClient(c.oauth.TokenSource(accountID)),
		Throttle: gmail.NewThrottle(c.target, c.maxConc),
	}
	c.backends[accountID] = b
	return b, nil
}

func (c *backendCache) stats(accountID string) *gmail.ThrottleStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.backends[accountID]
	if !ok {
		return nil
	}
	s := b.Throttle.Stats()
	return &s
}

func runServe(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	oauthMgr, err := newOAuthManager(s)
	if err != nil {
		return err
	}

	backends := &backendCache{
		oauth:    oauthMgr,
		target:   float64(cfg.Gmail.TargetMsgPerSec),
		maxConc:  cfg.Gmail.MaxConcurrency,
		backends: make(map[string]*jobs.Backend),
	}

	runner := jobs.NewRunner(s, backends.get, jobs.WithLogger(logger))
	sched := jobs.NewScheduler(s, runner, cfg.DeltaInterval(), logger)

	apiServer := api.NewServer(cfg, s, runner, backends.stats, logger)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	runnerDone := make(chan error, 1)
	go func() {
		runnerDone <- runner.Start(ctx)
	}()
	sched.Start()

	serverErr := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	bindAddr := cfg.Server.BindAddr
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	fmt.Printf("inboxorcist daemon started\n")
	fmt.Printf("  API server:     http://%s\n", net.JoinHostPort(bindAddr, strconv.Itoa(cfg.Server.APIPort)))
	fmt.Printf("  Delta interval: %s\n", cfg.DeltaInterval())

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		cancel()
		logger.Error("API server failed", "error", err)
	}

	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API shutdown", "error", err)
	}

	// Wait for running jobs to park at a chunk boundary.
	cancel()
	if err := <-runnerDone; err != nil {
		return fmt.Errorf("job runner: %w", err)
	}
	return nil
}

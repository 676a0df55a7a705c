package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/inboxorcist/inboxorcist/internal/config"
	"github.com/inboxorcist/inboxorcist/internal/crypto"
	"github.com/inboxorcist/inboxorcist/internal/oauth"
	"github.com/inboxorcist/inboxorcist/internal/store"
)

var (
	cfgFile string
	verbose bool
	cfg     *config.Config
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "inboxorcist",
	Short: "Gmail mailbox analysis and bulk cleanup",
	Long: `Inboxorcist mirrors Gmail metadata into a local database so an entire
mailbox can be analyzed and cleaned up in bulk: find the senders burying
you, trash or permanently delete thousands of messages at a time, and keep
the mirror fresh with incremental syncs.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		if err := os.MkdirAll(cfg.Data.DataDir, 0o700); err != nil {
			return fmt.Errorf("create data directory %s: %w", cfg.Data.DataDir, err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.inboxorcist/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// Execute runs the root command with a background context.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with the given context, enabling
// graceful shutdown when the context is cancelled.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// openStore opens the configured database and ensures the schema exists.
func openStore() (*store.Store, error) {
	s, err := store.Open(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := s.InitSchema(); err != nil {
		s.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// newOAuthManager builds the token manager from config. The encryption key
// is required because stored tokens are always encrypted at rest.
func newOAuthManager(s *store.Store) (*oauth.Manager, error) {
	if cfg.Encryption.Key == "" {
		return nil, fmt.Errorf("encryption.key is not configured; set it in config.toml or INBOXORCIST_ENCRYPTION_KEY")
	}
	if cfg.OAuth.GoogleClientID == "" || cfg.OAuth.GoogleClientSecret == "" {
		return nil, fmt.Errorf("oauth.google_client_id and google_client_secret must be configured")
	}

	cipher, err := crypto.New(cfg.Encryption.Key)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}

	secret := cfg.OAuth.GoogleClientSecret
	if crypto.LooksEncrypted(secret) {
		secret, err = cipher.Decrypt(secret)
		if err != nil {
			return nil, fmt.Errorf("decrypt oauth client secret: %w", err)
		}
	}

	return oauth.NewManager(s, cipher, cfg.OAuth.GoogleClientID, secret, cfg.OAuth.RedirectURL, logger), nil
}

// findAccount resolves an email address to its account row.
func findAccount(s *store.Store, email string) (*store.Account, error) {
	accounts, err := s.ListAccounts()
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		if a.Email == email {
			return a, nil
		}
	}
	return nil, fmt.Errorf("no account for %s; run 'inboxorcist add-account %s' first", email, email)
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Initialize the database schema",
	Long: `Initialize the Inboxorcist database with the required schema.

Creates the tables for the mail mirror, sender aggregates, jobs, tokens,
and the deletion archive. Safe to run multiple times.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dbURL := cfg.DatabaseURL()
		logger.Info("initializing database", "url", dbURL)

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		accounts, err := s.ListAccounts()
		if err != nil {
			return fmt.Errorf("list accounts: %w", err)
		}

		fmt.Printf("Database: %s\n", dbURL)
		fmt.Printf("  Accounts: %d\n", len(accounts))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initDBCmd)
}

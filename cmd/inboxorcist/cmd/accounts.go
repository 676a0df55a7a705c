package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/inboxorcist/inboxorcist/internal/oauth"
	"github.com/inboxorcist/inboxorcist/internal/store"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List connected accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		accounts, err := s.ListAccounts()
		if err != nil {
			return fmt.Errorf("list accounts: %w", err)
		}
		if len(accounts) == 0 {
			fmt.Println("No accounts connected. Run 'inboxorcist add-account <email>' to add one.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "EMAIL\tSTATUS\tHISTORY ID\tLAST SYNC")
		for _, a := range accounts {
			lastSync := "never"
			if a.SyncCompletedAt.Valid {
				lastSync = time.UnixMilli(a.SyncCompletedAt.Int64).Format("2006-01-02 15:04")
			}
			status := a.SyncStatus
			if a.SyncError.Valid {
				status += " (" + a.SyncError.String + ")"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", a.Email, status, a.HistoryID, lastSync)
		}
		return w.Flush()
	},
}

var addAccountCmd = &cobra.Command{
	Use:   "add-account <email>",
	Short: "Connect a Gmail account",
	Long: `Connect a Gmail account by walking through the OAuth consent flow.

Prints the authorization URL; after approving access in a browser, paste
the authorization code back here. The refresh token is stored encrypted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		mgr, err := newOAuthManager(s)
		if err != nil {
			return err
		}

		account, err := s.GetOrCreateAccount("local", "gmail", email)
		if err != nil {
			return fmt.Errorf("create account: %w", err)
		}

		state, err := oauth.NewState()
		if err != nil {
			return fmt.Errorf("generate state: %w", err)
		}

		fmt.Printf("Open this URL in a browser and approve access for %s:\n\n  %s\n\n", email, mgr.AuthURL(state))
		fmt.Print("Paste the authorization code: ")

		reader := bufio.NewReader(os.Stdin)
		code, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read code: %w", err)
		}
		code = strings.TrimSpace(code)
		if code == "" {
			return fmt.Errorf("no authorization code provided")
		}

		if err := mgr.Exchange(cmd.Context(), account.ID, code); err != nil {
			return fmt.Errorf("exchange authorization code: %w", err)
		}
		if account.SyncStatus == store.SyncAuthExpired {
			if err := s.SetSyncStatus(account.ID, store.SyncIdle, ""); err != nil {
				return fmt.Errorf("reset sync status: %w", err)
			}
		}

		fmt.Printf("Account %s connected. Run 'inboxorcist sync %s' to mirror the mailbox.\n", email, email)
		return nil
	},
}

var removeAccountCmd = &cobra.Command{
	Use:   "remove-account <email>",
	Short: "Disconnect an account and delete its mirror",
	Long: `Disconnect an account: revokes the stored tokens and deletes the
mirrored metadata. The deletion archive is kept.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		account, err := findAccount(s, args[0])
		if err != nil {
			return err
		}
		if err := s.DeleteAccount(account.ID); err != nil {
			return fmt.Errorf("delete account: %w", err)
		}
		fmt.Printf("Account %s removed.\n", account.Email)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(accountsCmd)
	rootCmd.AddCommand(addAccountCmd)
	rootCmd.AddCommand(removeAccountCmd)
}

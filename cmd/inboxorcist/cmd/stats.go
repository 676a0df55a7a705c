package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/inboxorcist/inboxorcist/internal/store"
)

var statsCmd = &cobra.Command{
	Use:   "stats <email>",
	Short: "Show mailbox statistics",
	Long: `Show the analysis snapshot for a mirrored mailbox: totals, category
and age distribution, and what a cleanup could reclaim.`,
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

		stats, err := s.CalculateStats(account.ID)
		if err != nil {
			return fmt.Errorf("calculate stats: %w", err)
		}

		fmt.Printf("Mailbox: %s\n\n", account.Email)
		fmt.Printf("  Messages:  %d (%d unread)\n", stats.Total, stats.Unread)
		fmt.Printf("  Storage:   %s (%s in trash)\n",
			humanBytes(stats.Size.TotalStorageBytes), humanBytes(stats.Size.TrashStorageBytes))
		fmt.Printf("  Senders:   %d unique\n", stats.Senders.UniqueCount)
		fmt.Printf("  Trash:     %d   Spam: %d   Deleted by Inboxorcist: %d\n\n",
			stats.Trash.Count, stats.Spam.Count, stats.Deleted.Count)

		fmt.Println("  Categories:")
		fmt.Printf("    Primary %d, Promotions %d, Social %d, Updates %d, Forums %d\n\n",
			stats.Categories.Primary, stats.Categories.Promotions, stats.Categories.Social,
			stats.Categories.Updates, stats.Categories.Forums)

		fmt.Println("  Age:")
		fmt.Printf("    Older than 1 year: %d   Older than 2 years: %d\n\n",
			stats.Age.OlderThan1Year, stats.Age.OlderThan2Years)

		fmt.Println("  Cleanable (excludes starred and important):")
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		printCohort(w, "promotions", stats.Cleanup.Promotions)
		printCohort(w, "social", stats.Cleanup.Social)
		printCohort(w, "updates", stats.Cleanup.Updates)
		printCohort(w, "forums", stats.Cleanup.Forums)
		printCohort(w, "read promotions", stats.Cleanup.ReadPromotions)
		printCohort(w, "older than 1 year", stats.Cleanup.OlderThan1Year)
		printCohort(w, "older than 2 years", stats.Cleanup.OlderThan2Year)
		printCohort(w, "larger than 5 MB", stats.Cleanup.Larger5MB)
		printCohort(w, "larger than 10 MB", stats.Cleanup.Larger10MB)
		return w.Flush()
	},
}

var sendersCmd = &cobra.Command{
	Use:   "senders <email>",
	Short: "Show the highest-volume senders",
	Args:  cobra.ExactArgs(1),
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

		limit, _ := cmd.Flags().GetInt("limit")
		senders, err := s.TopSenders(account.ID, limit)
		if err != nil {
			return fmt.Errorf("top senders: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "COUNT\tSIZE\tSENDER")
		for _, sd := range senders {
			name := sd.Email
			if sd.Name != "" {
				name = fmt.Sprintf("%s <%s>", sd.Name, sd.Email)
			}
			fmt.Fprintf(w, "%d\t%s\t%s\n", sd.Count, humanBytes(sd.TotalSize), name)
		}
		return w.Flush()
	},
}

func printCohort(w *tabwriter.Writer, name string, c store.CohortStats) {
	fmt.Fprintf(w, "    %s\t%d\t%s\n", name, c.Count, humanBytes(c.SizeBytes))
}

// humanBytes formats a byte count for display.
func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

func init() {
	sendersCmd.Flags().Int("limit", 20, "number of senders to show")
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(sendersCmd)
}

package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/inboxorcist/inboxorcist/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs <email>",
	Short: "List an account's jobs",
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

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		list, err := s.ListJobs(account.ID, status, limit)
		if err != nil {
			return fmt.Errorf("list jobs: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tPROGRESS\tCREATED\tERROR")
		for _, j := range list {
			progress := fmt.Sprintf("%d/%d", j.ProcessedMessages, j.TotalMessages)
			created := time.UnixMilli(j.CreatedAt).Format("2006-01-02 15:04")
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				j.ID, j.Type, j.Status, progress, created, j.LastError)
		}
		return w.Flush()
	},
}

var cancelJobCmd = &cobra.Command{
	Use:   "cancel-job <job-id>",
	Short: "Cancel a job",
	Long: `Cancel a pending, running, or paused job. A running job stops at the
next chunk boundary; work already applied stays applied.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		err = s.TransitionJob(args[0], store.JobCancelled,
			store.JobPending, store.JobRunning, store.JobPaused)
		if err == store.ErrNotFound {
			return fmt.Errorf("job %s is not cancellable", args[0])
		}
		if err != nil {
			return err
		}
		fmt.Printf("Job %s cancelled.\n", args[0])
		return nil
	},
}

func init() {
	jobsCmd.Flags().String("status", "", "filter by status")
	jobsCmd.Flags().Int("limit", 50, "number of jobs to show")
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(cancelJobCmd)
}

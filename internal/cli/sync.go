package cli

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	appsync "github.com/fieldledger/fieldledger/internal/app/sync"
)

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().Bool("status", false, "Show queue status instead of running a sync")
	syncCmd.Flags().String("resync", "", "Reset and retry a failed record by id")
	syncCmd.Flags().String("kind", "expense", "Record kind for --resync (expense or receipt)")
	syncCmd.Flags().String("purge", "", "Purge completed queue entries older than a duration (e.g. 168h)")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a sync pass or inspect the queue",
	Long: `Push all pending local records to the finance backend. With --status
the queue is only inspected; with --resync ID a terminally failed
record gets its retry budget reset and is pushed again.`,
	RunE: runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient(cmd)
	if err != nil {
		return err
	}

	if statusOnly, _ := cmd.Flags().GetBool("status"); statusOnly {
		var qs appsync.QueueStatus
		if err := client.call(http.MethodGet, "/api/sync/status", nil, &qs); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Pending: %d\n", qs.Pending)
		fmt.Fprintf(os.Stdout, "Failed:  %d\n", qs.Failed)
		if qs.Running {
			fmt.Fprintln(os.Stdout, "A drain pass is currently running.")
		}
		return nil
	}

	if olderThan, _ := cmd.Flags().GetString("purge"); olderThan != "" {
		var res map[string]int64
		if err := client.call(http.MethodPost, "/api/sync/purge?older_than="+olderThan, nil, &res); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Purged %d completed queue entries.\n", res["purged"])
		return nil
	}

	if recordID, _ := cmd.Flags().GetString("resync"); recordID != "" {
		kind, _ := cmd.Flags().GetString("kind")
		if err := client.call(http.MethodPost, "/api/sync/resync/"+recordID+"?kind="+kind, nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "✅ Record %s re-queued and pushed.\n", shortID(recordID))
		return nil
	}

	var report appsync.RunReport
	if err := client.call(http.MethodPost, "/api/sync/run", nil, &report); err != nil {
		return err
	}
	if report.Coalesced {
		fmt.Fprintln(os.Stdout, "A sync pass was already running; it will cover pending items.")
		return nil
	}
	fmt.Fprintf(os.Stdout, "Pushed: %d  Requeued: %d  Failed: %d  Skipped: %d\n",
		report.Pushed, report.Requeued, report.Failed, report.Skipped)
	return nil
}

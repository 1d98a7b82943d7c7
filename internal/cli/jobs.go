package cli

import (
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fieldledger/fieldledger/internal/daemon"
	"github.com/fieldledger/fieldledger/internal/domain"
	"github.com/fieldledger/fieldledger/internal/infra/sqlite"
)

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsRecentCmd)

	jobsRecentCmd.Flags().Int("n", 5, "Number of jobs to show")
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Job references for expense capture",
}

var jobsRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Show recent job references",
	Long: `Show the job references most relevant for capture. Online this is
derived from your recent expenses; offline the cached job list is
served instead.`,
	RunE: runJobsRecent,
}

func runJobsRecent(cmd *cobra.Command, args []string) error {
	n, _ := cmd.Flags().GetInt("n")

	var jobs []domain.CachedJob
	client, err := newAPIClient(cmd)
	if err == nil {
		var res struct {
			Jobs []domain.CachedJob `json:"jobs"`
		}
		if callErr := client.call(http.MethodGet, fmt.Sprintf("/api/jobs/recent?n=%d", n), nil, &res); callErr == nil {
			jobs = res.Jobs
		}
	}
	if jobs == nil {
		// Daemon not running: serve the cached set directly.
		db, err := sqlite.Open(daemon.Home())
		if err != nil {
			return err
		}
		defer db.Close()
		jobs, err = db.ListCachedJobs(n)
		if err != nil {
			return err
		}
	}

	if len(jobs) == 0 {
		fmt.Fprintln(os.Stdout, "No job references available yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tJOB\tCUSTOMER\tROUTE")
	for _, j := range jobs {
		route := j.Origin
		if j.Destination != "" {
			route += " → " + j.Destination
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", shortID(j.ID), j.JobNumber, j.Customer, route)
	}
	return w.Flush()
}

package commands

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/bookenrich/am"
	"github.com/teranos/bookenrich/errors"
	"github.com/teranos/bookenrich/logger"
	"github.com/teranos/bookenrich/pulse/async"
)

// JobsCmd groups job maintenance commands
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and clean up batch jobs",
	Long: `Inspect stored batch jobs and remove expired ones.

Examples:
  bookenrich jobs ls                  # Newest jobs of every client
  bookenrich jobs ls --client alice   # One client's jobs
  bookenrich jobs show <job-id>       # Snapshot with per-item results
  bookenrich jobs gc                  # Delete expired jobs and cache rows`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Run one expiry sweep",
	Long:  "Delete jobs past their retention window and purge expired cache entries, the same sweep the server runs periodically.",
	RunE:  runJobsGC,
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List stored jobs, newest first",
	RunE:  runJobsLs,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a stored job with its item results",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var (
	jobsDBPath string
	jobsClient string
	jobsLimit  int
)

func init() {
	JobsCmd.PersistentFlags().StringVar(&jobsDBPath, "db-path", "", "Custom database path (overrides config)")
	jobsLsCmd.Flags().StringVar(&jobsClient, "client", "", "Only list jobs of this client")
	jobsLsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "Maximum number of jobs to list")

	JobsCmd.AddCommand(jobsGCCmd)
	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsShowCmd)
}

func openJobsApp() (*app, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	return openApp(cfg, jobsDBPath, logger.Logger)
}

func runJobsGC(cmd *cobra.Command, args []string) error {
	a, err := openJobsApp()
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.registry.Sweep(cmd.Context())
	if err != nil {
		return errors.Wrap(err, "expiry sweep failed")
	}

	pterm.Success.Println("Expiry sweep complete")
	_ = pterm.DefaultTable.WithData(pterm.TableData{
		{"Jobs deleted", strconv.FormatInt(stats.JobsDeleted, 10)},
		{"Cache entries purged", strconv.FormatInt(stats.CachePurged, 10)},
	}).Render()
	return nil
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	a, err := openJobsApp()
	if err != nil {
		return err
	}
	defer a.Close()

	jobs, err := a.store.ListJobs(cmd.Context(), jobsClient, jobsLimit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		pterm.Info.Println("No jobs stored")
		return nil
	}

	data := pterm.TableData{{"Job", "Client", "Pipeline", "Status", "Items", "Created", "Updated", "Skipped", "Failed", "Expires"}}
	for _, j := range jobs {
		data = append(data, jobRow(j))
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func jobRow(j *async.Job) []string {
	return []string{
		j.ID,
		j.OwnerID,
		j.Pipeline,
		string(j.Status),
		fmt.Sprintf("%d/%d", j.Processed, j.TotalItems),
		strconv.Itoa(j.Summary.Created),
		strconv.Itoa(j.Summary.Updated),
		strconv.Itoa(j.Summary.Skipped),
		strconv.Itoa(j.Summary.Failed),
		j.ExpiresAt.Local().Format("2006-01-02 15:04"),
	}
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	a, err := openJobsApp()
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.store.GetJob(cmd.Context(), args[0], true)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode job")
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/bookenrich/cmd/bookenrich/commands"
	"github.com/teranos/bookenrich/errors"
	"github.com/teranos/bookenrich/logger"
)

var rootCmd = &cobra.Command{
	Use:   "bookenrich",
	Short: "bookenrich - book metadata enrichment service",
	Long: `bookenrich resolves ISBNs and title searches against a fallback chain of
book metadata providers, caches the answers, and runs batch enrichment jobs
with resumable progress streams.

Available commands:
  server  - Serve the HTTP API
  lookup  - Resolve a single book
  jobs    - Inspect and clean up batch jobs
  token   - Issue a bearer token for a client
  am      - Manage configuration
  version - Show version information

Examples:
  bookenrich server -v                  # Serve with info logging
  bookenrich lookup 9780143127741       # Resolve one ISBN
  bookenrich jobs gc                    # Delete expired jobs
  bookenrich am show --format yaml      # Show merged configuration`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		if err := logger.InitializeWithLevel(jsonLogs, logger.VerbosityToLevel(verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Write logs as JSON")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.LookupCmd)
	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.TokenCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintln(os.Stderr, "hint:", hint)
		}
		os.Exit(1)
	}
}

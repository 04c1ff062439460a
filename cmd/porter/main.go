package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldline/porter/cmd/porter/commands"
	"github.com/fieldline/porter/logger"
)

var rootCmd = &cobra.Command{
	Use:   "porter",
	Short: "Porter - resumable record migration engine",
	Long: `Porter moves records from a source system of record into a target system,
transforming fields along the way, while surviving partial failures, API
rate limits, and process restarts.

Available commands:
  engine - Start the migration engine (polls for queued runs)
  run    - Create and manage migration runs
  db     - Manage the state database
  errors - Inspect and retry record-level errors

Examples:
  porter engine start               # Start the engine in foreground
  porter run create --kind crm-full # Queue a migration run
  porter run ls                     # List runs
  porter run status <run-id>        # Show progress and counters
  porter errors sweep               # Retry failed records`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON instead of console output")

	rootCmd.AddCommand(commands.EngineCmd)
	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.ErrorsCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Sync()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

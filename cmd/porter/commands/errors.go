package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/fieldline/porter/state"
)

// ErrorsCmd is the parent command for record-level error operations
var ErrorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "Inspect and retry record-level errors",
	Long: `Record-level errors are failures isolated to individual records
(validation failures, per-record load rejections). They never fail a run;
they are parked here for inspection and retry.

Examples:
  porter errors ls                       # List errors pending retry
  porter errors ls --run run_1b2c...     # List errors for one run
  porter errors sweep                    # Re-attempt pending errors`,
}

var (
	errorsListRun   string
	errorsListLimit int
	errorsSweepMax  int
)

var errorsListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List record errors",
	RunE:  runErrorsList,
}

var errorsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Re-attempt records that failed with pending-retry status",
	Long: `Replay failed records through their transform and load pipeline.
Records that succeed are marked resolved; records that exhaust their retry
budget are marked failed and left for manual handling.`,
	RunE: runErrorsSweep,
}

func init() {
	errorsListCmd.Flags().StringVar(&errorsListRun, "run", "", "Limit to errors from one run")
	errorsListCmd.Flags().IntVar(&errorsListLimit, "limit", 20, "Maximum errors to list")

	errorsSweepCmd.Flags().IntVar(&errorsSweepMax, "limit", 0, "Maximum errors to attempt (0 = configured default)")

	ErrorsCmd.AddCommand(errorsListCmd)
	ErrorsCmd.AddCommand(errorsSweepCmd)
}

func runErrorsList(cmd *cobra.Command, args []string) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	store := state.NewRecordErrorStore(database)

	var recordErrors []*state.RecordError
	if errorsListRun != "" {
		recordErrors, err = store.ListForRun(errorsListRun, errorsListLimit)
	} else {
		recordErrors, err = store.ListPendingRetry(errorsListLimit)
	}
	if err != nil {
		return err
	}

	if len(recordErrors) == 0 {
		pterm.Info.Println("No record errors found")
		return nil
	}

	for _, re := range recordErrors {
		pterm.Printf("%s  %-13s  %s/%s  retries=%d\n",
			re.ID, re.Status, re.SourceType, re.SourceID, re.RetryCount)
		pterm.Printf("    run: %s  entity: %s\n", re.RunID, re.EntityType)
		pterm.Printf("    %s\n", re.Message)
	}
	return nil
}

func runErrorsSweep(cmd *cobra.Command, args []string) error {
	s, err := buildStack()
	if err != nil {
		return err
	}
	defer s.Close()

	result, err := s.orchestrator.RetrySweep(cmd.Context(), errorsSweepMax)
	if err != nil {
		return err
	}

	if result.Attempted == 0 {
		pterm.Info.Println("No record errors pending retry")
		return nil
	}

	pterm.Success.Printf("Sweep finished: %d attempted, %d resolved, %d exhausted, %d skipped\n",
		result.Attempted, result.Resolved, result.Failed, result.Skipped)
	return nil
}

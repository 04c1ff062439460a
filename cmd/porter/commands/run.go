package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/fieldline/porter/config"
	"github.com/fieldline/porter/engine"
	"github.com/fieldline/porter/errors"
	"github.com/fieldline/porter/state"
)

// RunCmd is the parent command for managing migration runs
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Create and manage migration runs",
	Long: `Create, inspect, and control migration runs. Runs are queued in the
state database and picked up by a running engine (see 'porter engine start').

Examples:
  porter run create --kind crm-full
  porter run ls --status running
  porter run status run_1b2c...
  porter run stop run_1b2c...
  porter run requeue run_1b2c...`,
}

var (
	runCreateKind   string
	runListStatus   string
	runListLimit    int
	runStatusErrors int
)

var runCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Queue a new migration run",
	Long: `Queue a migration run for the engine to pick up. The current engine
configuration is snapshotted onto the run so later config edits do not
change a run already in flight.`,
	RunE: runCreate,
}

var runListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List migration runs",
	RunE:  runList,
}

var runStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show run progress, error counts, and recent audit events",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var runStopCmd = &cobra.Command{
	Use:   "stop <run-id>",
	Short: "Request a cooperative stop of a queued or running run",
	Long: `Pause a run. A running run finishes its in-flight batch and stops at
the next batch boundary; its cursors stay persisted. Use 'porter run
requeue' to resume from where it left off.`,
	Args: cobra.ExactArgs(1),
	RunE: runStop,
}

var runRequeueCmd = &cobra.Command{
	Use:   "requeue <run-id>",
	Short: "Return a paused or failed run to the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runRequeue,
}

func init() {
	runCreateCmd.Flags().StringVar(&runCreateKind, "kind", "", "Migration kind to run (required)")
	runCreateCmd.MarkFlagRequired("kind")

	runListCmd.Flags().StringVar(&runListStatus, "status", "", "Filter by status (queued, running, completed, failed, paused)")
	runListCmd.Flags().IntVar(&runListLimit, "limit", 20, "Maximum runs to list")

	runStatusCmd.Flags().IntVar(&runStatusErrors, "errors", 5, "Number of recent record errors to show")

	RunCmd.AddCommand(runCreateCmd)
	RunCmd.AddCommand(runListCmd)
	RunCmd.AddCommand(runStatusCmd)
	RunCmd.AddCommand(runStopCmd)
	RunCmd.AddCommand(runRequeueCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	snapshot, err := json.Marshal(cfg.Engine)
	if err != nil {
		return errors.Wrap(err, "failed to snapshot engine config")
	}

	run, err := state.NewRun(runCreateKind, snapshot)
	if err != nil {
		return err
	}

	stores := engine.NewStores(database)
	if err := stores.Runs.Create(run); err != nil {
		return err
	}
	stores.Audit.Append(&state.AuditEntry{
		RunID:  run.ID,
		Action: state.AuditActionRunCreated,
	})

	pterm.Success.Printf("Queued run %s (kind: %s)\n", run.ID, run.MigrationKind)
	pterm.Info.Println("Start the engine with 'porter engine start' to execute it")
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	var status *state.RunStatus
	if runListStatus != "" {
		if !state.IsValidRunStatus(runListStatus) {
			return errors.Newf("invalid status %q", runListStatus)
		}
		s := state.RunStatus(runListStatus)
		status = &s
	}

	runs, err := state.NewRunStore(database).ListByStatus(status, runListLimit)
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		pterm.Info.Println("No runs found")
		return nil
	}

	for _, run := range runs {
		line := fmt.Sprintf("%s  %-9s  %-14s  created %s",
			run.ID, run.Status, run.MigrationKind,
			run.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		if run.Notes != "" {
			line += "  (" + run.Notes + ")"
		}
		pterm.Println(line)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	runID := args[0]

	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	stores := engine.NewStores(database)
	run, err := stores.Runs.Get(runID)
	if err != nil {
		return err
	}

	pterm.Info.Printf("Run %s\n", run.ID)
	pterm.Printf("  Status:  %s\n", run.Status)
	pterm.Printf("  Kind:    %s\n", run.MigrationKind)
	pterm.Printf("  Created: %s\n", run.CreatedAt.Local().Format(time.RFC3339))
	if run.StartedAt != nil {
		pterm.Printf("  Started: %s\n", run.StartedAt.Local().Format(time.RFC3339))
	}
	if run.CompletedAt != nil {
		pterm.Printf("  Ended:   %s\n", run.CompletedAt.Local().Format(time.RFC3339))
	}
	if run.Notes != "" {
		pterm.Printf("  Notes:   %s\n", run.Notes)
	}

	progress, err := stores.Progress.ListForRun(runID)
	if err != nil {
		return err
	}
	if len(progress) > 0 {
		pterm.Println()
		pterm.Info.Println("Progress by entity type:")
		for _, p := range progress {
			total := "?"
			if p.TotalRecords != nil {
				total = fmt.Sprintf("%d", *p.TotalRecords)
			}
			pterm.Printf("  %-12s %-12s %d/%s processed, %d failed, %d skipped, cursor=%s\n",
				p.EntityType, p.Status, p.ProcessedRecords, total,
				p.FailedRecords, p.SkippedRecords, cursorOrStart(p.LastCursor))
		}
	}

	counts, err := stores.RecordErrors.CountForRun(runID)
	if err != nil {
		return err
	}
	if len(counts) > 0 {
		pterm.Println()
		pterm.Info.Println("Record errors:")
		for _, status := range []state.RecordErrorStatus{
			state.RecordErrorStatusPendingRetry,
			state.RecordErrorStatusFailed,
			state.RecordErrorStatusResolved,
			state.RecordErrorStatusSkipped,
		} {
			if n := counts[status]; n > 0 {
				pterm.Printf("  %-14s %d\n", status, n)
			}
		}

		recent, err := stores.RecordErrors.ListForRun(runID, runStatusErrors)
		if err != nil {
			return err
		}
		for _, re := range recent {
			pterm.Printf("  %s %s/%s: %s\n", re.ID, re.SourceType, re.SourceID, re.Message)
		}
	}

	entries, err := stores.Audit.ListForRun(runID, 200)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		pterm.Println()
		pterm.Info.Println("Recent events:")
		start := len(entries) - 10
		if start < 0 {
			start = 0
		}
		for _, e := range entries[start:] {
			line := fmt.Sprintf("  %s  %s", e.CreatedAt.Local().Format("15:04:05"), e.Action)
			if e.EntityType != "" {
				line += "  " + e.EntityType
			}
			if e.RecordCount > 0 {
				line += fmt.Sprintf("  (%d records)", e.RecordCount)
			}
			pterm.Println(line)
		}
	}

	return nil
}

func cursorOrStart(cursor string) string {
	if cursor == "" {
		return "<start>"
	}
	return cursor
}

func runStop(cmd *cobra.Command, args []string) error {
	runID := args[0]

	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	stores := engine.NewStores(database)
	if err := stores.Runs.RequestStop(runID); err != nil {
		if errors.Is(err, errors.ErrConflict) {
			return errors.Newf("run %s is not queued or running", runID)
		}
		return err
	}
	stores.Audit.Append(&state.AuditEntry{
		RunID:  runID,
		Action: state.AuditActionRunStopped,
	})

	pterm.Success.Printf("Stop requested for run %s\n", runID)
	pterm.Info.Println("A running engine stops the run at the next batch boundary")
	return nil
}

func runRequeue(cmd *cobra.Command, args []string) error {
	runID := args[0]

	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	stores := engine.NewStores(database)
	run, err := stores.Runs.Get(runID)
	if err != nil {
		return err
	}

	if run.Status == state.RunStatusQueued || run.Status == state.RunStatusRunning {
		return errors.Newf("run %s is already %s", runID, run.Status)
	}

	run.Requeue()
	if err := stores.Runs.Update(run); err != nil {
		return err
	}
	stores.Audit.Append(&state.AuditEntry{
		RunID:  runID,
		Action: state.AuditActionRunRequeued,
	})

	pterm.Success.Printf("Run %s requeued; it resumes from its persisted cursors\n", runID)
	return nil
}

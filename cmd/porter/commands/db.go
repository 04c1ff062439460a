package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldline/porter/config"
	"github.com/fieldline/porter/errors"
)

// DbCmd is the parent command for state database operations
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the Porter state database",
	Long: `Manage the SQLite state database that holds runs, progress cursors,
id mappings, record errors, and the audit log.

Examples:
  porter db migrate               # Apply pending schema migrations
  porter db stats                 # Show row counts and run breakdown`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show state database statistics",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	// openDatabase migrates as part of opening
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	fmt.Println("Database schema is up to date")
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	path, err := config.DatabasePath()
	if err != nil {
		return errors.Wrap(err, "failed to resolve database path")
	}

	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	var totalRuns, totalMappings, totalErrors, totalAudit int
	countQueries := []struct {
		table string
		dest  *int
	}{
		{"runs", &totalRuns},
		{"id_mappings", &totalMappings},
		{"record_errors", &totalErrors},
		{"audit_log", &totalAudit},
	}
	for _, q := range countQueries {
		if err := database.QueryRow("SELECT COUNT(*) FROM " + q.table).Scan(q.dest); err != nil {
			return errors.Wrapf(err, "failed to count %s", q.table)
		}
	}

	fmt.Printf("Porter State Database\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Printf("Database Path:  %s\n", path)
	fmt.Printf("Runs:           %d\n", totalRuns)
	fmt.Printf("ID Mappings:    %d\n", totalMappings)
	fmt.Printf("Record Errors:  %d\n", totalErrors)
	fmt.Printf("Audit Entries:  %d\n", totalAudit)
	fmt.Println()

	rows, err := database.Query(`
		SELECT status, COUNT(*) FROM runs GROUP BY status ORDER BY status`)
	if err != nil {
		return errors.Wrap(err, "failed to query run status breakdown")
	}
	defer rows.Close()

	var hasRuns bool
	fmt.Printf("Runs by Status:\n")
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return errors.Wrap(err, "failed to scan run status count")
		}
		hasRuns = true
		fmt.Printf("  %-10s %d\n", status, count)
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "error iterating run status counts")
	}
	if !hasRuns {
		fmt.Println("  No runs recorded yet")
	}

	return nil
}

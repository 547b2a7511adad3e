package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"daqmon/telemetry"
)

var statusDBPath string

var statusCmd = &cobra.Command{
	Use:   "status <output-dir>",
	Short: "Print a one-shot summary of a run's telemetry database",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusDBPath, "db", "", "telemetry db path (defaults to <output-dir>/run.db)")
	RootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	outputDir := args[0]
	dbPath := statusDBPath
	if dbPath == "" {
		dbPath = filepath.Join(outputDir, "run.db")
	}

	db, err := telemetry.OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("open telemetry db: %w", err)
	}
	defer db.Close()

	summary, err := db.LoadSummary()
	if err != nil {
		return fmt.Errorf("load summary: %w", err)
	}

	status := "RUNNING"
	if summary.RunFinished {
		status = "FINISHED"
	}

	fmt.Printf("Run %d: %s\n", summary.IDRun, status)
	fmt.Printf("  Merged:        %d\n", summary.MergedCount)
	fmt.Printf("  Last snapshot: %s (%s)\n", summary.LastSnapshotName, summary.LastSnapshotTime.Format("2006-01-02 15:04:05"))
	return nil
}

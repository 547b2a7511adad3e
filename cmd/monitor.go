package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"daqmon/stats"
	"daqmon/telemetry"
)

var monitorUI string

var monitorCmd = &cobra.Command{
	Use:   "monitor <output-dir>",
	Short: "Watch a run's live progress",
	Long: `monitor polls a run's telemetry database once a second and renders its
progress, either as plain text (default) or as a tview/tcell dashboard
with --ui=ncurses.`,
	Args: cobra.ExactArgs(1),
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().StringVar(&monitorUI, "ui", "text", `display mode: "text" or "ncurses"`)
	RootCmd.AddCommand(monitorCmd)
}

const monitorIdleAlertSeconds = 60

func runMonitor(cmd *cobra.Command, args []string) error {
	outputDir := args[0]
	dbPath := filepath.Join(outputDir, "run.db")

	db, err := telemetry.OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("open telemetry db: %w", err)
	}
	defer db.Close()

	snapshotFn := func() stats.RunSnapshot {
		summary, err := db.LoadSummary()
		if err != nil {
			return stats.RunSnapshot{}
		}
		return stats.RunSnapshot{
			IDRun:            summary.IDRun,
			ConvertedCount:   countDir(filepath.Join(outputDir, "converted")),
			BuiltCount:       countDir(filepath.Join(outputDir, "build")),
			MergedCount:      summary.MergedCount,
			SnapshotCount:    countDir(filepath.Join(outputDir, "snapshots")),
			RunFinished:      summary.RunFinished,
			LastSnapshotTime: summary.LastSnapshotTime,
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	collector := stats.NewCollector(ctx, snapshotFn)
	defer collector.Close()

	switch monitorUI {
	case "ncurses":
		dashboard := stats.NewDashboard(monitorIdleAlertSeconds)
		if err := dashboard.Start(); err != nil {
			return fmt.Errorf("start dashboard: %w", err)
		}
		collector.AddConsumer(dashboard)
		<-sigCh
		dashboard.Stop()
	default:
		renderer := stats.TextRenderer{}
		collector.AddConsumer(textConsumer{renderer})
		<-sigCh
	}

	fmt.Println("\nmonitor exiting")
	return nil
}

type textConsumer struct {
	renderer stats.TextRenderer
}

func (c textConsumer) OnStatsUpdate(snap stats.RunSnapshot) {
	fmt.Print("\033[2J\033[H")
	fmt.Print(c.renderer.Render(snap))
}

func countDir(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	return len(entries)
}

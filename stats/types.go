// Package stats samples a run's progress once a second and fans it out to
// registered consumers (the CLI dashboard, and a bbolt-backed writer for
// `daqmon status`), adapted from the teacher's TopInfo/StatsConsumer
// sampling-loop shape.
package stats

import (
	"fmt"
	"time"
)

// RunSnapshot is the unified payload shared across all stats consumers
// (plain-text status, tview dashboard, telemetry writer).
type RunSnapshot struct {
	IDRun int

	ConvertedCount int
	BuiltCount     int
	MergedCount    int
	SnapshotCount  int
	QueueLen       int

	WorkerStates []string // one Priority name per worker, e.g. "CONVERSION", "IDLE"

	RunFinished  bool
	GracefulStop bool

	LastSnapshotTime time.Time
	IdleSeconds      int

	// MergeRate is completions/hour over the trailing 60-second window,
	// filled in by Collector, not by the snapshot source itself.
	MergeRate float64
}

// StatsConsumer receives a fresh RunSnapshot once a second.
type StatsConsumer interface {
	OnStatsUpdate(snap RunSnapshot)
}

// FormatDuration formats a duration as HH:MM:SS for display.
func FormatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}

// FormatRate formats a rate (merges/hour) for display.
func FormatRate(rate float64) string {
	if rate < 0.1 {
		return "0.0"
	}
	return fmt.Sprintf("%.1f", rate)
}

package stats

import (
	"daqmon/log"
	"daqmon/telemetry"
)

// TelemetryWriter implements StatsConsumer to persist the run summary to the
// bbolt-backed telemetry database at 1 Hz, so `daqmon status` and a
// restarted process can report progress without re-deriving it from the
// filesystem. Adapted from the teacher's BuildDBWriter (same best-effort,
// non-blocking write discipline), re-pointed from BuildDB's RunRecord.LiveSnapshot
// JSON blob to telemetry.Summary's typed fields.
type TelemetryWriter struct {
	db     *telemetry.DB
	logger log.LibraryLogger
}

// NewTelemetryWriter creates a telemetry-backed stats consumer.
func NewTelemetryWriter(db *telemetry.DB, logger log.LibraryLogger) *TelemetryWriter {
	return &TelemetryWriter{db: db, logger: logger}
}

// OnStatsUpdate persists the current run summary to the telemetry database.
// Best-effort: write failures are logged but never interrupt the run, since
// stats persistence is non-critical compared to the actual conversion,
// event-building, and merge work.
func (w *TelemetryWriter) OnStatsUpdate(snap RunSnapshot) {
	s := telemetry.Summary{
		IDRun:            snap.IDRun,
		MergedCount:      snap.MergedCount,
		LastSnapshotTime: snap.LastSnapshotTime,
		RunFinished:      snap.RunFinished,
	}
	if err := w.db.SaveSummary(s); err != nil {
		w.logger.Warn("failed to persist run summary: %v", err)
	}
}

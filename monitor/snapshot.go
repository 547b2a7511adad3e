package monitor

import (
	"os"
	"path/filepath"

	"daqmon/stats"
)

// Snapshot returns a point-in-time view of the pool's progress, the payload
// the stats package samples at 1 Hz for the live dashboard (spec.md §6).
func (p *Pool) Snapshot() stats.RunSnapshot {
	p.state.mu.Lock()
	workerStates := make([]string, len(p.state.currentWorkerState))
	for i, pr := range p.state.currentWorkerState {
		workerStates[i] = priorityName(pr)
	}
	merged := p.state.mergedCount
	runFinished := p.state.runFinished
	gracefulStop := p.state.gracefulStopRequested
	lastSnapshot := p.state.timeLastSnapshot
	idleSeconds := int(p.state.idleForLocked().Seconds())
	p.state.mu.Unlock()

	return stats.RunSnapshot{
		IDRun:            p.Cfg.IDRun,
		ConvertedCount:   countDir(filepath.Join(p.OutputDir, "converted")),
		BuiltCount:       countDir(filepath.Join(p.OutputDir, "build")),
		MergedCount:      merged,
		SnapshotCount:    countDir(filepath.Join(p.OutputDir, "snapshots")),
		QueueLen:         p.Queue.Len(),
		WorkerStates:     workerStates,
		RunFinished:      runFinished,
		GracefulStop:     gracefulStop,
		LastSnapshotTime: lastSnapshot,
		IdleSeconds:      idleSeconds,
	}
}

func priorityName(p Priority) string {
	switch p {
	case PriorityMerge:
		return "MERGE"
	case PrioritySnapshot:
		return "SNAPSHOT"
	case PriorityEventBuilding:
		return "EVENT_BUILDING"
	case PriorityConversion:
		return "CONVERSION"
	default:
		return "IDLE"
	}
}

func countDir(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	return len(entries)
}

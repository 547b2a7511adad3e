package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"daqmon/telemetry"
)

// wrapUp runs after every worker has exited: it publishes the final
// artifact (full_run.root on a clean finish, stopped_run.root on a
// graceful stop) through the same copy-decorate-rename pipeline a periodic
// snapshot uses, forcing a final Snapshot instead of a bare copy, and
// checks the restart-safety invariant that actually holds under
// skip_dirty_dat: len(build/) == mergedCount, not the stricter
// len(converted/) == len(build/) (some converted parts are legitimately
// skipped as too small to build).
func (p *Pool) wrapUp() error {
	buildDir := filepath.Join(p.OutputDir, "build")
	entries, err := os.ReadDir(buildDir)
	if err != nil {
		return fmt.Errorf("monitor: wrap-up: read build dir: %w", err)
	}
	merged := p.state.getMergedCount()
	if len(entries) != merged {
		p.Logger.Warn("wrap-up invariant violated: len(build/)=%d, mergedCount=%d", len(entries), merged)
	}

	currentPath, ok := p.Token.Acquire(context.Background(), mergeAcquireWait)
	if !ok {
		return fmt.Errorf("monitor: wrap-up: could not acquire artifact token")
	}
	defer p.Token.Release(currentPath)

	var finalName string
	if p.state.isGracefulStop() {
		finalName = filepath.Join(p.OutputDir, "stopped_run.root")
	} else {
		finalName = filepath.Join(p.OutputDir, "full_run.root")
	}

	tmpSnapshot := filepath.Join(p.OutputDir, "tmp", "wrapup_snapshot.root")
	if err := copyFileContents(currentPath, tmpSnapshot); err != nil {
		return fmt.Errorf("monitor: wrap-up: copy final artifact: %w", err)
	}

	decoratedOut := filepath.Join(p.OutputDir, "tmp", "wrapup_decorated.root")
	if err := p.decorateArtifact(context.Background(), tmpSnapshot, decoratedOut, merged); err != nil {
		return fmt.Errorf("monitor: wrap-up: decorate final artifact: %w", err)
	}

	if err := os.Rename(decoratedOut, finalName); err != nil {
		return fmt.Errorf("monitor: wrap-up: publish %s: %w", finalName, err)
	}

	if p.DB != nil {
		p.DB.SaveSummary(telemetry.Summary{
			IDRun:            p.Cfg.IDRun,
			MergedCount:      merged,
			LastSnapshotName: finalName,
			RunFinished:      true,
		})
	}

	p.Logger.Info("monitoring finished, published %s (merged=%d)", finalName, merged)
	return nil
}

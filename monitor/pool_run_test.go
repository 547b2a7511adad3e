package monitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestPoolRunPublishesFullRunWhenAlreadyFinished(t *testing.T) {
	p, env, outputDir := newTestPool(t)
	env.OnExecute = writeOutArg
	p.Cfg.MaxWorkers = 1
	p.state.setRunFinished(true)

	currentBuild := filepath.Join(outputDir, "current_build.root")
	os.WriteFile(currentBuild, []byte("artifact"), 0644)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	fullRun := filepath.Join(outputDir, "full_run.root")
	if _, err := os.Stat(fullRun); err != nil {
		t.Fatalf("expected full_run.root to be published: %v", err)
	}
}

func TestPoolRunPublishesStoppedRunOnGracefulStop(t *testing.T) {
	p, env, outputDir := newTestPool(t)
	env.OnExecute = writeOutArg
	p.Cfg.MaxWorkers = 1

	currentBuild := filepath.Join(outputDir, "current_build.root")
	os.WriteFile(currentBuild, []byte("artifact"), 0644)
	os.WriteFile(filepath.Join(outputDir, "stop_monitoring"), []byte("operator request"), 0644)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stoppedRun := filepath.Join(outputDir, "stopped_run.root")
	if _, err := os.Stat(stoppedRun); err != nil {
		t.Fatalf("expected stopped_run.root to be published: %v", err)
	}
}

package monitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"daqmon/daqscan"
	"daqmon/environment"
)

func TestConvertStageSuccess(t *testing.T) {
	p, env, outputDir := newTestPool(t)
	env.OnExecute = writeOutArg

	rawDir := filepath.Join(outputDir, "..", "raw")
	os.MkdirAll(rawDir, 0755)
	rawPath := filepath.Join(rawDir, "run.dat_0001")
	os.WriteFile(rawPath, []byte("raw-data-bigger-than-1kb-000000000000000000000000000000000000"), 0644)

	part := daqscan.RawPart{Stem: filepath.Join(rawDir, "run.dat"), Ordinal: 1, Kind: daqscan.KindAsciiDat, Path: rawPath}
	if err := p.convertStage(context.Background(), 0, part); err != nil {
		t.Fatalf("convertStage: %v", err)
	}

	convertedPath := filepath.Join(outputDir, "converted", "converted_run.dat_0001.root")
	if _, err := os.Stat(convertedPath); err != nil {
		t.Fatalf("converted output missing: %v", err)
	}

	job, ok := p.Queue.Pop(context.Background(), 0)
	if !ok {
		t.Fatal("expected an EVENT_BUILDING job to be enqueued")
	}
	if job.Priority != PriorityEventBuilding {
		t.Errorf("job priority = %v, want PriorityEventBuilding", job.Priority)
	}
}

func TestConvertStageIdempotentReentry(t *testing.T) {
	p, env, outputDir := newTestPool(t)

	convertedPath := filepath.Join(outputDir, "converted", "converted_run.dat_0002.root")
	os.MkdirAll(filepath.Dir(convertedPath), 0755)
	os.WriteFile(convertedPath, []byte("already-converted"), 0644)

	part := daqscan.RawPart{Stem: filepath.Join(outputDir, "run.dat"), Ordinal: 2, Kind: daqscan.KindAsciiDat, Path: "/raw/run.dat_0002"}
	if err := p.convertStage(context.Background(), 0, part); err != nil {
		t.Fatalf("convertStage: %v", err)
	}
	if env.CallCount() != 0 {
		t.Errorf("converter should not have been invoked, got %d calls", env.CallCount())
	}

	if _, ok := p.Queue.Pop(context.Background(), 0); !ok {
		t.Fatal("expected re-entry to still enqueue EVENT_BUILDING")
	}
}

func TestConvertStageSkipsDirtyDat(t *testing.T) {
	p, env, outputDir := newTestPool(t)
	p.Cfg.SkipDirtyDat = true
	env.OnExecute = writeOutArg

	rawDir := filepath.Join(outputDir, "..", "raw")
	os.MkdirAll(rawDir, 0755)
	rawPath := filepath.Join(rawDir, "run.dat_0003")
	os.WriteFile(rawPath, []byte("tiny"), 0644)

	part := daqscan.RawPart{Stem: filepath.Join(rawDir, "run.dat"), Ordinal: 3, Kind: daqscan.KindAsciiDat, Path: rawPath}
	if err := p.convertStage(context.Background(), 0, part); err != nil {
		t.Fatalf("convertStage: %v", err)
	}
	if env.CallCount() != 0 {
		t.Errorf("converter should have been skipped for a tiny file, got %d calls", env.CallCount())
	}
	if _, ok := p.Queue.Pop(context.Background(), 0); ok {
		t.Fatal("did not expect an EVENT_BUILDING job for a skipped dirty dat")
	}
}

func TestConvertStageExternalFailure(t *testing.T) {
	p, env, outputDir := newTestPool(t)
	env.Result = &environment.ExecResult{ExitCode: 1, Stderr: "boom"}

	rawDir := filepath.Join(outputDir, "..", "raw")
	os.MkdirAll(rawDir, 0755)
	rawPath := filepath.Join(rawDir, "run.dat_0004")
	os.WriteFile(rawPath, []byte("raw-data-bigger-than-1kb-000000000000000000000000000000000000"), 0644)

	part := daqscan.RawPart{Stem: filepath.Join(rawDir, "run.dat"), Ordinal: 4, Kind: daqscan.KindAsciiDat, Path: rawPath}
	err := p.convertStage(context.Background(), 0, part)
	if err == nil {
		t.Fatal("expected an ErrExternalFailure")
	}
	if _, ok := err.(*ErrExternalFailure); !ok {
		t.Errorf("error = %v (%T), want *ErrExternalFailure", err, err)
	}
}

func TestBuildStageSuccessPushesMerge(t *testing.T) {
	p, env, outputDir := newTestPool(t)
	env.OnExecute = writeOutArg

	convertedPath := filepath.Join(outputDir, "converted", "converted_run.dat_0001.root")
	os.MkdirAll(filepath.Dir(convertedPath), 0755)
	os.WriteFile(convertedPath, []byte("converted"), 0644)

	cp := ConvertedPart{Path: convertedPath, Ordinal: 1}
	if err := p.buildStage(context.Background(), 0, cp); err != nil {
		t.Fatalf("buildStage: %v", err)
	}

	if p.state.mergeQueueLen() != 1 {
		t.Fatalf("mergeQueueLen = %d, want 1", p.state.mergeQueueLen())
	}
	job, ok := p.Queue.Pop(context.Background(), 0)
	if !ok || job.Priority != PriorityMerge {
		t.Fatal("expected a MERGE job to be enqueued")
	}
}

func TestBuildStageIdempotentAgainstFinalOutput(t *testing.T) {
	p, env, outputDir := newTestPool(t)

	builtPath := filepath.Join(outputDir, "build", "build_run.dat_0001.root")
	os.MkdirAll(filepath.Dir(builtPath), 0755)
	os.WriteFile(builtPath, []byte("already-built"), 0644)

	cp := ConvertedPart{Path: filepath.Join(outputDir, "converted", "converted_run.dat_0001.root"), Ordinal: 1}
	if err := p.buildStage(context.Background(), 0, cp); err != nil {
		t.Fatalf("buildStage: %v", err)
	}
	if env.CallCount() != 0 {
		t.Errorf("builder should not run for an already-built part, got %d calls", env.CallCount())
	}
	if p.state.mergeQueueLen() != 1 {
		t.Fatalf("mergeQueueLen = %d, want 1", p.state.mergeQueueLen())
	}
}

func TestMergeStageDrainsLIFOAndIncrementsCount(t *testing.T) {
	p, env, outputDir := newTestPool(t)
	env.OnExecute = writeOutArg

	for _, ord := range []int{1, 2, 3} {
		builtPath := filepath.Join(outputDir, "tmp", "built.root")
		os.WriteFile(builtPath, []byte("built"), 0644)
		p.state.pushMerge(BuiltPart{TmpPath: builtPath, Ordinal: ord})
	}

	if err := p.mergeStage(context.Background(), 0); err != nil {
		t.Fatalf("mergeStage: %v", err)
	}

	if got := p.state.getMergedCount(); got != 3 {
		t.Errorf("mergedCount = %d, want 3", got)
	}
	if p.state.mergeQueueLen() != 0 {
		t.Errorf("mergeQueueLen = %d, want 0 after drain", p.state.mergeQueueLen())
	}
}

func TestMergeStageYieldsToSnapshotPriority(t *testing.T) {
	p, _, outputDir := newTestPool(t)
	builtPath := filepath.Join(outputDir, "tmp", "built.root")
	os.WriteFile(builtPath, []byte("built"), 0644)
	p.state.pushMerge(BuiltPart{TmpPath: builtPath, Ordinal: 1})
	p.Token.RequestSnapshotPriority()

	if err := p.mergeStage(context.Background(), 0); err != nil {
		t.Fatalf("mergeStage: %v", err)
	}
	if p.state.getMergedCount() != 0 {
		t.Errorf("mergedCount = %d, want 0 (yielded to snapshot)", p.state.getMergedCount())
	}
	if p.state.mergeQueueLen() != 1 {
		t.Errorf("mergeQueueLen = %d, want 1 (left in place)", p.state.mergeQueueLen())
	}
	job, ok := p.Queue.Pop(context.Background(), 0)
	if !ok || job.Priority != PriorityMerge {
		t.Fatal("expected a re-queued MERGE job")
	}
}

func TestSnapshotStagePublishesDecoratedCopy(t *testing.T) {
	p, env, outputDir := newTestPool(t)
	env.OnExecute = writeOutArg

	currentBuild := filepath.Join(outputDir, "current_build.root")
	os.WriteFile(currentBuild, []byte("artifact"), 0644)

	os.MkdirAll(filepath.Join(outputDir, "build"), 0755)
	os.WriteFile(filepath.Join(outputDir, "build", "built_0001.root"), []byte("x"), 0644)

	if err := p.snapshotStage(context.Background(), 0); err != nil {
		t.Fatalf("snapshotStage: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(outputDir, "snapshots"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected exactly one snapshot file, got %v (err=%v)", entries, err)
	}
}

package monitor

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"daqmon/daqscan"
	"daqmon/environment"
	"daqmon/jobqueue"
	"daqmon/telemetry"
)

// convertStage implements spec.md §4.6: raw -> converted. Idempotent on
// restart (the presence of the converted output is the done marker), and
// transparently extracts a .tar.gz-compressed raw part before invoking the
// converter.
func (p *Pool) convertStage(ctx context.Context, worker int, part daqscan.RawPart) error {
	outName := fmt.Sprintf("converted_%s_%04d.root", filepath.Base(part.Stem), part.Ordinal)
	finalPath := filepath.Join(p.OutputDir, "converted", outName)
	if _, err := os.Stat(finalPath); err == nil {
		return p.enqueueEventBuilding(finalPath, part.Ordinal)
	}

	if ok, err := daqscan.NeedsSplit(part, p.Cfg.BinarySplitM); err == nil && ok {
		splitJobs, err := daqscan.SplitBinaryPart(part, filepath.Join(p.OutputDir, "tmp"))
		if err != nil {
			return fmt.Errorf("monitor: split binary part %s: %w", part.Path, err)
		}
		for _, j := range splitJobs {
			p.Queue.Push(j)
		}
		return nil
	}

	rawPath := part.Path
	if filepath.Ext(rawPath) == ".gz" {
		extracted, err := extractRawPart(rawPath, filepath.Join(p.OutputDir, "tmp"))
		if err != nil {
			return fmt.Errorf("monitor: extract %s: %w", rawPath, err)
		}
		defer os.Remove(extracted)
		rawPath = extracted
	}

	if p.Cfg.SkipDirtyDat {
		if fi, err := os.Stat(rawPath); err == nil && fi.Size() < 1024 {
			p.Logger.Warn("skip_dirty_dat: %s is %d bytes, skipping conversion", rawPath, fi.Size())
			return nil
		}
	}

	tmpOut := filepath.Join(p.OutputDir, "tmp", outName)
	args := append([]string{}, rawPath, "--out", tmpOut)
	if p.Cfg.PedestalsFile != "" {
		args = append(args, "--pedestals", p.Cfg.PedestalsFile, "--mip-calibration", p.Cfg.MipCalibrationFile)
	}
	result, err := p.Env.Execute(ctx, &environment.ExecCommand{Command: p.Cfg.Tools.Converter, Args: args})
	if err != nil {
		return fmt.Errorf("monitor: run converter: %w", err)
	}
	if result.Failed() {
		return &ErrExternalFailure{Stage: "conversion", Output: result.Stderr}
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return err
	}
	if err := os.Rename(tmpOut, finalPath); err != nil {
		return fmt.Errorf("monitor: finalize converted part: %w", err)
	}

	p.Logger.Info("converted part %04d -> %s", part.Ordinal, finalPath)
	return p.enqueueEventBuilding(finalPath, part.Ordinal)
}

func (p *Pool) enqueueEventBuilding(convertedPath string, ordinal int) error {
	p.Queue.Push(&jobqueue.Job{Priority: PriorityEventBuilding, SortKey: int64(-ordinal), Payload: ConvertedPart{Path: convertedPath, Ordinal: ordinal}})
	return nil
}

// extractRawPart transparently decompresses a .tar.gz raw part into dir,
// returning the path to the extracted member.
func extractRawPart(archivePath, dir string) (string, error) {
	base := filepath.Base(archivePath)
	member := base[:len(base)-len(".tar.gz")]
	if filepath.Ext(member) == "" && filepath.Ext(base) == ".gz" && filepath.Ext(base[:len(base)-3]) != ".tar" {
		member = base[:len(base)-3]
	}
	dst := filepath.Join(dir, member)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	if err := untarFirstEntry(archivePath, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// untarFirstEntry extracts the first regular-file entry of a .tar.gz
// archive to dst. Raw parts are single-member archives (one .dat or
// _raw.bin file compressed for transfer), so there is never an ambiguity
// about which entry to take.
func untarFirstEntry(archivePath, dst string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("monitor: open %s: %w", archivePath, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("monitor: gzip reader for %s: %w", archivePath, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return fmt.Errorf("monitor: %s contains no entries", archivePath)
		}
		if err != nil {
			return fmt.Errorf("monitor: read %s: %w", archivePath, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		out, err := os.Create(dst)
		if err != nil {
			return fmt.Errorf("monitor: create %s: %w", dst, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("monitor: extract %s: %w", archivePath, err)
		}
		return out.Close()
	}
}

// buildStage implements spec.md §4.7: converted -> built (staged in tmp/),
// idempotent against both the final build/ output and an in-progress tmp/
// output left by a prior crashed attempt.
func (p *Pool) buildStage(ctx context.Context, worker int, cp ConvertedPart) error {
	outName := "build_" + strings.TrimPrefix(filepath.Base(cp.Path), "converted_")
	finalPath := filepath.Join(p.OutputDir, "build", outName)
	if _, err := os.Stat(finalPath); err == nil {
		p.state.pushMerge(BuiltPart{TmpPath: finalPath, Ordinal: cp.Ordinal})
		p.Queue.Push(&jobqueue.Job{Priority: PriorityMerge, SortKey: 0})
		return nil
	}

	if p.Cfg.SkipDirtyDat {
		const minBuildable = 3 << 20 // 3 MiB
		if fi, err := os.Stat(cp.Path); err == nil && fi.Size() < minBuildable {
			p.Logger.Warn("skip_dirty_dat: converted part %s is %d bytes, skipping event-building", cp.Path, fi.Size())
			return nil
		}
	}

	tmpOut := filepath.Join(p.OutputDir, "tmp", outName)
	if _, err := os.Stat(tmpOut); err == nil {
		p.state.pushMerge(BuiltPart{TmpPath: tmpOut, Ordinal: cp.Ordinal})
		p.Queue.Push(&jobqueue.Job{Priority: PriorityMerge, SortKey: 0})
		return nil
	}

	args := []string{cp.Path, "--out", tmpOut}
	if p.Cfg.WConfig != 0 {
		args = append(args, "--w-config", strconv.Itoa(p.Cfg.WConfig))
	}
	if p.Cfg.MinSlabsHit != 0 {
		args = append(args, "--min-slabs-hit", strconv.Itoa(p.Cfg.MinSlabsHit))
	}
	if p.Cfg.NoZeroSuppress {
		args = append(args, "--no-zero-suppress")
	}
	result, err := p.Env.Execute(ctx, &environment.ExecCommand{Command: p.Cfg.Tools.Builder, Args: args})
	if err != nil {
		return fmt.Errorf("monitor: run builder: %w", err)
	}
	if result.Failed() {
		return &ErrExternalFailure{Stage: "eventbuilding", Output: result.Stderr}
	}

	p.Logger.Info("built part %04d -> %s", cp.Ordinal, tmpOut)
	p.state.pushMerge(BuiltPart{TmpPath: tmpOut, Ordinal: cp.Ordinal})
	p.Queue.Push(&jobqueue.Job{Priority: PriorityMerge, SortKey: 0})
	return nil
}

// mergeStage implements spec.md §4.8/§9: the exclusive merge step. It
// drains the LIFO merge queue, then under the single-slot Token merges each
// built part into the CumulativeArtifact in turn, so one merge job absorbs
// every push made before it started draining.
func (p *Pool) mergeStage(ctx context.Context, worker int) error {
	if !p.state.tryMergerActive() {
		// Another worker already owns the merge role and re-queues a MERGE
		// job on exit if parts are still waiting, so this job is redundant.
		return nil
	}
	defer func() {
		p.state.clearMergerActive()
		// Parts pushed while this merger was active (their MERGE jobs were
		// dropped above) or left in place below get one more pass.
		if p.state.mergeQueueLen() > 0 {
			p.Queue.Push(&jobqueue.Job{Priority: PriorityMerge, SortKey: 0})
		}
	}()

	if p.Token.SnapshotPending() {
		// Yield: let the waiting snapshotter go first; the deferred check
		// re-queues this merge.
		return nil
	}

	parts := p.state.drainMergeQueue()
	if len(parts) == 0 {
		return nil
	}

	currentPath, ok := p.Token.Acquire(ctx, mergeAcquireWait)
	if !ok {
		// Couldn't get the token in time; put the parts back (the deferred
		// check re-queues the merge) rather than losing them.
		for _, part := range parts {
			p.state.pushMerge(part)
		}
		return nil
	}

	nextPath := currentPath
	for _, part := range parts {
		merged, err := p.mergeOne(ctx, nextPath, part.TmpPath)
		if err != nil {
			p.Token.Release(currentPath)
			return err
		}
		if nextPath != currentPath {
			os.Remove(nextPath)
		}
		nextPath = merged
		p.state.incrementMerged()

		finalBuild := filepath.Join(p.OutputDir, "build", filepath.Base(part.TmpPath))
		if part.TmpPath != finalBuild {
			os.Rename(part.TmpPath, finalBuild)
		}
	}
	p.Token.Release(nextPath)

	p.Logger.Info("merged %d part(s), total merged=%d", len(parts), p.state.getMergedCount())
	return nil
}

// mergeOne invokes the selective merger to fold builtPath into
// currentArtifact, writing the result to a tmp path, renaming it over
// current_build.root, and returning that path.
func (p *Pool) mergeOne(ctx context.Context, currentArtifact, builtPath string) (string, error) {
	tmpOut := filepath.Join(p.OutputDir, "tmp", fmt.Sprintf("current_build_%d.root", os.Getpid()))
	args := []string{currentArtifact, builtPath, "--out", tmpOut}
	result, err := p.Env.Execute(ctx, &environment.ExecCommand{Command: p.Cfg.Tools.Merger, Args: args})
	if err != nil {
		return "", fmt.Errorf("monitor: run merger: %w", err)
	}
	if result.Failed() {
		return "", &ErrExternalFailure{Stage: "merge", Output: result.Stderr}
	}
	finalArtifact := filepath.Join(p.OutputDir, "current_build.root")
	if err := os.Rename(tmpOut, finalArtifact); err != nil {
		return "", fmt.Errorf("monitor: finalize merged artifact: %w", err)
	}
	return finalArtifact, nil
}

// snapshotStage implements spec.md §4.9: a copy of the CumulativeArtifact
// taken while holding the Token, decorated by an external tool and
// published under a YYYY-MM-DD-HHMMSS timestamp name.
func (p *Pool) snapshotStage(ctx context.Context, worker int) error {
	builtCount := p.builtPartCount()
	if !p.state.snapshotGuard(false, builtCount, snapshotMinGap) {
		return nil
	}

	p.Token.RequestSnapshotPriority()
	currentPath, ok := p.Token.Acquire(ctx, mergeAcquireWait)
	if !ok {
		p.Queue.Push(&jobqueue.Job{Priority: PrioritySnapshot, SortKey: 0})
		return nil
	}
	p.Token.ClearSnapshotPriority()

	tmpSnapshot := filepath.Join(p.OutputDir, "tmp", "snapshot.root")
	if err := copyFileContents(currentPath, tmpSnapshot); err != nil {
		p.Token.Release(currentPath)
		return fmt.Errorf("monitor: stage snapshot copy: %w", err)
	}
	p.Token.Release(currentPath)

	decoratedOut := filepath.Join(p.OutputDir, "tmp", fmt.Sprintf("snapshot_%d.root", builtCount))
	if err := p.decorateArtifact(ctx, tmpSnapshot, decoratedOut, builtCount); err != nil {
		return err
	}

	finalName := filepath.Join(p.OutputDir, "snapshots", time.Now().Format(snapshotTimeFormat)+".root")
	if err := os.MkdirAll(filepath.Dir(finalName), 0755); err != nil {
		return err
	}
	if err := os.Rename(decoratedOut, finalName); err != nil {
		return fmt.Errorf("monitor: finalize snapshot: %w", err)
	}

	p.state.recordSnapshot(builtCount)
	if p.Cfg.SnapshotDeletePrevious {
		pruneOlderSnapshots(filepath.Join(p.OutputDir, "snapshots"), finalName)
	}
	if p.DB != nil {
		p.DB.SaveSummary(telemetry.Summary{
			IDRun:            p.Cfg.IDRun,
			MergedCount:      p.state.getMergedCount(),
			LastSnapshotTime: time.Now(),
			LastSnapshotName: finalName,
			RunFinished:      p.state.isRunFinished(),
		})
	}

	p.Logger.Info("snapshot n=%d -> %s", builtCount, finalName)
	return nil
}

// snapshotTimeFormat names a periodic snapshot YYYY-MM-DD-HHMMSS per
// spec.md's Snapshot naming invariant.
const snapshotTimeFormat = "2006-01-02-150405"

// snapshotNameRe matches only files produced by snapshotTimeFormat, so
// pruning never touches the terminal full_run.root/stopped_run.root or any
// other file an operator may have placed in the snapshots directory.
var snapshotNameRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}-\d{6}\.root$`)

func pruneOlderSnapshots(dir, keep string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !snapshotNameRe.MatchString(e.Name()) {
			continue
		}
		full := filepath.Join(dir, e.Name())
		if full != keep {
			os.Remove(full)
		}
	}
}

// decorateArtifact runs the external decorator over tmpSnapshot (a copy of
// the live CumulativeArtifact), writing the annotated result to
// decoratedOut. Shared by periodic snapshots and the terminal wrap-up
// publish, so every on-disk Snapshot — including full_run.root and
// stopped_run.root — carries the same decorator annotations (the original's
// `_wrap_up` calls `get_snapshot(..., force_snapshot=True)`, routing the
// terminal artifact through the same copy-decorate-rename pipeline as a
// periodic snapshot).
func (p *Pool) decorateArtifact(ctx context.Context, tmpSnapshot, decoratedOut string, builtCount int) error {
	result, err := p.Env.Execute(ctx, &environment.ExecCommand{
		Command: p.Cfg.Tools.Decorator,
		Args:    []string{tmpSnapshot, "--out", decoratedOut, "--n-built", strconv.Itoa(builtCount)},
	})
	os.Remove(tmpSnapshot)
	if err != nil {
		return fmt.Errorf("monitor: run snapshot decorator: %w", err)
	}
	if result.Failed() {
		return &ErrExternalFailure{Stage: "snapshot", Output: result.Stderr}
	}
	return nil
}

func copyFileContents(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

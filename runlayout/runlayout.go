// Package runlayout owns the run output directory's on-disk shape: creating
// the staging subdirectories, classifying a pre-existing output directory on
// restart, and rotating stale config/masking artifacts out of the way so a
// fresh run can proceed.
package runlayout

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Disposition classifies an existing output directory at startup.
type Disposition int

const (
	// DispositionFresh means the directory is new, or existing but eligible
	// to continue (possibly after rotating stale artifacts aside).
	DispositionFresh Disposition = iota
	// DispositionAlreadyDone means full_run.root is present: the run was
	// already monitored to completion.
	DispositionAlreadyDone
	// DispositionSkip means no_monitoring is present: the operator
	// explicitly opted this run out.
	DispositionSkip
)

// ErrWrongOutputDir is returned when an output directory is non-empty but
// missing log_monitoring.log, the signal that it holds unrelated content and
// was not set up for monitoring.
var ErrWrongOutputDir = errors.New("runlayout: output directory is non-empty and was never initialized for monitoring")

// Subdirectories that every run output directory requires.
var stagingDirs = []string{"tmp", "converted", "build", "snapshots", ".times"}

// EnsureLayout creates outputDir and its staging subdirectories if they do
// not already exist.
func EnsureLayout(outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("runlayout: create output dir %s: %w", outputDir, err)
	}
	for _, dir := range stagingDirs {
		full := filepath.Join(outputDir, dir)
		if err := os.MkdirAll(full, 0755); err != nil {
			return fmt.Errorf("runlayout: create %s: %w", full, err)
		}
	}
	return nil
}

// ClassifyAndPrepare inspects outputDir's pre-existing content (if any) and
// returns its Disposition. On DispositionFresh, it also performs the
// restart-cleanup side effects spec'd for a pre-existing directory: rotating
// monitoring.cfg/masked_channels.txt aside with a timestamp suffix, and
// emptying tmp/.
func ClassifyAndPrepare(outputDir string) (Disposition, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return DispositionFresh, nil
		}
		return DispositionFresh, fmt.Errorf("runlayout: read output dir %s: %w", outputDir, err)
	}
	if len(entries) == 0 {
		return DispositionFresh, nil
	}

	if exists(outputDir, "full_run.root") {
		return DispositionAlreadyDone, nil
	}
	if exists(outputDir, "no_monitoring") {
		return DispositionSkip, nil
	}
	if !exists(outputDir, "log_monitoring.log") {
		return DispositionFresh, fmt.Errorf("runlayout: %w: %s", ErrWrongOutputDir, outputDir)
	}

	if err := rotateAside(outputDir, "monitoring.cfg"); err != nil {
		return DispositionFresh, err
	}
	if err := rotateAside(outputDir, "masked_channels.txt"); err != nil {
		return DispositionFresh, err
	}
	if err := emptyDir(filepath.Join(outputDir, "tmp")); err != nil {
		return DispositionFresh, err
	}

	return DispositionFresh, nil
}

func exists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}

// rotateAside renames name to name_<timestamp>.ext, preserving name's
// extension, so a subsequent run can write a fresh copy without clobbering
// the previous one. It is a no-op if name does not exist.
func rotateAside(dir, name string) error {
	src := filepath.Join(dir, name)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("runlayout: stat %s: %w", src, err)
	}

	ext := filepath.Ext(name)
	base := name[:len(name)-len(ext)]
	stamp := time.Now().Format("20060102_150405")
	dst := filepath.Join(dir, fmt.Sprintf("%s_%s%s", base, stamp, ext))

	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("runlayout: rotate %s aside: %w", src, err)
	}
	return nil
}

// emptyDir removes dir's content (not dir itself) so leftover partial
// conversions from a previous attempt can't be mistaken for valid output.
func emptyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("runlayout: read %s: %w", dir, err)
	}
	for _, e := range entries {
		full := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(full); err != nil {
			return fmt.Errorf("runlayout: remove %s: %w", full, err)
		}
	}
	return nil
}

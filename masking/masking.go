// Package masking performs the one-shot masking bootstrap that must
// complete before the monitoring worker pool starts (spec.md §4.3):
// stage the run-settings file out of the raw run folder, invoke the
// external masking tool against it, and rename its output into place as
// masked_channels.txt.
package masking

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"daqmon/environment"
)

const (
	runSettingsName   = "Run_Settings.txt"
	maskedChannelsOut = "masked_channels.txt"
)

// readErrorSentinel is the exact third stdout line the masking tool writes
// when it cannot parse the run-settings file, confirmed against
// original_source/start_monitoring_run.py:create_masking.
const readErrorSentinel = " dameyo - damedame"

// ErrReadFailure is returned when the masking tool reports, via its
// sentinel output line, that it could not read the run-settings file.
var ErrReadFailure = errors.New("masking: tool reported it could not read the run-settings file")

// Bootstrap stages Run_Settings.txt (transparently unpacking a .tar.gz
// sibling if the plain file isn't present), invokes maskerCommand via env,
// and returns the final path to <outputDir>/masked_channels.txt.
func Bootstrap(ctx context.Context, env environment.Environment, maskerCommand string, maskerArgs []string, rawRunFolder, outputDir string) (string, error) {
	stagedSettings := filepath.Join(outputDir, runSettingsName)
	if err := stageRunSettings(rawRunFolder, stagedSettings); err != nil {
		return "", err
	}
	defer os.Remove(stagedSettings)

	stem := strings.TrimSuffix(stagedSettings, filepath.Ext(stagedSettings))

	args := append(append([]string{}, maskerArgs...), stagedSettings)
	result, err := env.Execute(ctx, &environment.ExecCommand{
		Command: maskerCommand,
		Args:    args,
		Dir:     outputDir,
	})
	if err != nil {
		return "", fmt.Errorf("masking: run masker: %w", err)
	}

	lines := strings.Split(result.Stdout, "\n")
	readFailed := len(lines) > 2 && lines[2] == readErrorSentinel
	if result.ExitCode != 0 || readFailed {
		return "", fmt.Errorf("%w (exit=%d)", ErrReadFailure, result.ExitCode)
	}

	producedOutput := stem + "_masked.txt"
	maskedChannels := filepath.Join(outputDir, maskedChannelsOut)
	if err := os.Rename(producedOutput, maskedChannels); err != nil {
		return "", fmt.Errorf("masking: rename masker output: %w", err)
	}

	return maskedChannels, nil
}

// stageRunSettings copies Run_Settings.txt from rawRunFolder to dst,
// transparently extracting it from a .tar.gz sibling if the plain file
// isn't present there.
func stageRunSettings(rawRunFolder, dst string) error {
	plain := filepath.Join(rawRunFolder, runSettingsName)
	if _, err := os.Stat(plain); err == nil {
		return copyFile(plain, dst)
	}

	archivePath := plain + ".tar.gz"
	if _, err := os.Stat(archivePath); err != nil {
		return fmt.Errorf("masking: neither %s nor %s exists", plain, archivePath)
	}
	return extractFromTarGz(archivePath, runSettingsName, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("masking: open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("masking: create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("masking: copy %s to %s: %w", src, dst, err)
	}
	return nil
}

func extractFromTarGz(archivePath, memberName, dst string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("masking: open %s: %w", archivePath, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("masking: gzip reader for %s: %w", archivePath, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return fmt.Errorf("masking: %s not found in %s", memberName, archivePath)
		}
		if err != nil {
			return fmt.Errorf("masking: read %s: %w", archivePath, err)
		}
		if filepath.Base(hdr.Name) != memberName {
			continue
		}

		out, err := os.Create(dst)
		if err != nil {
			return fmt.Errorf("masking: create %s: %w", dst, err)
		}
		defer out.Close()

		if _, err := io.Copy(out, tr); err != nil {
			return fmt.Errorf("masking: extract %s: %w", memberName, err)
		}
		return nil
	}
}

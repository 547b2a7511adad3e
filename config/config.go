// Package config resolves the layered monitoring/eventbuilding/snapshot
// configuration described in spec.md §4.2: load an INI file if present,
// apply defaults for everything else, validate calibration inputs, derive
// the run identity when it is not given explicitly, and re-serialize the
// effective configuration back to disk.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/sys/unix"
	"gopkg.in/ini.v1"
)

// Config holds the fully-resolved monitoring configuration.
type Config struct {
	// [monitoring]
	OutputParent string
	OutputName   string
	MaxWorkers   int
	SkipDirtyDat bool
	BinarySplitM int64 // MiB; 0 disables splitting

	// [eventbuilding]
	PedestalsFile        string
	MipCalibrationFile   string
	PedestalsLGFile      string
	MipCalibrationLGFile string
	WConfig              int
	MinSlabsHit          int
	ASUVersion           string
	NoZeroSuppress       bool
	IDRun                int

	// [snapshot]
	SnapshotAfter          []int
	SnapshotEvery          int
	SnapshotDeletePrevious bool

	// [tools] — external collaborator command paths. Not named by spec.md's
	// config table, but every stage needs a binary to invoke; these get the
	// same layered-INI treatment as everything else.
	Tools ToolPaths

	// Derived, not persisted verbatim.
	OutputDir string
}

// ToolPaths names the external collaborator binaries each stage invokes
// through environment.Environment.
type ToolPaths struct {
	Converter string
	Builder   string
	Merger    string
	Decorator string
	Masker    string
}

const (
	defaultOutputParent = "data"
	defaultMaxWorkers   = 10
	defaultSnapshotEvery = 10000

	defaultConverter = "/opt/daq/bin/convert_to_root"
	defaultBuilder   = "/opt/daq/bin/build_events"
	defaultMerger    = "/opt/daq/bin/selective_merge"
	defaultDecorator = "/opt/daq/bin/snapshot_decorate"
	defaultMasker    = "root"
)

// LoadConfig reads path (an INI file) if it exists, applies defaults for
// anything unset, derives OutputDir/IDRun, validates calibration inputs,
// and returns the effective Config. rawRunFolder is the DAQ run's raw
// output folder, used to default OutputName and to derive the run id.
func LoadConfig(path, rawRunFolder string) (*Config, error) {
	var file *ini.File
	var err error

	if path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			file, err = ini.Load(path)
			if err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if file == nil {
		file = ini.Empty()
	}

	cfg := &Config{}

	mon := file.Section("monitoring")
	cfg.OutputParent = mon.Key("output_parent").MustString(defaultOutputParent)
	cfg.OutputName = mon.Key("output_name").MustString(filepath.Base(rawRunFolder))
	cfg.MaxWorkers = mon.Key("max_workers").MustInt(defaultMaxWorkers)
	if cfg.MaxWorkers < 1 {
		return nil, fmt.Errorf("%w: max_workers must be >= 1, got %d", ErrInvalid, cfg.MaxWorkers)
	}
	cfg.SkipDirtyDat = mon.Key("skip_dirty_dat").MustBool(false)
	cfg.BinarySplitM = mon.Key("binary_split_M").MustInt64(0)

	eb := file.Section("eventbuilding")
	if err := resolveCalibrationFile(eb, "pedestals_file", &cfg.PedestalsFile); err != nil {
		return nil, err
	}
	if err := resolveCalibrationFile(eb, "mip_calibration_file", &cfg.MipCalibrationFile); err != nil {
		return nil, err
	}
	if err := resolveCalibrationFile(eb, "pedestals_lg_file", &cfg.PedestalsLGFile); err != nil {
		return nil, err
	}
	if err := resolveCalibrationFile(eb, "mip_calibration_lg_file", &cfg.MipCalibrationLGFile); err != nil {
		return nil, err
	}
	cfg.WConfig = eb.Key("w_config").MustInt(0)
	cfg.MinSlabsHit = eb.Key("min_slabs_hit").MustInt(0)
	cfg.ASUVersion = eb.Key("asu_version").MustString("")
	cfg.NoZeroSuppress = eb.Key("no_zero_suppress").MustBool(false)
	if eb.HasKey("id_run") {
		cfg.IDRun, err = eb.Key("id_run").Int()
		if err != nil {
			return nil, fmt.Errorf("%w: id_run: %v", ErrInvalid, err)
		}
	} else {
		cfg.IDRun = deriveRunID(cfg.OutputName, cfg.OutputParent)
	}

	snap := file.Section("snapshot")
	cfg.SnapshotAfter = parseIntList(snap.Key("after").String())
	cfg.SnapshotEvery = snap.Key("every").MustInt(defaultSnapshotEvery)
	cfg.SnapshotDeletePrevious = snap.Key("delete_previous").MustBool(false)

	tools := file.Section("tools")
	cfg.Tools = ToolPaths{
		Converter: tools.Key("converter").MustString(defaultConverter),
		Builder:   tools.Key("builder").MustString(defaultBuilder),
		Merger:    tools.Key("merger").MustString(defaultMerger),
		Decorator: tools.Key("decorator").MustString(defaultDecorator),
		Masker:    tools.Key("masker").MustString(defaultMasker),
	}

	cfg.OutputDir = filepath.Join(cfg.OutputParent, cfg.OutputName)

	if err := checkFreeSpace(cfg.OutputParent); err != nil {
		return nil, err
	}

	return cfg, nil
}

// minFreeBytes is the floor below which output_parent is rejected outright;
// a run that starts on a nearly-full filesystem fails fast instead of
// stalling mid-merge once disk space runs out.
const minFreeBytes = 1 << 30 // 1 GiB

// checkFreeSpace rejects an output_parent whose filesystem has too little
// free space to plausibly hold a run's output.
func checkFreeSpace(outputParent string) error {
	dir := outputParent
	if _, err := os.Stat(dir); err != nil {
		dir = filepath.Dir(dir)
		if _, err := os.Stat(dir); err != nil {
			// Neither the parent nor its own parent exist yet; EnsureLayout
			// will create them, nothing to check here.
			return nil
		}
	}
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return nil
	}
	free := stat.Bavail * uint64(stat.Bsize)
	if free < minFreeBytes {
		return fmt.Errorf("%w: output_parent %s has only %d bytes free, below the %d minimum",
			ErrInvalid, outputParent, free, minFreeBytes)
	}
	return nil
}

func resolveCalibrationFile(section *ini.Section, key string, dst *string) error {
	raw := section.Key(key).String()
	if raw == "" {
		return fmt.Errorf("%w: eventbuilding.%s is required", ErrInvalid, key)
	}
	abs, err := filepath.Abs(raw)
	if err != nil {
		return fmt.Errorf("%w: eventbuilding.%s: %v", ErrInvalid, key, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("%w: eventbuilding.%s %s does not exist", ErrInvalid, key, abs)
	}
	*dst = abs
	return nil
}

func parseIntList(raw string) []int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// runPrefix matches "run_" case-insensitively, as in the original's
// guess_id_run.
var runPrefix = regexp.MustCompile(`(?i)run_`)

// deriveRunID implements spec.md §4.2's run-identity derivation, ported
// from original_source/start_monitoring_run.py:guess_id_run.
func deriveRunID(outputName, outputParent string) int {
	if loc := runPrefix.FindStringIndex(outputName); loc != nil {
		rest := outputName[loc[1]:]
		end := 0
		for end < len(rest) && unicode.IsDigit(rune(rest[end])) {
			end++
		}
		if end > 0 {
			if n, err := strconv.Atoi(rest[:end]); err == nil {
				return n
			}
		}
	}

	// Longest run of digits (>=3), tie-broken by larger numeric value.
	var runs []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			runs = append(runs, current.String())
			current.Reset()
		}
	}
	for _, r := range outputName {
		if unicode.IsDigit(r) {
			current.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()

	longest := 0
	for _, r := range runs {
		if len(r) > longest {
			longest = len(r)
		}
	}
	if longest >= 3 {
		best := -1
		for _, r := range runs {
			if len(r) != longest {
				continue
			}
			if n, err := strconv.Atoi(r); err == nil && n > best {
				best = n
			}
		}
		if best >= 0 {
			return best
		}
	}

	entries, err := os.ReadDir(outputParent)
	if err != nil {
		return 0
	}
	count := 0
	for _, e := range entries {
		if e.IsDir() {
			count++
		}
	}
	return count
}

// Save re-serializes the effective configuration to path, as spec.md §4.2
// requires ("The effective configuration is re-serialized into
// <output_dir>/monitoring.cfg").
func (cfg *Config) Save(path string) error {
	file := ini.Empty()

	mon, _ := file.NewSection("monitoring")
	mon.NewKey("output_parent", cfg.OutputParent)
	mon.NewKey("output_name", cfg.OutputName)
	mon.NewKey("max_workers", strconv.Itoa(cfg.MaxWorkers))
	mon.NewKey("skip_dirty_dat", strconv.FormatBool(cfg.SkipDirtyDat))
	mon.NewKey("binary_split_M", strconv.FormatInt(cfg.BinarySplitM, 10))

	eb, _ := file.NewSection("eventbuilding")
	eb.NewKey("pedestals_file", cfg.PedestalsFile)
	eb.NewKey("mip_calibration_file", cfg.MipCalibrationFile)
	eb.NewKey("pedestals_lg_file", cfg.PedestalsLGFile)
	eb.NewKey("mip_calibration_lg_file", cfg.MipCalibrationLGFile)
	eb.NewKey("w_config", strconv.Itoa(cfg.WConfig))
	eb.NewKey("min_slabs_hit", strconv.Itoa(cfg.MinSlabsHit))
	eb.NewKey("asu_version", cfg.ASUVersion)
	eb.NewKey("no_zero_suppress", strconv.FormatBool(cfg.NoZeroSuppress))
	eb.NewKey("id_run", strconv.Itoa(cfg.IDRun))

	snap, _ := file.NewSection("snapshot")
	afterStrs := make([]string, len(cfg.SnapshotAfter))
	for i, n := range cfg.SnapshotAfter {
		afterStrs[i] = strconv.Itoa(n)
	}
	snap.NewKey("after", strings.Join(afterStrs, ","))
	snap.NewKey("every", strconv.Itoa(cfg.SnapshotEvery))
	snap.NewKey("delete_previous", strconv.FormatBool(cfg.SnapshotDeletePrevious))

	tools, _ := file.NewSection("tools")
	tools.NewKey("converter", cfg.Tools.Converter)
	tools.NewKey("builder", cfg.Tools.Builder)
	tools.NewKey("merger", cfg.Tools.Merger)
	tools.NewKey("decorator", cfg.Tools.Decorator)
	tools.NewKey("masker", cfg.Tools.Masker)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return file.SaveTo(path)
}

// ErrInvalid wraps every configuration validation failure (ConfigInvalid in
// spec.md §7).
var ErrInvalid = fmt.Errorf("invalid configuration")

// SystemInfo describes the host the pipeline runs on, logged once at
// startup for operator diagnostics.
type SystemInfo struct {
	OSName    string
	OSVersion string
	Arch      string
	NumCPU    int
}

// GetSystemInfo reads host identification via uname(2).
func GetSystemInfo() SystemInfo {
	info := SystemInfo{NumCPU: runtime.NumCPU()}
	var utsname unix.Utsname
	if err := unix.Uname(&utsname); err == nil {
		info.OSName = trimNulls(utsname.Sysname[:])
		info.OSVersion = trimNulls(utsname.Release[:])
		info.Arch = trimNulls(utsname.Machine[:])
	}
	return info
}

func trimNulls(b []byte) string {
	i := 0
	for ; i < len(b); i++ {
		if b[i] == 0 {
			break
		}
	}
	return string(b[:i])
}

// Package daqscan implements the raw-discovery scanner (spec.md §4.4):
// opportunistic, throttled discovery of new raw DAQ output parts in the
// run's raw folder, enqueued as CONVERSION jobs in ordinal order.
package daqscan

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"daqmon/jobqueue"
)

// PartKind distinguishes the two raw-output encodings the DAQ can produce.
type PartKind int

const (
	KindAsciiDat PartKind = iota
	KindRawBin
)

func (k PartKind) String() string {
	if k == KindRawBin {
		return "raw-bin"
	}
	return "ascii-dat"
}

// RawPart identifies one discovered raw output part.
type RawPart struct {
	Stem    string // path prefix shared by every ordinal of this part series
	Ordinal int
	Kind    PartKind
	Path    string // actual on-disk path, possibly the .tar.gz form
}

// ErrDataModelViolation is logged (non-fatal) when both ascii-dat and
// raw-bin candidates are simultaneously present in the raw folder,
// indicating an operator misconfiguration (spec.md §4.4 step 3).
var ErrDataModelViolation = errors.New("daqscan: both ascii-dat and raw-bin parts present in raw folder")

var (
	asciiDatRe = regexp.MustCompile(`^(.*\.dat)_(\d{4})(\.tar\.gz)?$`)
	rawBinRe   = regexp.MustCompile(`^(.*_raw\.bin.*)_(\d{4})(\.tar\.gz)?$`)

	asciiDatGlobs = []string{"*.dat_[0-9][0-9][0-9][0-9]", "*.dat_[0-9][0-9][0-9][0-9].tar.gz"}
	rawBinGlobs   = []string{"*_raw.bin*_[0-9][0-9][0-9][0-9]", "*_raw.bin*_[0-9][0-9][0-9][0-9].tar.gz"}

	zeroCaseAsciiGlob = "*.dat"
	zeroCaseBinGlob   = "*_raw.bin"
)

// Scanner discovers new raw parts in rawRunFolder and enqueues CONVERSION
// jobs. A Scanner is not safe for concurrent Scan calls; the caller
// (monitor.Pool) serializes scans via its own throttle timestamp.
type Scanner struct {
	rawRunFolder string
	outputDir    string
	binarySplitM int64

	largestRawSeen int
	zeroCaseDone   bool
	runFinished    bool
}

// NewScanner returns a Scanner over rawRunFolder, writing discovery
// artifacts relative to outputDir.
func NewScanner(rawRunFolder, outputDir string, binarySplitM int64) *Scanner {
	return &Scanner{rawRunFolder: rawRunFolder, outputDir: outputDir, binarySplitM: binarySplitM}
}

// RunFinished reports whether hitsHistogram.txt has been observed in the
// raw folder.
func (s *Scanner) RunFinished() bool { return s.runFinished }

// Scan performs one discovery pass, enqueueing CONVERSION jobs for any raw
// parts in [largestRawSeen, M) not yet seen, per spec.md §4.4. It returns
// ErrDataModelViolation (non-fatal; the caller decides how to log it) when
// both part kinds are present, but still processes the ascii-dat kind if
// present.
func (s *Scanner) Scan(q *jobqueue.Queue) error {
	var dataModelErr error

	asciiMatches := globAll(s.rawRunFolder, asciiDatGlobs)
	binMatches := globAll(s.rawRunFolder, rawBinGlobs)
	if len(asciiMatches) > 0 && len(binMatches) > 0 {
		dataModelErr = ErrDataModelViolation
	}

	var matches []string
	var kind PartKind
	var re *regexp.Regexp
	switch {
	case len(asciiMatches) > 0:
		matches, kind, re = asciiMatches, KindAsciiDat, asciiDatRe
	case len(binMatches) > 0:
		matches, kind, re = binMatches, KindRawBin, rawBinRe
	default:
		if dataModelErr != nil {
			return dataModelErr
		}
		return s.checkZeroCase(q)
	}

	sort.Strings(matches)
	newest := matches[len(matches)-1]
	m := re.FindStringSubmatch(newest)
	if m == nil {
		return fmt.Errorf("daqscan: %s matched glob but not ordinal pattern", newest)
	}
	stem := m[1]
	suffix := m[3] // ".tar.gz" or ""
	maxOrdinal, err := strconv.Atoi(m[2])
	if err != nil {
		return fmt.Errorf("daqscan: parse ordinal from %s: %w", newest, err)
	}

	for i := s.largestRawSeen; i < maxOrdinal; i++ {
		path := fmt.Sprintf("%s_%04d%s", stem, i, suffix)
		if _, statErr := os.Stat(path); statErr != nil {
			continue
		}
		q.Push(&jobqueue.Job{
			Priority: jobqueue.PriorityConversion,
			SortKey:  int64(-i),
			Payload:  RawPart{Stem: stem, Ordinal: i, Kind: kind, Path: path},
		})
	}
	s.largestRawSeen = maxOrdinal

	if err := s.checkFinished(q, stem, maxOrdinal, kind, suffix); err != nil {
		return err
	}

	return dataModelErr
}

// checkFinished detects hitsHistogram.txt (possibly as .tar.gz), latching
// runFinished and re-enqueueing the newest part so it's rechecked once the
// DAQ has stopped writing to it.
func (s *Scanner) checkFinished(q *jobqueue.Queue, stem string, maxOrdinal int, kind PartKind, suffix string) error {
	marker := filepath.Join(s.rawRunFolder, "hitsHistogram.txt")
	_, plainErr := os.Stat(marker)
	_, gzErr := os.Stat(marker + ".tar.gz")
	finished := plainErr == nil || gzErr == nil

	if finished && !s.runFinished {
		s.runFinished = true
		path := fmt.Sprintf("%s_%04d%s", stem, maxOrdinal, suffix)
		q.Push(&jobqueue.Job{
			Priority: jobqueue.PriorityConversion,
			SortKey:  int64(-maxOrdinal),
			Payload:  RawPart{Stem: stem, Ordinal: maxOrdinal, Kind: kind, Path: path},
		})
	}
	return nil
}

// checkZeroCase handles runs with no ordinal-suffixed files at all: a
// single bare *.dat or *_raw.bin file is treated as ordinal 0, enqueued at
// most once per process.
func (s *Scanner) checkZeroCase(q *jobqueue.Queue) error {
	if s.zeroCaseDone {
		return nil
	}

	asciiZero := globAll(s.rawRunFolder, []string{zeroCaseAsciiGlob})
	binZero := globAll(s.rawRunFolder, []string{zeroCaseBinGlob})

	var path string
	var kind PartKind
	switch {
	case len(asciiZero) == 1:
		path, kind = asciiZero[0], KindAsciiDat
	case len(binZero) == 1:
		path, kind = binZero[0], KindRawBin
	default:
		return nil
	}

	convertedName := fmt.Sprintf("converted_%s_0000.root", filepath.Base(path))
	if exists(filepath.Join(s.outputDir, "converted", convertedName)) ||
		exists(filepath.Join(s.outputDir, "tmp", convertedName)) {
		s.zeroCaseDone = true
		return nil
	}

	s.zeroCaseDone = true
	q.Push(&jobqueue.Job{
		Priority: jobqueue.PriorityConversion,
		SortKey:  0,
		Payload:  RawPart{Stem: path, Ordinal: 0, Kind: kind, Path: path},
	})
	return nil
}

func globAll(dir string, patterns []string) []string {
	var out []string
	for _, p := range patterns {
		matches, err := filepath.Glob(filepath.Join(dir, p))
		if err != nil {
			continue
		}
		out = append(out, matches...)
	}
	return out
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// copyN copies up to n bytes from src to dst via io.CopyN, treating io.EOF
// as a clean end-of-input rather than an error.
func copyN(dst io.Writer, src io.Reader, n int64) (int64, error) {
	written, err := io.CopyN(dst, src, n)
	if err == io.EOF {
		return written, nil
	}
	return written, err
}

// splitChunkBytes is the fixed chunk size used by the binary-split
// sub-protocol.
const splitChunkBytes = 64 << 20 // 64 MiB

// NeedsSplit reports whether part should be split before conversion: only
// raw-bin parts whose size exceeds thresholdMiB MiB, when thresholdMiB > 0.
func NeedsSplit(part RawPart, thresholdMiB int64) (bool, error) {
	if part.Kind != KindRawBin || thresholdMiB <= 0 {
		return false, nil
	}
	info, err := os.Stat(part.Path)
	if err != nil {
		return false, fmt.Errorf("daqscan: stat %s: %w", part.Path, err)
	}
	return info.Size() > thresholdMiB<<20, nil
}

// SplitBinaryPart implements spec.md §4.4's binary-split sub-protocol: it
// splits part's file into fixed-size chunks under tmpDir named
// <name>_monitoring_split_NNNNN, and returns one jobqueue.Job per chunk
// with sort-key = -(10000*(ordinal+1) + chunkIndex), so chunks of a later
// ordinal always dispatch before chunks of an earlier one, and within one
// ordinal the highest chunk index dispatches first.
func SplitBinaryPart(part RawPart, tmpDir string) ([]*jobqueue.Job, error) {
	src, err := os.Open(part.Path)
	if err != nil {
		return nil, fmt.Errorf("daqscan: open %s: %w", part.Path, err)
	}
	defer src.Close()

	name := filepath.Base(part.Path)
	var jobs []*jobqueue.Job
	for chunkIndex := 0; ; chunkIndex++ {
		chunkPath := filepath.Join(tmpDir, fmt.Sprintf("%s_monitoring_split_%05d", name, chunkIndex))
		dst, err := os.Create(chunkPath)
		if err != nil {
			return nil, fmt.Errorf("daqscan: create chunk %s: %w", chunkPath, err)
		}

		n, copyErr := copyN(dst, src, splitChunkBytes)
		dst.Close()
		if copyErr != nil {
			return nil, fmt.Errorf("daqscan: write chunk %s: %w", chunkPath, copyErr)
		}
		if n == 0 {
			os.Remove(chunkPath)
			break
		}

		sortKey := int64(-(10000*(part.Ordinal+1) + chunkIndex))
		jobs = append(jobs, &jobqueue.Job{
			Priority: jobqueue.PriorityConversion,
			SortKey:  sortKey,
			Payload:  RawPart{Stem: part.Stem, Ordinal: part.Ordinal, Kind: part.Kind, Path: chunkPath},
		})

		if n < splitChunkBytes {
			break
		}
	}
	return jobs, nil
}

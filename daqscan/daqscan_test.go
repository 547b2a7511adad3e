package daqscan

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"daqmon/jobqueue"
)

func popAll(t *testing.T, q *jobqueue.Queue) []*jobqueue.Job {
	t.Helper()
	var jobs []*jobqueue.Job
	for {
		job, ok := q.Pop(context.Background(), 20*time.Millisecond)
		if !ok {
			break
		}
		jobs = append(jobs, job)
	}
	return jobs
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestScanEnqueuesAsciiDatOrdinals(t *testing.T) {
	raw := t.TempDir()
	out := t.TempDir()
	touch(t, filepath.Join(raw, "run.dat_0000"))
	touch(t, filepath.Join(raw, "run.dat_0001"))
	touch(t, filepath.Join(raw, "run.dat_0002"))

	s := NewScanner(raw, out, 0)
	q := jobqueue.New()
	if err := s.Scan(q); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	jobs := popAll(t, q)
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs, want 2 (ordinals 0,1; 2 becomes the new largestRawSeen boundary)", len(jobs))
	}
	if jobs[0].SortKey != -1 || jobs[1].SortKey != 0 {
		t.Errorf("expected newest ordinal first: got sort keys %d, %d", jobs[0].SortKey, jobs[1].SortKey)
	}
}

func TestScanSkipsAlreadySeenOrdinals(t *testing.T) {
	raw := t.TempDir()
	out := t.TempDir()
	touch(t, filepath.Join(raw, "run.dat_0000"))
	touch(t, filepath.Join(raw, "run.dat_0001"))

	s := NewScanner(raw, out, 0)
	q := jobqueue.New()
	if err := s.Scan(q); err != nil {
		t.Fatalf("first Scan: %v", err)
	}
	popAll(t, q)

	touch(t, filepath.Join(raw, "run.dat_0002"))
	if err := s.Scan(q); err != nil {
		t.Fatalf("second Scan: %v", err)
	}
	jobs := popAll(t, q)
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs on second scan, want 1 (only ordinal 1 newly confirmed)", len(jobs))
	}
	if jobs[0].SortKey != -1 {
		t.Errorf("SortKey = %d, want -1", jobs[0].SortKey)
	}
}

func TestScanDataModelViolation(t *testing.T) {
	raw := t.TempDir()
	out := t.TempDir()
	touch(t, filepath.Join(raw, "run.dat_0000"))
	touch(t, filepath.Join(raw, "run.dat_0001"))
	touch(t, filepath.Join(raw, "x_raw.bin_0000"))
	touch(t, filepath.Join(raw, "x_raw.bin_0001"))

	s := NewScanner(raw, out, 0)
	q := jobqueue.New()
	err := s.Scan(q)
	if err == nil {
		t.Fatal("expected ErrDataModelViolation")
	}
}

func TestScanHitsHistogramMarksFinished(t *testing.T) {
	raw := t.TempDir()
	out := t.TempDir()
	touch(t, filepath.Join(raw, "run.dat_0000"))

	s := NewScanner(raw, out, 0)
	q := jobqueue.New()
	if err := s.Scan(q); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if s.RunFinished() {
		t.Fatal("should not be finished yet")
	}
	popAll(t, q)

	touch(t, filepath.Join(raw, "hitsHistogram.txt"))
	if err := s.Scan(q); err != nil {
		t.Fatalf("second Scan: %v", err)
	}
	if !s.RunFinished() {
		t.Error("expected RunFinished after hitsHistogram.txt appears")
	}
}

func TestScanZeroCaseSingleFile(t *testing.T) {
	raw := t.TempDir()
	out := t.TempDir()
	if err := os.MkdirAll(filepath.Join(out, "converted"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(out, "tmp"), 0755); err != nil {
		t.Fatal(err)
	}
	touch(t, filepath.Join(raw, "only_one.dat"))

	s := NewScanner(raw, out, 0)
	q := jobqueue.New()
	if err := s.Scan(q); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	jobs := popAll(t, q)
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs, want 1 for the zero-case file", len(jobs))
	}
	part := jobs[0].Payload.(RawPart)
	if part.Ordinal != 0 || part.Kind != KindAsciiDat {
		t.Errorf("zero-case part = %+v, want ordinal 0, KindAsciiDat", part)
	}

	// A second scan must not re-enqueue it.
	if err := s.Scan(q); err != nil {
		t.Fatalf("second Scan: %v", err)
	}
	if jobs2 := popAll(t, q); len(jobs2) != 0 {
		t.Errorf("zero-case should only fire once, got %d more jobs", len(jobs2))
	}
}

func TestScanZeroCaseSkippedWhenAlreadyConverted(t *testing.T) {
	raw := t.TempDir()
	out := t.TempDir()
	if err := os.MkdirAll(filepath.Join(out, "converted"), 0755); err != nil {
		t.Fatal(err)
	}
	touch(t, filepath.Join(raw, "only_one.dat"))
	touch(t, filepath.Join(out, "converted", "converted_only_one.dat_0000.root"))

	s := NewScanner(raw, out, 0)
	q := jobqueue.New()
	if err := s.Scan(q); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if jobs := popAll(t, q); len(jobs) != 0 {
		t.Errorf("expected no jobs when converted output already exists, got %d", len(jobs))
	}
}

func TestNeedsSplit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x_raw.bin_0001")
	data := make([]byte, 2<<20) // 2 MiB
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	part := RawPart{Path: path, Kind: KindRawBin, Ordinal: 1}

	needs, err := NeedsSplit(part, 1) // threshold 1 MiB
	if err != nil {
		t.Fatalf("NeedsSplit: %v", err)
	}
	if !needs {
		t.Error("expected split needed for 2 MiB file over 1 MiB threshold")
	}

	needs, err = NeedsSplit(part, 0)
	if err != nil {
		t.Fatalf("NeedsSplit threshold 0: %v", err)
	}
	if needs {
		t.Error("threshold 0 should disable splitting")
	}

	asciiPart := RawPart{Path: path, Kind: KindAsciiDat, Ordinal: 1}
	needs, err = NeedsSplit(asciiPart, 1)
	if err != nil {
		t.Fatalf("NeedsSplit ascii: %v", err)
	}
	if needs {
		t.Error("ascii-dat parts are never split")
	}
}

func TestSplitBinaryPartProducesOrderedChunks(t *testing.T) {
	dir := t.TempDir()
	tmp := t.TempDir()
	path := filepath.Join(dir, "x_raw.bin_0003")
	data := make([]byte, int(splitChunkBytes)+100)
	for i := range data {
		data[i] = byte(i % 256)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	part := RawPart{Path: path, Kind: KindRawBin, Ordinal: 3, Stem: "x_raw.bin"}

	jobs, err := SplitBinaryPart(part, tmp)
	if err != nil {
		t.Fatalf("SplitBinaryPart: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("got %d chunks, want 2", len(jobs))
	}
	wantKey0 := int64(-(10000 * 4))
	wantKey1 := int64(-(10000*4 + 1))
	if jobs[0].SortKey != wantKey0 || jobs[1].SortKey != wantKey1 {
		t.Errorf("sort keys = %d, %d; want %d, %d", jobs[0].SortKey, jobs[1].SortKey, wantKey0, wantKey1)
	}
	for _, j := range jobs {
		p := j.Payload.(RawPart)
		if _, err := os.Stat(p.Path); err != nil {
			t.Errorf("chunk file missing: %v", err)
		}
	}
}

// Package telemetry records per-job timing CSVs and a restart-surviving
// run summary, matching spec.md §6's `.times/times_<stage>.csv` and the
// bbolt-backed run state the domain stack wires in (grounded on the
// teacher's builddb and original_source/scripts/util/times_info.py's exact
// CSV contract).
package telemetry

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// header is the external contract every times_<stage>.csv must carry,
// confirmed against original_source/scripts/util/times_info.py.
var header = []string{"job_type", "time", "timestamp", "id", "worker", "data_path"}

// Entry is a single completed job's timing record.
type Entry struct {
	JobType   string
	Seconds   float64
	Timestamp time.Time
	ID        string
	Worker    int
	DataPath  string
}

// Writer appends Entry rows to .times/times_<stage>.csv, one Writer per
// stage so concurrent workers writing distinct stages never contend on the
// same file.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
}

// NewWriter opens (creating if needed) the CSV file for stage under
// timesDir, writing the header only if the file is new.
func NewWriter(timesDir, stage string) (*Writer, error) {
	if err := os.MkdirAll(timesDir, 0755); err != nil {
		return nil, fmt.Errorf("telemetry: create %s: %w", timesDir, err)
	}
	path := filepath.Join(timesDir, fmt.Sprintf("times_%s.csv", stage))

	_, statErr := os.Stat(path)
	needsHeader := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open %s: %w", path, err)
	}

	w := &Writer{file: f, w: csv.NewWriter(f)}
	if needsHeader {
		if err := w.w.Write(header); err != nil {
			f.Close()
			return nil, fmt.Errorf("telemetry: write header %s: %w", path, err)
		}
		w.w.Flush()
	}
	return w, nil
}

// Write appends e as one CSV row and flushes immediately, so a crash
// mid-run never loses a completed job's timing record.
func (w *Writer) Write(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	row := []string{
		e.JobType,
		fmt.Sprintf("%.3f", e.Seconds),
		e.Timestamp.Format(time.RFC3339),
		e.ID,
		fmt.Sprintf("%d", e.Worker),
		e.DataPath,
	}
	if err := w.w.Write(row); err != nil {
		return fmt.Errorf("telemetry: write row: %w", err)
	}
	w.w.Flush()
	return w.w.Error()
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.w.Flush()
	return w.file.Close()
}

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Logger writes the run's combined log_monitoring.log plus two dedicated
// operator-facing streams, idle_alerts.log and merge_failures.log, so an
// operator tailing one narrow file sees only idle warnings or only merge
// failures without wading through the full combined log. Grounded on the
// teacher's multi-file Logger (resultsFile plus successFile/failureFile/...,
// each specific-event method writing both the combined log and its own
// dedicated file).
//
// Appends to all three files, so a restart on an in-progress output
// directory continues the same logs rather than truncating operator
// history.
type Logger struct {
	file          *os.File
	idleAlerts    *os.File
	mergeFailures *os.File
	mu            sync.Mutex
}

// NewLogger opens (creating if needed) log_monitoring.log at path, plus
// idle_alerts.log and merge_failures.log alongside it, all in append mode.
func NewLogger(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	dir := filepath.Dir(path)

	idleAlerts, err := os.OpenFile(filepath.Join(dir, "idle_alerts.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open idle_alerts.log: %w", err)
	}

	mergeFailures, err := os.OpenFile(filepath.Join(dir, "merge_failures.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		f.Close()
		idleAlerts.Close()
		return nil, fmt.Errorf("open merge_failures.log: %w", err)
	}

	l := &Logger{file: f, idleAlerts: idleAlerts, mergeFailures: mergeFailures}
	l.writeBanner()
	return l, nil
}

// Close closes all three underlying log files.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.file.Close()
	if idleErr := l.idleAlerts.Close(); err == nil {
		err = idleErr
	}
	if mergeErr := l.mergeFailures.Close(); err == nil {
		err = mergeErr
	}
	return err
}

func (l *Logger) writeBanner() {
	l.mu.Lock()
	defer l.mu.Unlock()
	banner := fmt.Sprintf("%s\nmonitoring started %s\n", strings.Repeat("=", 70), time.Now().Format(time.RFC3339))
	fmt.Fprint(l.file, banner)
	fmt.Fprint(l.idleAlerts, banner)
	fmt.Fprint(l.mergeFailures, banner)
}

func (l *Logger) writeLine(level, format string, args ...any) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	timestamp := time.Now().Format("15:04:05")
	msg := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("[%s%-5s] %s\n", timestamp, level, msg)
	fmt.Fprint(l.file, line)
	l.file.Sync()
	return line
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...any) { l.writeLine("INFO", format, args...) }

// Debug logs a diagnostic message.
func (l *Logger) Debug(format string, args ...any) { l.writeLine("DEBUG", format, args...) }

// Warn logs a non-fatal warning, such as a skipped dirty part or a
// graceful-stop request.
func (l *Logger) Warn(format string, args ...any) { l.writeLine("WARN", format, args...) }

// Error logs an error: a stage failure that aborts the run, or a non-fatal
// one such as a failed raw-discovery scan or the simultaneous
// ascii-dat/raw-bin DataModelViolation.
func (l *Logger) Error(format string, args ...any) { l.writeLine("ERROR", format, args...) }

// Success logs a stage success, e.g. a new converted/built part.
func (l *Logger) Success(format string, args ...any) { l.writeLine("OK", format, args...) }

// IdleAlert logs a "still waiting" message to both the combined log and
// idle_alerts.log, so an operator can tail just the idle stream.
func (l *Logger) IdleAlert(format string, args ...any) {
	line := l.writeLine("WARN", format, args...)
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.idleAlerts, line)
	l.idleAlerts.Sync()
}

// MergeFailure logs a merge-stage external-tool failure to both the
// combined log and merge_failures.log.
func (l *Logger) MergeFailure(format string, args ...any) {
	line := l.writeLine("ERROR", format, args...)
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.mergeFailures, line)
	l.mergeFailures.Sync()
}

var _ LibraryLogger = (*Logger)(nil)

package monitor

import "fmt"

// ErrExternalFailure wraps a fatal external-tool failure: nonzero exit or
// nonempty stderr at the stage level (spec.md §5/§7), which aborts the
// whole monitoring process.
type ErrExternalFailure struct {
	Stage  string
	Output string
}

func (e *ErrExternalFailure) Error() string {
	return fmt.Sprintf("monitor: %s stage: external tool failed: %s", e.Stage, e.Output)
}

// ErrDataModelViolation mirrors daqscan.ErrDataModelViolation at the
// monitor level for callers that only import monitor.
var ErrDataModelViolation = fmt.Errorf("monitor: ascii-dat and raw-bin raw parts both present")

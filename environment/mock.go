package environment

import (
	"context"
	"sync"
)

// Mock is a test Environment that records every Execute call instead of
// shelling out, following the teacher's MockEnvironment recording pattern.
// Tests configure Result/Err (or per-command overrides keyed by the full
// Command path) to simulate external
// tool behavior without real physics binaries.
type Mock struct {
	mu sync.Mutex

	calls []*ExecCommand

	// Result is returned for every call whose Command has no entry in
	// ResultsByCommand.
	Result *ExecResult
	Err    error

	// ResultsByCommand overrides Result for specific command paths, so a
	// single Mock can stand in for converter+builder+merger+decorator+masker.
	ResultsByCommand map[string]*ExecResult
	ErrByCommand     map[string]error

	// OnExecute, if set, is invoked synchronously for every call, letting
	// tests perform side effects (e.g. writing the expected output file)
	// the way a real external tool would.
	OnExecute func(cmd *ExecCommand)
}

// NewMock returns a Mock that succeeds by default.
func NewMock() *Mock {
	return &Mock{Result: &ExecResult{ExitCode: 0}}
}

func (m *Mock) Execute(ctx context.Context, cmd *ExecCommand) (*ExecResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, cmd)
	onExecute := m.OnExecute
	result := m.Result
	err := m.Err
	if r, ok := m.ResultsByCommand[cmd.Command]; ok {
		result = r
	}
	if e, ok := m.ErrByCommand[cmd.Command]; ok {
		err = e
	}
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return &ExecResult{ExitCode: -1}, ctx.Err()
	default:
	}

	if onExecute != nil {
		onExecute(cmd)
	}

	if result == nil {
		result = &ExecResult{ExitCode: 0}
	}
	// Return a copy so callers can't mutate shared state across goroutines.
	cp := *result
	return &cp, err
}

// Calls returns a snapshot of every recorded Execute call, in order.
func (m *Mock) Calls() []*ExecCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ExecCommand, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of Execute invocations so far.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

var _ Environment = (*Mock)(nil)
var _ Environment = (*Local)(nil)

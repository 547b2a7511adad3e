package monitor

import (
	"os"
	"path/filepath"
	"testing"

	"daqmon/config"
	"daqmon/environment"
	"daqmon/log"
	"daqmon/runlayout"
	"daqmon/telemetry"
)

// newTestPool builds a Pool over a fresh temp output directory with a
// permissive default config, a recording Mock environment, and an in-memory
// logger, ready for stage-level tests.
func newTestPool(t *testing.T) (*Pool, *environment.Mock, string) {
	t.Helper()
	dir := t.TempDir()
	outputDir := filepath.Join(dir, "run_1")
	if err := runlayout.EnsureLayout(outputDir); err != nil {
		t.Fatalf("EnsureLayout: %v", err)
	}

	cfg := &config.Config{
		MaxWorkers: 2,
		IDRun:      1,
		Tools: config.ToolPaths{
			Converter: "/opt/daq/bin/convert_to_root",
			Builder:   "/opt/daq/bin/build_events",
			Merger:    "/opt/daq/bin/selective_merge",
			Decorator: "/opt/daq/bin/snapshot_decorate",
			Masker:    "root",
		},
	}

	env := environment.NewMock()
	logger := log.NewMemoryLogger()

	dbPath := filepath.Join(dir, "summary.db")
	db, err := telemetry.OpenDB(dbPath)
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	p, err := NewPool(env, cfg, logger, db, outputDir, filepath.Join(dir, "raw"), "")
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(p.Close)

	return p, env, outputDir
}

// writeOutArg is an environment.Mock.OnExecute callback that writes dummy
// content to whatever path follows "--out" in cmd.Args, mimicking what a
// real external tool produces.
func writeOutArg(cmd *environment.ExecCommand) {
	for i, a := range cmd.Args {
		if a == "--out" && i+1 < len(cmd.Args) {
			os.WriteFile(cmd.Args[i+1], []byte("data"), 0644)
			return
		}
	}
}

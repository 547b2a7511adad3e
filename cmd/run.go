package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"daqmon/config"
	"daqmon/environment"
	"daqmon/log"
	"daqmon/masking"
	"daqmon/monitor"
	"daqmon/runlayout"
	"daqmon/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run <raw-folder>",
	Short: "Monitor a DAQ run's raw output folder to completion",
	Long: `run watches rawFolder for new raw parts, converts/event-builds/merges
each one as it appears, and periodically publishes a snapshot of the
cumulative artifact, equivalent to start_monitoring_run.py.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	RootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	rawRunFolder := args[0]

	cfgPath := configPath
	if cfgPath == "" {
		cfgPath = filepath.Join(rawRunFolder, "monitoring.ini")
	}
	cfg, err := config.LoadConfig(cfgPath, rawRunFolder)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	disposition, err := runlayout.ClassifyAndPrepare(cfg.OutputDir)
	if err != nil {
		return fmt.Errorf("classify output dir: %w", err)
	}
	switch disposition {
	case runlayout.DispositionAlreadyDone:
		fmt.Printf("run %s already monitored to completion\n", cfg.OutputDir)
		return nil
	case runlayout.DispositionSkip:
		fmt.Printf("run %s opted out of monitoring (no_monitoring present)\n", cfg.OutputDir)
		return nil
	}

	if err := runlayout.EnsureLayout(cfg.OutputDir); err != nil {
		return fmt.Errorf("ensure output layout: %w", err)
	}

	logger, err := log.NewLogger(filepath.Join(cfg.OutputDir, "log_monitoring.log"))
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer logger.Close()

	env := environment.NewLocal()

	maskedPath, err := masking.Bootstrap(context.Background(), env, cfg.Tools.Masker, nil, rawRunFolder, cfg.OutputDir)
	if err != nil {
		return fmt.Errorf("masking bootstrap: %w", err)
	}

	db, err := telemetry.OpenDB(filepath.Join(cfg.OutputDir, "run.db"))
	if err != nil {
		return fmt.Errorf("open telemetry db: %w", err)
	}
	defer db.Close()

	pool, err := monitor.NewPool(env, cfg, logger, db, cfg.OutputDir, rawRunFolder, maskedPath)
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Warn("received signal %v, writing stop_monitoring", sig)
		os.WriteFile(filepath.Join(cfg.OutputDir, "stop_monitoring"), []byte(sig.String()), 0644)
	}()

	if err := pool.Run(ctx); err != nil {
		return fmt.Errorf("monitoring run: %w", err)
	}

	fmt.Printf("run %d complete\n", cfg.IDRun)
	return nil
}

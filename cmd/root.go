// Package cmd implements daqmon's Cobra command surface: run, monitor, and
// status, the three commands named by spec.md §6's CLI section.
package cmd

import (
	"github.com/spf13/cobra"
)

var configPath string

// RootCmd is daqmon's root Cobra command.
var RootCmd = &cobra.Command{
	Use:   "daqmon",
	Short: "DAQ run monitoring orchestrator",
	Long: `daqmon watches a DAQ run's raw output folder, converting, event-building,
and merging each raw part as it appears, and periodically publishing a
snapshot of the cumulative artifact.`,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to monitoring.ini (defaults to <raw-folder>/monitoring.ini)")
}

// Execute runs the root command, returning any error for main to report.
func Execute() error {
	return RootCmd.Execute()
}

// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "triage",
	Short: "Triage - batch sample-analysis orchestrator",
	Long: `Triage dispatches uploaded samples to external analyzer backends and
tracks them to completion. It manages two analyzer families (a dynamic
behavioral sandbox and a static feature extractor), drives sub-tasks through
submission, polling and report collection, and survives restarts by
recovering work-in-flight from the database.

Features:
  - Master/sub-task batches with SQL-side progress aggregation
  - Per-family backend instance pools with health probing
  - Optimistic-lock submission pipeline with retry and backoff
  - Decoupled status poller and report fetcher
  - Startup recovery of pending and stuck sub-tasks`,
	Version: "0.1.0",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config.yaml",
		"config file path")
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}

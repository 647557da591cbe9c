package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/triage/internal/boot"
	"firestige.xyz/triage/internal/config"
)

var shutdownTimeout time.Duration

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the orchestrator",
	Long: `
Start the triage orchestrator: HTTP API, background pollers and the
startup recovery sweeper.

Examples:
  triage start                     # Start with ./config.yaml and 10s shutdown timeout
  triage start -c /etc/triage.yaml # Start with an explicit config file
  triage start -t 1m               # Allow one minute for graceful shutdown
`,
	Run: func(cmd *cobra.Command, args []string) {
		pid := os.Getpid()
		if err := os.WriteFile("/tmp/triage.pid", []byte(fmt.Sprintf("%d", pid)), 0644); err != nil {
			exitWithError("failed to write pid file", err)
		}
		defer os.Remove("/tmp/triage.pid")

		cfg, err := config.Load(configFile)
		if err != nil {
			exitWithError("failed to load configuration", err)
		}

		if err := boot.Start(cfg, shutdownTimeout); err != nil {
			exitWithError("orchestrator exited", err)
		}
	},
}

func init() {
	startCmd.Flags().DurationVarP(&shutdownTimeout, "timeout", "t", 10*time.Second,
		"graceful shutdown timeout")
	rootCmd.AddCommand(startCmd)
}

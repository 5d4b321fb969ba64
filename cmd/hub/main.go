package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hub",
	Short: "Homelab hub - fleet management control plane",
	Long: `The hub tracks a fleet of self-hosted Linux machines: it ingests
agent heartbeats, evaluates health thresholds, raises and resolves
alerts, pushes Slack notifications, and runs vetted remediation
commands over SSH.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"hub version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(genkeyCmd)
	rootCmd.AddCommand(tokenCmd)
}

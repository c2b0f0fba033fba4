// Package cmd implements the eventbuilder CLI using the cobra framework:
// start the daemon in the foreground, and query/control a running instance
// over its Unix Domain Socket control plane.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile string
	socketPath string
)

var rootCmd = &cobra.Command{
	Use:   "eventbuilder",
	Short: "NA62 trigger-farm PC event-building core",
	Long: `eventbuilder aggregates L0 and L1 readout fragments arriving as UDP
Multi-Event Packets into complete events, tracks per-source completeness,
and exposes the trigger-layer callback surface (setL1Processed,
requestNonZSData) over a local control plane.`,
	Version: "0.1.0",
}

// Execute adds all child commands to the root command and parses flags.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/eventbuilder/config.yml",
		"config file path")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/eventbuilder.sock",
		"control plane socket path")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(validateCmd)
}

func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}

// Package cmd implements CLI commands.
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/na62exp/eventbuilder/internal/command"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running event-builder daemon",
	Long: `Stop a running event-builder daemon gracefully.

Sends a shutdown command over the control plane socket; the daemon drains
its capture sources, stops the metrics server, and exits.`,
	Run: func(cmd *cobra.Command, args []string) {
		runStopCommand()
	},
}

func runStopCommand() {
	client := command.NewUDSClient(socketPath, 10*time.Second)
	ctx := context.Background()

	if err := client.Ping(ctx); err != nil {
		exitWithError("daemon is not running or socket is inaccessible", err)
	}

	resp, err := client.Shutdown(ctx)
	if err != nil {
		exitWithError("failed to send shutdown command", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("shutdown failed: %s", resp.Error.Message), nil)
	}

	fmt.Println("Shutdown requested.")
}

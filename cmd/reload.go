// Package cmd implements CLI commands.
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/na62exp/eventbuilder/internal/command"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the event-builder daemon configuration",
	Long: `Reload the event-builder daemon's configuration file.

Log level/format/output are hot-reloaded; changes to the event pool size
or the metrics listen address require a restart and are only reported.`,
	Run: func(cmd *cobra.Command, args []string) {
		runReloadCommand()
	},
}

func runReloadCommand() {
	client := command.NewUDSClient(socketPath, 10*time.Second)
	ctx := context.Background()

	fmt.Println("Sending reload command to daemon...")
	resp, err := client.Reload(ctx)
	if err != nil {
		exitWithError("failed to send reload command", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("reload failed: %s", resp.Error.Message), nil)
	}

	fmt.Println("Configuration reloaded successfully.")
}

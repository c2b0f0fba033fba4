// Package cmd implements CLI commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/na62exp/eventbuilder/internal/command"
)

var statsFormat string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show runtime statistics",
	Long: `Query the event-builder daemon for per-source missing/duplicate/
oversize fragment counters, spurious/non-requested L1 counts, and event
pool occupancy.`,
	Run: func(cmd *cobra.Command, args []string) {
		runStatsCommand()
	},
}

func init() {
	statsCmd.Flags().StringVar(&statsFormat, "format", "json", "output format: json or yaml")
}

func runStatsCommand() {
	client := command.NewUDSClient(socketPath, 10*time.Second)
	ctx := context.Background()

	resp, err := client.Stats(ctx)
	if err != nil {
		exitWithError("failed to query stats", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("stats failed: %s", resp.Error.Message), nil)
	}

	switch statsFormat {
	case "yaml":
		out, err := yaml.Marshal(resp.Result)
		if err != nil {
			exitWithError("failed to format result", err)
		}
		fmt.Print(string(out))
	default:
		out, err := json.MarshalIndent(resp.Result, "", "  ")
		if err != nil {
			exitWithError("failed to format result", err)
		}
		fmt.Println(string(out))
	}
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/na62exp/eventbuilder/internal/daemon"
)

var pidFile string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the event-builder daemon in the foreground",
	Long: `Run the event-builder daemon in the foreground.

The daemon loads its configuration, starts the L0/L1 capture sources,
the metrics server, and the control plane socket, then blocks until it
receives SIGTERM/SIGINT or a shutdown command over the control socket.
SIGHUP triggers a configuration reload.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := daemon.New(configFile, socketPath, pidFile)
		if err != nil {
			return fmt.Errorf("failed to initialize daemon: %w", err)
		}
		if err := d.Start(); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
		return d.Run()
	},
}

func init() {
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "pid file path (overrides config)")
}

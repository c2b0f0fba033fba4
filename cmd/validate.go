// Package cmd implements CLI commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/na62exp/eventbuilder/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate an event-builder configuration file",
	Long: `Validate an event-builder YAML configuration file without starting
the daemon: checks the source-ID table, capture endpoints, and event pool
shape.

Example:
  eventbuilder validate -f config.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		runValidateCommand()
	},
}

var validateConfigFile string

func init() {
	validateCmd.Flags().StringVarP(&validateConfigFile, "file", "f", "",
		"configuration file to validate (required)")
	validateCmd.MarkFlagRequired("file")
}

func runValidateCommand() {
	cfg, err := config.Load(validateConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("VALID: %d source(s), event pool size %d, l0 capture %s, l1 capture %s\n",
		len(cfg.SourceIDTable),
		cfg.EventBuilder.EventPoolSize,
		cfg.Capture.L0.Mode,
		cfg.Capture.L1.Mode,
	)
}

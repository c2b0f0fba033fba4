// Package main is the entry point for the event-builder daemon.
package main

import (
	"fmt"
	"os"

	"github.com/na62exp/eventbuilder/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/worker"
)

// workerCmd is the child side of an execution. The runner re-executes this
// binary with it; it is not meant to be run by hand.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one submission read from stdin (internal)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return worker.Serve(os.Stdin, os.Stdout)
	},
}

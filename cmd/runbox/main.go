// runbox runs untrusted JavaScript in isolated, resource-bounded worker
// processes with persistent per-session state.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "runbox",
	Short: "runbox: sandboxed code execution with persistent sessions.",
	Long: `runbox executes untrusted JavaScript submitted over HTTP, WebSocket or MCP.
Each submission runs in its own worker process under a wall-clock timeout and a
resident memory ceiling. Top-level state survives between submissions of the
same session and is discarded when a limit is hit.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, execCmd, mcpCmd, workerCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

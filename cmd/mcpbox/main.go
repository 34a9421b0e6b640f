// MCPBox — sandboxed code execution gateway for MCP servers.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mcpbox",
	Short: "MCPBox — sandboxed code execution gateway for MCP servers.",
	Long: `MCPBox loads MCP servers behind a schema cache and lets clients execute
JavaScript against their tools inside an external isolation host.
Tool calls travel over a loopback bridge so sandboxed code never talks
to upstream servers directly.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, runCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// Command atlas-gate runs the governance gateway MCP server, and provides
// lint/verify subcommands for CI use outside a live MCP session.
//
// It communicates over stdio using JSON-RPC 2.0 (MCP protocol) by default,
// or over Streamable HTTP when started with `serve --http`.
//
// Required environment variables:
//
//	ATLAS_BOOTSTRAP_SECRET  - HMAC secret for the bootstrap_plan proof
//
// Optional environment variables:
//
//	WORKSPACE_ROOT            - sets workspace.root in the config (begin_session does not read it)
//	ATLAS_GATE_LOG_LEVEL      - debug, info, warn, error (default: info)
//	ATLAS_GATE_TRANSPORT      - stdio (default) or http
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set via ldflags at build time.
var Version = "dev"

var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "atlas-gate",
	Short: "ATLAS-GATE governance gateway",
	Long: `atlas-gate mediates every filesystem mutation an autonomous coding
agent attempts against a workspace: plan authorization, intent binding,
construct scanning, and an append-only audit trail.

Core commands:
  serve   Run the MCP server (stdio or --http)
  lint    Lint a plan document outside a live session
  verify  Re-check a workspace's audit log and plan files
  version Show version information`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to atlas-gate.toml")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/atlas-gate/atlas-gate/internal/planreg"
)

var lintCmd = &cobra.Command{
	Use:   "lint <plan-file>",
	Short: "Lint a plan document",
	Long: `Lint a candidate plan document's structure, vocabulary, and
metadata, the same checks write_file's plan binding step runs, without
requiring a live MCP session.

Exit code 0: lint passed.
Exit code 1: lint failed (errors printed to stderr).
Exit code 2: the file could not be read.`,
	Args: cobra.ExactArgs(1),
	RunE: runLint,
}

func init() {
	rootCmd.AddCommand(lintCmd)
}

func runLint(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "atlas-gate: reading %s: %v\n", args[0], err)
		os.Exit(2)
	}

	result := planreg.Lint(string(raw))
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	if !result.Passed {
		for _, e := range result.Errors {
			fmt.Fprintf(os.Stderr, "error: %s\n", e)
		}
		os.Exit(1)
	}

	fmt.Printf("ok: %s (hash %s)\n", args[0], result.Hash)
	return nil
}
